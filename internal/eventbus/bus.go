// Package eventbus provides the small-message publish/subscribe bus that
// transfers are layered on.
//
// Every bus owns one event loop. Subscription handlers, posted steps and
// timer callbacks all run on that loop, one at a time and in FIFO order, so
// code driven by a bus never needs its own locking. Registration,
// publishing and unregistration are safe from any goroutine.
package eventbus

import (
	"errors"
	"time"
)

const (
	// MaxMessageSize is the largest payload a single Call may carry.
	MaxMessageSize = 16 * 1024

	// PeerDisconnectedTopic is published locally when a peer goes away.
	// The payload is the peer id.
	PeerDisconnectedTopic = "peer-disconnected"
)

var (
	ErrMessageTooLarge = errors.New("message exceeds bus size limit")
	ErrUnknownPeer     = errors.New("unknown peer")
	ErrClosed          = errors.New("bus closed")
)

// Event is one delivered message.
type Event struct {
	Topic          string
	Data           []byte
	SendFrom       string
	IsSendFromSelf bool
}

type Handler func(Event)

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the
	// call stopped a pending callback.
	Stop() bool
}

// Bus is the interface transfer tasks depend on.
//
// Owners are compared by identity, so they must be comparable values
// (normally pointers).
type Bus interface {
	PeerID() string
	Register(owner any) *Subscription
	// Unregister drops every subscription, pending post and timer of owner.
	Unregister(owner any)
	// Call publishes data on topic. An empty destination broadcasts to
	// every peer, including local subscribers.
	Call(topic string, data []byte, to string) error
	Post(owner any, fn func())
	// AfterFunc runs fn on the loop after d. The owner must be registered;
	// otherwise the returned timer is already stopped.
	AfterFunc(owner any, d time.Duration, fn func()) Timer
}

// Router carries messages addressed to peers other than the local bus.
type Router interface {
	Route(from, to, topic string, data []byte) error
}

type registrar interface {
	addListener(owner any, topic string, priority int, h Handler)
}

// Subscription chains topic registrations for one owner.
type Subscription struct {
	reg   registrar
	owner any
}

// On subscribes handler to topic. Higher priorities run first.
func (s *Subscription) On(topic string, priority int, handler Handler) *Subscription {
	s.reg.addListener(s.owner, topic, priority, handler)
	return s
}
