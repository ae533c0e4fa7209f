package eventbus

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Hub joins in-process buses into one network of peers.
type Hub struct {
	mu    sync.RWMutex
	buses map[string]*LocalBus
	log   logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{buses: make(map[string]*LocalBus), log: log}
}

// Join creates the bus for peerID, or returns the existing one.
func (h *Hub) Join(peerID string, opts ...Option) *LocalBus {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.buses[peerID]; ok {
		return b
	}
	opts = append([]Option{WithLogger(h.log)}, opts...)
	b := NewLocalBus(peerID, append(opts, WithRouter(h))...)
	h.buses[peerID] = b
	return b
}

// Leave closes the bus of peerID and tells every remaining peer about it.
func (h *Hub) Leave(peerID string) {
	h.mu.Lock()
	b, ok := h.buses[peerID]
	delete(h.buses, peerID)
	rest := make([]*LocalBus, 0, len(h.buses))
	for _, other := range h.buses {
		rest = append(rest, other)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	b.Close()
	h.log.WithField("peer", peerID).Debug("peer left hub")

	for _, other := range rest {
		other.Deliver(Event{
			Topic:          PeerDisconnectedTopic,
			Data:           []byte(peerID),
			SendFrom:       other.PeerID(),
			IsSendFromSelf: true,
		})
	}
}

func (h *Hub) Peers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.buses))
	for id := range h.buses {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) Route(from, to, topic string, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if to != "" {
		b, ok := h.buses[to]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
		}
		b.Deliver(Event{Topic: topic, Data: clone(data), SendFrom: from})
		return nil
	}
	for id, b := range h.buses {
		if id == from {
			continue
		}
		b.Deliver(Event{Topic: topic, Data: clone(data), SendFrom: from})
	}
	return nil
}

func clone(data []byte) []byte {
	if data == nil {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
