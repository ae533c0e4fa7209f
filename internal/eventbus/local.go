package eventbus

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type listener struct {
	owner    *ownerState
	topic    string
	priority int
	seq      uint64
	handler  Handler
}

type ownerState struct {
	dropped   atomic.Bool
	listeners int
	timers    map[*busTimer]struct{}
}

type busTimer struct {
	bus     *LocalBus
	timer   *time.Timer
	owner   *ownerState
	stopped atomic.Bool
}

func (t *busTimer) Stop() bool {
	if !t.stopLocked() {
		return false
	}
	t.bus.mu.Lock()
	if t.owner.timers != nil {
		delete(t.owner.timers, t)
	}
	t.bus.mu.Unlock()
	return true
}

// stopLocked stops the underlying timer without touching owner state, so
// it is safe while b.mu is held.
func (t *busTimer) stopLocked() bool {
	if t.stopped.Swap(true) {
		return false
	}
	t.timer.Stop()
	return true
}

// LocalBus is an in-process bus with its own event loop. Messages for other
// peers go through the attached Router.
type LocalBus struct {
	id  string
	log logrus.FieldLogger

	mu        sync.Mutex
	router    Router
	listeners map[string][]*listener
	owners    map[any]*ownerState
	seq       uint64
	pending   []func()
	closed    bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

type Option func(*LocalBus)

func WithLogger(log logrus.FieldLogger) Option {
	return func(b *LocalBus) {
		if log != nil {
			b.log = log
		}
	}
}

func WithRouter(r Router) Option {
	return func(b *LocalBus) { b.router = r }
}

// NewLocalBus starts a bus for peerID. Close stops its loop.
func NewLocalBus(peerID string, opts ...Option) *LocalBus {
	b := &LocalBus{
		id:        peerID,
		log:       logrus.StandardLogger(),
		listeners: make(map[string][]*listener),
		owners:    make(map[any]*ownerState),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.WithField("peer", peerID)

	b.wg.Add(1)
	go b.loop()
	return b
}

func (b *LocalBus) PeerID() string { return b.id }

// AttachRouter replaces the router used for non-local destinations.
func (b *LocalBus) AttachRouter(r Router) {
	b.mu.Lock()
	b.router = r
	b.mu.Unlock()
}

func (b *LocalBus) Register(owner any) *Subscription {
	b.mu.Lock()
	b.ownerLocked(owner)
	b.mu.Unlock()
	return &Subscription{reg: b, owner: owner}
}

func (b *LocalBus) ownerLocked(owner any) *ownerState {
	st, ok := b.owners[owner]
	if !ok {
		st = &ownerState{timers: make(map[*busTimer]struct{})}
		b.owners[owner] = st
	}
	return st
}

func (b *LocalBus) addListener(owner any, topic string, priority int, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.ownerLocked(owner)
	st.listeners++
	b.seq++
	l := &listener{owner: st, topic: topic, priority: priority, seq: b.seq, handler: h}

	list := append(b.listeners[topic], l)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority > list[j].priority
		}
		return list[i].seq < list[j].seq
	})
	b.listeners[topic] = list
}

func (b *LocalBus) Unregister(owner any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.owners[owner]
	if !ok {
		return
	}
	delete(b.owners, owner)
	st.dropped.Store(true)

	for timer := range st.timers {
		timer.stopLocked()
	}
	st.timers = nil

	if st.listeners == 0 {
		return
	}
	for topic, list := range b.listeners {
		kept := list[:0]
		for _, l := range list {
			if l.owner != st {
				kept = append(kept, l)
			}
		}
		if len(kept) == 0 {
			delete(b.listeners, topic)
		} else {
			b.listeners[topic] = kept
		}
	}
}

// Subscribers reports the number of live subscriptions on topic.
func (b *LocalBus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[topic])
}

// Owners reports how many owners currently hold subscriptions or timers.
func (b *LocalBus) Owners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.owners)
}

func (b *LocalBus) Call(topic string, data []byte, to string) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes on %s", ErrMessageTooLarge, len(data), topic)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	router := b.router
	b.mu.Unlock()

	if to == "" || to == b.id {
		b.Deliver(Event{Topic: topic, Data: data, SendFrom: b.id, IsSendFromSelf: true})
		if to == b.id {
			return nil
		}
	}
	if router == nil {
		if to == "" {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	return router.Route(b.id, to, topic, data)
}

// Deliver queues ev for the local subscribers of ev.Topic. Routers call it
// for inbound traffic.
func (b *LocalBus) Deliver(ev Event) {
	b.enqueue(func() { b.dispatch(ev) })
}

func (b *LocalBus) dispatch(ev Event) {
	b.mu.Lock()
	list := append([]*listener(nil), b.listeners[ev.Topic]...)
	b.mu.Unlock()

	for _, l := range list {
		if l.owner.dropped.Load() {
			continue
		}
		l.handler(ev)
	}
}

// Post queues fn on the loop. It is dropped if owner unregisters first; an
// owner with no registration is not tracked.
func (b *LocalBus) Post(owner any, fn func()) {
	b.mu.Lock()
	st := b.owners[owner]
	b.mu.Unlock()

	b.enqueue(func() {
		if st != nil && st.dropped.Load() {
			return
		}
		fn()
	})
}

func (b *LocalBus) AfterFunc(owner any, d time.Duration, fn func()) Timer {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.owners[owner]
	t := &busTimer{bus: b, owner: st}
	if !ok || b.closed {
		// An unregistered owner gets a timer that never fires.
		t.stopped.Store(true)
		return t
	}
	st.timers[t] = struct{}{}
	t.timer = time.AfterFunc(d, func() {
		b.enqueue(func() {
			if t.stopped.Swap(true) || st.dropped.Load() {
				return
			}
			b.mu.Lock()
			if st.timers != nil {
				delete(st.timers, t)
			}
			b.mu.Unlock()
			fn()
		})
	})
	return t
}

func (b *LocalBus) enqueue(fn func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, fn)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *LocalBus) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}

		for {
			b.mu.Lock()
			batch := b.pending
			b.pending = nil
			b.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				select {
				case <-b.done:
					return
				default:
				}
				b.run(fn)
			}
		}
	}
}

func (b *LocalBus) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("event handler panicked: %v", r)
		}
	}()
	fn()
}

// Close stops the loop and drops everything still queued.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.pending = nil
	for _, st := range b.owners {
		st.dropped.Store(true)
		for timer := range st.timers {
			timer.stopLocked()
		}
		st.timers = nil
	}
	b.owners = make(map[any]*ownerState)
	b.listeners = make(map[string][]*listener)
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	return nil
}
