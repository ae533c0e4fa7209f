// Package transfer moves arbitrary payloads between two peers of a
// small-message bus.
//
// A sender serializes the payload once, cuts it into segments and pushes
// them on segment:{id}, pausing whenever it gets a full window ahead of the
// credit the receiver reports on more:{id}. The receiver buffers segments by
// index and reassembles the payload when end:{id} arrives. Both roles give
// up after a quiet period with no protocol traffic.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/BufferShare/internal/codec"
	"github.com/jaywantadh/BufferShare/internal/eventbus"
	"github.com/jaywantadh/BufferShare/internal/hashing"
	"github.com/jaywantadh/BufferShare/internal/wire"
)

const (
	DefaultChunkSize      = 14 * 1024
	DefaultWindowSize     = 16
	DefaultCreditInterval = 8
	DefaultTimeout        = 15 * time.Second
)

var (
	ErrNoIdentifier  = errors.New("transfer identifier is required")
	ErrNoPeer        = errors.New("destination peer is required")
	ErrBadOption     = errors.New("invalid transfer option")
	ErrTimeout       = errors.New("transfer timed out")
	ErrPeerLost      = errors.New("peer disconnected")
	ErrCanceled      = errors.New("transfer canceled")
	ErrDecodePayload = errors.New("payload decode failed")
)

func SegmentTopic(id string) string { return "segment:" + id }
func MoreTopic(id string) string    { return "more:" + id }
func EndTopic(id string) string     { return "end:" + id }

type Role int

const (
	RoleSend Role = iota
	RoleReceive
)

func (r Role) String() string {
	if r == RoleSend {
		return "send"
	}
	return "receive"
}

// Outcome tags how a task ended.
type Outcome int

const (
	Completed Outcome = iota
	TimedOut
	PeerLost
	// Incomplete means the end marker arrived with segments missing.
	Incomplete
	Failed
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case PeerLost:
		return "peer_lost"
	case Incomplete:
		return "incomplete"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the terminal report of a task. Payload is the original value on
// the sending side and the reassembled value after a completed receive.
type Result[T any] struct {
	ID       string
	Role     Role
	Peer     string
	Payload  T
	Outcome  Outcome
	Err      error
	Segments int
	Bytes    int
}

func (r Result[T]) OK() bool { return r.Outcome == Completed }

// Hooks run on the bus loop. OnTimeout precedes OnFinish for timeouts and
// peer loss; OnFinish runs at most once. Hooks must not block on Wait.
type Hooks[T any] struct {
	OnProgress func(t *Task[T], index, total int)
	OnTimeout  func(t *Task[T])
	OnFinish   func(t *Task[T], res Result[T])
}

type options struct {
	identifier     string
	chunkSize      int
	window         int
	creditInterval int
	timeout        time.Duration
	hasher         hashing.Hasher
	log            logrus.FieldLogger
	onCredit       func(count int)
}

type Option func(*options)

// WithIdentifier fixes the transfer id instead of hashing the payload.
func WithIdentifier(id string) Option { return func(o *options) { o.identifier = id } }

func WithChunkSize(n int) Option { return func(o *options) { o.chunkSize = n } }

func WithWindowSize(n int) Option { return func(o *options) { o.window = n } }

func WithCreditInterval(n int) Option { return func(o *options) { o.creditInterval = n } }

func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

func WithHasher(h hashing.Hasher) Option {
	return func(o *options) {
		if h != nil {
			o.hasher = h
		}
	}
}

// WithCreditNotify calls fn on the loop after a receiver published a credit.
func WithCreditNotify(fn func(count int)) Option { return func(o *options) { o.onCredit = fn } }

func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

func defaultOptions() options {
	return options{
		chunkSize:      DefaultChunkSize,
		window:         DefaultWindowSize,
		creditInterval: DefaultCreditInterval,
		timeout:        DefaultTimeout,
		hasher:         hashing.SHA256(),
		log:            logrus.StandardLogger(),
	}
}

func (o options) validate() error {
	switch {
	case o.chunkSize <= 0:
		return fmt.Errorf("%w: chunk size %d", ErrBadOption, o.chunkSize)
	case o.chunkSize+wire.SegmentHeaderSize > eventbus.MaxMessageSize:
		return fmt.Errorf("%w: chunk size %d exceeds bus limit", ErrBadOption, o.chunkSize)
	case o.window <= 0:
		return fmt.Errorf("%w: window %d", ErrBadOption, o.window)
	case o.creditInterval <= 0:
		return fmt.Errorf("%w: credit interval %d", ErrBadOption, o.creditInterval)
	case o.window < o.creditInterval:
		return fmt.Errorf("%w: window %d is smaller than credit interval %d", ErrBadOption, o.window, o.creditInterval)
	case o.timeout <= 0:
		return fmt.Errorf("%w: timeout %s", ErrBadOption, o.timeout)
	}
	return nil
}

// Task is one side of one transfer. All protocol state is touched only on
// the bus loop; Cancel, Done, Wait and Result are safe from any goroutine.
type Task[T any] struct {
	id    string
	role  Role
	peer  string
	bus   eventbus.Bus
	codec codec.Codec[T]
	hooks Hooks[T]
	opts  options
	log   *logrus.Entry

	// sending side
	data     T
	segments [][]byte
	sent     int
	acked    int
	paused   bool

	// receiving side
	parts    map[int][]byte
	total    int
	received int

	bytes   int
	timeout eventbus.Timer

	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
	result Result[T]
}

func newTask[T any](id string, role Role, bus eventbus.Bus, c codec.Codec[T], hooks Hooks[T], o options) *Task[T] {
	return &Task[T]{
		id:    id,
		role:  role,
		bus:   bus,
		codec: c,
		hooks: hooks,
		opts:  o,
		log:   o.log.WithFields(logrus.Fields{"transfer_id": id, "role": role.String()}),
		done:  make(chan struct{}),
	}
}

// CreateSendTask serializes data and starts pushing it to sendTo. Without
// WithIdentifier the id is the content hash of the serialized bytes.
func CreateSendTask[T any](ctx context.Context, bus eventbus.Bus, c codec.Codec[T], data T, sendTo string, hooks Hooks[T], opts ...Option) (*Task[T], error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	if sendTo == "" {
		return nil, ErrNoPeer
	}

	buf, err := c.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	id := o.identifier
	if id == "" {
		if id, err = o.hasher.Sum(ctx, buf); err != nil {
			return nil, fmt.Errorf("derive identifier: %w", err)
		}
	}

	t := newTask(id, RoleSend, bus, c, hooks, o)
	t.peer = sendTo
	t.data = data
	t.segments = splitSegments(buf, o.chunkSize)
	t.log.WithFields(logrus.Fields{
		"peer":     sendTo,
		"bytes":    len(buf),
		"segments": len(t.segments),
	}).Debug("payload segmented")

	bus.Register(t).
		On(MoreTopic(id), 0, t.handleMore).
		On(eventbus.PeerDisconnectedTopic, 0, t.handlePeerDisconnected)
	bus.Post(t, t.sendNext)
	return t, nil
}

// CreateReceiveTask listens for the transfer named identifier. The liveness
// timeout starts immediately.
func CreateReceiveTask[T any](bus eventbus.Bus, c codec.Codec[T], identifier string, hooks Hooks[T], opts ...Option) (*Task[T], error) {
	if identifier == "" {
		return nil, ErrNoIdentifier
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	t := newTask(identifier, RoleReceive, bus, c, hooks, o)
	t.parts = make(map[int][]byte)

	bus.Register(t).
		On(SegmentTopic(identifier), 0, t.handleSegment).
		On(EndTopic(identifier), 0, t.handleEnd)
	bus.Post(t, t.resetTimeout)
	return t, nil
}

func (t *Task[T]) Identifier() string { return t.id }

func (t *Task[T]) Role() Role { return t.role }

// Peer is the destination of a send. On the receiving side it is the sender
// of the first segment, so read it from a hook or after Done.
func (t *Task[T]) Peer() string { return t.peer }

// Progress reports segments and payload bytes handled so far. Call it only
// from a hook.
func (t *Task[T]) Progress() (segments, bytes int) {
	if t.role == RoleSend {
		return t.sent, t.bytes
	}
	return t.received, t.bytes
}

func (t *Task[T]) Done() <-chan struct{} { return t.done }

func (t *Task[T]) Result() (Result[T], bool) {
	select {
	case <-t.done:
		return t.result, true
	default:
		return Result[T]{}, false
	}
}

func (t *Task[T]) Wait(ctx context.Context) (Result[T], error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result[T]{}, ctx.Err()
	}
}

// Cancel releases every subscription and timer. No hook runs afterwards.
// Calling it again, or after the task finished, does nothing.
func (t *Task[T]) Cancel() {
	res := Result[T]{ID: t.id, Role: t.role, Payload: t.data, Outcome: Canceled, Err: ErrCanceled}
	if t.role == RoleSend {
		res.Peer = t.peer
	}
	t.release(res)
}

func (t *Task[T]) release(res Result[T]) {
	t.once.Do(func() {
		t.closed.Store(true)
		t.bus.Unregister(t)
		t.result = res
		close(t.done)
	})
}

func (t *Task[T]) conclude(outcome Outcome, payload T, err error) {
	if t.closed.Load() {
		return
	}
	t.stopTimeout()

	res := Result[T]{
		ID:      t.id,
		Role:    t.role,
		Peer:    t.peer,
		Payload: payload,
		Outcome: outcome,
		Err:     err,
		Bytes:   t.bytes,
	}
	if t.role == RoleSend {
		res.Segments = t.sent
	} else {
		res.Segments = t.received
	}

	if outcome == TimedOut || outcome == PeerLost {
		if fn := t.hooks.OnTimeout; fn != nil {
			fn(t)
		}
	}
	if fn := t.hooks.OnFinish; fn != nil && !t.closed.Load() {
		fn(t, res)
	}
	t.release(res)
}

func (t *Task[T]) progress(index, total int) {
	if fn := t.hooks.OnProgress; fn != nil && !t.closed.Load() {
		fn(t, index, total)
	}
}

func (t *Task[T]) resetTimeout() {
	if t.closed.Load() {
		return
	}
	t.stopTimeout()
	t.timeout = t.bus.AfterFunc(t, t.opts.timeout, t.handleTimeout)
}

func (t *Task[T]) stopTimeout() {
	if t.timeout != nil {
		t.timeout.Stop()
		t.timeout = nil
	}
}

func (t *Task[T]) handleTimeout() {
	if t.closed.Load() {
		return
	}
	t.timeout = nil
	t.log.WithFields(logrus.Fields{
		"sent":     t.sent,
		"acked":    t.acked,
		"received": t.received,
	}).Warn("transfer timed out")
	t.conclude(TimedOut, t.data, ErrTimeout)
}
