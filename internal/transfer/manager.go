package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/BufferShare/internal/codec"
	"github.com/jaywantadh/BufferShare/internal/eventbus"
	"github.com/jaywantadh/BufferShare/internal/metadata"
	"github.com/jaywantadh/BufferShare/internal/storage"
)

// OfferTopic carries the announcement a sender makes before its first
// segment.
const OfferTopic = "offer"

const historySize = 256

var (
	ErrDuplicateTransfer = errors.New("transfer already active")
	ErrUnknownTransfer   = errors.New("unknown transfer")
)

// Offer announces an upcoming transfer to its receiver.
type Offer struct {
	ID   string `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint,omitempty"`
	Size int64  `cbor:"3,keyasint"`
}

// Recorder receives transfer counters. *metrics.Metrics implements it.
type Recorder interface {
	SegmentSent()
	SegmentReceived()
	CreditSent()
	TransferStarted(role string)
	TransferFinished(role, outcome string, bytes int, elapsed time.Duration)
}

// Journal persists transfer records. *metadata.MetadataStore implements it.
type Journal interface {
	Put(rec metadata.TransferRecord) error
}

type nopRecorder struct{}

func (nopRecorder) SegmentSent()                                       {}
func (nopRecorder) SegmentReceived()                                   {}
func (nopRecorder) CreditSent()                                        {}
func (nopRecorder) TransferStarted(string)                             {}
func (nopRecorder) TransferFinished(string, string, int, time.Duration) {}

type ManagerOption func(*Manager)

func WithJournal(j Journal) ManagerOption { return func(m *Manager) { m.journal = j } }

func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

func WithTracker(pt *ProgressTracker) ManagerOption {
	return func(m *Manager) {
		if pt != nil {
			m.tracker = pt
		}
	}
}

// WithStore writes every completed receive into the content store.
func WithStore(s storage.Storage) ManagerOption { return func(m *Manager) { m.store = s } }

func WithCodec(c codec.Codec[[]byte]) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.codec = c
		}
	}
}

// WithAutoAccept makes the manager start a receive for every offer it sees.
func WithAutoAccept(on bool) ManagerOption { return func(m *Manager) { m.autoAccept = on } }

// WithTaskOptions applies opts to every task the manager creates.
func WithTaskOptions(opts ...Option) ManagerOption {
	return func(m *Manager) { m.taskOpts = append(m.taskOpts, opts...) }
}

type entry struct {
	id       string
	role     Role
	name     string
	peer     string
	size     int64
	started  time.Time
	task     *Task[[]byte]
	finished chan struct{}
	result   Result[[]byte]
}

func newEntry(id string, role Role, name, peer string, size int64) *entry {
	return &entry{
		id:       id,
		role:     role,
		name:     name,
		peer:     peer,
		size:     size,
		started:  time.Now(),
		finished: make(chan struct{}),
	}
}

// Manager runs byte transfers on one bus and keeps their bookkeeping.
type Manager struct {
	bus        eventbus.Bus
	codec      codec.Codec[[]byte]
	journal    Journal
	recorder   Recorder
	tracker    *ProgressTracker
	store      storage.Storage
	autoAccept bool
	taskOpts   []Option
	opts       options
	log        logrus.FieldLogger

	mu         sync.Mutex
	active     map[string]*entry
	history    map[string]*entry
	order      []string
	onReceived func(id string, data []byte)
	closed     bool
	wg         sync.WaitGroup
}

func NewManager(bus eventbus.Bus, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		bus:      bus,
		codec:    codec.Raw(),
		recorder: nopRecorder{},
		tracker:  NewProgressTracker(),
		active:   make(map[string]*entry),
		history:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.opts = defaultOptions()
	for _, opt := range m.taskOpts {
		opt(&m.opts)
	}
	if err := m.opts.validate(); err != nil {
		return nil, err
	}
	m.log = m.opts.log.WithField("node", bus.PeerID())

	if m.autoAccept {
		bus.Register(m).On(OfferTopic, 0, m.handleOffer)
	}
	return m, nil
}

func (m *Manager) Tracker() *ProgressTracker { return m.tracker }

// OnReceived sets the callback run after each completed receive. It runs
// off the bus loop.
func (m *Manager) OnReceived(fn func(id string, data []byte)) {
	m.mu.Lock()
	m.onReceived = fn
	m.mu.Unlock()
}

// Send offers data to peer and starts the transfer. An empty id derives it
// from the content hash.
func (m *Manager) Send(ctx context.Context, peer string, data []byte, id string) (string, error) {
	return m.SendNamed(ctx, peer, "", data, id)
}

// SendNamed is Send with a display name carried in the offer.
func (m *Manager) SendNamed(ctx context.Context, peer, name string, data []byte, id string) (string, error) {
	if peer == "" {
		return "", ErrNoPeer
	}
	if id == "" {
		buf, err := m.codec.Encode(data)
		if err != nil {
			return "", fmt.Errorf("encode payload: %w", err)
		}
		if id, err = m.opts.hasher.Sum(ctx, buf); err != nil {
			return "", fmt.Errorf("derive identifier: %w", err)
		}
	}

	e := newEntry(id, RoleSend, name, peer, int64(len(data)))
	if err := m.reserve(e); err != nil {
		return "", err
	}

	offer, err := cbor.Marshal(Offer{ID: id, Name: name, Size: e.size})
	if err == nil {
		err = m.bus.Call(OfferTopic, offer, peer)
	}
	if err != nil {
		err = fmt.Errorf("offer %s to %s: %w", id, peer, err)
		m.unreserve(e, err)
		return "", err
	}

	task, err := CreateSendTask(ctx, m.bus, m.codec, data, peer, m.hooks(e), m.taskOptions(id)...)
	if err != nil {
		m.unreserve(e, err)
		return "", err
	}
	m.start(e, task)
	return id, nil
}

// Receive starts listening for the transfer named id.
func (m *Manager) Receive(id string) error {
	return m.receive(id, "", 0, "")
}

func (m *Manager) receive(id, name string, size int64, peer string) error {
	if id == "" {
		return ErrNoIdentifier
	}
	e := newEntry(id, RoleReceive, name, peer, size)
	if err := m.reserve(e); err != nil {
		return err
	}
	task, err := CreateReceiveTask(m.bus, m.codec, id, m.hooks(e), m.taskOptions(id)...)
	if err != nil {
		m.unreserve(e, err)
		return err
	}
	m.start(e, task)
	return nil
}

// Cancel stops an active transfer. It reports whether id was active.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	var task *Task[[]byte]
	if e, ok := m.active[id]; ok {
		task = e.task
	}
	m.mu.Unlock()
	if task == nil {
		return false
	}
	task.Cancel()
	return true
}

// Wait blocks until the transfer finished and its bookkeeping is done.
// Recently finished transfers can still be waited on; a completed send's
// result has no payload.
func (m *Manager) Wait(ctx context.Context, id string) (Result[[]byte], error) {
	m.mu.Lock()
	e, ok := m.active[id]
	if !ok {
		e, ok = m.history[id]
	}
	m.mu.Unlock()
	if !ok {
		return Result[[]byte]{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}

	select {
	case <-e.finished:
		return e.result, nil
	case <-ctx.Done():
		return Result[[]byte]{}, ctx.Err()
	}
}

// Active lists the identifiers of transfers in flight.
func (m *Manager) Active() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close cancels every active transfer and waits for their bookkeeping.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	tasks := make([]*Task[[]byte], 0, len(m.active))
	for _, e := range m.active {
		if e.task != nil {
			tasks = append(tasks, e.task)
		}
	}
	m.mu.Unlock()

	m.bus.Unregister(m)
	for _, t := range tasks {
		t.Cancel()
	}
	m.wg.Wait()
}

func (m *Manager) taskOptions(id string) []Option {
	opts := make([]Option, 0, len(m.taskOpts)+2)
	opts = append(opts, m.taskOpts...)
	return append(opts, WithIdentifier(id), WithCreditNotify(func(int) { m.recorder.CreditSent() }))
}

func (m *Manager) reserve(e *entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return eventbus.ErrClosed
	}
	if _, ok := m.active[e.id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTransfer, e.id)
	}
	m.active[e.id] = e
	m.tracker.StartTracking(e.id, e.name, e.role, e.peer, e.size)
	return nil
}

// unreserve backs out a transfer that never started. Waiters see err.
func (m *Manager) unreserve(e *entry, err error) {
	m.mu.Lock()
	if m.active[e.id] == e {
		delete(m.active, e.id)
		m.tracker.RemoveTransfer(e.id)
	}
	m.mu.Unlock()
	e.result = Result[[]byte]{ID: e.id, Role: e.role, Peer: e.peer, Outcome: Failed, Err: err}
	close(e.finished)
}

func (m *Manager) start(e *entry, task *Task[[]byte]) {
	m.mu.Lock()
	e.task = task
	m.mu.Unlock()

	role := e.role.String()
	m.recorder.TransferStarted(role)
	m.record(metadata.TransferRecord{
		ID:        e.id,
		Role:      role,
		Peer:      e.peer,
		Name:      e.name,
		Size:      e.size,
		Status:    string(StatusInProgress),
		StartedAt: e.started,
	})
	m.log.WithFields(logrus.Fields{"transfer_id": e.id, "role": role, "peer": e.peer}).Info("transfer started")

	m.wg.Add(1)
	go m.watch(e)
}

func (m *Manager) hooks(e *entry) Hooks[[]byte] {
	return Hooks[[]byte]{
		OnProgress: func(t *Task[[]byte], _, total int) {
			segments, n := t.Progress()
			if e.role == RoleSend {
				m.recorder.SegmentSent()
			} else {
				m.recorder.SegmentReceived()
				m.tracker.SetPeer(e.id, t.Peer())
			}
			m.tracker.UpdateProgress(e.id, segments, total, int64(n))
		},
	}
}

func (m *Manager) watch(e *entry) {
	defer m.wg.Done()
	<-e.task.Done()
	res, _ := e.task.Result()
	m.finish(e, res)
}

func (m *Manager) finish(e *entry, res Result[[]byte]) {
	role := e.role.String()
	log := m.log.WithFields(logrus.Fields{
		"transfer_id": e.id,
		"role":        role,
		"peer":        res.Peer,
		"outcome":     res.Outcome.String(),
	})

	rec := metadata.TransferRecord{
		ID:         e.id,
		Role:       role,
		Peer:       res.Peer,
		Name:       e.name,
		Size:       e.size,
		Segments:   res.Segments,
		Status:     res.Outcome.String(),
		StartedAt:  e.started,
		FinishedAt: time.Now(),
	}
	if rec.Size == 0 {
		rec.Size = int64(res.Bytes)
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}

	m.mu.Lock()
	onReceived := m.onReceived
	m.mu.Unlock()

	if e.role == RoleReceive && res.OK() {
		if m.store != nil {
			hash, err := m.store.Put(bytes.NewReader(res.Payload))
			if err != nil {
				log.WithError(err).Error("failed to store received payload")
			} else {
				rec.ContentHash = hash
			}
		}
		if onReceived != nil {
			onReceived(e.id, res.Payload)
		}
	}

	m.record(rec)
	m.tracker.Finish(e.id, res.Outcome)
	m.recorder.TransferFinished(role, res.Outcome.String(), res.Bytes, time.Since(e.started))
	if res.OK() {
		log.WithField("bytes", res.Bytes).Info("transfer finished")
	} else {
		log.WithError(res.Err).Warn("transfer finished")
	}

	if e.role == RoleSend {
		res.Payload = nil
	}
	e.result = res

	m.mu.Lock()
	if m.active[e.id] == e {
		delete(m.active, e.id)
	}
	m.remember(e)
	m.mu.Unlock()
	close(e.finished)
}

// remember keeps e for Wait, evicting the oldest entries. Callers hold mu.
func (m *Manager) remember(e *entry) {
	if _, ok := m.history[e.id]; !ok {
		m.order = append(m.order, e.id)
	}
	m.history[e.id] = e
	for len(m.order) > historySize {
		old := m.order[0]
		m.order = m.order[1:]
		delete(m.history, old)
		if _, live := m.active[old]; !live {
			m.tracker.RemoveTransfer(old)
		}
	}
}

func (m *Manager) record(rec metadata.TransferRecord) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Put(rec); err != nil {
		m.log.WithError(err).WithField("transfer_id", rec.ID).Warn("journal write failed")
	}
}

func (m *Manager) handleOffer(ev eventbus.Event) {
	var offer Offer
	if err := cbor.Unmarshal(ev.Data, &offer); err != nil {
		m.log.WithError(err).WithField("from", ev.SendFrom).Warn("dropping malformed offer")
		return
	}
	err := m.receive(offer.ID, offer.Name, offer.Size, ev.SendFrom)
	switch {
	case errors.Is(err, ErrDuplicateTransfer):
		m.log.WithField("transfer_id", offer.ID).Debug("offer for a transfer already in progress")
	case err != nil:
		m.log.WithError(err).WithField("transfer_id", offer.ID).Warn("offer rejected")
	default:
		m.log.WithFields(logrus.Fields{"transfer_id": offer.ID, "from": ev.SendFrom, "size": offer.Size}).Debug("offer accepted")
	}
}
