package transfer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/BufferShare/internal/metadata"
	"github.com/jaywantadh/BufferShare/internal/storage"
)

type countingRecorder struct {
	sent, received, credits, started, finished atomic.Int64
}

func (r *countingRecorder) SegmentSent()           { r.sent.Add(1) }
func (r *countingRecorder) SegmentReceived()       { r.received.Add(1) }
func (r *countingRecorder) CreditSent()            { r.credits.Add(1) }
func (r *countingRecorder) TransferStarted(string) { r.started.Add(1) }
func (r *countingRecorder) TransferFinished(string, string, int, time.Duration) {
	r.finished.Add(1)
}

func newJournal(t *testing.T) *metadata.MetadataStore {
	t.Helper()
	j, err := metadata.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestManagerOfferAndAutoAccept(t *testing.T) {
	_, a, b := pair(t)
	ctx := context.Background()

	store, err := storage.NewLocalStorage(t.TempDir(), nil)
	require.NoError(t, err)
	journal := newJournal(t)
	rec := &countingRecorder{}

	sender, err := NewManager(a, WithTaskOptions(quiet()), WithRecorder(rec))
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := NewManager(b, WithAutoAccept(true), WithStore(store), WithJournal(journal), WithTaskOptions(quiet()))
	require.NoError(t, err)
	defer receiver.Close()

	got := make(chan []byte, 1)
	receiver.OnReceived(func(id string, data []byte) { got <- data })

	payload := randomBytes(20 * DefaultChunkSize)
	id, err := sender.SendNamed(ctx, "b", "report.bin", payload, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case data := <-got:
		assert.Equal(t, payload, data)
	case <-time.After(5 * time.Second):
		t.Fatal("payload never received")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := receiver.Wait(waitCtx, id)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "a", res.Peer)

	sres, err := sender.Wait(waitCtx, id)
	require.NoError(t, err)
	assert.True(t, sres.OK())
	assert.Nil(t, sres.Payload)

	entry, err := journal.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "completed", entry.Status)
	assert.Equal(t, "receive", entry.Role)
	assert.Equal(t, "report.bin", entry.Name)
	assert.Equal(t, int64(len(payload)), entry.Size)
	assert.Equal(t, 20, entry.Segments)
	assert.True(t, entry.Finished())
	assert.True(t, store.Exists(entry.ContentHash))

	p, ok := receiver.Tracker().GetProgress(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, "a", p.Peer)
	assert.Equal(t, 20, p.SegmentsDone)

	assert.Empty(t, sender.Active())
	assert.Empty(t, receiver.Active())
	assert.Equal(t, int64(20), rec.sent.Load())
	assert.Equal(t, int64(1), rec.started.Load())
	assert.Equal(t, int64(1), rec.finished.Load())
}

func TestManagerExplicitReceive(t *testing.T) {
	_, a, b := pair(t)
	ctx := context.Background()
	rec := &countingRecorder{}

	sender, err := NewManager(a, WithTaskOptions(quiet()))
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := NewManager(b, WithTaskOptions(quiet()), WithRecorder(rec))
	require.NoError(t, err)
	defer receiver.Close()

	require.NoError(t, receiver.Receive("manual"))
	assert.Equal(t, []string{"manual"}, receiver.Active())

	payload := randomBytes(16 * DefaultChunkSize)
	id, err := sender.Send(ctx, "b", payload, "manual")
	require.NoError(t, err)
	assert.Equal(t, "manual", id)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := receiver.Wait(waitCtx, "manual")
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, payload, res.Payload)

	assert.Equal(t, int64(16), rec.received.Load())
	assert.Equal(t, int64(2), rec.credits.Load())
}

func TestManagerRejectsDuplicate(t *testing.T) {
	_, _, b := pair(t)
	m, err := NewManager(b, WithTaskOptions(quiet()))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Receive("dup"))
	assert.ErrorIs(t, m.Receive("dup"), ErrDuplicateTransfer)
	assert.ErrorIs(t, m.Receive(""), ErrNoIdentifier)
}

func TestManagerCancel(t *testing.T) {
	_, _, b := pair(t)
	journal := newJournal(t)
	m, err := NewManager(b, WithJournal(journal), WithTaskOptions(quiet()))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Receive("stop"))
	assert.True(t, m.Cancel("stop"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := m.Wait(ctx, "stop")
	require.NoError(t, err)
	assert.Equal(t, Canceled, res.Outcome)
	assert.False(t, m.Cancel("stop"))
	assert.Empty(t, m.Active())

	entry, err := journal.Get("stop")
	require.NoError(t, err)
	assert.Equal(t, "canceled", entry.Status)
	assert.Equal(t, ErrCanceled.Error(), entry.Error)

	// The identifier is free again once the first transfer finished.
	require.NoError(t, m.Receive("stop"))
}

func TestManagerWaitUnknown(t *testing.T) {
	_, a, _ := pair(t)
	m, err := NewManager(a, WithTaskOptions(quiet()))
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestManagerSendToUnknownPeer(t *testing.T) {
	_, a, _ := pair(t)
	m, err := NewManager(a, WithTaskOptions(quiet()))
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Send(context.Background(), "ghost", []byte("x"), "to-ghost")
	assert.Error(t, err)
	assert.Empty(t, m.Active())
	_, ok := m.Tracker().GetProgress("to-ghost")
	assert.False(t, ok)

	_, err = m.Send(context.Background(), "", []byte("x"), "")
	assert.ErrorIs(t, err, ErrNoPeer)
}

func TestManagerRejectsBadTaskOptions(t *testing.T) {
	_, a, _ := pair(t)
	_, err := NewManager(a, WithTaskOptions(WithWindowSize(0)))
	assert.ErrorIs(t, err, ErrBadOption)
}

func TestManagerCloseCancelsActive(t *testing.T) {
	_, _, b := pair(t)
	m, err := NewManager(b, WithTaskOptions(quiet()))
	require.NoError(t, err)

	require.NoError(t, m.Receive("one"))
	require.NoError(t, m.Receive("two"))
	m.Close()

	assert.Empty(t, m.Active())
	assert.Equal(t, 0, b.Owners())
	assert.Error(t, m.Receive("three"))
}
