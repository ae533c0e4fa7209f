package transfer

import (
	"errors"
	"fmt"

	"github.com/jaywantadh/BufferShare/internal/eventbus"
	"github.com/jaywantadh/BufferShare/internal/wire"
)

// sendNext is one scheduling tick of the sender. It transmits at most one
// segment and reposts itself until the window is full or every segment is
// out, at which point the end marker follows.
func (t *Task[T]) sendNext() {
	if t.closed.Load() {
		return
	}
	total := len(t.segments)

	if t.sent >= total {
		if err := t.bus.Call(EndTopic(t.id), wire.EncodeEnd(uint32(total)), t.peer); err != nil {
			t.abort(err)
			return
		}
		t.log.WithField("segments", total).Debug("buffer sent")
		t.conclude(Completed, t.data, nil)
		return
	}

	if t.acked+t.opts.window <= t.sent {
		t.paused = true
		t.resetTimeout()
		return
	}

	index := t.sent
	msg := wire.EncodeSegment(wire.Segment{
		Index: uint32(index),
		Total: uint32(total),
		Data:  t.segments[index],
	})
	if err := t.bus.Call(SegmentTopic(t.id), msg, t.peer); err != nil {
		t.abort(err)
		return
	}
	t.sent++
	t.bytes += len(t.segments[index])
	t.progress(index, total)

	t.bus.Post(t, t.sendNext)
}

func (t *Task[T]) abort(err error) {
	if errors.Is(err, eventbus.ErrUnknownPeer) {
		t.log.WithError(err).Warn("send canceled: destination unreachable")
		t.conclude(PeerLost, t.data, fmt.Errorf("%w: %v", ErrPeerLost, err))
		return
	}
	t.log.WithError(err).Error("send failed")
	t.conclude(Failed, t.data, err)
}

func (t *Task[T]) handleMore(ev eventbus.Event) {
	if t.closed.Load() || ev.SendFrom != t.peer {
		return
	}
	count, err := t.decodeCredit(ev.Data)
	if err != nil {
		t.log.WithError(err).Warn("dropping malformed credit")
		return
	}
	if count > t.acked {
		t.acked = count
	}
	if t.paused {
		t.paused = false
		t.stopTimeout()
		t.bus.Post(t, t.sendNext)
	}
}

// decodeCredit clamps the reported count to what was actually sent.
func (t *Task[T]) decodeCredit(data []byte) (int, error) {
	v, err := wire.DecodeCredit(data)
	if err != nil {
		return 0, err
	}
	return min(int(v), t.sent), nil
}

func (t *Task[T]) handlePeerDisconnected(ev eventbus.Event) {
	if t.closed.Load() || string(ev.Data) != t.peer {
		return
	}
	t.log.WithField("peer", t.peer).Warn("send canceled: peer disconnected")
	t.conclude(PeerLost, t.data, ErrPeerLost)
}
