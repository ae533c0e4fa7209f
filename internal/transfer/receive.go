package transfer

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/BufferShare/internal/eventbus"
	"github.com/jaywantadh/BufferShare/internal/wire"
)

func (t *Task[T]) handleSegment(ev eventbus.Event) {
	if t.closed.Load() {
		return
	}
	seg, err := wire.DecodeSegment(ev.Data)
	if err != nil {
		t.log.WithError(err).Warn("dropping malformed segment")
		return
	}
	if t.peer == "" {
		t.peer = ev.SendFrom
	} else if ev.SendFrom != t.peer {
		t.log.WithField("from", ev.SendFrom).Debug("ignoring segment from unexpected peer")
		return
	}
	if len(seg.Data) > t.opts.chunkSize {
		t.log.WithField("size", len(seg.Data)).Warn("dropping oversized segment")
		return
	}
	total := int(seg.Total)
	if t.total == 0 {
		t.total = total
	} else if total != t.total {
		t.log.WithFields(logrus.Fields{"total": total, "expected": t.total}).Warn("dropping segment with inconsistent total")
		return
	}

	index := int(seg.Index)
	if old, dup := t.parts[index]; dup {
		t.bytes -= len(old)
	} else {
		t.received++
	}
	t.parts[index] = append([]byte(nil), seg.Data...)
	t.bytes += len(seg.Data)

	t.progress(index, total)
	if t.closed.Load() {
		return
	}
	t.resetTimeout()

	if (index+1)%t.opts.creditInterval == 0 {
		if err := t.bus.Call(MoreTopic(t.id), wire.EncodeCredit(uint32(index+1)), ev.SendFrom); err != nil {
			t.log.WithError(err).Warn("credit update failed")
		} else if fn := t.opts.onCredit; fn != nil {
			fn(index + 1)
		}
	}
}

func (t *Task[T]) handleEnd(ev eventbus.Event) {
	if t.closed.Load() {
		return
	}
	if t.peer != "" && ev.SendFrom != t.peer {
		t.log.WithField("from", ev.SendFrom).Debug("ignoring end marker from unexpected peer")
		return
	}
	total, err := wire.DecodeEnd(ev.Data)
	if err != nil {
		t.log.WithError(err).Warn("dropping malformed end marker")
		return
	}
	if t.peer == "" {
		t.peer = ev.SendFrom
	}
	t.stopTimeout()
	t.bus.Unregister(t)

	var zero T
	if t.total != 0 && int(total) != t.total {
		t.conclude(Incomplete, zero, fmt.Errorf("%w: end marker reports %d segments, segments carried %d", ErrMissingSegments, total, t.total))
		return
	}
	buf, err := assemble(t.parts, int(total))
	if err != nil {
		t.log.WithError(err).Warn("reassembly incomplete")
		t.conclude(Incomplete, zero, err)
		return
	}
	payload, err := t.codec.Decode(buf)
	if err != nil {
		t.log.WithError(err).Error("reassembled payload does not decode")
		t.conclude(Failed, zero, fmt.Errorf("%w: %v", ErrDecodePayload, err))
		return
	}
	t.log.WithFields(logrus.Fields{"segments": total, "bytes": len(buf)}).Debug("buffer received")
	t.conclude(Completed, payload, nil)
}
