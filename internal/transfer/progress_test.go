package transfer

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressTracker(t *testing.T) {
	pt := NewProgressTracker()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	pt.now = func() time.Time { return now }

	pt.StartTracking("t1", "file.bin", RoleReceive, "", 4000)
	now = now.Add(2 * time.Second)
	pt.UpdateProgress("t1", 1, 4, 1000)
	pt.SetPeer("t1", "node-a")
	pt.SetPeer("t1", "node-z")

	p, ok := pt.GetProgress("t1")
	require.True(t, ok)
	assert.Equal(t, StatusInProgress, p.Status)
	assert.Equal(t, "node-a", p.Peer)
	assert.Equal(t, "receive", p.Role)
	assert.InDelta(t, 500.0, p.Speed, 0.01)
	assert.Equal(t, 6*time.Second, p.EstimatedTime)
	assert.InDelta(t, 25.0, p.Percent(), 0.01)

	pt.Finish("t1", PeerLost)
	p, _ = pt.GetProgress("t1")
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "peer_lost", p.Outcome)
	assert.Zero(t, p.EstimatedTime)

	var buf bytes.Buffer
	pt.PrintProgress(&buf, "t1")
	assert.Contains(t, buf.String(), "file.bin")
	assert.Contains(t, buf.String(), "1/4 segments")
	assert.Contains(t, buf.String(), "1000 B/3.9 KiB")

	pt.RemoveTransfer("t1")
	_, ok = pt.GetProgress("t1")
	assert.False(t, ok)
}

func TestGetAllProgressOrdered(t *testing.T) {
	pt := NewProgressTracker()
	now := time.Now()
	pt.now = func() time.Time { return now }

	pt.StartTracking("late", "", RoleSend, "b", 10)
	now = now.Add(-time.Minute)
	pt.StartTracking("early", "", RoleSend, "b", 10)

	all := pt.GetAllProgress()
	require.Len(t, all, 2)
	assert.Equal(t, "early", all[0].TransferID)
	assert.Equal(t, "late", all[1].TransferID)

	var buf bytes.Buffer
	NewProgressTracker().PrintAllProgress(&buf)
	assert.Contains(t, buf.String(), "No active transfers")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusCompleted, StatusFor(Completed))
	assert.Equal(t, StatusCancelled, StatusFor(Canceled))
	assert.Equal(t, StatusFailed, StatusFor(TimedOut))
	assert.Equal(t, StatusFailed, StatusFor(Incomplete))
}
