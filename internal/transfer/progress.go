package transfer

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Status is the owner-facing lifecycle of a tracked transfer.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// StatusFor maps a task outcome onto a tracker status.
func StatusFor(o Outcome) Status {
	switch o {
	case Completed:
		return StatusCompleted
	case Canceled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// Progress is a point-in-time copy of one transfer's progress.
type Progress struct {
	TransferID     string        `json:"transfer_id"`
	Name           string        `json:"name,omitempty"`
	Role           string        `json:"role"`
	Peer           string        `json:"peer,omitempty"`
	Status         Status        `json:"status"`
	Outcome        string        `json:"outcome,omitempty"`
	SegmentsDone   int           `json:"segments_done"`
	TotalSegments  int           `json:"total_segments"`
	BytesDone      int64         `json:"bytes_done"`
	TotalBytes     int64         `json:"total_bytes"`
	StartTime      time.Time     `json:"start_time"`
	LastUpdateTime time.Time     `json:"last_update_time"`
	Speed          float64       `json:"speed"`
	EstimatedTime  time.Duration `json:"estimated_time"`
}

// Percent reports segment progress in the range [0, 100].
func (p Progress) Percent() float64 {
	if p.TotalSegments <= 0 {
		if p.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	return float64(p.SegmentsDone) / float64(p.TotalSegments) * 100.0
}

// ProgressTracker tracks the progress of transfers owned by one node.
type ProgressTracker struct {
	mu        sync.RWMutex
	transfers map[string]*Progress
	now       func() time.Time
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		transfers: make(map[string]*Progress),
		now:       time.Now,
	}
}

// StartTracking registers a transfer. totalBytes may be zero when unknown.
func (pt *ProgressTracker) StartTracking(id, name string, role Role, peer string, totalBytes int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	now := pt.now()
	pt.transfers[id] = &Progress{
		TransferID:     id,
		Name:           name,
		Role:           role.String(),
		Peer:           peer,
		Status:         StatusPending,
		TotalBytes:     totalBytes,
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// UpdateProgress records segment progress and recomputes speed and ETA.
func (pt *ProgressTracker) UpdateProgress(id string, segmentsDone, totalSegments int, bytesDone int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p, ok := pt.transfers[id]
	if !ok {
		return
	}
	now := pt.now()
	p.SegmentsDone = segmentsDone
	p.TotalSegments = totalSegments
	p.BytesDone = bytesDone
	p.Status = StatusInProgress
	p.LastUpdateTime = now

	if elapsed := now.Sub(p.StartTime).Seconds(); elapsed > 0 {
		p.Speed = float64(bytesDone) / elapsed
	}
	if p.Speed > 0 && p.TotalBytes > bytesDone {
		remaining := float64(p.TotalBytes - bytesDone)
		p.EstimatedTime = time.Duration(remaining / p.Speed * float64(time.Second))
	} else {
		p.EstimatedTime = 0
	}
}

// SetPeer fills in the peer once a receiver learns it.
func (pt *ProgressTracker) SetPeer(id, peer string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if p, ok := pt.transfers[id]; ok && p.Peer == "" {
		p.Peer = peer
	}
}

// Finish marks a transfer terminal. The entry stays until RemoveTransfer.
func (pt *ProgressTracker) Finish(id string, outcome Outcome) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p, ok := pt.transfers[id]
	if !ok {
		return
	}
	p.Status = StatusFor(outcome)
	p.Outcome = outcome.String()
	p.LastUpdateTime = pt.now()
	p.EstimatedTime = 0
}

func (pt *ProgressTracker) GetProgress(id string) (Progress, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	p, ok := pt.transfers[id]
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

func (pt *ProgressTracker) RemoveTransfer(id string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.transfers, id)
}

// GetAllProgress returns every tracked transfer, oldest first.
func (pt *ProgressTracker) GetAllProgress() []Progress {
	pt.mu.RLock()
	out := make([]Progress, 0, len(pt.transfers))
	for _, p := range pt.transfers {
		out = append(out, *p)
	}
	pt.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].TransferID < out[j].TransferID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// PrintProgress writes a human readable summary of one transfer.
func (pt *ProgressTracker) PrintProgress(w io.Writer, id string) {
	p, ok := pt.GetProgress(id)
	if !ok {
		fmt.Fprintf(w, "Transfer %s not found\n", id)
		return
	}
	label := p.Name
	if label == "" {
		label = shortID(p.TransferID)
	}

	fmt.Fprintf(w, "\nTransfer Progress: %s (%s)\n", label, p.Role)
	fmt.Fprintf(w, "  Status: %s\n", p.Status)
	fmt.Fprintf(w, "  Progress: %d/%d segments (%.1f%%)\n", p.SegmentsDone, p.TotalSegments, p.Percent())
	fmt.Fprintf(w, "  Bytes: %s/%s\n", humanize.IBytes(uint64(p.BytesDone)), humanize.IBytes(uint64(p.TotalBytes)))
	if p.Speed > 0 {
		fmt.Fprintf(w, "  Speed: %s/s\n", humanize.IBytes(uint64(p.Speed)))
	}
	if p.EstimatedTime > 0 {
		fmt.Fprintf(w, "  ETA: %s\n", p.EstimatedTime.Round(time.Second))
	}
	fmt.Fprintf(w, "  Last Update: %s\n", p.LastUpdateTime.Format("15:04:05"))
}

func (pt *ProgressTracker) PrintAllProgress(w io.Writer) {
	all := pt.GetAllProgress()
	if len(all) == 0 {
		fmt.Fprintln(w, "No active transfers")
		return
	}
	fmt.Fprintf(w, "\n=== Transfers (%d) ===\n", len(all))
	for _, p := range all {
		pt.PrintProgress(w, p.TransferID)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
