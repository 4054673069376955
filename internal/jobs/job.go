// Package jobs tracks remote long-running operations: their lifecycle,
// progress, and results, independent of any client connection.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/raphaelgruber/fleetjobs/internal/parser"
)

// Kind identifies what a job does on the remote host.
type Kind string

const (
	KindImagePull      Kind = "image-pull"
	KindArchiveCreate  Kind = "archive-create"
	KindArchiveExtract Kind = "archive-extract"
	KindBulkDelete     Kind = "bulk-delete"
	KindBulkMove       Kind = "bulk-move"
)

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	switch k {
	case KindImagePull, KindArchiveCreate, KindArchiveExtract, KindBulkDelete, KindBulkMove:
		return true
	}
	return false
}

// IsBulk reports whether k fans out over many independent targets.
func (k Kind) IsBulk() bool {
	return k == KindBulkDelete || k == KindBulkMove
}

// State is the lifecycle position of a job.
type State string

const (
	StatePending        State = "pending"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateRunning        State = "running"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
)

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// MaxLogLines bounds the per-job output trail; oldest lines are dropped
// beyond it.
const MaxLogLines = 2000

// BulkResult aggregates per-target outcomes of a bulk operation.
type BulkResult struct {
	Targets      []string          `json:"targets"`
	SuccessCount int               `json:"successCount"`
	FailCount    int               `json:"failCount"`
	Failures     map[string]string `json:"failures,omitempty"`
}

// ArchiveResult is the outcome of an archive-create job.
type ArchiveResult struct {
	Path      string `json:"path"`
	FileCount int    `json:"fileCount"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Job is one tracked remote operation. Fields are mutated only through
// Store.Update by the single controller goroutine that owns the job, and
// read via Snapshot.
type Job struct {
	ID   string
	Kind Kind
	Host string

	State          State
	Phase          string
	OverallPercent int

	Layers           []parser.Layer
	BytesTransferred int64
	BytesTotal       int64
	TransferRate     int64 // bytes per second
	ETASeconds       int64

	Log []string
	// LogTotal counts every line ever appended, including lines the cap
	// has since dropped. LogTotal - len(Log) is the number dropped.
	LogTotal int
	Error    string

	Bulk    *BulkResult
	Archive *ArchiveResult

	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time

	mu     sync.RWMutex
	cancel context.CancelFunc
}

// appendLog adds a line to the bounded log. Caller holds the job lock.
func (j *Job) appendLog(line string) {
	j.Log = append(j.Log, line)
	j.LogTotal++
	if len(j.Log) > MaxLogLines {
		j.Log = j.Log[len(j.Log)-MaxLogLines:]
	}
}

// lastLog returns up to n trailing log lines. Caller holds the job lock.
func (j *Job) lastLog(n int) []string {
	if len(j.Log) < n {
		n = len(j.Log)
	}
	out := make([]string, n)
	copy(out, j.Log[len(j.Log)-n:])
	return out
}

// Snapshot returns a deep copy of the job state safe to hand to pollers.
func (j *Job) Snapshot() Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	snap := Job{
		ID:               j.ID,
		Kind:             j.Kind,
		Host:             j.Host,
		State:            j.State,
		Phase:            j.Phase,
		OverallPercent:   j.OverallPercent,
		BytesTransferred: j.BytesTransferred,
		BytesTotal:       j.BytesTotal,
		TransferRate:     j.TransferRate,
		ETASeconds:       j.ETASeconds,
		LogTotal:         j.LogTotal,
		Error:            j.Error,
		StartedAt:        j.StartedAt,
		UpdatedAt:        j.UpdatedAt,
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		snap.FinishedAt = &t
	}
	if j.Layers != nil {
		snap.Layers = make([]parser.Layer, len(j.Layers))
		copy(snap.Layers, j.Layers)
	}
	if j.Log != nil {
		snap.Log = make([]string, len(j.Log))
		copy(snap.Log, j.Log)
	}
	if j.Bulk != nil {
		b := BulkResult{
			Targets:      append([]string(nil), j.Bulk.Targets...),
			SuccessCount: j.Bulk.SuccessCount,
			FailCount:    j.Bulk.FailCount,
		}
		if j.Bulk.Failures != nil {
			b.Failures = make(map[string]string, len(j.Bulk.Failures))
			for k, v := range j.Bulk.Failures {
				b.Failures[k] = v
			}
		}
		snap.Bulk = &b
	}
	if j.Archive != nil {
		a := *j.Archive
		snap.Archive = &a
	}
	return snap
}

// Duration is how long the job has been (or was) running.
func (j *Job) Duration() time.Duration {
	if j.FinishedAt != nil {
		return j.FinishedAt.Sub(j.StartedAt)
	}
	return time.Since(j.StartedAt)
}
