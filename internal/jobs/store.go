package jobs

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the job store.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound indicates the job id is unknown or already swept.
	ErrNotFound = errors.New("job not found")

	// ErrTerminal indicates a mutation was attempted on a job that has
	// already reached a terminal state. The mutation is dropped.
	ErrTerminal = errors.New("job already terminal")
)

// Store is the authoritative, process-local home of all job records.
// Jobs are kept for a retention window after finishing, then swept.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	retention time.Duration
	logger    *slog.Logger
}

// NewStore creates an empty store with the given terminal retention.
func NewStore(retention time.Duration, logger *slog.Logger) *Store {
	return &Store{
		jobs:      make(map[string]*Job),
		retention: retention,
		logger:    logger,
	}
}

// Create allocates a fresh pending job and returns it. Never blocks on
// remote I/O.
func (s *Store) Create(kind Kind, host string) *Job {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Short ids for operator convenience; regenerate on the rare clash
	// with a retained job so ids are never reused.
	id := uuid.New().String()[:8]
	for _, taken := s.jobs[id]; taken; _, taken = s.jobs[id] {
		id = uuid.New().String()[:8]
	}

	job := &Job{
		ID:        id,
		Kind:      kind,
		Host:      host,
		State:     StatePending,
		Phase:     "Pending",
		StartedAt: now,
		UpdatedAt: now,
	}
	s.jobs[id] = job

	s.logger.Info("job created", "job_id", id, "kind", kind, "host", host)
	return job
}

// live returns the mutable record. Package-internal; everyone else gets
// snapshots.
func (s *Store) live(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok
}

// Get returns a point-in-time snapshot of the job.
func (s *Store) Get(id string) (Job, bool) {
	job, ok := s.live(id)
	if !ok {
		return Job{}, false
	}
	return job.Snapshot(), true
}

// List returns snapshots of all retained jobs, most recent first.
func (s *Store) List() []Job {
	s.mu.RLock()
	live := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		live = append(live, job)
	}
	s.mu.RUnlock()

	out := make([]Job, 0, len(live))
	for _, job := range live {
		out = append(out, job.Snapshot())
	}
	slices.SortFunc(out, func(a, b Job) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return out
}

// Update applies a mutation to the job under its lock. Mutations to a
// terminal job are rejected: the terminal invariant wins over whatever
// the caller wanted to write.
func (s *Store) Update(id string, mutate func(*Job)) error {
	job, ok := s.live(id)
	if !ok {
		return ErrNotFound
	}

	job.mu.Lock()
	defer job.mu.Unlock()

	if job.State.Terminal() {
		s.logger.Debug("dropping update to terminal job", "job_id", id, "state", job.State)
		return ErrTerminal
	}

	mutate(job)
	job.UpdatedAt = time.Now()
	return nil
}

// StartSweeper removes expired terminal jobs on a fixed interval until
// ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.sweep(time.Now()); n > 0 {
					s.logger.Info("swept expired jobs", "count", n)
				}
			}
		}
	}()
}

// sweep removes jobs whose FinishedAt is older than the retention
// window. Returns how many were removed.
func (s *Store) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		job.mu.RLock()
		expired := job.FinishedAt != nil && now.Sub(*job.FinishedAt) > s.retention
		job.mu.RUnlock()
		if expired {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}
