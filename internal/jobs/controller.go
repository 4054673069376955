package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/fleetjobs/internal/config"
	"github.com/raphaelgruber/fleetjobs/internal/metrics"
	"github.com/raphaelgruber/fleetjobs/internal/parser"
	"github.com/raphaelgruber/fleetjobs/internal/remote"
)

// Params carries the kind-specific inputs of a start request. Unused
// fields are ignored by kinds that do not need them.
type Params struct {
	Image   string   // image-pull
	Archive string   // archive-create, archive-extract
	Dest    string   // archive-extract, bulk-move
	Paths   []string // archive-create, bulk-delete, bulk-move
}

// Options tunes controller behavior.
type Options struct {
	// StallTimeout force-fails a job that produced no output for this
	// long. Also bounds each bulk sub-operation.
	StallTimeout time.Duration

	// BulkConcurrency caps how many bulk sub-operations run at once
	// against one host.
	BulkConcurrency int
}

// Controller drives jobs from pending to a terminal state. One
// goroutine per job; the store is the only shared state.
type Controller struct {
	store     *Store
	exec      remote.Executor
	inventory *config.Inventory
	opts      Options
	logger    *slog.Logger
	stats     *metrics.Collector
}

// NewController wires a controller to its store and executor.
func NewController(store *Store, exec remote.Executor, inv *config.Inventory, opts Options, logger *slog.Logger, stats *metrics.Collector) *Controller {
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 2 * time.Minute
	}
	if opts.BulkConcurrency <= 0 {
		opts.BulkConcurrency = 4
	}
	return &Controller{
		store:     store,
		exec:      exec,
		inventory: inv,
		opts:      opts,
		logger:    logger,
		stats:     stats,
	}
}

// Start creates a job of the given kind and begins driving it in the
// background. Returns the job id immediately; the remote operation has
// not necessarily begun when Start returns.
func (c *Controller) Start(kind Kind, host string, p Params) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
	if err := validateParams(kind, p); err != nil {
		return "", err
	}

	job := c.store.Create(kind, host)
	c.stats.Inc(metrics.CounterJobsStarted)

	if _, ok := c.inventory.Lookup(host); !ok {
		// The executor cannot even be invoked: pending -> failed.
		c.finish(job.ID, StateFailed, fmt.Sprintf("host %q not in inventory", host))
		return job.ID, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	_ = c.store.Update(job.ID, func(j *Job) {
		j.cancel = cancel
		if kind.IsBulk() {
			j.Bulk = &BulkResult{
				Targets:  append([]string(nil), p.Paths...),
				Failures: make(map[string]string),
			}
		}
	})

	switch kind {
	case KindImagePull:
		go c.run(ctx, job.ID, host, pullCommand(p.Image), newPullSink())
	case KindArchiveCreate:
		go c.run(ctx, job.ID, host, archiveCreateCommand(p.Archive, p.Paths), newArchiveCreateSink(p.Archive))
	case KindArchiveExtract:
		go c.run(ctx, job.ID, host, archiveExtractCommand(p.Archive, p.Dest), &archiveExtractSink{})
	default:
		go c.runBulk(ctx, job.ID, host, kind, p.Paths, p.Dest)
	}
	return job.ID, nil
}

func validateParams(kind Kind, p Params) error {
	switch kind {
	case KindImagePull:
		if p.Image == "" {
			return errors.New("image-pull requires an image")
		}
	case KindArchiveCreate:
		if p.Archive == "" || len(p.Paths) == 0 {
			return errors.New("archive-create requires an archive path and at least one input path")
		}
	case KindArchiveExtract:
		if p.Archive == "" || p.Dest == "" {
			return errors.New("archive-extract requires an archive path and a destination")
		}
	case KindBulkDelete:
		if len(p.Paths) == 0 {
			return errors.New("bulk-delete requires at least one path")
		}
	case KindBulkMove:
		if len(p.Paths) == 0 || p.Dest == "" {
			return errors.New("bulk-move requires paths and a destination")
		}
	}
	return nil
}

// Cancel requests cancellation of a job. Idempotent: cancelling a
// terminal job acknowledges without changing anything. Returns false
// only for unknown ids.
func (c *Controller) Cancel(id string) bool {
	job, ok := c.store.live(id)
	if !ok {
		return false
	}

	job.mu.Lock()
	terminal := job.State.Terminal()
	cancel := job.cancel
	job.mu.Unlock()

	if terminal {
		return true
	}
	if cancel != nil {
		c.logger.Info("cancellation requested", "job_id", id)
		cancel()
	}
	return true
}

// run drives one single-command job to a terminal state.
func (c *Controller) run(ctx context.Context, id, host, command string, sink lineSink) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("job controller panicked", "job_id", id, "panic", r)
			c.finish(id, StateFailed, fmt.Sprintf("internal panic: %v", r))
		}
	}()

	conn, ok := c.dial(ctx, id, host)
	if !ok {
		return
	}
	defer conn.Close()

	stream, err := conn.Start(ctx, command)
	if err != nil {
		c.failOrCancelled(ctx, id, fmt.Errorf("start command: %w", err))
		return
	}
	_ = c.store.Update(id, func(j *Job) {
		j.State = StateRunning
		j.Phase = "Running"
		setPercent(j, 8)
	})

	started := time.Now()
	c.consume(ctx, id, stream, sink)
	c.stats.RecordTiming(metrics.OpCommand, time.Since(started))
}

// dial moves the job through connecting and authenticating. Returns
// false when the job was finished on the way.
func (c *Controller) dial(ctx context.Context, id, host string) (remote.Conn, bool) {
	_ = c.store.Update(id, func(j *Job) {
		j.State = StateConnecting
		j.Phase = "Connecting"
		setPercent(j, 2)
	})

	started := time.Now()
	conn, err := c.exec.Dial(ctx, host)
	c.stats.RecordTiming(metrics.OpDial, time.Since(started))
	if err != nil {
		c.failOrCancelled(ctx, id, fmt.Errorf("connect: %w", err))
		return nil, false
	}

	_ = c.store.Update(id, func(j *Job) {
		j.State = StateAuthenticating
		j.Phase = "Authenticating"
		setPercent(j, 5)
	})
	return conn, true
}

// consume processes output chunks in delivery order until the stream
// ends, the job is cancelled, or the stall watchdog fires.
func (c *Controller) consume(ctx context.Context, id string, stream remote.Stream, sink lineSink) {
	stall := time.NewTimer(c.opts.StallTimeout)
	defer stall.Stop()

loop:
	for {
		select {
		case line, ok := <-stream.Lines():
			if !ok {
				break loop
			}
			if !stall.Stop() {
				select {
				case <-stall.C:
				default:
				}
			}
			stall.Reset(c.opts.StallTimeout)
			_ = c.store.Update(id, func(j *Job) {
				j.appendLog(line)
				sink.observe(line, j)
			})

		case <-stall.C:
			_ = stream.Kill()
			c.finish(id, StateFailed, fmt.Sprintf("stalled: no output for %s", c.opts.StallTimeout))
			go drain(stream)
			return

		case <-ctx.Done():
			// Cooperative cancel: stop reading and detach even if the
			// remote process takes longer to die.
			_ = stream.Kill()
			c.finish(id, StateCancelled, "")
			go drain(stream)
			return
		}
	}

	err := stream.Wait()
	switch {
	case ctx.Err() != nil, errors.Is(err, remote.ErrKilled):
		c.finish(id, StateCancelled, "")
	case err == nil:
		_ = c.store.Update(id, func(j *Job) { sink.finish(j) })
		c.finish(id, StateCompleted, "")
	default:
		c.finish(id, StateFailed, c.failureMessage(id, err))
	}
}

// failureMessage combines the process error with the tail of the log,
// which usually carries the tool's own complaint.
func (c *Controller) failureMessage(id string, err error) string {
	msg := err.Error()
	if job, ok := c.store.live(id); ok {
		job.mu.RLock()
		tail := job.lastLog(3)
		job.mu.RUnlock()
		if len(tail) > 0 {
			msg += ": " + strings.Join(tail, " | ")
		}
	}
	return msg
}

func (c *Controller) failOrCancelled(ctx context.Context, id string, err error) {
	if ctx.Err() != nil {
		c.finish(id, StateCancelled, "")
		return
	}
	c.finish(id, StateFailed, err.Error())
}

// finish performs the single transition into a terminal state. Lost
// races (job already terminal, job swept) are no-ops.
func (c *Controller) finish(id string, state State, msg string) {
	now := time.Now()
	err := c.store.Update(id, func(j *Job) {
		prev := j.State
		j.State = state
		j.FinishedAt = &now
		switch state {
		case StateCompleted:
			j.OverallPercent = 100
			j.Phase = "Completed"
			j.ETASeconds = 0
		case StateFailed:
			j.Error = msg
			j.Phase = "Failed"
			if prev == StatePending || prev == StateConnecting || prev == StateAuthenticating {
				j.OverallPercent = 0
			}
		case StateCancelled:
			j.Phase = "Cancelled"
		}
	})
	if err != nil {
		return
	}

	switch state {
	case StateCompleted:
		c.stats.Inc(metrics.CounterJobsCompleted)
		c.logger.Info("job completed", "job_id", id)
	case StateFailed:
		c.stats.Inc(metrics.CounterJobsFailed)
		c.logger.Error("job failed", "job_id", id, "error", msg)
	case StateCancelled:
		c.stats.Inc(metrics.CounterJobsCancelled)
		c.logger.Info("job cancelled", "job_id", id)
	}
}

// drain discards the remainder of a stream that is no longer feeding a
// job, so the executor's pumps can exit.
func drain(stream remote.Stream) {
	for range stream.Lines() {
	}
	_ = stream.Wait()
}

// setPercent raises the overall percent, never lowers it, and holds it
// below 100 until the completed transition.
func setPercent(j *Job, pct int) {
	if pct > j.OverallPercent {
		j.OverallPercent = pct
	}
	if j.OverallPercent > 99 {
		j.OverallPercent = 99
	}
}

// lineSink folds output lines into the job record. Both methods are
// called under the job lock.
type lineSink interface {
	observe(line string, j *Job)
	finish(j *Job)
}

type pullSink struct {
	progress *parser.PullProgress
	started  time.Time
}

func newPullSink() *pullSink {
	return &pullSink{progress: parser.NewPullProgress(), started: time.Now()}
}

func (s *pullSink) observe(line string, j *Job) {
	if !s.progress.Observe(line) {
		return
	}
	j.Layers = s.progress.Layers()
	if phase := s.progress.Phase(); phase != "" {
		j.Phase = phase
	}
	setPercent(j, s.progress.Percent())

	current, total := s.progress.Bytes()
	j.BytesTransferred = current
	j.BytesTotal = total
	if elapsed := time.Since(s.started).Seconds(); elapsed > 0 && current > 0 {
		j.TransferRate = int64(float64(current) / elapsed)
		if j.TransferRate > 0 && total > current {
			j.ETASeconds = (total - current) / j.TransferRate
		} else {
			j.ETASeconds = 0
		}
	}
}

func (s *pullSink) finish(*Job) {}

type archiveCreateSink struct {
	archive string
	files   int
	size    int64
}

func newArchiveCreateSink(archive string) *archiveCreateSink {
	return &archiveCreateSink{archive: archive}
}

func (s *archiveCreateSink) observe(line string, j *Job) {
	if rest, ok := strings.CutPrefix(line, archiveSizeMarker+" "); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64); err == nil {
			s.size = n
		}
		return
	}
	// tar -v prints one line per archived file.
	s.files++
	j.Phase = "Archiving"
	setPercent(j, 25)
}

func (s *archiveCreateSink) finish(j *Job) {
	j.Archive = &ArchiveResult{Path: s.archive, FileCount: s.files, SizeBytes: s.size}
}

type archiveExtractSink struct {
	files int
}

func (s *archiveExtractSink) observe(_ string, j *Job) {
	s.files++
	j.Phase = "Extracting"
	setPercent(j, 25)
}

func (s *archiveExtractSink) finish(*Job) {}
