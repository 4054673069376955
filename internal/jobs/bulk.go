package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/raphaelgruber/fleetjobs/internal/metrics"
	"github.com/raphaelgruber/fleetjobs/internal/remote"
	"golang.org/x/sync/errgroup"
)

// runBulk fans the same remote primitive out over every target path
// with bounded concurrency. One target failing never aborts the others;
// the job completes with a partial-success BulkResult.
func (c *Controller) runBulk(ctx context.Context, id, host string, kind Kind, paths []string, dest string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("bulk controller panicked", "job_id", id, "panic", r)
			c.finish(id, StateFailed, fmt.Sprintf("internal panic: %v", r))
		}
	}()

	conn, ok := c.dial(ctx, id, host)
	if !ok {
		return
	}
	defer conn.Close()

	_ = c.store.Update(id, func(j *Job) {
		j.State = StateRunning
		j.Phase = "Running"
		setPercent(j, 8)
	})

	var (
		mu        sync.Mutex
		processed int
	)

	g := new(errgroup.Group)
	g.SetLimit(c.opts.BulkConcurrency)
	for _, path := range paths {
		g.Go(func() error {
			var command string
			switch kind {
			case KindBulkDelete:
				command = deleteCommand(path)
			case KindBulkMove:
				command = moveCommand(path, dest)
			}

			failure := c.runBulkTarget(ctx, id, conn, command)

			mu.Lock()
			processed++
			done := processed
			mu.Unlock()

			_ = c.store.Update(id, func(j *Job) {
				if failure != "" {
					// Count per target, not per map entry: duplicate
					// input paths collapse in the map but still count.
					j.Bulk.Failures[path] = failure
					j.Bulk.FailCount++
				}
				j.Bulk.SuccessCount = done - j.Bulk.FailCount
				j.Phase = fmt.Sprintf("Processed %d/%d", done, len(paths))
				setPercent(j, done*100/len(paths))
			})
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		c.finish(id, StateCancelled, "")
		return
	}
	c.finish(id, StateCompleted, "")
}

// runBulkTarget runs one sub-operation and returns an error message for
// the failures map, or "" on success. Each target gets its own timeout
// so a single hung command cannot stall the whole job.
func (c *Controller) runBulkTarget(ctx context.Context, id string, conn remote.Conn, command string) string {
	if ctx.Err() != nil {
		return "cancelled"
	}

	tctx, cancel := context.WithTimeout(ctx, c.opts.StallTimeout)
	defer cancel()

	started := time.Now()
	stream, err := conn.Start(tctx, command)
	if err != nil {
		return err.Error()
	}

	var lastLine string
	for line := range stream.Lines() {
		lastLine = line
		_ = c.store.Update(id, func(j *Job) { j.appendLog(line) })
	}
	err = stream.Wait()
	c.stats.RecordTiming(metrics.OpBulkTarget, time.Since(started))

	if err == nil {
		return ""
	}
	if ctx.Err() != nil {
		return "cancelled"
	}
	if lastLine != "" {
		// The tool's own message beats a bare exit status.
		return lastLine
	}
	return err.Error()
}
