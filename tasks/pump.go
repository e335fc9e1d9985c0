package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/repartition"
)

const (
	initialBackoffDuration = 100 * time.Millisecond
	maxBackoffDuration     = 10 * time.Second

	// pollInterval paces re-reads of an input that returned nothing.
	pollInterval = 25 * time.Millisecond
)

// A pump runs on its own goroutine and moves records from a reader into a
// task's input queue. Pumps return nil on shutdown or end of input; only a
// terminal read failure is an error.
type pump interface {
	run(ctx context.Context) error
}

// sourcePump reads one partition of an external topic. Retryable read
// failures back off exponentially and never fail the task.
type sourcePump struct {
	in     *taskInput
	reader connectors.SourceReader
	log    *slog.Logger
}

func (p *sourcePump) run(ctx context.Context) error {
	defer p.reader.Close()

	var consecutiveFailures int
	for {
		batch, err := p.reader.ReadBatch(ctx)
		switch {
		case errors.Is(err, connectors.ErrEndOfInput):
			p.in.queue.Finish()
			p.log.Info("source input finished", "input", p.in.name)
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil && !connectors.IsRetryable(err):
			return fmt.Errorf("reading %s: %w", p.in.name, err)
		case err != nil:
			consecutiveFailures++
			wait := backoffDuration(consecutiveFailures)
			p.log.Warn("source read failed, backing off",
				"input", p.in.name, "err", err, "failures", consecutiveFailures, "backoff", wait)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		consecutiveFailures = 0

		if len(batch) == 0 {
			if !sleep(ctx, pollInterval) {
				return nil
			}
			continue
		}
		if err := p.in.queue.PushBatch(batch, p.reader.Cursor()); err != nil {
			return nil // queue closed, task is gone
		}
	}
}

// repartitionPump reads one partition of an internal repartition stream.
// finishAt is the stream's end offset, set once every task feeding the
// stream has finished and flushed; reaching it finishes the input.
type repartitionPump struct {
	in       *taskInput
	reader   repartition.Reader
	log      *slog.Logger
	finishAt atomic.Int64
}

func newRepartitionPump(in *taskInput, reader repartition.Reader, log *slog.Logger) *repartitionPump {
	p := &repartitionPump{in: in, reader: reader, log: log}
	p.finishAt.Store(-1)
	return p
}

func (p *repartitionPump) finishOnce(endOffset int64) {
	p.finishAt.Store(endOffset)
}

func (p *repartitionPump) run(ctx context.Context) error {
	var consecutiveFailures int
	for {
		batch, err := p.reader.Read(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			// Repartition storage is shared with the writers we depend on;
			// transient faults there resolve the same way source faults do.
			consecutiveFailures++
			wait := backoffDuration(consecutiveFailures)
			p.log.Warn("repartition read failed, backing off",
				"input", p.in.name, "err", err, "failures", consecutiveFailures, "backoff", wait)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		consecutiveFailures = 0

		if len(batch) > 0 {
			cursor := repartition.EncodeCursor(p.reader.Position())
			if err := p.in.queue.PushBatch(batch, cursor); err != nil {
				return nil
			}
		}

		if end := p.finishAt.Load(); end >= 0 && p.reader.Position() >= end {
			p.in.queue.Finish()
			p.log.Info("repartition input finished", "input", p.in.name, "endOffset", end)
			return nil
		}
		if len(batch) == 0 {
			if !sleep(ctx, pollInterval) {
				return nil
			}
		}
	}
}

func backoffDuration(consecutiveFailures int) time.Duration {
	factor := math.Pow(2, float64(consecutiveFailures))
	return min(time.Duration(float64(initialBackoffDuration)*factor), maxBackoffDuration)
}

// sleep waits for d and reports false when the context ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
