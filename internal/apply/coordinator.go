// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

// Package apply writes diffs to the remote permission service one entry at
// a time and keeps the undo log that lets the last batch be rolled back.
package apply

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/permkeeper/permkeeper/internal/diff"
	"github.com/permkeeper/permkeeper/internal/logging"
	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/undo"
	"github.com/permkeeper/permkeeper/pkg/errutil"
)

var tracer = otel.Tracer("permkeeper/apply")

// Writer sets an overwrite on the remote service, or removes it when the
// overwrite is empty. A rate-limited write returns a RATE_LIMITED error
// carrying the cooldown.
type Writer interface {
	WriteOverwrite(ctx context.Context, ow perm.Overwrite) error
}

// Options tunes a Coordinator.
type Options struct {
	// MaxRateLimitRetries caps how often one entry is re-issued after a
	// rate-limit signal. Zero means no cap.
	MaxRateLimitRetries int
	// WriteTimeout bounds each write attempt. Zero means no timeout.
	WriteTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Coordinator owns the undo log and runs applies and rollbacks strictly
// one after another. It is not safe for concurrent use.
type Coordinator struct {
	writer Writer
	store  undo.Store
	log    *undo.Log
	opts   Options
	// unsaved is set while the in-memory log is newer than the store.
	unsaved bool
}

// NewCoordinator creates a coordinator and loads any undo log left by a
// previous session.
func NewCoordinator(ctx context.Context, w Writer, store undo.Store, opts Options) (*Coordinator, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if store == nil {
		store = undo.NewMemoryStore()
	}

	log, err := store.Load(ctx)
	if err != nil {
		return nil, oops.Wrapf(err, "load undo log")
	}
	return &Coordinator{writer: w, store: store, log: log, opts: opts}, nil
}

// Refresh reloads the undo log from the store so a shared store reflects
// applies made by other sessions. A log that could not be persisted is
// kept as is.
func (c *Coordinator) Refresh(ctx context.Context) (*undo.Log, error) {
	if !c.unsaved {
		log, err := c.store.Load(ctx)
		if err != nil {
			return nil, oops.Wrapf(err, "load undo log")
		}
		c.log = log
	}
	return c.UndoLog(), nil
}

// UndoLog returns the batch a rollback would undo, or nil.
func (c *Coordinator) UndoLog() *undo.Log {
	if c.log.Empty() {
		return nil
	}
	return c.log
}

// Apply writes every entry of d in order. Failed entries are reported and
// the run continues. When at least one entry lands, the undo log is
// replaced by the landed entries and persisted after each write. The
// returned error is only set when the undo log could not be persisted.
func (c *Coordinator) Apply(ctx context.Context, d *diff.Diff) (*Report, error) {
	report := &Report{Operation: OperationApply}
	if d.Empty() {
		return report, nil
	}
	report.Mode = d.Mode

	next := undo.NewLog(d.Mode, c.opts.Now())
	ctx = logging.WithOperation(ctx, next.ID)
	logger := c.opts.Logger.With("operation", OperationApply, "mode", d.Mode)
	logger.InfoContext(ctx, "applying diff", "entries", d.Len())

	var saveErr error
	c.run(ctx, OperationApply, d.Entries, report, logger, func(e diff.Entry) {
		next.Record(e)
		c.log = next
		err := c.store.Save(ctx, next)
		c.unsaved = err != nil
		if err != nil && saveErr == nil {
			saveErr = oops.With("operation_id", next.ID.String()).Wrapf(err, "persist undo log")
			errutil.LogErrorContext(ctx, logger, "undo log not persisted", saveErr)
		}
	})

	logger.InfoContext(ctx, "apply finished",
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed),
		"skipped", len(report.Skipped),
	)
	return report, saveErr
}

// Rollback restores the old values of the last applied batch in reverse
// order. The undo log is cleared once any entry lands, so a rollback can
// not itself be rolled back. When nothing lands the log is kept. When the
// run is interrupted the log keeps the entries not yet restored.
func (c *Coordinator) Rollback(ctx context.Context) (*Report, error) {
	if _, err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	if c.log.Empty() {
		return nil, perm.ErrNothingToRollback()
	}

	inverse := c.log.Inverse()
	report := &Report{Operation: OperationRollback, Mode: inverse.Mode}
	ctx = logging.WithOperation(ctx, c.log.ID)
	logger := c.opts.Logger.With("operation", OperationRollback, "mode", c.log.Mode)
	logger.InfoContext(ctx, "rolling back", "entries", inverse.Len())

	c.run(ctx, OperationRollback, inverse.Entries, report, logger, nil)

	logger.InfoContext(ctx, "rollback finished",
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed),
		"skipped", len(report.Skipped),
	)
	if len(report.Succeeded) == 0 {
		return report, nil
	}
	if len(report.Skipped) > 0 {
		remaining := c.log.Without(report.Succeeded)
		c.log = remaining
		// ctx is already cancelled here.
		err := c.store.Save(context.WithoutCancel(ctx), remaining)
		c.unsaved = err != nil
		if err != nil {
			return report, oops.Wrapf(err, "persist remaining undo log")
		}
		logger.WarnContext(ctx, "rollback interrupted, remaining entries kept", "entries", len(remaining.Entries))
		return report, nil
	}
	c.log = nil
	c.unsaved = false
	if err := c.store.Clear(ctx); err != nil {
		return report, oops.Wrapf(err, "clear undo log")
	}
	return report, nil
}

// run writes entries in order and fills report. landed is called after
// every successful write.
func (c *Coordinator) run(ctx context.Context, op Operation, entries []diff.Entry, report *Report, logger *slog.Logger, landed func(diff.Entry)) {
	for i, e := range entries {
		if ctx.Err() != nil {
			report.Skipped = append(report.Skipped, entries[i:]...)
			RecordSkipped(op, len(entries)-i)
			logger.WarnContext(ctx, "run cancelled", "skipped", len(entries)-i)
			return
		}

		err := c.write(ctx, op, e, logger)
		switch {
		case err == nil:
			report.Succeeded = append(report.Succeeded, e)
			if landed != nil {
				landed(e)
			}
		case ctx.Err() != nil:
			// Cancelled while waiting out a cooldown; the entry did not land.
			report.Skipped = append(report.Skipped, entries[i:]...)
			RecordSkipped(op, len(entries)-i)
			logger.WarnContext(ctx, "run cancelled", "skipped", len(entries)-i)
			return
		default:
			report.Failed = append(report.Failed, Failure{Entry: e, Err: err})
			errutil.LogErrorContext(ctx, logger, "overwrite write failed", err)
		}
	}
}

// write issues one entry, re-issuing it after each rate-limit cooldown.
func (c *Coordinator) write(ctx context.Context, op Operation, e diff.Entry, logger *slog.Logger) (err error) {
	ctx, span := tracer.Start(ctx, "apply.write",
		trace.WithAttributes(
			attribute.String("permkeeper.operation", string(op)),
			attribute.String("permkeeper.channel", e.Channel()),
			attribute.String("permkeeper.principal", e.Principal().String()),
			attribute.Bool("permkeeper.removes", e.Removes()),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var cooldown time.Duration
	var backoff retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		return cooldown, false
	})
	if c.opts.MaxRateLimitRetries > 0 {
		backoff = retry.WithMaxRetries(uint64(c.opts.MaxRateLimitRetries), backoff)
	}

	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		werr := c.attempt(ctx, op, e.New)
		if wait, limited := perm.RetryAfter(werr); limited {
			cooldown = wait
			RecordRateLimitWait()
			span.AddEvent("rate_limited", trace.WithAttributes(attribute.Int64("retry_after_ms", wait.Milliseconds())))
			logger.DebugContext(ctx, "rate limited",
				"channel", e.Channel(),
				"principal", e.Principal().String(),
				"attempt", attempt,
				"retry_after", wait,
			)
			return retry.RetryableError(werr)
		}
		return werr
	})
	if err == nil {
		logger.DebugContext(ctx, "overwrite written",
			"channel", e.Channel(),
			"principal", e.Principal().String(),
			"removed", e.Removes(),
		)
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if wait, limited := perm.RetryAfter(err); limited {
		return perm.ErrRateLimitExhausted(e.Channel(), e.Principal(), c.opts.MaxRateLimitRetries, wait)
	}
	if perm.Code(err) == "" {
		err = perm.ErrRemoteWrite(e.Channel(), e.Principal(), err)
	}
	return err
}

// attempt issues a single write and records its metrics.
func (c *Coordinator) attempt(ctx context.Context, op Operation, ow perm.Overwrite) error {
	if c.opts.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.WriteTimeout)
		defer cancel()
	}

	start := time.Now()
	err := c.writer.WriteOverwrite(ctx, ow)
	took := time.Since(start)

	switch {
	case err == nil:
		RecordWrite(op, StatusSuccess, took)
	case perm.HasCode(err, perm.CodeRateLimited):
		RecordWrite(op, StatusRateLimited, took)
	default:
		RecordWrite(op, StatusFailure, took)
	}
	return err
}
