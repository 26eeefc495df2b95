// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/permkeeper/permkeeper/internal/apply"
	"github.com/permkeeper/permkeeper/internal/console"
	"github.com/permkeeper/permkeeper/internal/logging"
	"github.com/permkeeper/permkeeper/internal/observability"
	"github.com/permkeeper/permkeeper/internal/settings"
	"github.com/permkeeper/permkeeper/internal/store"
	"github.com/permkeeper/permkeeper/internal/undo"
)

const serviceName = "permkeeper"

// app is everything one command run needs, built from settings.
type app struct {
	settings *settings.Settings
	logger   *slog.Logger
	session  *console.Session
	prompter *console.Prompter
	obs      ObservabilityServer
	closers  []io.Closer
}

// newApp loads settings, opens the log, connects to the remote service
// and prepares a session. The caller must call close.
func newApp(ctx context.Context, cmd *cobra.Command, deps *Deps) (_ *app, err error) {
	s, err := settings.Load(settings.LoadOptions{Flags: cmd.Flags()})
	if err != nil {
		return nil, err
	}
	a := &app{settings: s}
	defer func() {
		if err != nil {
			a.close(ctx)
		}
	}()

	logOut := cmd.ErrOrStderr()
	if s.Log.File != "-" {
		f, err := logging.OpenFile(s.Log.File)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, f)
		logOut = f
	}
	a.logger = logging.Setup(serviceName, version, s.Log.Format, logging.ParseLevel(s.Log.Level), logOut)
	a.logger.InfoContext(ctx, "starting", "command", cmd.Name(), "settings", s.Source)

	remote, err := deps.RemoteFactory(s.Token, a.logger)
	if err != nil {
		return nil, err
	}

	undoStore, err := a.openUndoStore(ctx)
	if err != nil {
		return nil, err
	}

	coord, err := apply.NewCoordinator(ctx, remote, undoStore, apply.Options{
		MaxRateLimitRetries: s.Apply.MaxRateLimitRetries,
		WriteTimeout:        s.Apply.WriteTimeout,
		Now:                 deps.Now,
		Logger:              a.logger,
	})
	if err != nil {
		return nil, err
	}

	var metrics *observability.Metrics
	if s.Metrics.Addr != "" {
		a.obs = deps.ObservabilityServerFactory(s.Metrics.Addr, a.logger, func() bool {
			return a.session != nil && a.session.Ready()
		})
		errCh, err := a.obs.Start()
		if err != nil {
			a.obs = nil
			return nil, oops.With("addr", s.Metrics.Addr).Wrapf(err, "start observability server")
		}
		go monitorServerErrors(ctx, a.logger, errCh)
		metrics = a.obs.Metrics()
		a.logger.InfoContext(ctx, "observability server started", "addr", a.obs.Addr())
	}

	lines := deps.LineReaderFactory(cmd.InOrStdin(), cmd.OutOrStdout())
	a.prompter = console.NewPrompter(lines, cmd.OutOrStdout())
	a.closers = append(a.closers, a.prompter)

	assumeYes, _ := cmd.Flags().GetBool("yes")
	a.session = console.NewSession(console.Config{
		Source:      remote,
		Coordinator: coord,
		Prompter:    a.prompter,
		Out:         cmd.OutOrStdout(),
		Metrics:     metrics,
		Logger:      a.logger,
		Now:         deps.Now,
		AssumeYes:   assumeYes,
	})
	return a, nil
}

// openUndoStore returns the shared PostgreSQL undo log when a DSN is
// configured and the local file otherwise.
func (a *app) openUndoStore(ctx context.Context) (undo.Store, error) {
	s := a.settings
	if s.Undo.DSN == "" {
		a.logger.DebugContext(ctx, "undo log in file", "path", s.Undo.Path)
		return undo.NewFileStore(s.Undo.Path), nil
	}
	if err := store.Migrate(s.Undo.DSN); err != nil {
		return nil, oops.Wrapf(err, "migrate undo database")
	}
	pool, err := store.Open(ctx, s.Undo.DSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, poolCloser{pool})
	a.logger.DebugContext(ctx, "undo log in database", "slot", s.Undo.Slot)
	return store.NewPostgresUndoStore(pool, s.Undo.Slot), nil
}

// poolCloser adapts pgxpool.Pool to io.Closer.
type poolCloser struct{ pool *pgxpool.Pool }

func (c poolCloser) Close() error {
	c.pool.Close()
	return nil
}

// close stops the observability server and releases the terminal and the
// log file, in reverse order of opening.
func (a *app) close(ctx context.Context) {
	if a.obs != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := a.obs.Stop(stopCtx); err != nil && a.logger != nil {
			a.logger.Warn("error stopping observability server", "error", err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

// monitorServerErrors logs observability server failures. The session
// keeps running without metrics.
func monitorServerErrors(ctx context.Context, logger *slog.Logger, errCh <-chan error) {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			logger.ErrorContext(ctx, "observability server error", "error", err)
		}
	case <-ctx.Done():
	}
}
