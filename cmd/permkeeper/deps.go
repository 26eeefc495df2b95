// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/permkeeper/permkeeper/internal/apply"
	"github.com/permkeeper/permkeeper/internal/console"
	"github.com/permkeeper/permkeeper/internal/discord"
	"github.com/permkeeper/permkeeper/internal/observability"
	"github.com/permkeeper/permkeeper/internal/state"
)

// Deps contains injectable dependencies for every command.
// All fields with nil values will use their default implementations.
type Deps struct {
	// RemoteFactory connects to the permission service.
	// Default: discord.New
	RemoteFactory func(token string, logger *slog.Logger) (Remote, error)

	// LineReaderFactory opens the operator's input.
	// Default: a liner terminal for stdin, a plain reader otherwise
	LineReaderFactory func(in io.Reader, out io.Writer) console.LineReader

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer with the apply metrics
	ObservabilityServerFactory func(addr string, logger *slog.Logger, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// Remote wraps the methods used from discord.Client.
type Remote interface {
	state.Source
	apply.Writer
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

func (d *Deps) withDefaults() *Deps {
	out := *d
	if out.RemoteFactory == nil {
		out.RemoteFactory = func(token string, logger *slog.Logger) (Remote, error) {
			return discord.New(token, logger)
		}
	}
	if out.LineReaderFactory == nil {
		out.LineReaderFactory = defaultLineReader
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, logger *slog.Logger, ready observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, logger, ready, apply.RegisterMetrics)
		}
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return &out
}

func defaultLineReader(in io.Reader, out io.Writer) console.LineReader {
	if f, ok := in.(*os.File); ok && f == os.Stdin {
		return console.NewTerminal()
	}
	return console.NewPlainReader(in, out)
}
