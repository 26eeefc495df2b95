// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permkeeper/permkeeper/internal/observability"
	"github.com/permkeeper/permkeeper/internal/state/statetest"
)

type fakeObservabilityServer struct {
	addr     string
	started  bool
	stopped  bool
	startErr error
	ready    observability.ReadinessChecker
	metrics  *observability.Metrics
}

func (f *fakeObservabilityServer) Start() (<-chan error, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = true
	return make(chan error), nil
}

func (f *fakeObservabilityServer) Stop(context.Context) error {
	f.stopped = true
	return nil
}

func (f *fakeObservabilityServer) Addr() string { return f.addr }

func (f *fakeObservabilityServer) Metrics() *observability.Metrics { return f.metrics }

func withObservability(deps *Deps, srv *fakeObservabilityServer) *Deps {
	deps.ObservabilityServerFactory = func(addr string, _ *slog.Logger, ready observability.ReadinessChecker) ObservabilityServer {
		srv.addr = addr
		srv.ready = ready
		srv.metrics = observability.NewMetrics(prometheus.NewRegistry())
		return srv
	}
	return deps
}

func TestMetricsServer_StartsAndStopsWithCommand(t *testing.T) {
	env(t)
	srv := &fakeObservabilityServer{}
	deps := withObservability(fakeDeps(statetest.NewRemote(statetest.Fixture())), srv)

	_, err := run(t, deps, "", "pattern", "--roles", "mod-a", "--channels", "general",
		"--set", "view_channel=allow", "--yes", "--metrics-addr", "127.0.0.1:9100")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", srv.addr)
	assert.True(t, srv.started)
	assert.True(t, srv.stopped)
	assert.True(t, srv.ready(), "ready once the server roster is loaded")
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.OperationsTotal.WithLabelValues("pattern", observability.OutcomeApplied)))
}

func TestMetricsServer_StartFailureAborts(t *testing.T) {
	env(t)
	srv := &fakeObservabilityServer{startErr: errors.New("address in use")}
	remote := statetest.NewRemote(statetest.Fixture())
	deps := withObservability(fakeDeps(remote), srv)

	_, err := run(t, deps, "", "audit", "general", "--metrics-addr", "127.0.0.1:9100")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
	assert.False(t, srv.stopped)
}

func TestDeps_Defaults(t *testing.T) {
	d := (&Deps{}).withDefaults()
	assert.NotNil(t, d.RemoteFactory)
	assert.NotNil(t, d.LineReaderFactory)
	assert.NotNil(t, d.ObservabilityServerFactory)
	assert.NotNil(t, d.Now)
}
