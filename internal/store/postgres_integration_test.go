// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/permkeeper/permkeeper/internal/diff"
	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/state/statetest"
	"github.com/permkeeper/permkeeper/internal/store"
	"github.com/permkeeper/permkeeper/internal/undo"
)

// setupPostgresContainer starts PostgreSQL, migrates it and returns a pool.
func setupPostgresContainer(ctx context.Context) (*pgxpool.Pool, func(), error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("permkeeper_test"),
		postgres.WithUsername("permkeeper"),
		postgres.WithPassword("permkeeper"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, err
	}
	if err := store.Migrate(connStr); err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, err
	}
	pool, err := store.Open(ctx, connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}
	return pool, cleanup, nil
}

var _ = Describe("PostgresUndoStore", Ordered, func() {
	var (
		ctx     context.Context
		pool    *pgxpool.Pool
		cleanup func()
	)

	BeforeAll(func() {
		ctx = context.Background()
		var err error
		pool, cleanup, err = setupPostgresContainer(ctx)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	It("returns nil before anything is saved", func() {
		got, err := store.NewPostgresUndoStore(pool, "empty").Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeNil())
	})

	It("round-trips, replaces and clears a log", func() {
		s := store.NewPostgresUndoStore(pool, "roundtrip")

		first := undo.NewLog(diff.ModeBulk, time.Now().UTC().Truncate(time.Millisecond))
		first.Record(diff.Entry{
			Old: perm.Empty("301", perm.Role("201")),
			New: statetest.Overwrite("301", perm.Role("201"), "view_channel=allow"),
		})
		Expect(s.Save(ctx, first)).To(Succeed())

		got, err := s.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ID).To(Equal(first.ID))
		Expect(got.Entries).To(HaveLen(1))

		second := undo.NewLog(diff.ModeImport, time.Now().UTC())
		second.Record(diff.Entry{
			Old: statetest.Overwrite("302", perm.Role("202"), "speak=deny"),
			New: perm.Empty("302", perm.Role("202")),
			Existed: true,
		})
		Expect(s.Save(ctx, second)).To(Succeed())

		got, err = s.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ID).To(Equal(second.ID))
		Expect(got.Mode).To(Equal(diff.ModeImport))

		Expect(s.Clear(ctx)).To(Succeed())
		got, err = s.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeNil())
	})

	It("keeps slots apart", func() {
		a := store.NewPostgresUndoStore(pool, "a")
		l := undo.NewLog(diff.ModePattern, time.Now().UTC())
		l.Record(diff.Entry{
			Old: perm.Empty("303", perm.Member("501")),
			New: statetest.Overwrite("303", perm.Member("501"), "send_messages=deny"),
		})
		Expect(a.Save(ctx, l)).To(Succeed())

		got, err := store.NewPostgresUndoStore(pool, "b").Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeNil())
	})
})
