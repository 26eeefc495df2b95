// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

// Package store keeps the undo log in PostgreSQL so operators sharing a
// server can roll back each other's last apply.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/permkeeper/permkeeper/internal/diff"
	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/undo"
)

// DefaultSlot names the undo log row used when none is configured.
const DefaultSlot = "default"

// poolIface is the subset of pgxpool.Pool the store uses.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open connects to PostgreSQL. The caller closes the pool.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code(perm.CodeInvalidConfig).With("operation", "connect to database").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.With("operation", "ping database").Wrap(err)
	}
	return pool, nil
}

// PostgresUndoStore implements undo.Store with one row per slot.
type PostgresUndoStore struct {
	pool poolIface
	slot string
}

var _ undo.Store = (*PostgresUndoStore)(nil)

// NewPostgresUndoStore creates a store for slot. An empty slot uses
// DefaultSlot.
func NewPostgresUndoStore(pool poolIface, slot string) *PostgresUndoStore {
	if slot == "" {
		slot = DefaultSlot
	}
	return &PostgresUndoStore{pool: pool, slot: slot}
}

// Load implements undo.Store. A missing row means no log.
func (s *PostgresUndoStore) Load(ctx context.Context) (*undo.Log, error) {
	var (
		idStr   string
		mode    string
		entries []byte
		l       undo.Log
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, mode, saved_at, entries FROM undo_logs WHERE slot = $1`,
		s.slot).Scan(&idStr, &mode, &l.SavedAt, &entries)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.With("operation", "load undo log").With("slot", s.slot).Wrap(err)
	}

	l.ID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code(perm.CodeInvalidConfig).With("slot", s.slot).With("id", idStr).Wrapf(err, "corrupt undo log id")
	}
	l.Mode = diff.Mode(mode)
	if err := json.Unmarshal(entries, &l.Entries); err != nil {
		return nil, oops.Code(perm.CodeInvalidConfig).With("slot", s.slot).Wrapf(err, "decode undo log entries")
	}
	if l.Empty() {
		return nil, nil
	}
	return &l, nil
}

// Save implements undo.Store, replacing the slot's log.
func (s *PostgresUndoStore) Save(ctx context.Context, l *undo.Log) error {
	entries, err := json.Marshal(l.Entries)
	if err != nil {
		return oops.Wrapf(err, "encode undo log entries")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO undo_logs (slot, id, mode, saved_at, entries)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (slot) DO UPDATE
		 SET id = EXCLUDED.id, mode = EXCLUDED.mode, saved_at = EXCLUDED.saved_at, entries = EXCLUDED.entries`,
		s.slot, l.ID.String(), string(l.Mode), l.SavedAt, entries)
	if err != nil {
		return oops.With("operation", "save undo log").With("slot", s.slot).With("id", l.ID.String()).Wrap(err)
	}
	return nil
}

// Clear implements undo.Store.
func (s *PostgresUndoStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM undo_logs WHERE slot = $1`, s.slot); err != nil {
		return oops.With("operation", "clear undo log").With("slot", s.slot).Wrap(err)
	}
	return nil
}
