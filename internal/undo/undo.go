// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

// Package undo stores the single most recent applied batch so it can be
// rolled back, including after the process restarts.
package undo

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/permkeeper/permkeeper/internal/diff"
	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/xdg"
)

// Log is the applied half of the most recent batch. Entries keep the
// order they were written in; each Old is the value to restore.
type Log struct {
	ID      ulid.ULID    `json:"id"`
	Mode    diff.Mode    `json:"mode"`
	SavedAt time.Time    `json:"saved_at"`
	Entries []diff.Entry `json:"entries"`
}

// NewLog starts an empty log for one apply.
func NewLog(mode diff.Mode, now time.Time) *Log {
	return &Log{ID: ulid.Make(), Mode: mode, SavedAt: now}
}

// Empty reports whether there is nothing to restore.
func (l *Log) Empty() bool { return l == nil || len(l.Entries) == 0 }

// Record appends a landed entry.
func (l *Log) Record(e diff.Entry) {
	l.Entries = append(l.Entries, e)
}

// Inverse returns the diff that restores every old value, in reverse
// apply order.
func (l *Log) Inverse() *diff.Diff {
	d := &diff.Diff{Mode: diff.ModeRollback}
	if l == nil {
		return d
	}
	for _, e := range slices.Backward(l.Entries) {
		d.Entries = append(d.Entries, e.Inverse())
	}
	return d
}

// Without returns a copy of l minus the entries whose pair appears in
// restored. The copy keeps the id and mode so a resumed rollback reports
// the same batch.
func (l *Log) Without(restored []diff.Entry) *Log {
	done := make(map[perm.Key]bool, len(restored))
	for _, e := range restored {
		done[e.Key()] = true
	}
	out := l.clone()
	out.Entries = slices.DeleteFunc(out.Entries, func(e diff.Entry) bool {
		return done[e.Key()]
	})
	return out
}

// Store persists the undo log.
type Store interface {
	// Load returns the stored log, or nil when there is none.
	Load(ctx context.Context) (*Log, error)
	// Save replaces the stored log.
	Save(ctx context.Context, l *Log) error
	// Clear removes the stored log.
	Clear(ctx context.Context) error
}

// FileStore keeps the log as one JSON document on disk.
type FileStore struct {
	path string
}

// NewFileStore creates a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file the log is stored in.
func (s *FileStore) Path() string { return s.path }

// Load implements Store. A missing file means no log.
func (s *FileStore) Load(_ context.Context) (*Log, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.With("path", s.path).Wrapf(err, "read undo log")
	}

	var l Log
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, oops.Code(perm.CodeInvalidConfig).
			With("path", s.path).
			Wrapf(err, "decode undo log")
	}
	if l.Empty() {
		return nil, nil
	}
	return &l, nil
}

// Save implements Store. The file is replaced atomically.
func (s *FileStore) Save(_ context.Context, l *Log) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return oops.Wrapf(err, "encode undo log")
	}
	if err := xdg.EnsureDir(filepath.Dir(s.path)); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".undo-*.json")
	if err != nil {
		return oops.With("path", s.path).Wrapf(err, "create undo temp file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return oops.With("path", s.path).Wrapf(err, "write undo log")
	}
	if err := tmp.Close(); err != nil {
		return oops.With("path", s.path).Wrapf(err, "close undo log")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return oops.With("path", s.path).Wrapf(err, "replace undo log")
	}
	return nil
}

// Clear implements Store.
func (s *FileStore) Clear(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return oops.With("path", s.path).Wrapf(err, "remove undo log")
	}
	return nil
}

// MemoryStore is an in-memory Store for tests and one-shot sessions.
type MemoryStore struct {
	mu  sync.Mutex
	log *Log
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.clone(), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, l *Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = l.clone()
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
	return nil
}

func (l *Log) clone() *Log {
	if l == nil {
		return nil
	}
	out := *l
	out.Entries = make([]diff.Entry, len(l.Entries))
	for i, e := range l.Entries {
		out.Entries[i] = diff.Entry{Old: e.Old.Clone(), New: e.New.Clone(), Existed: e.Existed}
	}
	return &out
}
