// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permkeeper/permkeeper/internal/diff"
	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/state/statetest"
	"github.com/permkeeper/permkeeper/internal/undo"
	"github.com/permkeeper/permkeeper/pkg/errutil"
)

const selectLog = `SELECT id, mode, saved_at, entries FROM undo_logs WHERE slot = \$1`

func sampleLog(t *testing.T) *undo.Log {
	t.Helper()
	l := undo.NewLog(diff.ModeBulk, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l.Record(diff.Entry{
		Old: perm.Empty("301", perm.Role("201")),
		New: statetest.Overwrite("301", perm.Role("201"), "view_channel=allow"),
	})
	return l
}

func TestPostgresUndoStore_Load(t *testing.T) {
	saved := sampleLog(t)
	entries, err := json.Marshal(saved.Entries)
	require.NoError(t, err)

	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		want      *undo.Log
		wantCode  string
		wantErr   bool
	}{
		{
			name: "returns stored log",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows([]string{"id", "mode", "saved_at", "entries"}).
					AddRow(saved.ID.String(), "bulk", saved.SavedAt, entries)
				mock.ExpectQuery(selectLog).WithArgs(DefaultSlot).WillReturnRows(rows)
			},
			want: saved,
		},
		{
			name: "no row means no log",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(selectLog).WithArgs(DefaultSlot).WillReturnError(pgx.ErrNoRows)
			},
		},
		{
			name: "empty entries mean no log",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows([]string{"id", "mode", "saved_at", "entries"}).
					AddRow(saved.ID.String(), "bulk", saved.SavedAt, []byte(`[]`))
				mock.ExpectQuery(selectLog).WithArgs(DefaultSlot).WillReturnRows(rows)
			},
		},
		{
			name: "corrupt id",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows([]string{"id", "mode", "saved_at", "entries"}).
					AddRow("not-a-ulid", "bulk", saved.SavedAt, entries)
				mock.ExpectQuery(selectLog).WithArgs(DefaultSlot).WillReturnRows(rows)
			},
			wantErr:  true,
			wantCode: perm.CodeInvalidConfig,
		},
		{
			name: "corrupt entries",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows([]string{"id", "mode", "saved_at", "entries"}).
					AddRow(saved.ID.String(), "bulk", saved.SavedAt, []byte(`{`))
				mock.ExpectQuery(selectLog).WithArgs(DefaultSlot).WillReturnRows(rows)
			},
			wantErr:  true,
			wantCode: perm.CodeInvalidConfig,
		},
		{
			name: "query error",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(selectLog).WithArgs(DefaultSlot).WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err, "failed to create mock")
			defer mock.Close()

			tt.setupMock(mock)

			got, err := NewPostgresUndoStore(mock, "").Load(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				if tt.wantCode != "" {
					errutil.AssertErrorCode(t, err, tt.wantCode)
				}
			} else {
				require.NoError(t, err)
				if tt.want == nil {
					assert.Nil(t, got)
				} else {
					require.NotNil(t, got)
					assert.Equal(t, tt.want.ID, got.ID)
					assert.Equal(t, tt.want.Mode, got.Mode)
					assert.True(t, tt.want.SavedAt.Equal(got.SavedAt))
					require.Len(t, got.Entries, 1)
					assert.True(t, got.Entries[0].New.Equal(tt.want.Entries[0].New))
				}
			}

			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestPostgresUndoStore_Save(t *testing.T) {
	l := sampleLog(t)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO undo_logs`).
		WithArgs("team", l.ID.String(), "bulk", l.SavedAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewPostgresUndoStore(mock, "team").Save(context.Background(), l))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUndoStore_SaveError(t *testing.T) {
	l := sampleLog(t)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO undo_logs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))

	err = NewPostgresUndoStore(mock, "").Save(context.Background(), l)
	require.Error(t, err)
	errutil.AssertErrorContext(t, err, "slot", DefaultSlot)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUndoStore_Clear(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`DELETE FROM undo_logs WHERE slot = \$1`).
		WithArgs(DefaultSlot).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, NewPostgresUndoStore(mock, "").Clear(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUndoStore_LoadKeepsULID(t *testing.T) {
	id := ulid.Make()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"id", "mode", "saved_at", "entries"}).
		AddRow(id.String(), "import", time.Unix(0, 0).UTC(), []byte(`[{"old":{"channel_id":"301","principal":{"type":"role","id":"201"}},"new":{"channel_id":"301","principal":{"type":"role","id":"201"},"values":{"view_channel":"allow"}},"existed":false}]`))
	mock.ExpectQuery(selectLog).WithArgs(DefaultSlot).WillReturnRows(rows)

	got, err := NewPostgresUndoStore(mock, "").Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, diff.ModeImport, got.Mode)
}
