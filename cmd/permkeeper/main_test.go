// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/settings"
	"github.com/permkeeper/permkeeper/internal/state/statetest"
	"github.com/permkeeper/permkeeper/internal/undo"
	"github.com/permkeeper/permkeeper/pkg/errutil"
)

var modA = perm.Role("201")

// env isolates settings from the host and returns the undo file path.
func env(t *testing.T) (dir, undoPath string) {
	t.Helper()
	dir = t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv(settings.TokenEnv, "test-token")
	return dir, filepath.Join(dir, "state", "permkeeper", "undo.json")
}

func fakeDeps(remote *statetest.Remote) *Deps {
	return &Deps{
		RemoteFactory: func(token string, _ *slog.Logger) (Remote, error) {
			if token == "" {
				return nil, perm.ErrUnresolvedReference("token")
			}
			return remote, nil
		},
		Now: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

// run executes the root command with args and stdin, returning stdout.
func run(t *testing.T, deps *Deps, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(deps)
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(args, "--log-file", "-", "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand_Help(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())

	output := buf.String()
	for _, want := range []string{
		"menu", "audit", "bulk", "pattern", "copy", "export", "import", "rollback", "schema",
		"--config", "--guild", "--log-format", "--metrics-addr", "--undo-file", "--yes",
	} {
		assert.Contains(t, output, want)
	}
}

func TestSchemaCommand(t *testing.T) {
	out, err := run(t, fakeDeps(nil), "", "schema")
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	assert.Contains(t, schema, "properties")
}

func TestBulkCommand_AppliesAndPersistsUndo(t *testing.T) {
	_, undoPath := env(t)
	remote := statetest.NewRemote(statetest.Fixture())
	deps := fakeDeps(remote)

	out, err := run(t, deps, "", "bulk", "--principal", "mod-a", "--channels", "mod-general,mod-logs",
		"--set", "view_channel=allow", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "apply: 2 succeeded, 0 failed, 0 skipped")

	log, err := undo.NewFileStore(undoPath).Load(t.Context())
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Len(t, log.Entries, 2)

	out, err = run(t, deps, "", "rollback", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "rollback: 2 succeeded")
	_, ok := remote.Current("301", modA)
	assert.False(t, ok)

	_, err = os.Stat(undoPath)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = run(t, deps, "", "rollback", "--yes")
	errutil.AssertErrorCode(t, err, perm.CodeNothingToRollback)
}

func TestBulkCommand_DeclinedOnStdin(t *testing.T) {
	env(t)
	remote := statetest.NewRemote(statetest.Fixture())

	out, err := run(t, fakeDeps(remote), "n\n", "bulk", "--guild", "100", "--principal", "mod-a",
		"--channels", "general", "--set", "view_channel=allow")
	errutil.AssertErrorCode(t, err, perm.CodeAborted)
	assert.Contains(t, out, "Pending changes (bulk)")
	assert.Empty(t, remote.Attempts)
}

func TestBulkCommand_InvalidSettings(t *testing.T) {
	env(t)
	remote := statetest.NewRemote(statetest.Fixture())

	_, err := run(t, fakeDeps(remote), "", "bulk", "--principal", "mod-a", "--channels", "general", "--set", "fly=allow")
	errutil.AssertErrorCode(t, err, perm.CodeUnknownCapability)
}

func TestPatternCommand(t *testing.T) {
	env(t)
	remote := statetest.NewRemote(statetest.Fixture())

	out, err := run(t, fakeDeps(remote), "", "pattern", "--roles", "mod-*", "--channels", "general",
		"--set", "send_messages=deny", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "2 role/channel pair(s) matched.")
	assert.Len(t, remote.Landed(), 2)
}

func TestExportImportCommands(t *testing.T) {
	dir, _ := env(t)
	remote := statetest.NewRemote(statetest.Fixture(),
		statetest.Overwrite("301", modA, "view_channel=allow"),
	)
	deps := fakeDeps(remote)
	path := filepath.Join(dir, "export.json")

	_, err := run(t, deps, "", "export", path)
	require.NoError(t, err)

	require.NoError(t, remote.WriteOverwrite(t.Context(), statetest.Overwrite("301", modA, "view_channel=deny")))

	out, err := run(t, deps, "y\n", "import", path)
	require.NoError(t, err)
	assert.Contains(t, out, "apply: 1 succeeded")
	ow, _ := remote.Current("301", modA)
	assert.Equal(t, perm.Allow, ow.Values.Get(statetest.MustCapability("view_channel")))

	out, err = run(t, deps, "", "import", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No changes")
}

func TestCopyAndAuditCommands(t *testing.T) {
	env(t)
	remote := statetest.NewRemote(statetest.Fixture(),
		statetest.Overwrite("301", modA, "view_channel=allow"),
	)
	deps := fakeDeps(remote)

	_, err := run(t, deps, "", "copy", "mod-general", "general", "--yes")
	require.NoError(t, err)

	out, err := run(t, deps, "", "audit", "general")
	require.NoError(t, err)
	assert.Contains(t, out, "mod-a (role)")
}

func TestMenuCommand(t *testing.T) {
	env(t)
	out, err := run(t, fakeDeps(statetest.NewRemote(statetest.Fixture())), "1\n6\n")
	require.NoError(t, err)
	assert.Contains(t, out, "Selected server: Test Server")
	assert.Contains(t, out, "Goodbye.")
}

func TestCommand_MissingToken(t *testing.T) {
	env(t)
	t.Setenv(settings.TokenEnv, "")

	_, err := run(t, &Deps{}, "", "audit", "general")
	errutil.AssertErrorCode(t, err, perm.CodeInvalidConfig)
}

func TestCommand_InvalidLogFormat(t *testing.T) {
	env(t)
	_, err := run(t, fakeDeps(statetest.NewRemote(statetest.Fixture())), "", "audit", "general", "--log-format", "xml")
	errutil.AssertErrorCode(t, err, perm.CodeInvalidConfig)
}

func TestCommand_UnusableUndoDatabase(t *testing.T) {
	env(t)
	_, err := run(t, fakeDeps(statetest.NewRemote(statetest.Fixture())), "", "audit", "general", "--undo-dsn", "invalid://nowhere")
	errutil.AssertErrorCode(t, err, "MIGRATION_INIT_FAILED")
}
