// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package errutil_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permkeeper/permkeeper/pkg/errutil"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestLogError_CodedError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := oops.Code("REMOTE_WRITE_FAILURE").
		With("channel", "301").
		Errorf("missing access")
	errutil.LogError(logger, "write failed", err)

	line := decodeLine(t, &buf)
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, "write failed", line["msg"])
	assert.Equal(t, "REMOTE_WRITE_FAILURE", line["code"])
	assert.Equal(t, map[string]any{"channel": "301"}, line["context"])
}

func TestLogErrorContext_PlainError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogErrorContext(context.Background(), logger, "load failed", errors.New("disk full"))

	line := decodeLine(t, &buf)
	assert.Equal(t, "disk full", line["error"])
	assert.NotContains(t, line, "code")
}

func TestDescribe_IncludesCodeAndSortedContext(t *testing.T) {
	err := oops.Code("UNRESOLVED_REFERENCE").
		With("kind", "role").
		With("channel", "general").
		Errorf("unresolved role reference(s): mods")

	got := errutil.Describe(err)
	assert.Equal(t, "unresolved role reference(s): mods [UNRESOLVED_REFERENCE channel=general kind=role]", got)
}

func TestDescribe_PlainError(t *testing.T) {
	assert.Equal(t, "plain", errutil.Describe(errors.New("plain")))
	assert.Equal(t, "", errutil.Describe(nil))
}
