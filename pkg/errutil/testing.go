// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package errutil

import (
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireOops fails the test unless err is a non-nil oops error.
func requireOops(t testing.TB, err error) oops.OopsError {
	t.Helper()
	require.Error(t, err, "expected a coded error")
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T: %v", err, err)
	return oopsErr
}

// AssertErrorCode asserts that err carries code anywhere in its chain.
func AssertErrorCode(t testing.TB, err error, code string) {
	t.Helper()
	oopsErr := requireOops(t, err)
	assert.Equal(t, code, oopsErr.Code(), "error: %v", err)
}

// AssertErrorContext asserts that err carries key with the given value.
func AssertErrorContext(t testing.TB, err error, key string, value any) {
	t.Helper()
	fields := requireOops(t, err).Context()
	if assert.Contains(t, fields, key, "context of %v", err) {
		assert.Equal(t, value, fields[key], "context key %q", key)
	}
}
