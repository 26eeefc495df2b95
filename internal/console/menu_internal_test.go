// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package console

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/state"
	"github.com/permkeeper/permkeeper/pkg/errutil"
)

func TestDefaultExportName(t *testing.T) {
	assert.Equal(t, "my-server-permissions.json", defaultExportName("My Server"))
	assert.Equal(t, "dev-ops-42-permissions.json", defaultExportName("  Dev/Ops #42!"))
	assert.Equal(t, "server-permissions.json", defaultExportName("☕"))
}

func TestFindGuild(t *testing.T) {
	guilds := []state.Guild{
		{ID: "1", Name: "alpha"},
		{ID: "2", Name: "beta"},
		{ID: "3", Name: "beta"},
	}

	g, err := findGuild(guilds, "2")
	require.NoError(t, err)
	assert.Equal(t, "2", g.ID)

	g, err = findGuild(guilds, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "1", g.ID)

	_, err = findGuild(guilds, "beta")
	errutil.AssertErrorCode(t, err, perm.CodeAmbiguousReference)

	_, err = findGuild(guilds, "gamma")
	errutil.AssertErrorCode(t, err, perm.CodeUnresolvedReference)
}

func TestSplitRefs(t *testing.T) {
	assert.Equal(t, []string{"a", "b c"}, splitRefs(" a, ,b c ,"))
	assert.Nil(t, splitRefs(""))
}
