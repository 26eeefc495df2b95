// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package apply_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/permkeeper/permkeeper/internal/apply"
	"github.com/permkeeper/permkeeper/internal/diff"
	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/state"
	"github.com/permkeeper/permkeeper/internal/state/statetest"
	"github.com/permkeeper/permkeeper/internal/undo"
	"github.com/permkeeper/permkeeper/pkg/errutil"
)

var (
	modA = perm.Role("201")
	modB = perm.Role("202")
)

func newCoordinator(t *testing.T, remote *statetest.Remote, store undo.Store, opts apply.Options) *apply.Coordinator {
	t.Helper()
	c, err := apply.NewCoordinator(context.Background(), remote, store, opts)
	require.NoError(t, err)
	return c
}

func snapshotOf(t *testing.T, remote *statetest.Remote) *state.Snapshot {
	t.Helper()
	snap, err := remote.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

// fiveEntryDiff targets five pairs; in diff order the third is (302, mod-a).
func fiveEntryDiff(t *testing.T, remote *statetest.Remote) *diff.Diff {
	t.Helper()
	patch, err := perm.ParsePatch("view_channel=allow")
	require.NoError(t, err)
	d, err := diff.Patch(snapshotOf(t, remote), statetest.Fixture(), diff.ModePattern, []diff.Target{
		{Channel: "301", Principal: modA},
		{Channel: "301", Principal: modB},
		{Channel: "302", Principal: modA},
		{Channel: "302", Principal: modB},
		{Channel: "303", Principal: modA},
	}, patch)
	require.NoError(t, err)
	require.Equal(t, 5, d.Len())
	return d
}

func fourEntryDiff(t *testing.T, remote *statetest.Remote) *diff.Diff {
	t.Helper()
	patch, err := perm.ParsePatch("send_messages=deny")
	require.NoError(t, err)
	d, err := diff.Patch(snapshotOf(t, remote), statetest.Fixture(), diff.ModeBulk, []diff.Target{
		{Channel: "301", Principal: modA},
		{Channel: "301", Principal: modB},
		{Channel: "302", Principal: modA},
		{Channel: "302", Principal: modB},
	}, patch)
	require.NoError(t, err)
	require.Equal(t, 4, d.Len())
	return d
}

func TestApply_PartialFailureContinues(t *testing.T) {
	defer goleak.VerifyNone(t)

	remote := statetest.NewRemote(statetest.Fixture())
	remote.FailWrites("302", modA, errors.New("missing access"))
	c := newCoordinator(t, remote, undo.NewMemoryStore(), apply.Options{})
	d := fiveEntryDiff(t, remote)

	report, err := c.Apply(context.Background(), d)
	require.NoError(t, err)

	assert.Len(t, report.Succeeded, 4)
	require.Len(t, report.Failed, 1)
	assert.Empty(t, report.Skipped)
	assert.False(t, report.Complete())
	assert.Equal(t, 5, report.Total())

	failure := report.Failed[0]
	assert.Equal(t, perm.Key{Channel: "302", Principal: modA}, failure.Entry.Key())
	errutil.AssertErrorCode(t, failure.Err, perm.CodeRemoteWriteFailure)
	errutil.AssertErrorContext(t, failure.Err, "channel", "302")

	assert.Len(t, remote.Landed(), 4)
	require.NotNil(t, c.UndoLog())
	assert.Len(t, c.UndoLog().Entries, 4, "only landed entries are undoable")
}

func TestApply_RateLimitResumesSameEntry(t *testing.T) {
	defer goleak.VerifyNone(t)

	remote := statetest.NewRemote(statetest.Fixture())
	remote.RateLimitAttempt(3, time.Millisecond)
	c := newCoordinator(t, remote, undo.NewMemoryStore(), apply.Options{})
	d := fourEntryDiff(t, remote)
	waitsBefore := testutil.ToFloat64(apply.RateLimitWaits)

	report, err := c.Apply(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Len(t, report.Succeeded, 4)

	require.Len(t, remote.Attempts, 5)
	errutil.AssertErrorCode(t, remote.Attempts[2].Err, perm.CodeRateLimited)
	assert.Equal(t, remote.Attempts[2].Overwrite.Key(), remote.Attempts[3].Overwrite.Key(),
		"the rate-limited entry is re-issued next")

	seen := make(map[perm.Key]int)
	for _, ow := range remote.Landed() {
		seen[ow.Key()]++
	}
	for key, n := range seen {
		assert.Equal(t, 1, n, "%v written more than once", key)
	}
	assert.Equal(t, waitsBefore+1, testutil.ToFloat64(apply.RateLimitWaits))
}

func TestApply_RateLimitRetriesExhausted(t *testing.T) {
	defer goleak.VerifyNone(t)

	remote := statetest.NewRemote(statetest.Fixture())
	remote.RateLimitAttempt(1, time.Millisecond)
	remote.RateLimitAttempt(2, time.Millisecond)
	c := newCoordinator(t, remote, undo.NewMemoryStore(), apply.Options{MaxRateLimitRetries: 1})
	d := fourEntryDiff(t, remote)

	report, err := c.Apply(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	errutil.AssertErrorCode(t, report.Failed[0].Err, perm.CodeRemoteWriteFailure)
	errutil.AssertErrorContext(t, report.Failed[0].Err, "retries", 1)
	_, limited := perm.RetryAfter(report.Failed[0].Err)
	assert.False(t, limited, "an exhausted entry is a failure, not a pending cooldown")
	assert.Equal(t, d.Entries[0].Key(), report.Failed[0].Entry.Key())
	assert.Len(t, report.Succeeded, 3)
}

func TestApply_CancelledContextSkipsRemaining(t *testing.T) {
	defer goleak.VerifyNone(t)

	remote := statetest.NewRemote(statetest.Fixture())
	remote.RateLimitAttempt(2, time.Hour)
	c := newCoordinator(t, remote, undo.NewMemoryStore(), apply.Options{})
	d := fourEntryDiff(t, remote)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	report, err := c.Apply(ctx, d)
	require.NoError(t, err)

	assert.Len(t, report.Succeeded, 1)
	assert.Empty(t, report.Failed)
	assert.Len(t, report.Skipped, 3)
	require.NotNil(t, c.UndoLog())
	assert.Len(t, c.UndoLog().Entries, 1, "landed writes stay undoable")
}

func TestRollback_CancelledKeepsUnrestoredEntries(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := undo.NewMemoryStore()
	remote := statetest.NewRemote(statetest.Fixture())
	c := newCoordinator(t, remote, store, apply.Options{})
	d := fourEntryDiff(t, remote)
	_, err := c.Apply(context.Background(), d)
	require.NoError(t, err)
	batch := c.UndoLog().ID

	// Attempt 5 is the first rollback write, attempt 6 the second.
	remote.RateLimitAttempt(6, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	report, err := c.Rollback(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Succeeded, 1)
	assert.Len(t, report.Skipped, 3)

	remaining := c.UndoLog()
	require.NotNil(t, remaining)
	assert.Equal(t, batch, remaining.ID)
	require.Len(t, remaining.Entries, 3)
	for _, e := range remaining.Entries {
		assert.NotEqual(t, d.Entries[3].Key(), e.Key(), "restored pair is dropped from the log")
	}

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Len(t, persisted.Entries, 3)

	report, err = c.Rollback(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Len(t, report.Succeeded, 3)
	assert.Nil(t, c.UndoLog())
	for _, e := range d.Entries {
		_, found := remote.Current(e.Channel(), e.Principal())
		assert.False(t, found, "%v restored", e.Key())
	}
}

func TestRollback_UsesLatestStoredLog(t *testing.T) {
	ctx := context.Background()
	store := undo.NewFileStore(t.TempDir() + "/undo.json")
	remote := statetest.NewRemote(statetest.Fixture())

	first := newCoordinator(t, remote, store, apply.Options{})
	_, err := first.Apply(ctx, fourEntryDiff(t, remote))
	require.NoError(t, err)

	second := newCoordinator(t, remote, store, apply.Options{})
	patch, err := perm.ParsePatch("speak=deny")
	require.NoError(t, err)
	d, err := diff.Bulk(snapshotOf(t, remote), statetest.Fixture(), modA, []string{"303"}, patch)
	require.NoError(t, err)
	_, err = first.Apply(ctx, d)
	require.NoError(t, err)

	report, err := second.Rollback(ctx)
	require.NoError(t, err)
	require.Len(t, report.Succeeded, 1)
	assert.Equal(t, d.Entries[0].Key(), report.Succeeded[0].Key())

	_, found := remote.Current("303", modA)
	assert.False(t, found)
	kept, found := remote.Current("301", modA)
	require.True(t, found, "the earlier batch is not touched")
	assert.Equal(t, perm.Deny, kept.Values.Get(statetest.MustCapability("send_messages")))
}

func TestApply_EmptyDiffKeepsUndoLog(t *testing.T) {
	remote := statetest.NewRemote(statetest.Fixture())
	c := newCoordinator(t, remote, undo.NewMemoryStore(), apply.Options{})

	_, err := c.Apply(context.Background(), fourEntryDiff(t, remote))
	require.NoError(t, err)
	before := c.UndoLog()

	report, err := c.Apply(context.Background(), &diff.Diff{Mode: diff.ModeBulk})
	require.NoError(t, err)
	assert.Zero(t, report.Total())
	assert.Same(t, before, c.UndoLog())
}

func TestApply_TotalFailureKeepsPreviousUndoLog(t *testing.T) {
	remote := statetest.NewRemote(statetest.Fixture())
	c := newCoordinator(t, remote, undo.NewMemoryStore(), apply.Options{})
	_, err := c.Apply(context.Background(), fourEntryDiff(t, remote))
	require.NoError(t, err)
	before := c.UndoLog()

	remote.FailWrites("303", modA, errors.New("boom"))
	patch, err := perm.ParsePatch("speak=deny")
	require.NoError(t, err)
	d, err := diff.Bulk(snapshotOf(t, remote), statetest.Fixture(), modA, []string{"303"}, patch)
	require.NoError(t, err)

	report, err := c.Apply(context.Background(), d)
	require.NoError(t, err)
	assert.Len(t, report.Failed, 1)
	assert.Same(t, before, c.UndoLog())
}

func TestRollback_RestoresOriginalState(t *testing.T) {
	defer goleak.VerifyNone(t)

	unknownBit := int64(1) << 49
	remote := statetest.NewRemote(statetest.Fixture(),
		statetest.Overwrite("301", modA, "view_channel=deny,speak=allow"),
		perm.FromBits("302", modB, unknownBit, 0x800),
	)
	before := snapshotOf(t, remote)
	c := newCoordinator(t, remote, undo.NewMemoryStore(), apply.Options{})

	_, err := c.Apply(context.Background(), fiveEntryDiff(t, remote))
	require.NoError(t, err)
	assert.NotEqual(t, before.Overwrites(), snapshotOf(t, remote).Overwrites())

	report, err := c.Rollback(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Equal(t, diff.ModeRollback, report.Mode)
	assert.Len(t, report.Succeeded, 5)

	after := snapshotOf(t, remote)
	require.Equal(t, before.Len(), after.Len())
	for i, ow := range before.Overwrites() {
		assert.True(t, ow.Equal(after.Overwrites()[i]), "overwrite %v not restored", ow.Key())
	}
	restored, _ := remote.Current("302", modB)
	assert.Equal(t, unknownBit, restored.Unmanaged.Allow)

	assert.Nil(t, c.UndoLog())
}

func TestRollback_ReverseOrder(t *testing.T) {
	remote := statetest.NewRemote(statetest.Fixture())
	c := newCoordinator(t, remote, undo.NewMemoryStore(), apply.Options{})
	d := fourEntryDiff(t, remote)
	_, err := c.Apply(context.Background(), d)
	require.NoError(t, err)

	_, err = c.Rollback(context.Background())
	require.NoError(t, err)

	rollbackWrites := remote.Attempts[4:]
	require.Len(t, rollbackWrites, 4)
	for i, a := range rollbackWrites {
		assert.Equal(t, d.Entries[3-i].Key(), a.Overwrite.Key())
		assert.True(t, a.Overwrite.IsEmpty())
	}
}

func TestRollback_Twice(t *testing.T) {
	remote := statetest.NewRemote(statetest.Fixture())
	c := newCoordinator(t, remote, undo.NewMemoryStore(), apply.Options{})

	_, err := c.Rollback(context.Background())
	errutil.AssertErrorCode(t, err, perm.CodeNothingToRollback)

	_, err = c.Apply(context.Background(), fourEntryDiff(t, remote))
	require.NoError(t, err)
	_, err = c.Rollback(context.Background())
	require.NoError(t, err)

	attempts := len(remote.Attempts)
	_, err = c.Rollback(context.Background())
	errutil.AssertErrorCode(t, err, perm.CodeNothingToRollback)
	assert.Len(t, remote.Attempts, attempts, "second rollback issues no writes")
}

func TestRollback_TotalFailureKeepsLog(t *testing.T) {
	remote := statetest.NewRemote(statetest.Fixture())
	c := newCoordinator(t, remote, undo.NewMemoryStore(), apply.Options{})
	patch, err := perm.ParsePatch("speak=deny")
	require.NoError(t, err)
	d, err := diff.Bulk(snapshotOf(t, remote), statetest.Fixture(), modA, []string{"303"}, patch)
	require.NoError(t, err)
	_, err = c.Apply(context.Background(), d)
	require.NoError(t, err)

	remote.FailWrites("303", modA, errors.New("missing access"))
	report, err := c.Rollback(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Failed, 1)
	assert.NotNil(t, c.UndoLog(), "nothing was restored, so the log is kept")
}

func TestCoordinator_ResumesPersistedLog(t *testing.T) {
	ctx := context.Background()
	store := undo.NewFileStore(t.TempDir() + "/undo.json")
	remote := statetest.NewRemote(statetest.Fixture(),
		statetest.Overwrite("301", modA, "view_channel=deny"),
	)

	first := newCoordinator(t, remote, store, apply.Options{})
	_, err := first.Apply(ctx, fourEntryDiff(t, remote))
	require.NoError(t, err)

	second := newCoordinator(t, remote, store, apply.Options{})
	require.NotNil(t, second.UndoLog())
	assert.Equal(t, first.UndoLog().ID, second.UndoLog().ID)

	_, err = second.Rollback(ctx)
	require.NoError(t, err)
	restored, ok := remote.Current("301", modA)
	require.True(t, ok)
	assert.Equal(t, perm.Deny, restored.Values.Get(statetest.MustCapability("view_channel")))
	assert.Equal(t, perm.Inherit, restored.Values.Get(statetest.MustCapability("send_messages")))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestApply_RecordsWriteMetrics(t *testing.T) {
	remote := statetest.NewRemote(statetest.Fixture())
	remote.FailWrites("302", modA, errors.New("missing access"))
	c := newCoordinator(t, remote, undo.NewMemoryStore(), apply.Options{})

	success := apply.OverwriteWrites.WithLabelValues("apply", apply.StatusSuccess)
	failure := apply.OverwriteWrites.WithLabelValues("apply", apply.StatusFailure)
	successBefore, failureBefore := testutil.ToFloat64(success), testutil.ToFloat64(failure)

	_, err := c.Apply(context.Background(), fiveEntryDiff(t, remote))
	require.NoError(t, err)
	assert.Equal(t, successBefore+4, testutil.ToFloat64(success))
	assert.Equal(t, failureBefore+1, testutil.ToFloat64(failure))
}
