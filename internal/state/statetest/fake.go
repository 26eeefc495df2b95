// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

// Package statetest provides an in-memory remote permission service for tests.
package statetest

import (
	"context"
	"errors"
	"time"

	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/state"
)

// Attempt records one write issued against the fake.
type Attempt struct {
	Overwrite perm.Overwrite
	Err       error
}

// Remote is a state.Source and overwrite writer backed by maps. Writes
// can be scripted to fail permanently or to be rate limited once.
type Remote struct {
	roster    *state.Roster
	live      map[perm.Key]perm.Overwrite
	failures  map[perm.Key]error
	rateLimit map[int]time.Duration

	// Attempts lists every write in the order it was issued, including
	// rate-limited and failed ones.
	Attempts []Attempt
}

// NewRemote creates a fake serving roster with the given live overwrites.
func NewRemote(roster *state.Roster, overwrites ...perm.Overwrite) *Remote {
	r := &Remote{
		roster:    roster,
		live:      make(map[perm.Key]perm.Overwrite),
		failures:  make(map[perm.Key]error),
		rateLimit: make(map[int]time.Duration),
	}
	for _, ow := range overwrites {
		r.live[ow.Key()] = ow.Clone()
	}
	return r
}

// FailWrites makes every write to (channel, principal) fail with reason.
func (r *Remote) FailWrites(channel string, p perm.Principal, reason error) {
	r.failures[perm.Key{Channel: channel, Principal: p}] = reason
}

// RateLimitAttempt makes the n-th write attempt (1-based) return a rate
// limit signal with the given cooldown. The write does not land.
func (r *Remote) RateLimitAttempt(n int, retryAfter time.Duration) {
	r.rateLimit[n] = retryAfter
}

// Guilds implements state.Source.
func (r *Remote) Guilds(_ context.Context) ([]state.Guild, error) {
	return []state.Guild{{ID: r.roster.GuildID, Name: r.roster.GuildName, MemberCount: len(r.roster.Members)}}, nil
}

// Roster implements state.Source.
func (r *Remote) Roster(_ context.Context, guildID string) (*state.Roster, error) {
	if guildID != r.roster.GuildID {
		return nil, perm.ErrUnresolvedReference("guild", guildID)
	}
	return r.roster, nil
}

// Overwrites implements state.Source.
func (r *Remote) Overwrites(_ context.Context, guildID string, channelIDs []string) ([]perm.Overwrite, error) {
	if guildID != r.roster.GuildID {
		return nil, perm.ErrUnresolvedReference("guild", guildID)
	}
	wanted := make(map[string]bool, len(channelIDs))
	for _, id := range channelIDs {
		wanted[id] = true
	}
	var out []perm.Overwrite
	for key, ow := range r.live {
		if wanted[key.Channel] {
			out = append(out, ow.Clone())
		}
	}
	return out, nil
}

// WriteOverwrite sets or, when ow is empty, removes an overwrite.
func (r *Remote) WriteOverwrite(ctx context.Context, ow perm.Overwrite) error {
	err := r.write(ctx, ow)
	r.Attempts = append(r.Attempts, Attempt{Overwrite: ow.Clone(), Err: err})
	return err
}

func (r *Remote) write(ctx context.Context, ow perm.Overwrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := r.rateLimit[len(r.Attempts)+1]; ok {
		return perm.ErrRateLimited(d, errors.New("429 too many requests"))
	}
	if reason, ok := r.failures[ow.Key()]; ok {
		return perm.ErrRemoteWrite(ow.Channel, ow.Principal, reason)
	}
	if ow.IsEmpty() {
		delete(r.live, ow.Key())
		return nil
	}
	r.live[ow.Key()] = ow.Clone()
	return nil
}

// Current returns the live overwrite for (channel, principal).
func (r *Remote) Current(channel string, p perm.Principal) (perm.Overwrite, bool) {
	ow, ok := r.live[perm.Key{Channel: channel, Principal: p}]
	if !ok {
		return perm.Empty(channel, p), false
	}
	return ow.Clone(), true
}

// Landed returns the overwrites of every successful write attempt.
func (r *Remote) Landed() []perm.Overwrite {
	var out []perm.Overwrite
	for _, a := range r.Attempts {
		if a.Err == nil {
			out = append(out, a.Overwrite)
		}
	}
	return out
}

// Snapshot captures the whole server from the fake.
func (r *Remote) Snapshot(ctx context.Context) (*state.Snapshot, error) {
	return state.Capture(ctx, r, r.roster.GuildID, state.Server(r.roster), time.Unix(0, 0).UTC())
}

// Fixture builds a small roster used across package tests:
// roles mod-a, mod-b, admin and @everyone; channels mod-general,
// mod-logs, general; one member alice.
func Fixture() *state.Roster {
	return &state.Roster{
		GuildID:   "100",
		GuildName: "Test Server",
		Roles: []state.Role{
			{ID: "100", Name: "@everyone", Position: 0},
			{ID: "201", Name: "mod-a", Position: 3},
			{ID: "202", Name: "mod-b", Position: 2},
			{ID: "203", Name: "admin", Position: 4},
		},
		Members: []state.Member{
			{ID: "501", Name: "alice"},
		},
		Channels: []state.Channel{
			{ID: "301", Name: "mod-general", Type: "text", Position: 0},
			{ID: "302", Name: "mod-logs", Type: "text", Position: 1},
			{ID: "303", Name: "general", Type: "text", Position: 2},
		},
	}
}

// MustCapability parses a capability name or panics.
func MustCapability(name string) perm.Capability {
	c, err := perm.ParseCapability(name)
	if err != nil {
		panic(err)
	}
	return c
}

// Overwrite builds an overwrite from "name=value" settings or panics.
func Overwrite(channel string, p perm.Principal, settings string) perm.Overwrite {
	patch, err := perm.ParsePatch(settings)
	if err != nil {
		panic(err)
	}
	return perm.Empty(channel, p).With(patch)
}
