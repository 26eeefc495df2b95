// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

// Package pattern selects (role, channel) pairs by glob.
package pattern

import (
	"cmp"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/permkeeper/permkeeper/internal/diff"
	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/state"
)

// Pair is one matched role on one matched channel.
type Pair struct {
	Role    state.Role
	Channel state.Channel
}

// Rule is a role glob, a channel glob and the values to set on every
// matched pair.
type Rule struct {
	RolePattern    string
	ChannelPattern string
	Patch          perm.Patch
}

// Compile compiles a case-insensitive glob. "*" matches any run of
// characters, so "mod" matches only "mod" while "*mod*" matches any name
// containing it.
func Compile(pattern string) (glob.Glob, error) {
	g, err := glob.Compile(strings.ToLower(strings.TrimSpace(pattern)))
	if err != nil {
		return nil, oops.Code(perm.CodeInvalidPattern).
			With("pattern", pattern).
			Wrapf(err, "invalid pattern %q", pattern)
	}
	return g, nil
}

// Match returns the cross product of roles matching rolePattern and
// channels matching channelPattern, ordered by role name then channel
// position. No match yields an empty result, not an error.
func Match(roster *state.Roster, rolePattern, channelPattern string) ([]Pair, error) {
	roleGlob, err := Compile(rolePattern)
	if err != nil {
		return nil, err
	}
	channelGlob, err := Compile(channelPattern)
	if err != nil {
		return nil, err
	}

	var roles []state.Role
	for _, r := range roster.Roles {
		if roleGlob.Match(strings.ToLower(r.Name)) {
			roles = append(roles, r)
		}
	}
	var channels []state.Channel
	for _, c := range roster.Channels {
		if channelGlob.Match(strings.ToLower(c.Name)) {
			channels = append(channels, c)
		}
	}

	slices.SortFunc(roles, func(a, b state.Role) int {
		return cmp.Or(strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)), perm.CompareIDs(a.ID, b.ID))
	})
	slices.SortFunc(channels, func(a, b state.Channel) int {
		return cmp.Or(cmp.Compare(a.Position, b.Position), perm.CompareIDs(a.ID, b.ID))
	})

	pairs := make([]Pair, 0, len(roles)*len(channels))
	for _, r := range roles {
		for _, c := range channels {
			pairs = append(pairs, Pair{Role: r, Channel: c})
		}
	}
	return pairs, nil
}

// Targets converts matched pairs into diff targets.
func Targets(pairs []Pair) []diff.Target {
	out := make([]diff.Target, len(pairs))
	for i, p := range pairs {
		out[i] = diff.Target{Channel: p.Channel.ID, Principal: perm.Role(p.Role.ID)}
	}
	return out
}

// Diff matches rule against roster and builds the diff that sets its
// values on every pair.
func Diff(snap *state.Snapshot, roster *state.Roster, rule Rule) ([]Pair, *diff.Diff, error) {
	pairs, err := Match(roster, rule.RolePattern, rule.ChannelPattern)
	if err != nil {
		return nil, nil, err
	}
	d, err := diff.Pattern(snap, roster, Targets(pairs), rule.Patch)
	if err != nil {
		return nil, nil, err
	}
	return pairs, d, nil
}
