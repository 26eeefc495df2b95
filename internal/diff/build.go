// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package diff

import (
	"slices"

	"github.com/samber/oops"

	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/state"
)

// Target is one (channel, principal) pair a patch is applied to.
type Target struct {
	Channel   string
	Principal perm.Principal
}

// CopyMode selects how Copy treats the destination's own overwrites.
type CopyMode string

// Copy modes.
const (
	// CopyMerge sets only the capabilities explicit in the source and
	// leaves every other destination value untouched.
	CopyMerge CopyMode = "merge"
	// CopyReplace makes the destination identical to the source,
	// removing destination overwrites the source does not have.
	CopyReplace CopyMode = "replace"
)

// Patch overlays patch on the current overwrite of every target.
func Patch(snap *state.Snapshot, roster *state.Roster, mode Mode, targets []Target, patch perm.Patch) (*Diff, error) {
	if err := validateTargets(snap, roster, targets); err != nil {
		return nil, err
	}
	b := newBuilder(mode)
	for _, t := range targets {
		old, existed := snap.Lookup(t.Channel, t.Principal)
		b.propose(old, existed, old.With(patch))
	}
	return b.build(), nil
}

// Bulk propagates one principal's explicit values to every channel.
func Bulk(snap *state.Snapshot, roster *state.Roster, p perm.Principal, channelIDs []string, patch perm.Patch) (*Diff, error) {
	targets := make([]Target, len(channelIDs))
	for i, id := range channelIDs {
		targets[i] = Target{Channel: id, Principal: p}
	}
	return Patch(snap, roster, ModeBulk, targets, patch)
}

// Pattern applies patch to the pairs produced by the pattern matcher.
func Pattern(snap *state.Snapshot, roster *state.Roster, targets []Target, patch perm.Patch) (*Diff, error) {
	return Patch(snap, roster, ModePattern, targets, patch)
}

// Copy moves the overwrites of the source channel onto the destination.
// Both channels must be inside the snapshot scope.
func Copy(snap *state.Snapshot, source, dest string, mode CopyMode) (*Diff, error) {
	var missing []string
	for _, id := range []string{source, dest} {
		if !snap.InScope(id) && !slices.Contains(missing, id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, perm.ErrUnresolvedReference("channel", missing...)
	}

	var b *builder
	switch mode {
	case CopyMerge:
		b = newBuilder(ModeCopyMerge)
	case CopyReplace:
		b = newBuilder(ModeCopyReplace)
	default:
		return nil, oops.Code(perm.CodeInvalidConfig).
			With("mode", string(mode)).
			Errorf("unknown copy mode %q (want merge or replace)", mode)
	}
	if source == dest {
		return b.build(), nil
	}

	fromSource := make(map[perm.Principal]bool)
	for _, src := range snap.Channel(source) {
		fromSource[src.Principal] = true
		old, existed := snap.Lookup(dest, src.Principal)

		desired := old.Merge(src)
		if mode == CopyReplace {
			desired = src.Clone()
			desired.Channel = dest
		}
		b.propose(old, existed, desired)
	}

	if mode == CopyReplace {
		for _, old := range snap.Channel(dest) {
			if fromSource[old.Principal] {
				continue
			}
			b.propose(old, true, perm.Empty(dest, old.Principal))
		}
	}
	return b.build(), nil
}

// DesiredOptions tunes Desired.
type DesiredOptions struct {
	// Prune removes overwrites on the channels named in the desired set
	// whose principal the desired set does not mention.
	Prune bool
}

// Desired moves every listed (channel, principal) pair to exactly the
// given overwrite. It is the reconciliation path for imported documents.
func Desired(snap *state.Snapshot, roster *state.Roster, overwrites []perm.Overwrite, opts DesiredOptions) (*Diff, error) {
	targets := make([]Target, len(overwrites))
	for i, ow := range overwrites {
		targets[i] = Target{Channel: ow.Channel, Principal: ow.Principal}
	}
	if err := validateTargets(snap, roster, targets); err != nil {
		return nil, err
	}

	b := newBuilder(ModeImport)
	mentioned := make(map[perm.Key]bool, len(overwrites))
	var channels []string
	for _, ow := range overwrites {
		if mentioned[ow.Key()] {
			return nil, oops.Code(perm.CodeInvalidConfig).
				With("channel", ow.Channel).
				With("principal", ow.Principal.String()).
				Errorf("overwrite for %s on channel %s is listed twice", ow.Principal, ow.Channel)
		}
		mentioned[ow.Key()] = true
		if !slices.Contains(channels, ow.Channel) {
			channels = append(channels, ow.Channel)
		}

		old, existed := snap.Lookup(ow.Channel, ow.Principal)
		desired := ow.Clone()
		if desired.Values == nil {
			desired.Values = perm.Values{}
		}
		if desired.Unmanaged.IsZero() {
			desired.Unmanaged = old.Unmanaged
		}
		b.propose(old, existed, desired)
	}

	if opts.Prune {
		for _, ch := range channels {
			for _, old := range snap.Channel(ch) {
				if mentioned[old.Key()] {
					continue
				}
				b.propose(old, true, perm.Empty(ch, old.Principal))
			}
		}
	}
	return b.build(), nil
}

// validateTargets fails closed, before anything is computed, when a
// target channel is outside the snapshot or a principal is not on the
// server. Every missing reference is reported, not just the first.
func validateTargets(snap *state.Snapshot, roster *state.Roster, targets []Target) error {
	var channels, principals []string
	for _, t := range targets {
		if !snap.InScope(t.Channel) && !slices.Contains(channels, t.Channel) {
			channels = append(channels, t.Channel)
		}
		if roster != nil && !roster.HasPrincipal(t.Principal) && !slices.Contains(principals, t.Principal.String()) {
			principals = append(principals, t.Principal.String())
		}
	}
	if len(channels) > 0 {
		return perm.ErrUnresolvedReference("channel", channels...)
	}
	if len(principals) > 0 {
		return perm.ErrUnresolvedReference("principal", principals...)
	}
	return nil
}
