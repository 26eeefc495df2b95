// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package state

import (
	"context"
	"slices"
	"time"

	"github.com/samber/oops"

	"github.com/permkeeper/permkeeper/internal/perm"
)

// ScopeKind names the extent of a snapshot.
type ScopeKind string

// Scope kinds.
const (
	ScopeChannel  ScopeKind = "channel"
	ScopeChannels ScopeKind = "channels"
	ScopeServer   ScopeKind = "server"
)

// Scope is the set of channels a snapshot covers.
type Scope struct {
	Kind       ScopeKind
	ChannelIDs []string
}

// SingleChannel scopes a snapshot to one channel.
func SingleChannel(id string) Scope {
	return Scope{Kind: ScopeChannel, ChannelIDs: []string{id}}
}

// Channels scopes a snapshot to a set of channels.
func Channels(ids ...string) Scope {
	if len(ids) == 1 {
		return SingleChannel(ids[0])
	}
	return Scope{Kind: ScopeChannels, ChannelIDs: slices.Clone(ids)}
}

// Server scopes a snapshot to every channel of the roster.
func Server(r *Roster) Scope {
	return Scope{Kind: ScopeServer, ChannelIDs: r.ChannelIDs()}
}

// Snapshot is an immutable capture of every overwrite in a scope.
type Snapshot struct {
	scope      Scope
	capturedAt time.Time
	overwrites []perm.Overwrite
	index      map[perm.Key]int
	inScope    map[string]bool
}

// NewSnapshot builds a snapshot. Overwrites outside the scope are rejected,
// as are duplicate (channel, principal) pairs and empty overwrites.
func NewSnapshot(scope Scope, capturedAt time.Time, overwrites []perm.Overwrite) (*Snapshot, error) {
	s := &Snapshot{
		scope:      Scope{Kind: scope.Kind, ChannelIDs: slices.Clone(scope.ChannelIDs)},
		capturedAt: capturedAt,
		index:      make(map[perm.Key]int, len(overwrites)),
		inScope:    make(map[string]bool, len(scope.ChannelIDs)),
	}
	for _, id := range scope.ChannelIDs {
		s.inScope[id] = true
	}

	for _, ow := range overwrites {
		if !s.inScope[ow.Channel] {
			return nil, oops.Code(perm.CodeInvalidSnapshot).
				With("channel", ow.Channel).
				Errorf("overwrite for channel %s is outside the snapshot scope", ow.Channel)
		}
		if _, dup := s.index[ow.Key()]; dup {
			return nil, oops.Code(perm.CodeInvalidSnapshot).
				With("channel", ow.Channel).
				With("principal", ow.Principal.String()).
				Errorf("duplicate overwrite for %s on channel %s", ow.Principal, ow.Channel)
		}
		s.index[ow.Key()] = -1
		if ow.IsEmpty() {
			continue
		}
		s.overwrites = append(s.overwrites, ow.Clone())
	}

	slices.SortFunc(s.overwrites, func(a, b perm.Overwrite) int {
		return perm.CompareKeys(a.Key(), b.Key())
	})
	clear(s.index)
	for i, ow := range s.overwrites {
		s.index[ow.Key()] = i
	}
	return s, nil
}

// Capture reads the overwrites of scope from src.
func Capture(ctx context.Context, src Source, guildID string, scope Scope, now time.Time) (*Snapshot, error) {
	overwrites, err := src.Overwrites(ctx, guildID, scope.ChannelIDs)
	if err != nil {
		return nil, oops.With("guild", guildID).With("scope", string(scope.Kind)).Wrap(err)
	}
	return NewSnapshot(scope, now, overwrites)
}

// Scope returns the scope the snapshot covers.
func (s *Snapshot) Scope() Scope {
	return Scope{Kind: s.scope.Kind, ChannelIDs: slices.Clone(s.scope.ChannelIDs)}
}

// CapturedAt returns the capture time.
func (s *Snapshot) CapturedAt() time.Time { return s.capturedAt }

// InScope reports whether the channel is covered by the snapshot.
func (s *Snapshot) InScope(channelID string) bool { return s.inScope[channelID] }

// Len returns the number of overwrites.
func (s *Snapshot) Len() int { return len(s.overwrites) }

// Overwrites returns a copy of every overwrite, ordered by channel then principal.
func (s *Snapshot) Overwrites() []perm.Overwrite {
	out := make([]perm.Overwrite, len(s.overwrites))
	for i, ow := range s.overwrites {
		out[i] = ow.Clone()
	}
	return out
}

// Channel returns a copy of the overwrites on one channel.
func (s *Snapshot) Channel(channelID string) []perm.Overwrite {
	var out []perm.Overwrite
	for _, ow := range s.overwrites {
		if ow.Channel == channelID {
			out = append(out, ow.Clone())
		}
	}
	return out
}

// Lookup returns the overwrite for (channel, principal). A missing pair
// yields the all-inherit overwrite and false.
func (s *Snapshot) Lookup(channelID string, p perm.Principal) (perm.Overwrite, bool) {
	if i, ok := s.index[perm.Key{Channel: channelID, Principal: p}]; ok {
		return s.overwrites[i].Clone(), true
	}
	return perm.Empty(channelID, p), false
}
