// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

// Package state captures the live permission state of one server: the
// roster of roles, members and channels, and immutable snapshots of the
// channel overwrites in a scope.
package state

import (
	"context"
	"strings"

	"github.com/permkeeper/permkeeper/internal/perm"
)

// Guild is a server the bot can manage.
type Guild struct {
	ID          string
	Name        string
	MemberCount int
}

// Role is a server role.
type Role struct {
	ID       string
	Name     string
	Position int
}

// Member is a server member that may carry member overwrites.
type Member struct {
	ID   string
	Name string
}

// Channel is a server channel, including categories.
type Channel struct {
	ID       string
	Name     string
	Type     string
	Position int
	ParentID string
}

// Roster is the live set of names and ids of one server.
type Roster struct {
	GuildID   string
	GuildName string
	Roles     []Role
	// Members is nil when the member list could not be read. Member ids
	// are then taken on trust.
	Members  []Member
	Channels []Channel
}

// MembersKnown reports whether the member list was read.
func (r *Roster) MembersKnown() bool { return r.Members != nil }

// MemberID reports whether ref names a member by id: either a listed
// member, or any numeric id when the member list is unavailable.
func (r *Roster) MemberID(ref string) bool {
	if _, ok := r.Member(ref); ok {
		return true
	}
	return !r.MembersKnown() && isSnowflake(ref)
}

func isSnowflake(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Source reads live state from the remote permission service.
type Source interface {
	Guilds(ctx context.Context) ([]Guild, error)
	Roster(ctx context.Context, guildID string) (*Roster, error)
	Overwrites(ctx context.Context, guildID string, channelIDs []string) ([]perm.Overwrite, error)
}

// Channel returns the channel with the given id.
func (r *Roster) Channel(id string) (Channel, bool) {
	for _, c := range r.Channels {
		if c.ID == id {
			return c, true
		}
	}
	return Channel{}, false
}

// Role returns the role with the given id.
func (r *Roster) Role(id string) (Role, bool) {
	for _, role := range r.Roles {
		if role.ID == id {
			return role, true
		}
	}
	return Role{}, false
}

// Member returns the member with the given id.
func (r *Roster) Member(id string) (Member, bool) {
	for _, m := range r.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// HasPrincipal reports whether p exists on the server.
func (r *Roster) HasPrincipal(p perm.Principal) bool {
	switch p.Type {
	case perm.PrincipalRole:
		_, ok := r.Role(p.ID)
		return ok
	case perm.PrincipalMember:
		return r.MemberID(p.ID)
	default:
		return false
	}
}

// ChannelName returns the name of a channel, or its id when unknown.
func (r *Roster) ChannelName(id string) string {
	if c, ok := r.Channel(id); ok {
		return c.Name
	}
	return id
}

// PrincipalName returns the name of a role or member, or its id when unknown.
func (r *Roster) PrincipalName(p perm.Principal) string {
	switch p.Type {
	case perm.PrincipalRole:
		if role, ok := r.Role(p.ID); ok {
			return role.Name
		}
	case perm.PrincipalMember:
		if m, ok := r.Member(p.ID); ok {
			return m.Name
		}
	}
	return p.ID
}

// ChannelsNamed returns every channel whose name is exactly name.
func (r *Roster) ChannelsNamed(name string) []Channel {
	var out []Channel
	for _, c := range r.Channels {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// PrincipalsNamed returns every principal of type t whose name is exactly name.
func (r *Roster) PrincipalsNamed(t perm.PrincipalType, name string) []perm.Principal {
	var out []perm.Principal
	switch t {
	case perm.PrincipalRole:
		for _, role := range r.Roles {
			if role.Name == name {
				out = append(out, perm.Role(role.ID))
			}
		}
	case perm.PrincipalMember:
		for _, m := range r.Members {
			if m.Name == name {
				out = append(out, perm.Member(m.ID))
			}
		}
	}
	return out
}

// LookupChannel resolves a channel by id or exact name. Names matching
// several channels fail closed with AMBIGUOUS_REFERENCE.
func (r *Roster) LookupChannel(ref string) (Channel, error) {
	ref = strings.TrimSpace(ref)
	if c, ok := r.Channel(ref); ok {
		return c, nil
	}
	matches := r.ChannelsNamed(ref)
	switch len(matches) {
	case 0:
		return Channel{}, perm.ErrUnresolvedReference("channel", ref)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, c := range matches {
			ids[i] = c.ID
		}
		return Channel{}, perm.ErrAmbiguousReference("channel", ref, ids)
	}
}

// LookupPrincipal resolves a role or member by id or exact name. Roles
// are tried before members.
func (r *Roster) LookupPrincipal(ref string) (perm.Principal, error) {
	ref = strings.TrimSpace(ref)
	if _, ok := r.Role(ref); ok {
		return perm.Role(ref), nil
	}
	if _, ok := r.Member(ref); ok {
		return perm.Member(ref), nil
	}
	for _, t := range []perm.PrincipalType{perm.PrincipalRole, perm.PrincipalMember} {
		matches := r.PrincipalsNamed(t, ref)
		switch len(matches) {
		case 0:
			continue
		case 1:
			return matches[0], nil
		default:
			ids := make([]string, len(matches))
			for i, p := range matches {
				ids[i] = p.ID
			}
			return perm.Principal{}, perm.ErrAmbiguousReference(string(t), ref, ids)
		}
	}
	if r.MemberID(ref) {
		return perm.Member(ref), nil
	}
	return perm.Principal{}, perm.ErrUnresolvedReference("principal", ref)
}

// ChannelIDs returns the id of every channel in roster order.
func (r *Roster) ChannelIDs() []string {
	out := make([]string, len(r.Channels))
	for i, c := range r.Channels {
		out[i] = c.ID
	}
	return out
}
