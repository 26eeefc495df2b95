// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

// Package document exports channel overwrites to a portable JSON document
// keyed by names and resolves such documents back against a live server.
package document

import (
	"encoding/json"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"

	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/state"
)

// CurrentVersion is the document version this build writes and the
// highest version it reads.
const CurrentVersion = 1

// Document is a named export of channel overwrites.
type Document struct {
	Version    int         `json:"version" jsonschema:"minimum=1,description=Document format version"`
	Name       string      `json:"name" jsonschema:"description=Free-form label of the export"`
	ExportedAt time.Time   `json:"exported_at" jsonschema:"description=RFC 3339 export time"`
	GuildName  string      `json:"guild_name,omitempty" jsonschema:"description=Server the document was exported from"`
	Overwrites []Overwrite `json:"overwrites"`
}

// Overwrite is one principal's explicit values on one channel, by name.
type Overwrite struct {
	ChannelName   string             `json:"channel_name" jsonschema:"minLength=1"`
	PrincipalName string             `json:"principal_name" jsonschema:"minLength=1"`
	PrincipalType perm.PrincipalType `json:"principal_type" jsonschema:"enum=role,enum=member"`
	Capabilities  map[string]Setting `json:"capabilities"`
}

// Setting is a capability value as written in documents.
type Setting string

// JSONSchema restricts settings to the three capability values.
func (Setting) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "string",
		Enum: []any{perm.Allow.String(), perm.Deny.String(), perm.Inherit.String()},
	}
}

// Export converts every overwrite of snap into a document. Unmanaged bits
// are not exported.
func Export(snap *state.Snapshot, roster *state.Roster, name string, now time.Time) *Document {
	doc := &Document{
		Version:    CurrentVersion,
		Name:       name,
		ExportedAt: now.UTC().Truncate(time.Second),
		GuildName:  roster.GuildName,
		Overwrites: []Overwrite{},
	}
	for _, ow := range snap.Overwrites() {
		caps := ow.Values.Capabilities()
		if len(caps) == 0 {
			continue
		}
		settings := make(map[string]Setting, len(caps))
		for _, c := range caps {
			settings[c.String()] = Setting(ow.Values.Get(c).String())
		}
		doc.Overwrites = append(doc.Overwrites, Overwrite{
			ChannelName:   roster.ChannelName(ow.Channel),
			PrincipalName: roster.PrincipalName(ow.Principal),
			PrincipalType: ow.Principal.Type,
			Capabilities:  settings,
		})
	}
	return doc
}

// Encode writes doc as indented JSON.
func Encode(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return oops.Wrapf(err, "encode document")
	}
	return nil
}

// Resolve maps the names of doc onto roster ids. Every name that does not
// exist is collected into one UNRESOLVED_REFERENCE error; a name matching
// several objects fails with AMBIGUOUS_REFERENCE.
func Resolve(doc *Document, roster *state.Roster) ([]perm.Overwrite, error) {
	var missing []string
	note := func(kind, name string) {
		ref := kind + ":" + name
		if !slices.Contains(missing, ref) {
			missing = append(missing, ref)
		}
	}

	out := make([]perm.Overwrite, 0, len(doc.Overwrites))
	for i, entry := range doc.Overwrites {
		patch, err := parseSettings(entry.Capabilities)
		if err != nil {
			return nil, oops.With("overwrite", i).With("channel_name", entry.ChannelName).Wrap(err)
		}

		channelID, err := resolveChannel(roster, entry.ChannelName)
		if err != nil {
			return nil, err
		}
		if channelID == "" {
			note("channel", entry.ChannelName)
		}

		principal, err := resolvePrincipal(roster, entry.PrincipalType, entry.PrincipalName)
		if err != nil {
			return nil, err
		}
		if principal.ID == "" {
			note(string(entry.PrincipalType), entry.PrincipalName)
		}

		if channelID == "" || principal.ID == "" {
			continue
		}
		out = append(out, perm.Empty(channelID, principal).With(patch))
	}
	if len(missing) > 0 {
		return nil, perm.ErrUnresolvedReference("name", missing...)
	}
	return out, nil
}

// ChannelIDs lists the distinct channels of resolved overwrites in order.
func ChannelIDs(overwrites []perm.Overwrite) []string {
	var out []string
	for _, ow := range overwrites {
		if !slices.Contains(out, ow.Channel) {
			out = append(out, ow.Channel)
		}
	}
	return out
}

func parseSettings(settings map[string]Setting) (perm.Patch, error) {
	named := make(map[string]string, len(settings))
	for name, s := range settings {
		named[name] = string(s)
	}
	return perm.ParseNamedValues(named)
}

func resolveChannel(roster *state.Roster, name string) (string, error) {
	name = strings.TrimSpace(name)
	matches := roster.ChannelsNamed(name)
	switch len(matches) {
	case 0:
		// Export writes the id of a channel it cannot name.
		if _, ok := roster.Channel(name); ok {
			return name, nil
		}
		return "", nil
	case 1:
		return matches[0].ID, nil
	default:
		ids := make([]string, len(matches))
		for i, c := range matches {
			ids[i] = c.ID
		}
		return "", perm.ErrAmbiguousReference("channel", name, ids)
	}
}

func resolvePrincipal(roster *state.Roster, t perm.PrincipalType, name string) (perm.Principal, error) {
	name = strings.TrimSpace(name)
	matches := roster.PrincipalsNamed(t, name)
	switch len(matches) {
	case 0:
		// Export writes the id of a principal it cannot name.
		switch t {
		case perm.PrincipalRole:
			if _, ok := roster.Role(name); ok {
				return perm.Role(name), nil
			}
		case perm.PrincipalMember:
			if roster.MemberID(name) {
				return perm.Member(name), nil
			}
		}
		return perm.Principal{}, nil
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, p := range matches {
			ids[i] = p.ID
		}
		return perm.Principal{}, perm.ErrAmbiguousReference(string(t), name, ids)
	}
}
