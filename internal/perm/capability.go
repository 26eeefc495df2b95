// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

// Package perm defines the closed set of channel capabilities and the
// overwrite records that bind allow/deny/inherit values to a principal
// on one channel.
package perm

import (
	"sort"
	"strings"
)

// Capability is one named boolean permission from the fixed set.
type Capability uint8

type capabilityInfo struct {
	name string
	bit  uint
}

// capabilities is ordered by Discord bit position. The index is the
// Capability value, so entries must only ever be appended.
var capabilities = [...]capabilityInfo{
	{"create_instant_invite", 0},
	{"kick_members", 1},
	{"ban_members", 2},
	{"administrator", 3},
	{"manage_channels", 4},
	{"manage_guild", 5},
	{"add_reactions", 6},
	{"view_audit_log", 7},
	{"priority_speaker", 8},
	{"stream", 9},
	{"view_channel", 10},
	{"send_messages", 11},
	{"send_tts_messages", 12},
	{"manage_messages", 13},
	{"embed_links", 14},
	{"attach_files", 15},
	{"read_message_history", 16},
	{"mention_everyone", 17},
	{"use_external_emojis", 18},
	{"view_guild_insights", 19},
	{"connect", 20},
	{"speak", 21},
	{"mute_members", 22},
	{"deafen_members", 23},
	{"move_members", 24},
	{"use_vad", 25},
	{"change_nickname", 26},
	{"manage_nicknames", 27},
	{"manage_roles", 28},
	{"manage_webhooks", 29},
	{"manage_emojis_and_stickers", 30},
	{"use_application_commands", 31},
	{"request_to_speak", 32},
	{"manage_events", 33},
	{"manage_threads", 34},
	{"create_public_threads", 35},
	{"create_private_threads", 36},
	{"use_external_stickers", 37},
	{"send_messages_in_threads", 38},
	{"use_embedded_activities", 39},
	{"moderate_members", 40},
	{"view_creator_monetization_analytics", 41},
	{"use_soundboard", 42},
	{"use_external_sounds", 45},
	{"send_voice_messages", 46},
	{"set_voice_channel_status", 48},
	{"bypass_slowmode", 52},
}

// NumCapabilities is the size of the capability set.
const NumCapabilities = len(capabilities)

// ManagedBits is the union of every bit covered by a known capability.
var ManagedBits int64

var byName = make(map[string]Capability, NumCapabilities)

func init() {
	for i, info := range capabilities {
		byName[info.name] = Capability(i)
		ManagedBits |= int64(1) << info.bit
	}
}

// All returns every capability in bit order.
func All() []Capability {
	out := make([]Capability, NumCapabilities)
	for i := range out {
		out[i] = Capability(i)
	}
	return out
}

// Names returns every capability name in bit order.
func Names() []string {
	out := make([]string, NumCapabilities)
	for i, info := range capabilities {
		out[i] = info.name
	}
	return out
}

// ParseCapability resolves a capability by its stable key. Spaces and
// dashes are accepted in place of underscores and case is ignored, so
// "Send Messages" and "send-messages" resolve like "send_messages".
func ParseCapability(name string) (Capability, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if c, ok := byName[key]; ok {
		return c, nil
	}
	return 0, ErrUnknownCapability(name)
}

// Valid reports whether c is a member of the capability set.
func (c Capability) Valid() bool {
	return int(c) < NumCapabilities
}

// String returns the stable key used in JSON documents.
func (c Capability) String() string {
	if !c.Valid() {
		return "unknown"
	}
	return capabilities[c].name
}

// Title returns a human readable label, e.g. "Send Messages".
func (c Capability) Title() string {
	words := strings.Split(c.String(), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Bit returns the Discord permission bit for c.
func (c Capability) Bit() int64 {
	if !c.Valid() {
		return 0
	}
	return int64(1) << capabilities[c].bit
}

// MarshalText implements encoding.TextMarshaler.
func (c Capability) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, ErrUnknownCapability(c.String())
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Capability) UnmarshalText(text []byte) error {
	parsed, err := ParseCapability(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// SortCapabilities orders caps by bit position in place.
func SortCapabilities(caps []Capability) {
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
}
