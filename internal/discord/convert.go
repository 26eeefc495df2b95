// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package discord

import (
	"cmp"
	"slices"

	"github.com/bwmarrin/discordgo"

	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/state"
)

var channelTypes = map[discordgo.ChannelType]string{
	discordgo.ChannelTypeGuildText:          "text",
	discordgo.ChannelTypeGuildVoice:         "voice",
	discordgo.ChannelTypeGuildCategory:      "category",
	discordgo.ChannelTypeGuildNews:          "news",
	discordgo.ChannelTypeGuildStageVoice:    "stage",
	discordgo.ChannelTypeGuildForum:         "forum",
	discordgo.ChannelTypeGuildNewsThread:    "thread",
	discordgo.ChannelTypeGuildPublicThread:  "thread",
	discordgo.ChannelTypeGuildPrivateThread: "thread",
}

func channelType(t discordgo.ChannelType) string {
	if name, ok := channelTypes[t]; ok {
		return name
	}
	return "other"
}

// convertChannels keeps guild channels that can carry overwrites, ordered
// by position.
func convertChannels(channels []*discordgo.Channel) []state.Channel {
	out := make([]state.Channel, 0, len(channels))
	for _, ch := range channels {
		if channelType(ch.Type) == "thread" {
			continue
		}
		out = append(out, state.Channel{
			ID:       ch.ID,
			Name:     ch.Name,
			Type:     channelType(ch.Type),
			Position: ch.Position,
			ParentID: ch.ParentID,
		})
	}
	slices.SortFunc(out, func(a, b state.Channel) int {
		return cmp.Or(cmp.Compare(a.Position, b.Position), perm.CompareIDs(a.ID, b.ID))
	})
	return out
}

func convertOverwrites(ch *discordgo.Channel) []perm.Overwrite {
	out := make([]perm.Overwrite, 0, len(ch.PermissionOverwrites))
	for _, po := range ch.PermissionOverwrites {
		p := perm.Role(po.ID)
		if po.Type == discordgo.PermissionOverwriteTypeMember {
			p = perm.Member(po.ID)
		}
		out = append(out, perm.FromBits(ch.ID, p, po.Allow, po.Deny))
	}
	return out
}

func overwriteType(t perm.PrincipalType) discordgo.PermissionOverwriteType {
	if t == perm.PrincipalMember {
		return discordgo.PermissionOverwriteTypeMember
	}
	return discordgo.PermissionOverwriteTypeRole
}

func memberName(m *discordgo.Member) string {
	switch {
	case m.Nick != "":
		return m.Nick
	case m.User.GlobalName != "":
		return m.User.GlobalName
	default:
		return m.User.Username
	}
}
