// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

// Package discord reads and writes channel permission overwrites through
// the Discord REST API.
package discord

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/samber/oops"

	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/state"
)

// guildPageSize and memberPageSize are the REST page limits.
const (
	guildPageSize  = 200
	memberPageSize = 1000
)

// restAPI is the subset of *discordgo.Session the client uses.
type restAPI interface {
	UserGuilds(limit int, beforeID, afterID string, withCounts bool, options ...discordgo.RequestOption) ([]*discordgo.UserGuild, error)
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildMembers(guildID string, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, options ...discordgo.RequestOption) error
	ChannelPermissionDelete(channelID, targetID string, options ...discordgo.RequestOption) error
}

// Client implements state.Source and apply.Writer on top of discordgo.
type Client struct {
	api    restAPI
	logger *slog.Logger
}

// New opens a REST session authenticated with a bot token. discordgo's
// own rate-limit retry is disabled; rate limits surface as RATE_LIMITED
// errors so the apply pipeline decides when to re-issue.
func New(token string, logger *slog.Logger) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, oops.Code(perm.CodeInvalidConfig).
			Errorf("DISCORD_TOKEN is not set")
	}
	session, err := discordgo.New("Bot " + strings.TrimPrefix(token, "Bot "))
	if err != nil {
		return nil, oops.Code(perm.CodeInvalidConfig).Wrapf(err, "create discord session")
	}
	session.ShouldRetryOnRateLimit = false
	session.UserAgent = "permkeeper (https://permkeeper.dev, 1)"
	return newClient(session, logger), nil
}

func newClient(api restAPI, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: api, logger: logger.With("component", "discord")}
}

// Guilds implements state.Source.
func (c *Client) Guilds(ctx context.Context) ([]state.Guild, error) {
	var out []state.Guild
	after := ""
	for {
		page, err := c.api.UserGuilds(guildPageSize, "", after, true, discordgo.WithContext(ctx))
		if err != nil {
			return nil, readError(ctx, err, "list guilds")
		}
		for _, g := range page {
			out = append(out, state.Guild{ID: g.ID, Name: g.Name, MemberCount: g.ApproximateMemberCount})
		}
		if len(page) < guildPageSize {
			return out, nil
		}
		after = page[len(page)-1].ID
	}
}

// Roster implements state.Source. Member listing needs the server
// members intent; without it the roster has no members and member
// overwrites are shown by id.
func (c *Client) Roster(ctx context.Context, guildID string) (*state.Roster, error) {
	guild, err := c.api.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, oops.With("guild", guildID).Wrap(readError(ctx, err, "read guild"))
	}
	roles, err := c.api.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, oops.With("guild", guildID).Wrap(readError(ctx, err, "list roles"))
	}
	channels, err := c.api.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, oops.With("guild", guildID).Wrap(readError(ctx, err, "list channels"))
	}

	r := &state.Roster{GuildID: guild.ID, GuildName: guild.Name}
	for _, role := range roles {
		r.Roles = append(r.Roles, state.Role{ID: role.ID, Name: role.Name, Position: role.Position})
	}
	slices.SortFunc(r.Roles, func(a, b state.Role) int { return b.Position - a.Position })
	r.Channels = convertChannels(channels)

	members, err := c.members(ctx, guildID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.WarnContext(ctx, "member list unavailable, member names will show as ids",
			"guild", guildID, "error", err)
	}
	r.Members = members
	return r, nil
}

func (c *Client) members(ctx context.Context, guildID string) ([]state.Member, error) {
	out := []state.Member{}
	after := ""
	for {
		page, err := c.api.GuildMembers(guildID, after, memberPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, readError(ctx, err, "list members")
		}
		for _, m := range page {
			if m.User == nil {
				continue
			}
			out = append(out, state.Member{ID: m.User.ID, Name: memberName(m)})
		}
		if len(page) < memberPageSize {
			return out, nil
		}
		after = page[len(page)-1].User.ID
	}
}

// Overwrites implements state.Source.
func (c *Client) Overwrites(ctx context.Context, guildID string, channelIDs []string) ([]perm.Overwrite, error) {
	channels, err := c.api.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, oops.With("guild", guildID).Wrap(readError(ctx, err, "list channels"))
	}

	var missing []string
	byID := make(map[string]*discordgo.Channel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}
	var out []perm.Overwrite
	for _, id := range channelIDs {
		ch, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, convertOverwrites(ch)...)
	}
	if len(missing) > 0 {
		return nil, perm.ErrUnresolvedReference("channel", missing...)
	}
	return out, nil
}

// WriteOverwrite implements apply.Writer. An empty overwrite deletes the
// remote overwrite.
func (c *Client) WriteOverwrite(ctx context.Context, ow perm.Overwrite) error {
	var err error
	if ow.IsEmpty() {
		err = c.api.ChannelPermissionDelete(ow.Channel, ow.Principal.ID, discordgo.WithContext(ctx))
	} else {
		allow, deny := ow.Bits()
		err = c.api.ChannelPermissionSet(ow.Channel, ow.Principal.ID, overwriteType(ow.Principal.Type),
			allow, deny, discordgo.WithContext(ctx))
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return classify(ow, err)
}

// classify maps discordgo errors onto pipeline error codes.
func classify(ow perm.Overwrite, err error) error {
	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) && rle.RateLimit != nil && rle.TooManyRequests != nil {
		return oops.With("channel", ow.Channel).
			With("principal", ow.Principal.String()).
			Wrap(perm.ErrRateLimited(rle.RetryAfter, err))
	}

	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		b := oops.Code(perm.CodeRemoteWriteFailure).
			With("channel", ow.Channel).
			With("principal", ow.Principal.String())
		if rest.Response != nil {
			b = b.With("http_status", rest.Response.StatusCode)
		}
		if rest.Message != nil {
			return b.With("api_code", rest.Message.Code).
				Wrapf(err, "write overwrite %s on channel %s: %s", ow.Principal, ow.Channel, rest.Message.Message)
		}
		return b.Wrapf(err, "write overwrite %s on channel %s", ow.Principal, ow.Channel)
	}
	return perm.ErrRemoteWrite(ow.Channel, ow.Principal, err)
}

func readError(ctx context.Context, err error, action string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Message != nil {
		return oops.With("api_code", rest.Message.Code).Wrapf(err, "%s: %s", action, rest.Message.Message)
	}
	return oops.Wrapf(err, "%s", action)
}
