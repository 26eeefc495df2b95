// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package console

import (
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/state"
)

func listTable(w io.Writer, title string, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Header = text.FormatDefault
	t.SetTitle(title)
	t.AppendHeader(header)
	return t
}

func renderGuilds(w io.Writer, guilds []state.Guild) {
	t := listTable(w, "Available servers", table.Row{"#", "Name", "ID", "Members"})
	for i, g := range guilds {
		t.AppendRow(table.Row{i + 1, g.Name, g.ID, g.MemberCount})
	}
	t.Render()
}

func renderRoles(w io.Writer, roster *state.Roster) {
	t := listTable(w, "Roles", table.Row{"ID", "Name", "Position"})
	for _, r := range roster.Roles {
		t.AppendRow(table.Row{r.ID, r.Name, r.Position})
	}
	t.Render()
}

func renderChannels(w io.Writer, roster *state.Roster) {
	t := listTable(w, "Channels", table.Row{"ID", "Name", "Type", "Category"})
	for _, c := range roster.Channels {
		category := "-"
		if c.ParentID != "" {
			category = roster.ChannelName(c.ParentID)
		}
		t.AppendRow(table.Row{c.ID, c.Name, c.Type, category})
	}
	t.Render()
}

func renderCapabilities(w io.Writer) {
	t := listTable(w, "Capabilities", table.Row{"Name", "Description"})
	for _, c := range perm.All() {
		t.AppendRow(table.Row{c.String(), c.Title()})
	}
	t.Render()
}
