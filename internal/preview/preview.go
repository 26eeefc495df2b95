// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

// Package preview renders diffs, run reports and channel audits as tables
// and asks the operator to confirm before anything is written.
package preview

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/permkeeper/permkeeper/internal/apply"
	"github.com/permkeeper/permkeeper/internal/diff"
	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/state"
	"github.com/permkeeper/permkeeper/pkg/errutil"
)

// Asker reads one answer from the operator.
type Asker interface {
	Ask(question string) (string, error)
}

// Confirm asks question and returns nil only for an explicit "y" or
// "yes". Anything else, including a read error, returns ABORTED.
func Confirm(a Asker, question string) error {
	answer, err := a.Ask(question + " [y/N] ")
	if err != nil {
		return perm.ErrAborted()
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	default:
		return perm.ErrAborted()
	}
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Header = text.FormatDefault
	t.Style().Format.Footer = text.FormatDefault
	return t
}

// PrincipalLabel renders a principal as "name (type)".
func PrincipalLabel(roster *state.Roster, p perm.Principal) string {
	name := p.ID
	if roster != nil {
		name = roster.PrincipalName(p)
	}
	return fmt.Sprintf("%s (%s)", name, p.Type)
}

func channelLabel(roster *state.Roster, id string) string {
	if roster == nil {
		return id
	}
	return "#" + roster.ChannelName(id)
}

// Render writes one row per capability change. It never mutates d.
func Render(w io.Writer, d *diff.Diff, roster *state.Roster) error {
	if d.Empty() {
		_, err := fmt.Fprintln(w, "No changes: live permissions already match.")
		return err
	}

	t := newTable(w)
	t.SetTitle(fmt.Sprintf("Pending changes (%s)", d.Mode))
	t.AppendHeader(table.Row{"Target", "Principal", "Capability", "Change"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, AutoMerge: true},
		{Number: 2, AutoMerge: true},
	})
	changes := 0
	for _, e := range d.Entries {
		target := channelLabel(roster, e.Channel())
		principal := PrincipalLabel(roster, e.Principal())
		if e.Removes() {
			principal += " [remove overwrite]"
		}
		for _, ch := range e.Changes() {
			t.AppendRow(table.Row{target, principal, ch.Capability.Title(), fmt.Sprintf("%s → %s", ch.Old, ch.New)})
			changes++
		}
		if e.Old.Unmanaged != e.New.Unmanaged {
			t.AppendRow(table.Row{target, principal, "Unmanaged bits", fmt.Sprintf("%s → %s", bitsLabel(e.Old.Unmanaged), bitsLabel(e.New.Unmanaged))})
			changes++
		}
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d overwrite(s)", d.Len()), fmt.Sprintf("%d change(s)", changes)})
	t.Render()
	return nil
}

// bitsLabel renders raw bits Discord knows but the capability set does not.
func bitsLabel(b perm.Bitfield) string {
	if b.IsZero() {
		return "none"
	}
	return fmt.Sprintf("allow %#x deny %#x", b.Allow, b.Deny)
}

// RenderReport summarises an apply or rollback run and lists failures.
func RenderReport(w io.Writer, r *apply.Report, roster *state.Roster) error {
	if _, err := fmt.Fprintf(w, "%s: %d succeeded, %d failed, %d skipped\n",
		r.Operation, len(r.Succeeded), len(r.Failed), len(r.Skipped)); err != nil {
		return err
	}
	if len(r.Failed) == 0 && len(r.Skipped) == 0 {
		return nil
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"Target", "Principal", "Status", "Reason"})
	for _, f := range r.Failed {
		t.AppendRow(table.Row{channelLabel(roster, f.Entry.Channel()), PrincipalLabel(roster, f.Entry.Principal()), "failed", errutil.Describe(f.Err)})
	}
	for _, e := range r.Skipped {
		t.AppendRow(table.Row{channelLabel(roster, e.Channel()), PrincipalLabel(roster, e.Principal()), "skipped", "cancelled before write"})
	}
	t.Render()
	return nil
}

// RenderAudit lists every overwrite on one channel with its allowed and
// denied capabilities.
func RenderAudit(w io.Writer, snap *state.Snapshot, channelID string, roster *state.Roster) error {
	overwrites := snap.Channel(channelID)
	if len(overwrites) == 0 {
		_, err := fmt.Fprintf(w, "%s has no permission overwrites.\n", channelLabel(roster, channelID))
		return err
	}

	t := newTable(w)
	t.SetTitle("Overwrites on " + channelLabel(roster, channelID))
	t.AppendHeader(table.Row{"Principal", "Allowed", "Denied"})
	for _, ow := range overwrites {
		var allowed, denied []string
		for _, c := range ow.Values.Capabilities() {
			switch ow.Values.Get(c) {
			case perm.Allow:
				allowed = append(allowed, c.Title())
			case perm.Deny:
				denied = append(denied, c.Title())
			}
		}
		t.AppendRow(table.Row{PrincipalLabel(roster, ow.Principal), joinOrDash(allowed), joinOrDash(denied)})
	}
	t.Render()
	return nil
}

func joinOrDash(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, "\n")
}
