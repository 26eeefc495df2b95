// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/samber/oops"

	"github.com/permkeeper/permkeeper/internal/diff"
	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/preview"
	"github.com/permkeeper/permkeeper/pkg/errutil"
)

var mainMenu = []string{
	"Select server",
	"Manage permissions",
	"Export configuration",
	"Import configuration",
	"Roll back last operation",
	"Exit",
}

var manageMenu = []string{
	"Bulk: one principal across channels",
	"Pattern: matching roles across matching channels",
	"Copy: one channel's overwrites onto another",
	"Audit: list a channel's overwrites",
	"Back",
}

// errNothingSelected ends a flow the operator left blank.
var errNothingSelected = errors.New("nothing selected")

// Run drives the interactive menu until the operator exits, input ends or
// ctx is cancelled. Operation errors are printed and the menu continues.
func (s *Session) Run(ctx context.Context) error {
	if s.prompt == nil {
		return oops.Code(perm.CodeInvalidConfig).Errorf("the menu needs an interactive prompt")
	}
	fmt.Fprintln(s.out, "Permission Keeper")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		choice, err := s.prompt.Choose("Main menu", mainMenu)
		if err != nil {
			return s.endOfInput(err)
		}

		switch choice {
		case 0:
			err = s.SelectGuild(ctx, "")
		case 1:
			err = s.requireRoster()
			if err == nil {
				err = s.manage(ctx)
			}
		case 2:
			err = s.exportFlow(ctx)
		case 3:
			err = s.importFlow(ctx)
		case 4:
			err = s.Rollback(ctx)
		case 5:
			fmt.Fprintln(s.out, "Goodbye.")
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.show(ctx, err)
		}
	}
}

func (s *Session) manage(ctx context.Context) error {
	for {
		choice, err := s.prompt.Choose("Manage permissions on "+s.roster.GuildName, manageMenu)
		if err != nil {
			return err
		}
		switch choice {
		case 0:
			err = s.bulkFlow(ctx)
		case 1:
			err = s.patternFlow(ctx)
		case 2:
			err = s.copyFlow(ctx)
		case 3:
			err = s.auditFlow(ctx)
		case 4:
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return err
			}
			s.show(ctx, err)
		}
	}
}

// show prints an operation error and logs it.
func (s *Session) show(ctx context.Context, err error) {
	switch {
	case errors.Is(err, errNothingSelected):
		fmt.Fprintln(s.out, "Nothing selected.")
		return
	case perm.HasCode(err, perm.CodeAborted):
		fmt.Fprintln(s.out, "Cancelled, no changes applied.")
		return
	}
	errutil.LogErrorContext(ctx, s.logger, "operation failed", err)
	fmt.Fprintf(s.out, "Error: %s\n", errutil.Describe(err))
}

func (s *Session) endOfInput(err error) error {
	if errors.Is(err, io.EOF) || perm.HasCode(err, perm.CodeAborted) {
		return nil
	}
	return err
}

// askRequired asks until the answer is non-blank; a blank answer ends the
// flow.
func (s *Session) askRequired(question string) (string, error) {
	answer, err := s.prompt.Ask(question)
	if err != nil {
		return "", err
	}
	if answer == "" {
		return "", errNothingSelected
	}
	return answer, nil
}

// askPatch reads capability settings, listing the capability names on "?".
func (s *Session) askPatch() (perm.Patch, error) {
	for {
		answer, err := s.prompt.Ask("Settings, e.g. view_channel=allow,send_messages=deny (? lists capabilities): ")
		if err != nil {
			return nil, err
		}
		switch answer {
		case "":
			return nil, errNothingSelected
		case "?":
			renderCapabilities(s.out)
			continue
		}
		patch, err := perm.ParsePatch(answer)
		if err != nil {
			fmt.Fprintf(s.out, "Error: %s\n", errutil.Describe(err))
			continue
		}
		if len(patch) == 0 {
			return nil, errNothingSelected
		}
		return patch, nil
	}
}

func splitRefs(answer string) []string {
	var out []string
	for _, ref := range strings.Split(answer, ",") {
		if ref = strings.TrimSpace(ref); ref != "" {
			out = append(out, ref)
		}
	}
	return out
}

func (s *Session) bulkFlow(ctx context.Context) error {
	renderRoles(s.out, s.roster)
	principal, err := s.askRequired("Role or member (id or name): ")
	if err != nil {
		return err
	}
	renderChannels(s.out, s.roster)
	channels, err := s.askRequired("Channels (ids or names, comma separated): ")
	if err != nil {
		return err
	}
	patch, err := s.askPatch()
	if err != nil {
		return err
	}
	return s.Bulk(ctx, principal, splitRefs(channels), patch)
}

func (s *Session) patternFlow(ctx context.Context) error {
	rolePattern, err := s.prompt.AskDefault("Role name pattern", "mod-*")
	if err != nil {
		return err
	}
	channelPattern, err := s.prompt.AskDefault("Channel name pattern", "*")
	if err != nil {
		return err
	}
	patch, err := s.askPatch()
	if err != nil {
		return err
	}
	return s.Pattern(ctx, rolePattern, channelPattern, patch)
}

func (s *Session) copyFlow(ctx context.Context) error {
	renderChannels(s.out, s.roster)
	source, err := s.askRequired("Source channel (id or name): ")
	if err != nil {
		return err
	}
	dest, err := s.askRequired("Destination channel (id or name): ")
	if err != nil {
		return err
	}
	mode := diff.CopyMerge
	if preview.Confirm(s.prompt, "Replace the destination's overwrites instead of merging?") == nil {
		mode = diff.CopyReplace
	}
	return s.Copy(ctx, source, dest, mode)
}

func (s *Session) auditFlow(ctx context.Context) error {
	renderChannels(s.out, s.roster)
	channel, err := s.askRequired("Channel (id or name): ")
	if err != nil {
		return err
	}
	return s.Audit(ctx, channel)
}

func (s *Session) exportFlow(ctx context.Context) error {
	if err := s.requireRoster(); err != nil {
		return err
	}
	path, err := s.prompt.AskDefault("Export to", defaultExportName(s.roster.GuildName))
	if err != nil {
		return err
	}
	return s.Export(ctx, path)
}

func (s *Session) importFlow(ctx context.Context) error {
	if err := s.requireRoster(); err != nil {
		return err
	}
	path, err := s.askRequired("Import from: ")
	if err != nil {
		return err
	}
	prune := preview.Confirm(s.prompt, "Also remove overwrites the file does not list?") == nil
	return s.Import(ctx, path, prune)
}

// defaultExportName turns "My Server" into "my-server-permissions.json".
func defaultExportName(guild string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(guild) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	name := strings.TrimSuffix(b.String(), "-")
	if name == "" {
		name = "server"
	}
	return name + "-permissions.json"
}
