// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/permkeeper/permkeeper/internal/apply"
	"github.com/permkeeper/permkeeper/internal/diff"
	"github.com/permkeeper/permkeeper/internal/document"
	"github.com/permkeeper/permkeeper/internal/observability"
	"github.com/permkeeper/permkeeper/internal/pattern"
	"github.com/permkeeper/permkeeper/internal/perm"
	"github.com/permkeeper/permkeeper/internal/preview"
	"github.com/permkeeper/permkeeper/internal/state"
)

// Config wires a Session.
type Config struct {
	Source      state.Source
	Coordinator *apply.Coordinator
	Prompter    *Prompter
	Out         io.Writer
	// Metrics may be nil when no metrics server runs.
	Metrics *observability.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
	// AssumeYes applies without asking for confirmation.
	AssumeYes bool
}

// Session holds the selected server and runs one operation at a time.
type Session struct {
	source    state.Source
	coord     *apply.Coordinator
	prompt    *Prompter
	out       io.Writer
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
	assumeYes bool

	roster *state.Roster
	ready  atomic.Bool
}

// NewSession creates a session with no server selected.
func NewSession(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	s := &Session{
		source:    cfg.Source,
		coord:     cfg.Coordinator,
		prompt:    cfg.Prompter,
		out:       cfg.Out,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
		assumeYes: cfg.AssumeYes,
	}
	if log := cfg.Coordinator.UndoLog(); log != nil {
		s.metrics.SetUndoEntries(len(log.Entries))
	}
	return s
}

// Ready reports whether a server roster is loaded. It backs the
// readiness probe.
func (s *Session) Ready() bool { return s.ready.Load() }

// Roster returns the selected server, or nil.
func (s *Session) Roster() *state.Roster { return s.roster }

// SelectGuild loads the roster of the server named by ref (id or name).
// With an empty ref a sole server is picked, otherwise the operator
// chooses from a list.
func (s *Session) SelectGuild(ctx context.Context, ref string) error {
	guilds, err := s.source.Guilds(ctx)
	if err != nil {
		return err
	}
	if len(guilds) == 0 {
		return oops.Code(perm.CodeUnresolvedReference).Errorf("the bot is not a member of any server")
	}

	var picked state.Guild
	switch {
	case ref != "":
		picked, err = findGuild(guilds, strings.TrimSpace(ref))
		if err != nil {
			return err
		}
	case len(guilds) == 1:
		picked = guilds[0]
	default:
		if s.prompt == nil {
			return oops.Code(perm.CodeInvalidConfig).Errorf("several servers are available, pass --guild")
		}
		renderGuilds(s.out, guilds)
		options := make([]string, len(guilds))
		for i, g := range guilds {
			options[i] = g.Name
		}
		i, err := s.prompt.Choose("Select a server", options)
		if err != nil {
			return err
		}
		picked = guilds[i]
	}

	roster, err := s.source.Roster(ctx, picked.ID)
	if err != nil {
		return err
	}
	s.roster = roster
	s.ready.Store(true)
	s.logger.InfoContext(ctx, "server selected", "guild_id", roster.GuildID, "guild", roster.GuildName,
		"roles", len(roster.Roles), "channels", len(roster.Channels))
	fmt.Fprintf(s.out, "Selected server: %s\n", roster.GuildName)
	return nil
}

func findGuild(guilds []state.Guild, ref string) (state.Guild, error) {
	var named []state.Guild
	for _, g := range guilds {
		if g.ID == ref {
			return g, nil
		}
		if g.Name == ref {
			named = append(named, g)
		}
	}
	switch len(named) {
	case 0:
		return state.Guild{}, perm.ErrUnresolvedReference("guild", ref)
	case 1:
		return named[0], nil
	default:
		ids := make([]string, len(named))
		for i, g := range named {
			ids[i] = g.ID
		}
		return state.Guild{}, perm.ErrAmbiguousReference("guild", ref, ids)
	}
}

func (s *Session) requireRoster() error {
	if s.roster == nil {
		return oops.Code(perm.CodeInvalidConfig).Errorf("select a server first")
	}
	return nil
}

func (s *Session) capture(ctx context.Context, scope state.Scope) (*state.Snapshot, error) {
	return state.Capture(ctx, s.source, s.roster.GuildID, scope, s.now())
}

// resolveChannels maps channel refs to ids. Every unknown ref is reported
// together.
func (s *Session) resolveChannels(refs []string) ([]string, error) {
	var ids, missing []string
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		c, err := s.roster.LookupChannel(ref)
		if perm.HasCode(err, perm.CodeUnresolvedReference) {
			missing = append(missing, ref)
			continue
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, c.ID)
	}
	if len(missing) > 0 {
		return nil, perm.ErrUnresolvedReference("channel", missing...)
	}
	if len(ids) == 0 {
		return nil, oops.Code(perm.CodeInvalidConfig).Errorf("no channels given")
	}
	return ids, nil
}

// Bulk sets patch for one principal on every listed channel.
func (s *Session) Bulk(ctx context.Context, principalRef string, channelRefs []string, patch perm.Patch) error {
	if err := s.requireRoster(); err != nil {
		return err
	}
	p, err := s.roster.LookupPrincipal(principalRef)
	if err != nil {
		return err
	}
	ids, err := s.resolveChannels(channelRefs)
	if err != nil {
		return err
	}
	snap, err := s.capture(ctx, state.Channels(ids...))
	if err != nil {
		return err
	}
	d, err := diff.Bulk(snap, s.roster, p, ids, patch)
	if err != nil {
		return err
	}
	return s.execute(ctx, d)
}

// Pattern sets patch on every role and channel pair the globs match.
func (s *Session) Pattern(ctx context.Context, rolePattern, channelPattern string, patch perm.Patch) error {
	if err := s.requireRoster(); err != nil {
		return err
	}
	snap, err := s.capture(ctx, state.Server(s.roster))
	if err != nil {
		return err
	}
	pairs, d, err := pattern.Diff(snap, s.roster, pattern.Rule{
		RolePattern:    rolePattern,
		ChannelPattern: channelPattern,
		Patch:          patch,
	})
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		fmt.Fprintf(s.out, "No role matches %q on a channel matching %q.\n", rolePattern, channelPattern)
		s.metrics.RecordOperation(string(diff.ModePattern), observability.OutcomeNoop)
		return nil
	}
	fmt.Fprintf(s.out, "%d role/channel pair(s) matched.\n", len(pairs))
	return s.execute(ctx, d)
}

// Copy copies the overwrites of one channel onto another.
func (s *Session) Copy(ctx context.Context, sourceRef, destRef string, mode diff.CopyMode) error {
	if err := s.requireRoster(); err != nil {
		return err
	}
	ids, err := s.resolveChannels([]string{sourceRef, destRef})
	if err != nil {
		return err
	}
	if len(ids) != 2 {
		return oops.Code(perm.CodeInvalidConfig).Errorf("copy needs a source and a destination channel")
	}
	snap, err := s.capture(ctx, state.Channels(ids...))
	if err != nil {
		return err
	}
	d, err := diff.Copy(snap, ids[0], ids[1], mode)
	if err != nil {
		return err
	}
	return s.execute(ctx, d)
}

// Audit prints every overwrite on one channel.
func (s *Session) Audit(ctx context.Context, channelRef string) error {
	if err := s.requireRoster(); err != nil {
		return err
	}
	c, err := s.roster.LookupChannel(channelRef)
	if err != nil {
		return err
	}
	snap, err := s.capture(ctx, state.SingleChannel(c.ID))
	if err != nil {
		return err
	}
	return preview.RenderAudit(s.out, snap, c.ID, s.roster)
}

// Export writes every overwrite of the server to path.
func (s *Session) Export(ctx context.Context, path string) error {
	if err := s.requireRoster(); err != nil {
		return err
	}
	snap, err := s.capture(ctx, state.Server(s.roster))
	if err != nil {
		return err
	}
	doc := document.Export(snap, s.roster, s.roster.GuildName, s.now())
	if err := document.WriteFile(path, doc); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "configuration exported", "path", path, "overwrites", len(doc.Overwrites))
	fmt.Fprintf(s.out, "Exported %d overwrite(s) to %s\n", len(doc.Overwrites), path)
	return nil
}

// Import reconciles the server against the document at path. With prune
// the listed channels lose overwrites the document does not mention.
func (s *Session) Import(ctx context.Context, path string, prune bool) error {
	if err := s.requireRoster(); err != nil {
		return err
	}
	doc, err := document.ReadFile(path)
	if err != nil {
		return err
	}
	desired, err := document.Resolve(doc, s.roster)
	if err != nil {
		return err
	}
	snap, err := s.capture(ctx, state.Channels(document.ChannelIDs(desired)...))
	if err != nil {
		return err
	}
	d, err := diff.Desired(snap, s.roster, desired, diff.DesiredOptions{Prune: prune})
	if err != nil {
		return err
	}
	return s.execute(ctx, d)
}

// Rollback previews and restores the values the last apply replaced.
func (s *Session) Rollback(ctx context.Context) error {
	log, err := s.coord.Refresh(ctx)
	if err != nil {
		return err
	}
	if log == nil {
		return perm.ErrNothingToRollback()
	}
	mode := string(diff.ModeRollback)
	if err := preview.Render(s.out, log.Inverse(), s.roster); err != nil {
		return err
	}
	if err := s.confirm("Roll back these changes?"); err != nil {
		s.metrics.RecordOperation(mode, observability.OutcomeAborted)
		return err
	}
	report, err := s.coord.Rollback(ctx)
	if report == nil {
		return err
	}
	return s.finish(mode, report, err)
}

// execute previews d, asks for confirmation and applies it.
func (s *Session) execute(ctx context.Context, d *diff.Diff) error {
	mode := string(d.Mode)
	if err := preview.Render(s.out, d, s.roster); err != nil {
		return err
	}
	if d.Empty() {
		s.metrics.RecordOperation(mode, observability.OutcomeNoop)
		return nil
	}
	if err := s.confirm("Apply these changes?"); err != nil {
		s.metrics.RecordOperation(mode, observability.OutcomeAborted)
		return err
	}
	report, err := s.coord.Apply(ctx, d)
	return s.finish(mode, report, err)
}

func (s *Session) confirm(question string) error {
	if s.assumeYes {
		return nil
	}
	if s.prompt == nil {
		return perm.ErrAborted()
	}
	return preview.Confirm(s.prompt, question)
}

// finish prints the report and records the outcome. Writes that did not
// land turn into an error so callers can exit non-zero.
func (s *Session) finish(mode string, report *apply.Report, runErr error) error {
	if err := preview.RenderReport(s.out, report, s.roster); err != nil {
		return err
	}

	outcome := observability.OutcomeApplied
	switch {
	case len(report.Succeeded) == 0:
		outcome = observability.OutcomeFailed
	case !report.Complete():
		outcome = observability.OutcomePartial
	}
	s.metrics.RecordOperation(mode, outcome)
	if log := s.coord.UndoLog(); log != nil {
		s.metrics.SetUndoEntries(len(log.Entries))
	} else {
		s.metrics.SetUndoEntries(0)
	}

	if runErr != nil {
		return runErr
	}
	if !report.Complete() {
		return oops.Code(perm.CodeRemoteWriteFailure).
			With("failed", len(report.Failed)).
			With("skipped", len(report.Skipped)).
			Errorf("%d of %d writes did not land", len(report.Failed)+len(report.Skipped), report.Total())
	}
	return nil
}
