// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/permkeeper/permkeeper/internal/console"
	"github.com/permkeeper/permkeeper/internal/settings"
)

// NewRootCmd creates the root command for the permkeeper CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&Deps{})
}

func newRootCmd(deps *Deps) *cobra.Command {
	deps = deps.withDefaults()

	cmd := &cobra.Command{
		Use:   "permkeeper",
		Short: "Reconcile and roll back Discord channel permission overwrites",
		Long: `permkeeper previews and applies channel permission overwrites in bulk,
by glob pattern, by copying between channels or from an exported file.
Every apply can be rolled back. Without a subcommand the interactive menu starts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMenu(cmd, deps)
		},
	}

	settings.RegisterFlags(cmd.PersistentFlags())
	cmd.PersistentFlags().BoolP("yes", "y", false, "apply without asking for confirmation")

	cmd.AddCommand(newMenuCmd(deps))
	cmd.AddCommand(newAuditCmd(deps))
	cmd.AddCommand(newBulkCmd(deps))
	cmd.AddCommand(newPatternCmd(deps))
	cmd.AddCommand(newCopyCmd(deps))
	cmd.AddCommand(newExportCmd(deps))
	cmd.AddCommand(newImportCmd(deps))
	cmd.AddCommand(newRollbackCmd(deps))
	cmd.AddCommand(newSchemaCmd())

	return cmd
}

// withSession runs fn against a session. When selectGuild is set the
// server from --guild is loaded first; with a single server it may be
// omitted.
func withSession(cmd *cobra.Command, deps *Deps, selectGuild bool, fn func(ctx context.Context, s *console.Session) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd, deps)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	if selectGuild || a.settings.GuildID != "" {
		if err := a.session.SelectGuild(ctx, a.settings.GuildID); err != nil {
			return err
		}
	}
	return fn(ctx, a.session)
}

func runMenu(cmd *cobra.Command, deps *Deps) error {
	return withSession(cmd, deps, false, func(ctx context.Context, s *console.Session) error {
		return s.Run(ctx)
	})
}

func newMenuCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "menu",
		Short: "Start the interactive menu",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMenu(cmd, deps)
		},
	}
}
