// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/permkeeper/permkeeper/internal/console"
	"github.com/permkeeper/permkeeper/internal/diff"
	"github.com/permkeeper/permkeeper/internal/document"
	"github.com/permkeeper/permkeeper/internal/perm"
)

func newAuditCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <channel>",
		Short: "List the permission overwrites of a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, deps, true, func(ctx context.Context, s *console.Session) error {
				return s.Audit(ctx, args[0])
			})
		},
	}
}

// bulkConfig holds configuration for the bulk command.
type bulkConfig struct {
	principal string
	channels  []string
	set       string
}

func newBulkCmd(deps *Deps) *cobra.Command {
	cfg := &bulkConfig{}

	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Set capabilities for one role or member across channels",
		Example: `  permkeeper bulk --principal Moderator --channels general,off-topic \
    --set view_channel=allow,send_messages=deny`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			patch, err := perm.ParsePatch(cfg.set)
			if err != nil {
				return err
			}
			return withSession(cmd, deps, true, func(ctx context.Context, s *console.Session) error {
				return s.Bulk(ctx, cfg.principal, cfg.channels, patch)
			})
		},
	}

	cmd.Flags().StringVar(&cfg.principal, "principal", "", "role or member, by id or name")
	cmd.Flags().StringSliceVar(&cfg.channels, "channels", nil, "channels by id or name")
	cmd.Flags().StringVar(&cfg.set, "set", "", "capability=allow|deny|inherit pairs, comma separated")
	_ = cmd.MarkFlagRequired("principal")
	_ = cmd.MarkFlagRequired("channels")
	_ = cmd.MarkFlagRequired("set")

	return cmd
}

// patternConfig holds configuration for the pattern command.
type patternConfig struct {
	roles    string
	channels string
	set      string
}

func newPatternCmd(deps *Deps) *cobra.Command {
	cfg := &patternConfig{}

	cmd := &cobra.Command{
		Use:     "pattern",
		Short:   "Set capabilities for every matching role on every matching channel",
		Example: `  permkeeper pattern --roles 'mod-*' --channels 'staff-*' --set manage_messages=allow`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			patch, err := perm.ParsePatch(cfg.set)
			if err != nil {
				return err
			}
			return withSession(cmd, deps, true, func(ctx context.Context, s *console.Session) error {
				return s.Pattern(ctx, cfg.roles, cfg.channels, patch)
			})
		},
	}

	cmd.Flags().StringVar(&cfg.roles, "roles", "", "role name glob, case-insensitive")
	cmd.Flags().StringVar(&cfg.channels, "channels", "*", "channel name glob, case-insensitive")
	cmd.Flags().StringVar(&cfg.set, "set", "", "capability=allow|deny|inherit pairs, comma separated")
	_ = cmd.MarkFlagRequired("roles")
	_ = cmd.MarkFlagRequired("set")

	return cmd
}

func newCopyCmd(deps *Deps) *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "copy <source> <destination>",
		Short: "Copy the overwrites of one channel onto another",
		Long: `Copy the overwrites of one channel onto another. By default values are
merged into the destination; --replace makes the destination identical to
the source and removes overwrites the source does not have.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := diff.CopyMerge
			if replace {
				mode = diff.CopyReplace
			}
			return withSession(cmd, deps, true, func(ctx context.Context, s *console.Session) error {
				return s.Copy(ctx, args[0], args[1], mode)
			})
		},
	}

	cmd.Flags().BoolVar(&replace, "replace", false, "replace the destination's overwrites instead of merging")

	return cmd
}

func newExportCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write every overwrite of the server to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, deps, true, func(ctx context.Context, s *console.Session) error {
				return s.Export(ctx, args[0])
			})
		},
	}
}

func newImportCmd(deps *Deps) *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Reconcile the server against an exported JSON file",
		Long: `Reconcile the server against an exported JSON file. Names in the file are
resolved against the live server first; any unknown or ambiguous name aborts
before anything is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, deps, true, func(ctx context.Context, s *console.Session) error {
				return s.Import(ctx, args[0], prune)
			})
		},
	}

	cmd.Flags().BoolVar(&prune, "prune", false, "remove overwrites on listed channels that the file does not mention")

	return cmd
}

func newRollbackCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Restore the values replaced by the last apply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, deps, false, func(ctx context.Context, s *console.Session) error {
				return s.Rollback(ctx)
			})
		},
	}
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of exported files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := document.GenerateSchema()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if _, err := out.Write(schema); err != nil {
				return err
			}
			if !strings.HasSuffix(string(schema), "\n") {
				_, err = out.Write([]byte("\n"))
			}
			return err
		},
	}
}
