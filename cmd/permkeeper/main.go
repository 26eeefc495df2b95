// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

// Package main is the entry point for the permkeeper CLI.
package main

import (
	"fmt"
	"os"

	"github.com/permkeeper/permkeeper/pkg/errutil"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cmd := NewRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", errutil.Describe(err))
		os.Exit(1)
	}
}
