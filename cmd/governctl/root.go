// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"
)

var configPath string

// newRootCommand wires the root command and its subcommands. Grounded on
// the teacher's RunDBCommand subcommand-under-root convention
// (cmd/qui/db_command.go): the root itself carries only persistent flags,
// every actual behavior lives in a subcommand.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "governctl",
		Short: "Adaptive upload-rate governance and auto-remove for private-tracker torrents",
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: ./config.toml)")

	cmd.AddCommand(newServeCommand())
	return cmd
}
