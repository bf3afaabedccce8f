// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// The server command runs the MCP integration core: it brokers access to a
// fleet of MCP servers over stdio, SSH, Docker and HTTP transports.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const (
	appName    = "mcp-core"
	appVersion = "0.1.0"
)

func newRootCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
	)

	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "MCP integration core: broker access to a fleet of MCP servers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "path to a .env file loaded before the configuration")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the integration core until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath, envFile)
		},
	}
	rootCmd.AddCommand(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of " + appName,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, appVersion)
			return err
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
