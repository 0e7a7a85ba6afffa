// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

// Command collab runs the collaborative editing server.
//
// # Usage
//
//	# Start the server
//	collab serve --config /etc/collab/collab.yaml
//
//	# Remove containers left behind by a crashed server
//	collab reap
//
// # Environment Variables
//
//   - COLLAB_PORT: HTTP listen port (default: 8790)
//   - COLLAB_DATA_DIR: persistent state directory (default: ./data)
//   - COLLAB_LOG_LEVEL: debug, info, warn or error (default: info)
//   - COLLAB_LOG_JSON: "true" for JSON logs on stderr
//   - COLLAB_SANDBOX_IMAGE: execution container image
//   - DOCKER_HOST: container runtime endpoint (Docker conventions)
//
// Environment variables override the config file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mhnu16/Collab-IDE/services/collab"
	"github.com/mhnu16/Collab-IDE/services/collab/sandbox"
)

func main() {
	// Daemon logs are JSON by default; the service replaces this with
	// its configured logger once it boots.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	root := &cobra.Command{
		Use:           "collab",
		Short:         "Collaborative editing server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newReapCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the collaboration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := collab.LoadConfig(configPath)
			if err != nil {
				return err
			}
			svc, err := collab.New(cfg, nil)
			if err != nil {
				return err
			}
			return svc.Run()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "collab.yaml", "path to YAML config file")
	return cmd
}

func newReapCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Force-remove leftover sandbox containers",
		Long: "Removes every container labelled as a collab sandbox, regardless of\n" +
			"state. Run this after a crash, or from a cron job on shared hosts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			docker, err := sandbox.NewDockerClient()
			if err != nil {
				return err
			}
			mgr := sandbox.New(docker, nil, sandbox.Config{}, sandbox.Sinks{}, slog.Default())

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			n, err := mgr.ReapOrphans(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d container(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "time budget for the reap")
	return cmd
}
