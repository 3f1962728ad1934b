// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// current is the application built by the root command's pre-run.
var current *app

var (
	configPath  string
	plainOutput bool
	logLevel    string

	rootCmd = &cobra.Command{
		Use:   "stackctl",
		Short: "Bootstrap, run and inspect the local product stack",
		Long: `stackctl sets up a checkout of the product, starts and stops its
containers and host processes, and reports which services are reachable.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setupApp,
	}

	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Check prerequisites, clone the repository if needed, and configure it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return current.initialize(cmd.Context())
		},
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Choose a setup mode and write the env files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return current.setup(cmd.Context())
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show which managed services are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return current.status(cmd.Context(), statusOpts)
		},
	}
	statusOpts statusOptions

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start containers and host processes, then wait until they are up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return current.start(cmd.Context(), startOpts)
		},
	}
	startOpts startOptions

	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop host processes and containers",
		Long: `Stops host processes started by stackctl and runs docker compose down.

With --force-ports, every process listening on a managed port is also
terminated, including processes stackctl did not start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return current.stop(cmd.Context(), stopOpts)
		},
	}
	stopOpts stopOptions

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the stackctl version",
		Args:  cobra.NoArgs,
		// No configuration is needed to print the version.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stackctl %s\n", version)
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default $STACKCTL_CONFIG or ~/.stackctl/stackctl.yaml)")
	pf.BoolVar(&plainOutput, "plain", false, "print plain lines instead of the interactive UI")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	statusCmd.Flags().BoolVar(&statusOpts.watch, "watch", false, "refresh when the compose file or .env changes")
	statusCmd.Flags().StringVar(&statusOpts.metricsFile, "metrics-file", "", "write probe metrics in Prometheus textfile format")

	startCmd.Flags().BoolVar(&startOpts.build, "build", false, "rebuild images before starting")

	stopCmd.Flags().BoolVar(&stopOpts.forcePorts, "force-ports", false, "also terminate anything listening on the managed ports")
	stopCmd.Flags().BoolVarP(&stopOpts.yes, "yes", "y", false, "skip the --force-ports confirmation")

	rootCmd.AddCommand(initCmd, setupCmd, statusCmd, startCmd, stopCmd, versionCmd)
}

// setupApp loads configuration and wires the application once per run.
func setupApp(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{
		configPath: configPath,
		plain:      plainOutput,
		logLevel:   logLevel,
		stdin:      os.Stdin,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
	})
	if err != nil {
		return err
	}
	current = a
	return nil
}
