// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DataDog/gridmimic/pkg/config"
	"github.com/DataDog/gridmimic/pkg/control"
	"github.com/DataDog/gridmimic/pkg/profile"
	"github.com/DataDog/gridmimic/pkg/util/log"
	"github.com/DataDog/gridmimic/pkg/version"
)

var (
	// serverCmd is the root command
	serverCmd = &cobra.Command{
		Use:   "gridmimic-server [command]",
		Short: "Gridmimic control plane.",
		Long: `
The gridmimic server tracks every deployed honeypot agent, hands out their
configuration and commands over HTTP, and collects the interaction logs they
upload.`,
	}

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the server",
		Long:  `Runs the control plane in the foreground`,
		RunE:  start,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Gridmimic Server %s - Commit: %s\n", version.AgentVersion, version.Commit)
		},
	}

	bindAddr    string
	dbPath      string
	profilesDir string
	logLevel    string
	logFile     string
)

func init() {
	// attach the command to the root
	serverCmd.AddCommand(startCmd)
	serverCmd.AddCommand(versionCmd)

	// local flags
	startCmd.Flags().StringVarP(&bindAddr, "addr", "a", "0.0.0.0:8000", "address the HTTP API binds to")
	startCmd.Flags().StringVar(&dbPath, "db", "server.db", "path to the agent registry database")
	startCmd.Flags().StringVar(&profilesDir, "profiles", "profiles", "directory holding simulation profiles")
	startCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "minimum log level (trace, debug, info, warn, error)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "also log to this file")
}

func start(cmd *cobra.Command, args []string) error {
	if err := config.SetupLogger(logLevel, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "unable to setup logger: %v\n", err)
		return nil
	}

	registry, err := control.OpenRegistry(dbPath)
	if err != nil {
		log.Criticalf("Unable to open registry database: %s", err)
		return nil
	}
	defer registry.Close()

	// a missing directory still yields a usable empty store
	profiles, err := profile.NewStore(profilesDir)
	if err != nil {
		log.Warnf("No simulation profiles loaded: %v", err)
	}

	srv := control.NewServer(bindAddr, registry, profiles)
	if err := srv.Start(context.Background()); err != nil {
		log.Criticalf("Unable to start control plane: %s", err)
		return nil
	}
	log.Infof("Control plane listening on %s", srv.Addr())

	// Setup a channel to catch OS signals
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	// Block here until we receive the interrupt signal
	<-signalCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Warnf("Error stopping control plane: %v", err)
	}
	log.Info("See ya!")
	log.Flush()
	return nil
}

func main() {
	if err := serverCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}
