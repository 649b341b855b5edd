// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DataDog/gridmimic/pkg/agent"
	"github.com/DataDog/gridmimic/pkg/config"
	"github.com/DataDog/gridmimic/pkg/interaction"
	"github.com/DataDog/gridmimic/pkg/profile"
	"github.com/DataDog/gridmimic/pkg/util/log"
	"github.com/DataDog/gridmimic/pkg/version"
)

var (
	// agentCmd is the root command
	agentCmd = &cobra.Command{
		Use:   "gridmimic-agent [command]",
		Short: "Gridmimic honeypot node.",
		Long: `
The gridmimic agent emulates industrial PLCs (Modbus/TCP, S7comm) on this
host, records every interaction with them, and syncs with a gridmimic server
for commands, configuration, and log collection.`,
	}

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the agent",
		Long:  `Runs the agent in the foreground`,
		RunE:  start,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Gridmimic Agent %s - Commit: %s\n", version.AgentVersion, version.Commit)
		},
	}

	confPath    string
	dbPath      string
	profilesDir string
	logLevel    string
	logFile     string
)

func init() {
	// attach the command to the root
	agentCmd.AddCommand(startCmd)
	agentCmd.AddCommand(versionCmd)

	// local flags
	startCmd.Flags().StringVarP(&confPath, "config", "c", config.DefaultFileName, "path to the agent config file")
	startCmd.Flags().StringVar(&dbPath, "db", "client_logs.db", "path to the local interaction database")
	startCmd.Flags().StringVar(&profilesDir, "profiles", "profiles", "directory holding simulation profiles")
	startCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "minimum log level (trace, debug, info, warn, error)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "also log to this file")
}

func start(cmd *cobra.Command, args []string) error {
	if err := config.SetupLogger(logLevel, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "unable to setup logger: %v\n", err)
		return nil
	}

	cfg, err := config.Load(confPath)
	if err != nil {
		log.Criticalf("Unable to load config: %s", err)
		return nil
	}

	store, err := interaction.Open(dbPath)
	if err != nil {
		log.Criticalf("Unable to open interaction database: %s", err)
		return nil
	}
	defer store.Close()

	// a missing directory still yields a usable empty store
	profiles, err := profile.NewStore(profilesDir)
	if err != nil {
		log.Warnf("No simulation profiles loaded: %v", err)
	}

	runner := agent.New(cfg, confPath, store, profiles)
	runner.Start()

	// Setup a channel to catch OS signals
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	// Block here until we receive the interrupt signal
	<-signalCh

	runner.Stop()
	log.Info("See ya!")
	log.Flush()
	return nil
}

func main() {
	if err := agentCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}
