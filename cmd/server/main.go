// Package main implements the signalq server.
//
// Commands:
//
//	serve     - accept alert webhooks and dispatch them through the priority scheduler
//	devredis  - run an in-memory Redis for local development
//
// Usage:
//
//	go run ./cmd/server serve --config config.yaml
//	go run ./cmd/server devredis --addr 127.0.0.1:6379
//
// Configuration comes from an optional YAML file, then .env and the
// environment, then command-line flags.
package main

import (
	"os"

	"github.com/guido-cesarano/signalq/pkg/logger"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "signalq",
	Short:         "Trade-signal dispatcher with a priority task scheduler",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(newServeCmd(), newDevRedisCmd())
	if err := rootCmd.Execute(); err != nil {
		logger.Log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
