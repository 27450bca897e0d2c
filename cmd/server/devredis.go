package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/signalq/pkg/logger"
	"github.com/spf13/cobra"
)

func newDevRedisCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "devredis",
		Short: "Run an in-memory Redis for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := miniredis.NewMiniRedis()
			if err := s.StartAddr(addr); err != nil {
				return fmt.Errorf("start miniredis: %w", err)
			}
			defer s.Close()

			logger.Log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

			// Wait for interrupt signal to gracefully shutdown
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			logger.Log.Info().Msg("Shutting down MiniRedis...")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:6379", "listen address")
	return cmd
}
