package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/sessioncache/plugin/ai/timeout"
	"github.com/hrygo/sessioncache/server"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Recover persisted sessions and serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProfile(v)
			if err != nil {
				return err
			}
			logger := newLogger(p)
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			s, err := openStore(ctx, p)
			if err != nil {
				return err
			}

			srv, err := server.NewServer(p, s, logger)
			if err != nil {
				_ = s.Close()
				return err
			}
			if err := srv.Start(ctx); err != nil {
				srv.Shutdown(context.Background())
				return err
			}

			<-ctx.Done()

			// The signal context is done; shutdown gets its own deadline.
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout.ShutdownTimeout)
			defer shutdownCancel()
			srv.Shutdown(shutdownCtx)
			return nil
		},
	}
}
