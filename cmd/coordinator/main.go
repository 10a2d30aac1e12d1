// Package main runs the development sync coordinator.
// Devices talk to it over REST and receive pushed changes on /sync/ws.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/legacyguard/stronghold/backend/internal/config"
	"github.com/legacyguard/stronghold/backend/internal/coordinator"
	"github.com/legacyguard/stronghold/backend/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	v := config.NewViper()
	var configPath string

	cmd := &cobra.Command{
		Use:          "coordinator",
		Short:        "Run the development sync coordinator",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(v, configPath)
			if err != nil {
				return err
			}
			closeLog := logging.Configure(logging.Options{
				Level:      logging.ParseLevel(cfg.Log.Level),
				Format:     cfg.Log.Format,
				File:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
				Out:        cmd.ErrOrStderr(),
			})
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flags.String("addr", "", "listen address")
	flags.String("token", "", "bearer token devices must present")
	_ = v.BindPFlag("coordinator.addr", flags.Lookup("addr"))
	_ = v.BindPFlag("remote.auth_token", flags.Lookup("token"))
	return cmd
}

// serve runs the coordinator until ctx is cancelled, then drains connections.
func serve(ctx context.Context, cfg *config.Config) error {
	srv := coordinator.New(cfg.Remote.AuthToken)
	httpServer := &http.Server{
		Addr:              cfg.Coordinator.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("Coordinator listening", map[string]interface{}{
			"addr": cfg.Coordinator.Addr,
			"auth": cfg.Remote.AuthToken != "",
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down coordinator", nil)
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
