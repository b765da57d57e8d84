package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/ssau-fiit/cloudocs-relay/config"
	"github.com/ssau-fiit/cloudocs-relay/database"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "WebSocket relay for collaborative text documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func serveCmd() *cobra.Command {
	cfg := config.Load()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := cfg.SetupLogging(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := serve(ctx, cfg); err != nil {
				log.Error().Err(err).Msg("relay stopped")
				return err
			}
			return nil
		},
	}
	bindFlags(cmd.Flags(), &cfg)
	return cmd
}

func bindFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to listen on")
	fs.StringVar(&cfg.RoomPrefix, "room-prefix", cfg.RoomPrefix, "path prefix stripped from room names")
	fs.DurationVar(&cfg.AwarenessTimeout, "awareness-timeout", cfg.AwarenessTimeout, "presence entries expire after this long without a refresh")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "how often expired presence is swept")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "outbound frames buffered per session")
	fs.IntVar(&cfg.MaxPending, "max-pending", cfg.MaxPending, "operations a session may have buffered while they wait for dependencies")
	fs.DurationVar(&cfg.PendingTimeout, "pending-timeout", cfg.PendingTimeout, "how long buffered operations may wait before their session is dropped")
	fs.Int64Var(&cfg.ReadLimit, "read-limit", cfg.ReadLimit, "maximum inbound frame size in bytes")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "keepalive ping interval")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "deadline for a single frame write")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: auto, json or console")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address, empty disables persistence")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "redis database")
}

func serve(ctx context.Context, cfg config.Config) error {
	var store *database.Store
	if cfg.RedisAddr != "" {
		var err error
		store, err = database.Open(ctx, database.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return err
		}
		defer store.Close()
	}

	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	s := newServer(cfg, store)
	defer s.close()

	go s.registry.RunSweeper(s.ctx, cfg.SweepInterval, cfg.AwarenessTimeout)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.router(),
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("version", version).Msg("relay listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
