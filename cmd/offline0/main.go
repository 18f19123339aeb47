package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"offline0/internal/logger"
	"offline0/internal/offline0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("OFFLINE0")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "offline0",
		Short:         "Offline-resilience proxy: cache-first/network-first serving and a durable mutation outbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "/offline0.yaml", "path to offline0.yaml (env OFFLINE0_CONFIG)")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	serve := newServeCmd(v)
	root.AddCommand(serve, newOutboxCmd(v), newCacheCmd(v))
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

// loadConfig reads the config file named by --config / OFFLINE0_CONFIG and
// applies logging settings.
func loadConfig(v *viper.Viper) (offline0.Config, error) {
	path := v.GetString("config")
	cfg, err := offline0.LoadConfig(path)
	if err != nil {
		return offline0.Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if l := v.GetString("listen"); l != "" {
		cfg.Server.Listen = l
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return offline0.Config{}, err
	}
	return cfg, nil
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("listen", "", "listen address, overrides server.listen (env OFFLINE0_LISTEN)")
	_ = v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	return cmd
}

func serve(parent context.Context, cfg offline0.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := offline0.NewService(cfg)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("offline0 listening", "addr", cfg.Server.Listen, "origin", cfg.Server.Origin, logger.KeyGeneration, cfg.Generation)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", logger.Err(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
