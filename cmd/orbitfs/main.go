package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbitfs/orbitfs/pkg/boot"
)

var version = "0.0.1-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "orbitfs",
		Short:        "orbitfs is a distributed S3-compatible object storage server",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		logJSON    bool
		grace      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the object storage server",
		Long: "Serve runs the full bootstrap sequence and blocks until SIGINT or\n" +
			"SIGTERM, then tears the server down in order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logJSON, grace)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file (default chosen by ENVIRONMENT)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	cmd.Flags().DurationVar(&grace, "shutdown-grace", time.Second, "pause before the process reports Stopped")
	return cmd
}

func serve(configPath string, logJSON bool, grace time.Duration) error {
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	log := slog.New(handler)
	slog.SetDefault(log)

	if configPath == "" {
		configPath = os.Getenv("ORBITFS_CONFIG")
	}

	app := boot.NewApp(context.Background(), log, version)
	co := &boot.Coordinator{Grace: grace}

	rt, err := boot.Run(context.Background(), app, boot.RunOptions{ConfigPath: configPath})
	if err != nil {
		log.Error("bootstrap failed", slog.String("error", err.Error()))
		_ = co.Shutdown(rt)
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("signal received", slog.String("signal", sig.String()))

	if err := co.Shutdown(rt); err != nil {
		log.Error("shutdown finished with failures", slog.String("error", err.Error()))
	}
	return nil
}
