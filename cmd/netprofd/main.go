package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/netprofiles/netprofd/service"
)

// Version is set at build time.
var Version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:   "netprofd",
		Short: "Privileged network profile switching daemon",
		RunE:  runService,

		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configDir    string
	dataDir      string
	logLevel     string
	evalInterval int
)

func init() {
	rootCmd.Flags().StringVar(&configDir, "config-dir", "", "set directory for configuration (default /etc/netprofd)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "set directory for variable data (default /var/lib/netprofd)")
	rootCmd.Flags().StringVar(&logLevel, "log", "", "set log level to [debug|info|warn|error]")
	rootCmd.Flags().IntVar(&evalInterval, "eval-interval", 0, "rule evaluation interval in seconds")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("netprofd", Version)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runService(cmd *cobra.Command, args []string) error {
	svcCfg := &service.ServiceConfig{
		ConfigDir:           configDir,
		DataDir:             dataDir,
		LogLevel:            logLevel,
		EvalIntervalSeconds: evalInterval,
	}
	if err := svcCfg.Init(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	if err := svcCfg.LoadConfigFile(); err != nil {
		return err
	}

	setupLogging(svcCfg.LogLevel)

	instance, err := service.New(Version, svcCfg)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	if err := instance.Start(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	slog.Info("netprofd started", "version", Version)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	sig := <-signals
	slog.Info("shutting down", "signal", sig.String())

	if err := instance.Stop(); err != nil {
		slog.Error("shutdown failed", "err", err)
		return err
	}
	return nil
}

func setupLogging(level string) {
	slogLevel := slog.LevelInfo
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	}

	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slogLevel,
		TimeFormat: time.Kitchen,
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(handler))
	slog.SetLogLoggerLevel(slogLevel)
}
