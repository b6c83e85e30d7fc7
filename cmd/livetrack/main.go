package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/codewiresh/livetrack/internal/config"
)

var (
	dataDirFlag string
	urlFlag     string
	outputFlag  string
	verboseFlag bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "livetrack",
		Short: "Session tracker for live, connected peers",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verboseFlag {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.SetGlobalNormalizationFunc(normalizeFlag)
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (default: ~/.livetrack)")
	rootCmd.PersistentFlags().StringVarP(&urlFlag, "url", "u", "", "Tracker URL (default from tracker.toml)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "", "Output format: table, json, yaml (default: table on a terminal, json otherwise)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(
		serveCmd(),
		connectCmd(),
		sessionsCmd(),
		statusCmd(),
		historyCmd(),
		resetCmd(),
		sandboxCmd(),
		evalCmd(),
		replCmd(),
		serverCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// normalizeFlag accepts the snake_case spelling of tracker.toml keys, so
// --session_grace works like --session-grace.
func normalizeFlag(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func dataDir() string {
	if dataDirFlag != "" {
		return dataDirFlag
	}
	if v := os.Getenv("LIVETRACK_DATA_DIR"); v != "" {
		return v
	}
	home := os.Getenv("HOME")
	if home == "" {
		fmt.Fprintln(os.Stderr, "[livetrack] WARNING: $HOME is not set, using /tmp/.livetrack")
		return "/tmp/.livetrack"
	}
	return filepath.Join(home, ".livetrack")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(dataDir())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if urlFlag != "" {
		cfg.Client.URL = urlFlag
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(what string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintf(os.Stderr, "[livetrack] %s shutting down...\n", what)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
