// Command livesync keeps an analytics SQLite database synced with the
// macOS Messages chat.db by watching its WAL file for changes.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tylerb/livesync/internal/config"
)

var version = "0.2.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "livesync",
	Short: "Incremental chat.db to analytics database sync",
	Long: `livesync keeps a local analytics database in sync with the live
Messages database (chat.db) without ever writing to it.

It watches the chat.db WAL file for changes, extracts new rows past a
per-stream watermark, transforms them (reaction splitting, identifier
normalization, Apple epoch timestamps), and loads them idempotently.

Configuration is read from ~/.livesync/livesync.yaml (or --config) and
LIVESYNC_* environment variables.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default ~/.livesync/livesync.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and validates configuration, exiting on failure.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// newLogger builds a prefixed logger, teeing to a rotating log file
// when one is configured.
func newLogger(prefix string, logCfg config.LogConfig) *log.Logger {
	w := io.Writer(os.Stderr)
	if logCfg.File != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logCfg.File,
			MaxSize:    logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
			MaxAge:     logCfg.MaxAgeDays,
		})
	}
	return log.New(w, prefix, log.LstdFlags)
}
