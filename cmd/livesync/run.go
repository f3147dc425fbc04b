package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tylerb/livesync/internal/dashboard"
	"github.com/tylerb/livesync/internal/dest"
	"github.com/tylerb/livesync/internal/detector"
	"github.com/tylerb/livesync/internal/etl"
	"github.com/tylerb/livesync/internal/source"
	"github.com/tylerb/livesync/internal/syncd"
	"github.com/tylerb/livesync/internal/watermark"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the live sync daemon in foreground mode.

The daemon will:
  1. Watch the chat.db WAL file for changes
  2. Debounce write bursts into single sync triggers
  3. Extract rows past each stream's watermark, messages before attachments
  4. Transform and load them into the analytics database
  5. Commit watermarks only after a batch loads successfully

Streams not yet bootstrapped are seeded at the source's current
maximum ROWID on the first cycle; historical rows are not replayed.
Pass --backfill to seed fresh streams at ROWID 0 instead, importing
the entire history through the normal batch path.

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		backfill, _ := cmd.Flags().GetBool("backfill")
		cfg := loadConfig()
		logger := newLogger("[livesync] ", cfg.Log)

		db, err := dest.Open(cfg.Dest.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening destination database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := db.InitSchema(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}

		marks := watermark.NewStore(db.RawDB())
		if err := marks.Init(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing watermark store: %v\n", err)
			os.Exit(1)
		}

		src, err := source.Open(cfg.Source.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening source database: %v\n", err)
			os.Exit(1)
		}
		defer src.Close()

		if backfill {
			// Fresh streams start at zero so the first cycles walk the
			// full history. Already-bootstrapped streams are untouched.
			for _, stream := range source.Streams {
				err := marks.Bootstrap(ctx, string(stream), 0)
				if err != nil && !errors.Is(err, watermark.ErrAlreadyBootstrapped) {
					fmt.Fprintf(os.Stderr, "Error seeding %s for backfill: %v\n", stream, err)
					os.Exit(1)
				}
			}
		}

		notifier, err := detector.NewNotifier()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating file watcher: %v\n", err)
			os.Exit(1)
		}

		det := detector.New(notifier, []string{src.Path(), src.WALPath()}, &detector.Config{
			QuietPeriod:      cfg.Sync.QuietPeriod,
			MaxCoalesce:      cfg.Sync.MaxCoalesce,
			FallbackInterval: cfg.Sync.FallbackInterval,
			Logger:           newLogger("[detector] ", cfg.Log),
		})

		syncConfig := &syncd.Config{
			BatchCap: cfg.Sync.BatchCap,
			Logger:   newLogger("[sync] ", cfg.Log),
		}

		var dash *dashboard.Server
		if cfg.Dashboard.Enabled {
			dash = dashboard.NewServer(&dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: newLogger("[dashboard] ", cfg.Log),
			})
			if err := dash.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			defer dash.Stop()
			syncConfig.Listener = dashboard.NewHandler(dash, newLogger("[dashboard] ", cfg.Log))
			fmt.Printf("Dashboard: ws://localhost:%d/ws\n", cfg.Dashboard.Port)
		}

		syncer := syncd.New(src, marks, map[source.Stream]syncd.Transformer{
			source.StreamMessages:    etl.NewMessageTransformer(db, newLogger("[etl] ", cfg.Log)),
			source.StreamAttachments: etl.NewAttachmentTransformer(db, newLogger("[etl] ", cfg.Log)),
		}, det, syncConfig)

		if err := syncer.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting syncer: %v\n", err)
			os.Exit(1)
		}

		logger.Printf("Watching %s", src.WALPath())
		fmt.Printf("Syncing %s -> %s\n", cfg.Source.Path, cfg.Dest.Path)
		fmt.Println("Press Ctrl+C to stop")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		syncer.Stop()
		printStreamTotals(syncer.Status())
	},
}

func init() {
	runCmd.Flags().Bool("backfill", false,
		"Seed fresh streams at ROWID 0 and import full history")
	rootCmd.AddCommand(runCmd)
}
