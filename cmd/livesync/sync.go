package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tylerb/livesync/internal/config"
	"github.com/tylerb/livesync/internal/dest"
	"github.com/tylerb/livesync/internal/etl"
	"github.com/tylerb/livesync/internal/source"
	"github.com/tylerb/livesync/internal/syncd"
	"github.com/tylerb/livesync/internal/watermark"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	Long: `Run a single sync cycle without starting the daemon.

The cycle drains each stream's backlog past its watermark, messages
before attachments, committing watermarks after each loaded batch.
Streams not yet bootstrapped are seeded at the source's current
maximum ROWID first.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		syncer, cleanup := newOneShotSyncer(cfg)
		defer cleanup()

		fmt.Printf("Syncing %s -> %s...\n", cfg.Source.Path, cfg.Dest.Path)
		start := time.Now()

		if err := syncer.SyncOnce(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		printStreamTotals(syncer.Status())
	},
}

// printStreamTotals prints per-stream progress after a cycle.
func printStreamTotals(status syncd.Status) {
	for _, st := range status.Streams {
		fmt.Printf("   %s: %d rows (through ROWID %d)\n", st.Stream, st.RowsSynced, st.Cursor)
	}
}

// newOneShotSyncer wires a syncer without a change detector for
// single-cycle commands. The returned cleanup closes both databases.
// Exits on any setup failure.
func newOneShotSyncer(cfg *config.Config) (*syncd.Syncer, func()) {
	ctx := context.Background()

	db, err := dest.Open(cfg.Dest.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening destination database: %v\n", err)
		os.Exit(1)
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}

	marks := watermark.NewStore(db.RawDB())
	if err := marks.Init(ctx); err != nil {
		db.Close()
		fmt.Fprintf(os.Stderr, "Error initializing watermark store: %v\n", err)
		os.Exit(1)
	}

	src, err := source.Open(cfg.Source.Path)
	if err != nil {
		db.Close()
		fmt.Fprintf(os.Stderr, "Error opening source database: %v\n", err)
		os.Exit(1)
	}

	syncer := syncd.New(src, marks, map[source.Stream]syncd.Transformer{
		source.StreamMessages:    etl.NewMessageTransformer(db, newLogger("[etl] ", cfg.Log)),
		source.StreamAttachments: etl.NewAttachmentTransformer(db, newLogger("[etl] ", cfg.Log)),
	}, nil, &syncd.Config{
		BatchCap: cfg.Sync.BatchCap,
		Logger:   newLogger("[sync] ", cfg.Log),
	})

	return syncer, func() {
		src.Close()
		db.Close()
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
