package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tylerb/livesync/internal/dest"
	"github.com/tylerb/livesync/internal/source"
	"github.com/tylerb/livesync/internal/watermark"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Seed watermarks at the source's current position",
	Long: `Seed each stream's watermark at the source's current maximum ROWID.

Sync starts from "now": rows already in chat.db are not replayed, only
rows written after bootstrap are loaded. Streams that already have a
watermark are left untouched.

Running 'livesync run' or 'livesync sync' bootstraps automatically;
this command exists to do it explicitly, for example before a first
daemon start so its initial cycle is a no-op.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()

		db, err := dest.Open(cfg.Dest.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening destination database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

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

		for _, stream := range source.Streams {
			cursor, err := src.MaxCursor(ctx, stream)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading max ROWID for %s: %v\n", stream, err)
				os.Exit(1)
			}

			err = marks.Bootstrap(ctx, string(stream), cursor)
			if errors.Is(err, watermark.ErrAlreadyBootstrapped) {
				wm, loadErr := marks.Load(ctx, string(stream))
				if loadErr != nil {
					fmt.Fprintf(os.Stderr, "Error loading %s watermark: %v\n", stream, loadErr)
					os.Exit(1)
				}
				fmt.Printf("%s: already bootstrapped at ROWID %d\n", stream, wm.Cursor)
				continue
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error bootstrapping %s: %v\n", stream, err)
				os.Exit(1)
			}
			fmt.Printf("%s: bootstrapped at ROWID %d\n", stream, cursor)
		}
	},
}

func init() {
	rootCmd.AddCommand(bootstrapCmd)
}
