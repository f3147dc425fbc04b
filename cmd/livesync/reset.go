package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/tylerb/livesync/internal/dest"
	"github.com/tylerb/livesync/internal/source"
	"github.com/tylerb/livesync/internal/watermark"
)

var resetCmd = &cobra.Command{
	Use:   "reset [stream]",
	Short: "Delete a stream's watermark",
	Long: `Delete the watermark for one stream, or all streams.

The next sync re-bootstraps the stream at the source's current maximum
ROWID. Rows already loaded into the analytics database are kept; loads
are idempotent, so a reset never duplicates them.

Examples:
  livesync reset messages      # reset the messages stream
  livesync reset --all         # reset every stream`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")

		var streams []source.Stream
		switch {
		case all && len(args) > 0:
			fmt.Fprintf(os.Stderr, "Error: --all cannot be combined with a stream name\n")
			os.Exit(1)
		case all:
			streams = source.Streams
		case len(args) == 1:
			stream := source.Stream(args[0])
			if !slices.Contains(source.Streams, stream) {
				fmt.Fprintf(os.Stderr, "Error: unknown stream %q (streams: %v)\n", args[0], source.Streams)
				os.Exit(1)
			}
			streams = []source.Stream{stream}
		default:
			fmt.Fprintf(os.Stderr, "Error: name a stream or pass --all\n")
			os.Exit(1)
		}

		cfg := loadConfig()
		ctx := context.Background()

		db, err := dest.Open(cfg.Dest.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening destination database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		marks := watermark.NewStore(db.RawDB())
		if err := marks.Init(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing watermark store: %v\n", err)
			os.Exit(1)
		}

		for _, stream := range streams {
			if err := marks.Reset(ctx, string(stream)); err != nil {
				fmt.Fprintf(os.Stderr, "Error resetting %s: %v\n", stream, err)
				os.Exit(1)
			}
			fmt.Printf("%s: watermark cleared\n", stream)
		}
	},
}

func init() {
	resetCmd.Flags().Bool("all", false, "Reset every stream")
	rootCmd.AddCommand(resetCmd)
}
