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

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Display the current state of the analytics database.

Shows:
  - Database file location and size
  - Number of loaded messages and attachments
  - Per-stream watermark position and lag behind the source`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()

		info, err := os.Stat(cfg.Dest.Path)
		if os.IsNotExist(err) {
			fmt.Println("Analytics database not initialized")
			fmt.Println("Run 'livesync sync' or 'livesync run' to create it")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking database: %v\n", err)
			os.Exit(1)
		}

		db, err := dest.Open(cfg.Dest.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		messages, err := db.MessageCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting messages: %v\n", err)
			os.Exit(1)
		}
		attachments, err := db.AttachmentCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting attachments: %v\n", err)
			os.Exit(1)
		}

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\nLivesync Status\n\n")
		fmt.Printf("Database: %s\n", cfg.Dest.Path)
		fmt.Printf("Size: %s\n", sizeStr)
		fmt.Printf("Messages: %d\n", messages)
		fmt.Printf("Attachments: %d\n", attachments)
		fmt.Printf("Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
		fmt.Println()

		marks := watermark.NewStore(db.RawDB())

		// Source lag is best-effort; the source may be unreachable from
		// where status runs.
		src, srcErr := source.Open(cfg.Source.Path)
		if src != nil {
			defer src.Close()
		}

		for _, stream := range source.Streams {
			wm, err := marks.Load(ctx, string(stream))
			if errors.Is(err, watermark.ErrNotBootstrapped) {
				fmt.Printf("%s: not bootstrapped\n", stream)
				continue
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading %s watermark: %v\n", stream, err)
				os.Exit(1)
			}

			line := fmt.Sprintf("%s: watermark %d (committed %s)",
				stream, wm.Cursor, wm.UpdatedAt.Format("2006-01-02 15:04:05"))
			if srcErr == nil {
				if srcMax, err := src.MaxCursor(ctx, stream); err == nil {
					line += fmt.Sprintf(", %d rows behind source", srcMax-wm.Cursor)
				}
			}
			fmt.Println(line)
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
