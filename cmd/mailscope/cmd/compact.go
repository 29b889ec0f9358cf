package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compact the metadata log",
	Long: `Rewrite the metadata log keeping only the latest version of each
message. Tag changes append new versions rather than rewriting old
ones, so a long-lived archive accumulates stale versions until
compaction reclaims them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		beforeSize := logSize(cfg.MetaLogPath())
		before := fileSize(cfg.MetaLogPath())

		s, err := openStores(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.store.Compact(); err != nil {
			return fmt.Errorf("compact: %w", err)
		}

		afterSize := logSize(cfg.MetaLogPath())
		fmt.Printf("Compacted metadata log: %s -> %s\n", before, fileSize(cfg.MetaLogPath()))
		if beforeSize > afterSize {
			fmt.Printf("  Reclaimed %d bytes\n", beforeSize-afterSize)
		}
		return nil
	},
}

func logSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func init() {
	rootCmd.AddCommand(compactCmd)
}
