package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show archive statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStores(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		grants, err := openGrants()
		if err != nil {
			return err
		}
		contexts, err := openContexts()
		if err != nil {
			return err
		}

		fmt.Printf("Data directory: %s\n", cfg.Data.DataDir)
		fmt.Printf("  Messages:  %d\n", s.store.Count())
		fmt.Printf("  Indexed:   %d\n", s.engine.Universe().Len())
		fmt.Printf("  Terms:     %d\n", s.dict.Len())
		fmt.Printf("  Contexts:  %d\n", len(contexts.List()))
		fmt.Printf("  Grants:    %d\n", len(grants.List()))
		fmt.Printf("  Metadata log:    %s\n", fileSize(cfg.MetaLogPath()))
		fmt.Printf("  Term dictionary: %s\n", fileSize(cfg.DictPath()))
		return nil
	},
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "0 B"
	}
	size := info.Size()
	switch {
	case size >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(size)/(1<<20))
	case size >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(size)/(1<<10))
	}
	return fmt.Sprintf("%d B", size)
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
