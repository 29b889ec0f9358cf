package cmd

import (
	"fmt"
	"time"

	"github.com/mailscope/mailscope/internal/importer"
	"github.com/spf13/cobra"
)

var (
	importTags      []string
	importNamespace string
	importWorkers   int
)

var importCmd = &cobra.Command{
	Use:   "import <mbox-file> [<mbox-file>...]",
	Short: "Import messages from mbox files",
	Long: `Import messages from one or more mbox files into the archive.

Every imported message is tagged with the given tags; when a namespace
is set, the namespace catch-all tag is applied as well so the messages
land inside contexts bound to that namespace.

Examples:
  mailscope import ~/mail/archive.mbox
  mailscope import --tag inbox --namespace work work-2023.mbox
  mailscope import --tag inbox --tag newsletter *.mbox`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStores(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		workers := importWorkers
		if workers <= 0 {
			workers = cfg.Import.Workers
		}
		opts := importer.Options{
			Namespace:   importNamespace,
			Tags:        importTags,
			Workers:     workers,
			MaxKeywords: cfg.Import.MaxKeywords,
			MinWordLen:  cfg.Import.MinWordLen,
			Logger:      logger,
		}

		im := importer.New(s.dict, s.store, s.engine)
		summary, err := im.ImportMbox(cmd.Context(), args, opts)
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}

		if err := s.dict.Flush(); err != nil {
			return fmt.Errorf("flush term dictionary: %w", err)
		}
		if err := s.store.Sync(); err != nil {
			return fmt.Errorf("sync metadata log: %w", err)
		}

		fmt.Printf("Imported %d of %d messages in %s\n",
			summary.Added, summary.Processed, summary.Duration.Round(time.Millisecond))
		if summary.Duplicates > 0 {
			fmt.Printf("  Duplicates skipped: %d\n", summary.Duplicates)
		}
		if summary.Failed > 0 {
			fmt.Printf("  Failed:             %d\n", summary.Failed)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringArrayVar(&importTags, "tag", nil, "tag applied to every imported message (repeatable)")
	importCmd.Flags().StringVar(&importNamespace, "namespace", "", "tag namespace for the import")
	importCmd.Flags().IntVar(&importWorkers, "workers", 0, "parallel mbox files (default from config)")
	rootCmd.AddCommand(importCmd)
}
