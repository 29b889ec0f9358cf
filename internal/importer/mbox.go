package importer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailscope/mailscope/internal/mbox"
)

// ImportMbox imports one or more mbox files. Files are processed
// concurrently up to opts.Workers; within a file messages are ingested in
// order so replies can link to their thread root. A message that fails to
// ingest is counted and logged, not fatal to the run.
func (im *Importer) ImportMbox(ctx context.Context, paths []string, opts Options) (*Summary, error) {
	opts = opts.withDefaults()
	start := time.Now()
	var sum Summary

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, path := range paths {
		g.Go(func() error {
			return im.importOneMbox(ctx, path, opts, &sum)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sum.Duration = time.Since(start)
	opts.Logger.Info("mbox import finished",
		"files", len(paths),
		"processed", sum.Processed,
		"added", sum.Added,
		"duplicates", sum.Duplicates,
		"failed", sum.Failed,
		"duration", sum.Duration.Round(time.Millisecond))
	return &sum, nil
}

func (im *Importer) importOneMbox(ctx context.Context, path string, opts Options, sum *Summary) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer f.Close()

	// The file mtime stands in for messages without a parseable Date.
	fallback := time.Now().UTC()
	if fi, err := f.Stat(); err == nil {
		fallback = fi.ModTime().UTC()
	}

	r := mbox.NewReader(f, opts.MaxMessageBytes)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		atomic.AddInt64(&sum.Processed, 1)
		locator := fmt.Sprintf("mbox:%s:%d", path, msg.Offset)
		id, err := im.Ingest(msg.Raw, locator, fallback, opts)
		switch {
		case err != nil:
			atomic.AddInt64(&sum.Failed, 1)
			opts.Logger.Warn("message ingest failed", "locator", locator, "error", err)
		case id == 0:
			atomic.AddInt64(&sum.Duplicates, 1)
		default:
			atomic.AddInt64(&sum.Added, 1)
		}
	}
}
