package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	blobcache "github.com/meigma/blobcache"
	"github.com/meigma/blobcache/decode"
	"github.com/meigma/blobcache/ref"
)

func newGetCmd(configPath *string) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "get ID...",
		Short: "Load blobs, fetching missing ones from the mirror",
		Long: `get loads every identifier concurrently. Blobs found in the repository are
read locally; missing blobs are requested from the configured mirror and
stored in the repository once verified.

With --out each blob is written to <out>/<hex>.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]ref.ID, 0, len(args))
			for _, arg := range args {
				id, err := ref.Parse(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd, *configPath)
			if err != nil {
				return err
			}
			defer e.close()

			stopMetrics, err := e.serveMetrics(ctx)
			if err != nil {
				return err
			}
			defer stopMetrics()

			l, err := blobcache.New(e.repo, decode.Bytes, e.loaderOptions()...)
			if err != nil {
				return err
			}
			defer l.Close()

			if outDir != "" {
				if err := os.MkdirAll(outDir, 0o755); err != nil {
					return err
				}
			}
			return getAll(ctx, cmd, l, ids, e.cfg, outDir)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&outDir, "out", "o", "", "write blobs into this directory")
	f.String("mirror", "", "HTTP mirror base URL")
	f.String("s3-bucket", "", "S3 mirror bucket")
	f.String("s3-prefix", "", "S3 mirror key prefix")
	f.String("s3-endpoint", "", "S3 endpoint for MinIO or LocalStack")
	f.String("s3-region", "", "S3 region")
	f.Int("concurrency", 0, "maximum concurrent loads")
	f.Duration("timeout", 0, "per-blob timeout")
	f.Int("retry-limit", 0, "local fetch attempts per blob")
	f.Duration("retry-unit", 0, "backoff unit multiplied by attempts squared")
	f.String("metrics", "", "serve Prometheus metrics on this address")
	return cmd
}

func getAll(ctx context.Context, cmd *cobra.Command, l *blobcache.Loader[[]byte], ids []ref.ID, cfg *Config, outDir string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)

	var mu sync.Mutex

	for _, id := range ids {
		g.Go(func() error {
			getCtx := ctx
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				getCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
				defer cancel()
			}
			data, err := l.Get(getCtx, id)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			if outDir != "" {
				if err := os.WriteFile(filepath.Join(outDir, id.Hex()), data, 0o644); err != nil {
					return err
				}
			}
			mu.Lock()
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", id, len(data))
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}
