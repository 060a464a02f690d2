package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	nethttp "net/http"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	blobcache "github.com/meigma/blobcache"
	"github.com/meigma/blobcache/engine"
	blobhttp "github.com/meigma/blobcache/http"
	"github.com/meigma/blobcache/metrics"
	blobs3 "github.com/meigma/blobcache/s3"
	"github.com/meigma/blobcache/store/disk"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "blobfetch",
		Short: "Fetch content-addressed blobs into a local repository",
		Long: `blobfetch resolves blob identifiers ("&<base64 sha256>=.sha256") against a
local repository and, when a blob is missing, against an HTTP or S3 mirror.

Configuration is read from --config, BLOBFETCH_* environment variables
(for example BLOBFETCH_MIRROR_URL) and flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "YAML config file")
	pf.String("dir", "", "repository directory")
	pf.Bool("compress", false, "store new blobs zstd compressed")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (text, json)")

	root.AddCommand(
		newGetCmd(&configPath),
		newIDCmd(&configPath),
		newPruneCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

// env holds the objects shared by commands that touch the repository.
type env struct {
	cfg     *Config
	logger  *slog.Logger
	repo    *disk.Repo
	mirror  engine.Mirror
	metrics *metrics.Metrics
	reg     *prometheus.Registry
}

func openEnv(ctx context.Context, cmd *cobra.Command, configPath string) (*env, error) {
	cfg, err := loadConfig(configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger := cfg.newLogger()

	var repoOpts []disk.Option
	repoOpts = append(repoOpts, disk.WithLogger(logger))
	if cfg.Compress {
		repoOpts = append(repoOpts, disk.WithCompression(zstd.SpeedDefault))
	}
	repo, err := disk.New(cfg.Dir, repoOpts...)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	e := &env{cfg: cfg, logger: logger, repo: repo}
	e.mirror, err = newMirror(ctx, cfg)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	if cfg.Metrics.Addr != "" {
		e.reg = prometheus.NewRegistry()
		e.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		e.metrics = metrics.New(e.reg)
	}
	return e, nil
}

func newMirror(ctx context.Context, cfg *Config) (engine.Mirror, error) {
	switch {
	case cfg.Mirror.URL != "":
		return blobhttp.NewMirror(cfg.Mirror.URL, blobhttp.WithMaxBytes(cfg.Mirror.MaxBytes))
	case cfg.Mirror.S3.Bucket != "":
		s3cfg := blobs3.Config{
			Bucket:          cfg.Mirror.S3.Bucket,
			Prefix:          cfg.Mirror.S3.Prefix,
			Region:          cfg.Mirror.S3.Region,
			Endpoint:        cfg.Mirror.S3.Endpoint,
			AccessKeyID:     cfg.Mirror.S3.AccessKeyID,
			SecretAccessKey: cfg.Mirror.S3.SecretAccessKey,
		}
		client, err := blobs3.NewClient(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		return blobs3.New(client, s3cfg, blobs3.WithMaxBytes(cfg.Mirror.MaxBytes))
	default:
		return nil, nil
	}
}

func (e *env) loaderOptions() []blobcache.Option {
	opts := []blobcache.Option{
		blobcache.WithMaxBytes(e.cfg.Cache.MaxBytes),
		blobcache.WithMinBytes(e.cfg.Cache.MinBytes),
		blobcache.WithRetryLimit(e.cfg.Retry.Limit),
		blobcache.WithBackoffUnit(e.cfg.Retry.Unit),
		blobcache.WithArrivals(e.repo),
		blobcache.WithLogger(e.logger),
		blobcache.WithMetrics(e.metrics),
	}
	if e.mirror != nil {
		opts = append(opts, blobcache.WithMirror(e.mirror))
	}
	return opts
}

// serveMetrics exposes the registry until ctx ends.
func (e *env) serveMetrics(ctx context.Context) (func(), error) {
	if e.reg == nil {
		return func() {}, nil
	}
	ln, err := net.Listen("tcp", e.cfg.Metrics.Addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{}))
	srv := &nethttp.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			e.logger.Warn("metrics server stopped", "error", err)
		}
	}()
	e.logger.Info("serving metrics", "addr", ln.Addr().String())
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

func (e *env) close() {
	if err := e.repo.Close(); err != nil {
		e.logger.Warn("closing repository", "error", err)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "blobfetch %s (commit %s)\n", version, commit)
		},
	}
}
