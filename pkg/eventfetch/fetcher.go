package eventfetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eunmann/autohisto/internal/logctx"
	"github.com/eunmann/autohisto/pkg/logging"
)

// FetchConfig configures the event fetch operation.
type FetchConfig struct {
	// ManifestURI is the S3 URI to the manifest.json file.
	ManifestURI string
	// DownloadDir is the local directory to download event files to.
	DownloadDir string
	// Concurrency is the number of parallel downloads (default: 4).
	Concurrency int
	// KeepFiles if true, don't delete downloaded files after processing.
	KeepFiles bool
}

// FetchResult contains the results of fetching event files.
type FetchResult struct {
	// Manifest is the parsed manifest.
	Manifest *Manifest
	// LocalFiles are the paths to downloaded event files, in manifest order.
	LocalFiles []string
	// BytesDownloaded is the total bytes downloaded.
	BytesDownloaded int64
}

// Fetcher downloads event batch files listed in a manifest.
type Fetcher struct {
	client     *Client
	downloader *Downloader
	cfg        FetchConfig
}

// NewFetcher creates a new event fetcher.
func NewFetcher(client *Client, cfg FetchConfig) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Fetcher{
		client:     client,
		downloader: NewDownloader(client.s3Client, DefaultDownloaderConfig()),
		cfg:        cfg,
	}
}

// Fetch downloads the manifest and all event files.
func (f *Fetcher) Fetch(ctx context.Context) (*FetchResult, error) {
	start := time.Now()
	log := logging.WithPhase("fetch")

	bucket, key, err := ParseS3URI(f.cfg.ManifestURI)
	if err != nil {
		return nil, fmt.Errorf("parse manifest URI: %w", err)
	}

	manifest, err := f.client.FetchManifest(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}

	if err := os.MkdirAll(f.cfg.DownloadDir, 0755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	localFiles, bytes, err := f.downloadFiles(ctx, bucket, manifest, log)
	if err != nil {
		return nil, fmt.Errorf("download event files: %w", err)
	}

	logging.PhaseComplete(log, "fetch", time.Since(start)).
		Int("files", len(localFiles)).
		Bytes("bytes", bytes).
		Throughput(bytes).
		Log("event files fetched")

	return &FetchResult{
		Manifest:        manifest,
		LocalFiles:      localFiles,
		BytesDownloaded: bytes,
	}, nil
}

func (f *Fetcher) downloadFiles(ctx context.Context, bucket string, manifest *Manifest, log zerolog.Logger) ([]string, int64, error) {
	localFiles := make([]string, len(manifest.Files))
	var mu sync.Mutex
	var totalBytes int64

	tracker := logging.NewProgressTracker("fetch", int64(len(manifest.Files)), log)

	g, ctx := errgroup.WithContext(logctx.WithLogger(ctx, log))
	g.SetLimit(f.cfg.Concurrency)

	for i, file := range manifest.Files {
		g.Go(func() error {
			fileCtx := logctx.WithStr(ctx, "key", file.Key)
			localPath := filepath.Join(f.cfg.DownloadDir, sanitizeFilename(file.Key))

			res, err := f.downloader.DownloadToFile(fileCtx, bucket, file.Key, localPath)
			if err != nil {
				return fmt.Errorf("download %s: %w", file.Key, err)
			}
			tracker.RecordCompletion(res.Duration)
			fileLog := logctx.FromContext(fileCtx)
			fileLog.Debug().
				Int64("bytes", res.BytesDownloaded).
				Dur("duration", res.Duration).
				Msg("event file downloaded")

			mu.Lock()
			localFiles[i] = localPath
			totalBytes += res.BytesDownloaded
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, fmt.Errorf("wait for downloads: %w", err)
	}

	return localFiles, totalBytes, nil
}

// Cleanup removes downloaded files.
func (f *Fetcher) Cleanup() error {
	if f.cfg.KeepFiles {
		return nil
	}
	return os.RemoveAll(f.cfg.DownloadDir)
}

// sanitizeFilename converts an S3 key to a safe local filename.
func sanitizeFilename(key string) string {
	return filepath.Base(key)
}
