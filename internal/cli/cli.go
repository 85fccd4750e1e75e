// Package cli implements the command-line interface for autohisto.
package cli

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/eunmann/autohisto/pkg/eventfetch"
	"github.com/eunmann/autohisto/pkg/histo"
	"github.com/eunmann/autohisto/pkg/logging"
	"github.com/eunmann/autohisto/pkg/membudget"
	"github.com/eunmann/autohisto/pkg/records"
	"github.com/eunmann/autohisto/pkg/reduce"
	"github.com/eunmann/autohisto/pkg/resultio"
	"github.com/eunmann/autohisto/pkg/subagg"
)

// memBudgetEnv overrides the memory budget when --mem-budget is not given.
const memBudgetEnv = "AUTOHISTO_MEM_BUDGET"

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: autohisto <command> [options]\ncommands: aggregate, reduce, show")
	}

	switch args[0] {
	case "aggregate":
		return runAggregate(args[1:])
	case "reduce":
		return runReduce(args[1:])
	case "show":
		return runShow(args[1:])
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

type aggregateOptions struct {
	outDir        string
	manifestURI   string
	downloadDir   string
	concurrency   int
	targetBuckets int
	memBudget     string
	metric        bool
	deferred      bool
	spillDir      string
	maxBuffered   int
	batchLen      int
	tsCol         string
	metricCol     string
	debug         bool
	human         bool
	files         []string
}

func parseAggregateFlags(args []string) (*aggregateOptions, error) {
	fs := flag.NewFlagSet("aggregate", flag.ContinueOnError)
	opts := &aggregateOptions{}
	fs.StringVar(&opts.outDir, "out", "", "output directory for result files")
	fs.StringVar(&opts.manifestURI, "s3-manifest", "", "S3 URI of an event manifest.json to fetch inputs from")
	fs.StringVar(&opts.downloadDir, "download-dir", "", "local directory for fetched event files (default: temp dir)")
	fs.IntVar(&opts.concurrency, "concurrency", 4, "parallel S3 downloads")
	fs.IntVar(&opts.targetBuckets, "target-buckets", 50, "desired number of output buckets")
	fs.StringVar(&opts.memBudget, "mem-budget", "", "memory budget, e.g. 2GB (default: "+memBudgetEnv+" or system RAM)")
	fs.BoolVar(&opts.metric, "metric", false, "compute count/sum/min/max stats over the metric column")
	fs.BoolVar(&opts.deferred, "deferred", false, "defer metric collection until bucket boundaries settle")
	fs.StringVar(&opts.spillDir, "spill-dir", "", "directory for deferred spill runs (default: in-memory only)")
	fs.IntVar(&opts.maxBuffered, "max-buffered", 1_000_000, "deferred assignments held in memory before spilling")
	fs.IntVar(&opts.batchLen, "batch-len", 8192, "records per event batch")
	fs.StringVar(&opts.tsCol, "ts-col", "ts", "name of the timestamp column")
	fs.StringVar(&opts.metricCol, "metric-col", "metric", "name of the metric column")
	fs.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&opts.human, "human", false, "human-readable log output")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if opts.outDir == "" {
		return nil, errors.New("--out is required")
	}
	opts.files = fs.Args()
	if len(opts.files) == 0 && opts.manifestURI == "" {
		return nil, errors.New("at least one event file or --s3-manifest is required")
	}
	if opts.deferred && !opts.metric {
		return nil, errors.New("--deferred requires --metric")
	}

	return opts, nil
}

func runAggregate(args []string) error {
	opts, err := parseAggregateFlags(args)
	if err != nil {
		return err
	}

	logging.Init(opts.debug, opts.human)
	log := logging.WithPhase("aggregate")
	ctx := context.Background()
	start := time.Now()

	budget, err := resolveBudget(opts.memBudget)
	if err != nil {
		return err
	}

	files := opts.files
	if opts.manifestURI != "" {
		fetched, cleanup, err := fetchEvents(ctx, opts)
		if err != nil {
			return err
		}
		defer cleanup()
		files = append(files, fetched...)
	}

	sub, store := buildSub(opts)

	agg, err := histo.New(histo.Config{
		TargetBuckets: opts.targetBuckets,
		Budget:        budget,
		Sub:           sub,
	})
	if err != nil {
		return fmt.Errorf("create aggregator: %w", err)
	}
	defer agg.Close()

	if opts.deferred {
		if _, err := agg.EnableDeferred(histo.DeferredOptions{
			SpillDir:    opts.spillDir,
			MaxBuffered: opts.maxBuffered,
		}); err != nil {
			return fmt.Errorf("enable deferred mode: %w", err)
		}
	}

	totalRecords, err := collectFiles(agg, opts, files, store)
	if err != nil {
		return err
	}

	if opts.deferred {
		if err := agg.ReplayContext(ctx); err != nil {
			return fmt.Errorf("replay deferred records: %w", err)
		}
	}

	res, err := agg.BuildResult()
	if err != nil {
		return fmt.Errorf("build result: %w", err)
	}

	if err := resultio.Write(opts.outDir, res); err != nil {
		return fmt.Errorf("write results: %w", err)
	}

	logging.PhaseComplete(log, "aggregate", time.Since(start)).
		Int("files", len(files)).
		Int64("records", totalRecords).
		Int("buckets", len(res.Buckets)).
		Str("level", res.Ladder.At(res.LevelIndex).Rounding.Unit().String()).
		Int("escalations", agg.Escalations()).
		Log("aggregation complete")

	return nil
}

// buildSub chooses the sub-aggregation for the run. The returned metric
// store keeps per-record metric values so the stats sub-aggregation can
// look them up during both eager collection and deferred replay.
func buildSub(opts *aggregateOptions) (subagg.Aggregator, *metricStore) {
	if !opts.metric {
		return subagg.Noop{}, nil
	}
	store := newMetricStore()
	return subagg.NewStats(store.lookup), store
}

func collectFiles(agg *histo.Aggregator, opts *aggregateOptions, files []string, store *metricStore) (int64, error) {
	log := logging.WithPhase("collect")
	var base int64

	for _, path := range files {
		fileStart := time.Now()
		reader, err := records.OpenParquetEventsColumns(path, opts.batchLen, opts.tsCol, opts.metricCol)
		if err != nil {
			return 0, fmt.Errorf("open %s: %w", path, err)
		}

		fileRecords, err := collectBatches(agg, reader, &base, store)
		if closeErr := reader.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return 0, fmt.Errorf("collect %s: %w", path, err)
		}

		logging.BatchComplete(log, "collect", time.Since(fileStart)).
			Str("file", path).
			Int64("records", fileRecords).
			Log("event file collected")
	}

	return base, nil
}

func collectBatches(agg *histo.Aggregator, reader records.EventReader, base *int64, store *metricStore) (int64, error) {
	var fileRecords int64
	for {
		batch, err := reader.ReadBatch()
		if errors.Is(err, io.EOF) {
			return fileRecords, nil
		}
		if err != nil {
			return fileRecords, err
		}

		if store != nil {
			store.add(*base, batch)
		}

		collector := agg.BatchCollector(batch.Values(), *base)
		for i := range batch.Len() {
			if err := collector.Collect(i); err != nil {
				return fileRecords, err
			}
		}

		*base += int64(batch.Len())
		fileRecords += int64(batch.Len())
	}
}

func fetchEvents(ctx context.Context, opts *aggregateOptions) (files []string, cleanup func(), err error) {
	client, err := eventfetch.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create S3 client: %w", err)
	}

	downloadDir := opts.downloadDir
	keep := downloadDir != ""
	if downloadDir == "" {
		downloadDir, err = os.MkdirTemp("", "autohisto-events-*")
		if err != nil {
			return nil, nil, fmt.Errorf("create download dir: %w", err)
		}
	}

	fetcher := eventfetch.NewFetcher(client, eventfetch.FetchConfig{
		ManifestURI: opts.manifestURI,
		DownloadDir: downloadDir,
		Concurrency: opts.concurrency,
		KeepFiles:   keep,
	})

	res, err := fetcher.Fetch(ctx)
	if err != nil {
		fetcher.Cleanup()
		return nil, nil, fmt.Errorf("fetch events: %w", err)
	}

	return res.LocalFiles, func() { fetcher.Cleanup() }, nil
}

func resolveBudget(flagValue string) (*membudget.Budget, error) {
	spec, source := flagValue, membudget.BudgetSourceCLI
	if spec == "" {
		spec, source = os.Getenv(memBudgetEnv), membudget.BudgetSourceEnv
	}
	if spec == "" {
		return membudget.NewFromSystemRAM(), nil
	}
	bytes, err := membudget.ParseHumanSize(spec)
	if err != nil {
		return nil, fmt.Errorf("parse memory budget %q: %w", spec, err)
	}
	return membudget.New(membudget.Config{TotalBytes: bytes, Source: source}), nil
}

func runReduce(args []string) error {
	fs := flag.NewFlagSet("reduce", flag.ContinueOnError)
	outDir := fs.String("out", "", "output directory for the merged result")
	debug := fs.Bool("debug", false, "enable debug logging")
	human := fs.Bool("human", false, "human-readable log output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outDir == "" {
		return errors.New("--out is required")
	}
	dirs := fs.Args()
	if len(dirs) == 0 {
		return errors.New("at least one result directory is required")
	}

	logging.Init(*debug, *human)
	log := logging.WithPhase("reduce")
	start := time.Now()

	partitions := make([]*histo.Result, len(dirs))
	for i, dir := range dirs {
		res, err := resultio.Read(dir)
		if err != nil {
			return fmt.Errorf("read partition %s: %w", dir, err)
		}
		partitions[i] = res
	}

	merged, err := reduce.Merge(partitions)
	if err != nil {
		return fmt.Errorf("merge partitions: %w", err)
	}
	if err := reduce.Validate(merged); err != nil {
		return fmt.Errorf("validate merged result: %w", err)
	}

	if err := resultio.Write(*outDir, merged); err != nil {
		return fmt.Errorf("write merged result: %w", err)
	}

	logging.PhaseComplete(log, "reduce", time.Since(start)).
		Int("partitions", len(dirs)).
		Int("buckets", len(merged.Buckets)).
		Str("level", merged.Ladder.At(merged.LevelIndex).Rounding.Unit().String()).
		Log("reduction complete")

	return nil
}

func runShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	dir := fs.String("dir", "", "result directory written by aggregate")
	key := fs.String("key", "", "bucket key (UTC milliseconds) to look up")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return errors.New("--dir is required")
	}

	manifest, err := resultio.ReadManifest(*dir)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	if manifest == nil {
		return fmt.Errorf("no result manifest in %s", *dir)
	}

	fmt.Printf("level:        %s (index %d)\n", manifest.Level, manifest.LevelIndex)
	fmt.Printf("ladder:       %v\n", manifest.Ladder)
	fmt.Printf("buckets:      %d (target %d)\n", manifest.BucketCount, manifest.TargetBuckets)
	fmt.Printf("doc count:    %d\n", manifest.TotalDocCount)

	if *key != "" {
		return showKey(*dir, *key)
	}
	return nil
}

// showKey looks a single bucket key up through the result's minimal
// perfect hash index and prints its counts.
func showKey(dir, keyArg string) error {
	key, err := strconv.ParseInt(keyArg, 10, 64)
	if err != nil {
		return fmt.Errorf("parse key %q: %w", keyArg, err)
	}

	res, err := resultio.Read(dir)
	if err != nil {
		return fmt.Errorf("read result: %w", err)
	}
	keys := make([]int64, len(res.Buckets))
	for i, b := range res.Buckets {
		keys[i] = b.Key
	}

	ix, err := resultio.ReadKeyIndex(dir, keys)
	if err != nil {
		return fmt.Errorf("read key index: %w", err)
	}
	if ix == nil {
		fmt.Printf("key %d:       not present (empty result)\n", key)
		return nil
	}

	pos, ok := ix.Lookup(key)
	if !ok {
		fmt.Printf("key %d:       not present\n", key)
		return nil
	}

	// The index position is the MPHF ordinal, not the bucket's rank in
	// the sorted output; locate the bucket by its key.
	i, found := slices.BinarySearchFunc(res.Buckets, key, func(b histo.Bucket, k int64) int {
		return cmp.Compare(b.Key, k)
	})
	if !found {
		return fmt.Errorf("key index position %d has no bucket for key %d", pos, key)
	}
	b := res.Buckets[i]

	fmt.Printf("key %d:       %s\n", key, res.FormatKey(key))
	fmt.Printf("doc count:    %d\n", b.DocCount)
	if stats, ok := b.Sub.(subagg.StatsResult); ok && stats.Count > 0 {
		fmt.Printf("metric:       count=%d sum=%d min=%d max=%d\n",
			stats.Count, stats.Sum, stats.Min, stats.Max)
	}
	return nil
}

// metricStore accumulates metric values keyed by global record ID.
type metricStore struct {
	values map[int64]int64
}

func newMetricStore() *metricStore {
	return &metricStore{values: make(map[int64]int64)}
}

func (s *metricStore) add(base int64, batch *records.EventBatch) {
	for i := range batch.Len() {
		if i < len(batch.HasMetric) && batch.HasMetric[i] {
			s.values[base+int64(i)] = batch.Metrics[i]
		}
	}
}

func (s *metricStore) lookup(recordID int64) (int64, bool) {
	v, ok := s.values[recordID]
	return v, ok
}
