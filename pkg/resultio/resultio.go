// Package resultio serializes final histogram results to an output
// directory.
//
// Layout:
//
//	buckets.parquet: one row per bucket, ascending by key
//	manifest.json:   ladder/level metadata for cross-partition reduction
//	keys.mph:        minimal perfect hash over bucket keys (absent if empty)
//
// Files are written with tmp+rename semantics so a failed write never
// leaves a partially written file behind.
package resultio

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/eunmann/autohisto/pkg/histo"
	"github.com/eunmann/autohisto/pkg/keyindex"
	"github.com/eunmann/autohisto/pkg/logging"
	"github.com/eunmann/autohisto/pkg/rounding"
	"github.com/eunmann/autohisto/pkg/subagg"
)

const (
	bucketsFile  = "buckets.parquet"
	manifestFile = "manifest.json"
	keysFile     = "keys.mph"
)

// BucketRow is the parquet row schema for one bucket. Metric columns are
// zero when the execution ran without a stats sub-aggregation.
type BucketRow struct {
	Key         int64  `parquet:"key"`
	KeyFmt      string `parquet:"key_fmt"`
	DocCount    int64  `parquet:"doc_count"`
	MetricCount int64  `parquet:"metric_count"`
	MetricSum   int64  `parquet:"metric_sum"`
	MetricMin   int64  `parquet:"metric_min"`
	MetricMax   int64  `parquet:"metric_max"`
}

// Manifest carries the result metadata required by the external reduction
// step to align rounding levels across partitions.
type Manifest struct {
	TargetBuckets int      `json:"target_buckets"`
	LevelIndex    int      `json:"level_index"`
	Level         string   `json:"level"`
	Ladder        []string `json:"ladder"`
	// LadderMultipliers are the per-level escalation multipliers, parallel
	// to Ladder, so a reduction process can rebuild the shared ladder.
	LadderMultipliers []int `json:"ladder_multipliers"`
	BucketCount       int   `json:"bucket_count"`
	TotalDocCount     int64 `json:"total_doc_count"`
}

// RoundingLadder rebuilds the rounding ladder the manifest describes.
func (m *Manifest) RoundingLadder() (*rounding.Ladder, error) {
	specs := make([]rounding.Spec, len(m.Ladder))
	for i, name := range m.Ladder {
		u, ok := rounding.UnitByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown rounding unit %q in manifest", name)
		}
		if i >= len(m.LadderMultipliers) {
			return nil, fmt.Errorf("manifest ladder multiplier missing for level %d", i)
		}
		specs[i] = rounding.Spec{
			Rounding:           rounding.ByUnit(u),
			MaxInnerMultiplier: m.LadderMultipliers[i],
		}
	}
	return rounding.NewLadder(specs)
}

// Write serializes the result into dir, creating it if needed.
func Write(dir string, res *histo.Result) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	start := time.Now()
	if err := writeBuckets(filepath.Join(dir, bucketsFile), res); err != nil {
		return err
	}
	logging.FileCreated(logging.WithPhase("write"), "write", time.Since(start)).
		Str("file", bucketsFile).
		Int("buckets", len(res.Buckets)).
		LogDebug("bucket rows written")

	if err := writeManifest(filepath.Join(dir, manifestFile), res); err != nil {
		return err
	}
	return writeKeyIndex(filepath.Join(dir, keysFile), res)
}

func writeBuckets(path string, res *histo.Result) error {
	rows := make([]BucketRow, len(res.Buckets))
	for i, b := range res.Buckets {
		row := BucketRow{
			Key:      b.Key,
			DocCount: b.DocCount,
		}
		if res.FormatKey != nil {
			row.KeyFmt = res.FormatKey(b.Key)
		}
		if stats, ok := b.Sub.(subagg.StatsResult); ok && stats.Count > 0 {
			row.MetricCount = stats.Count
			row.MetricSum = stats.Sum
			row.MetricMin = stats.Min
			row.MetricMax = stats.Max
		}
		rows[i] = row
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create bucket file: %w", err)
	}

	w := parquet.NewGenericWriter[BucketRow](f)
	if _, err := w.Write(rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write bucket rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("close parquet writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close bucket file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename bucket file: %w", err)
	}
	return nil
}

func writeManifest(path string, res *histo.Result) error {
	units := res.Ladder.Units()
	ladder := make([]string, len(units))
	for i, u := range units {
		ladder[i] = u.String()
	}

	multipliers := make([]int, res.Ladder.Len())
	for i := range multipliers {
		multipliers[i] = res.Ladder.At(i).MaxInnerMultiplier
	}

	manifest := Manifest{
		TargetBuckets:     res.TargetBuckets,
		LevelIndex:        res.LevelIndex,
		Level:             ladder[res.LevelIndex],
		Ladder:            ladder,
		LadderMultipliers: multipliers,
		BucketCount:       len(res.Buckets),
		TotalDocCount:     res.TotalDocCount(),
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result manifest: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write result manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename result manifest: %w", err)
	}
	return nil
}

func writeKeyIndex(path string, res *histo.Result) error {
	if len(res.Buckets) == 0 {
		return nil
	}

	keys := make([]int64, len(res.Buckets))
	for i, b := range res.Buckets {
		keys[i] = b.Key
	}
	ix, err := keyindex.Build(keys)
	if err != nil {
		return fmt.Errorf("build key index: %w", err)
	}
	data, err := ix.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal key index: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write key index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename key index: %w", err)
	}
	return nil
}

// Read loads a full result back from a directory written by Write, for use
// as a reduction input. Buckets without metric columns come back with a nil
// sub-aggregation result.
func Read(dir string) (*histo.Result, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		return nil, fmt.Errorf("no result manifest in %s", dir)
	}

	ladder, err := manifest.RoundingLadder()
	if err != nil {
		return nil, err
	}

	rows, err := readBuckets(filepath.Join(dir, bucketsFile))
	if err != nil {
		return nil, err
	}

	buckets := make([]histo.Bucket, len(rows))
	for i, row := range rows {
		b := histo.Bucket{Key: row.Key, DocCount: row.DocCount}
		if row.MetricCount > 0 {
			b.Sub = subagg.StatsResult{
				Count: row.MetricCount,
				Sum:   row.MetricSum,
				Min:   row.MetricMin,
				Max:   row.MetricMax,
			}
		}
		buckets[i] = b
	}

	return &histo.Result{
		Buckets:       buckets,
		Ladder:        ladder,
		LevelIndex:    manifest.LevelIndex,
		TargetBuckets: manifest.TargetBuckets,
		FormatKey:     rounding.FormatKeyRFC3339,
	}, nil
}

func readBuckets(path string) ([]BucketRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bucket file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat bucket file: %w", err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("open bucket parquet: %w", err)
	}

	reader := parquet.NewGenericReader[BucketRow](pf)
	defer reader.Close()

	rows := make([]BucketRow, 0, pf.NumRows())
	buf := make([]BucketRow, 256)
	for {
		n, err := reader.Read(buf)
		rows = append(rows, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read bucket rows: %w", err)
		}
	}
}

// ReadKeyIndex loads the key index of a result directory, rebuilt over the
// given bucket keys. Returns nil without error when the directory has no
// index (an empty result).
func ReadKeyIndex(dir string, keys []int64) (*keyindex.Index, error) {
	data, err := os.ReadFile(filepath.Join(dir, keysFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read key index: %w", err)
	}
	ix, err := keyindex.NewFromMarshaled(data, keys)
	if err != nil {
		return nil, fmt.Errorf("load key index: %w", err)
	}
	return ix, nil
}

// ReadManifest reads manifest.json from a result directory. Returns nil if
// the directory has no manifest.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read result manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse result manifest: %w", err)
	}
	return &manifest, nil
}
