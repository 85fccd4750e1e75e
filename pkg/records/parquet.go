package records

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// EventBatch is a batch of timestamped events read from storage. Each event
// carries one timestamp and optionally one metric value.
type EventBatch struct {
	// Timestamps holds one UTC millisecond timestamp per event.
	Timestamps []int64

	// Metrics holds one metric value per event; valid only where HasMetric
	// is true.
	Metrics []int64

	// HasMetric marks events that carry a metric value.
	HasMetric []bool
}

// Len returns the number of events in the batch.
func (b *EventBatch) Len() int {
	return len(b.Timestamps)
}

// Values returns the batch's timestamps as a Values iterator (one value per
// event, trivially sorted).
func (b *EventBatch) Values() Values {
	return &eventValues{batch: b}
}

// eventValues adapts an EventBatch to the Values interface.
type eventValues struct {
	batch *EventBatch
	cur   int64
	done  bool
}

func (v *eventValues) Advance(record int) (bool, error) {
	if record < 0 || record >= len(v.batch.Timestamps) {
		return false, fmt.Errorf("record %d out of range [0,%d)", record, len(v.batch.Timestamps))
	}
	v.cur = v.batch.Timestamps[record]
	v.done = false
	return true, nil
}

func (v *eventValues) Count() int { return 1 }

func (v *eventValues) Next() (int64, error) {
	if v.done {
		return 0, errors.New("value read past count 1")
	}
	v.done = true
	return v.cur, nil
}

// EventReader streams event batches from storage.
type EventReader interface {
	// ReadBatch reads the next batch. Returns io.EOF when done.
	ReadBatch() (*EventBatch, error)
	// Close releases resources.
	Close() error
}

// ParquetReaderConfig configures the Parquet event reader.
type ParquetReaderConfig struct {
	// TimestampCol is the column index for the event timestamp (required).
	TimestampCol int

	// MetricCol is the column index for the metric value (-1 if absent).
	MetricCol int
}

// parquetEventReader streams event rows from Parquet files by iterating
// through row groups.
type parquetEventReader struct {
	file     *parquet.File
	closer   io.Closer // underlying file, closed by us when set
	tsCol    int
	metCol   int
	batchLen int

	rowGroups    []parquet.RowGroup
	currentRGIdx int
	currentRows  parquet.Rows
	rowBuf       []parquet.Row
	bufIdx       int
	bufLen       int
}

// OpenParquetEvents opens a local Parquet event file. Column indices are
// detected from the schema: "ts" (required) and "metric" (optional).
func OpenParquetEvents(path string, batchLen int) (EventReader, error) {
	return OpenParquetEventsColumns(path, batchLen, "ts", "metric")
}

// OpenParquetEventsColumns opens a local Parquet event file with explicit
// column names. tsName is required in the schema; metricName is optional.
func OpenParquetEventsColumns(path string, batchLen int, tsName, metricName string) (EventReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat event file: %w", err)
	}

	file, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	cfg, err := detectEventSchema(file.Schema(), tsName, metricName)
	if err != nil {
		f.Close()
		return nil, err
	}

	return newParquetEventReader(file, f, cfg, batchLen), nil
}

// NewParquetEvents creates an event reader from an io.ReaderAt with explicit
// column configuration.
func NewParquetEvents(r io.ReaderAt, size int64, cfg ParquetReaderConfig, batchLen int) (EventReader, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	return newParquetEventReader(file, nil, cfg, batchLen), nil
}

// detectEventSchema detects column indices from the Parquet schema.
func detectEventSchema(schema *parquet.Schema, tsName, metricName string) (ParquetReaderConfig, error) {
	cfg := ParquetReaderConfig{TimestampCol: -1, MetricCol: -1}

	for i, field := range schema.Fields() {
		switch field.Name() {
		case tsName:
			cfg.TimestampCol = i
		case metricName:
			cfg.MetricCol = i
		}
	}

	if cfg.TimestampCol < 0 {
		return cfg, fmt.Errorf("parquet schema missing %q column", tsName)
	}
	return cfg, nil
}

func newParquetEventReader(file *parquet.File, closer io.Closer, cfg ParquetReaderConfig, batchLen int) *parquetEventReader {
	if batchLen <= 0 {
		batchLen = 8192
	}
	return &parquetEventReader{
		file:         file,
		closer:       closer,
		tsCol:        cfg.TimestampCol,
		metCol:       cfg.MetricCol,
		batchLen:     batchLen,
		rowGroups:    file.RowGroups(),
		currentRGIdx: -1,
		rowBuf:       make([]parquet.Row, 1024), // Buffer 1024 rows at a time
	}
}

// ReadBatch returns the next batch of up to the configured batch length.
// Returns io.EOF when all rows have been consumed.
func (r *parquetEventReader) ReadBatch() (*EventBatch, error) {
	batch := &EventBatch{
		Timestamps: make([]int64, 0, r.batchLen),
		Metrics:    make([]int64, 0, r.batchLen),
		HasMetric:  make([]bool, 0, r.batchLen),
	}

	for len(batch.Timestamps) < r.batchLen {
		row, err := r.nextRow()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		r.appendRow(batch, row)
	}

	if len(batch.Timestamps) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// nextRow returns the next parquet row, advancing row groups as needed.
func (r *parquetEventReader) nextRow() (parquet.Row, error) {
	for {
		if r.bufIdx < r.bufLen {
			row := r.rowBuf[r.bufIdx]
			r.bufIdx++
			return row, nil
		}

		if r.currentRows != nil {
			n, err := r.currentRows.ReadRows(r.rowBuf)
			if n > 0 {
				r.bufIdx = 0
				r.bufLen = n
				continue
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read parquet rows: %w", err)
			}
			r.currentRows.Close()
			r.currentRows = nil
		}

		r.currentRGIdx++
		if r.currentRGIdx >= len(r.rowGroups) {
			return nil, io.EOF
		}
		r.currentRows = r.rowGroups[r.currentRGIdx].Rows()
	}
}

// appendRow converts a parquet.Row into one batch event.
func (r *parquetEventReader) appendRow(batch *EventBatch, row parquet.Row) {
	var ts, metric int64
	hasMetric := false

	for _, val := range row {
		if val.IsNull() {
			continue
		}
		switch val.Column() {
		case r.tsCol:
			ts = val.Int64()
		case r.metCol:
			if r.metCol >= 0 {
				metric = val.Int64()
				hasMetric = true
			}
		}
	}

	batch.Timestamps = append(batch.Timestamps, ts)
	batch.Metrics = append(batch.Metrics, metric)
	batch.HasMetric = append(batch.HasMetric, hasMetric)
}

// Close releases reader resources.
func (r *parquetEventReader) Close() error {
	if r.currentRows != nil {
		r.currentRows.Close()
	}
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
