package eventfetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Manifest describes a set of event batch files produced by an upstream
// ingest job.
type Manifest struct {
	SourceBucket      string         `json:"sourceBucket"`
	CreationTimestamp string         `json:"creationTimestamp"`
	FileFormat        string         `json:"fileFormat"`
	TimestampColumn   string         `json:"timestampColumn"`
	MetricColumn      string         `json:"metricColumn"`
	Files             []ManifestFile `json:"files"`
}

// ManifestFile is a single event file in the manifest.
type ManifestFile struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	MD5Checksum string `json:"MD5checksum"`
}

// ParseManifest parses an event manifest.json.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}

	return &m, nil
}

func (m *Manifest) validate() error {
	if m.SourceBucket == "" {
		return errors.New("manifest missing sourceBucket")
	}
	if len(m.Files) == 0 {
		return errors.New("manifest has no files")
	}
	if m.FileFormat != "" && !strings.EqualFold(m.FileFormat, "Parquet") {
		return fmt.Errorf("unsupported file format: %s (supported: Parquet)", m.FileFormat)
	}
	for _, f := range m.Files {
		if f.Key == "" {
			return errors.New("manifest file entry missing key")
		}
	}
	return nil
}

// TotalSize returns the combined size of all files in the manifest.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}
