package eventfetch

import (
	"strings"
	"testing"
)

const validManifest = `{
  "sourceBucket": "events-bucket",
  "creationTimestamp": "1700000000000",
  "fileFormat": "Parquet",
  "timestampColumn": "ts",
  "metricColumn": "metric",
  "files": [
    {"key": "events/2024/03/01/part-0000.parquet", "size": 1048576, "MD5checksum": "abc123"},
    {"key": "events/2024/03/01/part-0001.parquet", "size": 524288, "MD5checksum": "def456"}
  ]
}`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest(strings.NewReader(validManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	if m.SourceBucket != "events-bucket" {
		t.Errorf("SourceBucket = %q, want events-bucket", m.SourceBucket)
	}
	if len(m.Files) != 2 {
		t.Fatalf("got %d files, want 2", len(m.Files))
	}
	if m.Files[0].Key != "events/2024/03/01/part-0000.parquet" || m.Files[0].Size != 1048576 {
		t.Errorf("file 0 = %+v", m.Files[0])
	}
	if m.TimestampColumn != "ts" || m.MetricColumn != "metric" {
		t.Errorf("columns = %q/%q, want ts/metric", m.TimestampColumn, m.MetricColumn)
	}
	if got := m.TotalSize(); got != 1048576+524288 {
		t.Errorf("TotalSize() = %d, want %d", got, 1048576+524288)
	}
}

func TestParseManifestValidation(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "missing source bucket",
			json: `{"files": [{"key": "a.parquet"}]}`,
			want: "sourceBucket",
		},
		{
			name: "no files",
			json: `{"sourceBucket": "b", "files": []}`,
			want: "no files",
		},
		{
			name: "unsupported format",
			json: `{"sourceBucket": "b", "fileFormat": "CSV", "files": [{"key": "a.csv"}]}`,
			want: "unsupported file format",
		},
		{
			name: "file without key",
			json: `{"sourceBucket": "b", "files": [{"size": 10}]}`,
			want: "missing key",
		},
		{
			name: "malformed json",
			json: `{`,
			want: "decode manifest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest(strings.NewReader(tt.json))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestParseManifestFormatCaseInsensitive(t *testing.T) {
	json := `{"sourceBucket": "b", "fileFormat": "PARQUET", "files": [{"key": "a.parquet"}]}`
	if _, err := ParseManifest(strings.NewReader(json)); err != nil {
		t.Errorf("ParseManifest: %v", err)
	}
}

func TestParseS3URI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		key     string
		wantErr bool
	}{
		{uri: "s3://bucket/manifest.json", bucket: "bucket", key: "manifest.json"},
		{uri: "s3://bucket/deep/path/manifest.json", bucket: "bucket", key: "deep/path/manifest.json"},
		{uri: "https://bucket/manifest.json", wantErr: true},
		{uri: "s3://bucket", wantErr: true},
		{uri: "s3:///key", wantErr: true},
		{uri: "s3://bucket/", wantErr: true},
	}

	for _, tt := range tests {
		bucket, key, err := ParseS3URI(tt.uri)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseS3URI(%q) should fail", tt.uri)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseS3URI(%q): %v", tt.uri, err)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseS3URI(%q) = %q, %q; want %q, %q", tt.uri, bucket, key, tt.bucket, tt.key)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"events/2024/03/part-0000.parquet", "part-0000.parquet"},
		{"part.parquet", "part.parquet"},
		{"a/b/c/d.parquet", "d.parquet"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.input); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDefaultDownloaderConfig(t *testing.T) {
	cfg := DefaultDownloaderConfig()
	if cfg.Concurrency < 4 || cfg.Concurrency > 16 {
		t.Errorf("Concurrency = %d, want within [4,16]", cfg.Concurrency)
	}
	if cfg.PartSize != 16*1024*1024 {
		t.Errorf("PartSize = %d, want 16MiB", cfg.PartSize)
	}
}
