// Package spill persists sealed deferred-assignment segments to
// zstd-compressed run files.
//
// Run file format:
//
// Header (24 bytes, uncompressed):
//
//	Magic:   4 bytes  (0x41485350 = "AHSP")
//	Version: 4 bytes  (1)
//	Epoch:   4 bytes  (escalation count when the run was sealed)
//	Flags:   4 bytes  (reserved)
//	Count:   8 bytes  (number of assignments)
//
// Body: zstd compressed stream of fixed records:
//
//	RecordID: 8 bytes (int64, little endian)
//	Ordinal:  8 bytes (int64, little endian)
//
// Ordinals in a run are valid as of the run's epoch; the reader remaps them
// through whatever merge maps were produced after that epoch.
package spill

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

const (
	runMagic   = 0x41485350 // "AHSP"
	runVersion = 1
	headerSize = 24
)

// Run file errors.
var (
	ErrBadMagic   = errors.New("run file magic mismatch")
	ErrBadVersion = errors.New("unsupported run file version")
)

// Assignment is one buffered record-to-bucket assignment.
type Assignment struct {
	RecordID int64
	Ordinal  int64
}

// Run describes one sealed run file on disk.
type Run struct {
	// Path is the run file location.
	Path string
	// Epoch is the escalation count at seal time.
	Epoch int
	// Count is the number of assignments in the run.
	Count uint64
}

// WriteRun seals assignments into a compressed run file at path.
func WriteRun(path string, epoch int, assignments []Assignment) (*Run, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create run file: %w", err)
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], runMagic)
	binary.LittleEndian.PutUint32(header[4:8], runVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(epoch))
	binary.LittleEndian.PutUint32(header[12:16], 0)
	binary.LittleEndian.PutUint64(header[16:24], uint64(len(assignments)))

	if _, err := f.Write(header); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write run header: %w", err)
	}

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}

	w := bufio.NewWriterSize(enc, 256*1024)
	var rec [16]byte
	for _, a := range assignments {
		binary.LittleEndian.PutUint64(rec[0:8], uint64(a.RecordID))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(a.Ordinal))
		if _, err := w.Write(rec[:]); err != nil {
			enc.Close()
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("write run record: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		enc.Close()
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("flush run records: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("close zstd stream: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close run file: %w", err)
	}

	return &Run{Path: path, Epoch: epoch, Count: uint64(len(assignments))}, nil
}

// Iterate reads the run's assignments in their original order, calling fn
// for each. Iteration stops at the first error.
func (r *Run) Iterate(fn func(Assignment) error) error {
	f, err := os.Open(r.Path)
	if err != nil {
		return fmt.Errorf("open run file: %w", err)
	}
	defer f.Close()

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("read run header: %w", err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != runMagic {
		return ErrBadMagic
	}
	if binary.LittleEndian.Uint32(header[4:8]) != runVersion {
		return ErrBadVersion
	}
	count := binary.LittleEndian.Uint64(header[16:24])

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	var rec [16]byte
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(br, rec[:]); err != nil {
			return fmt.Errorf("read run record %d: %w", i, err)
		}
		a := Assignment{
			RecordID: int64(binary.LittleEndian.Uint64(rec[0:8])),
			Ordinal:  int64(binary.LittleEndian.Uint64(rec[8:16])),
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the run file. Missing files are not an error.
func (r *Run) Remove() error {
	if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove run file: %w", err)
	}
	return nil
}
