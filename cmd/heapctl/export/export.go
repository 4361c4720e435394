// Package export writes heapctl reports to sinks.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Sink receives one complete report.
type Sink interface {
	WriteReport(buf []byte) error
}

// File writes report bytes to a filesystem path atomically.
type File struct {
	Path string
}

// WriteReport writes buf to the configured path via temp file + rename, so a
// reader never sees a partial report.
func (w *File) WriteReport(buf []byte) error {
	// same directory so the rename stays on one filesystem
	dir := filepath.Dir(w.Path)
	tmpFile, err := os.CreateTemp(dir, ".heapctl-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, writeErr := tmpFile.Write(buf); writeErr != nil {
		return fmt.Errorf("write temp file: %w", writeErr)
	}
	if syncErr := tmpFile.Sync(); syncErr != nil {
		return fmt.Errorf("sync temp file: %w", syncErr)
	}
	if closeErr := tmpFile.Close(); closeErr != nil {
		return fmt.Errorf("close temp file: %w", closeErr)
	}
	tmpFile = nil

	if renameErr := os.Rename(tmpPath, w.Path); renameErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", renameErr)
	}
	return nil
}

// Memory captures the last report in memory.
type Memory struct {
	Buf []byte
}

// WriteReport keeps a copy of buf.
func (w *Memory) WriteReport(buf []byte) error {
	w.Buf = append(w.Buf[:0], buf...)
	return nil
}

// JSON encodes v as indented JSON and hands it to s.
func JSON(s Sink, v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return s.WriteReport(append(buf, '\n'))
}
