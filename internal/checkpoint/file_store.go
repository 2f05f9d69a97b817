// Package checkpoint records which tasks have a fully written output so a
// later run can skip them.
package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spherical/batch-extractor/internal/domain"
)

// FileStore is an append-only JSON-lines checkpoint. Every mark is fsynced
// before MarkCompleted returns.
type FileStore struct {
	path string

	mu      sync.Mutex // serializes appends
	file    *os.File
	recMu   sync.RWMutex
	records map[string]domain.CheckpointRecord
}

// OpenFileStore opens or creates the checkpoint file at path. A torn final
// line left by a crash mid-append is truncated away; it was never
// acknowledged.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, domain.CheckpointError("create checkpoint directory", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, domain.CheckpointError("open checkpoint file", err)
	}

	records, validLen, err := readRecords(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	if err := f.Truncate(validLen); err != nil {
		f.Close()
		return nil, domain.CheckpointError("truncate torn checkpoint tail", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, domain.CheckpointError("seek checkpoint file", err)
	}

	return &FileStore{
		path:    path,
		file:    f,
		records: records,
	}, nil
}

// readRecords parses newline-terminated records and returns the byte length
// of the well-formed prefix.
func readRecords(f *os.File) (map[string]domain.CheckpointRecord, int64, error) {
	records := make(map[string]domain.CheckpointRecord)

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, domain.CheckpointError("seek checkpoint file", err)
	}

	reader := bufio.NewReader(f)
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// Unterminated tail: drop it.
			break
		}
		if err != nil {
			return nil, 0, domain.CheckpointError("read checkpoint file", err)
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var rec domain.CheckpointRecord
			if jerr := json.Unmarshal(trimmed, &rec); jerr == nil && rec.TaskID != "" {
				records[rec.TaskID] = rec
			}
		}
		offset += int64(len(line))
	}

	return records, offset, nil
}

// IsCompleted reports whether taskID has been durably marked.
func (s *FileStore) IsCompleted(_ context.Context, taskID string) (bool, error) {
	s.recMu.RLock()
	defer s.recMu.RUnlock()
	_, ok := s.records[taskID]
	return ok, nil
}

// MarkCompleted appends rec and fsyncs. Marking a known identifier again is
// a no-op.
func (s *FileStore) MarkCompleted(_ context.Context, rec domain.CheckpointRecord) error {
	if rec.TaskID == "" {
		return domain.CheckpointError("empty task id", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return domain.CheckpointError("checkpoint store closed", nil)
	}

	s.recMu.RLock()
	_, exists := s.records[rec.TaskID]
	s.recMu.RUnlock()
	if exists {
		return nil
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return domain.CheckpointError("encode checkpoint record", err)
	}
	line = append(line, '\n')

	if _, err := s.file.Write(line); err != nil {
		return domain.CheckpointError(fmt.Sprintf("append checkpoint for %s", rec.TaskID), err)
	}
	if err := s.file.Sync(); err != nil {
		return domain.CheckpointError("sync checkpoint file", err)
	}

	// Visible to readers only once durable.
	s.recMu.Lock()
	s.records[rec.TaskID] = rec
	s.recMu.Unlock()

	return nil
}

// Completed returns a copy of every record.
func (s *FileStore) Completed(_ context.Context) (map[string]domain.CheckpointRecord, error) {
	s.recMu.RLock()
	defer s.recMu.RUnlock()

	out := make(map[string]domain.CheckpointRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out, nil
}

// Path returns the checkpoint file location.
func (s *FileStore) Path() string {
	return s.path
}

// Close closes the underlying file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
