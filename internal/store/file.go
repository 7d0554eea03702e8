package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"github.com/joescharf/codebot/internal/models"
)

const fileFormatVersion = 1

// payloadReader wraps the encoded document handed to the atomic writer.
// Tests replace it to simulate a write interrupted part way through.
var payloadReader = func(b []byte) io.Reader { return bytes.NewReader(b) }

type fileDocument struct {
	Version   int                  `json:"version"`
	UpdatedAt time.Time            `json:"updated_at"`
	Entries   []models.LedgerEntry `json:"entries"`
}

// FileStore keeps the ledger in a single JSON document. Every Save rewrites
// the whole document through a temp file and rename, so readers only ever see
// the previous or the new version.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore for path. The file need not exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the document location.
func (s *FileStore) Path() string { return s.path }

// Load reads all entries. A missing file is an empty ledger.
func (s *FileStore) Load(_ context.Context) ([]models.LedgerEntry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", s.path, err)
	}
	if doc.Version > fileFormatVersion {
		return nil, fmt.Errorf("ledger %s has unsupported version %d", s.path, doc.Version)
	}
	return doc.Entries, nil
}

// Save atomically replaces the document with entries.
func (s *FileStore) Save(_ context.Context, entries []models.LedgerEntry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}

	data, err := json.MarshalIndent(fileDocument{
		Version:   fileFormatVersion,
		UpdatedAt: time.Now().UTC(),
		Entries:   entries,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	data = append(data, '\n')

	if err := atomic.WriteFile(s.path, payloadReader(data)); err != nil {
		return fmt.Errorf("write ledger %s: %w", s.path, err)
	}
	return nil
}

// Close is a no-op; the file is not held open between writes.
func (s *FileStore) Close() error { return nil }
