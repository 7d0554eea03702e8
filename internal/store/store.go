package store

import (
	"context"
	"fmt"

	"github.com/joescharf/codebot/internal/models"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Store persists ledger entries. Save receives the complete set of entries and
// must either persist all of them or leave the previous durable state intact.
type Store interface {
	Load(ctx context.Context) ([]models.LedgerEntry, error)
	Save(ctx context.Context, entries []models.LedgerEntry) error
	Close() error
}

// Open returns the store for the named backend at path.
func Open(ctx context.Context, backend, path string) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(path), nil
	case BackendSQLite:
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate ledger database: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q (want %q or %q)", backend, BackendFile, BackendSQLite)
	}
}
