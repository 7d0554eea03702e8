// Package ledger tracks which issues have been processed, and at which
// content fingerprint, so that each version of an issue is handled at most
// once across restarts.
package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/codebot/internal/models"
	"github.com/joescharf/codebot/internal/store"
)

type key struct {
	issueID     string
	fingerprint string
}

// Ledger is the in-memory view of the processed-issue record, backed by a
// store.Store that is written synchronously on every Record.
type Ledger struct {
	store store.Store
	now   func() time.Time

	mu      sync.RWMutex
	entries []models.LedgerEntry
	index   map[key]struct{}
}

// Load reads every entry from s. An empty store yields an empty ledger.
func Load(ctx context.Context, s store.Store) (*Ledger, error) {
	entries, err := s.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	l := &Ledger{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
		index: make(map[key]struct{}, len(entries)),
	}
	for _, e := range entries {
		k := key{e.IssueID, e.Fingerprint}
		if _, dup := l.index[k]; dup {
			continue
		}
		l.index[k] = struct{}{}
		l.entries = append(l.entries, e)
	}
	return l, nil
}

// IsProcessed reports whether issueID has an entry for fingerprint.
func (l *Ledger) IsProcessed(issueID, fingerprint string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[key{issueID, fingerprint}]
	return ok
}

// Record persists e and returns true. If an entry for the same issue and
// fingerprint already exists nothing is written and false is returned.
// On a store error the in-memory view is left unchanged.
func (l *Ledger) Record(ctx context.Context, e models.LedgerEntry) (bool, error) {
	if e.IssueID == "" {
		return false, fmt.Errorf("record ledger entry: issue id is empty")
	}
	if !e.Outcome.Valid() {
		return false, fmt.Errorf("record ledger entry %s: invalid outcome %q", e.IssueID, e.Outcome)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{e.IssueID, e.Fingerprint}
	if _, ok := l.index[k]; ok {
		return false, nil
	}

	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = l.now()
	}

	next := append(slices.Clip(l.entries), e)
	if err := l.store.Save(ctx, next); err != nil {
		return false, fmt.Errorf("record ledger entry %s: %w", e.IssueID, err)
	}

	l.entries = next
	l.index[k] = struct{}{}
	return true, nil
}

// Entries returns a copy of all entries in recording order.
func (l *Ledger) Entries() []models.LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.entries)
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
