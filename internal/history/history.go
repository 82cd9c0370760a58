// Package history keeps a per-user log of completed conversions and sent emails.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is what an entry records.
type Kind string

const (
	KindConverted Kind = "converted"
	KindEmailed   Kind = "emailed"
)

// Entry is one completed action.
type Entry struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	Kind       Kind      `json:"kind"`
	SourceName string    `json:"source_name,omitempty"`
	DocumentID string    `json:"document_id"`
	IssueDate  string    `json:"issue_date,omitempty"`
	Recipient  string    `json:"recipient,omitempty"`
	At         time.Time `json:"at"`
}

// NewEntry fills in the ID and timestamp.
func NewEntry(owner string, kind Kind) Entry {
	return Entry{
		ID:    uuid.NewString(),
		Owner: owner,
		Kind:  kind,
		At:    time.Now().UTC(),
	}
}

// Store persists entries. Recent returns newest first.
type Store interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, owner string, limit int) ([]Entry, error)
	Close() error
}

// MemoryStore keeps at most maxPerOwner entries per owner in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     map[string][]Entry
	maxPerOwner int
}

func NewMemoryStore(maxPerOwner int) *MemoryStore {
	if maxPerOwner <= 0 {
		maxPerOwner = 50
	}
	return &MemoryStore{entries: make(map[string][]Entry), maxPerOwner: maxPerOwner}
}

func (s *MemoryStore) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append([]Entry{e}, s.entries[e.Owner]...)
	if len(list) > s.maxPerOwner {
		list = list[:s.maxPerOwner]
	}
	s.entries[e.Owner] = list
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, owner string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.entries[owner]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]Entry, len(list))
	copy(out, list)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
