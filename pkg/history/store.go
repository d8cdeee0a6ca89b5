package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrRestore is returned when a version cannot be restored: it is
	// tombstoned or its snapshot does not decode.
	ErrRestore         = errors.New("restore failed")
	ErrVersionNotFound = errors.New("version not found")
)

// VersionRecord is one entry of a document's history. Records are never
// modified after creation except for being tombstoned.
type VersionRecord struct {
	ID         string     `json:"id"`
	ObjectID   string     `json:"object_id"`
	ParentID   string     `json:"parent_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	Editors    []string   `json:"editors,omitempty"`
	CollabType string     `json:"collab_type,omitempty"`
	// Snapshot is the encoded snapshot; JSON carries it as base64.
	Snapshot []byte `json:"snapshot,omitempty"`
}

func (r VersionRecord) Deleted() bool { return r.DeletedAt != nil }

// Store persists version records.
type Store interface {
	CreateVersion(ctx context.Context, rec VersionRecord) (VersionRecord, error)
	// ListVersions returns every record of objectID, tombstoned ones
	// included, without snapshot payloads.
	ListVersions(ctx context.Context, objectID string) ([]VersionRecord, error)
	GetVersion(ctx context.Context, objectID, versionID string) (VersionRecord, error)
	DeleteVersion(ctx context.Context, objectID, versionID string) error
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]VersionRecord
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: map[string][]VersionRecord{}, now: time.Now}
}

func (s *MemoryStore) CreateVersion(_ context.Context, rec VersionRecord) (VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Snapshot = append([]byte(nil), rec.Snapshot...)
	s.versions[rec.ObjectID] = append(s.versions[rec.ObjectID], rec)
	return rec, nil
}

func (s *MemoryStore) ListVersions(_ context.Context, objectID string) ([]VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VersionRecord, 0, len(s.versions[objectID]))
	for _, rec := range s.versions[objectID] {
		rec.Snapshot = nil
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, objectID, versionID string) (VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.versions[objectID] {
		if rec.ID == versionID {
			return rec, nil
		}
	}
	return VersionRecord{}, ErrVersionNotFound
}

func (s *MemoryStore) DeleteVersion(_ context.Context, objectID, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.versions[objectID]
	for i := range recs {
		if recs[i].ID != versionID {
			continue
		}
		if recs[i].DeletedAt == nil {
			t := s.now().UTC()
			recs[i].DeletedAt = &t
		}
		return nil
	}
	return ErrVersionNotFound
}
