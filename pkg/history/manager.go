// Package history snapshots a live document, lists its versions and
// restores one of them in a single transaction.
package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"collab-blocks/pkg/document"
	"collab-blocks/pkg/logging"

	"github.com/oklog/ulid/v2"
)

// CollabType tags snapshots of block documents in the persistence API.
const CollabType = "document"

// Filter selects versions for ListVersions.
type Filter struct {
	// IncludeDeleted adds tombstoned records, for audit views.
	IncludeDeleted bool
	Since          time.Time
	Limit          int
}

// Manager owns the history of one live document.
type Manager struct {
	doc   *document.Document
	store Store
	log   logging.Logger
	now   func() time.Time

	mu      sync.Mutex
	active  string
	editors map[string]struct{}
	stop    func()
}

type Option func(*Manager)

func WithLogger(l logging.Logger) Option { return func(m *Manager) { m.log = l } }

func WithNow(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithActiveVersion sets the version the document was loaded from.
func WithActiveVersion(id string) Option { return func(m *Manager) { m.active = id } }

// NewManager tracks doc and persists its versions in store.
func NewManager(doc *document.Document, store Store, opts ...Option) *Manager {
	m := &Manager{
		doc:     doc,
		store:   store,
		log:     logging.Nop(),
		now:     time.Now,
		editors: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.stop = doc.Subscribe(m.observe)
	return m
}

func (m *Manager) observe(ev document.Event) {
	if ev.Origin == m {
		return
	}
	m.mu.Lock()
	for _, r := range ev.Replicas {
		m.editors[r] = struct{}{}
	}
	m.mu.Unlock()
}

// Close stops tracking editors.
func (m *Manager) Close() { m.stop() }

// ActiveVersion is the version new snapshots descend from.
func (m *Manager) ActiveVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// CreateSnapshot captures the current document and stores it as a new
// version whose parent is the active one.
func (m *Manager) CreateSnapshot(ctx context.Context, name string) (VersionRecord, error) {
	sv, state := m.doc.Checkpoint()

	m.mu.Lock()
	editors := make([]string, 0, len(m.editors))
	for e := range m.editors {
		editors = append(editors, e)
	}
	parent := m.active
	m.mu.Unlock()
	sort.Strings(editors)

	rec := VersionRecord{
		ID:         ulid.Make().String(),
		ObjectID:   m.doc.ObjectID(),
		ParentID:   parent,
		Name:       name,
		CreatedAt:  m.now().UTC(),
		Editors:    editors,
		CollabType: CollabType,
		Snapshot:   EncodeSnapshot(sv, state),
	}
	saved, err := m.store.CreateVersion(ctx, rec)
	if err != nil {
		return VersionRecord{}, fmt.Errorf("store version: %w", err)
	}

	m.mu.Lock()
	m.active = saved.ID
	m.editors = map[string]struct{}{}
	m.mu.Unlock()
	m.log.Info(ctx, "version created", "object", rec.ObjectID, "version", saved.ID, "parent", parent)
	return saved, nil
}

// ListVersions returns the document's versions, oldest first.
func (m *Manager) ListVersions(ctx context.Context, f Filter) ([]VersionRecord, error) {
	all, err := m.store.ListVersions(ctx, m.doc.ObjectID())
	if err != nil {
		return nil, err
	}
	out := make([]VersionRecord, 0, len(all))
	for _, rec := range all {
		if rec.Deleted() && !f.IncludeDeleted {
			continue
		}
		if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// DeleteVersion tombstones a version. The record stays for audit.
func (m *Manager) DeleteVersion(ctx context.Context, versionID string) error {
	return m.store.DeleteVersion(ctx, m.doc.ObjectID(), versionID)
}

// PreviewVersion decodes a version into a detached read-only tree.
func (m *Manager) PreviewVersion(ctx context.Context, versionID string) (*document.Tree, error) {
	scratch, _, err := m.load(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return scratch.Snapshot(), nil
}

func (m *Manager) load(ctx context.Context, versionID string) (*document.Document, VersionRecord, error) {
	rec, err := m.store.GetVersion(ctx, m.doc.ObjectID(), versionID)
	if err != nil {
		return nil, VersionRecord{}, err
	}
	if rec.Deleted() {
		return nil, rec, fmt.Errorf("%w: version %s is deleted", ErrRestore, versionID)
	}
	_, state, err := DecodeSnapshot(rec.Snapshot)
	if err != nil {
		return nil, rec, fmt.Errorf("%w: version %s: %v", ErrRestore, versionID, err)
	}
	scratch := document.New(m.doc.ObjectID(), "")
	if err := scratch.ApplyRemoteUpdate(state, nil); err != nil {
		return nil, rec, fmt.Errorf("%w: version %s: %v", ErrRestore, versionID, err)
	}
	if n := scratch.PendingCount(); n > 0 {
		return nil, rec, fmt.Errorf("%w: version %s: %d unresolved ops", ErrRestore, versionID, n)
	}
	return scratch, rec, nil
}

// RestoreVersion replaces the document content with the version's block
// tree in one transaction: the root's children are deleted and the
// snapshot's tree is inserted as fresh blocks. On error the live document
// is untouched.
func (m *Manager) RestoreVersion(ctx context.Context, versionID string) error {
	scratch, _, err := m.load(ctx, versionID)
	if err != nil {
		m.log.Warn(ctx, "restore rejected", "object", m.doc.ObjectID(), "version", versionID, "err", err)
		return err
	}
	tree := scratch.Snapshot()

	_, err = m.doc.Transact(m, func(tx *document.Txn) error {
		for _, id := range m.doc.Children(document.RootID) {
			if err := tx.DeleteBlock(id); err != nil {
				return err
			}
		}
		for _, n := range tree.Root.Children {
			if err := copyNode(tx, document.RootID, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRestore, err)
	}

	m.mu.Lock()
	m.active = versionID
	m.mu.Unlock()
	m.log.Info(ctx, "version restored", "object", m.doc.ObjectID(), "version", versionID)
	return nil
}

func copyNode(tx *document.Txn, parent document.BlockID, n *document.Node) error {
	id, err := tx.CreateBlock(parent, -1, n.Data)
	if err != nil {
		return err
	}
	offset := 0
	for _, seg := range n.Delta {
		attrs := seg.Attributes
		if attrs == nil {
			attrs = document.Attributes{}
		}
		if err := tx.InsertText(id, offset, seg.Insert, attrs); err != nil {
			return err
		}
		offset += len([]rune(seg.Insert))
	}
	for _, c := range n.Children {
		if err := copyNode(tx, id, c); err != nil {
			return err
		}
	}
	return nil
}
