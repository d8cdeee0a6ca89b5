// Package awareness keeps the ephemeral presence state of the replicas
// editing a document: who is connected, where their cursor is, what they
// have selected. It is never persisted and never part of document updates.
//
// Each replica only writes its own record. Records are made of fields, each
// with its own clock, so receivers keep the newest value per field no matter
// in which order updates arrive.
package awareness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout is how long a remote record survives without being renewed.
const DefaultTimeout = 30 * time.Second

var ErrMalformedUpdate = errors.New("malformed awareness update")

// Position addresses a character offset inside a block.
type Position struct {
	Block  string `json:"block"`
	Offset int    `json:"offset"`
}

type Selection struct {
	Anchor Position `json:"anchor"`
	Head   Position `json:"head"`
}

type User struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// State is the presence a replica publishes. Unset fields are absent.
type State struct {
	User      *User      `json:"user,omitempty"`
	Cursor    *Position  `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// Record is the known state of one replica.
type Record struct {
	Replica  string
	State    State
	Clock    uint64
	LastSeen time.Time
}

// Change lists the replicas affected by one local publish or remote update.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
	Local   bool
	Origin  any
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Replicas returns every replica the change touches.
func (c Change) Replicas() []string {
	out := make([]string, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

type field struct {
	value json.RawMessage // nil once the field was cleared
	clock uint64
}

type record struct {
	fields   map[string]field
	clock    uint64
	lastSeen time.Time
}

// Awareness holds the local record and every known remote record.
type Awareness struct {
	mu      sync.Mutex
	local   string
	records map[string]*record
	// removed remembers the clock a replica was removed at, so a stale
	// update cannot bring it back.
	removed map[string]uint64
	timeout time.Duration
	now     func() time.Time

	listeners map[int]func(Change)
	nextID    int
}

type Option func(*Awareness)

// WithTimeout sets how long remote records live without renewal.
func WithTimeout(d time.Duration) Option {
	return func(a *Awareness) { a.timeout = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Awareness) { a.now = now }
}

// New returns the awareness state of the local replica.
func New(localReplica string, opts ...Option) *Awareness {
	a := &Awareness{
		local:     localReplica,
		records:   map[string]*record{},
		removed:   map[string]uint64{},
		timeout:   DefaultTimeout,
		now:       time.Now,
		listeners: map[int]func(Change){},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Awareness) LocalReplica() string { return a.local }

// OnChange registers fn for every change, local or remote. The returned
// func unregisters it. Callbacks run synchronously after the state lock is
// released.
func (a *Awareness) OnChange(fn func(Change)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

func (a *Awareness) emit(c Change) {
	if c.empty() {
		return
	}
	a.mu.Lock()
	ids := make([]int, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), len(ids))
	for i, id := range ids {
		fns[i] = a.listeners[id]
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// PublishLocalState replaces the local record. Only the fields whose value
// changed get a new clock.
func (a *Awareness) PublishLocalState(s State) error {
	fields, err := stateFields(s)
	if err != nil {
		return err
	}

	a.mu.Lock()
	rec, existed := a.records[a.local]
	if !existed {
		rec = &record{fields: map[string]field{}, clock: a.removed[a.local]}
		a.records[a.local] = rec
		delete(a.removed, a.local)
	}
	changed := false
	for k, v := range fields {
		if cur, ok := rec.fields[k]; ok && bytes.Equal(cur.value, v) {
			continue
		}
		rec.clock++
		rec.fields[k] = field{value: v, clock: rec.clock}
		changed = true
	}
	for k, cur := range rec.fields {
		if _, ok := fields[k]; ok || cur.value == nil {
			continue
		}
		rec.clock++
		rec.fields[k] = field{clock: rec.clock}
		changed = true
	}
	rec.lastSeen = a.now()
	a.mu.Unlock()

	switch {
	case !existed:
		a.emit(Change{Added: []string{a.local}, Local: true})
	case changed:
		a.emit(Change{Updated: []string{a.local}, Local: true})
	}
	return nil
}

// LocalState returns the published local state.
func (a *Awareness) LocalState() (State, bool) {
	r, ok := a.Get(a.local)
	return r.State, ok
}

// Get returns the record of replica.
func (a *Awareness) Get(replica string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[replica]
	if !ok {
		return Record{}, false
	}
	return a.view(replica, rec), true
}

// States returns every known record, ordered by replica id.
func (a *Awareness) States() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, 0, len(a.records))
	for id, rec := range a.records {
		out = append(out, a.view(id, rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Replica < out[j].Replica })
	return out
}

func (a *Awareness) view(id string, rec *record) Record {
	return Record{Replica: id, State: fieldsState(rec.fields), Clock: rec.clock, LastSeen: rec.lastSeen}
}

// RemoveReplica drops a replica's record, on disconnect or timeout.
// Removing the local replica is how a client announces it is leaving.
func (a *Awareness) RemoveReplica(replica string) {
	a.removeReplicas([]string{replica}, nil)
}

func (a *Awareness) removeReplicas(ids []string, origin any) {
	var gone []string
	a.mu.Lock()
	for _, id := range ids {
		rec, ok := a.records[id]
		if !ok {
			continue
		}
		clock := rec.clock
		if id == a.local {
			clock++
		}
		a.removed[id] = clock
		delete(a.records, id)
		gone = append(gone, id)
	}
	a.mu.Unlock()

	local := len(gone) == 1 && gone[0] == a.local
	a.emit(Change{Removed: gone, Local: local, Origin: origin})
}

// RemoveOutdated drops remote records that were not renewed within the
// timeout and returns their ids.
func (a *Awareness) RemoveOutdated() []string {
	now := a.now()
	var stale []string
	a.mu.Lock()
	for id, rec := range a.records {
		if id != a.local && now.Sub(rec.lastSeen) >= a.timeout {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()
	sort.Strings(stale)
	if len(stale) > 0 {
		a.removeReplicas(stale, "timeout")
	}
	return stale
}

// Renew bumps the local clock without changing state so peers keep the
// record alive.
func (a *Awareness) Renew() bool {
	a.mu.Lock()
	rec, ok := a.records[a.local]
	if ok {
		rec.clock++
		rec.lastSeen = a.now()
	}
	a.mu.Unlock()
	if ok {
		a.emit(Change{Updated: []string{a.local}, Local: true})
	}
	return ok
}

// Run renews the local record and sweeps outdated ones until ctx is done.
func (a *Awareness) Run(ctx context.Context) {
	ticker := time.NewTicker(a.timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Renew()
			a.RemoveOutdated()
		}
	}
}

func stateFields(s State) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode awareness state: %w", err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode awareness state: %w", err)
	}
	return fields, nil
}

func fieldsState(fields map[string]field) State {
	live := map[string]json.RawMessage{}
	for k, f := range fields {
		if f.value != nil {
			live[k] = f.value
		}
	}
	var s State
	if raw, err := json.Marshal(live); err == nil {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}
