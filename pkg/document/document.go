// Package document implements the collaborative block-tree document: a
// CRDT of blocks (typed data plus an ordered child list) and per-block rich
// text, mutated through transactions and replicated as opaque update bytes.
//
// All mutation goes through a Txn. A Document is safe for use from several
// goroutines, but transactions never interleave: opening a second one while
// another is open fails with ErrTransactionAlreadyOpen, and remote updates
// received meanwhile are queued until the open transaction ends.
package document

import (
	"fmt"
	"sort"
	"sync"

	"collab-blocks/pkg/crdt"

	"github.com/google/uuid"
)

// Event describes one committed transaction, local or remote.
type Event struct {
	Local   bool
	Origin  any
	Update  []byte
	Changed []BlockID

	// Replicas lists the replicas whose ops the event applied.
	Replicas []string

	inverse []inverseFn
}

type queuedUpdate struct {
	ops    []*op
	origin any
}

// Document is one replica of a collaborative document.
type Document struct {
	mu       sync.Mutex
	objectID string
	clock    *crdt.Clock
	st       *state

	active *Txn
	queued []queuedUpdate

	subs    map[int]func(Event)
	nextSub int

	snap *Tree

	// redone maps deleted characters to the copies an undo or redo step
	// re-inserted in their place.
	redone map[crdt.ID]crdt.ID
}

// New returns an empty document (root only) for objectID. An empty
// replicaID gets a random one.
func New(objectID, replicaID string) *Document {
	if replicaID == "" {
		replicaID = uuid.NewString()
	}
	return &Document{
		objectID: objectID,
		clock:    crdt.NewClock(replicaID),
		st:       newState(),
		subs:     map[int]func(Event){},
		redone:   map[crdt.ID]crdt.ID{},
	}
}

func (d *Document) ObjectID() string { return d.objectID }

func (d *Document) ReplicaID() string { return d.clock.Replica() }

// Subscribe registers fn to be called synchronously after every commit and
// every applied remote update. The returned func removes the subscription.
func (d *Document) Subscribe(fn func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

func (d *Document) subscribers() []func(Event) {
	keys := make([]int, 0, len(d.subs))
	for k := range d.subs {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]func(Event), len(keys))
	for i, k := range keys {
		out[i] = d.subs[k]
	}
	return out
}

func notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}

// EncodeStateVector summarizes which updates this replica has integrated.
func (d *Document) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.sv.Encode()
}

// StateVector returns a copy of the integrated state vector.
func (d *Document) StateVector() crdt.StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.sv.Clone()
}

// EncodeState returns the whole document as one update. Replicas that have
// integrated the same ops produce identical bytes.
func (d *Document) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := append([]*op(nil), d.st.log...)
	sortOps(ops)
	return encodeOps(ops)
}

// Checkpoint returns the state vector and the full state taken at the same
// instant.
func (d *Document) Checkpoint() (stateVector, state []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := append([]*op(nil), d.st.log...)
	sortOps(ops)
	return d.st.sv.Encode(), encodeOps(ops)
}

// DiffUpdate returns the ops a peer with the given state vector is missing.
func (d *Document) DiffUpdate(peerStateVector []byte) ([]byte, error) {
	peer, err := crdt.DecodeStateVector(peerStateVector)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var ops []*op
	for _, o := range d.st.log {
		if o.id.Seq >= peer.Get(o.id.Replica) {
			ops = append(ops, o)
		}
	}
	sortOps(ops)
	return encodeOps(ops), nil
}

// PendingCount is the number of received ops waiting for dependencies.
func (d *Document) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.st.pending)
}

// ApplyRemoteUpdate merges update bytes produced by any replica. Merging
// is commutative, associative and idempotent; the only failure is
// ErrMalformedUpdate, in which case nothing is applied.
func (d *Document) ApplyRemoteUpdate(update []byte, origin any) error {
	ops, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.active != nil {
		d.queued = append(d.queued, queuedUpdate{ops: ops, origin: origin})
		d.mu.Unlock()
		return nil
	}
	ev, ok := d.integrateRemote(ops, origin)
	subs := d.subscribers()
	d.mu.Unlock()

	if ok {
		notify(subs, ev)
	}
	return nil
}

// integrateRemote must be called with d.mu held.
func (d *Document) integrateRemote(ops []*op, origin any) (Event, bool) {
	var applied []*op
	try := func(o *op) bool {
		ok, err := d.st.integrate(o)
		if err != nil {
			return false
		}
		if ok {
			applied = append(applied, o)
			d.clock.Observe(o.lastLamport())
		}
		return true
	}

	for _, o := range ops {
		if !try(o) {
			d.st.pending = append(d.st.pending, o)
		}
	}
	for progress := true; progress && len(d.st.pending) > 0; {
		progress = false
		rest := d.st.pending[:0]
		for _, o := range d.st.pending {
			if try(o) {
				progress = true
				continue
			}
			rest = append(rest, o)
		}
		d.st.pending = rest
	}
	d.clock.SetSeq(d.st.sv.Get(d.clock.Replica()))

	if len(applied) == 0 {
		d.st.takeChanged()
		return Event{}, false
	}
	d.snap = nil
	return Event{
		Local:    false,
		Origin:   origin,
		Update:   encodeOps(applied),
		Changed:  d.st.takeChanged(),
		Replicas: replicasOf(applied),
	}, true
}

// drain integrates updates queued during a transaction. Called without d.mu.
func (d *Document) drain(queued []queuedUpdate) {
	for _, q := range queued {
		d.mu.Lock()
		if d.active != nil {
			d.queued = append(d.queued, q)
			d.mu.Unlock()
			continue
		}
		ev, ok := d.integrateRemote(q.ops, q.origin)
		subs := d.subscribers()
		d.mu.Unlock()
		if ok {
			notify(subs, ev)
		}
	}
}

func replicasOf(ops []*op) []string {
	seen := map[string]bool{}
	var out []string
	for _, o := range ops {
		if !seen[o.id.Replica] {
			seen[o.id.Replica] = true
			out = append(out, o.id.Replica)
		}
	}
	sort.Strings(out)
	return out
}
