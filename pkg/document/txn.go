package document

import (
	"encoding/json"
	"fmt"
	"sort"

	"collab-blocks/pkg/crdt"

	"github.com/google/uuid"
)

// inverseFn re-applies the opposite of one mutation inside an undo or
// redo transaction.
type inverseFn func(tx *Txn) error

// Txn is an open batch of mutations. It is created by Document.Begin and
// ends with Commit or Abort; after that every method returns
// ErrNoActiveTransaction.
type Txn struct {
	doc    *Document
	origin any

	ops     []*op
	inverse []inverseFn
	redone  map[crdt.ID]crdt.ID

	logStart     int
	seq, lamport uint64
	done         bool
}

// Result is what a committed transaction produced.
type Result struct {
	// Update is the encoded net set of ops, nil for an empty transaction.
	Update  []byte
	Changed []BlockID
}

// Begin opens a transaction. origin is passed through to subscribers and
// lets them tell their own commits apart.
func (d *Document) Begin(origin any) (*Txn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		return nil, ErrTransactionAlreadyOpen
	}
	if d.snap == nil {
		d.snap = d.buildTree()
	}
	seq, lamport := d.clock.Save()
	tx := &Txn{
		doc:      d,
		origin:   origin,
		logStart: len(d.st.log),
		seq:      seq,
		lamport:  lamport,
		redone:   map[crdt.ID]crdt.ID{},
	}
	d.st.takeChanged()
	d.active = tx
	return tx, nil
}

// Transact runs fn in a transaction, committing if fn returns nil and
// aborting otherwise.
func (d *Document) Transact(origin any, fn func(tx *Txn) error) (*Result, error) {
	tx, err := d.Begin(origin)
	if err != nil {
		return nil, err
	}
	if err := fn(tx); err != nil {
		tx.Abort()
		return nil, err
	}
	return tx.Commit()
}

// lock acquires the document mutex and checks that tx is still the open
// transaction. On error the mutex is not held.
func (tx *Txn) lock() error {
	tx.doc.mu.Lock()
	if tx.done || tx.doc.active != tx {
		tx.doc.mu.Unlock()
		return ErrNoActiveTransaction
	}
	return nil
}

func (tx *Txn) unlock() {
	tx.doc.mu.Unlock()
}

// emit stamps o with the next local id, integrates it and records it.
// Called with the document mutex held.
func (tx *Txn) emit(o *op) error {
	o.id, o.stamp = tx.doc.clock.Next(o.length())
	ok, err := tx.doc.st.integrate(o)
	if err != nil || !ok {
		return fmt.Errorf("integrate local %s op: %v", o.kind, err)
	}
	tx.ops = append(tx.ops, o)
	return nil
}

func (tx *Txn) record(fn inverseFn) {
	tx.inverse = append(tx.inverse, fn)
}

// Commit validates the tree invariants, encodes the transaction as one
// update and notifies subscribers synchronously. An invariant failure
// rolls the transaction back.
func (tx *Txn) Commit() (*Result, error) {
	if err := tx.lock(); err != nil {
		return nil, err
	}
	d := tx.doc
	if err := d.st.checkInvariants(); err != nil {
		tx.rollback()
		queued := tx.finish()
		tx.unlock()
		d.drain(queued)
		return nil, err
	}

	res := &Result{}
	var ev Event
	if len(tx.ops) > 0 {
		res.Update = encodeOps(tx.ops)
		res.Changed = d.st.takeChanged()
		ev = Event{
			Local:    true,
			Origin:   tx.origin,
			Update:   res.Update,
			Changed:  res.Changed,
			Replicas: []string{d.clock.Replica()},
			inverse:  tx.inverse,
		}
		d.snap = nil
		for k, v := range tx.redone {
			d.redone[k] = v
		}
	}
	queued := tx.finish()
	subs := d.subscribers()
	tx.unlock()

	if len(tx.ops) > 0 {
		notify(subs, ev)
	}
	d.drain(queued)
	return res, nil
}

// Abort discards every mutation of the transaction. No subscriber is
// notified. Aborting a finished transaction is a no-op.
func (tx *Txn) Abort() {
	if err := tx.lock(); err != nil {
		return
	}
	tx.rollback()
	queued := tx.finish()
	tx.unlock()
	tx.doc.drain(queued)
}

// rollback rebuilds the state from the ops integrated before the
// transaction began.
func (tx *Txn) rollback() {
	d := tx.doc
	if len(tx.ops) == 0 {
		return
	}
	prev := d.st
	st := newState()
	for _, o := range prev.log[:tx.logStart] {
		_, _ = st.integrate(o)
	}
	st.pending = prev.pending
	st.takeChanged()
	d.st = st
	d.clock.Restore(tx.seq, tx.lamport)
}

func (tx *Txn) finish() []queuedUpdate {
	tx.done = true
	tx.doc.active = nil
	queued := tx.doc.queued
	tx.doc.queued = nil
	return queued
}

// Origin returns the origin the transaction was opened with.
func (tx *Txn) Origin() any { return tx.origin }

// Block tree operations.

// CreateBlock inserts a new block under parent at the given visible index
// and returns its id. A negative index appends.
func (tx *Txn) CreateBlock(parent BlockID, index int, data BlockData) (BlockID, error) {
	if err := tx.lock(); err != nil {
		return "", err
	}
	defer tx.unlock()
	return tx.createBlock(parent, index, data)
}

func (tx *Txn) createBlock(parent BlockID, index int, data BlockData) (BlockID, error) {
	if err := validateData(data); err != nil {
		return "", err
	}
	st := tx.doc.st
	if !st.isVisible(parent) {
		return "", fmt.Errorf("%w: parent %s", ErrBlockNotFound, parent)
	}
	origin, err := tx.childOrigin(parent, "", index)
	if err != nil {
		return "", err
	}
	fields, err := encodeFields(data)
	if err != nil {
		return "", err
	}
	value, err := marshalFields(fields)
	if err != nil {
		return "", err
	}

	id := newBlockID()
	o := &op{kind: opCreate, block: id, parent: parent, origin: origin, btype: data.Type(), value: value}
	if err := tx.emit(o); err != nil {
		return "", err
	}
	tx.record(func(tx *Txn) error { return tx.deleteBlock(id) })
	return id, nil
}

// DeleteBlock removes a block and tombstones its descendants. Deleting an
// already deleted block is a no-op.
func (tx *Txn) DeleteBlock(id BlockID) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.unlock()
	if id == RootID {
		return ErrRootBlock
	}
	if _, ok := tx.doc.st.blocks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	return tx.deleteBlock(id)
}

func (tx *Txn) deleteBlock(id BlockID) error {
	st := tx.doc.st
	bs, ok := st.blocks[id]
	if !ok || bs.deleted {
		return nil
	}
	for _, b := range st.subtree(id) {
		if st.blocks[b].deleted {
			continue
		}
		if err := tx.emit(&op{kind: opDelete, block: b}); err != nil {
			return err
		}
		target := b
		tx.record(func(tx *Txn) error { return tx.restoreBlock(target) })
	}
	return nil
}

func (tx *Txn) restoreBlock(id BlockID) error {
	bs, ok := tx.doc.st.blocks[id]
	if !ok || !bs.deleted {
		return nil
	}
	if err := tx.emit(&op{kind: opRestore, block: id}); err != nil {
		return err
	}
	tx.record(func(tx *Txn) error { return tx.deleteBlock(id) })
	return nil
}

// MoveBlock re-parents a block to newParent at the given visible index. A
// negative index appends. Moving a block under itself or one of its
// descendants fails with ErrInvalidMove; the check uses the merged tree.
func (tx *Txn) MoveBlock(id, newParent BlockID, index int) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.unlock()

	st := tx.doc.st
	if id == RootID {
		return fmt.Errorf("%w: root cannot move", ErrInvalidMove)
	}
	bs, ok := st.blocks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	if bs.deleted || !st.isVisible(id) {
		return nil
	}
	if !st.isVisible(newParent) {
		return fmt.Errorf("%w: parent %s", ErrBlockNotFound, newParent)
	}
	if newParent == id || st.isAncestor(id, newParent) {
		return fmt.Errorf("%w: %s is inside %s", ErrInvalidMove, newParent, id)
	}
	origin, err := tx.childOrigin(newParent, id, index)
	if err != nil {
		return err
	}
	return tx.place(id, newParent, origin)
}

func (tx *Txn) place(id, parent BlockID, origin crdt.ID) error {
	st := tx.doc.st
	oldParent := st.parent[id]
	oldPrev := st.blocks[oldParent].children.Prev(st.elem[id])

	if err := tx.emit(&op{kind: opMove, block: id, parent: parent, origin: origin}); err != nil {
		return err
	}
	tx.record(func(tx *Txn) error { return tx.moveAfter(id, oldParent, oldPrev) })
	return nil
}

// moveAfter places id right after a known element of parent's child list.
// Invalid targets are skipped silently since it only replays history.
func (tx *Txn) moveAfter(id, parent BlockID, origin crdt.ID) error {
	st := tx.doc.st
	if !st.isVisible(id) || !st.isVisible(parent) {
		return nil
	}
	if parent == id || st.isAncestor(id, parent) {
		return nil
	}
	if !st.blocks[parent].children.Has(origin) {
		return nil
	}
	return tx.place(id, parent, origin)
}

// childOrigin maps a visible index under parent to the element to insert
// after. skip excludes the block being moved from the index space.
func (tx *Txn) childOrigin(parent, skip BlockID, index int) (crdt.ID, error) {
	st := tx.doc.st
	kids := st.children(parent)
	if skip != "" {
		filtered := make([]BlockID, 0, len(kids))
		for _, k := range kids {
			if k != skip {
				filtered = append(filtered, k)
			}
		}
		kids = filtered
	}
	if index < 0 {
		index = len(kids)
	}
	if index > len(kids) {
		return crdt.Head, fmt.Errorf("%w: %d > %d", ErrIndexOutOfRange, index, len(kids))
	}
	if index == 0 {
		return crdt.Head, nil
	}
	return st.elem[kids[index-1]], nil
}

// SetBlockData merges patch into the block's data. The merged result must
// decode into the block's variant and pass validation. Edits to a deleted
// block are ignored.
func (tx *Txn) SetBlockData(id BlockID, patch DataPatch) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.unlock()

	st := tx.doc.st
	bs, ok := st.blocks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	if !st.isVisible(id) || len(patch) == 0 {
		return nil
	}

	merged := bs.rawFields()
	updates := make(map[string][]byte, len(patch))
	for k, v := range patch {
		raw, err := jsonValue(v)
		if err != nil {
			return fmt.Errorf("%w: field %s: %v", ErrInvalidBlockData, k, err)
		}
		merged[k] = raw
		updates[k] = raw
	}
	data, err := decodeFields(bs.btype, merged, true)
	if err != nil {
		return err
	}
	if err := validateData(data); err != nil {
		return err
	}

	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := tx.setField(id, k, updates[k]); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Txn) setField(id BlockID, key string, raw []byte) error {
	st := tx.doc.st
	bs, ok := st.blocks[id]
	if !ok || !st.isVisible(id) {
		return nil
	}
	prev := []byte("null")
	if cur, ok := bs.rawFields()[key]; ok {
		prev = append([]byte(nil), cur...)
	}
	if err := tx.emit(&op{kind: opSetField, block: id, key: key, value: raw}); err != nil {
		return err
	}
	tx.record(func(tx *Txn) error { return tx.setField(id, key, prev) })
	return nil
}

func newBlockID() BlockID {
	return BlockID(uuid.NewString())
}

func marshalFields(fields map[string]json.RawMessage) ([]byte, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlockData, err)
	}
	return b, nil
}

func jsonValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid json")
		}
		return raw, nil
	}
	return json.Marshal(v)
}
