package document

import (
	"errors"
	"testing"

	"collab-blocks/pkg/crdt"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDoc(t *testing.T, replica string) *Document {
	t.Helper()
	return New("doc-1", replica)
}

// exchange brings every document up to date with every other one using
// state vector diffs.
func exchange(t *testing.T, docs ...*Document) {
	t.Helper()
	for _, from := range docs {
		for _, to := range docs {
			if from == to {
				continue
			}
			diff, err := from.DiffUpdate(to.EncodeStateVector())
			require.NoError(t, err)
			require.NoError(t, to.ApplyRemoteUpdate(diff, "test"))
		}
	}
}

func requireSameTree(t *testing.T, a, b *Document) {
	t.Helper()
	if diff := cmp.Diff(a.Snapshot().Root, b.Snapshot().Root); diff != "" {
		t.Fatalf("trees differ (-a +b):\n%s", diff)
	}
}

func mustTransact(t *testing.T, d *Document, fn func(tx *Txn) error) *Result {
	t.Helper()
	res, err := d.Transact(nil, fn)
	require.NoError(t, err)
	return res
}

func addParagraph(t *testing.T, d *Document, parent BlockID, index int, text string) BlockID {
	t.Helper()
	var id BlockID
	mustTransact(t, d, func(tx *Txn) error {
		var err error
		id, err = tx.CreateBlock(parent, index, ParagraphData{})
		if err != nil {
			return err
		}
		return tx.InsertText(id, 0, text, nil)
	})
	return id
}

func texts(d *Document, ids []BlockID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = d.Text(id)
	}
	return out
}

func TestDocument_NewHasOnlyRoot(t *testing.T) {
	d := newDoc(t, "a")
	assert.Equal(t, RootID, d.Root())
	assert.True(t, d.Contains(RootID))
	assert.Empty(t, d.Children(RootID))
	assert.Empty(t, d.StateVector())
	assert.Equal(t, TypePage, d.Snapshot().Root.Type)

	assert.NotEmpty(t, New("doc-2", "").ReplicaID())
}

func TestDocument_ConcurrentFirstChild(t *testing.T) {
	x := newDoc(t, "x")
	y := newDoc(t, "y")

	p := addParagraph(t, x, RootID, 0, "P")
	q := addParagraph(t, y, RootID, 0, "Q")

	exchange(t, x, y)

	require.Len(t, x.Children(RootID), 2)
	assert.ElementsMatch(t, []BlockID{p, q}, x.Children(RootID))
	assert.Equal(t, x.Children(RootID), y.Children(RootID))
	assert.Equal(t, texts(x, x.Children(RootID)), texts(y, y.Children(RootID)))
	requireSameTree(t, x, y)
	assert.Equal(t, x.EncodeState(), y.EncodeState())
}

func TestDocument_ConvergesInAnyDeliveryOrder(t *testing.T) {
	a := newDoc(t, "a")
	b := newDoc(t, "b")

	var updates [][]byte
	a.Subscribe(func(ev Event) {
		if ev.Local {
			updates = append(updates, ev.Update)
		}
	})
	h := addParagraph(t, a, RootID, 0, "hello")
	mustTransact(t, a, func(tx *Txn) error { return tx.InsertText(h, 5, " world", nil) })
	mustTransact(t, a, func(tx *Txn) error { return tx.ApplyFormat(h, 0, 5, AttrItalic, "true") })
	require.Len(t, updates, 3)

	forward := newDoc(t, "c")
	for _, u := range updates {
		require.NoError(t, forward.ApplyRemoteUpdate(u, nil))
	}
	backward := newDoc(t, "d")
	for i := len(updates) - 1; i >= 0; i-- {
		require.NoError(t, backward.ApplyRemoteUpdate(updates[i], nil))
	}

	// concurrent edits from b interleaved with a's history
	require.NoError(t, b.ApplyRemoteUpdate(updates[0], nil))
	mustTransact(t, b, func(tx *Txn) error { return tx.InsertText(h, 0, ">> ", Attributes{}) })
	for _, u := range updates[1:] {
		require.NoError(t, b.ApplyRemoteUpdate(u, nil))
	}
	exchange(t, a, b, forward, backward)

	for _, d := range []*Document{b, forward, backward} {
		requireSameTree(t, a, d)
		assert.Equal(t, a.EncodeState(), d.EncodeState())
	}
	assert.Equal(t, ">> hello world", a.Text(h))
	assert.Equal(t, 0, backward.PendingCount())
}

func TestDocument_ApplyRemoteUpdateIsIdempotent(t *testing.T) {
	a := newDoc(t, "a")
	b := newDoc(t, "b")
	res := func() *Result {
		var id BlockID
		return mustTransact(t, a, func(tx *Txn) error {
			var err error
			id, err = tx.CreateBlock(RootID, 0, HeadingData{Level: 1})
			if err != nil {
				return err
			}
			return tx.InsertText(id, 0, "Title", nil)
		})
	}()

	events := 0
	b.Subscribe(func(Event) { events++ })

	require.NoError(t, b.ApplyRemoteUpdate(res.Update, nil))
	before := b.EncodeState()
	require.NoError(t, b.ApplyRemoteUpdate(res.Update, nil))

	assert.Equal(t, 1, events)
	assert.Equal(t, before, b.EncodeState())
	requireSameTree(t, a, b)
}

func TestDocument_CollidingCreatesConverge(t *testing.T) {
	// x and y both claim block b1. z types into it after seeing only y's
	// create. The create with the lowest stamp wins on every replica.
	x := encodeOps([]*op{{
		id: crdt.ID{Replica: "x", Seq: 0}, stamp: crdt.Stamp{Lamport: 1, Replica: "x"},
		kind: opCreate, block: "b1", parent: RootID, btype: TypeHeading, value: []byte(`{"level":2}`),
	}})
	y := encodeOps([]*op{{
		id: crdt.ID{Replica: "y", Seq: 0}, stamp: crdt.Stamp{Lamport: 1, Replica: "y"},
		kind: opCreate, block: "b1", parent: RootID, btype: TypeDivider,
	}})
	z := encodeOps([]*op{{
		id: crdt.ID{Replica: "z", Seq: 0}, stamp: crdt.Stamp{Lamport: 2, Replica: "z"},
		kind: opInsertText, block: "b1", text: "hi",
	}})

	a := newDoc(t, "a")
	b := newDoc(t, "b")
	for _, u := range [][]byte{x, z, y} {
		require.NoError(t, a.ApplyRemoteUpdate(u, nil))
	}
	for _, u := range [][]byte{y, z, x} {
		require.NoError(t, b.ApplyRemoteUpdate(u, nil))
	}

	for _, d := range []*Document{a, b} {
		assert.Equal(t, []BlockID{"b1"}, d.Children(RootID))
		blk, ok := d.Block("b1")
		require.True(t, ok)
		assert.Equal(t, TypeHeading, blk.Type)
		assert.Equal(t, &HeadingData{Level: 2}, blk.Data)
		assert.Equal(t, "hi", d.Text("b1"))
		assert.Zero(t, d.PendingCount())
	}
	requireSameTree(t, a, b)
	assert.Equal(t, a.EncodeState(), b.EncodeState())
}

func TestDocument_OutOfOrderUpdatesArePending(t *testing.T) {
	a := newDoc(t, "a")
	var updates [][]byte
	a.Subscribe(func(ev Event) { updates = append(updates, ev.Update) })

	p := addParagraph(t, a, RootID, 0, "one")
	addParagraph(t, a, p, 0, "two")
	mustTransact(t, a, func(tx *Txn) error { return tx.DeleteRange(p, 0, 1) })
	require.Len(t, updates, 3)

	b := newDoc(t, "b")
	require.NoError(t, b.ApplyRemoteUpdate(updates[2], nil))
	require.NoError(t, b.ApplyRemoteUpdate(updates[1], nil))
	assert.Empty(t, b.Children(RootID))
	assert.Positive(t, b.PendingCount())

	require.NoError(t, b.ApplyRemoteUpdate(updates[0], nil))
	assert.Zero(t, b.PendingCount())
	assert.Equal(t, "ne", b.Text(p))
	requireSameTree(t, a, b)
}

func TestDocument_MalformedUpdate(t *testing.T) {
	d := newDoc(t, "a")
	addParagraph(t, d, RootID, 0, "keep")
	before := d.EncodeState()

	tests := []struct {
		name   string
		update []byte
	}{
		{"truncated", []byte{0x0a, 0x10, 0x01}},
		{"garbage tag", []byte{0xff, 0xff, 0xff}},
		{"op without replica", []byte{0x0a, 0x02, 0x10, 0x01}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := d.ApplyRemoteUpdate(tc.update, nil)
			assert.ErrorIs(t, err, ErrMalformedUpdate)
			assert.Equal(t, before, d.EncodeState())
		})
	}

	_, err := d.DiffUpdate([]byte{0x0a, 0x09})
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestDocument_DiffUpdateSendsOnlyMissingOps(t *testing.T) {
	a := newDoc(t, "a")
	b := newDoc(t, "b")
	addParagraph(t, a, RootID, 0, "first")
	exchange(t, a, b)

	addParagraph(t, a, RootID, -1, "second")
	diff, err := a.DiffUpdate(b.EncodeStateVector())
	require.NoError(t, err)
	full := a.EncodeState()
	assert.Less(t, len(diff), len(full))

	require.NoError(t, b.ApplyRemoteUpdate(diff, nil))
	assert.Equal(t, []string{"first", "second"}, texts(b, b.Children(RootID)))
	assert.Equal(t, a.StateVector(), b.StateVector())

	empty, err := a.DiffUpdate(b.EncodeStateVector())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDocument_SubscribersSeeCommittedSnapshot(t *testing.T) {
	d := newDoc(t, "a")
	var seen []int
	unsubscribe := d.Subscribe(func(ev Event) {
		assert.True(t, ev.Local)
		seen = append(seen, len(d.Snapshot().Root.Children))
	})

	mustTransact(t, d, func(tx *Txn) error {
		for i := 0; i < 3; i++ {
			if _, err := tx.CreateBlock(RootID, -1, ParagraphData{}); err != nil {
				return err
			}
		}
		// a snapshot taken mid-transaction still shows the old state
		assert.Empty(t, d.Snapshot().Root.Children)
		return nil
	})
	assert.Equal(t, []int{3}, seen)

	unsubscribe()
	addParagraph(t, d, RootID, 0, "x")
	assert.Equal(t, []int{3}, seen)
}

func TestDocument_RemoteUpdateDuringTransactionIsQueued(t *testing.T) {
	a := newDoc(t, "a")
	b := newDoc(t, "b")
	remote := addParagraph(t, b, RootID, 0, "remote")

	var events []Event
	a.Subscribe(func(ev Event) { events = append(events, ev) })

	tx, err := a.Begin("local")
	require.NoError(t, err)
	local, err := tx.CreateBlock(RootID, 0, ParagraphData{})
	require.NoError(t, err)

	require.NoError(t, a.ApplyRemoteUpdate(b.EncodeState(), "peer"))
	assert.False(t, a.Contains(remote))

	_, err = tx.Commit()
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.True(t, events[0].Local)
	assert.Equal(t, "local", events[0].Origin)
	assert.False(t, events[1].Local)
	assert.Equal(t, "peer", events[1].Origin)
	assert.ElementsMatch(t, []BlockID{local, remote}, a.Children(RootID))
}

func TestTxn_Lifecycle(t *testing.T) {
	d := newDoc(t, "a")

	tx, err := d.Begin(nil)
	require.NoError(t, err)
	_, err = d.Begin(nil)
	assert.ErrorIs(t, err, ErrTransactionAlreadyOpen)
	_, err = d.Transact(nil, func(*Txn) error { return nil })
	assert.ErrorIs(t, err, ErrTransactionAlreadyOpen)

	res, err := tx.Commit()
	require.NoError(t, err)
	assert.Nil(t, res.Update)

	_, err = tx.CreateBlock(RootID, 0, ParagraphData{})
	assert.ErrorIs(t, err, ErrNoActiveTransaction)
	assert.ErrorIs(t, tx.DeleteBlock("x"), ErrNoActiveTransaction)
	assert.ErrorIs(t, tx.MoveBlock("x", RootID, 0), ErrNoActiveTransaction)
	assert.ErrorIs(t, tx.SetBlockData("x", DataPatch{}), ErrNoActiveTransaction)
	assert.ErrorIs(t, tx.InsertText("x", 0, "a", nil), ErrNoActiveTransaction)
	_, err = tx.Commit()
	assert.ErrorIs(t, err, ErrNoActiveTransaction)
	tx.Abort()
}

func TestTxn_AbortDiscardsEverything(t *testing.T) {
	d := newDoc(t, "a")
	kept := addParagraph(t, d, RootID, 0, "kept")
	before := d.EncodeState()

	notified := false
	d.Subscribe(func(Event) { notified = true })

	tx, err := d.Begin(nil)
	require.NoError(t, err)
	_, err = tx.CreateBlock(RootID, 0, ParagraphData{})
	require.NoError(t, err)
	require.NoError(t, tx.InsertText(kept, 4, "!!", nil))
	require.NoError(t, tx.DeleteBlock(kept))
	tx.Abort()

	assert.False(t, notified)
	assert.Equal(t, before, d.EncodeState())
	assert.Equal(t, "kept", d.Text(kept))

	// the clock was rewound too: the next op reuses the aborted sequence
	seqBefore := d.StateVector().Get("a")
	addParagraph(t, d, RootID, -1, "next")
	assert.Equal(t, seqBefore+1+4, d.StateVector().Get("a"))
}

func TestTxn_TransactAbortsOnError(t *testing.T) {
	d := newDoc(t, "a")
	boom := errors.New("boom")
	_, err := d.Transact(nil, func(tx *Txn) error {
		if _, err := tx.CreateBlock(RootID, 0, ParagraphData{}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, d.Children(RootID))
}
