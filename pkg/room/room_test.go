package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"collab-blocks/pkg/awareness"
	"collab-blocks/pkg/document"
	"collab-blocks/pkg/history"
	"collab-blocks/pkg/metrics"
	"collab-blocks/pkg/protocol"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFrame = 2 * time.Second

func next(t *testing.T, c *Client) protocol.Message {
	t.Helper()
	select {
	case f, ok := <-c.Send:
		require.True(t, ok, "send queue closed")
		m, err := protocol.Decode(f)
		require.NoError(t, err)
		return m
	case <-time.After(waitFrame):
		t.Fatal("no frame received")
	}
	return protocol.Message{}
}

func quiet(t *testing.T, c *Client) {
	t.Helper()
	select {
	case f := <-c.Send:
		m, _ := protocol.Decode(f)
		t.Fatalf("unexpected %s frame", m.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

// peer is a client replica talking to a room through a Client.
type peer struct {
	doc *document.Document
	c   *Client
	r   *Room
}

// join registers a peer and runs the initial sync exchange.
func join(t *testing.T, r *Room, replica string) *peer {
	t.Helper()
	p := &peer{doc: document.New(r.ID, replica), c: NewClient(nil, replica), r: r}
	require.True(t, r.Join(p.c))

	m := next(t, p.c)
	require.Equal(t, protocol.SyncStep1, m.Step)
	reply, err := protocol.HandleSync(p.doc, m, "server")
	require.NoError(t, err)
	require.True(t, r.Deliver(p.c, reply))

	require.True(t, r.Deliver(p.c, protocol.EncodeSyncStep1(p.doc.EncodeStateVector())))
	m = next(t, p.c)
	require.Equal(t, protocol.SyncStep2, m.Step)
	_, err = protocol.HandleSync(p.doc, m, "server")
	require.NoError(t, err)
	return p
}

func (p *peer) write(t *testing.T, text string) {
	t.Helper()
	res, err := p.doc.Transact(nil, func(tx *document.Txn) error {
		id, err := tx.CreateBlock(document.RootID, -1, document.ParagraphData{})
		if err != nil {
			return err
		}
		return tx.InsertText(id, 0, text, nil)
	})
	require.NoError(t, err)
	require.True(t, p.r.Deliver(p.c, protocol.EncodeUpdate(res.Update)))
}

// receive applies the next update frame.
func (p *peer) receive(t *testing.T) {
	t.Helper()
	m := next(t, p.c)
	require.Equal(t, protocol.MessageSync, m.Type)
	require.Equal(t, protocol.SyncUpdate, m.Step)
	_, err := protocol.HandleSync(p.doc, m, "server")
	require.NoError(t, err)
}

func texts(tree *document.Tree) []string {
	var out []string
	for _, n := range tree.Root.Children {
		s := ""
		for _, seg := range n.Delta {
			s += seg.Insert
		}
		out = append(out, s)
	}
	return out
}

func TestRoom_RelaysUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPersistence()
	rm := NewRoomManager(store, WithLinger(0))
	defer rm.Close()

	r, err := rm.GetOrCreateRoom(ctx, "doc")
	require.NoError(t, err)

	a := join(t, r, "a")
	a.write(t, "first")

	b := join(t, r, "b")
	assert.Equal(t, []string{"first"}, texts(b.doc.Snapshot()))

	a.write(t, "second")
	b.receive(t)
	assert.Equal(t, []string{"first", "second"}, texts(b.doc.Snapshot()))
	quiet(t, a.c)

	assert.Equal(t, 2, store.Len("doc"))
	assert.Equal(t, []string{"first", "second"}, texts(r.Snapshot()))
}

func TestRoom_ClosesWhenEmptyAndReloads(t *testing.T) {
	ctx := context.Background()
	rm := NewRoomManager(NewMemoryPersistence(), WithLinger(0))
	defer rm.Close()

	r, err := rm.GetOrCreateRoom(ctx, "doc")
	require.NoError(t, err)
	a := join(t, r, "a")
	a.write(t, "kept")
	a.write(t, "also kept")

	r.Leave(a.c)
	select {
	case <-r.Done():
	case <-time.After(waitFrame):
		t.Fatal("room did not close")
	}
	_, ok := <-a.c.Send
	assert.False(t, ok)
	assert.False(t, r.Join(NewClient(nil, "late")))
	r.Leave(a.c)

	tree, err := rm.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"kept", "also kept"}, texts(tree))

	fresh, err := rm.GetOrCreateRoom(ctx, "doc")
	require.NoError(t, err)
	assert.NotSame(t, r, fresh)
	b := join(t, fresh, "b")
	assert.Equal(t, []string{"kept", "also kept"}, texts(b.doc.Snapshot()))
}

func TestRoom_CompactsLongLogs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPersistence()
	src := document.New("doc", "w")
	for _, s := range []string{"a", "b", "c"} {
		res, err := src.Transact(nil, func(tx *document.Txn) error {
			id, err := tx.CreateBlock(document.RootID, -1, document.ParagraphData{})
			if err != nil {
				return err
			}
			return tx.InsertText(id, 0, s, nil)
		})
		require.NoError(t, err)
		require.NoError(t, store.AppendUpdate(ctx, "doc", res.Update))
	}

	rm := NewRoomManager(store, WithCompactAfter(2))
	defer rm.Close()
	r, err := rm.GetOrCreateRoom(ctx, "doc")
	require.NoError(t, err)

	assert.Equal(t, 1, store.Len("doc"))
	assert.Equal(t, []string{"a", "b", "c"}, texts(r.Snapshot()))
}

func TestRoom_DropsMalformedFrames(t *testing.T) {
	ctx := context.Background()
	rm := NewRoomManager(NewMemoryPersistence())
	defer rm.Close()
	r, err := rm.GetOrCreateRoom(ctx, "doc")
	require.NoError(t, err)

	malformed := func(kind string) float64 {
		return testutil.ToFloat64(metrics.MalformedFrames.WithLabelValues(kind))
	}
	before := map[string]float64{"frame": malformed("frame"), "update": malformed("update"), "awareness": malformed("awareness")}

	a := join(t, r, "a")
	require.True(t, r.Deliver(a.c, []byte{0xff}))
	require.True(t, r.Deliver(a.c, protocol.EncodeUpdate([]byte{0x0a, 0x05})))
	require.True(t, r.Deliver(a.c, protocol.EncodeAwareness([]byte("{"))))

	a.write(t, "still works")
	b := join(t, r, "b")
	assert.Equal(t, []string{"still works"}, texts(b.doc.Snapshot()))
	for kind, n := range before {
		assert.Equal(t, n+1, malformed(kind), kind)
	}
}

func TestRoom_Awareness(t *testing.T) {
	ctx := context.Background()
	rm := NewRoomManager(NewMemoryPersistence())
	defer rm.Close()
	r, err := rm.GetOrCreateRoom(ctx, "doc")
	require.NoError(t, err)

	a := join(t, r, "a")
	b := join(t, r, "b")

	local := awareness.New("a")
	require.NoError(t, local.PublishLocalState(awareness.State{
		User:   &awareness.User{Name: "alice", Color: "#f00"},
		Cursor: &awareness.Position{Block: "p", Offset: 2},
	}))
	data, err := local.EncodeUpdate()
	require.NoError(t, err)
	require.True(t, r.Deliver(a.c, protocol.EncodeAwareness(data)))

	remote := awareness.New("b")
	m := next(t, b.c)
	require.Equal(t, protocol.MessageAwareness, m.Type)
	require.NoError(t, remote.ApplyUpdate(m.Payload, nil))
	rec, ok := remote.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, rec.State.Cursor.Offset)
	quiet(t, a.c)

	assert.Equal(t, []User{{ID: "a", Username: "alice", Color: "#f00"}}, r.GetUsers())

	// a late joiner gets the presence of everyone already there
	c := NewClient(nil, "c")
	require.True(t, r.Join(c))
	assert.Equal(t, protocol.SyncStep1, next(t, c).Step)
	assert.Equal(t, protocol.MessageAwareness, next(t, c).Type)

	// leaving removes the records the connection announced
	r.Leave(a.c)
	m = next(t, b.c)
	require.Equal(t, protocol.MessageAwareness, m.Type)
	require.NoError(t, remote.ApplyUpdate(m.Payload, nil))
	_, ok = remote.Get("a")
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return len(r.GetUsers()) == 0 }, waitFrame, 10*time.Millisecond)
}

func TestRoom_RestoreVersionBroadcasts(t *testing.T) {
	ctx := context.Background()
	rm := NewRoomManager(NewMemoryPersistence(), WithVersions(history.NewMemoryStore()))
	defer rm.Close()
	r, err := rm.GetOrCreateRoom(ctx, "doc")
	require.NoError(t, err)
	require.NotNil(t, r.Versions())

	a := join(t, r, "a")
	a.write(t, "v1")
	require.Eventually(t, func() bool { return len(r.Snapshot().Root.Children) == 1 }, waitFrame, 10*time.Millisecond)

	v, err := r.Versions().CreateSnapshot(ctx, "first")
	require.NoError(t, err)
	a.write(t, "v2")

	require.NoError(t, r.RestoreVersion(ctx, v.ID))
	a.receive(t)
	assert.Equal(t, []string{"v1"}, texts(a.doc.Snapshot()))
	assert.ErrorIs(t, r.RestoreVersion(ctx, "missing"), history.ErrVersionNotFound)
}

// hub is an in-process fanout shared by several managers.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[string]func([]byte)
}

type hubNode struct {
	h    *hub
	name string
}

func (n hubNode) Publish(_ context.Context, room string, frame []byte) error {
	n.h.mu.Lock()
	var fns []func([]byte)
	for name, fn := range n.h.subs[room] {
		if name != n.name {
			fns = append(fns, fn)
		}
	}
	n.h.mu.Unlock()
	for _, fn := range fns {
		fn(append([]byte(nil), frame...))
	}
	return nil
}

func (n hubNode) Subscribe(_ context.Context, room string, fn func([]byte)) (func(), error) {
	n.h.mu.Lock()
	defer n.h.mu.Unlock()
	if n.h.subs[room] == nil {
		n.h.subs[room] = map[string]func([]byte){}
	}
	n.h.subs[room][n.name] = fn
	return func() {
		n.h.mu.Lock()
		delete(n.h.subs[room], n.name)
		n.h.mu.Unlock()
	}, nil
}

func (hubNode) Close() error { return nil }

func TestRoom_FanoutAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPersistence()
	h := &hub{subs: map[string]map[string]func([]byte){}}
	rm1 := NewRoomManager(store, WithInstance("one"), WithFanout(hubNode{h, "one"}))
	rm2 := NewRoomManager(store, WithInstance("two"), WithFanout(hubNode{h, "two"}))
	defer rm1.Close()
	defer rm2.Close()

	r1, err := rm1.GetOrCreateRoom(ctx, "doc")
	require.NoError(t, err)
	r2, err := rm2.GetOrCreateRoom(ctx, "doc")
	require.NoError(t, err)

	a := join(t, r1, "a")
	b := join(t, r2, "b")

	a.write(t, "across")
	b.receive(t)
	assert.Equal(t, []string{"across"}, texts(b.doc.Snapshot()))
	// persisted once, by the instance the client is attached to
	assert.Equal(t, 1, store.Len("doc"))
}
