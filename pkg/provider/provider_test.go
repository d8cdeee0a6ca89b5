package provider

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"collab-blocks/pkg/awareness"
	"collab-blocks/pkg/document"
	"collab-blocks/pkg/handlers"
	"collab-blocks/pkg/offline"
	"collab-blocks/pkg/room"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 3 * time.Second

type server struct {
	srv   *httptest.Server
	rooms *room.RoomManager
}

func newServer(t *testing.T) *server {
	t.Helper()
	rooms := room.NewRoomManager(room.NewMemoryPersistence())
	r := mux.NewRouter()
	handlers.NewHandlers(rooms, nil, nil).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		rooms.Close()
	})
	return &server{srv: srv, rooms: rooms}
}

func (s *server) url(objectID string) string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/" + objectID
}

func fastBackOff() Option {
	return WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(20 * time.Millisecond)
	}, 0)
}

// start runs p until the test ends.
func start(t *testing.T, p *Provider) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(eventually):
			t.Error("provider did not stop")
		}
	})
}

func synced(p *Provider) func() bool {
	return func() bool { return p.Status().Synced }
}

func paragraph(t *testing.T, d *document.Document, text string) {
	t.Helper()
	_, err := d.Transact(nil, func(tx *document.Txn) error {
		id, err := tx.CreateBlock(document.RootID, -1, document.ParagraphData{})
		if err != nil {
			return err
		}
		return tx.InsertText(id, 0, text, nil)
	})
	require.NoError(t, err)
}

func texts(d *document.Document) []string {
	var out []string
	for _, id := range d.Children(document.RootID) {
		out = append(out, d.Text(id))
	}
	return out
}

func TestProvider_SyncsPeers(t *testing.T) {
	s := newServer(t)
	docA, docB := document.New("doc", "a"), document.New("doc", "b")
	awA, awB := awareness.New("a"), awareness.New("b")

	paragraph(t, docA, "before connect")
	pa := New(s.url("doc"), docA, awA, fastBackOff())
	pb := New(s.url("doc"), docB, awB, fastBackOff())
	start(t, pa)
	start(t, pb)
	require.Eventually(t, synced(pa), eventually, 10*time.Millisecond)
	require.Eventually(t, synced(pb), eventually, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(texts(docB)) == 1 }, eventually, 10*time.Millisecond)
	assert.Equal(t, []string{"before connect"}, texts(docB))

	paragraph(t, docB, "from b")
	require.Eventually(t, func() bool { return len(texts(docA)) == 2 }, eventually, 10*time.Millisecond)
	assert.Equal(t, texts(docA), texts(docB))

	require.NoError(t, awA.PublishLocalState(awareness.State{User: &awareness.User{Name: "alice"}}))
	require.Eventually(t, func() bool {
		rec, ok := awB.Get("a")
		return ok && rec.State.User != nil && rec.State.User.Name == "alice"
	}, eventually, 10*time.Millisecond)
}

func TestProvider_ReconnectsAndResyncs(t *testing.T) {
	s := newServer(t)
	docA, docB := document.New("doc", "a"), document.New("doc", "b")
	pa := New(s.url("doc"), docA, awareness.New("a"), fastBackOff())
	pb := New(s.url("doc"), docB, awareness.New("b"), fastBackOff())

	var drops atomic.Int32
	pa.OnStatus(func(st Status) {
		if !st.Connected {
			drops.Add(1)
		}
	})
	start(t, pa)
	require.Eventually(t, synced(pa), eventually, 10*time.Millisecond)
	assert.Equal(t, uint64(1), pa.Nonce())

	// dropping every room closes the sockets
	s.rooms.Close()
	paragraph(t, docA, "written around the outage")

	require.Eventually(t, func() bool { return pa.Nonce() >= 2 && pa.Status().Synced }, eventually, 10*time.Millisecond)

	start(t, pb)
	require.Eventually(t, func() bool { return len(texts(docB)) == 1 }, eventually, 10*time.Millisecond)
	assert.Equal(t, []string{"written around the outage"}, texts(docB))
	assert.Positive(t, drops.Load())
}

func TestProvider_RestoresOfflineState(t *testing.T) {
	s := newServer(t)
	store, err := offline.Open(offline.Config{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	doc := document.New("doc", "a")
	p := New(s.url("doc"), doc, awareness.New("a"), WithOfflineStore(store), WithCompactEvery(2), fastBackOff())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, synced(p), eventually, 10*time.Millisecond)

	for _, text := range []string{"one", "two", "three"} {
		paragraph(t, doc, text)
	}
	cancel()
	require.NoError(t, <-done)

	n, err := store.Pending(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "two updates were folded into the state")

	reopened := document.New("doc", "a")
	p2 := New(s.url("doc"), reopened, awareness.New("a"), WithOfflineStore(store))
	require.NoError(t, p2.Restore(context.Background()))
	assert.Equal(t, []string{"one", "two", "three"}, texts(reopened))
}

func TestProvider_GivesUpOnClientErrors(t *testing.T) {
	s := newServer(t)
	bad := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/nowhere"
	p := New(bad, document.New("doc", "a"), awareness.New("a"), fastBackOff())

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	err := p.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Equal(t, uint64(0), p.Nonce())
}
