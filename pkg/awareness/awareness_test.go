package awareness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newPair(t *testing.T) (*Awareness, *Awareness, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := New("a", WithClock(clk.Now), WithTimeout(10*time.Second))
	b := New("b", WithClock(clk.Now), WithTimeout(10*time.Second))
	return a, b, clk
}

// relay forwards every local change of from to to.
func relay(t *testing.T, from, to *Awareness) {
	t.Helper()
	from.OnChange(func(c Change) {
		if !c.Local {
			return
		}
		data, err := from.EncodeUpdate(c.Replicas()...)
		require.NoError(t, err)
		require.NoError(t, to.ApplyUpdate(data, "relay"))
	})
}

func TestAwareness_PublishAndReceive(t *testing.T) {
	a, b, _ := newPair(t)
	relay(t, a, b)

	var changes []Change
	b.OnChange(func(c Change) { changes = append(changes, c) })

	alice := &User{Name: "alice", Color: "#f00"}
	require.NoError(t, a.PublishLocalState(State{User: alice}))
	require.NoError(t, a.PublishLocalState(State{User: alice, Cursor: &Position{Block: "p1", Offset: 3}}))
	// identical state changes nothing
	require.NoError(t, a.PublishLocalState(State{User: alice, Cursor: &Position{Block: "p1", Offset: 3}}))

	require.Len(t, changes, 2)
	assert.Equal(t, []string{"a"}, changes[0].Added)
	assert.Equal(t, []string{"a"}, changes[1].Updated)
	assert.Equal(t, "relay", changes[1].Origin)

	rec, ok := b.Get("a")
	require.True(t, ok)
	assert.Equal(t, alice, rec.State.User)
	assert.Equal(t, &Position{Block: "p1", Offset: 3}, rec.State.Cursor)

	local, ok := a.LocalState()
	require.True(t, ok)
	assert.Equal(t, rec.State, local)
}

func TestAwareness_FieldsAreLastWriterWins(t *testing.T) {
	a, b, _ := newPair(t)

	require.NoError(t, a.PublishLocalState(State{Cursor: &Position{Block: "p", Offset: 1}}))
	first, err := a.EncodeUpdate()
	require.NoError(t, err)
	require.NoError(t, a.PublishLocalState(State{Cursor: &Position{Block: "p", Offset: 2}}))
	second, err := a.EncodeUpdate()
	require.NoError(t, err)

	require.NoError(t, b.ApplyUpdate(second, nil))
	require.NoError(t, b.ApplyUpdate(first, nil))

	rec, _ := b.Get("a")
	assert.Equal(t, 2, rec.State.Cursor.Offset)
}

func TestAwareness_ClearedFieldPropagates(t *testing.T) {
	a, b, _ := newPair(t)
	relay(t, a, b)

	require.NoError(t, a.PublishLocalState(State{
		User:      &User{Name: "alice"},
		Selection: &Selection{Anchor: Position{Block: "p", Offset: 0}, Head: Position{Block: "p", Offset: 4}},
	}))
	require.NoError(t, a.PublishLocalState(State{User: &User{Name: "alice"}}))

	rec, _ := b.Get("a")
	assert.Nil(t, rec.State.Selection)
	assert.Equal(t, "alice", rec.State.User.Name)
}

func TestAwareness_RemoveReplica(t *testing.T) {
	a, b, _ := newPair(t)
	relay(t, a, b)
	require.NoError(t, a.PublishLocalState(State{User: &User{Name: "alice"}}))
	stale, err := a.EncodeUpdate("a")
	require.NoError(t, err)

	var removed []string
	b.OnChange(func(c Change) { removed = append(removed, c.Removed...) })

	// the local replica leaves
	a.RemoveReplica("a")
	_, ok := a.LocalState()
	assert.False(t, ok)
	assert.Equal(t, []string{"a"}, removed)
	assert.Empty(t, b.States())

	// a delayed update from before the removal cannot resurrect it
	require.NoError(t, b.ApplyUpdate(stale, nil))
	assert.Empty(t, b.States())

	// rejoining publishes with a newer clock
	require.NoError(t, a.PublishLocalState(State{User: &User{Name: "alice"}}))
	_, ok = b.Get("a")
	assert.True(t, ok)
}

func TestAwareness_RemoveOutdated(t *testing.T) {
	a, b, clk := newPair(t)
	relay(t, a, b)
	require.NoError(t, a.PublishLocalState(State{User: &User{Name: "alice"}}))
	require.NoError(t, b.PublishLocalState(State{User: &User{Name: "bob"}}))

	clk.Advance(5 * time.Second)
	assert.Empty(t, b.RemoveOutdated())

	a.Renew()
	clk.Advance(6 * time.Second)
	assert.Empty(t, b.RemoveOutdated())

	clk.Advance(10 * time.Second)
	assert.Equal(t, []string{"a"}, b.RemoveOutdated())
	// the local record never times out
	assert.Len(t, b.States(), 1)
	assert.Equal(t, "b", b.States()[0].Replica)
}

func TestAwareness_IgnoresUpdatesAboutLocalReplica(t *testing.T) {
	a, b, _ := newPair(t)
	require.NoError(t, a.PublishLocalState(State{User: &User{Name: "alice"}}))

	forged := New("a")
	require.NoError(t, forged.PublishLocalState(State{User: &User{Name: "mallory"}}))
	data, err := forged.EncodeUpdate()
	require.NoError(t, err)

	require.NoError(t, a.ApplyUpdate(data, nil))
	s, _ := a.LocalState()
	assert.Equal(t, "alice", s.User.Name)

	require.NoError(t, b.ApplyUpdate(data, nil))
	_, ok := b.Get("a")
	assert.True(t, ok)
}

func TestAwareness_ApplyMalformed(t *testing.T) {
	a := New("a")
	assert.ErrorIs(t, a.ApplyUpdate([]byte("{"), nil), ErrMalformedUpdate)
	assert.ErrorIs(t, a.ApplyUpdate([]byte(`{"entries":[{"clock":1}]}`), nil), ErrMalformedUpdate)
}

func TestAwareness_RunStopsOnCancel(t *testing.T) {
	a := New("a", WithTimeout(20*time.Millisecond))
	require.NoError(t, a.PublishLocalState(State{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	rec, ok := a.Get("a")
	require.True(t, ok)
	assert.Positive(t, rec.Clock)
}
