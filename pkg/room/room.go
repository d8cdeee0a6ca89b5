// Package room hosts the server side of a collaborative object: one server
// replica per object, the websocket clients attached to it, and the relay of
// document updates and awareness between them.
package room

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"collab-blocks/pkg/awareness"
	"collab-blocks/pkg/document"
	"collab-blocks/pkg/history"
	"collab-blocks/pkg/logging"
	"collab-blocks/pkg/metrics"
	"collab-blocks/pkg/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer     = 256
	persistTimeout = 5 * time.Second
)

// ErrRoomClosed is returned when a room shut down while being used.
var ErrRoomClosed = errors.New("room closed")

// Client represents a connected websocket session in a room.
type Client struct {
	ID       string
	Username string
	Conn     *websocket.Conn
	Send     chan []byte

	// awareness replicas announced over this connection; owned by the
	// room's run loop
	replicas map[string]struct{}
}

// NewClient wraps conn. conn may be nil when the caller drains Send itself.
func NewClient(conn *websocket.Conn, username string) *Client {
	return &Client{
		ID:       uuid.NewString(),
		Username: username,
		Conn:     conn,
		Send:     make(chan []byte, sendBuffer),
		replicas: map[string]struct{}{},
	}
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Color    string `json:"color,omitempty"`
}

type inbound struct {
	client *Client
	data   []byte
}

// fanoutOrigin marks changes received from other server instances.
type fanoutOrigin struct{}

// Room is the live session of one collaborative object.
type Room struct {
	ID      string
	Clients map[string]*Client

	Register   chan *Client
	Unregister chan *Client

	doc      *document.Document
	aw       *awareness.Awareness
	versions *history.Manager
	manager  *RoomManager
	log      logging.Logger

	inbound chan inbound
	remote  chan []byte
	calls   chan func()
	quit    chan struct{}
	done    chan struct{}

	mutex      sync.RWMutex
	evicted    []*Client
	emptySince time.Time
	stops      []func()
}

// Document returns the server replica. Mutating it outside Do races with
// the run loop's broadcasts.
func (r *Room) Document() *document.Document { return r.doc }

// Versions returns the room's history manager, nil when the server has no
// version store.
func (r *Room) Versions() *history.Manager { return r.versions }

// Done is closed once the room stopped.
func (r *Room) Done() <-chan struct{} { return r.done }

// Join registers c. It returns false if the room closed first; the caller
// should then get a fresh room from the manager.
func (r *Room) Join(c *Client) bool {
	select {
	case r.Register <- c:
		return true
	case <-r.done:
		return false
	}
}

// Leave unregisters c. Calling it more than once is harmless.
func (r *Room) Leave(c *Client) {
	select {
	case r.Unregister <- c:
	case <-r.done:
	}
}

// Deliver hands a frame received from c to the run loop.
func (r *Room) Deliver(c *Client, data []byte) bool {
	select {
	case r.inbound <- inbound{client: c, data: data}:
		return true
	case <-r.done:
		return false
	}
}

// Do runs fn on the room's run loop and waits for it.
func (r *Room) Do(ctx context.Context, fn func(doc *document.Document) error) error {
	errc := make(chan error, 1)
	call := func() { errc <- fn(r.doc) }
	select {
	case r.calls <- call:
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RestoreVersion rolls the live document back to a stored version. The
// restore is broadcast to every client like any other edit.
func (r *Room) RestoreVersion(ctx context.Context, versionID string) error {
	if r.versions == nil {
		return history.ErrVersionNotFound
	}
	return r.Do(ctx, func(*document.Document) error {
		return r.versions.RestoreVersion(ctx, versionID)
	})
}

// Snapshot returns the current block tree.
func (r *Room) Snapshot() *document.Tree { return r.doc.Snapshot() }

// run handles room operations
func (r *Room) run(sweep time.Duration) {
	defer r.shutdown()
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		if r.step(ticker.C) {
			return
		}
	}
}

// step handles one event and reports whether the room should stop.
func (r *Room) step(tick <-chan time.Time) (stop bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error(context.Background(), "panic in room loop", "room", r.ID, "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	defer r.reap()

	select {
	case <-r.quit:
		return true

	case c := <-r.Register:
		r.mutex.Lock()
		r.Clients[c.ID] = c
		r.emptySince = time.Time{}
		r.mutex.Unlock()
		metrics.ClientsConnected.Inc()
		r.greet(c)
		r.log.Info(context.Background(), "client joined", "room", r.ID, "client", c.ID, "username", c.Username)

	case c := <-r.Unregister:
		r.drop(c)
		r.forget(c)
		r.log.Info(context.Background(), "client left", "room", r.ID, "client", c.ID)
		if r.idle() && r.manager.linger == 0 {
			return r.manager.release(r)
		}

	case in := <-r.inbound:
		r.handle(in.client, in.data)

	case frame := <-r.remote:
		r.handleRemote(frame)

	case call := <-r.calls:
		call()

	case now := <-tick:
		r.aw.RemoveOutdated()
		if r.idle() && now.Sub(r.emptySince) >= r.manager.linger {
			return r.manager.release(r)
		}
	}
	return false
}

func (r *Room) idle() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.Clients) == 0
}

// greet sends a new client the server's state vector, so it answers with
// what the server misses, and every known awareness record.
func (r *Room) greet(c *Client) {
	r.sendTo(c, protocol.EncodeSyncStep1(r.doc.EncodeStateVector()))
	if len(r.aw.States()) == 0 {
		return
	}
	data, err := r.aw.EncodeUpdate()
	if err != nil {
		r.log.Warn(context.Background(), "encode awareness", "room", r.ID, "err", err)
		return
	}
	r.sendTo(c, protocol.EncodeAwareness(data))
}

func (r *Room) handle(c *Client, data []byte) {
	ctx := context.Background()
	m, err := protocol.Decode(data)
	if err != nil {
		metrics.MalformedFrames.WithLabelValues("frame").Inc()
		r.log.Warn(ctx, "dropping malformed frame", "room", r.ID, "client", c.ID, "err", err)
		return
	}
	switch m.Type {
	case protocol.MessageSync:
		reply, err := protocol.HandleSync(r.doc, m, c)
		if err != nil {
			metrics.MalformedFrames.WithLabelValues("update").Inc()
			r.log.Warn(ctx, "dropping sync message", "room", r.ID, "client", c.ID, "step", m.Step, "err", err)
			return
		}
		if reply != nil {
			r.sendTo(c, reply)
		}
		if m.Step != protocol.SyncStep1 {
			metrics.UpdatesApplied.WithLabelValues("client").Inc()
		}
	case protocol.MessageAwareness:
		if err := r.aw.ApplyUpdate(m.Payload, c); err != nil {
			metrics.MalformedFrames.WithLabelValues("awareness").Inc()
			r.log.Warn(ctx, "dropping awareness update", "room", r.ID, "client", c.ID, "err", err)
		}
	}
}

func (r *Room) handleRemote(frame []byte) {
	ctx := context.Background()
	m, err := protocol.Decode(frame)
	if err != nil {
		metrics.MalformedFrames.WithLabelValues("frame").Inc()
		r.log.Warn(ctx, "dropping malformed fanout frame", "room", r.ID, "err", err)
		return
	}
	switch m.Type {
	case protocol.MessageSync:
		if m.Step == protocol.SyncStep1 {
			return
		}
		if err := r.doc.ApplyRemoteUpdate(m.Payload, fanoutOrigin{}); err != nil {
			metrics.MalformedFrames.WithLabelValues("update").Inc()
			r.log.Warn(ctx, "dropping fanout update", "room", r.ID, "err", err)
			return
		}
		metrics.UpdatesApplied.WithLabelValues("fanout").Inc()
	case protocol.MessageAwareness:
		if err := r.aw.ApplyUpdate(m.Payload, fanoutOrigin{}); err != nil {
			metrics.MalformedFrames.WithLabelValues("awareness").Inc()
		}
	}
}

// onCommit relays a change of the server replica. It runs on the run loop,
// which is the only goroutine mutating the replica.
func (r *Room) onCommit(ev document.Event) {
	if len(ev.Update) == 0 {
		return
	}
	frame := protocol.EncodeUpdate(ev.Update)
	from, _ := ev.Origin.(*Client)
	r.broadcast(frame, from)
	metrics.UpdateBytes.Observe(float64(len(ev.Update)))

	if _, ok := ev.Origin.(fanoutOrigin); ok {
		// the instance that received it first persisted it
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.manager.store.AppendUpdate(ctx, r.ID, ev.Update); err != nil {
		metrics.PersistErrors.Inc()
		r.log.Error(ctx, "persist update", "room", r.ID, "err", err)
	}
	if err := r.manager.fanout.Publish(ctx, r.ID, frame); err != nil {
		r.log.Warn(ctx, "publish update", "room", r.ID, "err", err)
	}
}

func (r *Room) onAwareness(ch awareness.Change) {
	from, _ := ch.Origin.(*Client)
	if from != nil {
		for _, id := range ch.Added {
			from.replicas[id] = struct{}{}
		}
	}
	data, err := r.aw.EncodeUpdate(ch.Replicas()...)
	if err != nil {
		r.log.Warn(context.Background(), "encode awareness", "room", r.ID, "err", err)
		return
	}
	frame := protocol.EncodeAwareness(data)
	r.broadcast(frame, from)
	if _, ok := ch.Origin.(fanoutOrigin); ok {
		return
	}
	if err := r.manager.fanout.Publish(context.Background(), r.ID, frame); err != nil {
		r.log.Warn(context.Background(), "publish awareness", "room", r.ID, "err", err)
	}
}

// broadcast sends frame to every client except the sender. Clients whose
// queue is full are evicted.
func (r *Room) broadcast(frame []byte, except *Client) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, c := range r.Clients {
		if c == except {
			continue
		}
		select {
		case c.Send <- frame:
		default:
			r.evictLocked(c)
		}
	}
}

func (r *Room) sendTo(c *Client, frame []byte) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.Clients[c.ID]; !ok {
		return
	}
	select {
	case c.Send <- frame:
	default:
		r.evictLocked(c)
	}
}

func (r *Room) evictLocked(c *Client) {
	delete(r.Clients, c.ID)
	close(c.Send)
	metrics.ClientsConnected.Dec()
	r.evicted = append(r.evicted, c)
}

func (r *Room) drop(c *Client) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.Clients[c.ID]; ok {
		delete(r.Clients, c.ID)
		close(c.Send)
		metrics.ClientsConnected.Dec()
	}
	if len(r.Clients) == 0 {
		r.emptySince = time.Now()
	}
}

// forget removes the awareness records c announced. Other clients learn
// about it through onAwareness.
func (r *Room) forget(c *Client) {
	for id := range c.replicas {
		delete(c.replicas, id)
		r.aw.RemoveReplica(id)
	}
}

// reap forgets evicted clients. Forgetting broadcasts, which may evict more.
func (r *Room) reap() {
	for {
		r.mutex.Lock()
		if len(r.evicted) == 0 {
			if len(r.Clients) == 0 && r.emptySince.IsZero() {
				r.emptySince = time.Now()
			}
			r.mutex.Unlock()
			return
		}
		c := r.evicted[0]
		r.evicted = r.evicted[1:]
		r.mutex.Unlock()
		r.log.Warn(context.Background(), "evicted slow client", "room", r.ID, "client", c.ID)
		r.forget(c)
	}
}

func (r *Room) shutdown() {
	for _, stop := range r.stops {
		stop()
	}
	if r.versions != nil {
		r.versions.Close()
	}
	r.mutex.Lock()
	for id, c := range r.Clients {
		delete(r.Clients, id)
		close(c.Send)
		metrics.ClientsConnected.Dec()
	}
	r.mutex.Unlock()
	close(r.done)
	metrics.RoomsActive.Dec()
	r.log.Info(context.Background(), "room closed", "room", r.ID)
}

// GetUsers returns the users present in the room, from their awareness.
func (r *Room) GetUsers() []User {
	states := r.aw.States()
	users := make([]User, 0, len(states))
	for _, rec := range states {
		u := User{ID: rec.Replica}
		if rec.State.User != nil {
			u.Username = rec.State.User.Name
			u.Color = rec.State.User.Color
		}
		users = append(users, u)
	}
	return users
}
