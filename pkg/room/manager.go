package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"collab-blocks/pkg/awareness"
	"collab-blocks/pkg/document"
	"collab-blocks/pkg/fanout"
	"collab-blocks/pkg/history"
	"collab-blocks/pkg/logging"
	"collab-blocks/pkg/metrics"

	"github.com/google/uuid"
)

// RoomManager manages all rooms of this server instance.
type RoomManager struct {
	rooms map[string]*Room
	mutex sync.Mutex

	store    Persistence
	versions history.Store
	fanout   fanout.Fanout
	log      logging.Logger

	instance         string
	awarenessTimeout time.Duration
	compactAfter     int
	linger           time.Duration
}

type Option func(*RoomManager)

func WithLogger(l logging.Logger) Option { return func(rm *RoomManager) { rm.log = l } }

// WithFanout relays room traffic to other server instances.
func WithFanout(f fanout.Fanout) Option { return func(rm *RoomManager) { rm.fanout = f } }

// WithVersions gives every room a history manager backed by s.
func WithVersions(s history.Store) Option { return func(rm *RoomManager) { rm.versions = s } }

// WithInstance names this server; it becomes the replica id prefix of
// server replicas.
func WithInstance(id string) Option { return func(rm *RoomManager) { rm.instance = id } }

func WithAwarenessTimeout(d time.Duration) Option {
	return func(rm *RoomManager) { rm.awarenessTimeout = d }
}

// WithCompactAfter folds an object's update log into one state update when
// a room loads more than n updates. Zero disables compaction.
func WithCompactAfter(n int) Option { return func(rm *RoomManager) { rm.compactAfter = n } }

// WithLinger keeps a room without clients loaded for d. Zero closes it as
// soon as the last client leaves.
func WithLinger(d time.Duration) Option { return func(rm *RoomManager) { rm.linger = d } }

// NewRoomManager creates a new room manager
func NewRoomManager(store Persistence, opts ...Option) *RoomManager {
	rm := &RoomManager{
		rooms:            make(map[string]*Room),
		store:            store,
		fanout:           fanout.Local{},
		log:              logging.Nop(),
		instance:         uuid.NewString(),
		awarenessTimeout: awareness.DefaultTimeout,
		compactAfter:     500,
		linger:           30 * time.Second,
	}
	for _, opt := range opts {
		opt(rm)
	}
	return rm
}

// GetOrCreateRoom returns the live room of objectID, loading its server
// replica from the update log when needed.
func (rm *RoomManager) GetOrCreateRoom(ctx context.Context, objectID string) (*Room, error) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if r, ok := rm.rooms[objectID]; ok {
		return r, nil
	}

	doc, n, through, err := rm.load(ctx, objectID)
	if err != nil {
		return nil, err
	}
	if rm.compactAfter > 0 && n > rm.compactAfter && doc.PendingCount() == 0 {
		if err := rm.store.CompactUpdates(ctx, objectID, doc.EncodeState(), through); err != nil {
			rm.log.Warn(ctx, "compact update log", "room", objectID, "err", err)
		} else {
			rm.log.Info(ctx, "compacted update log", "room", objectID, "updates", n)
		}
	}

	log := rm.log.With("room", objectID)
	r := &Room{
		ID:         objectID,
		Clients:    make(map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		doc:        doc,
		aw:         awareness.New("server-"+rm.instance, awareness.WithTimeout(rm.awarenessTimeout)),
		manager:    rm,
		log:        rm.log,
		inbound:    make(chan inbound),
		remote:     make(chan []byte, sendBuffer),
		calls:      make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if rm.versions != nil {
		r.versions = history.NewManager(doc, rm.versions, history.WithLogger(log))
	}
	r.stops = append(r.stops, doc.Subscribe(r.onCommit), r.aw.OnChange(r.onAwareness))

	stopFanout, err := rm.fanout.Subscribe(context.Background(), objectID, func(frame []byte) {
		select {
		case r.remote <- frame:
		case <-r.done:
		}
	})
	if err != nil {
		for _, stop := range r.stops {
			stop()
		}
		return nil, fmt.Errorf("subscribe room %s: %w", objectID, err)
	}
	r.stops = append(r.stops, stopFanout)

	rm.rooms[objectID] = r
	metrics.RoomsActive.Inc()
	go r.run(rm.sweepInterval())
	rm.log.Info(ctx, "room opened", "room", objectID, "updates", n)
	return r, nil
}

func (rm *RoomManager) sweepInterval() time.Duration {
	d := rm.awarenessTimeout / 2
	if rm.linger > 0 && rm.linger < d {
		d = rm.linger
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

func (rm *RoomManager) load(ctx context.Context, objectID string) (*document.Document, int, int64, error) {
	updates, through, err := rm.store.LoadUpdates(ctx, objectID)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("load room %s: %w", objectID, err)
	}
	doc := document.New(objectID, "server-"+rm.instance)
	for i, u := range updates {
		if err := doc.ApplyRemoteUpdate(u, nil); err != nil {
			metrics.MalformedFrames.WithLabelValues("update").Inc()
			rm.log.Warn(ctx, "skipping stored update", "room", objectID, "index", i, "err", err)
		}
	}
	return doc, len(updates), through, nil
}

// Room returns the room of objectID if it is loaded.
func (rm *RoomManager) Room(objectID string) (*Room, bool) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	r, ok := rm.rooms[objectID]
	return r, ok
}

// Snapshot returns the current tree of objectID, from the live room when
// there is one and from the update log otherwise.
func (rm *RoomManager) Snapshot(ctx context.Context, objectID string) (*document.Tree, error) {
	if r, ok := rm.Room(objectID); ok {
		return r.Snapshot(), nil
	}
	doc, _, _, err := rm.load(ctx, objectID)
	if err != nil {
		return nil, err
	}
	return doc.Snapshot(), nil
}

// release forgets r if it is still the live room of its object.
func (rm *RoomManager) release(r *Room) bool {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	if rm.rooms[r.ID] != r {
		return false
	}
	delete(rm.rooms, r.ID)
	return true
}

// Close stops every room and waits for them.
func (rm *RoomManager) Close() {
	rm.mutex.Lock()
	rooms := make([]*Room, 0, len(rm.rooms))
	for id, r := range rm.rooms {
		rooms = append(rooms, r)
		delete(rm.rooms, id)
	}
	rm.mutex.Unlock()

	for _, r := range rooms {
		close(r.quit)
		<-r.done
	}
}
