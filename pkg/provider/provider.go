// Package provider connects a local document replica to a collaboration
// server over a websocket and keeps it there.
//
// The provider never discards local state. When the connection drops the
// document and awareness stay as they are, edits keep being committed and
// persisted offline, and on reconnect the provider re-publishes awareness
// and runs the state vector exchange so both sides catch up. Every new
// session bumps the connection nonce.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"collab-blocks/pkg/awareness"
	"collab-blocks/pkg/document"
	"collab-blocks/pkg/logging"
	"collab-blocks/pkg/offline"
	"collab-blocks/pkg/protocol"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultCompactEvery = 500
)

// Status is reported to listeners whenever the connection changes.
type Status struct {
	Connected bool
	// Synced is set once the server's step 2 of the current session has
	// been applied.
	Synced bool
	Nonce  uint64
}

type Provider struct {
	url    string
	header http.Header
	doc    *document.Document
	aw     *awareness.Awareness
	store  *offline.Store
	log    logging.Logger
	dialer *websocket.Dialer

	newBackOff   func() backoff.BackOff
	maxElapsed   time.Duration
	compactEvery int

	nonce atomic.Uint64

	mu        sync.Mutex
	out       chan []byte
	conn      *websocket.Conn
	status    Status
	listeners []func(Status)
	persisted int
}

type Option func(*Provider)

func WithLogger(l logging.Logger) Option { return func(p *Provider) { p.log = l } }

// WithOfflineStore persists every committed update to s.
func WithOfflineStore(s *offline.Store) Option { return func(p *Provider) { p.store = s } }

func WithDialer(d *websocket.Dialer) Option { return func(p *Provider) { p.dialer = d } }

func WithHeader(h http.Header) Option { return func(p *Provider) { p.header = h } }

// WithBackOff sets the reconnect policy. maxElapsed bounds one reconnect
// attempt; zero retries forever.
func WithBackOff(newBackOff func() backoff.BackOff, maxElapsed time.Duration) Option {
	return func(p *Provider) {
		p.newBackOff = newBackOff
		p.maxElapsed = maxElapsed
	}
}

// WithCompactEvery compacts the offline store after n appended updates.
func WithCompactEvery(n int) Option { return func(p *Provider) { p.compactEvery = n } }

// New returns a provider for doc at the websocket url, e.g.
// ws://host/ws/{objectId}.
func New(url string, doc *document.Document, aw *awareness.Awareness, opts ...Option) *Provider {
	p := &Provider{
		url:    url,
		doc:    doc,
		aw:     aw,
		log:    logging.Nop(),
		dialer: websocket.DefaultDialer,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
		compactEvery: defaultCompactEvery,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("object", doc.ObjectID(), "replica", doc.ReplicaID())
	return p
}

// Nonce is the number of sessions established so far.
func (p *Provider) Nonce() uint64 { return p.nonce.Load() }

func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// OnStatus registers fn for connection changes.
func (p *Provider) OnStatus(fn func(Status)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

func (p *Provider) setStatus(update func(s *Status)) {
	p.mu.Lock()
	update(&p.status)
	s := p.status
	fns := append([]func(Status){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

type offlineOrigin struct{}

// Restore applies the updates kept in the offline store to the document.
func (p *Provider) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	updates, err := p.store.Load(ctx, p.doc.ObjectID())
	if err != nil {
		return err
	}
	for i, u := range updates {
		if err := p.doc.ApplyRemoteUpdate(u, offlineOrigin{}); err != nil {
			p.log.Warn(ctx, "dropping stored update", "index", i, "err", err)
		}
	}
	p.log.Debug(ctx, "restored offline state", "updates", len(updates))
	return nil
}

// Run restores offline state and keeps the replica connected until ctx is
// done. It returns early only if a reconnect attempt exhausts its backoff.
func (p *Provider) Run(ctx context.Context) error {
	if err := p.Restore(ctx); err != nil {
		return err
	}
	stopDoc := p.doc.Subscribe(p.onCommit)
	defer stopDoc()
	stopAw := p.aw.OnChange(p.onAwareness)
	defer stopAw()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.aw.Run(ctx)
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
				return p.dial(ctx)
			}, backoff.WithBackOff(p.newBackOff()), backoff.WithMaxElapsedTime(p.maxElapsed))
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return fmt.Errorf("connect %s: %w", p.url, err)
			}
			p.session(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
		}
	})
	return g.Wait()
}

func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := p.dialer.DialContext(ctx, p.url, p.header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(fmt.Errorf("dial: status %d", resp.StatusCode))
		}
		p.log.Debug(ctx, "dial failed", "err", err)
		return nil, err
	}
	return conn, nil
}

// session runs one connection until it fails or ctx is done.
func (p *Provider) session(ctx context.Context, conn *websocket.Conn) {
	out := make(chan []byte, 256)
	nonce := p.nonce.Add(1)

	p.mu.Lock()
	p.conn, p.out = conn, out
	p.mu.Unlock()
	p.setStatus(func(s *Status) { *s = Status{Connected: true, Nonce: nonce} })
	p.log.Info(ctx, "connected", "nonce", nonce)

	p.send(protocol.EncodeSyncStep1(p.doc.EncodeStateVector()))
	// a renewed clock gets past the removal the server recorded when the
	// previous session dropped; onAwareness sends it
	p.aw.Renew()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
		case <-done:
		}
	}()
	go p.writePump(conn, out)
	p.readPump(ctx, conn)
	close(done)

	p.mu.Lock()
	if p.out == out {
		close(out)
		p.out, p.conn = nil, nil
	}
	p.mu.Unlock()
	p.setStatus(func(s *Status) { s.Connected, s.Synced = false, false })
	p.log.Info(ctx, "disconnected", "nonce", nonce)
}

func (p *Provider) readPump(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				p.log.Warn(ctx, "connection lost", "err", err)
			}
			return
		}
		p.handle(ctx, data)
	}
}

func (p *Provider) handle(ctx context.Context, data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		p.log.Warn(ctx, "dropping malformed frame", "err", err)
		return
	}
	switch m.Type {
	case protocol.MessageSync:
		reply, err := protocol.HandleSync(p.doc, m, p)
		if err != nil {
			p.log.Warn(ctx, "dropping sync message", "step", m.Step, "err", err)
			return
		}
		if reply != nil {
			p.send(reply)
		}
		if m.Step == protocol.SyncStep2 {
			p.setStatus(func(s *Status) { s.Synced = true })
		}
	case protocol.MessageAwareness:
		if err := p.aw.ApplyUpdate(m.Payload, p); err != nil {
			p.log.Warn(ctx, "dropping awareness update", "err", err)
		}
	}
}

func (p *Provider) writePump(conn *websocket.Conn, out <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// send queues a frame on the current session. Frames are dropped while
// offline; the next session's state vector exchange carries the changes.
// A full queue closes the connection so the exchange runs sooner.
func (p *Provider) send(msg []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out == nil {
		return false
	}
	select {
	case p.out <- msg:
		return true
	default:
		p.log.Warn(context.Background(), "send queue full, resyncing")
		p.conn.Close()
		return false
	}
}

func (p *Provider) onCommit(ev document.Event) {
	if len(ev.Update) == 0 {
		return
	}
	if ev.Local {
		p.send(protocol.EncodeUpdate(ev.Update))
	}
	if _, ok := ev.Origin.(offlineOrigin); ok || p.store == nil {
		return
	}
	p.persist(ev.Update)
}

func (p *Provider) persist(update []byte) {
	ctx := context.Background()
	if err := p.store.Append(ctx, p.doc.ObjectID(), update); err != nil {
		p.log.Error(ctx, "offline append failed", "err", err)
		return
	}
	p.mu.Lock()
	p.persisted++
	compact := p.compactEvery > 0 && p.persisted >= p.compactEvery
	if compact {
		p.persisted = 0
	}
	p.mu.Unlock()
	if compact {
		if err := p.store.Compact(ctx, p.doc.ObjectID(), p.doc.EncodeState()); err != nil {
			p.log.Error(ctx, "offline compaction failed", "err", err)
		}
	}
}

func (p *Provider) onAwareness(c awareness.Change) {
	if !c.Local {
		return
	}
	data, err := p.aw.EncodeUpdate(c.Replicas()...)
	if err != nil {
		p.log.Warn(context.Background(), "encode awareness", "err", err)
		return
	}
	p.send(protocol.EncodeAwareness(data))
}
