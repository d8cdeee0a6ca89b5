// Package stream writes incrementally arriving content, such as generated
// text, into a target block of a live document.
//
// Every chunk is appended to the text received so far, the whole text is
// parsed as markdown and the target's children are replaced with the result
// in one transaction. Cancelling stops later chunks from touching the
// document; content already committed stays.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"collab-blocks/pkg/document"
	"collab-blocks/pkg/logging"
)

// State is where a stream is in its lifecycle.
type State int

const (
	// StateChunk means the stream is open and accepts chunks.
	StateChunk State = iota
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateChunk:
		return "chunk"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Injector starts streams against one document.
type Injector struct {
	doc   *document.Document
	log   logging.Logger
	parse func(string) []Block
}

type Option func(*Injector)

func WithLogger(l logging.Logger) Option { return func(i *Injector) { i.log = l } }

// WithParser replaces the markdown parser.
func WithParser(parse func(string) []Block) Option {
	return func(i *Injector) { i.parse = parse }
}

func NewInjector(doc *document.Document, opts ...Option) *Injector {
	i := &Injector{doc: doc, log: logging.Nop(), parse: ParseMarkdown}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Stream is the handle of one injection. It is safe for concurrent use,
// but Push and Cancel must not be called from a document subscriber.
type Stream struct {
	inj    *Injector
	target document.BlockID

	mu    sync.Mutex
	buf   strings.Builder
	state State
}

// Begin opens a stream writing into target. Nothing is written until the
// first Push.
func (i *Injector) Begin(target document.BlockID) *Stream {
	return &Stream{inj: i, target: target}
}

func (s *Stream) Target() document.BlockID { return s.target }

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Text returns everything pushed so far.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Push appends text and rewrites the target's children. final ends the
// stream. Pushing to a finished or cancelled stream changes nothing and
// reports the terminal state. A target that no longer exists is skipped
// silently.
func (s *Stream) Push(text string, final bool) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateChunk {
		return s.state, nil
	}

	s.buf.WriteString(text)
	status := document.StatusStreaming
	if final {
		status = document.StatusDone
	}
	blocks := s.inj.parse(s.buf.String())
	err := s.transact(func(tx *document.Txn) error {
		for _, id := range s.inj.doc.Children(s.target) {
			if err := tx.DeleteBlock(id); err != nil {
				return err
			}
		}
		for _, b := range blocks {
			if err := insertBlock(tx, s.target, b); err != nil {
				return err
			}
		}
		return s.setStatus(tx, status)
	})
	if err != nil {
		return s.state, err
	}
	if final {
		s.state = StateDone
	}
	return s.state, nil
}

// Cancel stops the stream. Already committed content is kept and an
// ai_writer target is marked cancelled.
func (s *Stream) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateChunk {
		return nil
	}
	s.state = StateCancelled
	return s.transact(func(tx *document.Txn) error {
		return s.setStatus(tx, document.StatusCancelled)
	})
}

// transact runs fn unless the target has gone. Visibility is checked inside
// the transaction so a concurrent remote delete cannot slip in between.
func (s *Stream) transact(fn func(tx *document.Txn) error) error {
	doc := s.inj.doc
	skipped := false
	_, err := doc.Transact(s, func(tx *document.Txn) error {
		if !doc.Contains(s.target) {
			skipped = true
			return nil
		}
		return fn(tx)
	})
	if skipped {
		s.inj.log.Debug(context.Background(), "stream target gone", "object", doc.ObjectID(), "block", s.target)
	}
	return err
}

func (s *Stream) setStatus(tx *document.Txn, status document.GenerationStatus) error {
	b, ok := s.inj.doc.Block(s.target)
	if !ok {
		return nil
	}
	data, ok := b.Data.(*document.AIGeneratedData)
	if !ok || data.Status == status {
		return nil
	}
	return tx.SetBlockData(s.target, document.DataPatch{"status": status})
}

func insertBlock(tx *document.Txn, parent document.BlockID, b Block) error {
	id, err := tx.CreateBlock(parent, -1, b.Data)
	if err != nil {
		return err
	}
	if b.Data.Type().HasText() {
		offset := 0
		for _, seg := range b.Delta {
			attrs := seg.Attributes
			if attrs == nil {
				attrs = document.Attributes{}
			}
			if err := tx.InsertText(id, offset, seg.Insert, attrs); err != nil {
				return err
			}
			offset += len([]rune(seg.Insert))
		}
	}
	for _, c := range b.Children {
		if err := insertBlock(tx, id, c); err != nil {
			return err
		}
	}
	return nil
}

// Chunk is one piece of content from a Source.
type Chunk struct {
	Text string
	Done bool
}

// Source yields chunks until one has Done set or it returns io.EOF.
type Source interface {
	Next(ctx context.Context) (Chunk, error)
}

// Consume pushes chunks from src until the stream ends, src fails or ctx
// is cancelled. A cancelled ctx cancels the stream.
func (s *Stream) Consume(ctx context.Context, src Source) (State, error) {
	for {
		if st := s.State(); st != StateChunk {
			return st, nil
		}
		c, err := src.Next(ctx)
		switch {
		case ctx.Err() != nil:
			return StateCancelled, s.Cancel()
		case errors.Is(err, io.EOF):
			return s.Push("", true)
		case err != nil:
			if cerr := s.Cancel(); cerr != nil {
				return StateCancelled, errors.Join(err, cerr)
			}
			return StateCancelled, fmt.Errorf("stream source: %w", err)
		}
		if _, err := s.Push(c.Text, c.Done); err != nil {
			return s.State(), err
		}
	}
}

// ChannelSource reads chunks from a channel. A closed channel ends the
// stream.
type ChannelSource <-chan Chunk

func (c ChannelSource) Next(ctx context.Context) (Chunk, error) {
	select {
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case chunk, ok := <-c:
		if !ok {
			return Chunk{}, io.EOF
		}
		return chunk, nil
	}
}
