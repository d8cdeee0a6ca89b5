package stream

import (
	"context"
	"strings"
	"testing"
	"time"

	"collab-blocks/pkg/document"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTarget(t *testing.T) (*document.Document, document.BlockID) {
	t.Helper()
	doc := document.New("obj", "a")
	var target document.BlockID
	_, err := doc.Transact(nil, func(tx *document.Txn) error {
		var err error
		target, err = tx.CreateBlock(document.RootID, -1, document.AIGeneratedData{Model: "m"})
		return err
	})
	require.NoError(t, err)
	return doc, target
}

func status(t *testing.T, doc *document.Document, id document.BlockID) document.GenerationStatus {
	t.Helper()
	b, ok := doc.Block(id)
	require.True(t, ok)
	return b.Data.(*document.AIGeneratedData).Status
}

func childTexts(doc *document.Document, id document.BlockID) []string {
	var out []string
	for _, c := range doc.Children(id) {
		out = append(out, doc.Text(c))
	}
	return out
}

func TestStream_CancelKeepsCommittedChunks(t *testing.T) {
	doc, target := newTarget(t)
	s := NewInjector(doc).Begin(target)

	st, err := s.Push("Hello", false)
	require.NoError(t, err)
	assert.Equal(t, StateChunk, st)
	assert.Equal(t, []string{"Hello"}, childTexts(doc, target))
	assert.Equal(t, document.StatusStreaming, status(t, doc, target))

	require.NoError(t, s.Cancel())
	assert.Equal(t, document.StatusCancelled, status(t, doc, target))

	st, err = s.Push(" World", false)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, st)
	assert.Equal(t, []string{"Hello"}, childTexts(doc, target))
	assert.Equal(t, "Hello", s.Text())
}

func TestStream_ChunksAccumulate(t *testing.T) {
	doc, target := newTarget(t)
	s := NewInjector(doc).Begin(target)

	var commits int
	doc.Subscribe(func(document.Event) { commits++ })

	_, err := s.Push("Hello", false)
	require.NoError(t, err)
	st, err := s.Push(" World\n\nSecond", true)
	require.NoError(t, err)
	assert.Equal(t, StateDone, st)
	assert.Equal(t, 2, commits)

	assert.Equal(t, []string{"Hello World", "Second"}, childTexts(doc, target))
	assert.Equal(t, document.StatusDone, status(t, doc, target))

	st, err = s.Push("late", false)
	require.NoError(t, err)
	assert.Equal(t, StateDone, st)
	assert.Len(t, doc.Children(target), 2)
	require.NoError(t, s.Cancel())
	assert.Equal(t, document.StatusDone, status(t, doc, target))
}

func TestStream_OverlongFenceLanguageStillCommits(t *testing.T) {
	doc, target := newTarget(t)
	s := NewInjector(doc).Begin(target)

	_, err := s.Push("Intro\n\n```"+strings.Repeat("x", 70)+"\ncode\n", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Intro", "code"}, childTexts(doc, target))

	st, err := s.Push("```\n\nmore text", true)
	require.NoError(t, err)
	assert.Equal(t, StateDone, st)
	assert.Equal(t, []string{"Intro", "code", "more text"}, childTexts(doc, target))
	assert.Equal(t, document.StatusDone, status(t, doc, target))

	code, ok := doc.Block(doc.Children(target)[1])
	require.True(t, ok)
	assert.Equal(t, &document.CodeData{}, code.Data)
}

func TestStream_MissingTargetIsNoop(t *testing.T) {
	doc, target := newTarget(t)
	s := NewInjector(doc).Begin(target)
	_, err := s.Push("first", false)
	require.NoError(t, err)

	_, err = doc.Transact(nil, func(tx *document.Txn) error { return tx.DeleteBlock(target) })
	require.NoError(t, err)
	before := doc.EncodeState()

	st, err := s.Push(" more", true)
	require.NoError(t, err)
	assert.Equal(t, StateDone, st)
	assert.Equal(t, before, doc.EncodeState())

	_, err = NewInjector(doc).Begin("nope").Push("x", false)
	assert.NoError(t, err)
}

func TestStream_PlainTargetHasNoStatus(t *testing.T) {
	doc := document.New("obj", "a")
	s := NewInjector(doc).Begin(document.RootID)
	_, err := s.Push("- one\n- two", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, childTexts(doc, document.RootID))
}

func TestStream_ConcurrentRemoteEditsSurvive(t *testing.T) {
	doc, target := newTarget(t)
	peer := document.New("obj", "b")
	require.NoError(t, peer.ApplyRemoteUpdate(doc.EncodeState(), nil))

	s := NewInjector(doc).Begin(target)
	_, err := s.Push("Hello", false)
	require.NoError(t, err)

	_, err = peer.Transact(nil, func(tx *document.Txn) error {
		id, err := tx.CreateBlock(document.RootID, 0, document.ParagraphData{})
		if err != nil {
			return err
		}
		return tx.InsertText(id, 0, "peer", nil)
	})
	require.NoError(t, err)
	require.NoError(t, doc.ApplyRemoteUpdate(peer.EncodeState(), "peer"))

	_, err = s.Push(" there", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello there"}, childTexts(doc, target))
	assert.Len(t, doc.Children(document.RootID), 2)
}

func TestStream_Consume(t *testing.T) {
	doc, target := newTarget(t)
	ch := make(chan Chunk, 3)
	ch <- Chunk{Text: "# Hi\n"}
	ch <- Chunk{Text: "\nbody"}
	ch <- Chunk{Done: true}

	st, err := NewInjector(doc).Begin(target).Consume(context.Background(), ChannelSource(ch))
	require.NoError(t, err)
	assert.Equal(t, StateDone, st)
	assert.Equal(t, []string{"Hi", "body"}, childTexts(doc, target))
}

func TestStream_ConsumeClosedChannelFinishes(t *testing.T) {
	doc, target := newTarget(t)
	ch := make(chan Chunk, 1)
	ch <- Chunk{Text: "partial"}
	close(ch)

	st, err := NewInjector(doc).Begin(target).Consume(context.Background(), ChannelSource(ch))
	require.NoError(t, err)
	assert.Equal(t, StateDone, st)
	assert.Equal(t, document.StatusDone, status(t, doc, target))
}

func TestStream_ConsumeStopsOnContextCancel(t *testing.T) {
	doc, target := newTarget(t)
	ch := make(chan Chunk, 1)
	ch <- Chunk{Text: "Hello"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s := NewInjector(doc).Begin(target)
	st, err := s.Consume(ctx, ChannelSource(ch))
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, st)
	assert.Equal(t, StateCancelled, s.State())
	assert.Equal(t, []string{"Hello"}, childTexts(doc, target))
	assert.Equal(t, document.StatusCancelled, status(t, doc, target))
}
