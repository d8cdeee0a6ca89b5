// Package protocol frames the messages replicas exchange over a persistent
// connection. A frame is a varint message type followed by its payload:
//
//	sync:      varint(0) varint(step) bytes(payload)
//	awareness: varint(1) bytes(payload)
//
// Sync step 1 carries a state vector, step 2 the diff answering it, and
// update carries one committed transaction.
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type MessageType uint64

const (
	MessageSync      MessageType = 0
	MessageAwareness MessageType = 1
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	}
	return fmt.Sprintf("message(%d)", uint64(t))
}

type SyncStep uint64

const (
	SyncStep1  SyncStep = 0
	SyncStep2  SyncStep = 1
	SyncUpdate SyncStep = 2
)

func (s SyncStep) String() string {
	switch s {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	}
	return fmt.Sprintf("step(%d)", uint64(s))
}

var ErrMalformedFrame = errors.New("malformed frame")

// Message is a decoded frame.
type Message struct {
	Type    MessageType
	Step    SyncStep // sync messages only
	Payload []byte
}

func encodeSync(step SyncStep, payload []byte) []byte {
	b := protowire.AppendVarint(nil, uint64(MessageSync))
	b = protowire.AppendVarint(b, uint64(step))
	return protowire.AppendBytes(b, payload)
}

// EncodeSyncStep1 asks the peer for everything missing from stateVector.
func EncodeSyncStep1(stateVector []byte) []byte { return encodeSync(SyncStep1, stateVector) }

// EncodeSyncStep2 answers a step 1 with a diff update.
func EncodeSyncStep2(update []byte) []byte { return encodeSync(SyncStep2, update) }

// EncodeUpdate broadcasts one committed update.
func EncodeUpdate(update []byte) []byte { return encodeSync(SyncUpdate, update) }

// EncodeAwareness wraps an encoded awareness update.
func EncodeAwareness(update []byte) []byte {
	b := protowire.AppendVarint(nil, uint64(MessageAwareness))
	return protowire.AppendBytes(b, update)
}

// Decode parses one frame.
func Decode(b []byte) (Message, error) {
	t, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return Message{}, fmt.Errorf("%w: type: %v", ErrMalformedFrame, protowire.ParseError(n))
	}
	b = b[n:]
	m := Message{Type: MessageType(t)}

	switch m.Type {
	case MessageSync:
		s, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: step: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		m.Step = SyncStep(s)
		if m.Step > SyncUpdate {
			return Message{}, fmt.Errorf("%w: unknown %s", ErrMalformedFrame, m.Step)
		}
	case MessageAwareness:
	default:
		return Message{}, fmt.Errorf("%w: unknown %s", ErrMalformedFrame, m.Type)
	}

	payload, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return Message{}, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, protowire.ParseError(n))
	}
	if n != len(b) {
		return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(b)-n)
	}
	m.Payload = payload
	return m, nil
}

// Syncer is the replica side of the sync exchange. *document.Document
// implements it.
type Syncer interface {
	EncodeStateVector() []byte
	DiffUpdate(peerStateVector []byte) ([]byte, error)
	ApplyRemoteUpdate(update []byte, origin any) error
}

// HandleSync applies a sync message to doc. A step 1 produces the step 2
// frame to send back; the other steps produce no reply.
func HandleSync(doc Syncer, m Message, origin any) ([]byte, error) {
	if m.Type != MessageSync {
		return nil, fmt.Errorf("%w: expected sync, got %s", ErrMalformedFrame, m.Type)
	}
	switch m.Step {
	case SyncStep1:
		diff, err := doc.DiffUpdate(m.Payload)
		if err != nil {
			return nil, err
		}
		return EncodeSyncStep2(diff), nil
	default:
		return nil, doc.ApplyRemoteUpdate(m.Payload, origin)
	}
}
