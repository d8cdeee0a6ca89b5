package history

import (
	"fmt"

	"collab-blocks/pkg/document"

	"google.golang.org/protobuf/encoding/protowire"
)

// Snapshot wire form:
//
//	Snapshot { bytes state_vector = 1; bytes state = 2; }

// EncodeSnapshot packs a state vector and a full state update.
func EncodeSnapshot(stateVector, state []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, stateVector)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, state)
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(b []byte) (stateVector, state []byte, err error) {
	var seenState bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			stateVector = v
		case 2:
			state = v
			seenState = true
		}
	}
	if !seenState {
		return nil, nil, fmt.Errorf("snapshot has no state")
	}
	return stateVector, state, nil
}

// ParseSnapshot accepts either the Snapshot wire form or a bare encoded
// document state and returns the wire form. A bare state must decode as an
// update; its state vector is derived from the ops it carries.
func ParseSnapshot(b []byte) ([]byte, error) {
	if _, _, err := DecodeSnapshot(b); err == nil {
		return b, nil
	}
	scratch := document.New("", "")
	if err := scratch.ApplyRemoteUpdate(b, nil); err != nil {
		return nil, err
	}
	return EncodeSnapshot(scratch.EncodeStateVector(), b), nil
}
