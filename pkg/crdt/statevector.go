package crdt

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedStateVector is returned when state vector bytes cannot be decoded.
var ErrMalformedStateVector = errors.New("malformed state vector")

// StateVector maps a replica id to the next sequence number expected from
// it, i.e. the count of that replica's sequence numbers already integrated.
type StateVector map[string]uint64

// Get returns the next expected sequence number for replica.
func (sv StateVector) Get(replica string) uint64 {
	return sv[replica]
}

// Contains reports whether the element or op id has been integrated.
func (sv StateVector) Contains(id ID) bool {
	return id.Seq < sv[id.Replica]
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// Replicas returns the replica ids in sorted order.
func (sv StateVector) Replicas() []string {
	out := make([]string, 0, len(sv))
	for k := range sv {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Encode serializes the vector deterministically (entries sorted by replica).
//
// Wire form: repeated field 1, each a nested message {1: replica, 2: next}.
func (sv StateVector) Encode() []byte {
	var b []byte
	for _, replica := range sv.Replicas() {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, replica)
		entry = protowire.AppendTag(entry, 2, protowire.VarintType)
		entry = protowire.AppendVarint(entry, sv[replica])

		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// DecodeStateVector parses bytes produced by Encode.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := StateVector{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(n))
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(n))
		}
		b = b[n:]

		replica, next, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		if replica == "" {
			return nil, fmt.Errorf("%w: empty replica id", ErrMalformedStateVector)
		}
		sv[replica] = next
	}
	return sv, nil
}

func decodeEntry(b []byte) (string, uint64, error) {
	var (
		replica string
		next    uint64
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", 0, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", 0, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(n))
			}
			replica = v
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", 0, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(n))
			}
			next = v
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", 0, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return replica, next, nil
}
