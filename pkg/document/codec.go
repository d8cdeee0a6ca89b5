package document

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"collab-blocks/pkg/crdt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Update wire format (protobuf wire encoding, no schema compiler needed):
//
//	Update { repeated bytes op = 1; }
//	Op {
//	  string replica = 1; uint64 seq = 2; uint64 lamport = 3; uint64 kind = 4;
//	  string block = 5; string parent = 6; ID origin = 7; string type = 8;
//	  string key = 9; bytes value = 10; string text = 11;
//	  repeated Attr attrs = 12; repeated ID targets = 13;
//	}
//	ID { string replica = 1; uint64 seq = 2; }
//	Attr { string key = 1; string value = 2; }
//
// Attributes are written in key order so equal op sets always encode to
// equal bytes.

func encodeOps(ops []*op) []byte {
	var b []byte
	for _, o := range ops {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOp(o))
	}
	return b
}

func encodeOp(o *op) []byte {
	var b []byte
	b = appendString(b, 1, o.id.Replica)
	b = appendVarint(b, 2, o.id.Seq)
	b = appendVarint(b, 3, o.stamp.Lamport)
	b = appendVarint(b, 4, uint64(o.kind))
	b = appendString(b, 5, string(o.block))
	b = appendString(b, 6, string(o.parent))
	if !o.origin.IsHead() {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeID(o.origin))
	}
	b = appendString(b, 8, string(o.btype))
	b = appendString(b, 9, o.key)
	if len(o.value) > 0 {
		b = protowire.AppendTag(b, 10, protowire.BytesType)
		b = protowire.AppendBytes(b, o.value)
	}
	b = appendString(b, 11, o.text)
	for _, k := range o.attrs.keys() {
		var a []byte
		a = appendString(a, 1, string(k))
		a = appendString(a, 2, o.attrs[k])
		b = protowire.AppendTag(b, 12, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	for _, t := range o.targets {
		b = protowire.AppendTag(b, 13, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeID(t))
	}
	return b
}

func encodeID(id crdt.ID) []byte {
	var b []byte
	b = appendString(b, 1, id.Replica)
	b = appendVarint(b, 2, id.Seq)
	return b
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// fieldFunc handles one field of a message. It returns the number of bytes
// consumed from b, or a negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

func walkMessage(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n = fn(num, typ, b)
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func decodeUpdate(b []byte) ([]*op, error) {
	var ops []*op
	var opErr error
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != 1 || typ != protowire.BytesType {
			return 0
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		o, err := decodeOp(raw)
		if err != nil {
			opErr = err
			return len(b)
		}
		ops = append(ops, o)
		return n
	})
	if opErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, opErr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return ops, nil
}

func decodeOp(b []byte) (*op, error) {
	o := &op{}
	var nested error
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n
			}
			switch num {
			case 2:
				o.id.Seq = v
			case 3:
				o.stamp.Lamport = v
			case 4:
				o.kind = opKind(v)
			}
			return n
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			switch num {
			case 1:
				o.id.Replica = string(v)
			case 5:
				o.block = BlockID(v)
			case 6:
				o.parent = BlockID(v)
			case 7:
				id, err := decodeID(v)
				if err != nil {
					nested = err
				}
				o.origin = id
			case 8:
				o.btype = BlockType(v)
			case 9:
				o.key = string(v)
			case 10:
				o.value = append([]byte(nil), v...)
			case 11:
				o.text = string(v)
			case 12:
				k, val, err := decodeAttr(v)
				if err != nil {
					nested = err
				}
				if o.attrs == nil {
					o.attrs = Attributes{}
				}
				o.attrs[k] = val
			case 13:
				id, err := decodeID(v)
				if err != nil {
					nested = err
				}
				o.targets = append(o.targets, id)
			}
			return n
		}
		return 0
	})
	if err != nil {
		return nil, err
	}
	if nested != nil {
		return nil, nested
	}
	o.stamp.Replica = o.id.Replica
	if err := o.check(); err != nil {
		return nil, err
	}
	return o, nil
}

func decodeID(b []byte) (crdt.ID, error) {
	var id crdt.ID
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			id.Replica = v
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			id.Seq = v
			return n
		}
		return 0
	})
	return id, err
}

func decodeAttr(b []byte) (Attr, string, error) {
	var k, v string
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return 0
		}
		s, n := protowire.ConsumeString(b)
		switch num {
		case 1:
			k = s
		case 2:
			v = s
		}
		return n
	})
	return Attr(k), v, err
}

// check performs the structural validation of a decoded op. Referenced ids
// are resolved later during integration.
func (o *op) check() error {
	if o.id.Replica == "" {
		return fmt.Errorf("op without replica")
	}
	if o.stamp.Lamport == 0 {
		return fmt.Errorf("op %s without lamport time", o.id)
	}
	if o.block == "" {
		return fmt.Errorf("op %s without block", o.id)
	}
	switch o.kind {
	case opCreate:
		if o.parent == "" || !o.btype.Valid() || o.block == RootID {
			return fmt.Errorf("invalid create op %s", o.id)
		}
	case opMove:
		if o.parent == "" || o.block == RootID {
			return fmt.Errorf("invalid move op %s", o.id)
		}
	case opDelete, opRestore:
	case opSetField:
		if o.key == "" {
			return fmt.Errorf("set_field op %s without key", o.id)
		}
	case opInsertText:
		if o.text == "" || !utf8.ValidString(o.text) {
			return fmt.Errorf("invalid text in op %s", o.id)
		}
		if err := o.attrs.validate(); err != nil {
			return err
		}
	case opDeleteText:
		if len(o.targets) == 0 {
			return fmt.Errorf("delete_text op %s without targets", o.id)
		}
	case opFormat:
		if len(o.targets) == 0 || !Attr(o.key).Valid() {
			return fmt.Errorf("invalid format op %s", o.id)
		}
	default:
		return fmt.Errorf("unknown op kind %d", o.kind)
	}
	return nil
}

// sortOps orders ops canonically by id.
func sortOps(ops []*op) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].id.Less(ops[j].id) })
}
