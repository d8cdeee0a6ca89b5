package document

import (
	"unicode/utf8"

	"collab-blocks/pkg/crdt"
)

type opKind uint8

const (
	opCreate opKind = iota + 1
	opMove
	opDelete
	opRestore
	opSetField
	opInsertText
	opDeleteText
	opFormat
)

func (k opKind) String() string {
	switch k {
	case opCreate:
		return "create"
	case opMove:
		return "move"
	case opDelete:
		return "delete"
	case opRestore:
		return "restore"
	case opSetField:
		return "set_field"
	case opInsertText:
		return "insert_text"
	case opDeleteText:
		return "delete_text"
	case opFormat:
		return "format"
	}
	return "unknown"
}

// op is one immutable CRDT operation. An insert_text op covers one id and
// one Lamport tick per rune; every other op covers exactly one.
type op struct {
	id    crdt.ID
	stamp crdt.Stamp
	kind  opKind

	block  BlockID
	parent BlockID   // create, move
	origin crdt.ID   // create, move: children element; insert_text: character
	btype  BlockType // create

	key   string // set_field, format
	value []byte // create: JSON object of fields; set_field: JSON value; format: attribute value

	text    string     // insert_text
	attrs   Attributes // insert_text
	targets []crdt.ID  // delete_text, format
}

func (o *op) length() uint64 {
	if o.kind == opInsertText {
		return uint64(utf8.RuneCountInString(o.text))
	}
	return 1
}

// lastLamport is the Lamport time of the last element the op produced.
func (o *op) lastLamport() uint64 {
	return o.stamp.Lamport + o.length() - 1
}
