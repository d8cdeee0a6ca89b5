// Package crdt holds the replica-level building blocks shared by the
// document engine: operation identifiers, Lamport stamps, state vectors
// and a replicated growable array.
package crdt

import "fmt"

// ID identifies a single operation (or a single element produced by one).
// Seq is contiguous per replica, so a replica's history is fully described
// by the next Seq it will emit.
type ID struct {
	Replica string
	Seq     uint64
}

// Head is the zero ID. It addresses the position before the first element
// of a sequence.
var Head = ID{}

// IsHead reports whether id addresses the start of a sequence.
func (id ID) IsHead() bool {
	return id.Replica == ""
}

// Add returns the ID offset by n within the same replica.
func (id ID) Add(n uint64) ID {
	return ID{Replica: id.Replica, Seq: id.Seq + n}
}

// Less orders IDs by replica then sequence. Used for canonical encoding.
func (id ID) Less(other ID) bool {
	if id.Replica != other.Replica {
		return id.Replica < other.Replica
	}
	return id.Seq < other.Seq
}

func (id ID) String() string {
	if id.IsHead() {
		return "head"
	}
	return fmt.Sprintf("%s:%d", id.Replica, id.Seq)
}

// Stamp is a Lamport timestamp with the writer's replica id as tie-break.
// Stamps are totally ordered and identical on every replica for the same op.
type Stamp struct {
	Lamport uint64
	Replica string
}

// After reports whether s wins over other in last-writer-wins comparisons.
func (s Stamp) After(other Stamp) bool {
	if s.Lamport != other.Lamport {
		return s.Lamport > other.Lamport
	}
	return s.Replica > other.Replica
}

// IsZero reports whether the stamp was never set.
func (s Stamp) IsZero() bool {
	return s.Lamport == 0 && s.Replica == ""
}

// Clock issues IDs and stamps for the local replica.
type Clock struct {
	replica string
	seq     uint64
	lamport uint64
}

// NewClock returns a clock for the given replica.
func NewClock(replica string) *Clock {
	return &Clock{replica: replica}
}

// Replica returns the owning replica id.
func (c *Clock) Replica() string {
	return c.replica
}

// Next reserves n consecutive sequence numbers and n Lamport ticks and
// returns the first ID and the first stamp of the range.
func (c *Clock) Next(n uint64) (ID, Stamp) {
	id := ID{Replica: c.replica, Seq: c.seq}
	stamp := Stamp{Lamport: c.lamport + 1, Replica: c.replica}
	c.seq += n
	c.lamport += n
	return id, stamp
}

// Observe advances the Lamport clock past a remote stamp range ending at last.
func (c *Clock) Observe(last uint64) {
	if last > c.lamport {
		c.lamport = last
	}
}

// Save captures the clock so an aborted transaction can restore it.
func (c *Clock) Save() (seq, lamport uint64) {
	return c.seq, c.lamport
}

// Restore rewinds the clock to a saved position.
func (c *Clock) Restore(seq, lamport uint64) {
	c.seq, c.lamport = seq, lamport
}

// SetSeq moves the local sequence forward, used when a replica reloads its
// own history from persistence.
func (c *Clock) SetSeq(seq uint64) {
	if seq > c.seq {
		c.seq = seq
	}
}
