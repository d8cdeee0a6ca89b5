package crdt

import (
	"errors"
	"fmt"
)

// ErrUnknownOrigin is returned when an insert references an element the
// sequence has not integrated yet.
var ErrUnknownOrigin = errors.New("unknown origin element")

// Element is a read-only view of one sequence entry.
type Element[T any] struct {
	ID      ID
	Stamp   Stamp
	Value   T
	Deleted bool
}

type node[T any] struct {
	id       ID
	stamp    Stamp
	value    T
	deleted  bool
	children []*node[T]
}

// Sequence is a replicated growable array (RGA). Every element is inserted
// after an origin element; elements sharing an origin are ordered by
// descending Stamp, so a later insert at the same spot lands first and
// concurrent inserts resolve identically everywhere. Deleted elements stay
// as tombstones so they remain valid origins.
type Sequence[T any] struct {
	head  *node[T]
	nodes map[ID]*node[T]

	order []*node[T]
	index map[ID]int
	dirty bool
}

// NewSequence returns an empty sequence.
func NewSequence[T any]() *Sequence[T] {
	return &Sequence[T]{
		head:  &node[T]{},
		nodes: make(map[ID]*node[T]),
		dirty: true,
	}
}

// Has reports whether id is known (Head is always known).
func (s *Sequence[T]) Has(id ID) bool {
	if id.IsHead() {
		return true
	}
	_, ok := s.nodes[id]
	return ok
}

// Insert integrates an element after origin. Inserting an id that already
// exists is a no-op.
func (s *Sequence[T]) Insert(origin ID, id ID, stamp Stamp, value T) error {
	if _, ok := s.nodes[id]; ok {
		return nil
	}
	parent := s.head
	if !origin.IsHead() {
		p, ok := s.nodes[origin]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownOrigin, origin)
		}
		parent = p
	}

	n := &node[T]{id: id, stamp: stamp, value: value}
	pos := len(parent.children)
	for i, c := range parent.children {
		if stamp.After(c.stamp) {
			pos = i
			break
		}
	}
	parent.children = append(parent.children, nil)
	copy(parent.children[pos+1:], parent.children[pos:])
	parent.children[pos] = n

	s.nodes[id] = n
	s.dirty = true
	return nil
}

// Delete tombstones an element. It returns false if the element is unknown
// or already deleted.
func (s *Sequence[T]) Delete(id ID) bool {
	n, ok := s.nodes[id]
	if !ok || n.deleted {
		return false
	}
	n.deleted = true
	return true
}

// Get returns the element with the given id.
func (s *Sequence[T]) Get(id ID) (Element[T], bool) {
	n, ok := s.nodes[id]
	if !ok {
		return Element[T]{}, false
	}
	return toElement(n), true
}

// Len returns the number of live (non-deleted) elements.
func (s *Sequence[T]) Len() int {
	count := 0
	for _, n := range s.linear() {
		if !n.deleted {
			count++
		}
	}
	return count
}

// Elements returns the live elements in document order.
func (s *Sequence[T]) Elements() []Element[T] {
	out := make([]Element[T], 0, len(s.nodes))
	for _, n := range s.linear() {
		if !n.deleted {
			out = append(out, toElement(n))
		}
	}
	return out
}

// All returns every element, tombstones included, in document order.
func (s *Sequence[T]) All() []Element[T] {
	lin := s.linear()
	out := make([]Element[T], len(lin))
	for i, n := range lin {
		out[i] = toElement(n)
	}
	return out
}

// Prev returns the element immediately before id in document order,
// tombstones included, or Head when id is first.
func (s *Sequence[T]) Prev(id ID) ID {
	s.linear()
	i, ok := s.index[id]
	if !ok || i == 0 {
		return Head
	}
	return s.order[i-1].id
}

func (s *Sequence[T]) linear() []*node[T] {
	if !s.dirty {
		return s.order
	}
	order := make([]*node[T], 0, len(s.nodes))
	stack := make([]*node[T], 0, 16)
	for i := len(s.head.children) - 1; i >= 0; i-- {
		stack = append(stack, s.head.children[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, n)
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
	index := make(map[ID]int, len(order))
	for i, n := range order {
		index[n.id] = i
	}
	s.order, s.index, s.dirty = order, index, false
	return order
}

func toElement[T any](n *node[T]) Element[T] {
	return Element[T]{ID: n.id, Stamp: n.stamp, Value: n.value, Deleted: n.deleted}
}
