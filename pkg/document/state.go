package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"collab-blocks/pkg/crdt"
)

// errNotReady marks an op whose dependencies have not been integrated yet.
var errNotReady = errors.New("op dependencies missing")

type fieldValue struct {
	raw   json.RawMessage
	stamp crdt.Stamp
}

type attrValue struct {
	value string
	stamp crdt.Stamp
}

type char struct {
	r     rune
	attrs map[Attr]attrValue
}

func (c *char) attributes() Attributes {
	var out Attributes
	for k, v := range c.attrs {
		if v.value == "" {
			continue
		}
		if out == nil {
			out = Attributes{}
		}
		out[k] = v.value
	}
	return out
}

type blockState struct {
	id    BlockID
	btype BlockType
	// created is the stamp of the winning create op. Its fields live in
	// initial; fields holds set_field writes only.
	created  crdt.Stamp
	createOp crdt.ID
	initial  map[string]json.RawMessage
	fields   map[string]fieldValue
	deleted  bool
	delTime  crdt.Stamp

	children *crdt.Sequence[BlockID]
	text     *crdt.Sequence[*char]
}

func newBlockState(id BlockID, t BlockType) *blockState {
	bs := &blockState{
		id:       id,
		btype:    t,
		fields:   map[string]fieldValue{},
		children: crdt.NewSequence[BlockID](),
		text:     crdt.NewSequence[*char](),
	}
	return bs
}

// hasText reports whether the block's current type renders its text.
// Every block keeps a text sequence so text ops integrate the same way
// whichever create op won.
func (bs *blockState) hasText() bool { return bs.btype.HasText() }

func (bs *blockState) rawFields() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(bs.initial)+len(bs.fields))
	for k, v := range bs.initial {
		out[k] = v
	}
	for k, v := range bs.fields {
		if v.stamp.After(bs.created) {
			out[k] = v.raw
		}
	}
	return out
}

func (bs *blockState) data() BlockData {
	d, err := decodeFields(bs.btype, bs.rawFields(), false)
	if err != nil {
		d, _ = newData(bs.btype)
	}
	return d
}

type placement struct {
	block  BlockID
	parent BlockID
	elem   crdt.ID
	stamp  crdt.Stamp
}

// state is the integrated CRDT state of one replica plus the tree view
// derived from it.
type state struct {
	blocks     map[BlockID]*blockState
	placements []placement
	sv         crdt.StateVector
	log        []*op
	pending    []*op
	changed    map[BlockID]struct{}

	treeDirty bool
	parent    map[BlockID]BlockID
	elem      map[BlockID]crdt.ID
	kids      map[BlockID][]BlockID // visible children, document order
	under     map[BlockID][]BlockID // effective children including deleted ones
	visible   map[BlockID]bool
}

func newState() *state {
	s := &state{
		blocks:    map[BlockID]*blockState{},
		sv:        crdt.StateVector{},
		changed:   map[BlockID]struct{}{},
		treeDirty: true,
	}
	s.blocks[RootID] = newBlockState(RootID, TypePage)
	return s
}

func (s *state) touch(id BlockID) {
	s.changed[id] = struct{}{}
}

func (s *state) takeChanged() []BlockID {
	out := make([]BlockID, 0, len(s.changed))
	for id := range s.changed {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	s.changed = map[BlockID]struct{}{}
	return out
}

// integrate applies o if it is the next op of its replica and everything it
// references is known. It returns false without error for ops that were
// already integrated, and errNotReady when dependencies are missing.
func (s *state) integrate(o *op) (bool, error) {
	next := s.sv.Get(o.id.Replica)
	if o.id.Seq < next {
		return false, nil
	}
	if o.id.Seq > next {
		return false, errNotReady
	}
	if err := s.ready(o); err != nil {
		return false, err
	}

	s.apply(o)
	s.sv[o.id.Replica] = o.id.Seq + o.length()
	s.log = append(s.log, o)
	return true, nil
}

func (s *state) ready(o *op) error {
	bs, known := s.blocks[o.block]
	switch o.kind {
	case opCreate:
		p, ok := s.blocks[o.parent]
		if !ok || !p.children.Has(o.origin) {
			return errNotReady
		}
		return nil
	case opMove:
		p, ok := s.blocks[o.parent]
		if !known || !ok || !p.children.Has(o.origin) {
			return errNotReady
		}
		return nil
	}
	if !known {
		return errNotReady
	}
	switch o.kind {
	case opInsertText:
		if !bs.text.Has(o.origin) {
			return errNotReady
		}
	case opDeleteText, opFormat:
		for _, t := range o.targets {
			if !bs.text.Has(t) {
				return errNotReady
			}
		}
	}
	return nil
}

func (s *state) apply(o *op) {
	switch o.kind {
	case opCreate:
		// The element is inserted even for a losing create: later ops may
		// use it as an origin.
		_ = s.blocks[o.parent].children.Insert(o.origin, o.id, o.stamp, o.block)
		bs, exists := s.blocks[o.block]
		if exists && !bs.created.After(o.stamp) {
			return
		}
		if exists {
			s.dropPlacement(bs.createOp)
			bs.btype = o.btype
			if prev := s.parent[o.block]; prev != "" {
				s.touch(prev)
			}
		} else {
			bs = newBlockState(o.block, o.btype)
			s.blocks[o.block] = bs
		}
		bs.created, bs.createOp = o.stamp, o.id
		bs.initial = map[string]json.RawMessage{}
		if len(o.value) > 0 {
			_ = json.Unmarshal(o.value, &bs.initial)
		}
		s.placements = append(s.placements, placement{block: o.block, parent: o.parent, elem: o.id, stamp: o.stamp})
		s.treeDirty = true
		s.touch(o.block)
		s.touch(o.parent)

	case opMove:
		s.place(o)
		s.touch(o.block)
		s.touch(o.parent)

	case opDelete, opRestore:
		bs := s.blocks[o.block]
		if o.stamp.After(bs.delTime) {
			bs.deleted = o.kind == opDelete
			bs.delTime = o.stamp
			s.treeDirty = true
		}
		s.touch(o.block)

	case opSetField:
		bs := s.blocks[o.block]
		cur, ok := bs.fields[o.key]
		if !ok || o.stamp.After(cur.stamp) {
			bs.fields[o.key] = fieldValue{raw: append(json.RawMessage(nil), o.value...), stamp: o.stamp}
		}
		s.touch(o.block)

	case opInsertText:
		bs := s.blocks[o.block]
		origin := o.origin
		i := uint64(0)
		for _, r := range o.text {
			id := o.id.Add(i)
			stamp := crdt.Stamp{Lamport: o.stamp.Lamport + i, Replica: o.stamp.Replica}
			c := &char{r: r, attrs: map[Attr]attrValue{}}
			for k, v := range o.attrs {
				c.attrs[k] = attrValue{value: v, stamp: stamp}
			}
			_ = bs.text.Insert(origin, id, stamp, c)
			origin = id
			i++
		}
		s.touch(o.block)

	case opDeleteText:
		bs := s.blocks[o.block]
		for _, t := range o.targets {
			bs.text.Delete(t)
		}
		s.touch(o.block)

	case opFormat:
		bs := s.blocks[o.block]
		attr := Attr(o.key)
		for _, t := range o.targets {
			e, ok := bs.text.Get(t)
			if !ok {
				continue
			}
			cur, ok := e.Value.attrs[attr]
			if !ok || o.stamp.After(cur.stamp) {
				e.Value.attrs[attr] = attrValue{value: string(o.value), stamp: o.stamp}
			}
		}
		s.touch(o.block)
	}
}

func (s *state) place(o *op) {
	p := s.blocks[o.parent]
	_ = p.children.Insert(o.origin, o.id, o.stamp, o.block)
	s.placements = append(s.placements, placement{block: o.block, parent: o.parent, elem: o.id, stamp: o.stamp})
	s.treeDirty = true
}

// dropPlacement forgets the placement made by the op with the given id.
func (s *state) dropPlacement(elem crdt.ID) {
	kept := s.placements[:0]
	for _, p := range s.placements {
		if p.elem != elem {
			kept = append(kept, p)
		}
	}
	s.placements = kept
}

// materialize recomputes the tree view. Placement ops are replayed in
// stamp order; an op that would make a block its own ancestor is skipped,
// so every replica derives the same acyclic parent relation from the same
// op set. A block is listed only under its effective parent, at the element
// of its winning placement, and only if neither it nor an ancestor is
// deleted.
func (s *state) materialize() {
	if !s.treeDirty {
		return
	}
	sorted := append([]placement(nil), s.placements...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[j].stamp.After(sorted[i].stamp) })

	parent := make(map[BlockID]BlockID, len(s.blocks))
	elem := make(map[BlockID]crdt.ID, len(s.blocks))
	for _, p := range sorted {
		if createsCycle(parent, p.block, p.parent) {
			continue
		}
		parent[p.block] = p.parent
		elem[p.block] = p.elem
	}

	under := make(map[BlockID][]BlockID)
	kids := make(map[BlockID][]BlockID)
	for id, bs := range s.blocks {
		for _, e := range bs.children.Elements() {
			if elem[e.Value] != e.ID || parent[e.Value] != id {
				continue
			}
			under[id] = append(under[id], e.Value)
			if !s.blocks[e.Value].deleted {
				kids[id] = append(kids[id], e.Value)
			}
		}
	}

	visible := map[BlockID]bool{RootID: true}
	stack := []BlockID{RootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range kids[id] {
			if visible[c] {
				continue
			}
			visible[c] = true
			stack = append(stack, c)
		}
	}

	s.parent, s.elem, s.kids, s.under, s.visible = parent, elem, kids, under, visible
	s.treeDirty = false
}

func createsCycle(parent map[BlockID]BlockID, block, newParent BlockID) bool {
	for cur := newParent; cur != RootID; {
		if cur == block {
			return true
		}
		next, ok := parent[cur]
		if !ok {
			return false
		}
		cur = next
	}
	return block == RootID
}

func (s *state) isVisible(id BlockID) bool {
	s.materialize()
	return s.visible[id]
}

func (s *state) children(id BlockID) []BlockID {
	s.materialize()
	return s.kids[id]
}

// isAncestor reports whether a is an ancestor of b in the effective tree.
func (s *state) isAncestor(a, b BlockID) bool {
	s.materialize()
	for cur := b; cur != RootID; {
		p, ok := s.parent[cur]
		if !ok {
			return false
		}
		if p == a {
			return true
		}
		cur = p
	}
	return false
}

// subtree returns id and all effective descendants, deleted or not, in
// pre-order.
func (s *state) subtree(id BlockID) []BlockID {
	s.materialize()
	out := []BlockID{}
	stack := []BlockID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, cur)
		ch := s.under[cur]
		for i := len(ch) - 1; i >= 0; i-- {
			stack = append(stack, ch[i])
		}
	}
	return out
}

// checkInvariants verifies the visible tree: every visible non-root block
// is reached exactly once and its recorded parent is the block listing it.
func (s *state) checkInvariants() error {
	s.materialize()
	seen := map[BlockID]bool{RootID: true}
	stack := []BlockID{RootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range s.kids[id] {
			if seen[c] {
				return fmt.Errorf("%w: block %s listed twice", ErrInvariantViolation, c)
			}
			if s.parent[c] != id {
				return fmt.Errorf("%w: block %s listed under %s but parented to %s", ErrInvariantViolation, c, id, s.parent[c])
			}
			seen[c] = true
			stack = append(stack, c)
		}
	}
	if len(seen) != len(s.visible) {
		return fmt.Errorf("%w: %d reachable blocks, %d visible", ErrInvariantViolation, len(seen), len(s.visible))
	}
	return nil
}
