package document

import "strings"

// Block is a read-only view of one visible block.
type Block struct {
	ID       BlockID
	Type     BlockType
	Parent   BlockID
	Children []BlockID
	// Data is a pointer to the type's variant, e.g. *HeadingData.
	Data BlockData
	Text string
}

// Segment is a run of text sharing one attribute set.
type Segment struct {
	Insert     string     `json:"insert"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Node is one block of a read-only tree snapshot.
type Node struct {
	ID       BlockID   `json:"id"`
	Type     BlockType `json:"type"`
	Data     BlockData `json:"data"`
	Delta    []Segment `json:"delta,omitempty"`
	Children []*Node   `json:"children,omitempty"`
}

// Tree is an immutable snapshot of the visible document.
type Tree struct {
	ObjectID string `json:"object_id"`
	Root     *Node  `json:"root"`
}

// Root returns the root block id.
func (d *Document) Root() BlockID { return RootID }

// Contains reports whether id is a visible block.
func (d *Document) Contains(id BlockID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.isVisible(id)
}

// Block returns the visible block with the given id.
func (d *Document) Block(id BlockID) (Block, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.st.isVisible(id) {
		return Block{}, false
	}
	bs := d.st.blocks[id]
	return Block{
		ID:       id,
		Type:     bs.btype,
		Parent:   d.st.parent[id],
		Children: append([]BlockID(nil), d.st.children(id)...),
		Data:     bs.data(),
		Text:     textOf(bs),
	}, true
}

// Children returns the visible children of id in order.
func (d *Document) Children(id BlockID) []BlockID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]BlockID(nil), d.st.children(id)...)
}

// Text returns the plain text of a visible block, or "" if it has none.
func (d *Document) Text(id BlockID) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	bs, ok := d.st.blocks[id]
	if !ok || !d.st.isVisible(id) {
		return ""
	}
	return textOf(bs)
}

// Delta returns the rich text of a visible block as attribute runs.
func (d *Document) Delta(id BlockID) []Segment {
	d.mu.Lock()
	defer d.mu.Unlock()
	bs, ok := d.st.blocks[id]
	if !ok || !d.st.isVisible(id) {
		return nil
	}
	return deltaOf(bs)
}

// Snapshot returns the last committed tree. While a transaction is open it
// keeps returning the state from before the transaction.
func (d *Document) Snapshot() *Tree {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snap == nil {
		d.snap = d.buildTree()
	}
	return d.snap
}

func (d *Document) buildTree() *Tree {
	var build func(id BlockID) *Node
	build = func(id BlockID) *Node {
		bs := d.st.blocks[id]
		n := &Node{ID: id, Type: bs.btype, Data: bs.data(), Delta: deltaOf(bs)}
		for _, c := range d.st.children(id) {
			n.Children = append(n.Children, build(c))
		}
		return n
	}
	return &Tree{ObjectID: d.objectID, Root: build(RootID)}
}

func textOf(bs *blockState) string {
	if !bs.hasText() {
		return ""
	}
	var sb strings.Builder
	for _, e := range bs.text.Elements() {
		sb.WriteRune(e.Value.r)
	}
	return sb.String()
}

func deltaOf(bs *blockState) []Segment {
	if !bs.hasText() {
		return nil
	}
	runs := runsOf(bs.text.Elements())
	out := make([]Segment, len(runs))
	for i, r := range runs {
		out[i] = Segment{Insert: r.text, Attributes: r.attrs}
	}
	return out
}
