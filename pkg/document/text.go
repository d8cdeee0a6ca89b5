package document

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"collab-blocks/pkg/crdt"
)

// Rich text operations. Offsets count runes of the visible text.

// textBlock resolves id for a text edit. ok is false when the edit must be
// dropped silently because the block is no longer visible.
func (tx *Txn) textBlock(id BlockID) (bs *blockState, ok bool, err error) {
	st := tx.doc.st
	bs, known := st.blocks[id]
	if !known {
		return nil, false, fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	if !bs.hasText() {
		return nil, false, fmt.Errorf("%w: %s", ErrTextUnsupported, bs.btype)
	}
	if !st.isVisible(id) {
		return nil, false, nil
	}
	return bs, true, nil
}

// resolve follows characters that undo or redo re-inserted under new ids,
// so later inverse steps address the live copy.
func (tx *Txn) resolve(id crdt.ID) crdt.ID {
	for {
		next, ok := tx.redone[id]
		if !ok {
			next, ok = tx.doc.redone[id]
		}
		if !ok {
			return id
		}
		id = next
	}
}

func checkRange(start, end, n int) error {
	if start < 0 || end > n || start > end {
		return fmt.Errorf("%w: [%d,%d) of %d", ErrIndexOutOfRange, start, end, n)
	}
	return nil
}

// InsertText inserts text at index. With nil attrs the text continues the
// formatting of the preceding character in the same block, and starts
// unformatted at index 0. Pass an empty, non-nil set to force plain text.
// A negative index appends.
func (tx *Txn) InsertText(id BlockID, index int, text string, attrs Attributes) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.unlock()

	bs, ok, err := tx.textBlock(id)
	if err != nil || !ok {
		return err
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: text is not valid utf-8", ErrInvalidBlockData)
	}
	if err := attrs.validate(); err != nil {
		return err
	}
	elems := bs.text.Elements()
	if index < 0 {
		index = len(elems)
	}
	if index > len(elems) {
		return fmt.Errorf("%w: %d > %d", ErrIndexOutOfRange, index, len(elems))
	}
	if text == "" {
		return nil
	}

	origin := crdt.Head
	if index > 0 {
		prev := elems[index-1]
		origin = prev.ID
		if attrs == nil {
			attrs = prev.Value.attributes()
		}
	}
	_, err = tx.insertAfter(id, origin, text, attrs)
	return err
}

// insertAfter emits one insert_text op and returns the id of its first
// character.
func (tx *Txn) insertAfter(id BlockID, origin crdt.ID, text string, attrs Attributes) (crdt.ID, error) {
	o := &op{kind: opInsertText, block: id, origin: origin, text: text, attrs: attrs.compact()}
	if err := tx.emit(o); err != nil {
		return crdt.ID{}, err
	}
	first, n := o.id, o.length()
	tx.record(func(tx *Txn) error {
		targets := make([]crdt.ID, n)
		for i := range targets {
			targets[i] = first.Add(uint64(i))
		}
		return tx.deleteChars(id, targets)
	})
	return first, nil
}

// DeleteRange removes the characters in [start, end).
func (tx *Txn) DeleteRange(id BlockID, start, end int) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.unlock()

	bs, ok, err := tx.textBlock(id)
	if err != nil || !ok {
		return err
	}
	elems := bs.text.Elements()
	if err := checkRange(start, end, len(elems)); err != nil {
		return err
	}
	if start == end {
		return nil
	}
	return tx.deleteChars(id, elementIDs(elems[start:end]))
}

type textRun struct {
	text  string
	attrs Attributes
}

// deleteChars tombstones the live characters among targets. The inverse
// re-inserts their content, with its formatting, where it used to be.
func (tx *Txn) deleteChars(id BlockID, targets []crdt.ID) error {
	st := tx.doc.st
	bs, ok := st.blocks[id]
	if !ok || !bs.hasText() || !st.isVisible(id) {
		return nil
	}
	live := make(map[crdt.ID]bool, len(targets))
	for _, t := range targets {
		t = tx.resolve(t)
		if e, ok := bs.text.Get(t); ok && !e.Deleted {
			live[t] = true
		}
	}
	if len(live) == 0 {
		return nil
	}

	var gone []crdt.Element[*char]
	for _, e := range bs.text.Elements() {
		if live[e.ID] {
			gone = append(gone, e)
		}
	}
	origin := bs.text.Prev(gone[0].ID)
	ids := elementIDs(gone)
	runs := runsOf(gone)

	if err := tx.emit(&op{kind: opDeleteText, block: id, targets: ids}); err != nil {
		return err
	}
	tx.record(func(tx *Txn) error {
		bs, ok := tx.doc.st.blocks[id]
		if !ok || !bs.hasText() || !tx.doc.st.isVisible(id) {
			return nil
		}
		at := tx.resolve(origin)
		if !bs.text.Has(at) {
			at = crdt.Head
		}
		k := 0
		for _, r := range runs {
			first, err := tx.insertAfter(id, at, r.text, r.attrs)
			if err != nil {
				return err
			}
			n := utf8.RuneCountInString(r.text)
			for i := 0; i < n; i++ {
				tx.redone[ids[k]] = first.Add(uint64(i))
				k++
			}
			at = first.Add(uint64(n) - 1)
		}
		return nil
	})
	return nil
}

// ApplyFormat sets attr to value on [start, end). An empty value removes
// the attribute.
func (tx *Txn) ApplyFormat(id BlockID, start, end int, attr Attr, value string) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.unlock()

	if !attr.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAttribute, attr)
	}
	bs, ok, err := tx.textBlock(id)
	if err != nil || !ok {
		return err
	}
	elems := bs.text.Elements()
	if err := checkRange(start, end, len(elems)); err != nil {
		return err
	}
	if start == end {
		return nil
	}
	return tx.formatChars(id, elementIDs(elems[start:end]), attr, value)
}

func (tx *Txn) formatChars(id BlockID, targets []crdt.ID, attr Attr, value string) error {
	st := tx.doc.st
	bs, ok := st.blocks[id]
	if !ok || !bs.hasText() || !st.isVisible(id) {
		return nil
	}
	prev := map[string][]crdt.ID{}
	known := make([]crdt.ID, 0, len(targets))
	for _, t := range targets {
		t = tx.resolve(t)
		e, ok := bs.text.Get(t)
		if !ok {
			continue
		}
		known = append(known, t)
		v := e.Value.attrs[attr].value
		prev[v] = append(prev[v], t)
	}
	if len(known) == 0 {
		return nil
	}

	o := &op{kind: opFormat, block: id, key: string(attr), targets: known}
	if value != "" {
		o.value = []byte(value)
	}
	if err := tx.emit(o); err != nil {
		return err
	}

	values := make([]string, 0, len(prev))
	for v := range prev {
		values = append(values, v)
	}
	sort.Strings(values)
	tx.record(func(tx *Txn) error {
		for _, v := range values {
			if err := tx.formatChars(id, prev[v], attr, v); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

// SplitBlock splits a text block at offset, the way Enter does. The text
// after offset moves to a new sibling placed right after the block; the new
// block gets the type splitData picks and its typing context starts empty.
// The block's children stay where they are.
func (tx *Txn) SplitBlock(id BlockID, offset int) (BlockID, error) {
	if err := tx.lock(); err != nil {
		return "", err
	}
	defer tx.unlock()

	if id == RootID {
		return "", ErrRootBlock
	}
	bs, ok, err := tx.textBlock(id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	elems := bs.text.Elements()
	if offset < 0 || offset > len(elems) {
		return "", fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, offset, len(elems))
	}

	st := tx.doc.st
	parent := st.parent[id]
	index := 0
	for i, k := range st.children(parent) {
		if k == id {
			index = i + 1
			break
		}
	}
	next, err := tx.createBlock(parent, index, splitData(bs.btype, bs.data()))
	if err != nil {
		return "", err
	}

	tail := elems[offset:]
	at := crdt.Head
	for _, r := range runsOf(tail) {
		first, err := tx.insertAfter(next, at, r.text, r.attrs)
		if err != nil {
			return "", err
		}
		at = first.Add(uint64(utf8.RuneCountInString(r.text)) - 1)
	}
	if len(tail) > 0 {
		if err := tx.deleteChars(id, elementIDs(tail)); err != nil {
			return "", err
		}
	}
	return next, nil
}

func runsOf(elems []crdt.Element[*char]) []textRun {
	var (
		runs []textRun
		sb   strings.Builder
		cur  Attributes
	)
	flush := func() {
		if sb.Len() > 0 {
			runs = append(runs, textRun{text: sb.String(), attrs: cur})
			sb.Reset()
		}
	}
	for _, e := range elems {
		attrs := e.Value.attributes()
		if sb.Len() > 0 && !attrs.Equal(cur) {
			flush()
		}
		if sb.Len() == 0 {
			cur = attrs
		}
		sb.WriteRune(e.Value.r)
	}
	flush()
	return runs
}

func elementIDs(elems []crdt.Element[*char]) []crdt.ID {
	ids := make([]crdt.ID, len(elems))
	for i, e := range elems {
		ids[i] = e.ID
	}
	return ids
}
