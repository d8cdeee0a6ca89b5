package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
)

// BlockID identifies a block for its whole lifetime.
type BlockID string

// RootID is the id of the document root. Every replica starts with it, so
// concurrent replicas never race on creating the root.
const RootID BlockID = "root"

// BlockType tags the variant of a block.
type BlockType string

const (
	TypePage             BlockType = "page"
	TypeParagraph        BlockType = "paragraph"
	TypeHeading          BlockType = "heading"
	TypeBulletedListItem BlockType = "bulleted_list"
	TypeNumberedListItem BlockType = "numbered_list"
	TypeTodo             BlockType = "todo_list"
	TypeQuote            BlockType = "quote"
	TypeCode             BlockType = "code"
	TypeCallout          BlockType = "callout"
	TypeDivider          BlockType = "divider"
	TypeAIGenerated      BlockType = "ai_writer"
	TypeAISpeaker        BlockType = "ai_speaker"
	TypeGrid             BlockType = "grid"
)

// HasText reports whether blocks of this type own rich text content.
func (t BlockType) HasText() bool {
	switch t {
	case TypeParagraph, TypeHeading, TypeBulletedListItem, TypeNumberedListItem,
		TypeTodo, TypeQuote, TypeCode, TypeCallout, TypeAISpeaker:
		return true
	}
	return false
}

// Valid reports whether t is a known block type.
func (t BlockType) Valid() bool {
	_, ok := newData(t)
	return ok
}

// BlockData is the typed attribute record of a block. Each block type has
// exactly one implementation.
type BlockData interface {
	Type() BlockType
}

type PageData struct{}

type ParagraphData struct{}

type HeadingData struct {
	Level int `json:"level" validate:"min=1,max=6"`
}

type BulletedListData struct{}

type NumberedListData struct {
	Number int `json:"number,omitempty" validate:"gte=0"`
}

type TodoData struct {
	Checked bool `json:"checked"`
}

type QuoteData struct{}

// MaxCodeLanguage is the longest language name CodeData accepts.
const MaxCodeLanguage = 64

type CodeData struct {
	Language string `json:"language,omitempty" validate:"max=64"`
}

type CalloutData struct {
	Icon  string `json:"icon,omitempty" validate:"max=16"`
	Color string `json:"color,omitempty" validate:"omitempty,max=32"`
}

type DividerData struct{}

// GenerationStatus is the lifecycle of streamed AI content.
type GenerationStatus string

const (
	StatusStreaming GenerationStatus = "streaming"
	StatusDone      GenerationStatus = "done"
	StatusCancelled GenerationStatus = "cancelled"
)

// AIGeneratedData marks a section whose children are produced by a
// generation service.
type AIGeneratedData struct {
	Model  string           `json:"model,omitempty"`
	Prompt string           `json:"prompt,omitempty"`
	Status GenerationStatus `json:"status,omitempty" validate:"omitempty,oneof=streaming done cancelled"`
}

type AISpeakerData struct {
	Speaker string `json:"speaker" validate:"required"`
	Role    string `json:"role,omitempty" validate:"omitempty,oneof=user assistant system"`
}

// GridData embeds a database view.
type GridData struct {
	ViewID string `json:"view_id" validate:"required"`
}

func (PageData) Type() BlockType         { return TypePage }
func (ParagraphData) Type() BlockType    { return TypeParagraph }
func (HeadingData) Type() BlockType      { return TypeHeading }
func (BulletedListData) Type() BlockType { return TypeBulletedListItem }
func (NumberedListData) Type() BlockType { return TypeNumberedListItem }
func (TodoData) Type() BlockType         { return TypeTodo }
func (QuoteData) Type() BlockType        { return TypeQuote }
func (CodeData) Type() BlockType         { return TypeCode }
func (CalloutData) Type() BlockType      { return TypeCallout }
func (DividerData) Type() BlockType      { return TypeDivider }
func (AIGeneratedData) Type() BlockType  { return TypeAIGenerated }
func (AISpeakerData) Type() BlockType    { return TypeAISpeaker }
func (GridData) Type() BlockType         { return TypeGrid }

// newData returns a pointer to a zero value of the variant for t.
func newData(t BlockType) (BlockData, bool) {
	switch t {
	case TypePage:
		return &PageData{}, true
	case TypeParagraph:
		return &ParagraphData{}, true
	case TypeHeading:
		return &HeadingData{}, true
	case TypeBulletedListItem:
		return &BulletedListData{}, true
	case TypeNumberedListItem:
		return &NumberedListData{}, true
	case TypeTodo:
		return &TodoData{}, true
	case TypeQuote:
		return &QuoteData{}, true
	case TypeCode:
		return &CodeData{}, true
	case TypeCallout:
		return &CalloutData{}, true
	case TypeDivider:
		return &DividerData{}, true
	case TypeAIGenerated:
		return &AIGeneratedData{}, true
	case TypeAISpeaker:
		return &AISpeakerData{}, true
	case TypeGrid:
		return &GridData{}, true
	}
	return nil, false
}

var validate = validator.New()

func validateData(d BlockData) error {
	if d == nil {
		return fmt.Errorf("%w: nil data", ErrInvalidBlockData)
	}
	if !d.Type().Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidBlockData, d.Type())
	}
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidBlockData, d.Type(), err)
	}
	return nil
}

// DataPatch is a partial update of a block's data, keyed by JSON field name.
type DataPatch map[string]any

// encodeFields marshals a variant into its per-field JSON representation.
func encodeFields(d BlockData) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlockData, err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlockData, err)
	}
	return fields, nil
}

// decodeFields rebuilds the typed variant of t from its stored fields. In
// strict mode unknown fields are rejected, which is how patches are checked
// at the store boundary.
func decodeFields(t BlockType, fields map[string]json.RawMessage, strict bool) (BlockData, error) {
	d, ok := newData(t)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidBlockData, t)
	}
	if len(fields) == 0 {
		return d, nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlockData, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlockData, err)
	}
	return d, nil
}

// splitData is the data of the block created when a block of type t is
// split. Headings and decorative containers continue as paragraphs; list
// items continue the list.
func splitData(t BlockType, current BlockData) BlockData {
	switch t {
	case TypeBulletedListItem:
		return BulletedListData{}
	case TypeNumberedListItem:
		return NumberedListData{}
	case TypeTodo:
		return TodoData{}
	case TypeCode:
		if c, ok := current.(*CodeData); ok {
			return CodeData{Language: c.Language}
		}
		return CodeData{}
	}
	return ParagraphData{}
}

// Attr names an inline formatting attribute.
type Attr string

const (
	AttrBold          Attr = "bold"
	AttrItalic        Attr = "italic"
	AttrUnderline     Attr = "underline"
	AttrStrikethrough Attr = "strikethrough"
	AttrCode          Attr = "code"
	AttrLink          Attr = "href"
	AttrFontColor     Attr = "font_color"
	AttrBgColor       Attr = "bg_color"
)

// Valid reports whether a is a known attribute.
func (a Attr) Valid() bool {
	switch a {
	case AttrBold, AttrItalic, AttrUnderline, AttrStrikethrough, AttrCode,
		AttrLink, AttrFontColor, AttrBgColor:
		return true
	}
	return false
}

// Attributes is a sparse attribute set. Boolean marks use the value "true";
// an empty value means the attribute is absent.
type Attributes map[Attr]string

// Bold is a convenience attribute set.
var Bold = Attributes{AttrBold: "true"}

func (a Attributes) validate() error {
	for k := range a {
		if !k.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidAttribute, k)
		}
	}
	return nil
}

// compact drops empty values and returns nil for an empty set.
func (a Attributes) compact() Attributes {
	var out Attributes
	for k, v := range a {
		if v == "" {
			continue
		}
		if out == nil {
			out = Attributes{}
		}
		out[k] = v
	}
	return out
}

// Equal compares two attribute sets ignoring empty values.
func (a Attributes) Equal(b Attributes) bool {
	ac, bc := a.compact(), b.compact()
	if len(ac) != len(bc) {
		return false
	}
	for k, v := range ac {
		if bc[k] != v {
			return false
		}
	}
	return true
}

func (a Attributes) keys() []Attr {
	keys := make([]Attr, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
