package stream

import (
	"strings"
	"unicode/utf8"

	"collab-blocks/pkg/document"

	"gitlab.com/golang-commonmark/markdown"
)

// Block is one parsed content block, ready to be inserted.
type Block struct {
	Data     document.BlockData
	Delta    []document.Segment
	Children []Block
}

var md = markdown.New(markdown.HTML(false))

// container is an open list item or quote; its first paragraph becomes the
// block's own text, later ones become children.
type container struct {
	block   *Block
	hasText bool
}

type list struct {
	ordered bool
	next    int
}

// ParseMarkdown turns markdown source into blocks. Incomplete input, as
// seen mid-stream, parses to whatever is complete so far.
func ParseMarkdown(src string) []Block {
	var (
		out     []Block
		stack   []*container
		lists   []*list
		heading int
	)
	dest := func() *[]Block {
		if len(stack) == 0 {
			return &out
		}
		return &stack[len(stack)-1].block.Children
	}
	add := func(b Block) *Block {
		d := dest()
		*d = append(*d, b)
		return &(*d)[len(*d)-1]
	}
	open := func(b Block) {
		stack = append(stack, &container{block: add(b)})
	}

	for _, tok := range md.Parse([]byte(src)) {
		switch t := tok.(type) {
		case *markdown.BulletListOpen:
			lists = append(lists, &list{})
		case *markdown.OrderedListOpen:
			lists = append(lists, &list{ordered: true, next: t.Order})
		case *markdown.BulletListClose, *markdown.OrderedListClose:
			if len(lists) > 0 {
				lists = lists[:len(lists)-1]
			}
		case *markdown.ListItemOpen:
			var data document.BlockData = document.BulletedListData{}
			if n := len(lists); n > 0 && lists[n-1].ordered {
				data = document.NumberedListData{Number: lists[n-1].next}
				lists[n-1].next++
			}
			open(Block{Data: data})
		case *markdown.BlockquoteOpen:
			open(Block{Data: document.QuoteData{}})
		case *markdown.ListItemClose, *markdown.BlockquoteClose:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case *markdown.HeadingOpen:
			heading = t.HLevel
		case *markdown.HeadingClose:
			heading = 0
		case *markdown.Inline:
			delta := inlineDelta(t.Children)
			if heading > 0 {
				add(Block{Data: document.HeadingData{Level: heading}, Delta: delta})
				continue
			}
			if n := len(stack); n > 0 && !stack[n-1].hasText {
				stack[n-1].block.Delta = delta
				stack[n-1].hasText = true
				continue
			}
			add(Block{Data: document.ParagraphData{}, Delta: delta})
		case *markdown.Fence:
			lang, _, _ := strings.Cut(strings.TrimSpace(t.Params), " ")
			add(codeBlock(lang, t.Content))
		case *markdown.CodeBlock:
			add(codeBlock("", t.Content))
		case *markdown.Hr:
			add(Block{Data: document.DividerData{}})
		}
	}
	return out
}

// codeBlock drops a fence language the code block could not store.
func codeBlock(lang, content string) Block {
	if utf8.RuneCountInString(lang) > document.MaxCodeLanguage {
		lang = ""
	}
	b := Block{Data: document.CodeData{Language: lang}}
	if text := strings.TrimSuffix(content, "\n"); text != "" {
		b.Delta = []document.Segment{{Insert: text}}
	}
	return b
}

func inlineDelta(toks []markdown.Token) []document.Segment {
	var out []document.Segment
	attrs := document.Attributes{}
	emit := func(text string, extra document.Attributes) {
		if text == "" {
			return
		}
		a := document.Attributes{}
		for k, v := range attrs {
			a[k] = v
		}
		for k, v := range extra {
			a[k] = v
		}
		if len(a) == 0 {
			a = nil
		}
		if n := len(out); n > 0 && out[n-1].Attributes.Equal(a) {
			out[n-1].Insert += text
			return
		}
		out = append(out, document.Segment{Insert: text, Attributes: a})
	}
	toggle := func(a document.Attr, on bool) {
		if on {
			attrs[a] = "true"
		} else {
			delete(attrs, a)
		}
	}

	for _, tok := range toks {
		switch t := tok.(type) {
		case *markdown.Text:
			emit(t.Content, nil)
		case *markdown.CodeInline:
			emit(t.Content, document.Attributes{document.AttrCode: "true"})
		case *markdown.HTMLInline:
			emit(t.Content, nil)
		case *markdown.Softbreak, *markdown.Hardbreak:
			emit("\n", nil)
		case *markdown.StrongOpen:
			toggle(document.AttrBold, true)
		case *markdown.StrongClose:
			toggle(document.AttrBold, false)
		case *markdown.EmphasisOpen:
			toggle(document.AttrItalic, true)
		case *markdown.EmphasisClose:
			toggle(document.AttrItalic, false)
		case *markdown.StrikethroughOpen:
			toggle(document.AttrStrikethrough, true)
		case *markdown.StrikethroughClose:
			toggle(document.AttrStrikethrough, false)
		case *markdown.LinkOpen:
			attrs[document.AttrLink] = t.Href
		case *markdown.LinkClose:
			delete(attrs, document.AttrLink)
		}
	}
	return out
}
