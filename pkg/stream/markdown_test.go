package stream

import (
	"strings"
	"testing"

	"collab-blocks/pkg/document"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarkdown(t *testing.T) {
	src := "# Title\n\nSome **bold** and *soft* `x` [link](https://e.x)\n\n" +
		"- a\n- b\n  - nested\n\n3. three\n4. four\n\n> quoted\n\n" +
		"```go\nx := 1\n```\n\n---\n"

	blocks := ParseMarkdown(src)
	require.Len(t, blocks, 9)

	assert.Equal(t, document.HeadingData{Level: 1}, blocks[0].Data)
	assert.Equal(t, []document.Segment{{Insert: "Title"}}, blocks[0].Delta)

	assert.Equal(t, document.ParagraphData{}, blocks[1].Data)
	assert.Equal(t, []document.Segment{
		{Insert: "Some "},
		{Insert: "bold", Attributes: document.Bold},
		{Insert: " and "},
		{Insert: "soft", Attributes: document.Attributes{document.AttrItalic: "true"}},
		{Insert: " "},
		{Insert: "x", Attributes: document.Attributes{document.AttrCode: "true"}},
		{Insert: " "},
		{Insert: "link", Attributes: document.Attributes{document.AttrLink: "https://e.x"}},
	}, blocks[1].Delta)

	assert.Equal(t, document.BulletedListData{}, blocks[2].Data)
	assert.Equal(t, []document.Segment{{Insert: "a"}}, blocks[2].Delta)
	require.Len(t, blocks[3].Children, 1)
	assert.Equal(t, []document.Segment{{Insert: "nested"}}, blocks[3].Children[0].Delta)

	assert.Equal(t, document.NumberedListData{Number: 3}, blocks[4].Data)
	assert.Equal(t, document.NumberedListData{Number: 4}, blocks[5].Data)

	assert.Equal(t, document.QuoteData{}, blocks[6].Data)
	assert.Equal(t, []document.Segment{{Insert: "quoted"}}, blocks[6].Delta)

	assert.Equal(t, document.CodeData{Language: "go"}, blocks[7].Data)
	assert.Equal(t, []document.Segment{{Insert: "x := 1"}}, blocks[7].Delta)

	assert.Equal(t, document.DividerData{}, blocks[8].Data)
}

func TestParseMarkdown_Partial(t *testing.T) {
	assert.Empty(t, ParseMarkdown(""))

	blocks := ParseMarkdown("```py\nprint(")
	require.Len(t, blocks, 1)
	assert.Equal(t, document.CodeData{Language: "py"}, blocks[0].Data)
	assert.Equal(t, []document.Segment{{Insert: "print("}}, blocks[0].Delta)

	blocks = ParseMarkdown("```" + strings.Repeat("x", document.MaxCodeLanguage+1) + "\nbody")
	require.Len(t, blocks, 1)
	assert.Equal(t, document.CodeData{}, blocks[0].Data)

	blocks = ParseMarkdown("**unfinished")
	require.Len(t, blocks, 1)
	assert.Equal(t, []document.Segment{{Insert: "**unfinished"}}, blocks[0].Delta)
}
