package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToTelegramHTMLBasic(t *testing.T) {
	out := ToTelegramHTML("**bold** and *italic* and `code`")
	assert.Contains(t, out, "<b>bold</b>")
	assert.Contains(t, out, "<i>italic</i>")
	assert.Contains(t, out, "<code>code</code>")
}

func TestToTelegramHTMLCodeBlock(t *testing.T) {
	out := ToTelegramHTML("```\nsome excerpt\n```")
	assert.Contains(t, out, "<pre>")
	assert.Contains(t, out, "</pre>")
	assert.NotContains(t, out, "<code class")
	assert.NotContains(t, out, "</code></pre>")
}

func TestToTelegramHTMLStripsUnsupportedTags(t *testing.T) {
	out := ToTelegramHTML("# Heading\n\ntext")
	assert.NotContains(t, out, "<h1>")
	assert.Contains(t, out, "Heading")
	assert.Contains(t, out, "text")
}

func TestToTelegramHTMLLists(t *testing.T) {
	out := ToTelegramHTML("- first\n- second")
	assert.Contains(t, out, "• first")
	assert.Contains(t, out, "• second")
	assert.NotContains(t, out, "<li>")
}

func TestToTelegramHTMLEmpty(t *testing.T) {
	assert.Equal(t, "", ToTelegramHTML(""))
}
