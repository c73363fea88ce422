// Package markdown renders the markdown composed by the notification path
// into the HTML subset Telegram accepts.
package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

// ToTelegramHTML converts markdown to Telegram-compatible HTML
func ToTelegramHTML(markdown string) string {
	if markdown == "" {
		return ""
	}

	html := string(blackfriday.Run([]byte(markdown), blackfriday.WithExtensions(blackfriday.CommonExtensions)))

	return cleanHTMLForTelegram(html)
}

var (
	paragraphRe  = regexp.MustCompile(`<p>(.*?)</p>`)
	preCodeRe    = regexp.MustCompile(`<pre><code(?: class="[^"]*")?>`)
	anyTagRe     = regexp.MustCompile(`</?([a-zA-Z]+)(?:\s[^>]*)?>`)
	tagNameRe    = regexp.MustCompile(`</?([a-zA-Z]+)`)
	multiBlankRe = regexp.MustCompile(`\n{3,}`)
)

// cleanHTMLForTelegram strips the HTML down to the tags Telegram supports.
func cleanHTMLForTelegram(html string) string {
	html = paragraphRe.ReplaceAllString(html, "$1\n")

	html = strings.ReplaceAll(html, "<strong>", "<b>")
	html = strings.ReplaceAll(html, "</strong>", "</b>")
	html = strings.ReplaceAll(html, "<em>", "<i>")
	html = strings.ReplaceAll(html, "</em>", "</i>")

	// Telegram wants <pre>, not <pre><code>
	html = preCodeRe.ReplaceAllString(html, "<pre>")
	html = strings.ReplaceAll(html, "</code></pre>", "</pre>")

	// Flatten lists to bullet lines
	for _, tag := range []string{"<ul>", "</ul>", "<ol>", "</ol>"} {
		html = strings.ReplaceAll(html, tag, "")
	}
	html = strings.ReplaceAll(html, "<li>", "• ")
	html = strings.ReplaceAll(html, "</li>", "\n")

	supported := map[string]bool{
		"b": true, "i": true, "u": true, "s": true,
		"code": true, "pre": true, "a": true, "br": true,
	}
	html = anyTagRe.ReplaceAllStringFunc(html, func(match string) string {
		if m := tagNameRe.FindStringSubmatch(match); len(m) > 1 && supported[m[1]] {
			return match
		}
		return ""
	})

	html = multiBlankRe.ReplaceAllString(html, "\n\n")

	return strings.TrimSpace(html)
}
