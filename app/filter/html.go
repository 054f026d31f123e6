package filter

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// maxHTMLBytes bounds raw markup handed to the parser. Tags and entities
// shrink on the way to text, so it is a multiple of MaxSearchBytes.
const maxHTMLBytes = 4 * MaxSearchBytes

func looksLikeHTML(s string) bool {
	return strings.Contains(s, "<") && strings.Contains(s, ">")
}

// StripHTML converts markup to plain text: script and style elements are
// dropped, entities are unescaped, text nodes are joined with single spaces.
func StripHTML(raw string) string {
	if raw == "" {
		return ""
	}
	raw = truncateUTF8(raw, maxHTMLBytes)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return strings.Join(strings.Fields(raw), " ")
	}
	doc.Find("script, style, noscript, template").Remove()

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}

	return strings.Join(strings.Fields(sb.String()), " ")
}
