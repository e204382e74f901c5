package monitor

import (
	"strings"

	"golang.org/x/net/html"
)

var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"svg":      true,
}

// ExtractText returns the visible text of an HTML document, one trimmed
// fragment per line. Scripts and styles are dropped so nonces and inline
// data do not register as changes.
func ExtractText(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", err
	}
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if skipElements[n.Data] {
				return
			}
		case html.CommentNode:
			return
		case html.TextNode:
			parts = append(parts, strings.Split(n.Data, "\n")...)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return normalize(parts), nil
}

// normalize trims every line, splits on runs of two spaces and drops blanks.
func normalize(lines []string) string {
	var out []string
	for _, l := range lines {
		for _, chunk := range strings.Split(strings.TrimSpace(l), "  ") {
			if c := strings.TrimSpace(chunk); c != "" {
				out = append(out, c)
			}
		}
	}
	return strings.Join(out, "\n")
}
