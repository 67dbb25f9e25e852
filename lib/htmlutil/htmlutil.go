package htmlutil

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

// InputValue returns the value attribute of the first <input> with the
// given name attribute, or "" when no such input exists in the document.
func InputValue(doc *goquery.Document, name string) string {
	return doc.Find("input[name=" + name + "]").AttrOr("value", "")
}

var innerWhitespace = regexp.MustCompile(`\s\s+`)

// CollapseText trims a scraped text node down to a single line of
// printable text.
func CollapseText(s string) string {
	out := strings.Builder{}
	for _, c := range s {
		if c == '\n' || c == '\t' {
			out.WriteRune(' ')
			continue
		}
		out.WriteRune(c)
	}
	collapsed := strings.TrimSpace(out.String())
	return innerWhitespace.ReplaceAllString(collapsed, " ")
}
