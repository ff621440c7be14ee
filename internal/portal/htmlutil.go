package portal

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// Thin traversal helpers over x/net/html for the portal's fixed-layout pages.

func parseHTML(r io.Reader) (*html.Node, error) {
	return html.Parse(r)
}

// walk visits every element node under n until visit returns false.
func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if n.Type == html.ElementNode {
		if !visit(n) {
			return false
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, visit) {
			return false
		}
	}
	return true
}

func isTag(n *html.Node, tag string) bool {
	return n.Type == html.ElementNode && n.Data == tag
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// hasAttr reports attribute presence, value or not (boolean attributes).
func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// hasClass reports whether n carries every listed class.
func hasClass(n *html.Node, classes ...string) bool {
	have := strings.Fields(attrVal(n, "class"))
	for _, want := range classes {
		found := false
		for _, c := range have {
			if c == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// findFirst returns the first element under n matching pred, depth-first.
func findFirst(n *html.Node, pred func(*html.Node) bool) *html.Node {
	var found *html.Node
	walk(n, func(e *html.Node) bool {
		if pred(e) {
			found = e
			return false
		}
		return true
	})
	return found
}

// findAll collects every element under n matching pred.
func findAll(n *html.Node, pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	walk(n, func(e *html.Node) bool {
		if pred(e) {
			out = append(out, e)
		}
		return true
	})
	return out
}

func byID(n *html.Node, id string) *html.Node {
	return findFirst(n, func(e *html.Node) bool { return attrVal(e, "id") == id })
}

// textContent concatenates all text under n, whitespace-collapsed.
func textContent(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(e *html.Node) {
		if e.Type == html.TextNode {
			b.WriteString(e.Data)
		}
		for c := e.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// tableByClass returns the first <table> carrying all listed classes.
func tableByClass(doc *html.Node, classes ...string) *html.Node {
	return findFirst(doc, func(e *html.Node) bool {
		return isTag(e, "table") && hasClass(e, classes...)
	})
}

// tableRows returns the <tr> nodes of a table, preferring tbody rows.
func tableRows(table *html.Node) []*html.Node {
	if table == nil {
		return nil
	}
	if tbody := findFirst(table, func(e *html.Node) bool { return isTag(e, "tbody") }); tbody != nil {
		table = tbody
	}
	return findAll(table, func(e *html.Node) bool { return isTag(e, "tr") })
}

func rowCells(tr *html.Node) []*html.Node {
	return findAll(tr, func(e *html.Node) bool { return isTag(e, "td") })
}

func firstAnchor(n *html.Node) *html.Node {
	if n == nil {
		return nil
	}
	return findFirst(n, func(e *html.Node) bool { return isTag(e, "a") })
}

// inputValue returns the value attribute of <input name=...>.
func inputValue(doc *html.Node, name string) string {
	in := findFirst(doc, func(e *html.Node) bool {
		return isTag(e, "input") && attrVal(e, "name") == name
	})
	if in == nil {
		return ""
	}
	return attrVal(in, "value")
}

// inputValueByID returns the value attribute of <input id=...>.
func inputValueByID(doc *html.Node, id string) string {
	in := findFirst(doc, func(e *html.Node) bool {
		return isTag(e, "input") && attrVal(e, "id") == id
	})
	if in == nil {
		return ""
	}
	return attrVal(in, "value")
}

// selectedOption returns the value of the selected <option> of <select id=...>.
func selectedOption(doc *html.Node, selectID string) string {
	sel := findFirst(doc, func(e *html.Node) bool {
		return isTag(e, "select") && attrVal(e, "id") == selectID
	})
	if sel == nil {
		return ""
	}
	opt := findFirst(sel, func(e *html.Node) bool {
		return isTag(e, "option") && hasAttr(e, "selected")
	})
	if opt == nil {
		opt = findFirst(sel, func(e *html.Node) bool { return isTag(e, "option") })
	}
	if opt == nil {
		return ""
	}
	return attrVal(opt, "value")
}

// nextElementSibling skips text nodes between elements.
func nextElementSibling(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

// anchorByHrefPrefix finds the first <a> whose href starts with prefix.
func anchorByHrefPrefix(doc *html.Node, prefix string) *html.Node {
	return findFirst(doc, func(e *html.Node) bool {
		return isTag(e, "a") && strings.HasPrefix(attrVal(e, "href"), prefix)
	})
}
