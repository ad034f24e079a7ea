package export

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// TableRow is one data row read back from a rendered Ata table.
type TableRow struct {
	Class string
	Cells []string
}

// Rendered is the content of an HTML Ata as read back from markup.
type Rendered struct {
	Title       string
	Held        string
	Admin       []TableRow
	Instruments []TableRow
	Ministry    []TableRow
}

// Count returns the integer in the second column of the instrument row
// labelled label.
func (r Rendered) Count(label string) (int, bool) {
	for _, row := range r.Instruments {
		if len(row.Cells) >= 2 && row.Cells[0] == label {
			n, err := strconv.Atoi(row.Cells[1])
			return n, err == nil
		}
	}
	return 0, false
}

// ParseHTML reads the tables of an Ata produced by RenderHTML.
func ParseHTML(r io.Reader) (Rendered, error) {
	root, err := html.Parse(r)
	if err != nil {
		return Rendered{}, fmt.Errorf("parse ata html: %w", err)
	}
	var out Rendered
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch attr(n, "id") {
			case "title":
				out.Title = text(n)
			case "held":
				out.Held = text(n)
			case "administracao":
				out.Admin = rows(n)
				return
			case "instrumentos":
				out.Instruments = rows(n)
				return
			case "ministerio":
				out.Ministry = rows(n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out, nil
}

// rows collects the td rows of a table, skipping header rows.
func rows(table *html.Node) []TableRow {
	var out []TableRow
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			row := TableRow{Class: attr(n, "class")}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && c.DataAtom == atom.Td {
					row.Cells = append(row.Cells, text(c))
				}
			}
			if len(row.Cells) > 0 {
				out = append(out, row)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(table)
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func text(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
