package fubon

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"

	"tsfetch/internal/domain"
	"tsfetch/internal/pipeline"
)

// Columns is the output schema of Parser.
var Columns = []string{"Ticker", "Name", "buy", "sell", "diff", "Branch", "Date", "Branch_Code"}

// dataRowIndex is the position of the row holding the data table among all
// rows of the page's first table.
const dataRowIndex = 5

var (
	linkRe    = regexp.MustCompile(`Link2Stk\('(.*?)'\)`)
	genLinkRe = regexp.MustCompile(`GenLink2stk\('(AS)?(.*?)','(.*?)'\);`)
)

const checkboxID = "oAddCheckbox"

// Compile-time interface check.
var _ pipeline.Parser = Parser{}

// Parser extracts per-security buy/sell rows from a branch page.
type Parser struct{}

// Parse returns one row per security listed on the page. A page whose data
// table has no entries yields no rows.
func (Parser) Parse(u domain.Unit, payload []byte) ([][]string, error) {
	r, err := charset.NewReader(bytes.NewReader(payload), "text/html")
	if err != nil {
		return nil, fmt.Errorf("detecting charset: %w", err)
	}
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	outer := findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.Table })
	if outer == nil {
		return nil, errors.New("no table on page")
	}
	rows := findAll(outer, func(n *html.Node) bool { return n.DataAtom == atom.Tr })
	if len(rows) <= dataRowIndex {
		return nil, fmt.Errorf("page has %d table rows, want more than %d", len(rows), dataRowIndex)
	}
	data := findFirst(rows[dataRowIndex], func(n *html.Node) bool { return n.DataAtom == atom.Table })
	if data == nil {
		return nil, errors.New("no data table in row 5")
	}

	names := findAll(data, cellWithClass("t4t1"))
	numbers := findAll(data, cellWithClass("t3n1"))

	n := max(len(names), len(numbers)/3)
	out := make([][]string, 0, n)
	for i := 0; i < n; i++ {
		var ticker, name, buy, sell, diff string
		if i < len(names) {
			ticker, name = security(names[i])
		}
		if j := i * 3; j+2 < len(numbers) {
			buy, sell, diff = text(numbers[j]), text(numbers[j+1]), text(numbers[j+2])
		}
		out = append(out, []string{ticker, name, buy, sell, diff, u.Entity.Name, u.Date, u.Entity.ID})
	}
	return out, nil
}

// security extracts the ticker and name from the oAddCheckbox cell of a name
// cell, either from a Link2Stk anchor or from a GenLink2stk script. A name
// cell without one has no security.
func security(cell *html.Node) (ticker, name string) {
	if attr(cell, "id") != checkboxID {
		cell = findFirst(cell, func(n *html.Node) bool {
			return n.DataAtom == atom.Td && attr(n, "id") == checkboxID
		})
		if cell == nil {
			return "", ""
		}
	}
	if a := findFirst(cell, func(n *html.Node) bool { return n.DataAtom == atom.A }); a != nil {
		if m := linkRe.FindStringSubmatch(attr(a, "href")); m != nil {
			ticker = m[1]
			return ticker, strings.TrimPrefix(text(a), ticker)
		}
	}
	if s := findFirst(cell, func(n *html.Node) bool { return n.DataAtom == atom.Script }); s != nil {
		if m := genLinkRe.FindStringSubmatch(rawText(s)); m != nil {
			return m[2], m[3]
		}
	}
	return "", ""
}

func cellWithClass(class string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		if n.DataAtom != atom.Td {
			return false
		}
		for _, c := range strings.Fields(attr(n, "class")) {
			if c == class {
				return true
			}
		}
		return false
	}
}

// findFirst returns the first descendant of n, in document order, matching
// pred.
func findFirst(n *html.Node, pred func(*html.Node) bool) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && pred(c) {
			return c
		}
		if found := findFirst(c, pred); found != nil {
			return found
		}
	}
	return nil
}

// findAll returns every descendant of n matching pred, in document order.
func findAll(n *html.Node, pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && pred(c) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(n)
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

// text concatenates the trimmed text nodes under n, skipping scripts.
func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			switch {
			case c.Type == html.TextNode:
				b.WriteString(strings.TrimSpace(c.Data))
			case c.Type == html.ElementNode && c.DataAtom == atom.Script:
			default:
				walk(c)
			}
		}
	}
	walk(n)
	return b.String()
}

func rawText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}
