// Package page holds a rendered HTML document that cart surfaces are written into.
package page

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Page is a mutable DOM for a single rendered storefront page.
type Page struct {
	doc  *goquery.Document
	path string
}

// Parse reads an HTML document. path is the request path the page was served
// for and is used to build return links (e.g. login next=).
func Parse(r io.Reader, path string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("page: parse: %w", err)
	}
	return &Page{doc: doc, path: path}, nil
}

// ParseString is Parse for in-memory markup.
func ParseString(markup, path string) (*Page, error) {
	return Parse(strings.NewReader(markup), path)
}

// Path returns the request path associated with the page.
func (p *Page) Path() string {
	if p == nil || p.path == "" {
		return "/"
	}
	return p.path
}

// Find runs a selector against the whole document.
func (p *Page) Find(selector string) *goquery.Selection {
	return p.doc.Find(selector)
}

// Present reports whether at least one element matches selector.
func (p *Page) Present(selector string) bool {
	return p != nil && p.doc.Find(selector).Length() > 0
}

// LoggedIn reports whether the markup advertises an authenticated visitor:
// either <body class="logged-in"> or a logout link anywhere on the page.
func (p *Page) LoggedIn() bool {
	if p == nil {
		return false
	}
	if p.doc.Find("body.logged-in").Length() > 0 {
		return true
	}
	return p.doc.Find(`a[href*="logout"]`).Length() > 0
}

// WriteTo serialises the full document.
func (p *Page) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: w}
	for _, n := range p.doc.Nodes {
		if err := html.Render(cw, n); err != nil {
			return cw.n, fmt.Errorf("page: render: %w", err)
		}
	}
	return cw.n, nil
}

func (p *Page) String() string {
	var buf bytes.Buffer
	_, _ = p.WriteTo(&buf)
	return buf.String()
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
