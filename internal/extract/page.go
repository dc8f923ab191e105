// Package extract turns fetched pages into price fragments and product
// listings. Nothing in this package performs I/O.
package extract

import (
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// Page is an already-fetched page representation.
type Page struct {
	URL        string
	HTML       string
	StatusCode int

	once   sync.Once
	doc    *goquery.Document
	docErr error
}

// NewPage wraps raw markup fetched from url.
func NewPage(url, html string) *Page {
	return &Page{URL: url, HTML: html}
}

// Doc lazily parses the markup. The parse result is shared across strategies.
func (p *Page) Doc() (*goquery.Document, error) {
	p.once.Do(func() {
		p.doc, p.docErr = goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
		if p.docErr != nil {
			p.docErr = eris.Wrap(p.docErr, "extract: parse html")
		}
	})
	return p.doc, p.docErr
}

// Title returns the document <title>, trimmed.
func (p *Page) Title() string {
	doc, err := p.Doc()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
