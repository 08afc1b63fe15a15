package processor

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"invoice-harvester/internal/config"
)

const previewLength = 200

var whitespaceRe = regexp.MustCompile(`\s+`)

// documentRow is one row of an order's documents table
type documentRow struct {
	Index int // 1-based position in the table body
	Text  string
	HTML  string
}

// parseDocumentRows lists the body rows of the first table in html
func parseDocumentRows(markup string) ([]documentRow, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse documents table: %w", err)
	}

	var rows []documentRow
	doc.Find("table").First().Find("tbody tr").Each(func(i int, s *goquery.Selection) {
		outer, _ := goquery.OuterHtml(s)
		rows = append(rows, documentRow{
			Index: i + 1,
			Text:  strings.TrimSpace(whitespaceRe.ReplaceAllString(s.Text(), " ")),
			HTML:  outer,
		})
	})

	return rows, nil
}

// isInvoice is the classification rule for document rows: a case-insensitive
// substring match on the keyword
func isInvoice(text, keyword string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(keyword))
}

// InvoiceFileName returns the deterministic file name of the n-th invoice
// (1-based) of an order
func InvoiceFileName(orderNumber string, n int) string {
	base := config.InvoiceFilePrefix + strings.ReplaceAll(orderNumber, "/", "_")
	if n > 1 {
		base = fmt.Sprintf("%s_%d", base, n)
	}
	return base + ".pdf"
}

// previewer turns row markup into short plain text for logs
type previewer struct {
	policy *bluemonday.Policy
}

func newPreviewer() *previewer {
	return &previewer{policy: bluemonday.StrictPolicy()}
}

func (p *previewer) preview(markup string) string {
	text := html.UnescapeString(p.policy.Sanitize(markup))
	text = strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
	if len(text) > previewLength {
		cut := previewLength
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "..."
	}
	return text
}
