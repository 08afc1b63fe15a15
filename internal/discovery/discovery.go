// Package discovery reads the invoice list table and turns its rows into
// order candidates for one date range.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"invoice-harvester/internal/config"
	"invoice-harvester/internal/models"
)

// listDateLayout is the date format used by the portal's list table
const listDateLayout = "02.01.2006"

// ErrNoTable is returned when the page holds no list table
var ErrNoTable = errors.New("invoice list table not found")

var (
	patterns     = config.CompilePatterns()
	dateRe       = patterns["listDate"]
	orderRe      = patterns["orderNumber"]
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// TableSource gives read access to the list view
type TableSource interface {
	ListTableHTML(ctx context.Context) (string, error)
	Reload(ctx context.Context) error
}

// Scanner finds the orders of a date range on the current list view
type Scanner struct {
	source TableSource
	logger *zap.Logger
}

// NewScanner creates a scanner reading from source
func NewScanner(source TableSource, logger *zap.Logger) *Scanner {
	return &Scanner{
		source: source,
		logger: logger.Named("discovery"),
	}
}

// Scan returns the in-range orders in table order. A failed read is retried
// once after a reload; a second failure abandons the range with no orders.
func (s *Scanner) Scan(ctx context.Context, r models.DateRange) []models.OrderCandidate {
	orders, rows, err := s.read(ctx, r)
	if err != nil {
		s.logger.Warn("Failed to read invoice list, reloading", zap.Error(err))

		if reloadErr := s.source.Reload(ctx); reloadErr != nil {
			s.logger.Warn("Reload failed", zap.Error(reloadErr))
		}

		orders, rows, err = s.read(ctx, r)
		if err != nil {
			s.logger.Error("Invoice list unreadable after reload, skipping range",
				zap.Time("start", r.Start),
				zap.Time("end", r.End),
				zap.Error(err))
			return nil
		}
	}

	s.logger.Info("Scanned invoice list",
		zap.Int("rows", rows),
		zap.Int("orders_in_range", len(orders)))
	return orders
}

func (s *Scanner) read(ctx context.Context, r models.DateRange) ([]models.OrderCandidate, int, error) {
	html, err := s.source.ListTableHTML(ctx)
	if err != nil {
		return nil, 0, err
	}
	return ParseOrders(html, r, s.logger)
}

// ParseOrders extracts order candidates from the list table HTML. It returns
// the in-range orders and the total number of body rows seen.
func ParseOrders(html string, r models.DateRange, logger *zap.Logger) ([]models.OrderCandidate, int, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse list table: %w", err)
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, 0, ErrNoTable
	}

	rows := table.Find("tbody tr")
	var orders []models.OrderCandidate

	rows.Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}

		dateText := cellText(cells.Eq(0))
		orderText := cellText(cells.Eq(1))

		date, ok := ExtractDate(dateText)
		if !ok {
			logger.Debug("Row without date", zap.Int("row", i+1), zap.String("text", dateText))
			return
		}
		orderNumber, ok := ExtractOrderNumber(orderText)
		if !ok {
			logger.Debug("Row without order number", zap.Int("row", i+1), zap.String("text", orderText))
			return
		}

		in, err := InRange(date, r)
		if err != nil {
			logger.Debug("Row date not parseable", zap.Int("row", i+1), zap.String("date", date), zap.Error(err))
			return
		}
		if !in {
			return
		}

		orders = append(orders, models.OrderCandidate{
			Date:        date,
			OrderNumber: orderNumber,
			RowIndex:    i + 1,
		})
	})

	return orders, rows.Length(), nil
}

// ExtractDate returns the DD.MM.YYYY token of a "Data: ..." cell
func ExtractDate(text string) (string, bool) {
	m := dateRe.FindStringSubmatch(text)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// ExtractOrderNumber returns the order code of a "Nr zamówienia: ..." cell
func ExtractOrderNumber(text string) (string, bool) {
	m := orderRe.FindStringSubmatch(text)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// InRange reports whether a DD.MM.YYYY date, taken at noon, lies inside r
func InRange(date string, r models.DateRange) (bool, error) {
	loc := r.Start.Location()
	day, err := time.ParseInLocation(listDateLayout, date, loc)
	if err != nil {
		return false, err
	}
	noon := day.Add(12 * time.Hour)
	return r.Contains(noon), nil
}

func cellText(s *goquery.Selection) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s.Text(), " "))
}
