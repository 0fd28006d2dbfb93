package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// secondsCutoff separates epoch seconds from epoch milliseconds.
const secondsCutoff = 2e10

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05 MST",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

var errEmpty = errors.New("empty value")

// ParseAmount strips currency symbols and separators before parsing.
func ParseAmount(raw string) (decimal.Decimal, error) {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			return r
		}
		return -1
	}, raw)
	if cleaned == "" || cleaned == "-" || cleaned == "." {
		return decimal.Zero, errEmpty
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return d, nil
}

// ParseTimestamp accepts epoch seconds, epoch milliseconds or a date string.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errEmpty
	}
	if d, err := decimal.NewFromString(raw); err == nil {
		v := d.InexactFloat64()
		if v < secondsCutoff {
			return time.UnixMilli(int64(v * 1000)).UTC(), nil
		}
		return time.UnixMilli(d.IntPart()).UTC(), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF")))
}

func headerSet(headers []string) map[string]struct{} {
	set := make(map[string]struct{}, len(headers))
	for _, h := range headers {
		set[normalizeHeader(h)] = struct{}{}
	}
	return set
}

func hasAny(set map[string]struct{}, names ...string) bool {
	for _, n := range names {
		if _, ok := set[n]; ok {
			return true
		}
	}
	return false
}
