// Package normalize maps casino export rows onto canonical outcome records.
package normalize

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fairwatch/internal/faults"
	"fairwatch/internal/storage"
)

// Row is one raw export row keyed by lower-cased header.
type Row map[string]string

// NewRow builds a Row from decoded JSON or CSV values.
func NewRow(values map[string]any) Row {
	row := make(Row, len(values))
	for k, v := range values {
		var s string
		switch tv := v.(type) {
		case nil:
			continue
		case string:
			s = tv
		case float64:
			s = strconv.FormatFloat(tv, 'f', -1, 64)
		case fmt.Stringer:
			s = tv.String()
		default:
			s = fmt.Sprint(tv)
		}
		row[normalizeHeader(k)] = s
	}
	return row
}

// Headers lists the row's keys.
func (r Row) Headers() []string {
	headers := make([]string, 0, len(r))
	for k := range r {
		headers = append(headers, k)
	}
	return headers
}

// Pick returns the first non-empty value among names.
func (r Row) Pick(names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := r[n]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// Adapter understands one casino export schema.
type Adapter interface {
	ID() string
	MatchHeaders(headers []string) bool
	// Validate returns nil when Parse can produce a record from row.
	Validate(row Row) error
	Parse(row Row) (storage.OutcomeRecord, error)
}

// columns names candidate headers per canonical field.
type columns struct {
	ID         []string
	Timestamp  []string
	Bet        []string
	Win        []string
	Profit     []string
	Multiplier []string
	Tag        []string
}

// columnAdapter parses rows through a fixed column map.
type columnAdapter struct {
	id    string
	cols  columns
	match func(set map[string]struct{}) bool
}

func (a *columnAdapter) ID() string { return a.id }

func (a *columnAdapter) MatchHeaders(headers []string) bool {
	return a.match(headerSet(headers))
}

func (a *columnAdapter) Validate(row Row) error {
	raw, ok := row.Pick(a.cols.Bet...)
	if !ok {
		return faults.Invalid("bet", "missing")
	}
	if _, err := ParseAmount(raw); err != nil {
		return faults.Invalid("bet", err.Error())
	}
	if _, ok := row.Pick(a.cols.Win...); ok {
		return nil
	}
	if _, ok := row.Pick(a.cols.Profit...); ok {
		return nil
	}
	if _, ok := row.Pick(a.cols.Multiplier...); ok {
		return nil
	}
	return faults.Invalid("win", "missing")
}

func (a *columnAdapter) Parse(row Row) (storage.OutcomeRecord, error) {
	rawBet, _ := row.Pick(a.cols.Bet...)
	bet, err := ParseAmount(rawBet)
	if err != nil {
		return storage.OutcomeRecord{}, faults.Invalid("bet", err.Error())
	}

	win, err := a.win(row, bet)
	if err != nil {
		return storage.OutcomeRecord{}, err
	}

	rec := storage.OutcomeRecord{
		BetAmount: bet.InexactFloat64(),
		WinAmount: win.InexactFloat64(),
		NetWin:    win.Sub(bet).InexactFloat64(),
	}
	if raw, ok := row.Pick(a.cols.Timestamp...); ok {
		ts, err := ParseTimestamp(raw)
		if err != nil {
			return storage.OutcomeRecord{}, faults.Invalid("timestamp", err.Error())
		}
		rec.Timestamp = ts
	}
	if id, ok := row.Pick(a.cols.ID...); ok {
		rec.ID = id
	} else {
		id, err := uuid.NewV7()
		if err != nil {
			return storage.OutcomeRecord{}, fmt.Errorf("generate outcome id: %w", err)
		}
		rec.ID = id.String()
	}
	if tag, ok := row.Pick(a.cols.Tag...); ok {
		rec.OutcomeTag = tag
	}
	return rec, nil
}

func (a *columnAdapter) win(row Row, bet decimal.Decimal) (decimal.Decimal, error) {
	if raw, ok := row.Pick(a.cols.Win...); ok {
		w, err := ParseAmount(raw)
		if err != nil {
			return decimal.Zero, faults.Invalid("win", err.Error())
		}
		return w, nil
	}
	if raw, ok := row.Pick(a.cols.Profit...); ok {
		p, err := ParseAmount(raw)
		if err != nil {
			return decimal.Zero, faults.Invalid("profit", err.Error())
		}
		return bet.Add(p), nil
	}
	if raw, ok := row.Pick(a.cols.Multiplier...); ok {
		m, err := ParseAmount(raw)
		if err != nil {
			return decimal.Zero, faults.Invalid("multiplier", err.Error())
		}
		return bet.Mul(m), nil
	}
	return decimal.Zero, faults.Invalid("win", "missing")
}

// Stake matches Stake bet-history exports.
func Stake() Adapter {
	return &columnAdapter{
		id: "stake",
		cols: columns{
			ID:        []string{"spin_id", "id", "game_id"},
			Timestamp: []string{"timestamp", "time", "date"},
			Bet:       []string{"bet", "wager", "amount"},
			Win:       []string{"win", "payout", "return"},
			Tag:       []string{"outcome", "result", "symbols"},
		},
		match: func(set map[string]struct{}) bool {
			return hasAny(set, "bet", "win", "payout") && hasAny(set, "timestamp", "time")
		},
	}
}

// Rollbit matches Rollbit casino exports.
func Rollbit() Adapter {
	return &columnAdapter{
		id: "rollbit",
		cols: columns{
			ID:        []string{"bet_id", "id", "transaction_id"},
			Timestamp: []string{"created_at", "timestamp", "date"},
			Bet:       []string{"bet_amount", "stake", "wager"},
			Win:       []string{"win_amount", "payout"},
			Profit:    []string{"profit"},
			Tag:       []string{"result", "outcome"},
		},
		match: func(set map[string]struct{}) bool {
			return hasAny(set, "bet_id") || (hasAny(set, "bet_amount") && hasAny(set, "win_amount"))
		},
	}
}

// Generic is the best-effort fallback used when no adapter matches.
func Generic() Adapter {
	return &columnAdapter{
		id: "generic",
		cols: columns{
			ID:         []string{"id", "spin_id", "roundid", "round_id", "bet_id"},
			Timestamp:  []string{"ts", "time", "timestamp", "created_at", "date"},
			Bet:        []string{"bet", "wager", "stake", "amountbet", "amount_bet", "bet_amount", "amount"},
			Win:        []string{"payout", "win", "amountwon", "amount_won", "win_amount"},
			Profit:     []string{"profit", "net"},
			Multiplier: []string{"multiplier", "mult", "x", "factor"},
			Tag:        []string{"outcome", "result", "symbol", "symbols", "tag"},
		},
		match: func(map[string]struct{}) bool { return true },
	}
}
