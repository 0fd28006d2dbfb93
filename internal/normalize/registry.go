package normalize

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fairwatch/internal/faults"
	"fairwatch/internal/storage"
)

// DefaultWinCeiling bounds win/bet for sanity.
const DefaultWinCeiling = 10000.0

// Registry selects adapters by first match in registration order.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
	fallback Adapter
}

// NewRegistry builds a registry over adapters with the generic fallback.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters, fallback: Generic()}
}

// DefaultRegistry registers the built-in casino adapters.
func DefaultRegistry() *Registry {
	return NewRegistry(Stake(), Rollbit())
}

// Register appends an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, a)
}

// Select returns the first adapter matching headers, or the fallback.
func (r *Registry) Select(headers []string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if a.MatchHeaders(headers) {
			return a
		}
	}
	return r.fallback
}

// Get looks an adapter up by id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id = strings.ToLower(strings.TrimSpace(id))
	for _, a := range r.adapters {
		if a.ID() == id {
			return a, true
		}
	}
	if id == r.fallback.ID() {
		return r.fallback, true
	}
	return nil, false
}

// Options configure a Normalizer.
type Options struct {
	WinCeiling float64
	Now        func() time.Time
}

// Normalizer turns raw rows into validated outcome records.
type Normalizer struct {
	registry *Registry
	ceiling  float64
	now      func() time.Time
	logger   zerolog.Logger
}

// New constructs a Normalizer.
func New(registry *Registry, opts Options, logger zerolog.Logger) *Normalizer {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if opts.WinCeiling <= 0 {
		opts.WinCeiling = DefaultWinCeiling
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Normalizer{
		registry: registry,
		ceiling:  opts.WinCeiling,
		now:      opts.Now,
		logger:   logger.With().Str("component", "normalizer").Logger(),
	}
}

// Normalize parses one row. Rejections are returned as ValidationErrors.
func (n *Normalizer) Normalize(casinoID string, headers []string, row Row) (storage.OutcomeRecord, string, error) {
	if len(headers) == 0 {
		headers = row.Headers()
	}
	adapter := n.registry.Select(headers)

	if err := adapter.Validate(row); err != nil {
		return storage.OutcomeRecord{}, adapter.ID(), err
	}
	rec, err := adapter.Parse(row)
	if err != nil {
		return storage.OutcomeRecord{}, adapter.ID(), err
	}
	rec.CasinoID = casinoID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = n.now().UTC()
	}
	if err := n.sanity(rec); err != nil {
		return storage.OutcomeRecord{}, adapter.ID(), err
	}
	return rec, adapter.ID(), nil
}

func (n *Normalizer) sanity(rec storage.OutcomeRecord) error {
	switch {
	case rec.BetAmount < 0:
		return faults.Invalid("bet", "negative")
	case rec.WinAmount < 0:
		return faults.Invalid("win", "negative")
	case rec.WinAmount > rec.BetAmount*n.ceiling:
		return faults.Invalid("win", fmt.Sprintf("exceeds %.0fx bet", n.ceiling))
	}
	return nil
}

// Rejection describes a dropped row.
type Rejection struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// ParseCSV normalizes an entire export. Malformed rows are dropped and reported.
func (n *Normalizer) ParseCSV(r io.Reader, casinoID string) ([]storage.OutcomeRecord, []Rejection, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}
	keys := make([]string, len(header))
	for i, h := range header {
		keys[i] = normalizeHeader(h)
	}

	var (
		records    []storage.OutcomeRecord
		rejections []Rejection
		adapterID  string
	)
	for line := 2; ; line++ {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			rejections = append(rejections, Rejection{Line: line, Reason: err.Error()})
			continue
		}

		row := make(Row, len(keys))
		for i, k := range keys {
			if i < len(fields) {
				row[k] = fields[i]
			}
		}
		rec, id, err := n.Normalize(casinoID, keys, row)
		adapterID = id
		if err != nil {
			n.logger.Warn().Str("casino_id", casinoID).Int("line", line).Err(err).Msg("row rejected")
			rejections = append(rejections, Rejection{Line: line, Reason: err.Error()})
			continue
		}
		records = append(records, rec)
	}

	n.logger.Info().Str("casino_id", casinoID).Str("adapter", adapterID).
		Int("accepted", len(records)).Int("rejected", len(rejections)).Msg("csv normalized")
	return records, rejections, nil
}
