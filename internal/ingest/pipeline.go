// Package ingest admits outcome streams, persists them and drives detection.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fairwatch/internal/alerting"
	"fairwatch/internal/bus"
	"fairwatch/internal/detector"
	"fairwatch/internal/faults"
	"fairwatch/internal/normalize"
	"fairwatch/internal/session"
	"fairwatch/internal/storage"
)

// Message is one ingestion request. Session carries either a signed token
// (object or JSON string) or the id of a session admitted earlier.
type Message struct {
	Session json.RawMessage  `json:"session"`
	Casino  string           `json:"casino"`
	Headers []string         `json:"headers,omitempty"`
	Row     map[string]any   `json:"row,omitempty"`
	Rows    []map[string]any `json:"rows,omitempty"`
}

// Result summarises one ingestion request.
type Result struct {
	SessionID  string                 `json:"sessionId"`
	CasinoID   string                 `json:"casinoId"`
	Accepted   int                    `json:"accepted"`
	Duplicates int                    `json:"duplicates"`
	Failed     int                    `json:"failed"`
	Rejected   []normalize.Rejection  `json:"rejected,omitempty"`
	Label      detector.Label         `json:"label,omitempty"`
	RiskScore  float64                `json:"riskScore"`
	Findings   int                    `json:"findings"`
	Alerts     []alerting.Alert       `json:"alerts,omitempty"`
	Snapshot   *storage.MetricSnapshot `json:"snapshot,omitempty"`
}

// Options tune the pipeline.
type Options struct {
	WriteRetries int
	RetryBackoff time.Duration
}

// Pipeline runs admission, normalization, storage, detection and alerting.
type Pipeline struct {
	admitter   *session.Admitter
	normalizer *normalize.Normalizer
	store      storage.OutcomeStore
	partitions *storage.Partitions
	detector   *detector.Detector
	alerts     *alerting.Manager
	pub        bus.Publisher
	opts       Options
	logger     zerolog.Logger

	touchedMu sync.Mutex
	touched   map[string]struct{}
}

// NewPipeline wires the pipeline. alerts and pub may be nil.
func NewPipeline(admitter *session.Admitter, normalizer *normalize.Normalizer, store storage.OutcomeStore,
	det *detector.Detector, alerts *alerting.Manager, pub bus.Publisher, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.WriteRetries < 0 {
		opts.WriteRetries = 0
	}
	return &Pipeline{
		admitter:   admitter,
		normalizer: normalizer,
		store:      store,
		partitions: storage.NewPartitions(),
		detector:   det,
		alerts:     alerts,
		pub:        pub,
		opts:       opts,
		logger:     logger.With().Str("component", "ingest").Logger(),
		touched:    make(map[string]struct{}),
	}
}

// Admit registers a session token.
func (p *Pipeline) Admit(tok session.Token) (session.Entry, error) {
	return p.admitter.Admit(tok)
}

// Ingest processes a message. Authentication failures reject the whole
// message; malformed rows are dropped and reported; write failures that
// survive the retries yield faults.ErrPartialFailure alongside the result.
func (p *Pipeline) Ingest(ctx context.Context, msg Message) (Result, error) {
	sessionID, err := p.resolveSession(msg.Session)
	if err != nil {
		return Result{}, err
	}

	rows := msg.Rows
	if msg.Row != nil {
		rows = append([]map[string]any{msg.Row}, rows...)
	}

	entry, err := p.admitter.Check(sessionID)
	if err != nil {
		return Result{SessionID: sessionID}, err
	}
	casinoID := strings.TrimSpace(msg.Casino)
	if casinoID == "" {
		casinoID = entry.CasinoID
	}
	if casinoID != entry.CasinoID {
		return Result{SessionID: sessionID}, &faults.AuthenticationError{
			SessionID: sessionID,
			Err:       fmt.Errorf("session is bound to casino %q, not %q", entry.CasinoID, casinoID),
		}
	}

	res := Result{SessionID: sessionID, CasinoID: casinoID}
	records := make([]storage.OutcomeRecord, 0, len(rows))
	for i, raw := range rows {
		// expiry is a hard cutoff, checked per record
		if _, err := p.admitter.Check(sessionID); err != nil {
			return res, err
		}
		rec, adapter, err := p.normalizer.Normalize(casinoID, msg.Headers, normalize.NewRow(raw))
		if err != nil {
			p.logger.Warn().Err(err).Str("casino_id", casinoID).Str("adapter", adapter).Int("row", i).Msg("row rejected")
			res.Rejected = append(res.Rejected, normalize.Rejection{Line: i + 1, Reason: err.Error()})
			continue
		}
		records = append(records, rec)
	}

	var writeErr error
	if len(records) > 0 {
		writeErr = p.write(ctx, casinoID, records, &res)
	}

	if res.Accepted > 0 {
		p.touchedMu.Lock()
		p.touched[casinoID] = struct{}{}
		p.touchedMu.Unlock()
	}
	if res.Accepted > 0 && p.detector != nil {
		if err := p.analyse(ctx, casinoID, &res); err != nil {
			p.logger.Error().Err(err).Str("casino_id", casinoID).Msg("detection failed")
			writeErr = errors.Join(writeErr, err)
		}
	}
	return res, writeErr
}

// Touched returns the casinos that stored new outcomes since the last call.
func (p *Pipeline) Touched() []string {
	p.touchedMu.Lock()
	defer p.touchedMu.Unlock()
	out := make([]string, 0, len(p.touched))
	for id := range p.touched {
		out = append(out, id)
	}
	p.touched = make(map[string]struct{})
	sort.Strings(out)
	return out
}

func (p *Pipeline) resolveSession(raw json.RawMessage) (string, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return "", &faults.AuthenticationError{Err: faults.ErrUnknownSession}
	}

	var tok session.Token
	if raw[0] == '{' {
		if err := json.Unmarshal(raw, &tok); err != nil {
			return "", &faults.AuthenticationError{Err: faults.Invalid("session", err.Error())}
		}
	} else {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", &faults.AuthenticationError{Err: faults.Invalid("session", "must be a token or session id")}
		}
		s = strings.TrimSpace(s)
		if !strings.HasPrefix(s, "{") {
			return s, nil
		}
		if err := json.Unmarshal([]byte(s), &tok); err != nil {
			return "", &faults.AuthenticationError{Err: faults.Invalid("session", err.Error())}
		}
	}

	if _, err := p.admitter.Admit(tok); err != nil {
		p.logger.Warn().Err(err).Str("session_id", tok.SessionID).Msg("session rejected")
		return "", err
	}
	return tok.SessionID, nil
}

// write serializes inserts for the casino and retries each failed insert.
func (p *Pipeline) write(ctx context.Context, casinoID string, records []storage.OutcomeRecord, res *Result) error {
	unlock := p.partitions.Lock(casinoID)
	defer unlock()

	var lastErr error
	for _, rec := range records {
		created, err := p.insertWithRetry(ctx, rec)
		switch {
		case err != nil:
			res.Failed++
			lastErr = err
			p.logger.Error().Err(err).Str("casino_id", casinoID).Str("outcome_id", rec.ID).Msg("outcome write failed")
		case created:
			res.Accepted++
		default:
			res.Duplicates++
		}
	}
	if res.Failed > 0 {
		return fmt.Errorf("%w: %d of %d records not stored: %w", faults.ErrPartialFailure, res.Failed, len(records),
			&faults.PersistenceError{Op: "insert outcome", Err: lastErr})
	}
	return nil
}

func (p *Pipeline) insertWithRetry(ctx context.Context, rec storage.OutcomeRecord) (bool, error) {
	var err error
	for attempt := 0; attempt <= p.opts.WriteRetries; attempt++ {
		if attempt > 0 && p.opts.RetryBackoff > 0 {
			timer := time.NewTimer(p.opts.RetryBackoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return false, ctx.Err()
			case <-timer.C:
			}
		}
		var created bool
		created, err = p.store.Insert(ctx, rec)
		if err == nil {
			return created, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		p.logger.Warn().Err(err).Str("outcome_id", rec.ID).Int("attempt", attempt+1).Msg("outcome write retry")
	}
	return false, err
}

func (p *Pipeline) analyse(ctx context.Context, casinoID string, res *Result) error {
	analysis, err := p.detector.Run(ctx, casinoID)
	if err != nil {
		return err
	}
	res.Label = analysis.Label
	res.RiskScore = analysis.RiskScore
	res.Findings = len(analysis.Findings)
	res.Snapshot = analysis.Snapshot

	if p.alerts == nil {
		return nil
	}
	for _, f := range analysis.Findings {
		alert, ok := p.alerts.Process(f)
		if !ok {
			continue
		}
		res.Alerts = append(res.Alerts, alert)
		if p.pub == nil {
			continue
		}
		if err := p.pub.Publish(ctx, bus.FairnessAlert, "fairness-detector", alert, casinoID); err != nil {
			p.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("alert delivery incomplete")
		}
	}
	return nil
}
