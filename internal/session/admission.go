// Package session admits signed, time-boxed ingestion sessions.
package session

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fairwatch/internal/faults"
)

// Token is issued by the external admission service.
type Token struct {
	SessionID string `json:"sessionId"`
	CasinoID  string `json:"casinoId"`
	SubjectID string `json:"subjectId"`
	Expires   int64  `json:"expires"`
	Signature string `json:"signature"`
}

// CanonicalString is the signed message.
func (t Token) CanonicalString() string {
	return strings.Join([]string{t.SessionID, t.SubjectID, t.CasinoID, strconv.FormatInt(t.Expires, 10)}, "|")
}

// ExpiresAt converts the epoch-millisecond expiry.
func (t Token) ExpiresAt() time.Time {
	return time.UnixMilli(t.Expires).UTC()
}

// Entry is an admitted session.
type Entry struct {
	SubjectID string
	CasinoID  string
	Expires   time.Time
}

// Options configure the Admitter.
type Options struct {
	// PublicKey is base64 or hex encoded Ed25519 key material.
	PublicKey     string
	AllowUnsigned bool
	Production    bool
	Now           func() time.Time
}

// Admitter validates tokens and tracks active sessions.
type Admitter struct {
	key      ed25519.PublicKey
	unsigned bool
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]Entry
}

// NewAdmitter builds an Admitter. Without a key it fails closed unless
// unsigned sessions are explicitly allowed outside production.
func NewAdmitter(opts Options, logger zerolog.Logger) (*Admitter, error) {
	a := &Admitter{
		now:      opts.Now,
		logger:   logger.With().Str("component", "session").Logger(),
		sessions: make(map[string]Entry),
	}
	if a.now == nil {
		a.now = time.Now
	}

	raw := strings.TrimSpace(opts.PublicKey)
	if raw == "" {
		if opts.Production || !opts.AllowUnsigned {
			return nil, &faults.ConfigurationError{Key: "session.public_key", Reason: "required unless session.allow_unsigned is set outside production"}
		}
		a.unsigned = true
		a.logger.Warn().Msg("no session public key configured; admitting unsigned sessions (degraded security, non-production only)")
		return a, nil
	}

	key, err := decodeKey(raw)
	if err != nil {
		return nil, &faults.ConfigurationError{Key: "session.public_key", Reason: err.Error()}
	}
	a.key = key
	return a, nil
}

// Admit validates the token and registers the session.
func (a *Admitter) Admit(tok Token) (Entry, error) {
	if strings.TrimSpace(tok.SessionID) == "" {
		return Entry{}, &faults.AuthenticationError{SessionID: tok.SessionID, Err: faults.Invalid("sessionId", "required")}
	}
	if strings.TrimSpace(tok.CasinoID) == "" {
		return Entry{}, &faults.AuthenticationError{SessionID: tok.SessionID, Err: faults.Invalid("casinoId", "required")}
	}
	if !tok.ExpiresAt().After(a.now()) {
		return Entry{}, &faults.AuthenticationError{SessionID: tok.SessionID, Err: faults.ErrExpired}
	}

	if !a.unsigned {
		sig, err := base64.StdEncoding.DecodeString(tok.Signature)
		if err != nil || len(sig) != ed25519.SignatureSize {
			return Entry{}, &faults.AuthenticationError{SessionID: tok.SessionID, Err: faults.ErrBadSignature}
		}
		if !ed25519.Verify(a.key, []byte(tok.CanonicalString()), sig) {
			return Entry{}, &faults.AuthenticationError{SessionID: tok.SessionID, Err: faults.ErrBadSignature}
		}
	} else {
		a.logger.Warn().Str("session_id", tok.SessionID).Str("casino_id", tok.CasinoID).Msg("admitting unsigned session")
	}

	entry := Entry{SubjectID: tok.SubjectID, CasinoID: tok.CasinoID, Expires: tok.ExpiresAt()}
	a.mu.Lock()
	a.sessions[tok.SessionID] = entry
	a.mu.Unlock()

	a.logger.Debug().Str("session_id", tok.SessionID).Str("casino_id", tok.CasinoID).Time("expires", entry.Expires).Msg("session admitted")
	return entry, nil
}

// Check re-validates a session before each record. Expired sessions are dropped.
func (a *Admitter) Check(sessionID string) (Entry, error) {
	a.mu.RLock()
	entry, ok := a.sessions[sessionID]
	a.mu.RUnlock()
	if !ok {
		return Entry{}, &faults.AuthenticationError{SessionID: sessionID, Err: faults.ErrUnknownSession}
	}
	if !entry.Expires.After(a.now()) {
		a.mu.Lock()
		delete(a.sessions, sessionID)
		a.mu.Unlock()
		return Entry{}, &faults.AuthenticationError{SessionID: sessionID, Err: faults.ErrExpired}
	}
	return entry, nil
}

// Sweep drops expired sessions and returns how many were removed.
func (a *Admitter) Sweep() int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for id, entry := range a.sessions {
		if !entry.Expires.After(now) {
			delete(a.sessions, id)
			removed++
		}
	}
	return removed
}

// Active returns the number of live sessions.
func (a *Admitter) Active() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

func decodeKey(raw string) (ed25519.PublicKey, error) {
	var (
		keyBytes []byte
		err      error
	)
	if len(raw) == hex.EncodedLen(ed25519.PublicKeySize) {
		keyBytes, err = hex.DecodeString(raw)
	} else {
		keyBytes, err = base64.StdEncoding.DecodeString(raw)
		if err != nil {
			keyBytes, err = base64.RawURLEncoding.DecodeString(raw)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(keyBytes), nil
}
