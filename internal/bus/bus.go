// Package bus is the in-process publish/subscribe event router.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event names exchanged between components.
const (
	FairnessAlert         = "fairness.alert"
	LinkFlagged           = "link.flagged"
	LinkRiskClassified    = "link.risk.classified"
	BonusNerfDetected     = "bonus.nerf.detected"
	TipCompleted          = "tip.completed"
	TiltDetected          = "tilt.detected"
	CooldownViolated      = "cooldown.violated"
	ScamReported          = "scam.reported"
	AccountabilitySuccess = "accountability.success"
	TrustCasinoUpdated    = "trust.casino.updated"
	TrustDegenUpdated     = "trust.degen.updated"
	TrustDomainUpdated    = "trust.domain.updated"
	TrustCasinoRollup     = "trust.casino.rollup"
	TrustDomainRollup     = "trust.domain.rollup"
)

// Event is one published message.
type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Source    string          `json:"source"`
	ActorID   string          `json:"actorId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Name)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}

// Handler consumes an event.
type Handler func(ctx context.Context, ev Event) error

// Publisher is the producing half of the bus contract.
type Publisher interface {
	Publish(ctx context.Context, name, source string, payload any, actorID string) error
}

// Subscriber is the consuming half of the bus contract.
type Subscriber interface {
	Subscribe(name string, handler Handler, subscriberName string) func()
}

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

// Bus delivers events synchronously to subscribers in subscription order.
// Handlers may publish further events.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]subscription
	nextID  uint64
	history []Event
	maxHist int
	now     func() time.Time
	logger  zerolog.Logger
}

// Option customizes a Bus.
type Option func(*Bus)

// WithHistory sets how many recent events are retained.
func WithHistory(n int) Option {
	return func(b *Bus) { b.maxHist = n }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New constructs an empty bus.
func New(logger zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[string][]subscription),
		maxHist: 500,
		now:     time.Now,
		logger:  logger.With().Str("component", "event_bus").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for name and returns an unsubscribe func.
func (b *Bus) Subscribe(name string, handler Handler, subscriberName string) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, name: subscriberName, handler: handler})
	b.logger.Debug().Str("event", name).Str("subscriber", subscriberName).Msg("subscribed")

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[name]
		for i, s := range list {
			if s.id == id {
				b.subs[name] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish marshals payload and delivers the event. Handler failures are
// logged and returned joined; every subscriber still receives the event.
func (b *Bus) Publish(ctx context.Context, name, source string, payload any, actorID string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}
	ev := Event{
		ID:        uuid.NewString(),
		Name:      name,
		Source:    source,
		ActorID:   actorID,
		Timestamp: b.now().UTC(),
		Payload:   raw,
	}

	b.mu.Lock()
	if b.maxHist > 0 {
		b.history = append(b.history, ev)
		if len(b.history) > b.maxHist {
			b.history = b.history[len(b.history)-b.maxHist:]
		}
	}
	subs := make([]subscription, len(b.subs[name]))
	copy(subs, b.subs[name])
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := b.deliver(ctx, s, ev); err != nil {
			b.logger.Warn().Err(err).Str("event", name).Str("subscriber", s.name).Msg("handler failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) deliver(ctx context.Context, s subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, ev)
}

// History returns retained events, optionally filtered by name, oldest first.
func (b *Bus) History(name string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, len(b.history))
	for _, ev := range b.history {
		if name == "" || ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers reports the subscriber names for an event.
func (b *Bus) Subscribers(name string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.subs[name]))
	for _, s := range b.subs[name] {
		names = append(names, s.name)
	}
	return names
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)
