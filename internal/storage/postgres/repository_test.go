package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"fairwatch/internal/config"
	"fairwatch/internal/storage"
)

func TestUnconfiguredStore(t *testing.T) {
	var s *Store
	ctx := context.Background()
	if _, err := s.Insert(ctx, storage.OutcomeRecord{}); !errors.Is(err, storage.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, _, err := NewStore(nil).TryAdvisoryLock(ctx, 1); !errors.Is(err, storage.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestNewPoolRequiresDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), config.StorageConfig{}); err == nil {
		t.Fatal("missing dsn should fail")
	}
	if _, err := NewPool(context.Background(), config.StorageConfig{DSN: "::not a dsn::", ConnMaxLifetime: time.Minute}); err == nil {
		t.Fatal("malformed dsn should fail")
	}
}

func TestParseAmount(t *testing.T) {
	v, err := parseAmount("12.50000000")
	if err != nil || v != 12.5 {
		t.Fatalf("parseAmount = %v, %v", v, err)
	}
	if _, err := parseAmount("abc"); err == nil {
		t.Fatal("non-numeric amount should fail")
	}
}
