package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
	if cfg.Detector.BaselineRTP != 0.96 || cfg.Detector.WindowSize != 200 {
		t.Fatalf("unexpected detector defaults: %+v", cfg.Detector)
	}
	if cfg.Alerting.Cooldown != 5*time.Minute || cfg.Alerting.DedupWindow != time.Minute {
		t.Fatalf("unexpected alerting defaults: %+v", cfg.Alerting)
	}
	if cfg.Trust.RecoveryInterval != time.Hour {
		t.Fatalf("recovery interval = %v", cfg.Trust.RecoveryInterval)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FAIRWATCH_DETECTOR_BASELINE_RTP", "0.97")
	t.Setenv("FAIRWATCH_ALERTING_COOLDOWN", "2m")
	cfg, err := Load(writeConfig(t, "detector:\n  baseline_rtp: 0.95\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Detector.BaselineRTP != 0.97 {
		t.Fatalf("env should override file, got %v", cfg.Detector.BaselineRTP)
	}
	if cfg.Alerting.Cooldown != 2*time.Minute {
		t.Fatalf("cooldown = %v", cfg.Alerting.Cooldown)
	}
}

func TestValidateProductionRequiresKey(t *testing.T) {
	_, err := Load(writeConfig(t, "app:\n  environment: production\nsession:\n  allow_unsigned: true\n"))
	if err == nil {
		t.Fatal("production without session key should fail")
	}
}

func TestValidatePostgresRequiresDSN(t *testing.T) {
	if _, err := Load(writeConfig(t, "storage:\n  driver: postgres\n")); err == nil {
		t.Fatal("postgres without dsn should fail")
	}
	if _, err := Load(writeConfig(t, "storage:\n  driver: mysql\n")); err == nil {
		t.Fatal("unknown driver should fail")
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 100}}
	if cfg.ResolveMaxPoints(0) != 100 || cfg.ResolveMaxPoints(5) != 5 {
		t.Fatal("ResolveMaxPoints should prefer positive override")
	}
}
