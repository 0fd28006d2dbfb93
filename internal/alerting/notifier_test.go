package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fairwatch/internal/bus"
	"fairwatch/internal/storage"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{CasinoID: "stake", Kind: "RtpOutlier", Severity: "critical", Confidence: decimal.NewFromFloat(0.75), Timestamp: time.Now()}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "Confidence: 75.0%") {
		t.Fatalf("text 内容不正确: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{CasinoID: "stake", Confidence: decimal.NewFromInt(1), Timestamp: time.Now()}

	if err := notifier.Notify(context.Background(), note); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

type recordingNotifier struct {
	notes []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.notes = append(r.notes, n)
	return nil
}

func TestForwardOnlyEscalated(t *testing.T) {
	b := bus.New(testLogger())
	rec := &recordingNotifier{}
	Forward(b, rec, testLogger())

	ctx := context.Background()
	_ = b.Publish(ctx, bus.FairnessAlert, "test", Alert{ID: "a", CasinoID: "stake", Severity: storage.SeverityWarning}, "")
	_ = b.Publish(ctx, bus.FairnessAlert, "test", Alert{ID: "b", CasinoID: "stake", Severity: storage.SeverityCritical, Escalate: true}, "")

	if len(rec.notes) != 1 || rec.notes[0].AlertID != "b" {
		t.Fatalf("只应推送升级告警: %+v", rec.notes)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
