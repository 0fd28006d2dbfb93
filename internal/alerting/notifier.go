package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fairwatch/internal/bus"
)

// Notification 封装告警上下文。
type Notification struct {
	AlertID       string
	CasinoID      string
	Kind          string
	Severity      string
	Confidence    decimal.Decimal
	Reason        string
	Timestamp     time.Time
	AdditionalMsg string
}

// NotificationFromAlert 将告警转换为推送内容。
func NotificationFromAlert(a Alert) Notification {
	return Notification{
		AlertID:    a.ID,
		CasinoID:   a.CasinoID,
		Kind:       string(a.Kind),
		Severity:   string(a.Severity),
		Confidence: decimal.NewFromFloat(a.Confidence),
		Reason:     a.Reason,
		Timestamp:  a.Timestamp,
	}
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("casino_id", note.CasinoID).
		Str("kind", note.Kind).
		Str("severity", note.Severity).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Fairness Alert] %s\n", strings.ToUpper(note.Severity)))
	builder.WriteString(fmt.Sprintf("Casino: %s\n", note.CasinoID))
	builder.WriteString(fmt.Sprintf("Kind: %s\n", note.Kind))
	builder.WriteString(fmt.Sprintf("Confidence: %s%%\n", note.Confidence.Mul(decimal.NewFromInt(100)).StringFixed(1)))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.Timestamp.UTC().Format(time.RFC3339)))
	if note.Reason != "" {
		builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
	}
	if note.AlertID != "" {
		builder.WriteString(fmt.Sprintf("Alert: %s\n", note.AlertID))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

// Forward 订阅 fairness.alert，仅推送需升级的告警。
func Forward(sub bus.Subscriber, notifier Notifier, logger zerolog.Logger) func() {
	log := logger.With().Str("component", "alert_forwarder").Logger()
	return sub.Subscribe(bus.FairnessAlert, func(ctx context.Context, ev bus.Event) error {
		var alert Alert
		if err := ev.Decode(&alert); err != nil {
			return err
		}
		if !alert.Escalate {
			return nil
		}
		if err := notifier.Notify(ctx, NotificationFromAlert(alert)); err != nil {
			log.Error().Err(err).Str("alert_id", alert.ID).Msg("告警推送失败")
			return err
		}
		return nil
	}, "notifier")
}

var _ Notifier = (*TelegramNotifier)(nil)
