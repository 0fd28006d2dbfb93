package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fairwatch/internal/alerting"
	"fairwatch/internal/detector"
	"fairwatch/internal/storage"
)

// SimulateAlert 用合成的开奖窗口跑一遍检测与告警流程，并推送需升级的告警。
func (a *App) SimulateAlert(ctx context.Context, casino string, rtp decimal.Decimal, spins int) error {
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}
	if spins <= 0 {
		spins = a.Config.Detector.WindowSize
	}

	window := syntheticWindow(casino, rtp.InexactFloat64(), spins, time.Now().UTC())
	det := detector.New(a.detectorOptions(), detector.Stores{}, a.Logger)
	analysis := det.Analyze(casino, window)
	a.Logger.Info().Str("casino_id", casino).Float64("rtp", analysis.Metrics.RTP).
		Float64("risk_score", analysis.RiskScore).Str("label", string(analysis.Label)).
		Int("findings", len(analysis.Findings)).Msg("模拟窗口分析完成")

	if len(analysis.Findings) == 0 {
		return fmt.Errorf("RTP %s 未触发任何异常，请调整参数", rtp.String())
	}

	manager := a.newAlertManager()
	sent := 0
	for _, f := range analysis.Findings {
		alert, ok := manager.Process(f)
		if !ok || !alert.Escalate {
			continue
		}
		note := alerting.NotificationFromAlert(alert)
		note.AdditionalMsg = "(simulated)"
		if err := notifier.Notify(ctx, note); err != nil {
			return err
		}
		sent++
	}
	if sent == 0 {
		return errors.New("异常未达到升级条件，未推送任何告警")
	}
	a.Logger.Info().Int("sent", sent).Msg("模拟告警已推送")
	return nil
}

// syntheticWindow builds spins unit bets that return exactly rtp overall.
// Wins alternate around the target so the window has some variance.
func syntheticWindow(casino string, rtp float64, spins int, end time.Time) []storage.OutcomeRecord {
	window := make([]storage.OutcomeRecord, spins)
	start := end.Add(-time.Duration(spins) * time.Second)
	for i := range window {
		win := rtp * 2
		switch {
		case spins%2 == 1 && i == spins-1:
			win = rtp
		case i%2 == 1:
			win = 0
		}
		window[i] = storage.OutcomeRecord{
			ID:        fmt.Sprintf("sim-%s-%d", casino, i),
			CasinoID:  casino,
			Timestamp: start.Add(time.Duration(i) * time.Second),
			BetAmount: 1,
			WinAmount: win,
			NetWin:    win - 1,
		}
	}
	return window
}
