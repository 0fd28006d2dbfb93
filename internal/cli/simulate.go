package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateCasino string
	simulateRTP    string
	simulateSpins  int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "用合成 RTP 窗口模拟一次异常并推送告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		rtp, err := decimal.NewFromString(simulateRTP)
		if err != nil || !rtp.IsPositive() {
			return errors.New("--rtp 必须是大于 0 的小数")
		}
		if simulateCasino == "" {
			return errors.New("--casino 不能为空")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateCasino, rtp, simulateSpins)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCasino, "casino", "simulated", "告警中使用的 casino 标识")
	simulateCmd.Flags().StringVar(&simulateRTP, "rtp", "", "窗口整体 RTP，例如 0.82")
	simulateCmd.Flags().IntVar(&simulateSpins, "spins", 0, "窗口大小，默认取 detector.window_size")
}
