package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"rehoboam/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "用一条模拟行情跑一次操纵检测",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.Symbol == "" {
			return errors.New("--symbol 不能为空")
		}
		if simulateOpts.Price <= 0 {
			return errors.New("--price 必须大于 0")
		}
		if simulateOpts.Volume < 0 || simulateOpts.AvgVolume < 0 {
			return errors.New("--volume 与 --avg-volume 不能为负")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateOpts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOpts.Symbol, "symbol", "XBTUSD", "交易对")
	simulateCmd.Flags().Float64Var(&simulateOpts.Price, "price", 0, "最新价格")
	simulateCmd.Flags().Float64Var(&simulateOpts.Volume, "volume", 0, "当前成交量")
	simulateCmd.Flags().Float64Var(&simulateOpts.AvgVolume, "avg-volume", 0, "24h 平均成交量")
	simulateCmd.Flags().Float64Var(&simulateOpts.PriceChangePct, "price-change", 0, "价格变化（小数，0.1 表示 10%）")
	simulateCmd.Flags().BoolVar(&simulateOpts.Notify, "notify", false, "通过已配置的告警通道发送")
}
