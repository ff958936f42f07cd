package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"rehoboam/internal/model"
	"rehoboam/internal/service"
)

// SimulateAlert 用给定的行情快照跑一次检测流程，并打印分析结果。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	svcOpts := service.Options{}
	if opts.Notify {
		if !a.Config.Alerting.Enabled {
			return errors.New("alerting 未启用")
		}
		svcOpts.Notifier = a.newNotifier()
		if svcOpts.Notifier == nil {
			return errors.New("未配置任何告警通道")
		}
	}

	engine, stop, err := a.startEngine(ctx, svcOpts)
	if err != nil {
		return err
	}

	snap := model.MarketSnapshot{
		Symbol:         strings.ToUpper(opts.Symbol),
		Price:          opts.Price,
		Volume:         opts.Volume,
		AvgVolume24h:   opts.AvgVolume,
		PriceChangePct: opts.PriceChangePct,
		Timestamp:      time.Now().UTC(),
	}
	result, err := engine.Detector.Analyze(ctx, snap)
	if stopErr := stop(); err == nil {
		err = stopErr
	}
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("symbol", result.Symbol).
		Int("alerts", len(result.Alerts)).
		Float64("risk_level", result.RiskLevel).
		Msg("模拟检测完成")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
