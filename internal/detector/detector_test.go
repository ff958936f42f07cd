package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rehoboam/internal/actor"
	"rehoboam/internal/model"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func startDetector(t *testing.T, opts Options) (*Detector, *clock, func()) {
	t.Helper()
	d := New(opts, zerolog.Nop())
	clk := &clock{now: t0}
	d.now = clk.Now
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.actor.Run(ctx)
		close(done)
	}()
	return d, clk, func() {
		cancel()
		<-done
	}
}

func find(ds []Detection, alg Algorithm) Detection {
	for _, d := range ds {
		if d.Algorithm == alg {
			return d
		}
	}
	return Detection{}
}

func TestVolumeAnomalyEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)
	var actions []Action
	d, _, stop := startDetector(t, Options{
		DedupWindow: 5 * time.Minute,
		Responder: ResponderFunc(func(_ context.Context, _ Alert, a Action) error {
			actions = append(actions, a)
			return nil
		}),
	})
	defer stop()

	res, err := d.Analyze(context.Background(), model.MarketSnapshot{Symbol: "XBTUSD", Volume: 600, AvgVolume24h: 100})
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)

	alert := res.Alerts[0]
	require.Equal(t, VolumeAnomaly, alert.Algorithm)
	require.Equal(t, 1.0, alert.Confidence)
	require.Equal(t, model.SeverityCritical, alert.Severity)
	require.Equal(t, []Action{ActionHaltTrading, ActionHedge, ActionAlert}, actions, "动作应按优先级降序执行")
	require.Equal(t, actions, alert.ActionsTaken)
	require.Equal(t, 1.0, res.RiskLevel)
}

func TestDuplicateAlertsSuppressedWithinWindow(t *testing.T) {
	defer goleak.VerifyNone(t)
	d, clk, stop := startDetector(t, Options{DedupWindow: 300 * time.Second})
	defer stop()

	ctx := context.Background()
	snap := model.MarketSnapshot{Symbol: "XBTUSD", Volume: 600, AvgVolume24h: 100}

	_, err := d.Analyze(ctx, snap)
	require.NoError(t, err)
	clk.now = t0.Add(299 * time.Second)
	res, err := d.Analyze(ctx, snap)
	require.NoError(t, err)
	require.Empty(t, res.Alerts)
	require.Equal(t, []Algorithm{VolumeAnomaly}, res.Suppressed)

	active, err := d.ActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1, "窗口内重复检测只能保留一个告警")

	clk.now = t0.Add(301 * time.Second)
	res, err = d.Analyze(ctx, snap)
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1, "窗口过后应重新告警")

	stats, err := d.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, FeedbackStats{Raised: 2, Suppressed: 1}, stats[VolumeAnomaly])
}

func TestFeedbackResolvesAlert(t *testing.T) {
	defer goleak.VerifyNone(t)
	d, _, stop := startDetector(t, Options{DedupWindow: 5 * time.Minute})
	defer stop()
	ctx := context.Background()

	res, err := d.Analyze(ctx, model.MarketSnapshot{Symbol: "ETHUSD", Volume: 800, AvgVolume24h: 100})
	require.NoError(t, err)
	id := res.Alerts[0].ID

	resolved, err := d.Feedback(ctx, id, true)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = d.Feedback(ctx, id, false)
	require.True(t, errors.Is(err, ErrAlertNotFound), "已解决的告警不能再次反馈")

	active, err := d.ActiveAlerts(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
	risk, err := d.RiskLevel(ctx)
	require.NoError(t, err)
	require.Zero(t, risk)

	history, err := d.ResolvedAlerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	stats, err := d.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1.0, stats[VolumeAnomaly].Precision())
}

func TestIngestFeedsScheduledCycle(t *testing.T) {
	defer goleak.VerifyNone(t)
	d, _, stop := startDetector(t, Options{DedupWindow: time.Minute})
	defer stop()
	ctx := context.Background()

	require.True(t, d.Ingest([]model.MarketSnapshot{{Symbol: "XBTUSD", Volume: 700, AvgVolume24h: 100}}))
	require.NoError(t, d.tick(ctx, t0))

	active, err := d.ActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, d.tick(ctx, t0), "没有新数据时周期应为空操作")
}

func TestZeroOptionsSuppressDuplicatesForFiveMinutes(t *testing.T) {
	defer goleak.VerifyNone(t)
	d, clk, stop := startDetector(t, Options{})
	defer stop()
	ctx := context.Background()
	snap := model.MarketSnapshot{Symbol: "XBTUSD", Volume: 600, AvgVolume24h: 100}

	_, err := d.Analyze(ctx, snap)
	require.NoError(t, err)
	clk.now = t0.Add(4 * time.Minute)
	res, err := d.Analyze(ctx, snap)
	require.NoError(t, err)
	require.Empty(t, res.Alerts, "默认去重窗口应为 5 分钟")

	active, err := d.ActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestIngestQueuesEverySnapshotUntilCycle(t *testing.T) {
	defer goleak.VerifyNone(t)
	var analyzed []float64
	d, _, stop := startDetector(t, Options{Backlog: 3})
	defer stop()
	ctx := context.Background()

	for i, vol := range []float64{100, 110, 700, 120} {
		require.True(t, d.Ingest([]model.MarketSnapshot{{Symbol: "XBTUSD", Volume: vol, AvgVolume24h: 100, Timestamp: t0.Add(time.Duration(i) * 30 * time.Second)}}))
	}
	require.True(t, d.Ingest([]model.MarketSnapshot{{Symbol: "ETHUSD", Volume: 100, AvgVolume24h: 100}}))

	queued, err := actor.Ask(ctx, d.actor, func(s *state) []model.MarketSnapshot {
		return s.markets["XBTUSD"].Chronological()
	})
	require.NoError(t, err)
	for _, m := range queued {
		analyzed = append(analyzed, m.Volume)
	}
	require.Equal(t, []float64{110, 700, 120}, analyzed, "每个交易对只保留最近的 Backlog 个快照")

	require.NoError(t, d.tick(ctx, t0))
	active, err := d.ActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1, "周期之间的短暂放量也应被分析到")
	require.Equal(t, "XBTUSD", active[0].Symbol)
}

type recordingResponder struct {
	fail     Action
	observed []Alert
}

func (r *recordingResponder) Respond(_ context.Context, _ Alert, a Action) error {
	if a == r.fail {
		return errors.New("venue unavailable")
	}
	return nil
}

func (r *recordingResponder) Responded(_ context.Context, a Alert) {
	r.observed = append(r.observed, a)
}

func TestRespondRecordsOnlySucceededActions(t *testing.T) {
	defer goleak.VerifyNone(t)
	rec := &recordingResponder{fail: ActionHedge}
	d, _, stop := startDetector(t, Options{Responder: rec})
	defer stop()
	ctx := context.Background()

	res, err := d.Analyze(ctx, model.MarketSnapshot{Symbol: "XBTUSD", Volume: 600, AvgVolume24h: 100})
	require.NoError(t, err)
	want := []Action{ActionHaltTrading, ActionAlert}
	require.Equal(t, want, res.Alerts[0].ActionsTaken)

	active, err := d.ActiveAlerts(ctx)
	require.NoError(t, err)
	require.Equal(t, want, active[0].ActionsTaken, "Analyze 返回前活跃告警应已记录动作")

	require.Len(t, rec.observed, 1, "计划执行完后应通知一次")
	require.Equal(t, want, rec.observed[0].ActionsTaken)
	require.Equal(t, res.Alerts[0].ID, rec.observed[0].ID)
}

func TestSeverityBoundaries(t *testing.T) {
	cases := []struct {
		conf float64
		want model.Severity
	}{
		{0.95, model.SeverityCritical},
		{0.9, model.SeverityHigh},
		{0.76, model.SeverityHigh},
		{0.75, model.SeverityMedium},
		{0.51, model.SeverityMedium},
		{0.5, model.SeverityLow},
		{0, model.SeverityLow},
	}
	prev := 4
	for _, c := range cases {
		got := model.SeverityFromConfidence(c.conf)
		require.Equal(t, c.want, got, "confidence %.2f", c.conf)
		require.LessOrEqual(t, got.Rank(), prev, "严重度应随置信度单调")
		prev = got.Rank()
	}
}

func TestResponsePlans(t *testing.T) {
	require.Equal(t, []Action{ActionReduceExposure, ActionAlert}, ResponsePlan(model.SeverityHigh))
	require.Equal(t, []Action{ActionAlert, ActionMonitor}, ResponsePlan(model.SeverityMedium))
	require.Equal(t, []Action{ActionAlert}, ResponsePlan(model.SeverityLow))
}

func TestPriceManipulationRequiresWeakVolume(t *testing.T) {
	rules := DefaultRules()

	weak := find(RunAll(model.MarketSnapshot{PriceChangePct: 0.2, Volume: 100, AvgVolume24h: 100}, rules), PriceManipulation)
	require.True(t, weak.Detected)
	require.InDelta(t, 0.2/0.3+0.5*(1-1/1.5), weak.Confidence, 1e-9)

	strong := find(RunAll(model.MarketSnapshot{PriceChangePct: 0.2, Volume: 300, AvgVolume24h: 100}, rules), PriceManipulation)
	require.False(t, strong.Detected, "成交量配合的价格变动不是操纵")

	small := find(RunAll(model.MarketSnapshot{PriceChangePct: 0.15, Volume: 100, AvgVolume24h: 100}, rules), PriceManipulation)
	require.False(t, small.Detected, "阈值边界不触发")
}

func TestPumpDumpNeedsBothFloors(t *testing.T) {
	rules := DefaultRules()

	pump := find(RunAll(model.MarketSnapshot{PriceChangePct: 0.2, VolumeChangePct: 3.0}, rules), PumpDump)
	require.True(t, pump.Detected)
	require.InDelta(t, 0.6*(0.2/0.3)+0.4*0.5, pump.Confidence, 1e-9)
	require.Equal(t, "pump", pump.Details["phase"])

	dump := find(RunAll(model.MarketSnapshot{PriceChangePct: -0.4, VolumeChangePct: 7.0}, rules), PumpDump)
	require.True(t, dump.Detected)
	require.Equal(t, 1.0, dump.Confidence)
	require.Equal(t, "dump", dump.Details["phase"])

	noVolume := find(RunAll(model.MarketSnapshot{PriceChangePct: 0.3, VolumeChangePct: 1.5}, rules), PumpDump)
	require.False(t, noVolume.Detected)
}

func TestWashTradingDetectsRoundTrips(t *testing.T) {
	trades := []model.Trade{
		{Buyer: "a", Seller: "b", Size: 1, Timestamp: t0},
		{Buyer: "b", Seller: "a", Size: 1, Timestamp: t0.Add(time.Second)},
		{Buyer: "c", Seller: "c", Size: 1, Timestamp: t0.Add(2 * time.Second)},
		{Buyer: "d", Seller: "e", Size: 1, Timestamp: t0.Add(3 * time.Second)},
	}
	det := find(RunAll(model.MarketSnapshot{Trades: trades}, DefaultRules()), WashTrading)
	require.True(t, det.Detected)
	require.Equal(t, 3, det.Details["wash_trades"])
	require.Equal(t, 1.0, det.Confidence)
}

func TestCoordinationNeedsEnoughAccounts(t *testing.T) {
	var trades []model.Trade
	for i, acct := range []string{"a", "b", "c", "d", "e"} {
		trades = append(trades, model.Trade{Buyer: acct, Seller: "mm", Side: "buy", Size: 10, Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}
	det := find(RunAll(model.MarketSnapshot{Trades: trades}, DefaultRules()), CoordinationPatterns)
	require.True(t, det.Detected)
	require.Equal(t, 1.0, det.Confidence)

	few := find(RunAll(model.MarketSnapshot{Trades: trades[:4]}, DefaultRules()), CoordinationPatterns)
	require.False(t, few.Detected)
}

func TestSpoofingLargeCancelledOrders(t *testing.T) {
	orders := []model.OrderEvent{
		{OrderID: "1", Size: 1, Status: model.OrderPlaced, Timestamp: t0},
		{OrderID: "2", Size: 1, Status: model.OrderPlaced, Timestamp: t0},
		{OrderID: "3", Size: 1, Status: model.OrderPlaced, Timestamp: t0},
		{OrderID: "big", Size: 50, Status: model.OrderPlaced, Timestamp: t0},
		{OrderID: "big", Size: 50, Status: model.OrderCancelled, Timestamp: t0.Add(3 * time.Second)},
	}
	det := find(RunAll(model.MarketSnapshot{Orders: orders}, DefaultRules()), Spoofing)
	require.True(t, det.Detected)
	require.InDelta(t, 0.8, det.Confidence, 1e-9)

	orders[4].Timestamp = t0.Add(time.Minute)
	late := find(RunAll(model.MarketSnapshot{Orders: orders}, DefaultRules()), Spoofing)
	require.False(t, late.Detected, "超出撤单窗口不算欺骗")
}
