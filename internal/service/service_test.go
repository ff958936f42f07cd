package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rehoboam/internal/alerting"
	"rehoboam/internal/collector"
	"rehoboam/internal/config"
	"rehoboam/internal/detector"
	"rehoboam/internal/model"
	"rehoboam/internal/orchestrator"
	"rehoboam/internal/storage"
)

type memStore struct {
	mu          sync.Mutex
	snapshots   []storage.SnapshotRecord
	alerts      map[string]storage.AlertRecord
	reports     []storage.ReportRecord
	divergences []storage.DivergenceRecord
	pruned      []time.Time
}

func newMemStore() *memStore { return &memStore{alerts: map[string]storage.AlertRecord{}} }

func (m *memStore) InsertSnapshot(_ context.Context, s storage.SnapshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, s)
	return nil
}

func (m *memStore) ListRecentSnapshots(context.Context, int) ([]storage.SnapshotRecord, error) {
	return nil, nil
}

func (m *memStore) UpsertAlert(_ context.Context, a storage.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a
	return nil
}

func (m *memStore) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return nil, nil
}

func (m *memStore) DeleteAlertsBefore(_ context.Context, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = append(m.pruned, cutoff)
	return nil
}

func (m *memStore) InsertReport(_ context.Context, r storage.ReportRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func (m *memStore) ListReportsBetween(context.Context, time.Time, time.Time, int) ([]storage.ReportRecord, error) {
	return nil, nil
}

func (m *memStore) ListRecentReports(context.Context, int) ([]storage.ReportRecord, error) {
	return nil, nil
}

func (m *memStore) CountReports(context.Context) (int64, error) { return 0, nil }

func (m *memStore) InsertDivergence(_ context.Context, d storage.DivergenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.divergences = append(m.divergences, d)
	return nil
}

func (m *memStore) ListRecentDivergences(context.Context, int) ([]storage.DivergenceRecord, error) {
	return nil, nil
}

type inbox struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (i *inbox) Notify(_ context.Context, n alerting.Notification) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.notes = append(i.notes, n)
	return nil
}

func (i *inbox) kinds() []alerting.Kind {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []alerting.Kind
	for _, n := range i.notes {
		out = append(out, n.Kind)
	}
	return out
}

type spikeSource struct{}

func (spikeSource) Name() string { return "market" }

func (spikeSource) Collect(context.Context) (collector.Payload, error) {
	return collector.Payload{Tickers: []model.Ticker{{
		Symbol:       "XBTUSD",
		Price:        100,
		Volume:       600,
		AvgVolume24h: 100,
		Change24h:    0.01,
		ObservedAt:   time.Now(),
	}}}, nil
}

type brokenNotifier struct{}

func (brokenNotifier) Notify(context.Context, alerting.Notification) error {
	return errors.New("channel down")
}

func startEngine(t *testing.T) (*Engine, *memStore, *inbox, func()) {
	t.Helper()
	notes := &inbox{}
	e, store, stop := startEngineWith(t, notes)
	return e, store, notes, stop
}

func startEngineWith(t *testing.T, notifier alerting.Notifier) (*Engine, *memStore, func()) {
	t.Helper()
	cfg := config.Default()
	cfg.Alerting.Enabled = true
	store := newMemStore()
	e, err := New(cfg, Options{Store: store, Notifier: notifier, Sources: []collector.Source{spikeSource{}}}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		infos, err := e.Collector.Sources(context.Background())
		return err == nil && len(infos) == 1
	}, 2*time.Second, 10*time.Millisecond, "数据源应完成注册")

	return e, store, func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestEngineAlertPathPersistsAndNotifies(t *testing.T) {
	defer goleak.VerifyNone(t)
	e, store, notes, stop := startEngine(t)
	defer stop()
	ctx := context.Background()

	snap, err := e.Collector.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Tickers, 1)

	res, err := e.Detector.Analyze(ctx, snap.MarketSnapshots()[0])
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	require.Equal(t, model.SeverityCritical, res.Alerts[0].Severity)

	require.Contains(t, notes.kinds(), alerting.KindManipulation)
	store.mu.Lock()
	require.NotEmpty(t, store.snapshots, "快照应写入存储")
	rec, ok := store.alerts[res.Alerts[0].ID]
	store.mu.Unlock()
	require.True(t, ok, "告警应写入存储")
	require.Equal(t, "active", rec.Status)
	require.Equal(t, []string{"halt_trading", "hedge", "alert"}, rec.Actions, "存储的动作应为实际执行的动作")

	_, err = e.Feedback(ctx, res.Alerts[0].ID, true)
	require.NoError(t, err)
	store.mu.Lock()
	require.Equal(t, "confirmed", store.alerts[res.Alerts[0].ID].Status)
	store.mu.Unlock()
}

func TestEngineDivergenceAndReport(t *testing.T) {
	defer goleak.VerifyNone(t)
	e, store, notes, stop := startEngine(t)
	defer stop()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := e.Orchestrator.SubmitEvent(ctx, model.BehaviorEvent{
			AgentID: "agent", DecisionType: "buy", RiskLevel: 0.2, Timing: 10 * time.Second,
			Outcome: model.OutcomeSuccess, Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	res, err := e.Orchestrator.SubmitEvent(ctx, model.BehaviorEvent{
		AgentID: "agent", DecisionType: "sell", RiskLevel: 0.9, Timing: 30 * time.Second,
		Outcome: model.OutcomePending, Timestamp: base.Add(5 * time.Minute),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Divergence)
	require.Contains(t, notes.kinds(), alerting.KindDivergence)

	report, err := e.Orchestrator.Analyze(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Agents)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.divergences, 1)
	require.NotEmpty(t, store.reports)

	profile, err := e.Profiler.Profile(ctx, "agent")
	require.NoError(t, err)
	require.Equal(t, 4, profile.EventCount)
}

func TestSubmitEventValidates(t *testing.T) {
	e, err := New(config.Default(), Options{Sources: []collector.Source{}}, zerolog.Nop())
	require.NoError(t, err)
	require.ErrorIs(t, e.SubmitEvent(model.BehaviorEvent{}), model.ErrInvalidEvent)
	require.NoError(t, e.SubmitEvent(model.BehaviorEvent{AgentID: "a", DecisionType: "buy", Timestamp: time.Now()}))
	require.Equal(t, 1, e.Events.Pending())
}

func TestReportsPruneExpiredAlertsHourly(t *testing.T) {
	cfg := config.Default()
	cfg.Database.AlertRetention = 24 * time.Hour
	store := newMemStore()
	e, err := New(cfg, Options{Store: store, Sources: []collector.Source{}}, zerolog.Nop())
	require.NoError(t, err)

	obs := &observer{engine: e}
	at := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	obs.ReportPublished(ctx, orchestrator.Report{ID: "r1", At: at, Decision: orchestrator.DecisionMaintainSurveillance})
	obs.ReportPublished(ctx, orchestrator.Report{ID: "r2", At: at.Add(10 * time.Minute), Decision: orchestrator.DecisionMaintainSurveillance})
	obs.ReportPublished(ctx, orchestrator.Report{ID: "r3", At: at.Add(time.Hour), Decision: orchestrator.DecisionMaintainSurveillance})

	require.Len(t, store.reports, 3)
	require.Equal(t, []time.Time{at.Add(-24 * time.Hour), at.Add(-23 * time.Hour)}, store.pruned, "一小时内只应清理一次")
}

func TestPersistedAlertOmitsFailedActions(t *testing.T) {
	defer goleak.VerifyNone(t)
	e, store, stop := startEngineWith(t, brokenNotifier{})
	defer stop()
	ctx := context.Background()

	res, err := e.Detector.Analyze(ctx, model.MarketSnapshot{Symbol: "XBTUSD", Volume: 600, AvgVolume24h: 100})
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	require.Equal(t, []detector.Action{detector.ActionHaltTrading, detector.ActionHedge}, res.Alerts[0].ActionsTaken)

	store.mu.Lock()
	rec, ok := store.alerts[res.Alerts[0].ID]
	store.mu.Unlock()
	require.True(t, ok, "计划执行完后告警仍应写入存储")
	require.Equal(t, []string{"halt_trading", "hedge"}, rec.Actions, "通知失败时不应记录 alert 动作")
}
