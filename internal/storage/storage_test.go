package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rehoboam/internal/collector"
	"rehoboam/internal/detector"
	"rehoboam/internal/model"
	"rehoboam/internal/orchestrator"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestUnconfiguredStore(t *testing.T) {
	var s *Store
	ctx := context.Background()

	_, _, err := s.TryAdvisoryLock(ctx, 1)
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, s.InsertReport(ctx, ReportRecord{}), ErrNotConfigured)
	_, err = NewStore(nil).ListRecentAlerts(ctx, 5)
	require.True(t, errors.Is(err, ErrNotConfigured), "未配置连接池时应返回 ErrNotConfigured")
	s.Close()
}

func TestSnapshotConversion(t *testing.T) {
	rec, err := SnapshotFromCollector(collector.Snapshot{
		ID:        "snap",
		Timestamp: t0,
		Sources: []collector.SourceStatus{
			{Name: "market", OK: true, Items: 1},
			{Name: "onchain", OK: false, Error: "rpc down"},
		},
		Tickers: []model.Ticker{{Symbol: "XBTUSD", Price: 64000.5, Volume: 12, Change24h: -0.02}},
	})
	require.NoError(t, err)
	require.Equal(t, SnapshotDegraded, rec.Status)
	require.Equal(t, 1, rec.Healthy)
	require.Equal(t, 2, rec.Total)
	require.Len(t, rec.Tickers, 1)
	require.Equal(t, "64000.5", rec.Tickers[0].Price.String())
	require.Equal(t, "-0.02", rec.Tickers[0].Change24h.String())

	var sources []map[string]any
	require.NoError(t, json.Unmarshal(rec.Sources, &sources))
	require.Len(t, sources, 2)
}

func TestAlertAndReportConversion(t *testing.T) {
	alert, err := AlertFromDetector(detector.Alert{
		ID:           "a1",
		Algorithm:    detector.WashTrading,
		Symbol:       "ETHUSD",
		Confidence:   0.8,
		Severity:     model.SeverityHigh,
		Status:       detector.StatusActive,
		ActionsTaken: []detector.Action{detector.ActionReduceExposure, detector.ActionAlert},
		Timestamp:    t0,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"reduce_exposure", "alert"}, alert.Actions)
	require.Equal(t, "0.8", alert.Confidence.String())

	rep, err := ReportFromOrchestrator(orchestrator.Report{ID: "r1", At: t0, Omniscience: 0.75, Decision: orchestrator.DecisionDivergenceAlert})
	require.NoError(t, err)
	require.Equal(t, "0.75", rep.Omniscience.String())
	require.Equal(t, "divergence_alert", rep.Decision)

	var back orchestrator.Report
	require.NoError(t, json.Unmarshal(rep.Payload, &back))
	require.Equal(t, "r1", back.ID)

	div, err := DivergenceFromOrchestrator(orchestrator.DivergenceAlert{ID: "d1", AgentID: "x", Score: 0.91, Severity: model.SeverityCritical})
	require.NoError(t, err)
	require.Equal(t, "0.91", div.Score.String())
}

func TestMigrationFilesOrdered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_more.sql", "001_init.sql", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}
	files, err := MigrationFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, "001_init.sql", filepath.Base(files[0]))

	_, err = (*Store)(nil).Migrate(context.Background(), dir)
	require.ErrorIs(t, err, ErrNotConfigured)
}
