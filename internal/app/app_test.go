package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rehoboam/internal/config"
	"rehoboam/internal/model"
	"rehoboam/internal/storage"
)

func newTestApp() *App {
	cfg := config.Default()
	cfg.Database.DSN = ""
	return NewApp(cfg, zerolog.Nop())
}

func TestLoadEventsSequence(t *testing.T) {
	doc := `
- agent_id: alice
  decision_type: sell
  risk_level: 0.4
  timing: 30s
  outcome: failure
  timestamp: 2025-03-01T12:05:00Z
- agent_id: alice
  decision_type: buy
  risk_level: 0.2
  timing: 10s
  outcome: success
  timestamp: 2025-03-01T12:00:00Z
`
	events, err := LoadEvents(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "buy", events[0].DecisionType, "事件应按时间排序")
	require.Equal(t, 10*time.Second, events[0].Timing)
	require.Equal(t, model.OutcomeFailure, events[1].Outcome)
}

func TestLoadEventsWrappedJSON(t *testing.T) {
	doc := `{"events": [{"agent_id": "bob", "decision_type": "hold", "risk_level": 0.1}]}`
	events, err := LoadEvents(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "bob", events[0].AgentID)

	events, err = LoadEvents(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, events)

	_, err = LoadEvents(strings.NewReader("just a string"))
	require.Error(t, err)
}

func TestDownsampleReports(t *testing.T) {
	reports := make([]storage.ReportRecord, 10)
	for i := range reports {
		reports[i] = storage.ReportRecord{ID: string(rune('a' + i))}
	}
	require.Len(t, downsampleReports(reports, 0), 10)
	require.Len(t, downsampleReports(reports, 20), 10)

	out := downsampleReports(reports, 4)
	require.Len(t, out, 4)
	require.Equal(t, "a", out[0].ID, "首个点应保留")
	require.Equal(t, "j", out[3].ID, "最后一个点应保留")

	require.Equal(t, "j", downsampleReports(reports, 1)[0].ID)
}

func TestWriteReportsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "reports.csv")
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	err := writeReportsCSV(path, []storage.ReportRecord{{
		At:          at,
		Omniscience: decimal.RequireFromString("0.75"),
		Decision:    "divergence_alert",
		Forecast:    "bullish",
	}})
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "omniscience", rows[0][1])
	require.Equal(t, "2025-03-01T12:00:00Z", rows[1][0])
	require.Equal(t, "0.75", rows[1][1])
	require.Equal(t, "divergence_alert", rows[1][6])
}

func TestWriteTables(t *testing.T) {
	var buf bytes.Buffer
	writeAlerts(&buf, []storage.AlertRecord{{
		Algorithm:  "wash_trading",
		Symbol:     "ETHUSD",
		Severity:   "high",
		Confidence: decimal.RequireFromString("0.8"),
		Status:     "active",
		Actions:    []string{"reduce_exposure", "alert"},
		Reason:     "self\ntrades",
	}})
	out := buf.String()
	require.Contains(t, out, "wash_trading")
	require.Contains(t, out, "0.800")
	require.Contains(t, out, "reduce_exposure,alert")
	require.Contains(t, out, "self trades", "原因中的换行应被替换")

	buf.Reset()
	writeDivergences(&buf, nil)
	require.Equal(t, "no divergences found\n", buf.String())
}

func TestShowAndExportRequireDatabase(t *testing.T) {
	a := newTestApp()
	ctx := context.Background()
	require.Error(t, a.Show(ctx, ShowOptions{Limit: 5}))
	require.Error(t, a.Export(ctx, ExportOptions{}), "未指定输出时应报错")
	require.Error(t, a.Export(ctx, ExportOptions{CSVPath: "out.csv"}))
}

func TestReplayDryRun(t *testing.T) {
	defer goleak.VerifyNone(t)
	a := newTestApp()

	doc := `
events:
  - {agent_id: carol, decision_type: buy, risk_level: 0.2, timing: 10s, outcome: success, timestamp: 2025-03-01T12:00:00Z}
  - {agent_id: carol, decision_type: buy, risk_level: 0.2, timing: 10s, outcome: success, timestamp: 2025-03-01T12:01:00Z}
  - {agent_id: "", decision_type: buy, timestamp: 2025-03-01T12:02:00Z}
`
	path := filepath.Join(t.TempDir(), "events.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	require.NoError(t, a.Replay(context.Background(), ReplayOptions{Path: path, DryRun: true, Analyze: true}))
}

func TestSimulateAlertRequiresChannel(t *testing.T) {
	a := newTestApp()
	a.Config.Alerting.Enabled = false
	err := a.SimulateAlert(context.Background(), SimulateOptions{Symbol: "xbtusd", Price: 1, Notify: true})
	require.Error(t, err)
}

func TestExportWindow(t *testing.T) {
	now := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)

	from, to, err := exportWindow(ExportOptions{MaxPoints: 10}, 3*time.Minute, now)
	require.NoError(t, err)
	require.Equal(t, now, to)
	require.Equal(t, now.Add(-30*time.Minute), from)

	from, _, err = exportWindow(ExportOptions{Last: 24 * time.Hour, MaxPoints: 10}, 3*time.Minute, now)
	require.NoError(t, err)
	require.Equal(t, now.Add(-24*time.Hour), from)

	later := now.Add(time.Hour)
	_, _, err = exportWindow(ExportOptions{From: &later}, time.Minute, now)
	require.Error(t, err, "from 晚于 to 时应报错")
}
