package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rehoboam/internal/detector"
	"rehoboam/internal/inference"
	"rehoboam/internal/model"
	"rehoboam/internal/orchestrator"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type captured struct {
	notes []Notification
	err   error
}

func (c *captured) Notify(_ context.Context, n Notification) error {
	if c.err != nil {
		return c.err
	}
	c.notes = append(c.notes, n)
	return nil
}

func sampleNote(sev model.Severity) Notification {
	return Notification{
		Kind:      KindManipulation,
		Subject:   "XBTUSD/volume_anomaly",
		Severity:  sev,
		Title:     "volume anomaly on XBTUSD",
		Score:     decimal.NewFromFloat(0.91),
		Timestamp: t0,
	}
}

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

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), sampleNote(model.SeverityCritical)); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "[Rehoboam CRITICAL]") || !strings.Contains(received["text"], "Score: 0.910") {
		t.Fatalf("text 内容不正确: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), sampleNote(model.SeverityHigh)); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestThrottleCooldownAndSeverity(t *testing.T) {
	sink := &captured{}
	th := NewThrottle(sink, model.SeverityMedium, 30*time.Minute, zerolog.Nop())
	now := t0
	th.now = func() time.Time { return now }
	ctx := context.Background()

	_ = th.Notify(ctx, sampleNote(model.SeverityLow))
	if len(sink.notes) != 0 {
		t.Fatal("低于最小级别的告警应被过滤")
	}

	_ = th.Notify(ctx, sampleNote(model.SeverityMedium))
	now = t0.Add(10 * time.Minute)
	_ = th.Notify(ctx, sampleNote(model.SeverityMedium))
	if len(sink.notes) != 1 {
		t.Fatalf("冷却期内重复告警应被抑制, 实际 %d", len(sink.notes))
	}

	_ = th.Notify(ctx, sampleNote(model.SeverityCritical))
	if len(sink.notes) != 2 {
		t.Fatal("更高级别的告警应穿透冷却期")
	}

	now = t0.Add(41 * time.Minute)
	_ = th.Notify(ctx, sampleNote(model.SeverityMedium))
	if len(sink.notes) != 3 {
		t.Fatal("冷却期结束后应再次发送")
	}
}

func TestThrottleRetriesFailedDelivery(t *testing.T) {
	sink := &captured{err: errors.New("boom")}
	th := NewThrottle(sink, model.SeverityLow, time.Hour, zerolog.Nop())
	th.now = func() time.Time { return t0 }

	if err := th.Notify(context.Background(), sampleNote(model.SeverityHigh)); err == nil {
		t.Fatal("下游失败应返回错误")
	}
	sink.err = nil
	if err := th.Notify(context.Background(), sampleNote(model.SeverityHigh)); err != nil {
		t.Fatalf("失败后重试不应被冷却抑制: %v", err)
	}
	if len(sink.notes) != 1 {
		t.Fatal("重试应送达")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &captured{}
	bad := &captured{err: errors.New("down")}
	err := Multi{bad, ok}.Notify(context.Background(), sampleNote(model.SeverityHigh))
	if err == nil || len(ok.notes) != 1 {
		t.Fatalf("一个渠道失败不应影响其他渠道: err=%v", err)
	}
}

func TestBuilders(t *testing.T) {
	alert := FromAlert(detector.Alert{
		Algorithm:  detector.VolumeAnomaly,
		Symbol:     "XBTUSD",
		Confidence: 1,
		Severity:   model.SeverityCritical,
		Timestamp:  t0,
		Details:    map[string]any{"ratio": 6.0},
	}, nil)
	if strings.Join(alert.Actions, ",") != "halt_trading,hedge,alert" {
		t.Fatalf("响应计划顺序不正确: %v", alert.Actions)
	}
	if alert.Details["ratio"] != "6" {
		t.Fatalf("details 未展开: %#v", alert.Details)
	}

	div := FromDivergence(orchestrator.DivergenceAlert{
		AgentID:     "agent-7",
		Score:       0.91,
		Severity:    model.SeverityCritical,
		Explanation: &inference.DivergenceAnalysis{Explanation: "regime change"},
	}, []string{"telegram"})
	if div.Key() != "divergence|agent-7" || div.Additional != "regime change" {
		t.Fatalf("偏离通知不正确: %#v", div)
	}

	rep := FromReport(orchestrator.Report{Decision: orchestrator.DecisionMaintainSurveillance}, nil)
	if rep.Severity != model.SeverityLow {
		t.Fatal("维持监控不应产生高等级通知")
	}
	rep = FromReport(orchestrator.Report{
		Decision:     orchestrator.DecisionImmediateIntervention,
		Intervention: &inference.InterventionAdvice{Actions: []string{"freeze"}},
	}, nil)
	if rep.Severity != model.SeverityCritical || rep.Actions[0] != "freeze" {
		t.Fatalf("干预通知不正确: %#v", rep)
	}
	if !strings.Contains(Render(rep), "Actions: freeze") {
		t.Fatal("渲染结果应包含动作")
	}
}
