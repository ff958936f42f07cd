package profiler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rehoboam/internal/model"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func event(agent string, i int, risk float64, outcome string) model.BehaviorEvent {
	return model.BehaviorEvent{
		AgentID:      agent,
		DecisionType: "buy",
		RiskLevel:    risk,
		Timing:       10 * time.Second,
		Outcome:      outcome,
		Return:       0.01,
		HoldTime:     30 * time.Minute,
		DataPoints:   5,
		Timestamp:    base.Add(time.Duration(i) * time.Minute),
	}
}

// newestFirst builds a window from events listed oldest first.
func newestFirst(events ...model.BehaviorEvent) []model.BehaviorEvent {
	out := make([]model.BehaviorEvent, len(events))
	for i, ev := range events {
		out[len(events)-1-i] = ev
	}
	return out
}

func TestRiskDefaultBelowFiveSamples(t *testing.T) {
	for n := 0; n < 5; n++ {
		var events []model.BehaviorEvent
		for i := 0; i < n; i++ {
			events = append(events, event("a", i, 0.9, model.OutcomeSuccess))
		}
		snap := Compute("a", newestFirst(events...), DefaultThresholds())
		require.Equal(t, DefaultRisk, snap.Risk, "少于 5 个样本时风险画像必须是默认值 (n=%d)", n)
		require.Equal(t, DefaultScore, snap.Score)
		require.Equal(t, DefaultStyle, snap.Style)
	}
}

func TestRiskComputedAtFiveSamples(t *testing.T) {
	var events []model.BehaviorEvent
	for i, r := range []float64{0.2, 0.4, 0.2, 0.4, 0.2} {
		events = append(events, event("a", i, r, model.OutcomeSuccess))
	}
	snap := Compute("a", newestFirst(events...), DefaultThresholds())
	require.False(t, snap.Risk.InsufficientData)
	require.InDelta(t, 0.28, snap.Risk.Tolerance, 1e-9)
	require.InDelta(t, 0.2, snap.Risk.AdaptationRate, 1e-9)
	require.True(t, snap.Style.InsufficientData, "少于 10 个样本时风格画像仍为默认")
}

func TestStyleAndDecisionClassification(t *testing.T) {
	var events []model.BehaviorEvent
	for i := 0; i < 12; i++ {
		ev := event("a", i, 0.5, model.OutcomeSuccess)
		if i%4 == 0 {
			ev.Outcome = model.OutcomeFailure
			ev.DecisionType = "sell"
		}
		events = append(events, ev)
	}
	snap := Compute("a", newestFirst(events...), DefaultThresholds())

	require.Equal(t, FrequencyHigh, snap.Style.Frequency)
	require.Equal(t, HoldMinutes, snap.Style.HoldTime)
	require.InDelta(t, 9.0/12.0, snap.Style.SuccessRate, 1e-9)
	require.Equal(t, SpeedFast, snap.Decision.Speed)
	require.Equal(t, RelianceMedium, snap.Decision.DataReliance)
	require.InDelta(t, 0.75, snap.Decision.Consistency, 1e-9)
	require.InDelta(t, 0.25, snap.Decision.Adaptability, 1e-9)
	require.InDelta(t, 0.12, snap.Score.Confidence, 1e-9)
	require.Equal(t, 1.0, snap.Score.Stability)
}

func TestClassificationBoundaries(t *testing.T) {
	require.Equal(t, FrequencyVeryHigh, ClassifyFrequency(51))
	require.Equal(t, FrequencyHigh, ClassifyFrequency(50))
	require.Equal(t, FrequencyMedium, ClassifyFrequency(3))
	require.Equal(t, FrequencyLow, ClassifyFrequency(2))

	require.Equal(t, HoldHours, ClassifyHoldTime(60*time.Minute))
	require.Equal(t, HoldDays, ClassifyHoldTime(1440*time.Minute))
	require.Equal(t, HoldWeeks, ClassifyHoldTime(10080*time.Minute))

	require.Equal(t, SpeedMedium, ClassifySpeed(30*time.Second))
	require.Equal(t, SpeedSlow, ClassifySpeed(120*time.Second))
}

func TestPerformanceDrawdown(t *testing.T) {
	returns := []float64{0.1, -0.05, -0.1, 0.2}
	var events []model.BehaviorEvent
	for i, r := range returns {
		ev := event("a", i, 0.5, model.OutcomeSuccess)
		ev.Return = r
		events = append(events, ev)
	}
	perf := Compute("a", newestFirst(events...), DefaultThresholds()).Performance
	require.Equal(t, 4, perf.TotalTrades)
	require.InDelta(t, 0.15, perf.MaxDrawdown, 1e-9)
	require.InDelta(t, 0.0375, perf.AvgReturn, 1e-9)
}

func TestDetectAnomaliesIsDeterministic(t *testing.T) {
	var events []model.BehaviorEvent
	for i := 0; i < 10; i++ {
		r := 0.2
		if i%2 == 0 {
			r = 0.25
		}
		events = append(events, event("a", i, r, model.OutcomeSuccess))
	}
	events = append(events, event("a", 10, 0.95, model.OutcomeFailure))
	histories := map[string][]model.BehaviorEvent{"a": newestFirst(events...)}
	rules := AnomalyRules{Thresholds: DefaultThresholds(), StabilityFloor: 0.3, RiskShiftTrigger: 0.3}

	first := DetectAnomalies(histories, rules, base)
	second := DetectAnomalies(histories, rules, base)
	require.Equal(t, first, second)
	require.NotEmpty(t, first)
	require.Equal(t, AnomalyRiskOutlier, first[0].Kind)
}

func TestProfilerActor(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := New(Options{HistorySize: 3, Rules: AnomalyRules{Thresholds: DefaultThresholds()}}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	_, err := p.Profile(ctx, "ghost")
	require.ErrorIs(t, err, ErrProfileNotFound)

	_, err = p.Submit(ctx, model.BehaviorEvent{AgentID: "a"})
	require.ErrorIs(t, err, model.ErrInvalidEvent)
	_, err = p.Profile(ctx, "a")
	require.ErrorIs(t, err, ErrProfileNotFound, "无效事件不应创建画像")

	for i := 0; i < 5; i++ {
		snap, err := p.Submit(ctx, event("a", i, 0.5, model.OutcomeSuccess))
		require.NoError(t, err)
		require.LessOrEqual(t, snap.EventCount, 3)
	}

	prof, err := p.Profile(ctx, "a")
	require.NoError(t, err)
	require.Len(t, prof.History, 3, "历史窗口应有上限")
	require.Equal(t, base.Add(4*time.Minute), prof.History[0].Timestamp, "最新事件应排在最前")
	require.Equal(t, DefaultRisk, prof.Risk, "窗口只剩 3 个事件时应回到默认值")

	summaries, err := p.Summaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	_, err = p.DetectAnomalies(ctx)
	require.NoError(t, err)
}

func TestPartialThresholdsKeepRemainingGates(t *testing.T) {
	p := New(Options{Rules: AnomalyRules{Thresholds: Thresholds{MinRiskSamples: 3}}}, zerolog.Nop())
	want := DefaultThresholds()
	want.MinRiskSamples = 3
	require.Equal(t, want, p.opts.Rules.Thresholds, "只设置一个阈值时其余阈值应取默认值")

	p = New(Options{Rules: AnomalyRules{Thresholds: Thresholds{AnomalyZScore: 3}}}, zerolog.Nop())
	require.Equal(t, 10, p.opts.Rules.MinStyleSamples, "风格判定仍需至少 10 个事件")
	require.Equal(t, 5, p.opts.Rules.MinRiskSamples)
	require.Equal(t, 3.0, p.opts.Rules.AnomalyZScore)
}
