package predictor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rehoboam/internal/inference"
	"rehoboam/internal/model"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type countingModel struct {
	calls *int
	dir   model.Direction
}

func (countingModel) Name() string    { return "counting" }
func (countingModel) Weight() float64 { return 1 }

func (m countingModel) Predict(context.Context, Request) ModelOutput {
	*m.calls++
	return ModelOutput{Direction: m.dir, Magnitude: 0.3, Confidence: 0.8}
}

type weightedModel struct {
	name   string
	weight float64
	dir    model.Direction
}

func (m weightedModel) Name() string    { return m.name }
func (m weightedModel) Weight() float64 { return m.weight }

func (m weightedModel) Predict(context.Context, Request) ModelOutput {
	return ModelOutput{Direction: m.dir, Magnitude: 0.2, Confidence: 0.6}
}

// gatedModel blocks every run until release is closed.
type gatedModel struct {
	calls   *atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (gatedModel) Name() string    { return "gated" }
func (gatedModel) Weight() float64 { return 1 }

func (m gatedModel) Predict(context.Context, Request) ModelOutput {
	if m.calls.Add(1) == 1 {
		close(m.entered)
	}
	<-m.release
	return ModelOutput{Direction: model.DirectionUp, Magnitude: 0.4, Confidence: 0.7}
}

func startPredictor(t *testing.T, opts Options, analyzer *inference.Analyzer) (*Predictor, *time.Time, func()) {
	t.Helper()
	p := New(opts, analyzer, zerolog.Nop())
	now := t0
	p.now = func() time.Time { return now }
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	return p, &now, func() {
		cancel()
		<-done
	}
}

func outputs(dirs ...model.Direction) []ModelOutput {
	weights := []float64{0.4, 0.3, 0.2, 0.1}
	out := make([]ModelOutput, len(dirs))
	for i, d := range dirs {
		out[i] = ModelOutput{Weight: weights[i], Direction: d, Confidence: 0.2 * float64(i+1)}
	}
	return out
}

func TestCombineDeadZoneBoundaries(t *testing.T) {
	up, down, flat := model.DirectionUp, model.DirectionDown, model.DirectionNeutral

	dir, score, _, conf := Combine(outputs(up, down, flat, flat), 0.1)
	require.Equal(t, 0.1, score)
	require.Equal(t, flat, dir, "恰好 0.1 应为 neutral")
	require.InDelta(t, 0.5, conf, 1e-9, "置信度是未加权平均")

	dir, score, _, _ = Combine(outputs(down, up, flat, flat), 0.1)
	require.Equal(t, -0.1, score)
	require.Equal(t, flat, dir, "恰好 -0.1 应为 neutral")

	dir, _, _, _ = Combine(outputs(up, down, flat, up), 0.1)
	require.Equal(t, up, dir)

	dir, _, _, _ = Combine(outputs(down, flat, flat, flat), 0.1)
	require.Equal(t, down, dir)
}

func TestPredictCacheIdempotenceAndExpiry(t *testing.T) {
	defer goleak.VerifyNone(t)
	calls := 0
	p, now, stop := startPredictor(t, Options{
		MaxCacheTTL: time.Hour,
		DeadZone:    0.1,
		Models:      []Model{countingModel{calls: &calls, dir: model.DirectionUp}},
	}, nil)
	defer stop()
	ctx := context.Background()

	first, err := p.Predict(ctx, "XBTUSD", "30m")
	require.NoError(t, err)
	*now = t0.Add(29 * time.Minute)
	second, err := p.Predict(ctx, "XBTUSD", "30m")
	require.NoError(t, err)
	require.Equal(t, first, second, "有效期内应返回完全相同的缓存结果")
	require.Equal(t, 1, calls)
	require.Equal(t, t0.Add(30*time.Minute), first.ExpiresAt)

	*now = t0.Add(30 * time.Minute)
	third, err := p.Predict(ctx, "XBTUSD", "30m")
	require.NoError(t, err)
	require.Equal(t, 2, calls, "过期后应重新计算")
	require.NotEqual(t, first.ID, third.ID)

	listed, err := p.Predictions(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestCacheTTLIsCapped(t *testing.T) {
	defer goleak.VerifyNone(t)
	calls := 0
	p, _, stop := startPredictor(t, Options{MaxCacheTTL: time.Hour, Models: []Model{countingModel{calls: &calls}}}, nil)
	defer stop()

	pred, err := p.Predict(context.Background(), "ETHUSD", "7d")
	require.NoError(t, err)
	require.Equal(t, t0.Add(time.Hour), pred.ExpiresAt)

	_, err = p.Predict(context.Background(), "ETHUSD", "soon")
	require.ErrorIs(t, err, ErrInvalidTimeframe)
}

func TestInferenceTimeoutYieldsFallbackPrediction(t *testing.T) {
	defer goleak.VerifyNone(t)
	slow := inference.CompleterFunc(func(ctx context.Context, _ string, _ map[string]any) (inference.Completion, error) {
		<-ctx.Done()
		return inference.Completion{}, ctx.Err()
	})
	analyzer := inference.NewAnalyzer(slow, 10*time.Millisecond, zerolog.Nop())
	p, _, stop := startPredictor(t, Options{DeadZone: 0.1}, analyzer)
	defer stop()

	pred, err := p.Predict(context.Background(), MarketSubject, "1h")
	require.NoError(t, err)
	require.True(t, pred.Fallback)
	require.LessOrEqual(t, pred.Confidence, 0.55)
	require.Len(t, pred.Models, 4)
}

func TestNominalInferenceConfidence(t *testing.T) {
	defer goleak.VerifyNone(t)
	answer := `{"direction":"up","outlook":"bullish","loop_type":"repetitive","next_actions":["buy"],` +
		`"confidence":0.9,"magnitude":0.5,"narrative":"steady bid","drivers":["flows"],"reasoning":"r","rationale":"x","actions":["hold"]}`
	c := inference.CompleterFunc(func(context.Context, string, map[string]any) (inference.Completion, error) {
		return inference.Completion{Content: answer}, nil
	})
	p, _, stop := startPredictor(t, Options{DeadZone: 0.1}, inference.NewAnalyzer(c, time.Second, zerolog.Nop()))
	defer stop()

	fc, err := p.ForecastDestiny(context.Background(), "24h", nil)
	require.NoError(t, err)
	require.False(t, fc.Prediction.Fallback)
	require.GreaterOrEqual(t, fc.Prediction.Confidence, 0.7)
	require.Equal(t, model.DirectionUp, fc.Prediction.Direction)
	require.Equal(t, "steady bid", fc.Narrative)
	require.Equal(t, []string{"flows"}, fc.Drivers)
}

func TestResearchCooldown(t *testing.T) {
	defer goleak.VerifyNone(t)
	calls := 0
	c := inference.CompleterFunc(func(context.Context, string, map[string]any) (inference.Completion, error) {
		calls++
		return inference.Completion{Content: `{"direction":"down","confidence":0.8,"magnitude":0.4,"rationale":"r"}`}, nil
	})
	p, now, stop := startPredictor(t, Options{ResearchCooldown: 120 * time.Second}, inference.NewAnalyzer(c, time.Second, zerolog.Nop()))
	defer stop()
	ctx := context.Background()

	first, err := p.Research(ctx, "XBTUSD", "outlook?")
	require.NoError(t, err)
	require.False(t, first.Throttled)
	require.Equal(t, model.DirectionDown, first.Advice.Direction)

	*now = t0.Add(60 * time.Second)
	second, err := p.Research(ctx, "XBTUSD", "outlook?")
	require.NoError(t, err)
	require.True(t, second.Throttled, "冷却期内应复用上次结果")
	require.Equal(t, first.Advice, second.Advice)

	other, err := p.Research(ctx, "ETHUSD", "outlook?")
	require.NoError(t, err)
	require.True(t, other.Advice.Fallback)
	require.Equal(t, 1, calls)

	*now = t0.Add(121 * time.Second)
	third, err := p.Research(ctx, "XBTUSD", "outlook?")
	require.NoError(t, err)
	require.False(t, third.Throttled)
	require.Equal(t, 2, calls)
}

func TestPredictAgentBehaviorFallsBackToLoopSignal(t *testing.T) {
	defer goleak.VerifyNone(t)
	p, _, stop := startPredictor(t, Options{}, nil)
	defer stop()
	ctx := context.Background()

	require.NoError(t, p.UpdateContext(ctx, Context{Agents: []AgentSignal{{
		AgentID:     "a",
		LoopType:    "repetitive",
		Direction:   model.DirectionUp,
		NextActions: []string{"buy"},
	}}}))

	bp, err := p.PredictAgentBehavior(ctx, "a", MarketConditions{Symbol: "XBTUSD"})
	require.NoError(t, err)
	require.True(t, bp.Fallback)
	require.Equal(t, inference.FallbackLoopConfidence, bp.Confidence)
	require.Equal(t, "repetitive", bp.LoopType)
	require.Equal(t, []string{"buy"}, bp.NextActions)

	_, err = p.PredictWith(ctx, "nope", "a", "")
	require.ErrorIs(t, err, ErrUnknownModel)
	out, err := p.PredictWith(ctx, ModelManipulationDetection, "a", "")
	require.NoError(t, err)
	require.Equal(t, 0.2, out.Weight)
}

func TestParseTimeframe(t *testing.T) {
	cases := map[string]time.Duration{
		"1h":          time.Hour,
		"7d":          7 * 24 * time.Hour,
		"short_term":  time.Hour,
		"medium_term": 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseTimeframe(in)
		require.NoError(t, err)
		require.Equal(t, want, got, in)
	}
	_, err := ParseTimeframe("0d")
	require.ErrorIs(t, err, ErrInvalidTimeframe)
}

func TestZeroOptionsKeepNeutralDeadZone(t *testing.T) {
	defer goleak.VerifyNone(t)
	p, _, stop := startPredictor(t, Options{Models: []Model{
		weightedModel{name: "drift", weight: 0.05, dir: model.DirectionUp},
		weightedModel{name: "flat", weight: 0.95, dir: model.DirectionNeutral},
	}}, nil)
	defer stop()

	pred, err := p.Predict(context.Background(), "XBTUSD", "1h")
	require.NoError(t, err)
	require.InDelta(t, 0.05, pred.Score, 1e-9)
	require.Equal(t, model.DirectionNeutral, pred.Direction, "默认死区内的得分应为 neutral")
}

func TestConcurrentPredictSharesOneResult(t *testing.T) {
	defer goleak.VerifyNone(t)
	var calls atomic.Int32
	gate := gatedModel{calls: &calls, entered: make(chan struct{}), release: make(chan struct{})}
	p, _, stop := startPredictor(t, Options{Models: []Model{gate}}, nil)
	defer stop()
	ctx := context.Background()

	results := make([]Prediction, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	predict := func(i int) {
		defer wg.Done()
		results[i], errs[i] = p.Predict(ctx, "s", "1h")
	}
	wg.Add(1)
	go predict(0)
	<-gate.entered
	wg.Add(1)
	go predict(1)
	time.Sleep(20 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, int32(1), calls.Load(), "并发请求只应运行一次模型组合")
	require.Equal(t, results[0].ID, results[1].ID, "并发请求应得到同一个预测")

	again, err := p.Predict(ctx, "s", "1h")
	require.NoError(t, err)
	require.Equal(t, results[0], again, "有效期内后续请求应命中同一缓存")
}
