// Package predictor combines weighted forecasting models into cached, expiring predictions.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"rehoboam/internal/actor"
	"rehoboam/internal/inference"
	"rehoboam/internal/logging"
	"rehoboam/internal/model"
)

// ErrUnknownModel is returned by PredictWith for unregistered model names.
var ErrUnknownModel = errors.New("predictor: unknown model")

// MarketSubject is the subject used for system-wide destiny forecasts.
const MarketSubject = "market"

// Prediction is the combined, expiring forecast for a subject and timeframe.
type Prediction struct {
	ID         string          `json:"id"`
	Subject    string          `json:"subject"`
	Timeframe  string          `json:"timeframe"`
	Models     []ModelOutput   `json:"models"`
	Direction  model.Direction `json:"direction"`
	Score      float64         `json:"score"`
	Magnitude  float64         `json:"magnitude"`
	Confidence float64         `json:"confidence"`
	Fallback   bool            `json:"fallback"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// Valid reports whether the prediction may still be served at now.
func (p Prediction) Valid(now time.Time) bool { return now.Before(p.ExpiresAt) }

// DestinyForecast is a market-wide prediction with its narrative.
type DestinyForecast struct {
	Prediction Prediction `json:"prediction"`
	Narrative  string     `json:"narrative"`
	Drivers    []string   `json:"drivers,omitempty"`
}

// MarketConditions narrows an agent behavior prediction.
type MarketConditions struct {
	Symbol     string  `json:"symbol,omitempty"`
	Volatility float64 `json:"volatility"`
	Trend      float64 `json:"trend"`
}

// BehaviorPrediction forecasts one agent's next moves.
type BehaviorPrediction struct {
	AgentID     string          `json:"agent_id"`
	LoopType    string          `json:"loop_type"`
	NextActions []string        `json:"next_actions"`
	Direction   model.Direction `json:"direction"`
	Confidence  float64         `json:"confidence"`
	Reasoning   string          `json:"reasoning"`
	Fallback    bool            `json:"fallback"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// ResearchResult is a research-augmented recommendation.
type ResearchResult struct {
	Subject   string                   `json:"subject"`
	Question  string                   `json:"question"`
	Advice    inference.StrategyAdvice `json:"advice"`
	CreatedAt time.Time                `json:"created_at"`
	// Throttled marks a result served from the previous call because of the cooldown.
	Throttled bool `json:"throttled"`
}

// Options tune the predictor.
type Options struct {
	MaxCacheTTL      time.Duration
	DeadZone         float64
	ResearchCooldown time.Duration
	ResearchTimeout  time.Duration
	DefaultTimeframe string
	Models           []Model
}

type state struct {
	cache    map[string]Prediction
	agents   map[string]BehaviorPrediction
	research map[string]ResearchResult
	context  Context
}

// Predictor owns the prediction cache and the shared model context.
type Predictor struct {
	opts     Options
	actor    *actor.Actor[state]
	analyzer *inference.Analyzer
	models   []Model
	limiter  *rate.Limiter
	flight   singleflight.Group
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds a predictor around analyzer. Call Run to start it.
func New(opts Options, analyzer *inference.Analyzer, logger zerolog.Logger) *Predictor {
	if analyzer == nil {
		analyzer = inference.NewAnalyzer(nil, 0, logger)
	}
	if opts.MaxCacheTTL <= 0 {
		opts.MaxCacheTTL = time.Hour
	}
	if opts.DeadZone <= 0 {
		opts.DeadZone = 0.1
	}
	if opts.ResearchCooldown <= 0 {
		opts.ResearchCooldown = 120 * time.Second
	}
	if opts.ResearchTimeout <= 0 {
		opts.ResearchTimeout = 45 * time.Second
	}
	if opts.DefaultTimeframe == "" {
		opts.DefaultTimeframe = "24h"
	}
	models := opts.Models
	if len(models) == 0 {
		models = DefaultModels(analyzer)
	}
	logger = logging.Component(logger, "predictor")
	st := &state{
		cache:    make(map[string]Prediction),
		agents:   make(map[string]BehaviorPrediction),
		research: make(map[string]ResearchResult),
	}
	return &Predictor{
		opts:     opts,
		actor:    actor.New("predictor", st, 64, logger),
		analyzer: analyzer,
		models:   models,
		limiter:  rate.NewLimiter(rate.Every(opts.ResearchCooldown), 1),
		logger:   logger,
		now:      time.Now,
	}
}

// Run serves requests until ctx is cancelled.
func (p *Predictor) Run(ctx context.Context) error {
	err := p.actor.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// UpdateContext replaces the shared model context.
func (p *Predictor) UpdateContext(ctx context.Context, c Context) error {
	return p.actor.Do(ctx, func(s *state) { s.context = c })
}

// CurrentContext returns the shared model context.
func (p *Predictor) CurrentContext(ctx context.Context) (Context, error) {
	return actor.Ask(ctx, p.actor, func(s *state) Context { return s.context })
}

// Predict returns the cached prediction while it is valid, otherwise runs the ensemble.
func (p *Predictor) Predict(ctx context.Context, subject, timeframe string) (Prediction, error) {
	return p.predict(ctx, subject, timeframe, nil)
}

func (p *Predictor) predict(ctx context.Context, subject, timeframe string, override *Context) (Prediction, error) {
	if timeframe == "" {
		timeframe = p.opts.DefaultTimeframe
	}
	horizon, err := ParseTimeframe(timeframe)
	if err != nil {
		return Prediction{}, err
	}
	key := subject + "|" + timeframe

	if hit, ok, err := p.cached(ctx, key); err != nil || ok {
		return hit, err
	}

	// Concurrent misses for one key share a single ensemble run.
	flightKey := key
	if override != nil {
		flightKey += "|override"
	}
	v, err, _ := p.flight.Do(flightKey, func() (any, error) {
		return p.generate(ctx, key, subject, timeframe, horizon, override)
	})
	if err != nil {
		return Prediction{}, err
	}
	return v.(Prediction), nil
}

// cached returns the valid cache entry for key, evicting it once expired.
func (p *Predictor) cached(ctx context.Context, key string) (Prediction, bool, error) {
	type lookup struct {
		hit Prediction
		ok  bool
	}
	l, err := actor.Ask(ctx, p.actor, func(s *state) lookup {
		if cached, ok := s.cache[key]; ok {
			if cached.Valid(p.now()) {
				return lookup{hit: cached, ok: true}
			}
			delete(s.cache, key)
		}
		return lookup{}
	})
	return l.hit, l.ok, err
}

func (p *Predictor) generate(ctx context.Context, key, subject, timeframe string, horizon time.Duration, override *Context) (Prediction, error) {
	if hit, ok, err := p.cached(ctx, key); err != nil || ok {
		return hit, err
	}
	mc, err := p.CurrentContext(ctx)
	if err != nil {
		return Prediction{}, err
	}
	if override != nil {
		mc = *override
	}
	pred := p.run(ctx, Request{Subject: subject, Timeframe: timeframe, Context: mc, DeadZone: p.opts.DeadZone}, horizon)

	// A valid entry stored meanwhile wins so callers within expiry see one result.
	stored, err := actor.Ask(ctx, p.actor, func(s *state) Prediction {
		if cached, ok := s.cache[key]; ok && cached.Valid(p.now()) {
			return cached
		}
		s.cache[key] = pred
		return pred
	})
	if err != nil {
		return Prediction{}, err
	}
	if stored.ID != pred.ID {
		return stored, nil
	}
	p.logger.Info().
		Str("subject", subject).
		Str("timeframe", timeframe).
		Str("direction", string(pred.Direction)).
		Float64("confidence", pred.Confidence).
		Bool("fallback", pred.Fallback).
		Msg("prediction generated")
	return pred, nil
}

func (p *Predictor) run(ctx context.Context, req Request, horizon time.Duration) Prediction {
	outputs := make([]ModelOutput, 0, len(p.models))
	fallback := false
	for _, m := range p.models {
		out := m.Predict(ctx, req)
		out.Model = m.Name()
		out.Weight = m.Weight()
		out.Confidence = model.Clamp01(out.Confidence)
		out.Magnitude = model.Clamp01(out.Magnitude)
		fallback = fallback || out.Fallback
		outputs = append(outputs, out)
	}
	dir, score, magnitude, confidence := Combine(outputs, req.DeadZone)

	now := p.now().UTC()
	ttl := horizon
	if ttl > p.opts.MaxCacheTTL {
		ttl = p.opts.MaxCacheTTL
	}
	return Prediction{
		ID:         uuid.NewString(),
		Subject:    req.Subject,
		Timeframe:  req.Timeframe,
		Models:     outputs,
		Direction:  dir,
		Score:      score,
		Magnitude:  magnitude,
		Confidence: confidence,
		Fallback:   fallback,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

// PredictWith queries a single model directly, bypassing the cache.
func (p *Predictor) PredictWith(ctx context.Context, name, subject, timeframe string) (ModelOutput, error) {
	for _, m := range p.models {
		if m.Name() != name {
			continue
		}
		mc, err := p.CurrentContext(ctx)
		if err != nil {
			return ModelOutput{}, err
		}
		if timeframe == "" {
			timeframe = p.opts.DefaultTimeframe
		}
		out := m.Predict(ctx, Request{Subject: subject, Timeframe: timeframe, Context: mc, DeadZone: p.opts.DeadZone})
		out.Model = m.Name()
		out.Weight = m.Weight()
		return out, nil
	}
	return ModelOutput{}, fmt.Errorf("%w: %s", ErrUnknownModel, name)
}

// ForecastDestiny produces the market-wide forecast. A non-nil marketContext is
// used for this forecast instead of the shared context.
func (p *Predictor) ForecastDestiny(ctx context.Context, timeframe string, marketContext *Context) (DestinyForecast, error) {
	pred, err := p.predict(ctx, MarketSubject, timeframe, marketContext)
	if err != nil {
		return DestinyForecast{}, err
	}
	fc := DestinyForecast{Prediction: pred}
	for _, m := range pred.Models {
		if m.Model == ModelAgentDestiny {
			fc.Narrative = m.Rationale
			fc.Drivers = m.Notes
		}
	}
	if fc.Narrative == "" {
		fc.Narrative = fmt.Sprintf("%s outlook over %s", pred.Direction, pred.Timeframe)
	}
	return fc, nil
}

// PredictAgentBehavior forecasts one agent's next actions, cached per agent.
func (p *Predictor) PredictAgentBehavior(ctx context.Context, agentID string, conditions MarketConditions) (BehaviorPrediction, error) {
	horizon, err := ParseTimeframe(p.opts.DefaultTimeframe)
	if err != nil {
		return BehaviorPrediction{}, err
	}

	type lookup struct {
		hit    BehaviorPrediction
		ok     bool
		signal AgentSignal
		known  bool
		base   Context
	}
	l, err := actor.Ask(ctx, p.actor, func(s *state) lookup {
		if cached, ok := s.agents[agentID]; ok && p.now().Before(cached.ExpiresAt) {
			return lookup{hit: cached, ok: true}
		}
		out := lookup{base: s.context}
		for _, a := range s.context.Agents {
			if a.AgentID == agentID {
				out.signal, out.known = a, true
				break
			}
		}
		return out
	})
	if err != nil {
		return BehaviorPrediction{}, err
	}
	if l.ok {
		return l.hit, nil
	}

	vars := l.base.vars()
	vars["conditions"] = conditions
	if l.known {
		vars["agent"] = l.signal
	}
	res := p.analyzer.LoopAnalysis(ctx, agentID, vars)

	now := p.now().UTC()
	ttl := horizon
	if ttl > p.opts.MaxCacheTTL {
		ttl = p.opts.MaxCacheTTL
	}
	bp := BehaviorPrediction{
		AgentID:     agentID,
		LoopType:    res.LoopType,
		NextActions: res.NextActions,
		Direction:   res.Direction,
		Confidence:  res.Confidence,
		Reasoning:   res.Reasoning,
		Fallback:    res.Fallback,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if res.Fallback && l.known {
		bp.LoopType = l.signal.LoopType
		bp.Direction = l.signal.Direction
		if len(l.signal.NextActions) > 0 {
			bp.NextActions = l.signal.NextActions
		}
		bp.Reasoning = "derived from observed behavioral loop"
	}

	if err := p.actor.Do(ctx, func(s *state) { s.agents[agentID] = bp }); err != nil {
		return BehaviorPrediction{}, err
	}
	return bp, nil
}

// Research asks for a research-augmented recommendation. Calls inside the cooldown
// reuse the previous result for the subject, or the neutral fallback when there is none.
func (p *Predictor) Research(ctx context.Context, subject, question string) (ResearchResult, error) {
	now := p.now()
	if !p.limiter.AllowN(now, 1) {
		prev, err := actor.Ask(ctx, p.actor, func(s *state) ResearchResult { return s.research[subject] })
		if err != nil {
			return ResearchResult{}, err
		}
		p.logger.Debug().Str("subject", subject).Msg("research throttled by cooldown")
		if prev.Subject != "" {
			prev.Throttled = true
			return prev, nil
		}
		return ResearchResult{
			Subject:  subject,
			Question: question,
			Advice: inference.StrategyAdvice{
				Direction:  model.DirectionNeutral,
				Confidence: inference.FallbackStrategyConfidence,
				Rationale:  "research cooldown active",
				Fallback:   true,
				Reason:     "cooldown",
			},
			CreatedAt: now.UTC(),
			Throttled: true,
		}, nil
	}

	mc, err := p.CurrentContext(ctx)
	if err != nil {
		return ResearchResult{}, err
	}
	advice := p.analyzer.Strategy(ctx, subject, question, p.opts.ResearchTimeout, mc.vars())
	res := ResearchResult{Subject: subject, Question: question, Advice: advice, CreatedAt: now.UTC()}
	if err := p.actor.Do(ctx, func(s *state) { s.research[subject] = res }); err != nil {
		return ResearchResult{}, err
	}
	return res, nil
}

// Predictions lists every unexpired cached prediction, soonest expiry first.
func (p *Predictor) Predictions(ctx context.Context) ([]Prediction, error) {
	return actor.Ask(ctx, p.actor, func(s *state) []Prediction {
		now := p.now()
		out := make([]Prediction, 0, len(s.cache))
		for key, pred := range s.cache {
			if !pred.Valid(now) {
				delete(s.cache, key)
				continue
			}
			out = append(out, pred)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
		return out
	})
}
