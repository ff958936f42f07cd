// Package orchestrator is the top-level control loop: it tracks behavioral loops,
// raises divergence alerts and turns component state into intervention decisions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rehoboam/internal/actor"
	"rehoboam/internal/collector"
	"rehoboam/internal/detector"
	"rehoboam/internal/inference"
	"rehoboam/internal/logging"
	"rehoboam/internal/model"
	"rehoboam/internal/predictor"
	"rehoboam/internal/profiler"
	"rehoboam/internal/ring"
	"rehoboam/internal/scheduler"
)

var (
	// ErrUnknownAgent is returned for agents without a behavioral loop.
	ErrUnknownAgent = errors.New("orchestrator: unknown agent")
	// ErrDivergenceNotFound is returned when explaining an unknown divergence.
	ErrDivergenceNotFound = errors.New("orchestrator: divergence not found")
)

// ProfileService is the profiler surface the orchestrator needs.
type ProfileService interface {
	Submit(ctx context.Context, ev model.BehaviorEvent) (profiler.ProfileSnapshot, error)
	Summaries(ctx context.Context) ([]profiler.ProfileSnapshot, error)
	LastAnomalies(ctx context.Context) ([]profiler.Anomaly, time.Time, error)
}

// AlertService is the detector surface the orchestrator needs.
type AlertService interface {
	RiskLevel(ctx context.Context) (float64, error)
	ActiveAlerts(ctx context.Context) ([]detector.Alert, error)
}

// Forecaster is the predictor surface the orchestrator needs.
type Forecaster interface {
	UpdateContext(ctx context.Context, c predictor.Context) error
	ForecastDestiny(ctx context.Context, timeframe string, marketContext *predictor.Context) (predictor.DestinyForecast, error)
}

// SnapshotSource supplies the latest collector snapshot when none was delivered.
type SnapshotSource interface {
	Latest(ctx context.Context) (collector.Snapshot, bool, error)
}

// Observer is told about every report and divergence, e.g. to notify or persist.
type Observer interface {
	ReportPublished(ctx context.Context, r Report)
	DivergenceRaised(ctx context.Context, d DivergenceAlert)
}

// Locker guards the analysis cycle when several instances share a database.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error)
}

// Decision is the intervention outcome of one analysis cycle.
type Decision string

const (
	DecisionImmediateIntervention Decision = "immediate_intervention"
	DecisionPrepareCorrections    Decision = "prepare_corrections"
	DecisionDivergenceAlert       Decision = "divergence_alert"
	DecisionMaintainSurveillance  Decision = "maintain_surveillance"
)

// Decide applies the ordered threshold checks.
func Decide(omniscience, risk float64) Decision {
	switch {
	case omniscience > 0.9 && risk > 0.8:
		return DecisionImmediateIntervention
	case omniscience > 0.8 && risk > 0.6:
		return DecisionPrepareCorrections
	case risk > 0.85:
		return DecisionDivergenceAlert
	default:
		return DecisionMaintainSurveillance
	}
}

// Omniscience blends prediction confidence, agent predictability and market determinism.
func Omniscience(predictionConfidence, meanPredictability, marketDeterminism float64) float64 {
	return model.Clamp01(0.4*predictionConfidence + 0.4*meanPredictability + 0.2*marketDeterminism)
}

// Loop is one agent's behavioral loop.
type Loop struct {
	AgentID        string          `json:"agent_id"`
	LoopType       string          `json:"loop_type"`
	Patterns       []Pattern       `json:"patterns"`
	Predictability float64         `json:"predictability"`
	Integrity      Integrity       `json:"integrity"`
	Deviation      float64         `json:"deviation"`
	Direction      model.Direction `json:"direction"`
	PredictedNext  []string        `json:"predicted_next"`
	Observations   int             `json:"observations"`
	LastDivergence *time.Time      `json:"last_divergence,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DivergenceAlert is raised when one event departs from the agent's pattern.
type DivergenceAlert struct {
	ID          string                        `json:"id"`
	AgentID     string                        `json:"agent_id"`
	Score       float64                       `json:"score"`
	Severity    model.Severity                `json:"severity"`
	Factors     DivergenceFactors             `json:"factors"`
	Observed    Pattern                       `json:"observed"`
	Timestamp   time.Time                     `json:"timestamp"`
	Explanation *inference.DivergenceAnalysis `json:"explanation,omitempty"`
}

// Report is the outcome of one analysis cycle.
type Report struct {
	ID                   string                        `json:"id"`
	At                   time.Time                     `json:"at"`
	SnapshotID           string                        `json:"snapshot_id,omitempty"`
	Omniscience          float64                       `json:"omniscience"`
	PredictionConfidence float64                       `json:"prediction_confidence"`
	MeanPredictability   float64                       `json:"mean_predictability"`
	MarketDeterminism    float64                       `json:"market_determinism"`
	InterventionRisk     float64                       `json:"intervention_risk"`
	Decision             Decision                      `json:"decision"`
	Forecast             predictor.DestinyForecast     `json:"forecast"`
	Agents               int                           `json:"agents"`
	UnstableAgents       int                           `json:"unstable_agents"`
	ActiveAlerts         int                           `json:"active_alerts"`
	Anomalies            int                           `json:"anomalies"`
	Intervention         *inference.InterventionAdvice `json:"intervention,omitempty"`
}

// SubmissionResult is returned for every accepted behavior event.
type SubmissionResult struct {
	Profile    profiler.ProfileSnapshot `json:"profile"`
	Loop       Loop                     `json:"loop"`
	Divergence *DivergenceAlert         `json:"divergence,omitempty"`
}

// Options tune the orchestrator.
type Options struct {
	Interval            time.Duration
	DivergenceThreshold float64
	OutcomeWindow       int
	PatternWindow       int
	ReportHistory       int
	DivergenceHistory   int
	ForecastTimeframe   string
	EventBuffer         int
	LockKey             int64
}

// Deps are the collaborating components.
type Deps struct {
	Profiler  ProfileService
	Detector  AlertService
	Predictor Forecaster
	Snapshots SnapshotSource
	Analyzer  *inference.Analyzer
	Observer  Observer
	Locker    Locker
}

type agentLoop struct {
	patterns *ring.Buffer[Pattern]
	outcomes *ring.Buffer[bool]
	loop     Loop
}

type state struct {
	loops       map[string]*agentLoop
	divergences *ring.Buffer[DivergenceAlert]
	reports     *ring.Buffer[Report]
	latest      *collector.Snapshot
}

// Orchestrator owns every behavioral loop and the report history.
type Orchestrator struct {
	opts   Options
	deps   Deps
	actor  *actor.Actor[state]
	sched  *scheduler.Scheduler
	events chan model.BehaviorEvent
	logger zerolog.Logger
	now    func() time.Time
}

// New builds an orchestrator. Call Run to start it.
func New(opts Options, deps Deps, logger zerolog.Logger) *Orchestrator {
	if opts.Interval <= 0 {
		opts.Interval = 180 * time.Second
	}
	if opts.DivergenceThreshold <= 0 {
		opts.DivergenceThreshold = 0.7
	}
	if opts.OutcomeWindow < 3 {
		opts.OutcomeWindow = 10
	}
	if opts.PatternWindow <= 0 {
		opts.PatternWindow = 50
	}
	if opts.ReportHistory <= 0 {
		opts.ReportHistory = 480
	}
	if opts.DivergenceHistory <= 0 {
		opts.DivergenceHistory = 500
	}
	if opts.ForecastTimeframe == "" {
		opts.ForecastTimeframe = "24h"
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1024
	}
	if deps.Analyzer == nil {
		deps.Analyzer = inference.NewAnalyzer(nil, 0, logger)
	}
	logger = logging.Component(logger, "orchestrator")
	st := &state{
		loops:       make(map[string]*agentLoop),
		divergences: ring.New[DivergenceAlert](opts.DivergenceHistory),
		reports:     ring.New[Report](opts.ReportHistory),
	}
	return &Orchestrator{
		opts:   opts,
		deps:   deps,
		actor:  actor.New("orchestrator", st, 256, logger),
		sched:  scheduler.New(scheduler.Options{Name: "orchestrator", Interval: opts.Interval}, logger),
		events: make(chan model.BehaviorEvent, opts.EventBuffer),
		logger: logger,
		now:    time.Now,
	}
}

// Run serves requests, drains delivered events and analyses on schedule.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.actor.Run(ctx) })
	g.Go(func() error { return o.sched.Run(ctx, o.Tick) })
	g.Go(func() error { return o.drain(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-o.events:
			if _, err := o.SubmitEvent(ctx, ev); err != nil {
				o.logger.Warn().Err(err).Str("agent", ev.AgentID).Msg("delivered event rejected")
			}
		}
	}
}

// Deliver is the collector inbox. It never blocks: the snapshot replaces the
// previous one and its events are queued for submission.
func (o *Orchestrator) Deliver(snap collector.Snapshot) {
	cp := snap
	o.actor.Tell(func(s *state) { s.latest = &cp })
	for _, ev := range snap.Events {
		select {
		case o.events <- ev:
		default:
			o.logger.Warn().Str("agent", ev.AgentID).Msg("event buffer full; event dropped")
		}
	}
}

// TriggerAnalysis schedules an immediate analysis cycle.
func (o *Orchestrator) TriggerAnalysis() { o.sched.Trigger() }

// SubmitEvent folds ev into the agent's profile and loop, and checks it for divergence.
func (o *Orchestrator) SubmitEvent(ctx context.Context, ev model.BehaviorEvent) (SubmissionResult, error) {
	if err := ev.Validate(); err != nil {
		return SubmissionResult{}, err
	}
	var snap profiler.ProfileSnapshot
	if o.deps.Profiler != nil {
		var err error
		if snap, err = o.deps.Profiler.Submit(ctx, ev); err != nil {
			return SubmissionResult{}, fmt.Errorf("profile update: %w", err)
		}
	}

	now := o.now().UTC()
	res, err := actor.Ask(ctx, o.actor, func(s *state) SubmissionResult {
		return o.observe(s, ev, now)
	})
	if err != nil {
		return SubmissionResult{}, err
	}
	res.Profile = snap

	if d := res.Divergence; d != nil {
		o.logger.Warn().
			Str("agent", d.AgentID).
			Float64("score", d.Score).
			Str("severity", string(d.Severity)).
			Msg("behavioral divergence detected")
		if o.deps.Observer != nil {
			o.deps.Observer.DivergenceRaised(ctx, *d)
		}
	}
	return res, nil
}

// observe runs inside the actor.
func (o *Orchestrator) observe(s *state, ev model.BehaviorEvent, now time.Time) SubmissionResult {
	al, ok := s.loops[ev.AgentID]
	if !ok {
		al = &agentLoop{
			patterns: ring.New[Pattern](o.opts.PatternWindow),
			outcomes: ring.New[bool](o.opts.OutcomeWindow),
			loop:     Loop{AgentID: ev.AgentID, LoopType: LoopForming, Integrity: IntegrityStable, Predictability: 0.5},
		}
		s.loops[ev.AgentID] = al
	}

	pattern := PatternOf(ev)
	var res SubmissionResult
	if score, factors, ok := Divergence(al.patterns.Newest(0), pattern); ok && score >= o.opts.DivergenceThreshold {
		d := DivergenceAlert{
			ID:        uuid.NewString(),
			AgentID:   ev.AgentID,
			Score:     score,
			Severity:  DivergenceSeverity(score),
			Factors:   factors,
			Observed:  pattern,
			Timestamp: now,
		}
		s.divergences.Push(d)
		at := now
		al.loop.LastDivergence = &at
		res.Divergence = &d
	}

	al.patterns.Push(pattern)
	if ev.Resolved() {
		al.outcomes.Push(ev.Succeeded())
		// Outcomes are fed oldest first so the score is a function of the window alone.
		if dev, ok := DeviationScore(al.outcomes.Chronological()); ok {
			al.loop.Deviation = dev
			al.loop.Integrity = NextIntegrity(al.loop.Integrity, dev)
		}
	}

	patterns := al.patterns.Newest(0)
	al.loop.Patterns = patterns
	al.loop.LoopType = ClassifyLoop(patterns)
	al.loop.Predictability = Predictability(patterns, al.loop.Deviation)
	al.loop.PredictedNext = PredictNext(patterns, 3)
	al.loop.Direction = DirectionOf(patterns, 10)
	al.loop.Observations++
	al.loop.UpdatedAt = now

	res.Loop = copyLoop(al.loop)
	return res
}

// Loop returns one agent's loop.
func (o *Orchestrator) Loop(ctx context.Context, agentID string) (Loop, error) {
	var (
		out   Loop
		found bool
	)
	err := o.actor.Do(ctx, func(s *state) {
		if al, ok := s.loops[agentID]; ok {
			out, found = copyLoop(al.loop), true
		}
	})
	if err != nil {
		return Loop{}, err
	}
	if !found {
		return Loop{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return out, nil
}

// Loops returns every loop ordered by agent id.
func (o *Orchestrator) Loops(ctx context.Context) ([]Loop, error) {
	return actor.Ask(ctx, o.actor, func(s *state) []Loop {
		out := make([]Loop, 0, len(s.loops))
		for _, al := range s.loops {
			out = append(out, copyLoop(al.loop))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
		return out
	})
}

// Divergences returns up to n divergence alerts, most recent first.
func (o *Orchestrator) Divergences(ctx context.Context, n int) ([]DivergenceAlert, error) {
	return actor.Ask(ctx, o.actor, func(s *state) []DivergenceAlert { return s.divergences.Newest(n) })
}

// Reports returns up to n analysis reports, most recent first.
func (o *Orchestrator) Reports(ctx context.Context, n int) ([]Report, error) {
	return actor.Ask(ctx, o.actor, func(s *state) []Report { return s.reports.Newest(n) })
}

// ExplainDivergence attaches an analyst explanation to a stored divergence.
func (o *Orchestrator) ExplainDivergence(ctx context.Context, id string) (DivergenceAlert, error) {
	var (
		found DivergenceAlert
		ok    bool
	)
	if err := o.actor.Do(ctx, func(s *state) {
		s.divergences.Each(func(d DivergenceAlert) bool {
			if d.ID == id {
				found, ok = d, true
				return false
			}
			return true
		})
	}); err != nil {
		return DivergenceAlert{}, err
	}
	if !ok {
		return DivergenceAlert{}, fmt.Errorf("%w: %s", ErrDivergenceNotFound, id)
	}
	if found.Explanation != nil {
		return found, nil
	}

	loop, _ := o.Loop(ctx, found.AgentID)
	analysis := o.deps.Analyzer.Divergence(ctx, found.AgentID, map[string]any{
		"divergence": found,
		"loop_type":  loop.LoopType,
		"integrity":  loop.Integrity,
	})
	found.Explanation = &analysis
	return found, nil
}

func copyLoop(l Loop) Loop {
	l.Patterns = append([]Pattern(nil), l.Patterns...)
	l.PredictedNext = append([]string(nil), l.PredictedNext...)
	if l.LastDivergence != nil {
		at := *l.LastDivergence
		l.LastDivergence = &at
	}
	return l
}
