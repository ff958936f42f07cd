// Package detector runs the manipulation-detection bank over market snapshots
// and escalates positive detections through the response protocol.
package detector

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
	"rehoboam/internal/logging"
	"rehoboam/internal/model"
	"rehoboam/internal/ring"
	"rehoboam/internal/scheduler"
)

// ErrAlertNotFound is returned when feedback names an unknown or resolved alert.
var ErrAlertNotFound = errors.New("detector: alert not found")

// Status of an alert.
type Status string

const (
	StatusActive        Status = "active"
	StatusConfirmed     Status = "confirmed"
	StatusFalsePositive Status = "false_positive"
)

// Alert is a positive detection that survived duplicate suppression.
type Alert struct {
	ID           string         `json:"id"`
	Algorithm    Algorithm      `json:"algorithm"`
	Symbol       string         `json:"symbol"`
	Timestamp    time.Time      `json:"timestamp"`
	Confidence   float64        `json:"confidence"`
	Severity     model.Severity `json:"severity"`
	Reason       string         `json:"reason"`
	Details      map[string]any `json:"details,omitempty"`
	Status       Status         `json:"status"`
	ActionsTaken []Action       `json:"actions_taken,omitempty"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}

// AnalysisResult is the outcome of analysing one snapshot.
type AnalysisResult struct {
	Symbol     string      `json:"symbol"`
	AnalyzedAt time.Time   `json:"analyzed_at"`
	Detections []Detection `json:"detections"`
	Alerts     []Alert     `json:"alerts"`
	Suppressed []Algorithm `json:"suppressed,omitempty"`
	RiskLevel  float64     `json:"risk_level"`
}

// FeedbackStats counts alert outcomes per algorithm.
type FeedbackStats struct {
	Raised        int `json:"raised"`
	Suppressed    int `json:"suppressed"`
	Confirmed     int `json:"confirmed"`
	FalsePositive int `json:"false_positive"`
}

// Precision is confirmed over reviewed alerts, or zero before any feedback.
func (f FeedbackStats) Precision() float64 {
	reviewed := f.Confirmed + f.FalsePositive
	if reviewed == 0 {
		return 0
	}
	return float64(f.Confirmed) / float64(reviewed)
}

// Options tune the detector.
type Options struct {
	Interval        time.Duration
	DedupWindow     time.Duration
	Rules           Rules
	ResolvedHistory int
	// Backlog bounds the snapshots queued per symbol between cycles.
	Backlog         int
	Responder       Responder
}

type state struct {
	active     map[string]*Alert
	lastRaised map[Algorithm]time.Time
	resolved   *ring.Buffer[Alert]
	stats      map[Algorithm]*FeedbackStats
	markets    map[string]*ring.Buffer[model.MarketSnapshot]
}

// Detector owns the active alert set.
type Detector struct {
	opts      Options
	actor     *actor.Actor[state]
	sched     *scheduler.Scheduler
	responder Responder
	logger    zerolog.Logger
	now       func() time.Time
}

// New builds a detector. Call Run to start it.
func New(opts Options, logger zerolog.Logger) *Detector {
	if opts.Interval <= 0 {
		opts.Interval = 120 * time.Second
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 5 * time.Minute
	}
	if opts.Rules.VolumeThreshold <= 0 {
		opts.Rules = DefaultRules()
	}
	if opts.ResolvedHistory <= 0 {
		opts.ResolvedHistory = 500
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 8
	}
	logger = logging.Component(logger, "detector")
	responder := opts.Responder
	if responder == nil {
		responder = LogResponder{Logger: logger}
	}
	st := &state{
		active:     make(map[string]*Alert),
		lastRaised: make(map[Algorithm]time.Time),
		resolved:   ring.New[Alert](opts.ResolvedHistory),
		stats:      make(map[Algorithm]*FeedbackStats),
		markets:    make(map[string]*ring.Buffer[model.MarketSnapshot]),
	}
	return &Detector{
		opts:      opts,
		actor:     actor.New("detector", st, 64, logger),
		sched:     scheduler.New(scheduler.Options{Name: "detector", Interval: opts.Interval}, logger),
		responder: responder,
		logger:    logger,
		now:       time.Now,
	}
}

// Run serves requests and analyses delivered market data on schedule.
func (d *Detector) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.actor.Run(ctx) })
	g.Go(func() error { return d.sched.Run(ctx, d.tick) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Ingest queues snapshots for the next scheduled analysis, keeping at most
// Backlog per symbol. It never blocks; it reports false when the message was dropped.
func (d *Detector) Ingest(markets []model.MarketSnapshot) bool {
	if len(markets) == 0 {
		return true
	}
	cp := append([]model.MarketSnapshot(nil), markets...)
	return d.actor.Tell(func(s *state) {
		for _, m := range cp {
			q, ok := s.markets[m.Symbol]
			if !ok {
				q = ring.New[model.MarketSnapshot](d.opts.Backlog)
				s.markets[m.Symbol] = q
			}
			q.Push(m)
		}
	})
}

// Analyze runs every algorithm against snap, raises non-duplicate alerts and
// executes their response plans in priority order.
func (d *Detector) Analyze(ctx context.Context, snap model.MarketSnapshot) (AnalysisResult, error) {
	detections := RunAll(snap, d.opts.Rules)
	now := d.now().UTC()

	result, err := actor.Ask(ctx, d.actor, func(s *state) AnalysisResult {
		res := AnalysisResult{Symbol: snap.Symbol, AnalyzedAt: now, Detections: detections}
		for _, det := range detections {
			if !det.Detected {
				continue
			}
			st := s.statsFor(det.Algorithm)
			if last, ok := s.lastRaised[det.Algorithm]; ok && now.Sub(last) < d.opts.DedupWindow {
				st.Suppressed++
				res.Suppressed = append(res.Suppressed, det.Algorithm)
				continue
			}
			alert := &Alert{
				ID:         uuid.NewString(),
				Algorithm:  det.Algorithm,
				Symbol:     snap.Symbol,
				Timestamp:  now,
				Confidence: det.Confidence,
				Severity:   model.SeverityFromConfidence(det.Confidence),
				Reason:     det.Reason,
				Details:    det.Details,
				Status:     StatusActive,
			}
			s.active[alert.ID] = alert
			s.lastRaised[det.Algorithm] = now
			st.Raised++
			res.Alerts = append(res.Alerts, *alert)
		}
		res.RiskLevel = s.riskLevel()
		return res
	})
	if err != nil {
		return AnalysisResult{}, err
	}

	for _, alg := range result.Suppressed {
		d.logger.Debug().Str("algorithm", string(alg)).Str("symbol", snap.Symbol).Msg("duplicate alert suppressed")
	}
	for i := range result.Alerts {
		result.Alerts[i].ActionsTaken = d.respond(ctx, result.Alerts[i])
	}
	return result, nil
}

func (d *Detector) respond(ctx context.Context, alert Alert) []Action {
	d.logger.Warn().
		Str("alert", alert.ID).
		Str("algorithm", string(alert.Algorithm)).
		Str("symbol", alert.Symbol).
		Str("severity", string(alert.Severity)).
		Float64("confidence", alert.Confidence).
		Msg(alert.Reason)

	var taken []Action
	for _, action := range ResponsePlan(alert.Severity) {
		if err := d.responder.Respond(ctx, alert, action); err != nil {
			d.logger.Error().Err(err).Str("alert", alert.ID).Str("action", string(action)).Msg("response action failed")
			continue
		}
		taken = append(taken, action)
	}
	recorded := append([]Action(nil), taken...)
	err := d.actor.Do(ctx, func(s *state) {
		if a, ok := s.active[alert.ID]; ok {
			a.ActionsTaken = recorded
		}
	})
	if err != nil {
		d.logger.Error().Err(err).Str("alert", alert.ID).Msg("failed to record response actions")
	}
	if obs, ok := d.responder.(ResponseObserver); ok {
		alert.ActionsTaken = append([]Action(nil), taken...)
		obs.Responded(ctx, alert)
	}
	return taken
}

// Feedback resolves an active alert as confirmed or false positive.
func (d *Detector) Feedback(ctx context.Context, alertID string, confirmed bool) (Alert, error) {
	now := d.now().UTC()
	var (
		out   Alert
		found bool
	)
	err := d.actor.Do(ctx, func(s *state) {
		a, ok := s.active[alertID]
		if !ok {
			return
		}
		found = true
		delete(s.active, alertID)
		st := s.statsFor(a.Algorithm)
		if confirmed {
			a.Status = StatusConfirmed
			st.Confirmed++
		} else {
			a.Status = StatusFalsePositive
			st.FalsePositive++
		}
		a.ResolvedAt = &now
		s.resolved.Push(*a)
		out = *a
	})
	if err != nil {
		return Alert{}, err
	}
	if !found {
		return Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	return out, nil
}

// ActiveAlerts returns unresolved alerts, newest first.
func (d *Detector) ActiveAlerts(ctx context.Context) ([]Alert, error) {
	return actor.Ask(ctx, d.actor, func(s *state) []Alert {
		out := make([]Alert, 0, len(s.active))
		for _, a := range s.active {
			out = append(out, *a)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Timestamp.Equal(out[j].Timestamp) {
				return out[i].Algorithm < out[j].Algorithm
			}
			return out[i].Timestamp.After(out[j].Timestamp)
		})
		return out
	})
}

// ResolvedAlerts returns up to n resolved alerts, most recent first.
func (d *Detector) ResolvedAlerts(ctx context.Context, n int) ([]Alert, error) {
	return actor.Ask(ctx, d.actor, func(s *state) []Alert { return s.resolved.Newest(n) })
}

// RiskLevel is the highest confidence among active alerts.
func (d *Detector) RiskLevel(ctx context.Context) (float64, error) {
	return actor.Ask(ctx, d.actor, func(s *state) float64 { return s.riskLevel() })
}

// Stats returns feedback counters per algorithm.
func (d *Detector) Stats(ctx context.Context) (map[Algorithm]FeedbackStats, error) {
	return actor.Ask(ctx, d.actor, func(s *state) map[Algorithm]FeedbackStats {
		out := make(map[Algorithm]FeedbackStats, len(s.stats))
		for alg, st := range s.stats {
			out[alg] = *st
		}
		return out
	})
}

func (d *Detector) tick(ctx context.Context, _ time.Time) error {
	markets, err := actor.Ask(ctx, d.actor, func(s *state) []model.MarketSnapshot {
		symbols := make([]string, 0, len(s.markets))
		for sym := range s.markets {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
		var out []model.MarketSnapshot
		for _, sym := range symbols {
			out = append(out, s.markets[sym].Chronological()...)
		}
		s.markets = make(map[string]*ring.Buffer[model.MarketSnapshot])
		return out
	})
	if err != nil {
		return err
	}
	if len(markets) == 0 {
		d.logger.Debug().Msg("no market data since last cycle")
		return nil
	}

	var errs []error
	raised := 0
	for _, m := range markets {
		res, err := d.Analyze(ctx, m)
		if err != nil {
			errs = append(errs, fmt.Errorf("analyze %s: %w", m.Symbol, err))
			continue
		}
		raised += len(res.Alerts)
	}
	d.logger.Info().Int("snapshots", len(markets)).Int("alerts", raised).Msg("detection cycle completed")
	return errors.Join(errs...)
}

func (s *state) statsFor(alg Algorithm) *FeedbackStats {
	st, ok := s.stats[alg]
	if !ok {
		st = &FeedbackStats{}
		s.stats[alg] = st
	}
	return st
}

func (s *state) riskLevel() float64 {
	var risk float64
	for _, a := range s.active {
		if a.Confidence > risk {
			risk = a.Confidence
		}
	}
	return risk
}
