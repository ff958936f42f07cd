// Package profiler maintains one behavioral profile per tracked agent.
package profiler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rehoboam/internal/actor"
	"rehoboam/internal/logging"
	"rehoboam/internal/model"
	"rehoboam/internal/ring"
	"rehoboam/internal/scheduler"
)

// ErrProfileNotFound is returned for agents that never submitted an event.
var ErrProfileNotFound = errors.New("profiler: profile not found")

// Options tune the profiler.
type Options struct {
	Interval    time.Duration
	HistorySize int
	Rules       AnomalyRules
}

// Profile is a snapshot plus the bounded event window, most recent first.
type Profile struct {
	ProfileSnapshot
	History []model.BehaviorEvent `json:"history"`
}

type agentState struct {
	history *ring.Buffer[model.BehaviorEvent]
	derived ProfileSnapshot
}

type state struct {
	agents    map[string]*agentState
	anomalies []Anomaly
	scannedAt time.Time
}

// Profiler owns every agent profile.
type Profiler struct {
	opts   Options
	actor  *actor.Actor[state]
	sched  *scheduler.Scheduler
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a profiler. Call Run to start it.
func New(opts Options, logger zerolog.Logger) *Profiler {
	if opts.Interval <= 0 {
		opts.Interval = 300 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 1000
	}
	opts.Rules.Thresholds = opts.Rules.Thresholds.withDefaults()
	logger = logging.Component(logger, "profiler")
	return &Profiler{
		opts:   opts,
		actor:  actor.New("profiler", &state{agents: make(map[string]*agentState)}, 256, logger),
		sched:  scheduler.New(scheduler.Options{Name: "profiler", Interval: opts.Interval}, logger),
		logger: logger,
		now:    time.Now,
	}
}

// Run serves requests and runs the anomaly scan on schedule until ctx is cancelled.
func (p *Profiler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.actor.Run(ctx) })
	g.Go(func() error { return p.sched.Run(ctx, p.tick) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Submit validates ev and folds it into the agent's profile. An invalid event
// leaves the profile untouched.
func (p *Profiler) Submit(ctx context.Context, ev model.BehaviorEvent) (ProfileSnapshot, error) {
	if err := ev.Validate(); err != nil {
		return ProfileSnapshot{}, err
	}
	th := p.opts.Rules.Thresholds
	size := p.opts.HistorySize
	return actor.Ask(ctx, p.actor, func(s *state) ProfileSnapshot {
		ag, ok := s.agents[ev.AgentID]
		if !ok {
			ag = &agentState{history: ring.New[model.BehaviorEvent](size)}
			s.agents[ev.AgentID] = ag
			p.logger.Info().Str("agent", ev.AgentID).Msg("tracking new agent")
		}
		ag.history.Push(ev)
		ag.derived = Compute(ev.AgentID, ag.history.Newest(0), th)
		return ag.derived
	})
}

// Profile returns the agent's profile and window.
func (p *Profiler) Profile(ctx context.Context, agentID string) (Profile, error) {
	var (
		out   Profile
		found bool
	)
	err := p.actor.Do(ctx, func(s *state) {
		ag, ok := s.agents[agentID]
		if !ok {
			return
		}
		found = true
		out = Profile{ProfileSnapshot: ag.derived, History: ag.history.Newest(0)}
	})
	if err != nil {
		return Profile{}, err
	}
	if !found {
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, agentID)
	}
	return out, nil
}

// Summaries returns every agent's derived snapshot ordered by agent id.
func (p *Profiler) Summaries(ctx context.Context) ([]ProfileSnapshot, error) {
	return actor.Ask(ctx, p.actor, func(s *state) []ProfileSnapshot {
		out := make([]ProfileSnapshot, 0, len(s.agents))
		for _, ag := range s.agents {
			out = append(out, ag.derived)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
		return out
	})
}

// DetectAnomalies scans all agents now. The windows are copied out of the actor
// so the scan never holds up profile queries.
func (p *Profiler) DetectAnomalies(ctx context.Context) ([]Anomaly, error) {
	histories, err := actor.Ask(ctx, p.actor, func(s *state) map[string][]model.BehaviorEvent {
		out := make(map[string][]model.BehaviorEvent, len(s.agents))
		for id, ag := range s.agents {
			out[id] = ag.history.Newest(0)
		}
		return out
	})
	if err != nil {
		return nil, err
	}
	return DetectAnomalies(histories, p.opts.Rules, p.now().UTC()), nil
}

// LastAnomalies returns the result of the most recent scheduled scan.
func (p *Profiler) LastAnomalies(ctx context.Context) ([]Anomaly, time.Time, error) {
	type result struct {
		anomalies []Anomaly
		at        time.Time
	}
	r, err := actor.Ask(ctx, p.actor, func(s *state) result {
		return result{anomalies: append([]Anomaly(nil), s.anomalies...), at: s.scannedAt}
	})
	return r.anomalies, r.at, err
}

func (p *Profiler) tick(ctx context.Context, at time.Time) error {
	anomalies, err := p.DetectAnomalies(ctx)
	if err != nil {
		return fmt.Errorf("anomaly scan: %w", err)
	}
	if err := p.actor.Do(ctx, func(s *state) {
		s.anomalies = anomalies
		s.scannedAt = at
	}); err != nil {
		return err
	}
	for _, a := range anomalies {
		p.logger.Warn().
			Str("agent", a.AgentID).
			Str("kind", a.Kind).
			Str("severity", string(a.Severity)).
			Float64("score", a.Score).
			Msg(a.Detail)
	}
	p.logger.Info().Int("anomalies", len(anomalies)).Msg("anomaly scan completed")
	return nil
}
