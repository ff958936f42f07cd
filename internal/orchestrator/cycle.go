package orchestrator

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"rehoboam/internal/collector"
	"rehoboam/internal/model"
	"rehoboam/internal/predictor"
)

// calmChange is the mean absolute 24h change at which the market counts as fully agitated.
const calmChange = 0.1

type cycleInput struct {
	snapshot *collector.Snapshot
	loops    []Loop
}

// Tick runs one analysis cycle. Component failures degrade the report instead of aborting it.
func (o *Orchestrator) Tick(ctx context.Context, _ time.Time) error {
	if o.deps.Locker != nil {
		release, ok, err := o.deps.Locker.TryAdvisoryLock(ctx, o.opts.LockKey)
		if err != nil {
			o.logger.Warn().Err(err).Msg("advisory lock failed; analysing without it")
		} else if !ok {
			o.logger.Debug().Msg("another instance holds the analysis lock; skipping cycle")
			return nil
		} else {
			defer release()
		}
	}
	_, err := o.Analyze(ctx)
	return err
}

// Analyze runs the cycle unconditionally and returns the stored report.
func (o *Orchestrator) Analyze(ctx context.Context) (Report, error) {
	in, err := o.gather(ctx)
	if err != nil {
		return Report{}, err
	}
	snap := in.snapshot
	if snap == nil && o.deps.Snapshots != nil {
		if latest, ok, err := o.deps.Snapshots.Latest(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("latest snapshot unavailable")
		} else if ok {
			snap = &latest
		}
	}

	report := Report{ID: uuid.NewString(), At: o.now().UTC(), Agents: len(in.loops)}
	if snap != nil {
		report.SnapshotID = snap.ID
	}

	risk, alerts := o.alertState(ctx)
	report.ActiveAlerts = alerts
	report.Anomalies = o.anomalyCount(ctx)
	tolerance := o.tolerances(ctx)

	pctx := buildContext(snap, in.loops, tolerance, risk, alerts)
	if o.deps.Predictor != nil {
		if err := o.deps.Predictor.UpdateContext(ctx, pctx); err != nil {
			o.logger.Warn().Err(err).Msg("predictor context update failed")
		}
		fc, err := o.deps.Predictor.ForecastDestiny(ctx, o.opts.ForecastTimeframe, &pctx)
		if err != nil {
			o.logger.Warn().Err(err).Msg("destiny forecast failed")
		} else {
			report.Forecast = fc
			report.PredictionConfidence = fc.Prediction.Confidence
		}
	}

	report.MeanPredictability = meanPredictability(in.loops)
	report.MarketDeterminism = MarketDeterminism(report.Forecast.Prediction.Models, pctx.Tickers)
	report.Omniscience = Omniscience(report.PredictionConfidence, report.MeanPredictability, report.MarketDeterminism)

	unstable := 0
	for _, l := range in.loops {
		if l.Integrity.Level() >= IntegrityUnstable.Level() {
			unstable++
		}
	}
	report.UnstableAgents = unstable
	report.InterventionRisk = risk
	if len(in.loops) > 0 {
		report.InterventionRisk = math.Max(risk, float64(unstable)/float64(len(in.loops)))
	}
	report.Decision = Decide(report.Omniscience, report.InterventionRisk)

	if report.Decision != DecisionMaintainSurveillance {
		advice := o.deps.Analyzer.Intervention(ctx, string(report.Decision), map[string]any{
			"omniscience":       report.Omniscience,
			"intervention_risk": report.InterventionRisk,
			"unstable_agents":   report.UnstableAgents,
			"active_alerts":     report.ActiveAlerts,
			"forecast":          report.Forecast.Prediction.Direction,
		})
		report.Intervention = &advice
	}

	if err := o.actor.Do(ctx, func(s *state) { s.reports.Push(report) }); err != nil {
		return Report{}, err
	}

	ev := o.logger.Info()
	if report.Decision != DecisionMaintainSurveillance {
		ev = o.logger.Warn()
	}
	ev.Str("decision", string(report.Decision)).
		Float64("omniscience", report.Omniscience).
		Float64("risk", report.InterventionRisk).
		Int("agents", report.Agents).
		Msg("analysis cycle complete")

	if o.deps.Observer != nil {
		o.deps.Observer.ReportPublished(ctx, report)
	}
	return report, nil
}

func (o *Orchestrator) gather(ctx context.Context) (cycleInput, error) {
	var in cycleInput
	err := o.actor.Do(ctx, func(s *state) {
		if s.latest != nil {
			cp := *s.latest
			in.snapshot = &cp
		}
		for _, al := range s.loops {
			in.loops = append(in.loops, copyLoop(al.loop))
		}
	})
	sort.Slice(in.loops, func(i, j int) bool { return in.loops[i].AgentID < in.loops[j].AgentID })
	return in, err
}

func (o *Orchestrator) alertState(ctx context.Context) (float64, int) {
	if o.deps.Detector == nil {
		return 0, 0
	}
	risk, err := o.deps.Detector.RiskLevel(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("detector risk unavailable")
		risk = 0
	}
	active, err := o.deps.Detector.ActiveAlerts(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("active alerts unavailable")
	}
	return risk, len(active)
}

func (o *Orchestrator) anomalyCount(ctx context.Context) int {
	if o.deps.Profiler == nil {
		return 0
	}
	anomalies, _, err := o.deps.Profiler.LastAnomalies(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("profiler anomalies unavailable")
	}
	return len(anomalies)
}

func (o *Orchestrator) tolerances(ctx context.Context) map[string]float64 {
	out := map[string]float64{}
	if o.deps.Profiler == nil {
		return out
	}
	summaries, err := o.deps.Profiler.Summaries(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("profile summaries unavailable")
		return out
	}
	for _, s := range summaries {
		out[s.AgentID] = s.Risk.Tolerance
	}
	return out
}

func buildContext(snap *collector.Snapshot, loops []Loop, tolerance map[string]float64, risk float64, alerts int) predictor.Context {
	c := predictor.Context{RiskLevel: risk, ActiveAlerts: alerts}
	if snap != nil {
		c.Tickers = append(c.Tickers, snap.Tickers...)
		if s := snap.Sentiment; s != nil && !s.Fallback {
			score := s.Score
			c.Sentiment = &score
		}
	}
	for _, l := range loops {
		rt, ok := tolerance[l.AgentID]
		if !ok {
			rt = 0.5
		}
		c.Agents = append(c.Agents, predictor.AgentSignal{
			AgentID:        l.AgentID,
			LoopType:       l.LoopType,
			Integrity:      string(l.Integrity),
			Predictability: l.Predictability,
			RiskTolerance:  rt,
			Direction:      l.Direction,
			NextActions:    l.PredictedNext,
		})
	}
	return c
}

func meanPredictability(loops []Loop) float64 {
	if len(loops) == 0 {
		return 0.5
	}
	var sum float64
	for _, l := range loops {
		sum += l.Predictability
	}
	return sum / float64(len(loops))
}

// MarketDeterminism averages how much the models agree with how calm the market is.
func MarketDeterminism(outputs []predictor.ModelOutput, tickers []model.Ticker) float64 {
	agreement := 0.5
	if len(outputs) > 0 {
		counts := map[model.Direction]int{}
		best := 0
		for _, o := range outputs {
			counts[o.Direction]++
			if counts[o.Direction] > best {
				best = counts[o.Direction]
			}
		}
		agreement = float64(best) / float64(len(outputs))
	}

	calm := 0.5
	if len(tickers) > 0 {
		var sum float64
		for _, t := range tickers {
			sum += math.Abs(t.Change24h)
		}
		calm = model.Clamp01(1 - sum/float64(len(tickers))/calmChange)
	}
	return 0.5*agreement + 0.5*calm
}
