package service

import (
	"context"
	"sync"
	"time"

	"rehoboam/internal/alerting"
	"rehoboam/internal/detector"
	"rehoboam/internal/orchestrator"
	"rehoboam/internal/storage"
)

// alertResponder executes detector response plans. The alert action notifies;
// trading actions are only logged because order execution is external. The alert
// is persisted once its plan has run, with the actions that succeeded.
type alertResponder struct {
	engine *Engine
	log    detector.LogResponder
}

func (r *alertResponder) Respond(ctx context.Context, alert detector.Alert, action detector.Action) error {
	if action != detector.ActionAlert {
		return r.log.Respond(ctx, alert, action)
	}
	e := r.engine
	return e.notifier.Notify(ctx, alerting.FromAlert(alert, e.channels))
}

func (r *alertResponder) Responded(ctx context.Context, alert detector.Alert) {
	r.engine.persistAlert(ctx, alert)
}

// pruneEvery spaces alert retention sweeps.
const pruneEvery = time.Hour

// observer receives orchestrator reports and divergences.
type observer struct {
	engine *Engine

	mu        sync.Mutex
	lastPrune time.Time
}

func (o *observer) ReportPublished(ctx context.Context, r orchestrator.Report) {
	e := o.engine
	if e.store != nil {
		if rec, err := storage.ReportFromOrchestrator(r); err != nil {
			e.logger.Error().Err(err).Str("report", r.ID).Msg("failed to convert report")
		} else if err := e.store.InsertReport(ctx, rec); err != nil {
			e.logger.Error().Err(err).Str("report", r.ID).Msg("failed to persist report")
		}
	}
	if r.Decision != orchestrator.DecisionMaintainSurveillance {
		e.notify(ctx, alerting.FromReport(r, e.channels))
	}
	o.prune(ctx, r.At)
}

// prune drops alerts past retention, at most once per pruneEvery.
func (o *observer) prune(ctx context.Context, at time.Time) {
	e := o.engine
	retention := e.cfg.Database.AlertRetention
	if e.store == nil || retention <= 0 {
		return
	}
	o.mu.Lock()
	if !o.lastPrune.IsZero() && at.Sub(o.lastPrune) < pruneEvery {
		o.mu.Unlock()
		return
	}
	o.lastPrune = at
	o.mu.Unlock()

	cutoff := at.Add(-retention)
	if err := e.store.DeleteAlertsBefore(ctx, cutoff); err != nil {
		e.logger.Error().Err(err).Time("cutoff", cutoff).Msg("failed to prune alerts")
		return
	}
	e.logger.Debug().Time("cutoff", cutoff).Msg("pruned expired alerts")
}

func (o *observer) DivergenceRaised(ctx context.Context, d orchestrator.DivergenceAlert) {
	e := o.engine
	if e.store != nil {
		if rec, err := storage.DivergenceFromOrchestrator(d); err != nil {
			e.logger.Error().Err(err).Str("divergence", d.ID).Msg("failed to convert divergence")
		} else if err := e.store.InsertDivergence(ctx, rec); err != nil {
			e.logger.Error().Err(err).Str("divergence", d.ID).Msg("failed to persist divergence")
		}
	}
	e.notify(ctx, alerting.FromDivergence(d, e.channels))
}

var (
	_ detector.Responder        = (*alertResponder)(nil)
	_ detector.ResponseObserver = (*alertResponder)(nil)
	_ orchestrator.Observer     = (*observer)(nil)
)
