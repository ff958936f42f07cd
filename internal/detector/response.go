package detector

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"rehoboam/internal/model"
)

// Action is an escalation step.
type Action string

const (
	ActionHaltTrading    Action = "halt_trading"
	ActionHedge          Action = "hedge"
	ActionReduceExposure Action = "reduce_exposure"
	ActionAlert          Action = "alert"
	ActionMonitor        Action = "monitor"
)

// Priority orders actions; higher runs first.
func (a Action) Priority() int {
	switch a {
	case ActionHaltTrading:
		return 100
	case ActionHedge:
		return 90
	case ActionReduceExposure:
		return 80
	case ActionAlert:
		return 50
	case ActionMonitor:
		return 10
	default:
		return 0
	}
}

var protocol = map[model.Severity][]Action{
	model.SeverityCritical: {ActionHaltTrading, ActionHedge, ActionAlert},
	model.SeverityHigh:     {ActionReduceExposure, ActionAlert},
	model.SeverityMedium:   {ActionAlert, ActionMonitor},
	model.SeverityLow:      {ActionAlert},
}

// ResponsePlan returns the actions for a severity tier, highest priority first.
func ResponsePlan(sev model.Severity) []Action {
	actions := append([]Action(nil), protocol[sev]...)
	if len(actions) == 0 {
		actions = []Action{ActionAlert}
	}
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Priority() > actions[j].Priority() })
	return actions
}

// Responder carries out one escalation action for an alert.
type Responder interface {
	Respond(ctx context.Context, alert Alert, action Action) error
}

// ResponseObserver is implemented by responders that want the alert once its
// whole plan has run. ActionsTaken holds only the actions that succeeded.
type ResponseObserver interface {
	Responded(ctx context.Context, alert Alert)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, alert Alert, action Action) error

// Respond implements Responder.
func (f ResponderFunc) Respond(ctx context.Context, alert Alert, action Action) error {
	return f(ctx, alert, action)
}

// LogResponder records actions without side effects; order execution is out of scope.
type LogResponder struct {
	Logger zerolog.Logger
}

// Respond implements Responder.
func (l LogResponder) Respond(_ context.Context, alert Alert, action Action) error {
	l.Logger.Warn().
		Str("alert", alert.ID).
		Str("algorithm", string(alert.Algorithm)).
		Str("severity", string(alert.Severity)).
		Str("action", string(action)).
		Msg("response action")
	return nil
}

var (
	_ Responder = LogResponder{}
	_ Responder = ResponderFunc(nil)
)
