package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidEvent marks a behavior event rejected at the submission boundary.
var ErrInvalidEvent = errors.New("invalid behavior event")

// Outcome values reported by the agent-execution subsystem.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePending = "pending"
)

// BehaviorEvent is one observed decision made by a trading agent.
type BehaviorEvent struct {
	AgentID      string        `json:"agent_id" yaml:"agent_id"`
	DecisionType string        `json:"decision_type" yaml:"decision_type"`
	RiskLevel    float64       `json:"risk_level" yaml:"risk_level"`
	Timing       time.Duration `json:"timing" yaml:"timing"`
	Outcome      string        `json:"outcome" yaml:"outcome"`
	Return       float64       `json:"return" yaml:"return"`
	HoldTime     time.Duration `json:"hold_time" yaml:"hold_time"`
	Symbol       string        `json:"symbol,omitempty" yaml:"symbol,omitempty"`
	DataPoints   int           `json:"data_points" yaml:"data_points"`
	Timestamp    time.Time     `json:"timestamp" yaml:"timestamp"`
}

// Validate checks the event before it is allowed to touch a profile.
func (e BehaviorEvent) Validate() error {
	if strings.TrimSpace(e.AgentID) == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.DecisionType) == "" {
		return fmt.Errorf("%w: decision type is required", ErrInvalidEvent)
	}
	if e.RiskLevel < 0 || e.RiskLevel > 1 {
		return fmt.Errorf("%w: risk level %.3f outside [0,1]", ErrInvalidEvent, e.RiskLevel)
	}
	if e.Timing < 0 {
		return fmt.Errorf("%w: negative timing", ErrInvalidEvent)
	}
	if e.HoldTime < 0 {
		return fmt.Errorf("%w: negative hold time", ErrInvalidEvent)
	}
	if e.DataPoints < 0 {
		return fmt.Errorf("%w: negative data points", ErrInvalidEvent)
	}
	switch e.Outcome {
	case "", OutcomeSuccess, OutcomeFailure, OutcomePending:
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidEvent, e.Outcome)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	return nil
}

// Resolved reports whether the event carries a success/failure outcome.
func (e BehaviorEvent) Resolved() bool {
	return e.Outcome == OutcomeSuccess || e.Outcome == OutcomeFailure
}

// Succeeded reports a successful outcome.
func (e BehaviorEvent) Succeeded() bool {
	return e.Outcome == OutcomeSuccess
}
