package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rehoboam/internal/logging"
	"rehoboam/internal/model"
)

// Throttle drops notifications below a minimum severity and repeats of the same
// kind and subject inside the cooldown. A more severe repeat always passes.
type Throttle struct {
	next        Notifier
	minSeverity model.Severity
	cooldown    time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	mu   sync.Mutex
	sent map[string]sentMark
}

type sentMark struct {
	at       time.Time
	severity model.Severity
}

// NewThrottle wraps next.
func NewThrottle(next Notifier, minSeverity model.Severity, cooldown time.Duration, logger zerolog.Logger) *Throttle {
	return &Throttle{
		next:        next,
		minSeverity: minSeverity,
		cooldown:    cooldown,
		logger:      logging.Component(logger, "alert_throttle"),
		now:         time.Now,
		sent:        make(map[string]sentMark),
	}
}

// Notify forwards note unless it is filtered. Filtered notifications are not errors.
func (t *Throttle) Notify(ctx context.Context, note Notification) error {
	if note.Severity.Rank() < t.minSeverity.Rank() {
		return nil
	}
	now := t.now()
	key := note.Key()

	t.mu.Lock()
	last, seen := t.sent[key]
	if seen && now.Sub(last.at) < t.cooldown && note.Severity.Rank() <= last.severity.Rank() {
		t.mu.Unlock()
		t.logger.Debug().Str("key", key).Msg("notification within cooldown; suppressed")
		return nil
	}
	t.sent[key] = sentMark{at: now, severity: note.Severity}
	t.mu.Unlock()

	if err := t.next.Notify(ctx, note); err != nil {
		// Let the next attempt through instead of silencing a failed delivery.
		t.mu.Lock()
		if seen {
			t.sent[key] = last
		} else {
			delete(t.sent, key)
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

var _ Notifier = (*Throttle)(nil)
