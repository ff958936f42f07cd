package actor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var (
	// ErrStopped is returned once the actor loop has exited.
	ErrStopped = errors.New("actor: stopped")
	// ErrPanic wraps a panic raised while handling a message.
	ErrPanic = errors.New("actor: message panicked")
)

// Actor serialises every access to a private state value through one goroutine.
type Actor[S any] struct {
	name   string
	state  *S
	inbox  chan func(*S)
	done   chan struct{}
	logger zerolog.Logger
}

// New wraps state. The actor does nothing until Run is called.
func New[S any](name string, state *S, inboxSize int, logger zerolog.Logger) *Actor[S] {
	if inboxSize <= 0 {
		inboxSize = 64
	}
	return &Actor[S]{
		name:   name,
		state:  state,
		inbox:  make(chan func(*S), inboxSize),
		done:   make(chan struct{}),
		logger: logger.With().Str("actor", name).Logger(),
	}
}

// Run processes messages until ctx is cancelled. It must be called exactly once.
func (a *Actor[S]) Run(ctx context.Context) error {
	defer close(a.done)
	a.logger.Debug().Msg("actor started")
	for {
		select {
		case <-ctx.Done():
			a.logger.Debug().Msg("actor stopped")
			return ctx.Err()
		case fn := <-a.inbox:
			a.handle(fn)
		}
	}
}

// Done is closed when Run returns.
func (a *Actor[S]) Done() <-chan struct{} { return a.done }

func (a *Actor[S]) handle(fn func(*S)) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Msg("message handler panicked; state retained")
		}
	}()
	fn(a.state)
}

// Do runs fn inside the actor and waits for it to finish.
func (a *Actor[S]) Do(ctx context.Context, fn func(*S)) error {
	finished := make(chan struct{})
	var panicErr error
	msg := func(s *S) {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				panicErr = fmt.Errorf("%w: %v", ErrPanic, r)
				a.logger.Error().Interface("panic", r).Msg("request handler panicked; state retained")
			}
		}()
		fn(s)
	}

	select {
	case a.inbox <- msg:
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return panicErr
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		select {
		case <-finished:
			return panicErr
		default:
			return ErrStopped
		}
	}
}

// Tell enqueues fn without waiting. It reports false when the inbox is full or the actor stopped.
func (a *Actor[S]) Tell(fn func(*S)) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.inbox <- fn:
		return true
	default:
		a.logger.Warn().Msg("inbox full; message dropped")
		return false
	}
}

// Ask runs fn inside the actor and returns its result.
func Ask[S, R any](ctx context.Context, a *Actor[S], fn func(*S) R) (R, error) {
	var out R
	err := a.Do(ctx, func(s *S) {
		out = fn(s)
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return out, nil
}
