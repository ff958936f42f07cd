package inference

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by completers that are not configured.
var ErrUnavailable = errors.New("inference: unavailable")

// Completion is a raw textual answer from the model.
type Completion struct {
	Content string
	Model   string
}

// Completer is the external AI dependency. Implementations must honour ctx.
type Completer interface {
	Complete(ctx context.Context, prompt string, vars map[string]any) (Completion, error)
}

// Disabled always reports ErrUnavailable so every caller takes its fallback path.
type Disabled struct{}

// Complete implements Completer.
func (Disabled) Complete(context.Context, string, map[string]any) (Completion, error) {
	return Completion{}, ErrUnavailable
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string, vars map[string]any) (Completion, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, prompt string, vars map[string]any) (Completion, error) {
	return f(ctx, prompt, vars)
}

var (
	_ Completer = Disabled{}
	_ Completer = CompleterFunc(nil)
)
