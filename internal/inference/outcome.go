package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Outcome is either a parsed value or the reason there is none.
type Outcome[T any] struct {
	value  T
	reason string
	ok     bool
}

// Ok wraps a parsed value.
func Ok[T any](v T) Outcome[T] { return Outcome[T]{value: v, ok: true} }

// Failed records why no value is available.
func Failed[T any](reason string) Outcome[T] { return Outcome[T]{reason: reason} }

// Get returns the value and whether it exists.
func (o Outcome[T]) Get() (T, bool) { return o.value, o.ok }

// Reason is empty for successful outcomes.
func (o Outcome[T]) Reason() string { return o.reason }

// OrElse returns the value or fallback.
func (o Outcome[T]) OrElse(fallback T) T {
	if o.ok {
		return o.value
	}
	return fallback
}

// Query asks the completer and decodes a JSON object from the reply. It never
// blocks past timeout, even when the completer ignores its context.
func Query[T any](ctx context.Context, c Completer, timeout time.Duration, prompt string, vars map[string]any) Outcome[T] {
	if c == nil {
		return Failed[T](ErrUnavailable.Error())
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		completion Completion
		err        error
	}
	ch := make(chan reply, 1)
	go func() {
		completion, err := c.Complete(ctx, prompt, vars)
		ch <- reply{completion: completion, err: err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-ctx.Done():
		return Failed[T](fmt.Sprintf("timeout: %v", ctx.Err()))
	}
	if r.err != nil {
		if errors.Is(r.err, context.DeadlineExceeded) {
			return Failed[T](fmt.Sprintf("timeout: %v", r.err))
		}
		return Failed[T](r.err.Error())
	}

	var out T
	if err := DecodeJSON(r.completion.Content, &out); err != nil {
		return Failed[T](fmt.Sprintf("unparseable response: %v", err))
	}
	return Ok(out)
}

// DecodeJSON extracts the outermost JSON object from free text and decodes it.
func DecodeJSON(content string, out any) error {
	text := strings.TrimSpace(content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return errors.New("no json object in response")
	}
	return json.Unmarshal([]byte(text[start:end+1]), out)
}
