package actor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

type counter struct {
	n int
}

func startCounter(t *testing.T) (*Actor[counter], context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a := New("counter", &counter{}, 8, zerolog.Nop())
	go func() { _ = a.Run(ctx) }()
	return a, func() {
		cancel()
		<-a.Done()
	}
}

func TestActorSerialisesMutations(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, stop := startCounter(t)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Do(context.Background(), func(c *counter) { c.n++ }); err != nil {
				t.Errorf("Do 不应失败: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := Ask(context.Background(), a, func(c *counter) int { return c.n })
	if err != nil {
		t.Fatalf("Ask 失败: %v", err)
	}
	if n != 50 {
		t.Fatalf("期望 50, 实际 %d", n)
	}
}

func TestActorRecoversPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, stop := startCounter(t)
	defer stop()

	_ = a.Do(context.Background(), func(c *counter) { c.n = 7 })
	err := a.Do(context.Background(), func(c *counter) { panic("boom") })
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("panic 应转换为 ErrPanic, 实际 %v", err)
	}

	n, err := Ask(context.Background(), a, func(c *counter) int { return c.n })
	if err != nil || n != 7 {
		t.Fatalf("panic 后状态应保持为 7, 实际 %d (%v)", n, err)
	}
}

func TestActorStopped(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, stop := startCounter(t)
	stop()

	if err := a.Do(context.Background(), func(c *counter) {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("停止后应返回 ErrStopped, 实际 %v", err)
	}
	if a.Tell(func(c *counter) {}) {
		t.Fatal("停止后 Tell 应返回 false")
	}
}

func TestActorDoHonoursContext(t *testing.T) {
	a := New("idle", &counter{}, 1, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Run was never started: the first message fits the inbox, the wait must time out.
	if err := a.Do(ctx, func(c *counter) {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("期望超时, 实际 %v", err)
	}
}
