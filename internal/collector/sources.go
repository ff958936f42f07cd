package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"rehoboam/internal/fetcher"
	"rehoboam/internal/inference"
	"rehoboam/internal/model"
	"rehoboam/internal/ring"
)

// ErrQueueFull is returned when the event queue cannot accept more events.
var ErrQueueFull = errors.New("collector: event queue full")

// MarketSource polls a ticker feed. When the venue does not publish a volume
// baseline, the mean of the previously observed volumes is used instead.
type MarketSource struct {
	fetcher  fetcher.TickerFetcher
	symbols  []string
	mu       sync.Mutex
	baseline map[string]*ring.Buffer[float64]
	window   int
}

// NewMarketSource wraps f for symbols; window bounds the volume baseline.
func NewMarketSource(f fetcher.TickerFetcher, symbols []string, window int) *MarketSource {
	if window <= 0 {
		window = 48
	}
	return &MarketSource{
		fetcher:  f,
		symbols:  append([]string(nil), symbols...),
		baseline: make(map[string]*ring.Buffer[float64]),
		window:   window,
	}
}

// Name implements Source.
func (m *MarketSource) Name() string { return "market" }

// Collect implements Source.
func (m *MarketSource) Collect(ctx context.Context) (Payload, error) {
	quotes, err := m.fetcher.GetTicker(ctx, m.symbols)
	if err != nil {
		return Payload{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Ticker, 0, len(quotes))
	for _, symbol := range m.symbols {
		t, ok := quotes[symbol]
		if !ok {
			continue
		}
		hist, ok := m.baseline[symbol]
		if !ok {
			hist = ring.New[float64](m.window)
			m.baseline[symbol] = hist
		}
		if t.AvgVolume24h <= 0 && hist.Len() > 0 {
			var sum float64
			hist.Each(func(v float64) bool { sum += v; return true })
			t.AvgVolume24h = sum / float64(hist.Len())
		}
		hist.Push(t.Volume)
		out = append(out, t)
	}
	return Payload{Tickers: out}, nil
}

// VaultSource reports an ERC-4626 share price as a synthetic ticker.
type VaultSource struct {
	fetcher fetcher.VaultRateFetcher
	symbol  string
}

// NewVaultSource wraps f; symbol labels the resulting ticker.
func NewVaultSource(f fetcher.VaultRateFetcher, symbol string) *VaultSource {
	if symbol == "" {
		symbol = "VAULT"
	}
	return &VaultSource{fetcher: f, symbol: symbol}
}

// Name implements Source.
func (v *VaultSource) Name() string { return "onchain" }

// Collect implements Source.
func (v *VaultSource) Collect(ctx context.Context) (Payload, error) {
	rate, block, err := v.fetcher.FetchRate(ctx)
	if err != nil {
		return Payload{}, fmt.Errorf("vault rate: %w", err)
	}
	return Payload{Tickers: []model.Ticker{{
		Symbol: v.symbol,
		Price:  rate.InexactFloat64(),
		Source: fmt.Sprintf("onchain@%d", block),
	}}}, nil
}

// EventQueue buffers inbound behavior events until the next collection drains them.
type EventQueue struct {
	ch chan model.BehaviorEvent
}

// NewEventQueue builds a queue holding at most size events.
func NewEventQueue(size int) *EventQueue {
	if size <= 0 {
		size = 1024
	}
	return &EventQueue{ch: make(chan model.BehaviorEvent, size)}
}

// Enqueue validates and buffers an event without blocking.
func (q *EventQueue) Enqueue(ev model.BehaviorEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of buffered events.
func (q *EventQueue) Pending() int { return len(q.ch) }

// Name implements Source.
func (q *EventQueue) Name() string { return "events" }

// Collect drains everything currently buffered.
func (q *EventQueue) Collect(ctx context.Context) (Payload, error) {
	var events []model.BehaviorEvent
	for {
		select {
		case ev := <-q.ch:
			events = append(events, ev)
		case <-ctx.Done():
			return Payload{Events: events}, nil
		default:
			return Payload{Events: events}, nil
		}
	}
}

// SentimentSource scores a headline feed with the inference analyzer. It never
// fails: an unavailable analyzer yields the neutral fallback.
type SentimentSource struct {
	analyzer  *inference.Analyzer
	headlines func() []string
}

// NewSentimentSource scores whatever headlines returns on each cycle.
func NewSentimentSource(a *inference.Analyzer, headlines func() []string) *SentimentSource {
	return &SentimentSource{analyzer: a, headlines: headlines}
}

// StaticHeadlines returns a headline provider over a fixed list.
func StaticHeadlines(list []string) func() []string {
	cp := append([]string(nil), list...)
	return func() []string { return cp }
}

// Name implements Source.
func (s *SentimentSource) Name() string { return "sentiment" }

// Collect implements Source.
func (s *SentimentSource) Collect(ctx context.Context) (Payload, error) {
	var headlines []string
	if s.headlines != nil {
		headlines = s.headlines()
	}
	sentiment := s.analyzer.Sentiment(ctx, headlines)
	return Payload{Sentiment: &sentiment}, nil
}

var (
	_ Source = (*MarketSource)(nil)
	_ Source = (*VaultSource)(nil)
	_ Source = (*EventQueue)(nil)
	_ Source = (*SentimentSource)(nil)
)
