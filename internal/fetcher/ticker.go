package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"rehoboam/internal/logging"
	"rehoboam/internal/model"
	"rehoboam/internal/version"
)

const tickerPath = "/Ticker"

// TickerOptions parameterise the public ticker feed.
type TickerOptions struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec int
	MaxRetryTime   time.Duration
	UserAgent      string
}

// Ticker polls a Kraken-compatible public ticker endpoint.
type Ticker struct {
	opts    TickerOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
	now     func() time.Time
}

// NewTicker constructs a ticker fetcher.
func NewTicker(opts TickerOptions, logger zerolog.Logger) *Ticker {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 5
	}
	if opts.MaxRetryTime <= 0 {
		opts.MaxRetryTime = 20 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.kraken.com/0/public"
	}

	return &Ticker{
		opts:    opts,
		logger:  logging.Component(logger, "ticker_fetcher"),
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Second), opts.RequestsPerSec),
		baseURL: baseURL,
		now:     time.Now,
	}
}

// GetTicker fetches the requested pairs in one request. Missing pairs are
// skipped; an error is returned only when nothing usable came back.
func (t *Ticker) GetTicker(ctx context.Context, symbols []string) (map[string]model.Ticker, error) {
	if len(symbols) == 0 {
		return nil, errors.New("no symbols requested")
	}

	payload, err := t.fetch(ctx, symbols)
	if err != nil {
		return nil, err
	}

	var res tickerResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode ticker response: %w", err)
	}
	if len(res.Result) == 0 {
		if len(res.Error) > 0 {
			return nil, fmt.Errorf("ticker api error: %s", strings.Join(res.Error, "; "))
		}
		return nil, errors.New("ticker api returned no pairs")
	}

	observed := t.now().UTC()
	out := make(map[string]model.Ticker, len(symbols))
	for _, symbol := range symbols {
		key, ok := matchPair(symbol, res.Result)
		if !ok {
			t.logger.Warn().Str("symbol", symbol).Msg("pair missing from ticker response")
			continue
		}
		tick, err := res.Result[key].toTicker(symbol)
		if err != nil {
			t.logger.Warn().Err(err).Str("symbol", symbol).Msg("skipping malformed pair")
			continue
		}
		tick.ObservedAt = observed
		out[symbol] = tick
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("none of %v present in ticker response", symbols)
	}
	return out, nil
}

func (t *Ticker) fetch(ctx context.Context, symbols []string) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := t.baseURL + tickerPath + "?pair=" + url.QueryEscape(strings.Join(symbols, ","))

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if ua := strings.TrimSpace(t.opts.UserAgent); ua != "" {
			req.Header.Set("User-Agent", ua)
		} else {
			req.Header.Set("User-Agent", version.UserAgent())
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(statusErr)
			}
			return statusErr
		}
		body = data
		return nil
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.MaxElapsedTime = t.opts.MaxRetryTime
	notify := func(err error, wait time.Duration) {
		t.logger.Debug().Err(err).Dur("retry_in", wait).Msg("ticker request failed; retrying")
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(strategy, ctx), notify); err != nil {
		return nil, err
	}
	return body, nil
}

// HTTPStatusError represents a non-200 response from the venue.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("ticker api status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("ticker api status %d", e.StatusCode)
}

type tickerResponse struct {
	Error  []string              `json:"error"`
	Result map[string]tickerPair `json:"result"`
}

// tickerPair mirrors the venue payload: c=[last price, lot], v=[today, 24h], o=today's open.
type tickerPair struct {
	Close  []string `json:"c"`
	Volume []string `json:"v"`
	Open   string   `json:"o"`
}

func (p tickerPair) toTicker(symbol string) (model.Ticker, error) {
	if len(p.Close) == 0 || len(p.Volume) < 2 {
		return model.Ticker{}, errors.New("incomplete pair payload")
	}
	price, err := decimal.NewFromString(p.Close[0])
	if err != nil {
		return model.Ticker{}, fmt.Errorf("parse price: %w", err)
	}
	volume, err := decimal.NewFromString(p.Volume[1])
	if err != nil {
		return model.Ticker{}, fmt.Errorf("parse volume: %w", err)
	}

	var change decimal.Decimal
	if open, err := decimal.NewFromString(p.Open); err == nil && open.IsPositive() {
		change = price.Sub(open).Div(open)
	}

	return model.Ticker{
		Symbol:    symbol,
		Price:     price.InexactFloat64(),
		Volume:    volume.InexactFloat64(),
		Change24h: change.InexactFloat64(),
		Source:    "ticker",
	}, nil
}

// matchPair resolves a requested symbol against the venue's canonical keys,
// e.g. XBTUSD is returned as XXBTZUSD.
func matchPair(symbol string, result map[string]tickerPair) (string, bool) {
	want := strings.ToUpper(symbol)
	if _, ok := result[want]; ok {
		return want, true
	}
	for key := range result {
		if canonicalPair(key) == want {
			return key, true
		}
	}
	return "", false
}

func canonicalPair(key string) string {
	key = strings.ToUpper(key)
	if len(key) != 8 {
		return key
	}
	base, quote := key[:4], key[4:]
	if base[0] == 'X' || base[0] == 'Z' {
		base = base[1:]
	}
	if quote[0] == 'X' || quote[0] == 'Z' {
		quote = quote[1:]
	}
	return base + quote
}

var _ TickerFetcher = (*Ticker)(nil)
