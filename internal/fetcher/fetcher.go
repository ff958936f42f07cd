package fetcher

import (
	"context"

	"github.com/shopspring/decimal"

	"rehoboam/internal/model"
)

// TickerFetcher retrieves quotes for a set of symbols. Pairs unknown to the
// venue are omitted from the result rather than failing the whole call.
type TickerFetcher interface {
	GetTicker(ctx context.Context, symbols []string) (map[string]model.Ticker, error)
}

// VaultRateFetcher retrieves the on-chain ERC-4626 share price and the block it was read at.
type VaultRateFetcher interface {
	FetchRate(ctx context.Context) (decimal.Decimal, uint64, error)
}
