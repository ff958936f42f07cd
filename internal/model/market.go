package model

import "time"

// Ticker is a normalised market quote for one symbol.
type Ticker struct {
	Symbol       string    `json:"symbol"`
	Price        float64   `json:"price"`
	Volume       float64   `json:"volume"`
	AvgVolume24h float64   `json:"avg_volume_24h"`
	Change24h    float64   `json:"change_24h"`
	Source       string    `json:"source,omitempty"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Trade is an executed fill observed on a venue.
type Trade struct {
	Buyer     string    `json:"buyer"`
	Seller    string    `json:"seller"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// Order lifecycle states.
const (
	OrderPlaced    = "placed"
	OrderCancelled = "cancelled"
	OrderFilled    = "filled"
)

// OrderEvent is one order book action by an account.
type OrderEvent struct {
	OrderID   string    `json:"order_id"`
	Account   string    `json:"account"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketSnapshot is the detector's view of one symbol at one instant.
// PriceChangePct and VolumeChangePct are fractions (0.15 == 15%, 2.0 == +200%);
// a zero VolumeChangePct is derived from the 24h average.
type MarketSnapshot struct {
	Symbol          string       `json:"symbol"`
	Price           float64      `json:"price"`
	Volume          float64      `json:"volume"`
	AvgVolume24h    float64      `json:"avg_volume_24h"`
	PriceChangePct  float64      `json:"price_change_pct"`
	VolumeChangePct float64      `json:"volume_change_pct"`
	Trades          []Trade      `json:"trades,omitempty"`
	Orders          []OrderEvent `json:"orders,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
}

// SnapshotFromTicker lifts a collector ticker into a detector snapshot.
func SnapshotFromTicker(t Ticker) MarketSnapshot {
	return MarketSnapshot{
		Symbol:         t.Symbol,
		Price:          t.Price,
		Volume:         t.Volume,
		AvgVolume24h:   t.AvgVolume24h,
		PriceChangePct: t.Change24h,
		Timestamp:      t.ObservedAt,
	}
}

// VolumeRatio returns current volume over the 24h average, or zero without a baseline.
func (m MarketSnapshot) VolumeRatio() float64 {
	if m.AvgVolume24h <= 0 {
		return 0
	}
	return m.Volume / m.AvgVolume24h
}

// EffectiveVolumeChange prefers the explicit change and falls back to the 24h baseline.
func (m MarketSnapshot) EffectiveVolumeChange() float64 {
	if m.VolumeChangePct != 0 {
		return m.VolumeChangePct
	}
	if m.AvgVolume24h <= 0 {
		return 0
	}
	return m.Volume/m.AvgVolume24h - 1
}
