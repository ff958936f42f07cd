package detector

import (
	"fmt"
	"math"
	"sort"
	"time"

	"rehoboam/internal/model"
)

// Algorithm tags a detection routine.
type Algorithm string

const (
	VolumeAnomaly        Algorithm = "volume_anomaly"
	PriceManipulation    Algorithm = "price_manipulation"
	CoordinationPatterns Algorithm = "coordination_patterns"
	WashTrading          Algorithm = "wash_trading"
	PumpDump             Algorithm = "pump_dump"
	Spoofing             Algorithm = "spoofing"
)

// Rules carry every numeric threshold used by the algorithms.
type Rules struct {
	VolumeThreshold      float64
	PriceThreshold       float64
	PriceVolumeConfirm   float64
	PumpPriceFloor       float64
	PumpVolumeFloor      float64
	CoordinationAccounts int
	CoordinationWindow   time.Duration
	WashRatioThreshold   float64
	WashWindow           time.Duration
	SpoofSizeMultiple    float64
	SpoofCancelWindow    time.Duration
	SpoofCancelRatio     float64
}

// DefaultRules returns the stock thresholds.
func DefaultRules() Rules {
	return Rules{
		VolumeThreshold:      5.0,
		PriceThreshold:       0.15,
		PriceVolumeConfirm:   1.5,
		PumpPriceFloor:       0.10,
		PumpVolumeFloor:      2.0,
		CoordinationAccounts: 5,
		CoordinationWindow:   60 * time.Second,
		WashRatioThreshold:   0.1,
		WashWindow:           5 * time.Minute,
		SpoofSizeMultiple:    5.0,
		SpoofCancelWindow:    10 * time.Second,
		SpoofCancelRatio:     0.5,
	}
}

// Detection is one algorithm's verdict on one snapshot.
type Detection struct {
	Algorithm  Algorithm      `json:"algorithm"`
	Detected   bool           `json:"detected"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason"`
	Details    map[string]any `json:"details,omitempty"`
}

type detectFunc func(model.MarketSnapshot, Rules) Detection

// registry is iterated in order on every analysis.
var registry = []struct {
	alg Algorithm
	fn  detectFunc
}{
	{VolumeAnomaly, detectVolumeAnomaly},
	{PriceManipulation, detectPriceManipulation},
	{CoordinationPatterns, detectCoordination},
	{WashTrading, detectWashTrading},
	{PumpDump, detectPumpDump},
	{Spoofing, detectSpoofing},
}

// Algorithms lists the registered tags in evaluation order.
func Algorithms() []Algorithm {
	out := make([]Algorithm, 0, len(registry))
	for _, r := range registry {
		out = append(out, r.alg)
	}
	return out
}

// RunAll evaluates every registered algorithm against snap.
func RunAll(snap model.MarketSnapshot, rules Rules) []Detection {
	out := make([]Detection, 0, len(registry))
	for _, r := range registry {
		d := r.fn(snap, rules)
		d.Algorithm = r.alg
		d.Confidence = model.Clamp01(d.Confidence)
		out = append(out, d)
	}
	return out
}

func notDetected(reason string) Detection {
	return Detection{Reason: reason}
}

func detectVolumeAnomaly(s model.MarketSnapshot, r Rules) Detection {
	if s.AvgVolume24h <= 0 {
		return notDetected("no volume baseline")
	}
	ratio := s.VolumeRatio()
	if ratio <= r.VolumeThreshold {
		return notDetected(fmt.Sprintf("volume ratio %.2f within threshold %.2f", ratio, r.VolumeThreshold))
	}
	return Detection{
		Detected:   true,
		Confidence: math.Min(1, ratio/r.VolumeThreshold),
		Reason:     fmt.Sprintf("volume %.0f is %.1fx the 24h average", s.Volume, ratio),
		Details:    map[string]any{"volume_ratio": ratio, "volume": s.Volume, "avg_volume_24h": s.AvgVolume24h},
	}
}

// detectPriceManipulation flags large moves that volume does not corroborate.
// Without a volume baseline corroboration cannot be judged and nothing is flagged.
func detectPriceManipulation(s model.MarketSnapshot, r Rules) Detection {
	pct := math.Abs(s.PriceChangePct)
	if pct <= r.PriceThreshold {
		return notDetected(fmt.Sprintf("price change %.2f%% within threshold", pct*100))
	}
	if s.AvgVolume24h <= 0 {
		return notDetected("no volume baseline to corroborate move")
	}
	ratio := s.VolumeRatio()
	if ratio >= r.PriceVolumeConfirm {
		return notDetected(fmt.Sprintf("move corroborated by %.1fx volume", ratio))
	}
	conf := pct/(2*r.PriceThreshold) + 0.5*(1-ratio/r.PriceVolumeConfirm)
	return Detection{
		Detected:   true,
		Confidence: math.Min(1, conf),
		Reason:     fmt.Sprintf("price moved %.1f%% on only %.1fx volume", s.PriceChangePct*100, ratio),
		Details:    map[string]any{"price_change_pct": s.PriceChangePct, "volume_ratio": ratio},
	}
}

func detectPumpDump(s model.MarketSnapshot, r Rules) Detection {
	pc := math.Abs(s.PriceChangePct)
	vc := s.EffectiveVolumeChange()
	if pc <= r.PumpPriceFloor || vc <= r.PumpVolumeFloor {
		return notDetected(fmt.Sprintf("price %.2f / volume %.2f below floors", pc, vc))
	}
	priceScore := math.Min(1, pc/(r.PumpPriceFloor*3))
	volumeScore := math.Min(1, vc/(r.PumpVolumeFloor*3))
	phase := "pump"
	if s.PriceChangePct < 0 {
		phase = "dump"
	}
	return Detection{
		Detected:   true,
		Confidence: 0.6*priceScore + 0.4*volumeScore,
		Reason:     fmt.Sprintf("%s: price %+.1f%% with volume %+.0f%%", phase, s.PriceChangePct*100, vc*100),
		Details:    map[string]any{"phase": phase, "price_score": priceScore, "volume_score": volumeScore},
	}
}

func detectCoordination(s model.MarketSnapshot, r Rules) Detection {
	trades := recentTrades(s.Trades, r.CoordinationWindow)
	if len(trades) == 0 || r.CoordinationAccounts <= 0 {
		return notDetected("no recent trades")
	}

	type group struct {
		accounts map[string]struct{}
		sizes    []float64
	}
	bySide := map[string]*group{}
	for _, t := range trades {
		initiator := t.Buyer
		if t.Side == "sell" {
			initiator = t.Seller
		}
		g, ok := bySide[t.Side]
		if !ok {
			g = &group{accounts: map[string]struct{}{}}
			bySide[t.Side] = g
		}
		g.accounts[initiator] = struct{}{}
		g.sizes = append(g.sizes, t.Size)
	}

	best := Detection{Reason: "no coordinated side"}
	for _, side := range []string{"buy", "sell"} {
		g, ok := bySide[side]
		if !ok || len(g.accounts) < r.CoordinationAccounts {
			continue
		}
		mean, std := meanStd(g.sizes)
		similarity := 1.0
		if mean > 0 {
			similarity = 1 - model.Clamp01(std/mean)
		}
		count := len(g.accounts)
		conf := math.Min(1, float64(count)/float64(r.CoordinationAccounts)*0.6+similarity*0.4)
		if conf > best.Confidence {
			best = Detection{
				Detected:   true,
				Confidence: conf,
				Reason:     fmt.Sprintf("%d accounts %s within %s", count, side, r.CoordinationWindow),
				Details:    map[string]any{"side": side, "accounts": count, "size_similarity": similarity},
			}
		}
	}
	return best
}

func detectWashTrading(s model.MarketSnapshot, r Rules) Detection {
	trades := recentTrades(s.Trades, r.WashWindow)
	if len(trades) == 0 {
		return notDetected("no recent trades")
	}

	pairs := map[[2]string]int{}
	for _, t := range trades {
		pairs[[2]string{t.Buyer, t.Seller}]++
	}
	wash := 0
	for _, t := range trades {
		switch {
		case t.Buyer == t.Seller:
			wash++
		case pairs[[2]string{t.Seller, t.Buyer}] > 0:
			wash++
		}
	}
	ratio := float64(wash) / float64(len(trades))
	if ratio <= r.WashRatioThreshold {
		return notDetected(fmt.Sprintf("wash ratio %.2f within threshold", ratio))
	}
	return Detection{
		Detected:   true,
		Confidence: math.Min(1, ratio/(2*r.WashRatioThreshold)),
		Reason:     fmt.Sprintf("%d of %d trades are self or round-trip trades", wash, len(trades)),
		Details:    map[string]any{"wash_ratio": ratio, "wash_trades": wash},
	}
}

func detectSpoofing(s model.MarketSnapshot, r Rules) Detection {
	placed := map[string]model.OrderEvent{}
	var sizes []float64
	for _, o := range s.Orders {
		if o.Status == model.OrderPlaced {
			placed[o.OrderID] = o
			sizes = append(sizes, o.Size)
		}
	}
	if len(sizes) < 2 {
		return notDetected("not enough orders")
	}
	med := median(sizes)

	large := map[string]model.OrderEvent{}
	for id, o := range placed {
		if med > 0 && o.Size >= r.SpoofSizeMultiple*med {
			large[id] = o
		}
	}
	if len(large) == 0 {
		return notDetected("no outsized orders")
	}

	cancelled := 0
	for _, o := range s.Orders {
		if o.Status != model.OrderCancelled {
			continue
		}
		p, ok := large[o.OrderID]
		if !ok {
			continue
		}
		if lag := o.Timestamp.Sub(p.Timestamp); lag >= 0 && lag <= r.SpoofCancelWindow {
			cancelled++
		}
	}
	ratio := float64(cancelled) / float64(len(large))
	if ratio <= r.SpoofCancelRatio {
		return notDetected(fmt.Sprintf("cancel ratio %.2f within threshold", ratio))
	}
	return Detection{
		Detected:   true,
		Confidence: ratio * (0.7 + 0.1*float64(cancelled)),
		Reason:     fmt.Sprintf("%d of %d outsized orders cancelled within %s", cancelled, len(large), r.SpoofCancelWindow),
		Details:    map[string]any{"cancel_ratio": ratio, "large_orders": len(large), "median_size": med},
	}
}

// recentTrades keeps trades within window of the newest trade.
func recentTrades(trades []model.Trade, window time.Duration) []model.Trade {
	if len(trades) == 0 {
		return nil
	}
	newest := trades[0].Timestamp
	for _, t := range trades {
		if t.Timestamp.After(newest) {
			newest = t.Timestamp
		}
	}
	cutoff := newest.Add(-window)
	out := make([]model.Trade, 0, len(trades))
	for _, t := range trades {
		if !t.Timestamp.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

func median(xs []float64) float64 {
	cp := append([]float64(nil), xs...)
	sort.Float64s(cp)
	mid := len(cp) / 2
	if len(cp)%2 == 0 {
		return (cp[mid-1] + cp[mid]) / 2
	}
	return cp[mid]
}
