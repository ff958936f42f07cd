package predictor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTimeframe is returned for unparseable timeframes.
var ErrInvalidTimeframe = errors.New("predictor: invalid timeframe")

var namedTimeframes = map[string]time.Duration{
	"short_term":  time.Hour,
	"medium_term": 24 * time.Hour,
	"long_term":   7 * 24 * time.Hour,
}

// ParseTimeframe accepts Go durations, day counts such as "7d", and the named horizons.
func ParseTimeframe(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if d, ok := namedTimeframes[s]; ok {
		return d, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
	return d, nil
}
