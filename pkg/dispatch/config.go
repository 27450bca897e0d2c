package dispatch

import "time"

// DefaultTP1Fraction is used when the configured fraction is outside (0, 1).
const DefaultTP1Fraction = 0.75

// Config holds the trading parameters the dispatcher reads.
//
// Broker orders are not idempotent, so DispatchRetries above zero can repeat an
// order that reached the broker before its attempt failed. A retry after a
// timeout is held until the timed-out attempt has returned.
type Config struct {
	Account          string
	PositionSize     int           // contracts per open (default: 1)
	MaxPositionSize  int           // cap per symbol (default: 2 * PositionSize)
	CloseEntireAtTP1 bool          // one bracket to TP1 instead of staged exits
	TP1Fraction      float64       // share closed at TP1 (default: 0.75)
	IgnoreTP1        bool          // leave TP1 exits to the standing orders
	IgnoreNonEntry   bool          // only opens, stop-outs and session close
	DispatchRetries  int           // retry budget of a signal task (default: 0)
	DispatchTimeout  time.Duration // per attempt (default: 30s)
	ReconcileTimeout time.Duration // default: 30s
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		PositionSize:     1,
		MaxPositionSize:  2,
		TP1Fraction:      DefaultTP1Fraction,
		DispatchTimeout:  30 * time.Second,
		ReconcileTimeout: 30 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.PositionSize <= 0 {
		c.PositionSize = 1
	}
	if c.MaxPositionSize <= 0 {
		c.MaxPositionSize = 2 * c.PositionSize
	}
	if !(c.TP1Fraction > 0 && c.TP1Fraction < 1) {
		c.TP1Fraction = DefaultTP1Fraction
	}
	if c.DispatchRetries < 0 {
		c.DispatchRetries = 0
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = 30 * time.Second
	}
	return c
}
