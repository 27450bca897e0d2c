package signals

import "github.com/guido-cesarano/signalq/pkg/market"

// ActionKind is the canonical action a signal title maps to.
type ActionKind string

const (
	OpenLong     ActionKind = "open_long"
	OpenShort    ActionKind = "open_short"
	StopOutLong  ActionKind = "stop_out_long"
	StopOutShort ActionKind = "stop_out_short"
	TP1HitLong   ActionKind = "tp1_hit_long"
	TP1HitShort  ActionKind = "tp1_hit_short"
	TP2HitLong   ActionKind = "tp2_hit_long"
	TP2HitShort  ActionKind = "tp2_hit_short"
	TP3HitLong   ActionKind = "tp3_hit_long"
	TP3HitShort  ActionKind = "tp3_hit_short"
	TrimLong     ActionKind = "trim_long"
	TrimShort    ActionKind = "trim_short"
	TrimPosition ActionKind = "trim_position"
	CloseLong    ActionKind = "close_long"
	CloseShort   ActionKind = "close_short"
	ExitLong     ActionKind = "exit_long"
	ExitShort    ActionKind = "exit_short"
	SessionClose ActionKind = "session_close"
	Unknown      ActionKind = "unknown"
)

func (a ActionKind) String() string { return string(a) }

// IsOpen reports whether a opens a new position.
func (a ActionKind) IsOpen() bool {
	return a == OpenLong || a == OpenShort
}

// IsEntry reports whether a is an entry signal.
func (a ActionKind) IsEntry() bool {
	return a.IsOpen()
}

// IsCriticalExit reports whether a is an exit that is always processed,
// even when non-entry signals are ignored.
func (a ActionKind) IsCriticalExit() bool {
	switch a {
	case StopOutLong, StopOutShort, SessionClose:
		return true
	}
	return false
}

// IsFlatten reports whether a closes every position unconditionally.
func (a ActionKind) IsFlatten() bool {
	switch a {
	case CloseLong, CloseShort, ExitLong, ExitShort, SessionClose:
		return true
	}
	return false
}

// Side returns the position side the action refers to: BUY for *_long, SELL for *_short.
func (a ActionKind) Side() market.Side {
	switch a {
	case OpenLong, StopOutLong, TP1HitLong, TP2HitLong, TP3HitLong, TrimLong, CloseLong, ExitLong:
		return market.Buy
	case OpenShort, StopOutShort, TP1HitShort, TP2HitShort, TP3HitShort, TrimShort, CloseShort, ExitShort:
		return market.Sell
	}
	return market.Unknown
}
