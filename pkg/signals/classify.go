// Package signals turns the title, description and fields of an alert embed into a
// canonical Signal. Classification is pure and never fails: anything unrecognized
// becomes an Unknown action or the UNKNOWN symbol.
package signals

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/guido-cesarano/signalq/pkg/market"
	"github.com/shopspring/decimal"
)

// ErrUnclassified marks a signal that cannot be acted upon.
var ErrUnclassified = errors.New("signal not actionable")

var (
	symbolPattern = regexp.MustCompile(`(?i)\[([A-Z]+)\d*!?\]`)
	pnlPattern    = regexp.MustCompile(`(?i)\$\s*([+-]?\d+\.?\d*)\s*points?`)
	nonPriceChars = regexp.MustCompile(`[^\d.]`)
)

// Field is one name/value pair of an alert embed.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Signal is the parsed form of one inbound event. Absent prices have Valid=false.
type Signal struct {
	Symbol      string              `json:"symbol"`
	Side        market.Side         `json:"side"`
	Action      ActionKind          `json:"action"`
	Entry       decimal.NullDecimal `json:"entry"`
	StopLoss    decimal.NullDecimal `json:"stop_loss"`
	TakeProfit1 decimal.NullDecimal `json:"take_profit_1"`
	TakeProfit2 decimal.NullDecimal `json:"take_profit_2"`
	PnL         decimal.NullDecimal `json:"pnl"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	ReceivedAt  time.Time           `json:"received_at"`
}

// Actionable reports whether both the action and the symbol were recognized.
func (s Signal) Actionable() bool {
	return s.Err() == nil
}

// Err explains why the signal is not actionable, wrapping ErrUnclassified.
func (s Signal) Err() error {
	if s.Action == Unknown || s.Action == "" {
		return fmt.Errorf("%w: unrecognized title %q", ErrUnclassified, s.Title)
	}
	if s.Symbol == market.UnknownSymbol || s.Symbol == "" {
		return fmt.Errorf("%w: no symbol in title %q", ErrUnclassified, s.Title)
	}
	return nil
}

// Classify parses one event.
func Classify(title, description string, fields []Field) Signal {
	sig := Signal{
		Symbol:      ParseSymbol(title),
		Side:        ParseDirection(title),
		Action:      ParseAction(title),
		PnL:         ParsePnL(description),
		Title:       title,
		Description: description,
	}

	for _, f := range fields {
		name := strings.ToLower(f.Name)
		switch {
		case strings.Contains(name, "entry"):
			sig.Entry = ParsePrice(f.Value)
		case strings.Contains(name, "stop"):
			sig.StopLoss = ParsePrice(f.Value)
		case strings.Contains(name, "target 1"), strings.Contains(name, "takeprofit1"):
			sig.TakeProfit1 = ParsePrice(f.Value)
		case strings.Contains(name, "target 2"), strings.Contains(name, "takeprofit2"):
			sig.TakeProfit2 = ParsePrice(f.Value)
		}
	}
	return sig
}

// ParseAction maps a title to an action. The first matching rule wins.
func ParseAction(title string) ActionKind {
	t := strings.ToLower(title)
	has := func(s string) bool { return strings.Contains(t, s) }
	long, short := has("long"), has("short")

	sided := func(l, s ActionKind) ActionKind {
		switch {
		case long:
			return l
		case short:
			return s
		}
		return ""
	}

	if has("open") {
		if a := sided(OpenLong, OpenShort); a != "" {
			return a
		}
	}
	if has("stop out") {
		if a := sided(StopOutLong, StopOutShort); a != "" {
			return a
		}
	}
	if has("trim") {
		switch {
		case has("trim/close long") || has("trim long"):
			return TP1HitLong
		case has("trim/close short") || has("trim short"):
			return TP1HitShort
		}
		if a := sided(TrimLong, TrimShort); a != "" {
			return a
		}
		return TrimPosition
	}
	for _, tp := range []struct {
		marker      string
		long, short ActionKind
	}{
		{"tp2 hit", TP2HitLong, TP2HitShort},
		{"tp1 hit", TP1HitLong, TP1HitShort},
		{"tp3 hit", TP3HitLong, TP3HitShort},
	} {
		if has(tp.marker) {
			if a := sided(tp.long, tp.short); a != "" {
				return a
			}
		}
	}
	if has("session close") {
		return SessionClose
	}
	if has("close") {
		if a := sided(CloseLong, CloseShort); a != "" {
			return a
		}
	}
	if has("exit") {
		if a := sided(ExitLong, ExitShort); a != "" {
			return a
		}
	}
	return Unknown
}

// ParseDirection returns SELL for short/sell titles, BUY for long/buy, UNKNOWN otherwise.
// Short is checked first.
func ParseDirection(title string) market.Side {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "short"), strings.Contains(t, "sell"):
		return market.Sell
	case strings.Contains(t, "long"), strings.Contains(t, "buy"):
		return market.Buy
	}
	return market.Unknown
}

// ParseSymbol returns the letters of the first bracketed ticker, e.g. "[MNQ1!]" -> "MNQ".
func ParseSymbol(title string) string {
	m := symbolPattern.FindStringSubmatch(title)
	if m == nil {
		return market.UnknownSymbol
	}
	return strings.ToUpper(m[1])
}

// ParsePrice keeps only digits and dots. Empty, "null" or unparseable values are absent.
func ParsePrice(value string) decimal.NullDecimal {
	v := strings.TrimSpace(value)
	if v == "" || strings.EqualFold(v, "null") {
		return decimal.NullDecimal{}
	}
	cleaned := nonPriceChars.ReplaceAllString(v, "")
	if cleaned == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// ParsePnL extracts a signed "$ <n> points" amount from the description.
func ParsePnL(description string) decimal.NullDecimal {
	m := pnlPattern.FindStringSubmatch(description)
	if m == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(strings.TrimPrefix(m[1], "+"))
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
