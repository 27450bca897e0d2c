// Package market holds the vocabulary shared by the signal parser and the broker layer.
package market

import "strings"

// Side is the direction of an order or position.
type Side string

const (
	Buy     Side = "BUY"
	Sell    Side = "SELL"
	Unknown Side = "UNKNOWN"
)

// Opposite returns the side that reduces a position on s.
func (s Side) Opposite() Side {
	switch s {
	case Buy:
		return Sell
	case Sell:
		return Buy
	default:
		return Unknown
	}
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

func (s Side) String() string { return string(s) }

// ParseSide accepts BUY/SELL and the LONG/SHORT aliases, case-insensitively.
func ParseSide(v string) Side {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY", "LONG":
		return Buy
	case "SELL", "SHORT":
		return Sell
	default:
		return Unknown
	}
}

// UnknownSymbol is the root used when no instrument could be identified.
const UnknownSymbol = "UNKNOWN"

// RootFromContractID extracts the instrument root from a broker contract id such as
// "CON.F.US.MNQ.Z25" (root "MNQ"). Ids without that shape are returned upper-cased.
func RootFromContractID(contractID string) string {
	parts := strings.Split(contractID, ".")
	if len(parts) >= 4 && parts[3] != "" {
		return strings.ToUpper(parts[3])
	}
	return strings.ToUpper(strings.TrimSpace(contractID))
}

// SameRoot reports whether a contract id or symbol refers to the given root.
func SameRoot(contractOrSymbol, root string) bool {
	return RootFromContractID(contractOrSymbol) == strings.ToUpper(root)
}
