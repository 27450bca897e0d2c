// Package broker defines the order-management collaborator the dispatcher drives.
//
// Broker codes are decoded once at this boundary (OrderTypeFromCode,
// PositionSideFromCode) so the rest of the module matches on typed values.
package broker

import (
	"context"
	"fmt"

	"github.com/guido-cesarano/signalq/pkg/market"
	"github.com/shopspring/decimal"
)

// Broker is the order-management backend. Implementations must be safe for concurrent use.
// Every error returned is a *CallError.
type Broker interface {
	OpenPositions(ctx context.Context, account string) ([]Position, error)
	OpenOrders(ctx context.Context, account string) ([]Order, error)
	PlaceMarketOrder(ctx context.Context, o MarketOrder) (OrderResult, error)
	// CreateBracketOrder opens a position on b.Side with its protective stop and target.
	CreateBracketOrder(ctx context.Context, b BracketOrder) (OrderResult, error)
	// CreateExitBracket places only the stop and target protecting an existing
	// position on b.Side. The orders themselves are on the opposite side.
	CreateExitBracket(ctx context.Context, b BracketOrder) (OrderResult, error)
	ClosePosition(ctx context.Context, positionID string) error
	CancelOrder(ctx context.Context, orderID string) error
	FlattenAll(ctx context.Context, account string) (FlattenResult, error)
	MonitorPositionChanges(ctx context.Context, account string) (MonitorReport, error)
	MonitorBracketPositions(ctx context.Context, account string) (MonitorReport, error)
}

// OrderType is the decoded order type.
type OrderType string

const (
	OrderLimit        OrderType = "LIMIT"
	OrderMarket       OrderType = "MARKET"
	OrderStop         OrderType = "STOP"
	OrderTrailingStop OrderType = "TRAILING_STOP"
	OrderUnknown      OrderType = "UNKNOWN"
)

// OrderTypeFromCode decodes the numeric order type used by the broker API.
func OrderTypeFromCode(code int) OrderType {
	switch code {
	case 1:
		return OrderLimit
	case 2:
		return OrderMarket
	case 4:
		return OrderStop
	case 5:
		return OrderTrailingStop
	}
	return OrderUnknown
}

// Protective reports whether orders of this type limit losses.
func (t OrderType) Protective() bool {
	return t == OrderStop || t == OrderTrailingStop
}

// PositionSideFromCode decodes the numeric position type: 1 long, 2 short.
func PositionSideFromCode(code int) market.Side {
	switch code {
	case 1:
		return market.Buy
	case 2:
		return market.Sell
	}
	return market.Unknown
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderWorking   OrderStatus = "WORKING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Position is an open position. Symbol holds the broker contract id.
type Position struct {
	ID     string      `json:"id"`
	Symbol string      `json:"symbol"`
	Side   market.Side `json:"side"`
	Size   int         `json:"size"`
}

// Root returns the instrument root of the position's contract.
func (p Position) Root() string { return market.RootFromContractID(p.Symbol) }

// Order is a working order.
type Order struct {
	ID      string          `json:"id"`
	Symbol  string          `json:"symbol"`
	Side    market.Side     `json:"side"`
	Type    OrderType       `json:"type"`
	Status  OrderStatus     `json:"status"`
	Price   decimal.Decimal `json:"price"`
	Size    int             `json:"size"`
	GroupID string          `json:"group_id,omitempty"`
}

// Root returns the instrument root of the order's contract.
func (o Order) Root() string { return market.RootFromContractID(o.Symbol) }

// MarketOrder is an immediate order at market.
type MarketOrder struct {
	Account string      `json:"account"`
	Symbol  string      `json:"symbol"`
	Side    market.Side `json:"side"`
	Size    int         `json:"size"`
}

// BracketOrder describes an entry (or existing position) with its stop and target.
type BracketOrder struct {
	Account    string              `json:"account"`
	Symbol     string              `json:"symbol"`
	Side       market.Side         `json:"side"`
	Size       int                 `json:"size"`
	Entry      decimal.NullDecimal `json:"entry"`
	StopLoss   decimal.Decimal     `json:"stop_loss"`
	TakeProfit decimal.Decimal     `json:"take_profit"`
}

// OrderResult identifies the orders created by a call.
type OrderResult struct {
	OrderID  string   `json:"order_id"`
	GroupID  string   `json:"group_id,omitempty"`
	OrderIDs []string `json:"order_ids,omitempty"`
}

// FlattenResult counts what FlattenAll removed.
type FlattenResult struct {
	ClosedPositions int `json:"closed_positions"`
	CancelledOrders int `json:"cancelled_orders"`
}

// MonitorReport summarizes a reconciliation pass.
type MonitorReport struct {
	Positions        int      `json:"positions"`
	Orders           int      `json:"orders"`
	CancelledOrphans int      `json:"cancelled_orphans"`
	Resized          int      `json:"resized"`
	Unprotected      []string `json:"unprotected,omitempty"`
}

// CallError wraps any failure from the broker with the operation that produced it.
type CallError struct {
	Op  string
	Err error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Wrap returns err as a *CallError for op. It returns nil for a nil err and leaves
// an existing *CallError untouched.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*CallError); ok {
		return ce
	}
	return &CallError{Op: op, Err: err}
}
