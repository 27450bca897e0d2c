// Package paper implements an in-memory broker that fills every order immediately.
// It keeps one net position per contract and a book of working exit orders.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/signalq/pkg/broker"
	"github.com/guido-cesarano/signalq/pkg/logger"
	"github.com/guido-cesarano/signalq/pkg/market"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when a position or order id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrInvalidOrder is returned for non-positive sizes or an unknown side.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrNoPosition is returned when protecting a position that does not exist.
	ErrNoPosition = errors.New("no open position")
)

var _ broker.Broker = (*Broker)(nil)

// Option configures a paper Broker.
type Option func(*Broker)

// WithLatency delays every call, honoring context cancellation.
func WithLatency(d time.Duration) Option {
	return func(b *Broker) { b.latency = d }
}

// WithContractMonth sets the month code used to build contract ids (default "Z25").
func WithContractMonth(code string) Option {
	return func(b *Broker) { b.month = strings.ToUpper(code) }
}

// Broker is a paper trading broker. The account argument is accepted but a single
// book is kept for all accounts.
type Broker struct {
	mu        sync.Mutex
	positions map[string]*broker.Position // by contract id
	orders    map[string]*broker.Order
	month     string
	latency   time.Duration
	log       zerolog.Logger
}

// New creates an empty paper broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		positions: make(map[string]*broker.Position),
		orders:    make(map[string]*broker.Order),
		month:     "Z25",
		log:       logger.Component("paper"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ContractID maps an instrument root to the contract id used for its positions.
func (b *Broker) ContractID(symbol string) string {
	if strings.Contains(symbol, ".") {
		return symbol
	}
	return fmt.Sprintf("CON.F.US.%s.%s", strings.ToUpper(symbol), b.month)
}

func (b *Broker) delay(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return broker.Wrap(op, err)
	}
	if b.latency <= 0 {
		return nil
	}
	t := time.NewTimer(b.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return broker.Wrap(op, ctx.Err())
	case <-t.C:
		return nil
	}
}

// OpenPositions returns the open positions ordered by contract.
func (b *Broker) OpenPositions(ctx context.Context, account string) ([]broker.Position, error) {
	if err := b.delay(ctx, "open_positions"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]broker.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// OpenOrders returns the working orders ordered by contract and id.
func (b *Broker) OpenOrders(ctx context.Context, account string) ([]broker.Order, error) {
	if err := b.delay(ctx, "open_orders"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ordersLocked(), nil
}

func (b *Broker) ordersLocked() []broker.Order {
	out := make([]broker.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PlaceMarketOrder fills immediately, netting against any opposite position.
func (b *Broker) PlaceMarketOrder(ctx context.Context, o broker.MarketOrder) (broker.OrderResult, error) {
	const op = "place_market_order"
	if err := b.delay(ctx, op); err != nil {
		return broker.OrderResult{}, err
	}
	if o.Size <= 0 || !o.Side.Valid() {
		return broker.OrderResult{}, broker.Wrap(op, fmt.Errorf("%w: %s %d %s", ErrInvalidOrder, o.Side, o.Size, o.Symbol))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	contract := b.ContractID(o.Symbol)
	b.fillLocked(contract, o.Side, o.Size)
	id := uuid.New().String()
	b.log.Info().Str("order_id", id).Str("symbol", contract).Str("side", o.Side.String()).Int("size", o.Size).Msg("Market order filled")
	return broker.OrderResult{OrderID: id}, nil
}

// CreateBracketOrder fills the entry and adds a stop and a target on the opposite side.
func (b *Broker) CreateBracketOrder(ctx context.Context, br broker.BracketOrder) (broker.OrderResult, error) {
	const op = "create_bracket_order"
	if err := b.delay(ctx, op); err != nil {
		return broker.OrderResult{}, err
	}
	if br.Size <= 0 || !br.Side.Valid() {
		return broker.OrderResult{}, broker.Wrap(op, fmt.Errorf("%w: %s %d %s", ErrInvalidOrder, br.Side, br.Size, br.Symbol))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	contract := b.ContractID(br.Symbol)
	b.fillLocked(contract, br.Side, br.Size)
	res := b.addExitsLocked(contract, br)
	res.OrderID = uuid.New().String()
	b.log.Info().Str("order_id", res.OrderID).Str("group_id", res.GroupID).Str("symbol", contract).Str("side", br.Side.String()).Int("size", br.Size).Msg("Bracket order filled")
	return res, nil
}

// CreateExitBracket adds a stop and a target protecting an existing position on br.Side.
func (b *Broker) CreateExitBracket(ctx context.Context, br broker.BracketOrder) (broker.OrderResult, error) {
	const op = "create_exit_bracket"
	if err := b.delay(ctx, op); err != nil {
		return broker.OrderResult{}, err
	}
	if br.Size <= 0 || !br.Side.Valid() {
		return broker.OrderResult{}, broker.Wrap(op, fmt.Errorf("%w: %s %d %s", ErrInvalidOrder, br.Side, br.Size, br.Symbol))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	contract := b.ContractID(br.Symbol)
	if p, ok := b.positions[contract]; !ok || p.Side != br.Side {
		return broker.OrderResult{}, broker.Wrap(op, fmt.Errorf("%w: %s %s", ErrNoPosition, br.Side, contract))
	}
	res := b.addExitsLocked(contract, br)
	res.OrderID = res.GroupID
	return res, nil
}

func (b *Broker) addExitsLocked(contract string, br broker.BracketOrder) broker.OrderResult {
	group := uuid.New().String()
	exitSide := br.Side.Opposite()
	stop := &broker.Order{
		ID: uuid.New().String(), Symbol: contract, Side: exitSide, Type: broker.OrderStop,
		Status: broker.OrderWorking, Price: br.StopLoss, Size: br.Size, GroupID: group,
	}
	target := &broker.Order{
		ID: uuid.New().String(), Symbol: contract, Side: exitSide, Type: broker.OrderLimit,
		Status: broker.OrderWorking, Price: br.TakeProfit, Size: br.Size, GroupID: group,
	}
	b.orders[stop.ID] = stop
	b.orders[target.ID] = target
	return broker.OrderResult{GroupID: group, OrderIDs: []string{stop.ID, target.ID}}
}

// fillLocked applies a fill of size on side to the net position for contract.
func (b *Broker) fillLocked(contract string, side market.Side, size int) {
	p, ok := b.positions[contract]
	switch {
	case !ok:
		b.positions[contract] = &broker.Position{ID: uuid.New().String(), Symbol: contract, Side: side, Size: size}
	case p.Side == side:
		p.Size += size
	case size < p.Size:
		p.Size -= size
	case size == p.Size:
		delete(b.positions, contract)
	default:
		b.positions[contract] = &broker.Position{ID: uuid.New().String(), Symbol: contract, Side: side, Size: size - p.Size}
	}
}

// ClosePosition removes the position with the given id.
func (b *Broker) ClosePosition(ctx context.Context, positionID string) error {
	const op = "close_position"
	if err := b.delay(ctx, op); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for contract, p := range b.positions {
		if p.ID == positionID {
			delete(b.positions, contract)
			b.log.Info().Str("position_id", positionID).Str("symbol", contract).Msg("Position closed")
			return nil
		}
	}
	return broker.Wrap(op, fmt.Errorf("position %s: %w", positionID, ErrNotFound))
}

// CancelOrder removes a working order.
func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	const op = "cancel_order"
	if err := b.delay(ctx, op); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.orders[orderID]; !ok {
		return broker.Wrap(op, fmt.Errorf("order %s: %w", orderID, ErrNotFound))
	}
	delete(b.orders, orderID)
	return nil
}

// FlattenAll closes every position and cancels every working order.
func (b *Broker) FlattenAll(ctx context.Context, account string) (broker.FlattenResult, error) {
	if err := b.delay(ctx, "flatten_all"); err != nil {
		return broker.FlattenResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	res := broker.FlattenResult{ClosedPositions: len(b.positions), CancelledOrders: len(b.orders)}
	b.positions = make(map[string]*broker.Position)
	b.orders = make(map[string]*broker.Order)
	b.log.Info().Int("closed_positions", res.ClosedPositions).Int("cancelled_orders", res.CancelledOrders).Msg("Flattened all positions")
	return res, nil
}

// MonitorBracketPositions cancels exit orders left without a position and reports
// positions that have no protective stop.
func (b *Broker) MonitorBracketPositions(ctx context.Context, account string) (broker.MonitorReport, error) {
	if err := b.delay(ctx, "monitor_bracket_positions"); err != nil {
		return broker.MonitorReport{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	report := broker.MonitorReport{CancelledOrphans: b.cancelOrphansLocked()}
	for contract, p := range b.positions {
		if b.exitSizeLocked(contract, p.Side.Opposite(), true) == 0 {
			report.Unprotected = append(report.Unprotected, market.RootFromContractID(contract))
		}
	}
	sort.Strings(report.Unprotected)
	report.Positions = len(b.positions)
	report.Orders = len(b.orders)
	return report, nil
}

// MonitorPositionChanges cancels orphaned exit orders and shrinks exit orders whose
// combined size exceeds the position they protect.
func (b *Broker) MonitorPositionChanges(ctx context.Context, account string) (broker.MonitorReport, error) {
	if err := b.delay(ctx, "monitor_position_changes"); err != nil {
		return broker.MonitorReport{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	report := broker.MonitorReport{CancelledOrphans: b.cancelOrphansLocked()}
	for contract, p := range b.positions {
		report.Resized += b.shrinkLocked(contract, p, true)
		report.Resized += b.shrinkLocked(contract, p, false)
	}
	report.Positions = len(b.positions)
	report.Orders = len(b.orders)
	return report, nil
}

func (b *Broker) cancelOrphansLocked() int {
	cancelled := 0
	for id, o := range b.orders {
		p, ok := b.positions[o.Symbol]
		if !ok || p.Side != o.Side.Opposite() {
			delete(b.orders, id)
			cancelled++
		}
	}
	return cancelled
}

func (b *Broker) exitSizeLocked(contract string, side market.Side, protective bool) int {
	total := 0
	for _, o := range b.orders {
		if o.Symbol == contract && o.Side == side && o.Type.Protective() == protective {
			total += o.Size
		}
	}
	return total
}

// shrinkLocked trims exit orders of one kind (stops or targets) down to the position size.
// It returns how many orders were changed.
func (b *Broker) shrinkLocked(contract string, p *broker.Position, protective bool) int {
	excess := b.exitSizeLocked(contract, p.Side.Opposite(), protective) - p.Size
	if excess <= 0 {
		return 0
	}

	var exits []*broker.Order
	for _, o := range b.orders {
		if o.Symbol == contract && o.Side == p.Side.Opposite() && o.Type.Protective() == protective {
			exits = append(exits, o)
		}
	}
	sort.Slice(exits, func(i, j int) bool { return exits[i].ID > exits[j].ID })

	changed := 0
	for _, o := range exits {
		if excess == 0 {
			break
		}
		cut := min(excess, o.Size)
		o.Size -= cut
		excess -= cut
		changed++
		if o.Size == 0 {
			delete(b.orders, o.ID)
		}
	}
	return changed
}
