package dispatch

import (
	"context"
	"fmt"
	"math"

	"github.com/guido-cesarano/signalq/pkg/broker"
	"github.com/guido-cesarano/signalq/pkg/market"
	"github.com/guido-cesarano/signalq/pkg/queue"
	"github.com/guido-cesarano/signalq/pkg/signals"
	"github.com/guido-cesarano/signalq/pkg/tasks"
	"github.com/shopspring/decimal"
)

// Reconciliation passes.
const (
	PassBrackets  = "brackets"
	PassPositions = "positions"
)

func validateOpen(sig signals.Signal, staged bool) error {
	switch {
	case !sig.Entry.Valid:
		return fmt.Errorf("%w: entry price missing", ErrValidation)
	case !sig.StopLoss.Valid:
		return fmt.Errorf("%w: stop loss missing", ErrValidation)
	case !sig.TakeProfit1.Valid:
		return fmt.Errorf("%w: take profit 1 missing", ErrValidation)
	case staged && !sig.TakeProfit2.Valid:
		return fmt.Errorf("%w: take profit 2 missing", ErrValidation)
	}
	return nil
}

// stagedSizes splits size into the TP1 and TP2 legs. The TP1 leg rounds half to even.
func stagedSizes(size int, frac float64) (tp1, tp2 int) {
	tp1 = int(math.RoundToEven(float64(size) * frac))
	if tp1 < 1 {
		tp1 = 1
	}
	if tp1 > size {
		tp1 = size
	}
	return tp1, size - tp1
}

// partialSize is the number of contracts closed by a partial exit.
func partialSize(size int, frac float64) int {
	n := int(float64(size) * frac)
	if n < 1 {
		n = 1
	}
	return n
}

func (d *Dispatcher) open(ctx context.Context, sig signals.Signal, res Result) Result {
	side := sig.Action.Side()
	staged := !d.cfg.CloseEntireAtTP1
	if err := validateOpen(sig, staged); err != nil {
		return res.fail(err)
	}

	if d.guard != nil && !d.guard.Allow(sig.Symbol, side, sig.ReceivedAt) {
		res.Success = true
		res.Debounced = true
		res.Kind = KindDebounced
		res.Reason = ErrDebounced.Error()
		return res
	}

	positions, err := d.broker.OpenPositions(ctx, d.cfg.Account)
	if err != nil {
		return res.fail(err)
	}
	held := 0
	for _, p := range positions {
		if market.SameRoot(p.Symbol, sig.Symbol) {
			held += p.Size
		}
	}
	size := d.cfg.PositionSize
	if held >= d.cfg.MaxPositionSize {
		return res.ignore("maximum position size limit reached")
	}
	if held+size > d.cfg.MaxPositionSize {
		return res.ignore("would exceed maximum position size")
	}

	if !staged {
		or, err := d.broker.CreateBracketOrder(ctx, broker.BracketOrder{
			Account:    d.cfg.Account,
			Symbol:     sig.Symbol,
			Side:       side,
			Size:       size,
			Entry:      sig.Entry,
			StopLoss:   sig.StopLoss.Decimal,
			TakeProfit: sig.TakeProfit1.Decimal,
		})
		if err != nil {
			return res.fail(err)
		}
		res.Success = true
		res.Orders = append(res.Orders, or)
		res.Reconcile = d.reconcile(ctx, PassBrackets)
		return res
	}

	entry, err := d.broker.PlaceMarketOrder(ctx, broker.MarketOrder{
		Account: d.cfg.Account,
		Symbol:  sig.Symbol,
		Side:    side,
		Size:    size,
	})
	if err != nil {
		return res.fail(err)
	}
	res.Success = true
	res.Orders = append(res.Orders, entry)

	tp1, tp2 := stagedSizes(size, d.cfg.TP1Fraction)
	legs := []struct {
		name   string
		size   int
		target decimal.Decimal
	}{
		{"tp1", tp1, sig.TakeProfit1.Decimal},
		{"tp2", tp2, sig.TakeProfit2.Decimal},
	}
	for _, leg := range legs {
		if leg.size <= 0 {
			continue
		}
		or, err := d.broker.CreateExitBracket(ctx, broker.BracketOrder{
			Account:    d.cfg.Account,
			Symbol:     sig.Symbol,
			Side:       side,
			Size:       leg.size,
			StopLoss:   sig.StopLoss.Decimal,
			TakeProfit: leg.target,
		})
		if err != nil {
			res.note("%s exit bracket failed: %v", leg.name, err)
			continue
		}
		res.Orders = append(res.Orders, or)
	}

	res.Reconcile = d.reconcile(ctx, PassBrackets)
	return res
}

// closeSide closes every position on the action's side and cancels all working orders.
func (d *Dispatcher) closeSide(ctx context.Context, sig signals.Signal, res Result) Result {
	side := sig.Action.Side()
	positions, err := d.broker.OpenPositions(ctx, d.cfg.Account)
	if err != nil {
		return res.fail(err)
	}
	res.Success = true

	for _, p := range positions {
		if p.Side != side {
			continue
		}
		if err := d.broker.ClosePosition(ctx, p.ID); err != nil {
			res.note("close %s: %v", p.ID, err)
			continue
		}
		res.ClosedPositions++
	}

	orders, err := d.broker.OpenOrders(ctx, d.cfg.Account)
	if err != nil {
		res.note("list orders: %v", err)
	}
	for _, o := range orders {
		if err := d.broker.CancelOrder(ctx, o.ID); err != nil {
			res.note("cancel %s: %v", o.ID, err)
			continue
		}
		res.CancelledOrders++
	}

	res.Reconcile = d.reconcile(ctx, PassBrackets)
	return res
}

// trim reduces the position after TP1 or an explicit trim. It flattens instead
// when the whole position closes at TP1, when at most one contract is held,
// when the sides are mixed, or when the partial close fails.
func (d *Dispatcher) trim(ctx context.Context, sig signals.Signal, res Result) Result {
	if d.cfg.CloseEntireAtTP1 {
		return d.flatten(ctx, res)
	}

	positions, err := d.broker.OpenPositions(ctx, d.cfg.Account)
	if err != nil {
		return res.fail(err)
	}

	side := sig.Action.Side()
	if sig.Action == signals.TrimPosition {
		side = market.Unknown
		for _, p := range positions {
			if !market.SameRoot(p.Symbol, sig.Symbol) {
				continue
			}
			if side != market.Unknown && side != p.Side {
				res.Reason = "mixed position sides"
				return d.flatten(ctx, res)
			}
			side = p.Side
		}
		res.Side = side
	}

	held := 0
	contract := sig.Symbol
	for _, p := range positions {
		if p.Side == side && market.SameRoot(p.Symbol, sig.Symbol) {
			held += p.Size
			contract = p.Symbol
		}
	}
	if held <= 1 {
		return d.flatten(ctx, res)
	}

	qty := partialSize(held, d.cfg.TP1Fraction)
	or, err := d.broker.PlaceMarketOrder(ctx, broker.MarketOrder{
		Account: d.cfg.Account,
		Symbol:  contract,
		Side:    side.Opposite(),
		Size:    qty,
	})
	if err != nil {
		d.log.Warn().Err(err).Str("symbol", sig.Symbol).Int("size", qty).Msg("Partial close failed, flattening")
		res.Reason = fmt.Sprintf("partial close failed: %v", err)
		return d.flatten(ctx, res)
	}

	res.Success = true
	res.Orders = append(res.Orders, or)
	res.ClosedPositions = qty
	res.Reason = fmt.Sprintf("closed %d of %d contracts", qty, held)
	res.Reconcile = d.reconcile(ctx, PassPositions)
	return res
}

func (d *Dispatcher) flatten(ctx context.Context, res Result) Result {
	fr, err := d.broker.FlattenAll(ctx, d.cfg.Account)
	if err != nil {
		return res.fail(err)
	}
	res.Success = true
	res.ClosedPositions = fr.ClosedPositions
	res.CancelledOrders = fr.CancelledOrders
	if res.Reason == "" {
		res.Reason = "flattened"
	} else {
		res.Reason += "; flattened"
	}
	return res
}

// Reconcile runs one reconciliation pass against the broker.
func (d *Dispatcher) Reconcile(ctx context.Context, pass string) (broker.MonitorReport, error) {
	var (
		rep broker.MonitorReport
		err error
	)
	switch pass {
	case PassPositions:
		rep, err = d.broker.MonitorPositionChanges(ctx, d.cfg.Account)
	default:
		pass = PassBrackets
		rep, err = d.broker.MonitorBracketPositions(ctx, d.cfg.Account)
	}
	if err != nil {
		reconcileResults.WithLabelValues(pass, "failed").Inc()
		d.log.Error().Err(err).Str("pass", pass).Msg("Reconciliation failed")
		return rep, err
	}
	reconcileResults.WithLabelValues(pass, "completed").Inc()
	if len(rep.Unprotected) > 0 {
		d.log.Warn().Strs("unprotected", rep.Unprotected).Str("pass", pass).Msg("Positions without protective orders")
	}
	return rep, nil
}

// reconcile follows an action. Its failure never changes the action's result.
func (d *Dispatcher) reconcile(ctx context.Context, pass string) *Reconcile {
	out := &Reconcile{Pass: pass}
	if d.sched != nil {
		op := func(ctx context.Context) (any, error) {
			return d.Reconcile(ctx, pass)
		}
		id, err := d.sched.Submit(op,
			queue.WithPriority(tasks.PriorityLow),
			queue.WithType("reconcile."+pass),
			queue.WithTimeout(d.cfg.ReconcileTimeout),
		)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.TaskID = id
		out.Scheduled = true
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ReconcileTimeout)
	defer cancel()
	rep, err := d.Reconcile(ctx, pass)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Report = &rep
	return out
}
