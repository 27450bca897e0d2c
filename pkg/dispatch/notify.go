package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/guido-cesarano/signalq/pkg/market"
	"github.com/guido-cesarano/signalq/pkg/notify"
	"github.com/guido-cesarano/signalq/pkg/signals"
	"github.com/shopspring/decimal"
)

// resultEvent describes res for the notifier. Failures are only reported here
// when no scheduler is attached; scheduled failures are reported once retries
// are exhausted by the scheduler's failure sink.
func (d *Dispatcher) resultEvent(sig signals.Signal, res Result) (notify.Event, bool) {
	name := fmt.Sprintf("%s %s", res.Action, res.Symbol)
	switch {
	case !res.Success:
		if d.sched != nil {
			return notify.Event{}, false
		}
		return notify.Event{
			Kind:        notify.KindError,
			Title:       "Dispatch failed: " + name,
			Description: res.Error,
			Fields:      []notify.Field{{Name: "Error kind", Value: string(res.Kind), Inline: true}},
		}, true

	case res.Debounced, res.Ignored:
		return notify.Event{
			Kind:        notify.KindSignal,
			Title:       "Signal skipped: " + name,
			Description: res.Reason,
		}, true

	case sig.Action.IsOpen():
		color := notify.ColorGreen
		if res.Side == market.Sell {
			color = notify.ColorRed
		}
		fields := []notify.Field{
			{Name: "Account", Value: orDash(d.cfg.Account), Inline: true},
			{Name: "Symbol", Value: res.Symbol, Inline: true},
			{Name: "Side", Value: res.Side.String(), Inline: true},
			{Name: "Quantity", Value: strconv.Itoa(d.cfg.PositionSize), Inline: true},
		}
		fields = appendPrice(fields, "Entry", sig.Entry)
		fields = appendPrice(fields, "Stop Loss", sig.StopLoss)
		fields = appendPrice(fields, "Take Profit 1", sig.TakeProfit1)
		fields = appendPrice(fields, "Take Profit 2", sig.TakeProfit2)
		fields = append(fields, notify.Field{Name: "Orders", Value: strconv.Itoa(len(res.Orders)), Inline: true})
		e := notify.Event{Kind: notify.KindOrder, Title: "Order placed: " + name, Color: color, Fields: fields}
		if res.Partial {
			e.Description = res.Reason
		}
		return e, true
	}

	fields := []notify.Field{
		{Name: "Account", Value: orDash(d.cfg.Account), Inline: true},
		{Name: "Symbol", Value: res.Symbol, Inline: true},
		{Name: "Side", Value: res.Side.String(), Inline: true},
		{Name: "Closed", Value: strconv.Itoa(res.ClosedPositions), Inline: true},
		{Name: "Cancelled orders", Value: strconv.Itoa(res.CancelledOrders), Inline: true},
	}
	fields = appendPrice(fields, "P&L", sig.PnL)
	return notify.Event{
		Kind:        notify.KindClose,
		Title:       "Position closed: " + name,
		Description: res.Reason,
		Fields:      fields,
	}, true
}

// sendNotification delivers the event for res. Its failure is only logged.
func (d *Dispatcher) sendNotification(ctx context.Context, sig signals.Signal, res Result) {
	if d.notifier == nil {
		return
	}
	e, ok := d.resultEvent(sig, res)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.notifyTimeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, e); err != nil && !errors.Is(err, notify.ErrRateLimited) {
		d.log.Warn().Err(err).Str("action", string(res.Action)).Msg("Failed to send notification")
	}
}

func appendPrice(fields []notify.Field, name string, v decimal.NullDecimal) []notify.Field {
	if !v.Valid {
		return fields
	}
	return append(fields, notify.Field{Name: name, Value: v.Decimal.StringFixed(2), Inline: true})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
