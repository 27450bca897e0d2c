package broker

import (
	"context"
	"time"

	"github.com/guido-cesarano/signalq/pkg/logger"
	"github.com/rs/zerolog"
)

var _ Broker = (*Limited)(nil)

// Limiter is a token bucket shared across processes. store.Client implements it.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, burst int) (bool, error)
}

// Limited decorates a Broker so that every call first takes a token from the bucket.
// If the limiter itself errors the call proceeds.
type Limited struct {
	inner   Broker
	limiter Limiter
	key     string
	rate    int
	burst   int
	poll    time.Duration
	log     zerolog.Logger
}

// RateLimited wraps inner with a token bucket of rate tokens/sec and the given burst.
func RateLimited(inner Broker, limiter Limiter, key string, rate, burst int) *Limited {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = rate
	}
	return &Limited{
		inner:   inner,
		limiter: limiter,
		key:     key,
		rate:    rate,
		burst:   burst,
		poll:    50 * time.Millisecond,
		log:     logger.Component("broker"),
	}
}

func (l *Limited) wait(ctx context.Context, op string) error {
	for {
		ok, err := l.limiter.Allow(ctx, l.key, l.rate, l.burst)
		if err != nil {
			l.log.Warn().Err(err).Str("op", op).Msg("Rate limiter unavailable, proceeding")
			return nil
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return Wrap(op, ctx.Err())
		case <-time.After(l.poll):
		}
	}
}

func (l *Limited) OpenPositions(ctx context.Context, account string) ([]Position, error) {
	if err := l.wait(ctx, "open_positions"); err != nil {
		return nil, err
	}
	return l.inner.OpenPositions(ctx, account)
}

func (l *Limited) OpenOrders(ctx context.Context, account string) ([]Order, error) {
	if err := l.wait(ctx, "open_orders"); err != nil {
		return nil, err
	}
	return l.inner.OpenOrders(ctx, account)
}

func (l *Limited) PlaceMarketOrder(ctx context.Context, o MarketOrder) (OrderResult, error) {
	if err := l.wait(ctx, "place_market_order"); err != nil {
		return OrderResult{}, err
	}
	return l.inner.PlaceMarketOrder(ctx, o)
}

func (l *Limited) CreateBracketOrder(ctx context.Context, b BracketOrder) (OrderResult, error) {
	if err := l.wait(ctx, "create_bracket_order"); err != nil {
		return OrderResult{}, err
	}
	return l.inner.CreateBracketOrder(ctx, b)
}

func (l *Limited) CreateExitBracket(ctx context.Context, b BracketOrder) (OrderResult, error) {
	if err := l.wait(ctx, "create_exit_bracket"); err != nil {
		return OrderResult{}, err
	}
	return l.inner.CreateExitBracket(ctx, b)
}

func (l *Limited) ClosePosition(ctx context.Context, positionID string) error {
	if err := l.wait(ctx, "close_position"); err != nil {
		return err
	}
	return l.inner.ClosePosition(ctx, positionID)
}

func (l *Limited) CancelOrder(ctx context.Context, orderID string) error {
	if err := l.wait(ctx, "cancel_order"); err != nil {
		return err
	}
	return l.inner.CancelOrder(ctx, orderID)
}

func (l *Limited) FlattenAll(ctx context.Context, account string) (FlattenResult, error) {
	if err := l.wait(ctx, "flatten_all"); err != nil {
		return FlattenResult{}, err
	}
	return l.inner.FlattenAll(ctx, account)
}

func (l *Limited) MonitorPositionChanges(ctx context.Context, account string) (MonitorReport, error) {
	if err := l.wait(ctx, "monitor_position_changes"); err != nil {
		return MonitorReport{}, err
	}
	return l.inner.MonitorPositionChanges(ctx, account)
}

func (l *Limited) MonitorBracketPositions(ctx context.Context, account string) (MonitorReport, error) {
	if err := l.wait(ctx, "monitor_bracket_positions"); err != nil {
		return MonitorReport{}, err
	}
	return l.inner.MonitorBracketPositions(ctx, account)
}
