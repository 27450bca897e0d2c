package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/guido-cesarano/signalq/pkg/api"
	"github.com/guido-cesarano/signalq/pkg/broker"
	"github.com/guido-cesarano/signalq/pkg/broker/paper"
	"github.com/guido-cesarano/signalq/pkg/config"
	"github.com/guido-cesarano/signalq/pkg/debounce"
	"github.com/guido-cesarano/signalq/pkg/dispatch"
	"github.com/guido-cesarano/signalq/pkg/logger"
	"github.com/guido-cesarano/signalq/pkg/notify"
	"github.com/guido-cesarano/signalq/pkg/queue"
	"github.com/guido-cesarano/signalq/pkg/store"
	"github.com/guido-cesarano/signalq/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// storeDepth tracks the length of the Redis history lists.
// Labels:
//   - list: "completed_queue" or "dead_letter_queue"
var storeDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "signalq_store_list_length",
	Help: "Number of entries in each Redis history list",
}, []string{"list"})

// app holds the wired components of a running server.
type app struct {
	cfg        *config.Config
	store      *store.Client // nil when Redis is disabled
	sched      *queue.Scheduler
	memGuard   *debounce.Memory // nil when debouncing through Redis
	notifier   notify.Notifier  // nil without a webhook URL
	paper      *paper.Broker
	dispatcher *dispatch.Dispatcher
	router     http.Handler
}

// newApp wires every component from cfg. Nothing runs until start.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	var sinkOpts []queue.Option
	if cfg.Redis.Enabled {
		a.store = store.NewClient(cfg.Redis.Addr)
		if err := a.store.Ping(ctx); err != nil {
			a.store.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		sinkOpts = append(sinkOpts, queue.WithResultSink(a.store))
	}

	if url := cfg.Notify.WebhookURL; url != "" {
		opts := []notify.Option{
			notify.WithUsername(cfg.Notify.Username),
			notify.WithMinInterval(cfg.NotifyMinInterval()),
		}
		if a.store != nil {
			opts = append(opts, notify.WithLimiter(a.store, "ratelimit:"+cfg.Notify.RateLimitKey, cfg.Notify.Rate, cfg.Notify.Burst))
		}
		a.notifier = notify.NewDiscord(url, opts...)
		sinkOpts = append(sinkOpts, queue.WithResultSink(notify.NewFailureSink(a.notifier)))
	} else {
		logger.Log.Info().Msg("Notifications disabled: no webhook URL configured")
	}

	a.sched = queue.NewScheduler(cfg.SchedulerConfig(), sinkOpts...)

	var guard debounce.Guard
	switch {
	case cfg.DebounceWindow() == 0:
		logger.Log.Info().Msg("Debounce disabled")
	case a.store != nil:
		guard = debounce.NewRedis(a.store, cfg.DebounceWindow())
	default:
		a.memGuard = debounce.NewMemory(cfg.DebounceWindow())
		guard = a.memGuard
	}

	a.paper = paper.New(
		paper.WithContractMonth(cfg.Trading.ContractMonth),
		paper.WithLatency(time.Duration(cfg.Trading.PaperLatencyMs)*time.Millisecond),
	)
	var b broker.Broker = a.paper
	if cfg.RateLimit.Enabled && a.store != nil {
		b = broker.RateLimited(a.paper, a.store, "ratelimit:"+cfg.RateLimit.Key, cfg.RateLimit.Rate, cfg.RateLimit.Burst)
	}

	dispatchOpts := []dispatch.Option{dispatch.WithScheduler(a.sched)}
	if a.notifier != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithNotifier(a.notifier))
	}
	a.dispatcher = dispatch.New(b, guard, cfg.DispatchConfig(), dispatchOpts...)

	var results api.ResultStore
	if a.store != nil {
		results = a.store
	}
	a.router = api.NewRouter(a.dispatcher, a.sched, results, cfg.App.APIKey)
	return a, nil
}

// start launches the workers and registers the periodic jobs.
func (a *app) start() error {
	if spec := a.cfg.Reconcile.Spec; spec != "" {
		_, err := a.sched.Schedule(spec, func(ctx context.Context) (any, error) {
			return a.dispatcher.Reconcile(ctx, dispatch.PassBrackets)
		},
			queue.WithPriority(tasks.PriorityLow),
			queue.WithType("reconcile.periodic"),
			queue.WithTimeout(time.Duration(a.cfg.Reconcile.TimeoutSecs)*time.Second),
		)
		if err != nil {
			return fmt.Errorf("schedule reconciliation: %w", err)
		}
	}

	if a.memGuard != nil {
		_, err := a.sched.Schedule("@every 1m", func(ctx context.Context) (any, error) {
			return a.memGuard.Prune(time.Now()), nil
		},
			queue.WithPriority(tasks.PriorityBackground),
			queue.WithType("debounce.prune"),
			queue.WithMaxRetries(0),
		)
		if err != nil {
			return fmt.Errorf("schedule debounce prune: %w", err)
		}
	}

	a.sched.Start(a.cfg.Scheduler.Workers)
	return nil
}

// stop drains the scheduler and releases Redis.
func (a *app) stop(drainTimeout time.Duration) error {
	err := a.sched.Stop(drainTimeout)
	a.sched.LogStats()
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil {
			logger.Log.Error().Err(cerr).Msg("Failed to close redis client")
		}
	}
	return err
}

// collectMetrics periodically logs scheduler statistics and updates the store gauges.
func (a *app) collectMetrics(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sched.LogStats()
			if a.store == nil {
				continue
			}
			for list, depth := range a.store.Depths(ctx) {
				storeDepth.WithLabelValues(list).Set(float64(depth))
			}
		}
	}
}
