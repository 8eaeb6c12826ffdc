package data

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/regimetrader/engine/internal/calendar"
	"github.com/regimetrader/engine/pkg/types"
)

// BarProducer is the producer side of a live feed (e.g. a broker REST
// poller). Producers push through Publish; the loop is the sole
// consumer. The queue is bounded and blocking: drop-oldest is
// forbidden, so a full queue blocks the producer or fails Publish when
// its context expires.
type BarProducer interface {
	Start(ctx context.Context, publish func(context.Context, *types.Bar) error) error
	Stop() error
}

// LiveFeed adapts a BarProducer to the BarSource contract. Synthetic
// fallback is never permitted in live mode; a gap simply yields no bar
// until the producer delivers one.
type LiveFeed struct {
	mu       sync.Mutex
	logger   *zap.Logger
	store    *Store
	producer BarProducer
	queues   map[string]chan *types.Bar
	symbols  []string
	capacity int
}

// NewLiveFeed creates a live feed with a bounded per-symbol queue.
func NewLiveFeed(logger *zap.Logger, store *Store, producer BarProducer, queueCapacity int) *LiveFeed {
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	return &LiveFeed{
		logger:   logger.Named("livefeed"),
		store:    store,
		producer: producer,
		queues:   make(map[string]chan *types.Bar),
		capacity: queueCapacity,
	}
}

// Connect starts the producer.
func (f *LiveFeed) Connect(ctx context.Context) error {
	if f.producer == nil {
		return fmt.Errorf("live feed has no producer configured")
	}
	return f.producer.Start(ctx, f.publish)
}

// Subscribe registers symbols and seeds each queue with preload bars
// from the cache so warmup history flows through the pipeline.
func (f *LiveFeed) Subscribe(symbols []string, preloadBars int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.symbols = append([]string{}, symbols...)
	for _, symbol := range symbols {
		q := make(chan *types.Bar, f.capacity)
		if preloadBars > 0 {
			bars, err := f.store.LatestBars(symbol, "1m", preloadBars)
			if err != nil {
				return fmt.Errorf("preload %s: %w", symbol, err)
			}
			for _, b := range bars {
				select {
				case q <- b:
				default:
					return fmt.Errorf("preload overflow for %s", symbol)
				}
			}
		}
		f.queues[symbol] = q
	}
	return nil
}

func (f *LiveFeed) publish(ctx context.Context, bar *types.Bar) error {
	if !calendar.IsTradingDay(bar.Ts) {
		return nil
	}
	f.mu.Lock()
	q, ok := f.queues[bar.Symbol]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	// Blocking on a full queue applies backpressure to the producer.
	select {
	case q <- bar:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", bar.Symbol, ctx.Err())
	}
}

// GetNextBar returns a queued bar or nil when none is ready.
func (f *LiveFeed) GetNextBar(symbol string) (*types.Bar, error) {
	f.mu.Lock()
	q, ok := f.queues[symbol]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("symbol %s not subscribed", symbol)
	}
	select {
	case bar := <-q:
		return bar, nil
	default:
		return nil, nil
	}
}

// GetNextNBars drains up to n queued bars.
func (f *LiveFeed) GetNextNBars(symbol string, n int) ([]*types.Bar, error) {
	var out []*types.Bar
	for len(out) < n {
		bar, err := f.GetNextBar(symbol)
		if err != nil {
			return out, err
		}
		if bar == nil {
			break
		}
		out = append(out, bar)
	}
	return out, nil
}

// GetLatestBars serves feature warmup from the cache.
func (f *LiveFeed) GetLatestBars(symbol, timeframe string, n int) ([]*types.Bar, error) {
	return f.store.LatestBars(symbol, timeframe, n)
}
