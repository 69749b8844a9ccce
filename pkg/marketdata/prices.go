// Package marketdata supplies mark prices to the paper broker and P&L
// tracker. The default source is an in-process map fed by the price
// producers; a Redis-backed source lets several processes share one feed.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoPrice is returned when no mark price is known for a symbol.
var ErrNoPrice = errors.New("marketdata: no price for symbol")

// PriceSource returns the current mark (mid) price for a symbol.
type PriceSource interface {
	Mark(ctx context.Context, symbol string) (float64, error)
}

// PriceSink accepts price updates from producers.
type PriceSink interface {
	SetMark(ctx context.Context, symbol string, price float64) error
}

// MemoryPrices is the default in-process price store.
type MemoryPrices struct {
	mu    sync.RWMutex
	marks map[string]float64
}

func NewMemoryPrices() *MemoryPrices {
	return &MemoryPrices{marks: make(map[string]float64)}
}

func (m *MemoryPrices) Mark(_ context.Context, symbol string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.marks[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return p, nil
}

func (m *MemoryPrices) SetMark(_ context.Context, symbol string, price float64) error {
	if price <= 0 {
		return fmt.Errorf("marketdata: non-positive price %v for %s", price, symbol)
	}
	m.mu.Lock()
	m.marks[symbol] = price
	m.mu.Unlock()
	return nil
}

// RedisPrices shares marks across processes through Redis with a TTL so a
// dead feed goes stale instead of serving old prices forever.
type RedisPrices struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisPrices(client *redis.Client, prefix string, ttl time.Duration) *RedisPrices {
	if prefix == "" {
		prefix = "b1e55ed:mark:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisPrices{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisPrices) Mark(ctx context.Context, symbol string) (float64, error) {
	s, err := r.client.Get(ctx, r.prefix+symbol).Result()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	if err != nil {
		return 0, fmt.Errorf("marketdata: redis get %s: %w", symbol, err)
	}
	p, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("marketdata: bad price %q for %s: %w", s, symbol, err)
	}
	return p, nil
}

func (r *RedisPrices) SetMark(ctx context.Context, symbol string, price float64) error {
	if price <= 0 {
		return fmt.Errorf("marketdata: non-positive price %v for %s", price, symbol)
	}
	if err := r.client.Set(ctx, r.prefix+symbol, strconv.FormatFloat(price, 'f', -1, 64), r.ttl).Err(); err != nil {
		return fmt.Errorf("marketdata: redis set %s: %w", symbol, err)
	}
	return nil
}
