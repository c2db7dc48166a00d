package feed

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SimulatedFeed generates a random-walk price stream for development and
// load simulation. It implements both PriceFeed and PriceFetcher so a dev
// server needs no upstream at all.
type SimulatedFeed struct {
	interval time.Duration

	mu     sync.Mutex
	price  float64
	subs   map[int]TickHandler
	nextID int
}

func NewSimulatedFeed(startPrice float64, interval time.Duration) *SimulatedFeed {
	if interval <= 0 {
		interval = time.Second
	}
	return &SimulatedFeed{
		interval: interval,
		price:    startPrice,
		subs:     make(map[int]TickHandler),
	}
}

// Subscribe registers a handler for every future tick.
func (f *SimulatedFeed) Subscribe(handler TickHandler) Unsubscribe {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = handler
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// FetchPrice returns the walk's current price regardless of source.
func (f *SimulatedFeed) FetchPrice(_ context.Context, _ string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, nil
}

// Start runs the walk until ctx is cancelled.
func (f *SimulatedFeed) Start(ctx context.Context) {
	log.Info().
		Str("component", "price_feed").
		Float64("start_price", f.price).
		Dur("interval", f.interval).
		Msg("starting simulated feed")

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f.step(now)
		}
	}
}

func (f *SimulatedFeed) step(now time.Time) {
	f.mu.Lock()
	// Drift up to ±15bps per step.
	f.price *= 1 + (rand.Float64()-0.5)*0.003
	tick := Tick{Price: f.price, Timestamp: now}
	handlers := make([]TickHandler, 0, len(f.subs))
	for _, handler := range f.subs {
		handlers = append(handlers, handler)
	}
	f.mu.Unlock()

	for _, handler := range handlers {
		handler(tick)
	}
}
