// Package feed provides the market-price collaborators: a subscription
// stream of live ticks and a synchronous fetch of the current price for a
// named source.
package feed

import (
	"context"
	"time"
)

// Tick is one observation from the live price stream.
type Tick struct {
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// TickHandler consumes one tick. Handlers must not block: slow work is
// the handler's job to offload.
type TickHandler func(tick Tick)

// Unsubscribe detaches a previously registered handler.
type Unsubscribe func()

// PriceFeed delivers live ticks at least once each; ordering across
// upstream sources is not guaranteed.
type PriceFeed interface {
	Subscribe(handler TickHandler) Unsubscribe
}

// PriceFetcher returns the current price for a named pricing source.
// Calls are bounded by the context deadline and may fail transiently.
type PriceFetcher interface {
	FetchPrice(ctx context.Context, source string) (float64, error)
}
