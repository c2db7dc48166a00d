package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Upstream streams can burst far faster than subscribers need; ticks
// beyond this rate are dropped, keeping only the market's latest word.
const maxTicksPerSecond = 20

// wsTick is the upstream stream's wire format.
type wsTick struct {
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
}

// WebsocketFeed streams live ticks from an upstream websocket endpoint
// and fans them out to subscribers. The connection is re-dialed with
// capped exponential backoff after any read failure.
type WebsocketFeed struct {
	url     string
	limiter *rate.Limiter

	mu     sync.Mutex
	subs   map[int]TickHandler
	nextID int
}

func NewWebsocketFeed(url string) *WebsocketFeed {
	return &WebsocketFeed{
		url:     url,
		limiter: rate.NewLimiter(rate.Limit(maxTicksPerSecond), maxTicksPerSecond),
		subs:    make(map[int]TickHandler),
	}
}

// Subscribe registers a handler for every future tick.
func (f *WebsocketFeed) Subscribe(handler TickHandler) Unsubscribe {
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

// Start runs the read loop until ctx is cancelled.
func (f *WebsocketFeed) Start(ctx context.Context) {
	logger := log.With().Str("component", "price_feed").Str("url", f.url).Logger()
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err != nil {
			logger.Warn().Err(err).Dur("backoff", backoff).Msg("feed dial failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		logger.Info().Msg("price feed connected")
		backoff = time.Second
		f.readLoop(ctx, conn)
		conn.Close()
	}
}

func (f *WebsocketFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	logger := log.With().Str("component", "price_feed").Logger()

	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("feed read failed, reconnecting")
			}
			return
		}

		var raw wsTick
		if err := json.Unmarshal(payload, &raw); err != nil {
			logger.Debug().Err(err).Msg("skipping malformed tick")
			continue
		}
		if raw.Price <= 0 {
			continue
		}
		if !f.limiter.Allow() {
			continue
		}

		tick := Tick{
			Price:     raw.Price,
			Timestamp: time.UnixMilli(raw.Timestamp),
		}
		f.fanout(tick)
	}
}

func (f *WebsocketFeed) fanout(tick Tick) {
	f.mu.Lock()
	handlers := make([]TickHandler, 0, len(f.subs))
	for _, handler := range f.subs {
		handlers = append(handlers, handler)
	}
	f.mu.Unlock()

	for _, handler := range handlers {
		handler(tick)
	}
}
