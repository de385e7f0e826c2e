// Package feed implements the reference venue's MarketFeed: a WebSocket
// stream of top-of-book ticker updates, reconnected with unbounded
// exponential backoff (spec §1's "a MarketFeed that yields book-ticker
// updates").
//
// Grounded on the teacher's internal/exchange WSFeed (dial, ping loop,
// read-deadline watchdog, unbounded exponential-backoff reconnect) and
// binance_ws.py's book ticker message shape ({s,b,B,a,A}).
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"mmbot/internal/clockid"
	"mmbot/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	updateBufferSize = 256
)

// MarketFeed yields a stream of book-ticker snapshots from the reference
// venue (spec §1, §2's L0→L7 data flow).
type MarketFeed interface {
	Updates() <-chan types.BookTicker
	Run(ctx context.Context) error
}

// WSFeed is a MarketFeed backed by a single WebSocket subscription. Only
// one symbol is tracked per feed, matching spec §2's single reference
// BookTicker per tick.
type WSFeed struct {
	url    string
	symbol string
	jitter *clockid.JitterSource
	logger *slog.Logger

	updateCh chan types.BookTicker
}

// NewWSFeed creates a market feed dialing wsURL and decoding ticker
// messages for symbol.
func NewWSFeed(wsURL, symbol string, jitter *clockid.JitterSource, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:      wsURL,
		symbol:   symbol,
		jitter:   jitter,
		logger:   logger.With("component", "market_feed", "symbol", symbol),
		updateCh: make(chan types.BookTicker, updateBufferSize),
	}
}

// Updates returns the channel of book-ticker snapshots.
func (f *WSFeed) Updates() <-chan types.BookTicker { return f.updateCh }

// Run connects and maintains the WebSocket connection with unbounded
// exponential backoff, re-dialing on any disconnect. Unlike the account
// reconciler's bounded-retry stream, the reference market feed is load
// bearing for every downstream decision, so it never gives up (mirrors the
// teacher's WSFeed.Run).
func (f *WSFeed) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		wait := backoffDelay(attempt, f.jitter)
		f.logger.Warn("market feed disconnected, reconnecting", "attempt", attempt, "wait", wait, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func backoffDelay(attempt int, jitter *clockid.JitterSource) time.Duration {
	seconds := 1 << attempt
	if seconds > int(maxReconnectWait.Seconds()) || seconds <= 0 {
		seconds = int(maxReconnectWait.Seconds())
	}
	base := time.Duration(seconds) * time.Second
	if jitter == nil {
		return base
	}
	return time.Duration(float64(base) * jitter.SignedPct(0.2))
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, http.Header{})
	if err != nil {
		return fmt.Errorf("dial market feed: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	stopPing := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.pingLoop(conn, stopPing)
	}()
	defer func() {
		close(stopPing)
		wg.Wait()
	}()

	f.logger.Info("market feed connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read market feed message: %w", err)
		}
		ticker, ok, err := parseBookTicker(raw)
		if err != nil {
			f.logger.Error("failed to parse book ticker", "error", err)
			continue
		}
		if !ok {
			continue
		}
		select {
		case f.updateCh <- ticker:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop the stale update rather than block the read loop; the
			// next tick supersedes it.
			select {
			case <-f.updateCh:
			default:
			}
			f.updateCh <- ticker
		}
	}
}

func (f *WSFeed) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// bookTickerMessage is the wire shape of a book-ticker update, matching
// binance_ws.py's {s, b, B, a, A} fields (symbol, bid price/qty, ask
// price/qty).
type bookTickerMessage struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// parseBookTicker decodes raw into a types.BookTicker. ok is false for
// messages that are not book-ticker updates (missing the s/b/a fields),
// which are ignored rather than treated as errors.
func parseBookTicker(raw []byte) (types.BookTicker, bool, error) {
	var msg bookTickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return types.BookTicker{}, false, err
	}
	if msg.Symbol == "" || msg.BidPrice == "" || msg.AskPrice == "" {
		return types.BookTicker{}, false, nil
	}

	bidPrice, err := decimal.NewFromString(msg.BidPrice)
	if err != nil {
		return types.BookTicker{}, false, fmt.Errorf("parse bid price: %w", err)
	}
	askPrice, err := decimal.NewFromString(msg.AskPrice)
	if err != nil {
		return types.BookTicker{}, false, fmt.Errorf("parse ask price: %w", err)
	}
	bidQty, err := decimal.NewFromString(msg.BidQty)
	if err != nil {
		bidQty = decimal.Zero
	}
	askQty, err := decimal.NewFromString(msg.AskQty)
	if err != nil {
		askQty = decimal.Zero
	}

	if bidPrice.GreaterThan(askPrice) {
		return types.BookTicker{}, false, fmt.Errorf("book ticker crossed: bid %s > ask %s", bidPrice, askPrice)
	}

	return types.BookTicker{
		Symbol:   msg.Symbol,
		BidPrice: bidPrice,
		BidQty:   bidQty,
		AskPrice: askPrice,
		AskQty:   askQty,
		Ts:       time.Now(),
	}, true, nil
}
