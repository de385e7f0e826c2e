package venue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReadTimeout  = 90 * time.Second
	wsPingInterval = 50 * time.Second
)

// AccountWS is the account-event WebSocket adapter, grounded on the
// teacher's WSFeed (dial, ping loop, read-deadline watchdog) narrowed to a
// single connection attempt per Connect call — reconnection itself is
// reconciler.Run's job (internal/reconciler/reconnect.go), not this type's,
// so Connect here satisfies both venue.AccountEventStream and
// reconciler.Stream without duplicating the backoff loop.
type AccountWS struct {
	url    string
	apiKey string
	logger *slog.Logger
}

// NewAccountWS creates an account event stream adapter for url, authenticated
// with apiKey.
func NewAccountWS(url, apiKey string, logger *slog.Logger) *AccountWS {
	return &AccountWS{url: url, apiKey: apiKey, logger: logger.With("component", "venue_ws")}
}

// Connect dials the account channel and returns a channel of raw messages.
// The returned channel is closed, and the background goroutine exits, once
// the connection drops or ctx is cancelled — matching reconciler.Stream's
// contract that Connect blocks the connection's lifetime internally via the
// returned channel rather than via Connect itself blocking.
func (a *AccountWS) Connect(ctx context.Context) (<-chan []byte, error) {
	dialer := websocket.DefaultDialer
	header := map[string][]string{"X-API-Key": {a.apiKey}}
	conn, _, err := dialer.DialContext(ctx, a.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial account stream: %w", err)
	}

	msgCh := make(chan []byte, 64)

	pingCtx, cancelPing := context.WithCancel(ctx)
	go a.pingLoop(pingCtx, conn)

	go func() {
		defer close(msgCh)
		defer cancelPing()
		defer conn.Close()

		for {
			if ctx.Err() != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				a.logger.Warn("account stream read failed", "error", err)
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return msgCh, nil
}

func (a *AccountWS) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				a.logger.Warn("account stream ping failed", "error", err)
				return
			}
		}
	}
}
