package reconciler

import (
	"context"
	"fmt"
	"time"

	"mmbot/internal/clockid"
)

// maxBackoffSeconds caps the exponential reconnect delay (spec §4.6: "On
// feed error: exponential backoff min(2^attempt, 60) seconds").
const maxBackoffSeconds = 60

// Stream abstracts the venue's account event source so Run can be tested
// without a real WebSocket. Connect returns once the stream is established;
// msgCh then delivers raw messages and is closed when the stream ends (ctx
// cancellation, read error, or server close).
type Stream interface {
	Connect(ctx context.Context) (msgCh <-chan []byte, err error)
}

// Run consumes raw messages from stream and hands each to HandleMessage,
// reconnecting with capped exponential backoff on disconnect. Unlike the
// WebSocket feed's unbounded retry (internal/feed/feed.go), the account
// stream gives up after maxRetries consecutive failures: per spec §4.6 that
// stops the reconciler but must not bring down the trading loop, so Run
// returns an error for the caller to log rather than panicking or exiting.
func (a *AccountReconciler) Run(ctx context.Context, stream Stream, maxRetries int, jitter *clockid.JitterSource) error {
	attempt := 0
	for {
		msgCh, err := stream.Connect(ctx)
		if err == nil {
			attempt = 0
			err = a.drain(ctx, msgCh)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			attempt = 0
			continue
		}

		attempt++
		if attempt > maxRetries {
			a.log.Error("account stream reconnect attempts exhausted, stopping reconciler",
				"attempts", attempt, "max_retries", maxRetries, "error", err)
			return fmt.Errorf("account stream exhausted %d retries: %w", maxRetries, err)
		}

		wait := backoffDelay(attempt, jitter)
		a.log.Warn("account stream disconnected, reconnecting",
			"attempt", attempt, "max_retries", maxRetries, "wait", wait, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// drain reads msgCh to completion, dispatching each message. A handling
// error is logged and does not terminate the stream; only channel closure
// (or a ctx cancellation) ends the read loop.
func (a *AccountReconciler) drain(ctx context.Context, msgCh <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-msgCh:
			if !ok {
				return fmt.Errorf("account stream closed")
			}
			if err := a.HandleMessage(ctx, raw); err != nil {
				a.log.Error("account event handling failed", "error", err)
			}
		}
	}
}

// backoffDelay returns min(2^attempt, maxBackoffSeconds) seconds, jittered
// by up to ±20% to avoid reconnect storms against the venue.
func backoffDelay(attempt int, jitter *clockid.JitterSource) time.Duration {
	seconds := 1 << attempt
	if seconds > maxBackoffSeconds || seconds <= 0 {
		seconds = maxBackoffSeconds
	}
	base := time.Duration(seconds) * time.Second
	if jitter == nil {
		return base
	}
	return time.Duration(float64(base) * jitter.SignedPct(0.2))
}
