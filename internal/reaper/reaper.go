// Package reaper periodically reconciles the destination venue's open
// orders against the locally tracked OMS/store state and cancels whatever
// the venue shows open but the bot has no record of (spec §4.10).
//
// Grounded on unregistered_order_cleanup.py's UnregisteredOrderCleanupService:
// the asyncio sleep loop becomes a time.Ticker-driven goroutine, and the
// batch-of-5/pause-3s/rate-limit-backoff cancellation pacing is carried
// over verbatim in shape, with time.After timers in place of asyncio.sleep
// and clockid.Clock supplying "now" for order-age checks.
package reaper

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"mmbot/internal/clockid"
	"mmbot/internal/store"
	"mmbot/internal/venue"
)

const (
	// maxPages bounds pagination against a venue that never returns an
	// empty page (defensive; spec §4.10 does not expect this to trigger).
	maxPages = 100

	defaultCancelsPerBatch = 5

	cancelDelay              = 500 * time.Millisecond
	batchPause               = 3 * time.Second
	rateLimitPause           = 2 * time.Second
	rateLimitStreakPause     = 30 * time.Second
	rateLimitStreakThreshold = 5
)

// Config holds the reaper's tunables, sourced from system.*/reaper.* settings.
type Config struct {
	Enabled               bool
	SymbolDst             string
	CheckInterval         time.Duration
	RegistrationTimeoutMs int64

	// PageSize is the page size the venue is expected to honor;
	// fetchExchangeOrders stops paginating once a page comes back
	// shorter than this. 0 falls back to requesting until an empty page.
	PageSize int
	// CancelsPerBatch orders are cancelled before pausing for batchPause.
	// 0 falls back to defaultCancelsPerBatch.
	CancelsPerBatch int
}

func (c Config) cancelsPerBatch() int {
	if c.CancelsPerBatch > 0 {
		return c.CancelsPerBatch
	}
	return defaultCancelsPerBatch
}

// Reaper cancels orders open on the venue but absent from local tracking.
type Reaper struct {
	cfg    Config
	venue  venue.Client
	store  *store.Store
	clock  clockid.Clock
	log    *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	Runs      int
	Found     int
	Cancelled int
	Errors    int
}

// New builds a Reaper.
func New(cfg Config, venueClient venue.Client, st *store.Store, clock clockid.Clock, log *slog.Logger) *Reaper {
	return &Reaper{
		cfg:   cfg,
		venue: venueClient,
		store: st,
		clock: clock,
		log:   log.With("component", "reaper"),
	}
}

// InitialReap runs one cleanup cycle synchronously, before the market feed
// starts accepting quotes, so the bot never begins laying a new ladder on
// top of stale orders left by a prior crash (spec §4.10).
func (r *Reaper) InitialReap(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.log.Info("initial cleanup disabled, skipping")
		return nil
	}
	r.log.Info("running initial cleanup of unregistered orders")
	if err := r.performCleanup(ctx); err != nil {
		r.log.Error("initial cleanup failed", "error", err)
		return err
	}
	r.log.Info("initial cleanup completed")
	return nil
}

// Start launches the periodic cleanup loop, ticking every
// cfg.CheckInterval. It returns immediately; call Stop to tear it down.
func (r *Reaper) Start(ctx context.Context) {
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if !r.cfg.Enabled {
					continue
				}
				if err := r.performCleanup(ctx); err != nil {
					r.Errors++
					r.log.Error("cleanup cycle failed", "error", err)
				} else {
					r.Runs++
				}
			}
		}
	}()
}

// Stop signals the periodic loop to exit and waits for it to finish.
func (r *Reaper) Stop() {
	if r.stopCh != nil {
		close(r.stopCh)
		<-r.doneCh
	}
}

// performCleanup fetches the venue's open orders for the configured
// symbol, diffs them against local PENDING/WORKING orders, and cancels
// whatever is unregistered (spec §4.10, steps 1-4).
func (r *Reaper) performCleanup(ctx context.Context) error {
	exchangeOrders, err := r.fetchExchangeOrders(ctx)
	if err != nil {
		return err
	}
	if len(exchangeOrders) == 0 {
		return nil
	}

	registered, err := r.fetchRegisteredExternalIDs(ctx)
	if err != nil {
		return err
	}

	now := r.clock.Now()
	unregistered := r.findUnregistered(exchangeOrders, registered, now)
	if len(unregistered) == 0 {
		return nil
	}

	r.Found += len(unregistered)
	r.log.Info("found unregistered orders on venue", "count", len(unregistered), "exchange_total", len(exchangeOrders))
	r.cancelUnregistered(ctx, unregistered)
	return nil
}

// fetchExchangeOrders paginates GetOpenOrders at the 250-per-page hard
// limit until the venue returns a short/empty page.
func (r *Reaper) fetchExchangeOrders(ctx context.Context) ([]venue.OpenOrder, error) {
	var all []venue.OpenOrder
	for page := 1; page <= maxPages; page++ {
		batch, err := r.venue.GetOpenOrders(ctx, r.cfg.SymbolDst, page)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) == 0 || (r.cfg.PageSize > 0 && len(batch) < r.cfg.PageSize) {
			break
		}
	}
	return all, nil
}

// fetchRegisteredExternalIDs returns the set of external_order_id values
// the store tracks as PENDING/WORKING for the configured symbol.
func (r *Reaper) fetchRegisteredExternalIDs(ctx context.Context) (map[string]bool, error) {
	active, err := r.store.Orders().ActiveBySymbol(ctx, r.cfg.SymbolDst)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(active))
	for _, o := range active {
		if o.ExternalOrderID != "" {
			ids[o.ExternalOrderID] = true
		}
	}
	return ids, nil
}

// findUnregistered returns exchangeOrders not present in registered,
// skipping any order younger than RegistrationTimeoutMs since it may
// simply not have been persisted yet (spec §4.10's grace window).
func (r *Reaper) findUnregistered(exchangeOrders []venue.OpenOrder, registered map[string]bool, now time.Time) []venue.OpenOrder {
	var out []venue.OpenOrder
	for _, o := range exchangeOrders {
		if registered[o.ExternalOrderID] {
			continue
		}
		if o.AgeMillis(now) < r.cfg.RegistrationTimeoutMs {
			r.log.Debug("skipping recent order that may still be registering", "order_id", o.ExternalOrderID, "age_ms", o.AgeMillis(now))
			continue
		}
		out = append(out, o)
	}
	return out
}

// cancelUnregistered cancels each order in turn, pacing requests to stay
// under the venue's rate limit: a short delay between cancels, a longer
// pause every batchSize orders, and escalating backoff on repeated
// rate-limit errors (spec §4.10's cancellation pacing).
func (r *Reaper) cancelUnregistered(ctx context.Context, orders []venue.OpenOrder) {
	rateLimitStreak := 0
	cancelled := 0
	batchSize := r.cfg.cancelsPerBatch()

	for i, o := range orders {
		if ctx.Err() != nil {
			return
		}

		err := r.venue.CancelOrder(ctx, o.ExternalOrderID)
		switch {
		case err == nil:
			cancelled++
			r.Cancelled++
			rateLimitStreak = 0
			r.log.Info("cancelled unregistered order", "order_id", o.ExternalOrderID, "symbol", o.Symbol, "side", o.Side)
			r.sleep(ctx, cancelDelay)

		case isRateLimitError(err):
			rateLimitStreak++
			r.log.Warn("rate limited while cancelling order, will retry later", "order_id", o.ExternalOrderID, "streak", rateLimitStreak)
			if rateLimitStreak > rateLimitStreakThreshold {
				r.log.Info("multiple rate limits hit, pausing cleanup", "cancelled_so_far", cancelled, "pause", rateLimitStreakPause)
				r.sleep(ctx, rateLimitStreakPause)
				rateLimitStreak = 0
			} else {
				r.sleep(ctx, rateLimitPause)
			}

		default:
			r.log.Error("failed to cancel unregistered order", "order_id", o.ExternalOrderID, "error", err)
		}

		if (i+1)%batchSize == 0 {
			r.log.Info("processed batch of orders, pausing", "batch_num", (i+1)/batchSize, "total_cancelled", cancelled, "remaining", len(orders)-i-1)
			r.sleep(ctx, batchPause)
		}
	}

	if cancelled > 0 {
		r.log.Info("cleanup cycle completed", "cancelled_orders", cancelled, "total_unregistered", len(orders))
	}
}

// sleep pauses for d unless ctx is cancelled first.
func (r *Reaper) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// isRateLimitError reports whether err looks like a 429/rate-limit
// response, matching on substring since the venue boundary wraps HTTP
// status text rather than a typed rate-limit error (mirrors the original
// "429" in str(e) or "rate" in str(e).lower() check).
func isRateLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate")
}
