// Package venue defines the boundary to the destination trading venue:
// order submission/cancellation, the open-orders query the reaper
// reconciles against, balance snapshots, and the account event stream the
// reconciler consumes. Grounded on the teacher's internal/exchange
// (Client/WSFeed split) and deltadefi.py's DeltaDeFiClient, generalised
// behind a single interface so Paper and a real REST/WS adapter are
// interchangeable (spec §2: "a VenueClient exposing submit_order,
// cancel_order, get_open_orders, get_balances, and an account event
// stream").
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"mmbot/pkg/types"
)

// SubmitRequest is one order to place on the venue.
type SubmitRequest struct {
	Symbol   string
	Side     types.Side
	Type     types.OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// SubmitResult is the venue's acknowledgement of a submitted order.
type SubmitResult struct {
	ExternalOrderID string
}

// OpenOrder is one order the venue reports as still open, as returned by
// GetOpenOrders (spec §4.10's reaper fetches this, paginated).
type OpenOrder struct {
	ExternalOrderID string
	Symbol          string
	Side            types.Side
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	CreatedAt       time.Time
}

// AgeMillis returns how long ago the order was created, in milliseconds, as
// of now. The reaper compares this against order_registration_timeout_ms
// instead of working with time.Duration directly, since the venue's
// created_at and the config's timeout are both wire-level millisecond
// timestamps.
func (o OpenOrder) AgeMillis(now time.Time) int64 {
	return now.Sub(o.CreatedAt).Milliseconds()
}

// Client is the destination-venue boundary. Every mutating method returns
// an error the caller maps onto its own state machine (OMS order state,
// reaper logging). RESTClient's HTTP layer retries transport errors and
// 5xx responses up to 3 times before returning one; any further retrying
// belongs to the rate limiter and backoff layers above this interface.
type Client interface {
	SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	CancelOrder(ctx context.Context, externalOrderID string) error
	// GetOpenOrders returns one page of open orders for symbol, hard-capped
	// at 250 per spec §4.10. page is 1-based; an empty result ends iteration.
	GetOpenOrders(ctx context.Context, symbol string, page int) ([]OpenOrder, error)
	GetBalances(ctx context.Context) (map[string]types.Balance, error)
}

// AccountEventStream is the side-channel the AccountReconciler drives via
// reconciler.Stream; kept as a separate interface since not every Client
// implementation (e.g. a pure-REST dry-run stub) needs to provide one.
type AccountEventStream interface {
	Connect(ctx context.Context) (<-chan []byte, error)
}
