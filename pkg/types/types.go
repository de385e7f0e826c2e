// Package types defines the shared data model used across every layer of
// the market-making bot — book ticks, quotes, orders, fills, positions,
// balances, and outbox events. It has no dependency on any internal
// package so it can be imported from any layer without cycles.
//
// All monetary and quantity fields use decimal.Decimal. Floating point is
// never used for prices, sizes, or PnL; half-up rounding is applied only at
// the venue/display boundary.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign returns +1 for Buy, -1 for Sell.
func (s Side) Sign() int64 {
	if s == Buy {
		return 1
	}
	return -1
}

// OrderType distinguishes resting limit orders from immediate-or-cancel
// market orders. The bot only ever submits LIMIT orders itself, but MARKET
// is part of the OMSOrder type so a VenueClient fill can be reconciled
// against either.
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// BookTicker is an immutable top-of-book snapshot from the reference venue.
type BookTicker struct {
	Symbol   string
	BidPrice decimal.Decimal
	BidQty   decimal.Decimal
	AskPrice decimal.Decimal
	AskQty   decimal.Decimal
	Ts       time.Time
}

// Valid reports whether the snapshot is well-formed (bid <= ask). A feed
// that yields a malformed snapshot should drop it rather than quote from it.
func (b BookTicker) Valid() bool {
	return !b.BidPrice.IsZero() && !b.AskPrice.IsZero() && b.BidPrice.LessThanOrEqual(b.AskPrice)
}

// LayeredQuote is one rung of a quote ladder on one side.
type LayeredQuote struct {
	LayerIndex int // 1-based, 1 = closest to reference
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	SpreadBps  decimal.Decimal
}

// Quote is the generated artifact from the QuoteEngine: an ordered ladder
// per side. Either side may be empty if disabled or gated out.
type Quote struct {
	Symbol     string
	BidLayers  []LayeredQuote
	AskLayers  []LayeredQuote
	Source     BookTicker
	GeneratedAt time.Time
}

// QuoteStatus is the PersistentQuote lifecycle (spec §3).
type QuoteStatus string

const (
	QuoteGenerated      QuoteStatus = "GENERATED"
	QuotePersisted      QuoteStatus = "PERSISTED"
	QuoteOrdersCreated  QuoteStatus = "ORDERS_CREATED"
	QuoteOrdersSubmitted QuoteStatus = "ORDERS_SUBMITTED"
	QuoteExpired        QuoteStatus = "EXPIRED"
	QuoteCancelled      QuoteStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s QuoteStatus) IsTerminal() bool {
	return s == QuoteExpired || s == QuoteCancelled
}

// PersistentQuote wraps a Quote with identity and lifecycle tracking, the
// unit of work the Pipeline persists and replaces (spec §3, §4.7).
type PersistentQuote struct {
	QuoteID         string
	SymbolSrc       string
	SymbolDst       string
	SourceTicker    BookTicker
	SpreadBps       decimal.Decimal
	MidPrice        decimal.Decimal
	TotalSpreadBps  int
	SidesEnabled    []Side
	Strategy        string
	Status          QuoteStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
	BidOrderIDs     []string
	AskOrderIDs     []string
	Ladder          Quote // full ladder for observability; only layer 1/side reaches OMS
}

// IsExpired reports whether the quote has outlived its TTL as of now.
func (q PersistentQuote) IsExpired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// OrderState is the OMSOrder state machine (spec §3).
type OrderState string

const (
	OrderIdle       OrderState = "IDLE"
	OrderPending    OrderState = "PENDING"
	OrderWorking    OrderState = "WORKING"
	OrderFilled     OrderState = "FILLED"
	OrderCancelled  OrderState = "CANCELLED"
	OrderRejected   OrderState = "REJECTED"
	OrderFailed     OrderState = "FAILED"
)

// IsComplete reports whether the state is terminal.
func (s OrderState) IsComplete() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderFailed:
		return true
	default:
		return false
	}
}

// allowedTransitions enumerates the OMSOrder state machine closure (spec §3).
var allowedTransitions = map[OrderState]map[OrderState]bool{
	OrderIdle:    {OrderPending: true, OrderRejected: true, OrderFailed: true},
	OrderPending: {OrderWorking: true, OrderRejected: true, OrderFailed: true, OrderCancelled: true},
	OrderWorking: {OrderFilled: true, OrderCancelled: true, OrderRejected: true, OrderFailed: true},
}

// CanTransition reports whether from -> to is an allowed OMSOrder transition.
func CanTransition(from, to OrderState) bool {
	if from.IsComplete() {
		return false
	}
	return allowedTransitions[from][to]
}

// Fill is a single execution report from the destination venue.
type Fill struct {
	FillID           string
	OrderID          string
	Symbol           string
	Side             Side
	Price            decimal.Decimal
	Quantity         decimal.Decimal
	ExecutedAt       time.Time
	TradeID          string
	Commission       decimal.Decimal
	CommissionAsset  string
	IsMaker          bool
	Status           FillStatus
	ProcessedAt      time.Time
}

// FillStatus tracks a fill through reconciliation.
type FillStatus string

const (
	FillReceived   FillStatus = "RECEIVED"
	FillReconciled FillStatus = "RECONCILED"
	FillProcessed  FillStatus = "PROCESSED"
	FillError      FillStatus = "ERROR"
)

// OMSOrder is the in-memory order object OMS exclusively owns and mutates.
type OMSOrder struct {
	OrderID         string
	Symbol          string
	Side            Side
	Type            OrderType
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	State           OrderState
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	ExternalOrderID string
	Error           string
	Fills           []Fill
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Position is signed inventory in one symbol: positive long, negative short.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	LastUpdated   time.Time
}

// Balance is one asset's available/locked/total funds.
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

// Total returns Available + Locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// OutboxStatus is the async-delivery lifecycle of an OutboxEvent.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxCompleted  OutboxStatus = "COMPLETED"
	OutboxFailed     OutboxStatus = "FAILED"
	OutboxDeadLetter OutboxStatus = "DEAD_LETTER"
)

// OutboxEvent is a single row of the transactional outbox (spec §3, §4.4).
type OutboxEvent struct {
	EventID      string
	EventType    string
	AggregateID  string
	Payload      []byte
	Status       OutboxStatus
	RetryCount   int
	MaxRetries   int
	NextRetryAt  *time.Time
	Error        string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}
