package outbox

import (
	"context"
	"encoding/json"
	"log/slog"

	"mmbot/pkg/types"
)

// OrderEventHandler processes order_* events (order_state_changed,
// order_created, order_status_updated, order_filled). Grounded on the original
// OrderEventHandler: it is primarily an audit/logging sink — the OMS is
// the synchronous source of truth for order state, the outbox is how that
// state change is announced to anything downstream (dashboards, alerts).
type OrderEventHandler struct {
	log *slog.Logger
}

// NewOrderEventHandler creates a handler for order_* events.
func NewOrderEventHandler(log *slog.Logger) *OrderEventHandler {
	return &OrderEventHandler{log: log.With("handler", "order_event")}
}

func (h *OrderEventHandler) Handle(ctx context.Context, event types.OutboxEvent) error {
	var payload map[string]any
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}

	switch event.EventType {
	case "order_state_changed":
		h.log.Info("order state changed", "order_id", event.AggregateID, "state", payload["state"], "error", payload["error"])
	case "order_created":
		h.log.Info("order created", "order_id", event.AggregateID, "symbol", payload["symbol"], "side", payload["side"])
	case "order_status_updated":
		h.log.Info("order status updated", "order_id", event.AggregateID, "status", payload["status"])
		switch payload["status"] {
		case "REJECTED":
			h.log.Warn("order rejected", "order_id", event.AggregateID, "error", payload["error"])
		case "FAILED":
			h.log.Error("order failed", "order_id", event.AggregateID, "error", payload["error"])
		}
	case "order_filled":
		h.log.Info("order filled", "order_id", event.AggregateID,
			"filled_quantity", payload["filled_quantity"], "avg_fill_price", payload["avg_fill_price"])
	default:
		h.log.Warn("unknown order event type", "event_type", event.EventType)
	}
	return nil
}

// FillEventHandler processes fill_* events (fill_processed).
type FillEventHandler struct {
	log *slog.Logger
}

// NewFillEventHandler creates a handler for fill_* events.
func NewFillEventHandler(log *slog.Logger) *FillEventHandler {
	return &FillEventHandler{log: log.With("handler", "fill_event")}
}

func (h *FillEventHandler) Handle(ctx context.Context, event types.OutboxEvent) error {
	var payload map[string]any
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}

	switch event.EventType {
	case "fill_processed":
		h.log.Info("fill processed", "order_id", event.AggregateID,
			"fill_id", payload["fill_id"], "price", payload["price"], "quantity", payload["quantity"])
	default:
		h.log.Warn("unknown fill event type", "event_type", event.EventType)
	}
	return nil
}

// QuoteEventHandler processes quote_* events — added beyond the original
// worker's two handlers because the store also tracks the quote lifecycle
// (spec §3 QuoteStatus) through the outbox.
type QuoteEventHandler struct {
	log *slog.Logger
}

// NewQuoteEventHandler creates a handler for quote_* events.
func NewQuoteEventHandler(log *slog.Logger) *QuoteEventHandler {
	return &QuoteEventHandler{log: log.With("handler", "quote_event")}
}

func (h *QuoteEventHandler) Handle(ctx context.Context, event types.OutboxEvent) error {
	h.log.Info("quote event", "event_type", event.EventType, "quote_id", event.AggregateID)
	return nil
}

// BalanceEventHandler processes balance_* events. The reconciler's
// BalanceTracker persists balances directly and appends no outbox event.
type BalanceEventHandler struct {
	log *slog.Logger
}

// NewBalanceEventHandler creates a handler for balance_* events.
func NewBalanceEventHandler(log *slog.Logger) *BalanceEventHandler {
	return &BalanceEventHandler{log: log.With("handler", "balance_event")}
}

func (h *BalanceEventHandler) Handle(ctx context.Context, event types.OutboxEvent) error {
	var payload map[string]any
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}
	h.log.Info("balance updated", "asset", event.AggregateID, "available", payload["available"], "total", payload["total"])
	return nil
}
