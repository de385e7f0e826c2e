// Package reconciler consumes the venue's account event stream — balance
// updates, order updates, fills/trades, and history snapshots — and keeps
// the Store, OMS, and BalanceTracker consistent with what actually
// happened on the venue (spec §4.6).
//
// Grounded on account_manager.py's AccountManager/BalanceTracker/
// FillReconciler: the asyncio WebSocket handler dispatch becomes a single
// classification switch over a decoded JSON payload, and the
// reconnect-with-backoff loop is reimplemented with clockid.JitterSource
// in place of bare exponential sleep.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"mmbot/internal/oms"
	"mmbot/pkg/types"
)

// AccountReconciler classifies incoming account event payloads and routes
// them to the appropriate subsystem.
type AccountReconciler struct {
	fills    *FillReconciler
	balances *BalanceTracker
	oms      *oms.OMS
	log      *slog.Logger
}

// NewAccountReconciler wires an AccountReconciler to its dependencies.
func NewAccountReconciler(fills *FillReconciler, balances *BalanceTracker, o *oms.OMS, log *slog.Logger) *AccountReconciler {
	return &AccountReconciler{
		fills:    fills,
		balances: balances,
		oms:      o,
		log:      log.With("component", "account_reconciler"),
	}
}

// HandleMessage classifies a raw account-event payload by its sub_type
// field (falling back to type) and dispatches it (spec §4.6's table).
func (a *AccountReconciler) HandleMessage(ctx context.Context, raw []byte) error {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode account event: %w", err)
	}

	kind, _ := msg["sub_type"].(string)
	if kind == "" {
		kind, _ = msg["type"].(string)
	}

	switch kind {
	case "balance_update":
		return a.handleBalanceUpdate(ctx, msg)
	case "order_update":
		return a.handleOrderUpdate(ctx, msg)
	case "fill", "trade":
		return a.handleFill(ctx, msg)
	case "trading_history":
		return a.handleTradingHistory(ctx, msg)
	case "orders_history", "positions":
		a.log.Debug("account snapshot received", "kind", kind)
		return nil
	default:
		a.log.Debug("unhandled account event", "kind", kind)
		return nil
	}
}

func (a *AccountReconciler) handleBalanceUpdate(ctx context.Context, msg map[string]any) error {
	balances, _ := msg["balances"].(map[string]any)
	for asset, raw := range balances {
		data, _ := raw.(map[string]any)
		available := decFromAny(data["available"])
		locked := decFromAny(data["locked"])
		if err := a.balances.Update(ctx, asset, available, locked); err != nil {
			a.log.Error("balance update failed", "asset", asset, "error", err)
		}
	}
	return nil
}

func (a *AccountReconciler) handleOrderUpdate(ctx context.Context, msg map[string]any) error {
	orderID, _ := msg["orderId"].(string)
	status, _ := msg["status"].(string)
	externalID, _ := msg["externalOrderId"].(string)
	errMsg, _ := msg["error"].(string)

	if orderID == "" || status == "" {
		a.log.Warn("order_update missing orderId/status", "message", msg)
		return nil
	}

	if _, err := a.oms.UpdateOrderState(orderID, types.OrderState(status), externalID, errMsg); err != nil {
		a.log.Warn("order state update rejected", "order_id", orderID, "status", status, "error", err)
	}
	return nil
}

func (a *AccountReconciler) handleFill(ctx context.Context, msg map[string]any) error {
	fill := fillFromMessage(msg)
	_, err := a.fills.ProcessFill(ctx, fill)
	return err
}

// handleTradingHistory paginates order_filling_records and nested
// orders[].fills[], synthesising a Fill for each and reconciling it. The
// nested case merges the parent order's symbol/side onto the fill, since
// the fill record itself may omit them (spec §4.6).
func (a *AccountReconciler) handleTradingHistory(ctx context.Context, msg map[string]any) error {
	records, _ := msg["order_filling_records"].([]any)
	for _, rec := range records {
		recMap, ok := rec.(map[string]any)
		if !ok {
			continue
		}
		if err := a.handleFill(ctx, recMap); err != nil {
			a.log.Error("trading history fill reconciliation failed", "error", err)
		}
	}

	orders, _ := msg["orders"].([]any)
	for _, o := range orders {
		orderMap, ok := o.(map[string]any)
		if !ok {
			continue
		}
		parentSymbol, _ := orderMap["symbol"].(string)
		parentSide, _ := orderMap["side"].(string)

		fills, _ := orderMap["fills"].([]any)
		for _, f := range fills {
			fillMap, ok := f.(map[string]any)
			if !ok {
				continue
			}
			if _, present := fillMap["symbol"]; !present && parentSymbol != "" {
				fillMap["symbol"] = parentSymbol
			}
			if _, present := fillMap["side"]; !present && parentSide != "" {
				fillMap["side"] = parentSide
			}
			if err := a.handleFill(ctx, fillMap); err != nil {
				a.log.Error("nested trading history fill reconciliation failed", "error", err)
			}
		}
	}
	return nil
}

func fillFromMessage(msg map[string]any) types.Fill {
	fillID, _ := msg["fillId"].(string)
	if fillID == "" {
		fillID, _ = msg["id"].(string)
	}
	orderID, _ := msg["orderId"].(string)
	symbol, _ := msg["symbol"].(string)
	side, _ := msg["side"].(string)
	tradeID, _ := msg["tradeId"].(string)
	commissionAsset, _ := msg["commissionAsset"].(string)
	isMaker, _ := msg["isMaker"].(bool)

	ts := time.Now()
	if raw, ok := msg["timestamp"]; ok {
		if secs, ok := toFloat(raw); ok {
			ts = time.UnixMilli(int64(secs))
		}
	}

	return types.Fill{
		FillID:          fillID,
		OrderID:         orderID,
		Symbol:          symbol,
		Side:            types.Side(side),
		Price:           decFromAny(msg["price"]),
		Quantity:        decFromAny(msg["quantity"]),
		ExecutedAt:      ts,
		TradeID:         tradeID,
		Commission:      decFromAny(msg["commission"]),
		CommissionAsset: commissionAsset,
		IsMaker:         isMaker,
		Status:          types.FillReceived,
	}
}

func decFromAny(v any) decimal.Decimal {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(t)
	}
	return decimal.Zero
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		d, err := decimal.NewFromString(t)
		if err == nil {
			f, _ := d.Float64()
			return f, true
		}
	}
	return 0, false
}
