// Package oms implements the order state machine, risk gates, and position
// accounting that sit at the centre of the bot (spec §3, §4.5). The OMS
// exclusively owns and mutates OMSOrder and Position records; every other
// component reaches them only through the operations here.
//
// Grounded on the original oms.py's OrderManagementSystem/RiskManager pair,
// translated from asyncio coroutines + callback lists into mutex-guarded
// methods + observer interfaces, matching the teacher's internal/risk
// manager's channel-free, lock-protected style.
package oms

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mmbot/internal/clockid"
	"mmbot/internal/config"
	"mmbot/internal/errs"
	"mmbot/pkg/types"
)

// OrderObserver is notified of every order state transition.
type OrderObserver interface {
	OnOrder(order types.OMSOrder)
}

// PositionObserver is notified of every position update.
type PositionObserver interface {
	OnPosition(position types.Position)
}

// OrderObserverFunc adapts a function to OrderObserver.
type OrderObserverFunc func(types.OMSOrder)

func (f OrderObserverFunc) OnOrder(order types.OMSOrder) { f(order) }

// PositionObserverFunc adapts a function to PositionObserver.
type PositionObserverFunc func(types.Position)

func (f PositionObserverFunc) OnPosition(position types.Position) { f(position) }

// OMS is the in-memory order book and position ledger. It is the single
// writer for OMSOrder.State and Position; callers never mutate these
// structs directly.
type OMS struct {
	mu        sync.Mutex
	orders    map[string]*types.OMSOrder
	positions map[string]*types.Position
	fillIDs   map[string]struct{} // seen fill IDs, for add_fill idempotency

	risk RiskConfig
	ids  clockid.IDs
	now  func() time.Time

	openOrderCount int
	dailyPnL       decimal.Decimal
	dailyPnLReset  time.Time

	orderObservers    []OrderObserver
	positionObservers []PositionObserver
}

// RiskConfig is the subset of risk.RiskConfig the OMS gates on directly.
type RiskConfig struct {
	MaxPositionSize decimal.Decimal
	MaxDailyLoss    decimal.Decimal
	MaxOpenOrders   int
	MaxSkew         decimal.Decimal
	MinQuantity     decimal.Decimal
	EmergencyStop   func() bool // returns current emergency-stop flag
}

// RiskConfigFromConfig builds a RiskConfig from static config values, with
// an always-false emergency stop (callers wire a live flag separately by
// assigning the EmergencyStop field).
func RiskConfigFromConfig(cfg config.RiskConfig) RiskConfig {
	return RiskConfig{
		MaxPositionSize: decimal.NewFromFloat(cfg.MaxPositionSize),
		MaxDailyLoss:    decimal.NewFromFloat(cfg.MaxDailyLoss),
		MaxOpenOrders:   cfg.MaxOpenOrders,
		MaxSkew:         decimal.NewFromFloat(cfg.MaxSkew),
		MinQuantity:     decimal.NewFromFloat(cfg.MinQuantity),
		EmergencyStop:   func() bool { return cfg.EmergencyStop },
	}
}

// New creates an empty OMS.
func New(risk RiskConfig, ids clockid.IDs) *OMS {
	return &OMS{
		orders:        map[string]*types.OMSOrder{},
		positions:     map[string]*types.Position{},
		fillIDs:       map[string]struct{}{},
		risk:          risk,
		ids:           ids,
		now:           time.Now,
		dailyPnLReset: time.Now(),
	}
}

// OnOrderEvent registers an observer for order transitions.
func (o *OMS) OnOrderEvent(obs OrderObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.orderObservers = append(o.orderObservers, obs)
}

// OnPositionEvent registers an observer for position updates.
func (o *OMS) OnPositionEvent(obs PositionObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.positionObservers = append(o.positionObservers, obs)
}

// SubmitOrder runs risk gates and, if they pass, creates a PENDING order.
// On a risk violation the order is still recorded, in state REJECTED, and
// errs.RiskRejected is returned so callers can branch on error kind.
func (o *OMS) SubmitOrder(symbol string, side types.Side, orderType types.OrderType, quantity, price decimal.Decimal) (types.OMSOrder, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	order := types.OMSOrder{
		OrderID:   "order-" + o.ids.NewUUID(),
		Symbol:    symbol,
		Side:      side,
		Type:      orderType,
		Quantity:  quantity,
		Price:     price,
		State:     types.OrderIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	position := o.positions[symbol]
	violations := o.checkRiskLocked(order, position)
	if len(violations) > 0 {
		order.State = types.OrderRejected
		order.Error = strings.Join(violations, "; ")
		o.orders[order.OrderID] = &order
		o.notifyOrderLocked(order)
		return order, errs.NewRiskRejected("order rejected: %s", order.Error)
	}

	order.State = types.OrderPending
	o.orders[order.OrderID] = &order
	o.openOrderCount++
	o.notifyOrderLocked(order)
	return order, nil
}

func (o *OMS) checkRiskLocked(order types.OMSOrder, position *types.Position) []string {
	var violations []string

	if o.risk.EmergencyStop != nil && o.risk.EmergencyStop() {
		violations = append(violations, "emergency stop is active")
	}

	if position != nil && !o.risk.MaxPositionSize.IsZero() {
		newSize := position.Quantity.Abs()
		if order.Side == types.Buy {
			newSize = newSize.Add(order.Quantity)
		} else {
			newSize = position.Quantity.Sub(order.Quantity).Abs()
		}
		if newSize.GreaterThan(o.risk.MaxPositionSize) {
			violations = append(violations, fmt.Sprintf("position size would exceed limit: %s > %s", newSize, o.risk.MaxPositionSize))
		}
	}

	o.resetDailyPnLLocked()
	if !o.risk.MaxDailyLoss.IsZero() && o.dailyPnL.LessThanOrEqual(o.risk.MaxDailyLoss.Neg()) {
		violations = append(violations, fmt.Sprintf("daily loss limit exceeded: %s", o.dailyPnL))
	}

	if position != nil && !o.risk.MaxSkew.IsZero() && position.Quantity.Abs().GreaterThan(o.risk.MaxSkew) {
		violations = append(violations, fmt.Sprintf("position skew too large: %s", position.Quantity))
	}

	if !o.risk.MinQuantity.IsZero() && order.Quantity.LessThan(o.risk.MinQuantity) {
		violations = append(violations, fmt.Sprintf("order quantity below minimum: %s", order.Quantity))
	}

	if o.risk.MaxOpenOrders > 0 && o.openOrderCount >= o.risk.MaxOpenOrders {
		violations = append(violations, fmt.Sprintf("too many open orders: %d/%d", o.openOrderCount, o.risk.MaxOpenOrders))
	}

	return violations
}

func (o *OMS) resetDailyPnLLocked() {
	now := o.now()
	if now.Sub(o.dailyPnLReset) > 24*time.Hour {
		o.dailyPnL = decimal.Zero
		o.dailyPnLReset = now
	}
}

// UpdateOrderState validates and applies a state transition, decrementing
// the open-order counter when a non-terminal order becomes FAILED or
// REJECTED. Unknown order IDs and illegal transitions are logged-worthy
// no-ops, reported back as an error.
func (o *OMS) UpdateOrderState(orderID string, newState types.OrderState, externalOrderID, errMsg string) (types.OMSOrder, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	order, ok := o.orders[orderID]
	if !ok {
		return types.OMSOrder{}, fmt.Errorf("unknown order %s", orderID)
	}

	if !types.CanTransition(order.State, newState) {
		return *order, fmt.Errorf("invalid transition %s -> %s for order %s", order.State, newState, orderID)
	}

	wasOpen := order.State == types.OrderPending || order.State == types.OrderWorking
	order.State = newState
	order.UpdatedAt = o.now()
	if externalOrderID != "" {
		order.ExternalOrderID = externalOrderID
	}
	if errMsg != "" {
		order.Error = errMsg
	}

	if wasOpen && (newState == types.OrderFailed || newState == types.OrderRejected) {
		o.decrementOpenOrdersLocked()
	}

	o.notifyOrderLocked(*order)
	return *order, nil
}

// CancelOrder transitions a non-terminal order to CANCELLED.
func (o *OMS) CancelOrder(orderID, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	order, ok := o.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if order.State.IsComplete() {
		return fmt.Errorf("order %s already in terminal state %s", orderID, order.State)
	}

	order.State = types.OrderCancelled
	order.Error = reason
	order.UpdatedAt = o.now()
	o.decrementOpenOrdersLocked()

	o.notifyOrderLocked(*order)
	return nil
}

func (o *OMS) decrementOpenOrdersLocked() {
	if o.openOrderCount > 0 {
		o.openOrderCount--
	}
}

// AddFill applies a fill to an order and updates its symbol's position.
// Idempotent on Fill.FillID: a repeat fill is a silent no-op. Rejects if
// cumulative filled quantity would exceed the order quantity.
func (o *OMS) AddFill(orderID string, fill types.Fill) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if fill.FillID != "" {
		if _, seen := o.fillIDs[fill.FillID]; seen {
			return nil
		}
	}

	order, ok := o.orders[orderID]
	if !ok {
		return fmt.Errorf("fill for unknown order %s", orderID)
	}

	if order.FilledQuantity.Add(fill.Quantity).GreaterThan(order.Quantity) {
		return fmt.Errorf("fill quantity %s exceeds remaining on order %s (filled %s / %s)",
			fill.Quantity, orderID, order.FilledQuantity, order.Quantity)
	}

	if fill.FillID != "" {
		o.fillIDs[fill.FillID] = struct{}{}
	}
	order.Fills = append(order.Fills, fill)

	oldNotional := order.FilledQuantity.Mul(order.AvgFillPrice)
	newNotional := oldNotional.Add(fill.Quantity.Mul(fill.Price))
	order.FilledQuantity = order.FilledQuantity.Add(fill.Quantity)
	if order.FilledQuantity.IsPositive() {
		order.AvgFillPrice = newNotional.Div(order.FilledQuantity)
	}
	order.UpdatedAt = o.now()

	o.applyFillToPositionLocked(order.Symbol, order.Side, fill.Quantity, fill.Price, fill.Commission)

	if order.FilledQuantity.GreaterThanOrEqual(order.Quantity) {
		order.State = types.OrderFilled
		o.decrementOpenOrdersLocked()
	}

	o.notifyOrderLocked(*order)
	return nil
}

// applyFillToPositionLocked implements the four-case position update rule
// (spec §4.5): opening, adding, reducing, flipping, each keyed off the
// signed quantity delta against the existing signed position.
func (o *OMS) applyFillToPositionLocked(symbol string, side types.Side, quantity, price, commission decimal.Decimal) {
	pos, ok := o.positions[symbol]
	if !ok {
		pos = &types.Position{Symbol: symbol}
		o.positions[symbol] = pos
	}

	delta := quantity
	if side == types.Sell {
		delta = delta.Neg()
	}

	switch {
	case pos.Quantity.IsZero():
		// Opening.
		pos.AvgEntryPrice = price
	case sameSign(pos.Quantity, delta):
		// Adding.
		oldNotional := pos.Quantity.Abs().Mul(pos.AvgEntryPrice)
		newNotional := oldNotional.Add(delta.Abs().Mul(price))
		pos.AvgEntryPrice = newNotional.Div(pos.Quantity.Abs().Add(delta.Abs())).Abs()
	default:
		closing := decimal.Min(delta.Abs(), pos.Quantity.Abs())
		sign := decimal.NewFromInt(1)
		if pos.Quantity.IsNegative() {
			sign = decimal.NewFromInt(-1)
		}
		pnl := price.Sub(pos.AvgEntryPrice).Mul(closing).Mul(sign)
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		o.dailyPnL = o.dailyPnL.Add(pnl.Sub(commission))

		if delta.Abs().GreaterThan(pos.Quantity.Abs()) {
			// Flipping: avg price resets to the fill price for the new side.
			pos.AvgEntryPrice = price
		}
	}

	pos.Quantity = pos.Quantity.Add(delta)
	pos.LastUpdated = o.now()
	o.notifyPositionLocked(*pos)
}

func sameSign(a, b decimal.Decimal) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	return a.IsPositive() == b.IsPositive()
}

// Order returns a copy of the order, if known.
func (o *OMS) Order(orderID string) (types.OMSOrder, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	order, ok := o.orders[orderID]
	if !ok {
		return types.OMSOrder{}, false
	}
	return *order, true
}

// Position returns a copy of the symbol's position, zero-valued if none
// exists yet.
func (o *OMS) Position(symbol string) types.Position {
	o.mu.Lock()
	defer o.mu.Unlock()
	pos, ok := o.positions[symbol]
	if !ok {
		return types.Position{Symbol: symbol}
	}
	return *pos
}

// OpenOrders returns every order currently in WORKING state, optionally
// filtered by symbol.
func (o *OMS) OpenOrders(symbol string) []types.OMSOrder {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []types.OMSOrder
	for _, order := range o.orders {
		if order.State != types.OrderWorking {
			continue
		}
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		out = append(out, *order)
	}
	return out
}

// OpenOrderCount returns the risk gate's tracked open-order counter.
func (o *OMS) OpenOrderCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.openOrderCount
}

// Resync recomputes the open-order counter by scanning actual order
// states and returns the previous and recomputed counts; drift is not
// treated as fatal, and Resync itself logs nothing (spec §4.5).
func (o *OMS) Resync() (old, actual int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	actual = 0
	for _, order := range o.orders {
		if order.State == types.OrderWorking {
			actual++
		}
	}
	old = o.openOrderCount
	o.openOrderCount = actual
	return old, actual
}

func (o *OMS) notifyOrderLocked(order types.OMSOrder) {
	for _, obs := range o.orderObservers {
		obs.OnOrder(order)
	}
}

func (o *OMS) notifyPositionLocked(position types.Position) {
	for _, obs := range o.positionObservers {
		obs.OnPosition(position)
	}
}
