package venue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"mmbot/internal/config"
	"mmbot/internal/ratelimit"
	"mmbot/pkg/types"
)

// RESTClient is the destination venue's REST API client, grounded on the
// teacher's exchange.Client (resty + per-category rate limiting + retry on
// 5xx) and generalised from DeltaDeFiClient's submit_order/get_account_balance
// to the illustrative order/balance endpoints this venue boundary names.
type RESTClient struct {
	http   *resty.Client
	orders *ratelimit.TokenBucket
	dryRun bool
	logger *slog.Logger
}

// NewRESTClient creates a REST venue client from exchange configuration.
// ordersPerSecond bounds order submission/cancellation, per spec
// system.max_orders_per_second.
func NewRESTClient(cfg config.ExchangeConfig, ordersPerSecond float64, dryRun bool, logger *slog.Logger) *RESTClient {
	httpClient := resty.New().
		SetBaseURL(cfg.RestBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-Key", cfg.APIKey)

	return &RESTClient{
		http:   httpClient,
		orders: ratelimit.NewTokenBucket(ordersPerSecond, ordersPerSecond),
		dryRun: dryRun,
		logger: logger.With("component", "venue_rest"),
	}
}

type submitOrderPayload struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
}

type submitOrderResponse struct {
	OrderID string `json:"order_id"`
}

// SubmitOrder places req on the venue, rate limited at ordersPerSecond.
func (c *RESTClient) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit order", "symbol", req.Symbol, "side", req.Side, "price", req.Price, "qty", req.Quantity)
		return SubmitResult{ExternalOrderID: fmt.Sprintf("dry-run-%d", time.Now().UnixNano())}, nil
	}
	if err := c.orders.AwaitTokens(ctx, 1); err != nil {
		return SubmitResult{}, err
	}

	payload := submitOrderPayload{
		Symbol:   req.Symbol,
		Side:     string(req.Side),
		Type:     string(req.Type),
		Quantity: req.Quantity.String(),
		Price:    req.Price.String(),
	}

	var result submitOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return SubmitResult{}, fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return SubmitResult{ExternalOrderID: result.OrderID}, nil
}

// CancelOrder cancels externalOrderID, rate limited at ordersPerSecond.
func (c *RESTClient) CancelOrder(ctx context.Context, externalOrderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", externalOrderID)
		return nil
	}
	if err := c.orders.AwaitTokens(ctx, 1); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/orders/" + externalOrderID)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", externalOrderID, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("cancel order %s: status %d: %s", externalOrderID, resp.StatusCode(), resp.String())
	}
	return nil
}

type openOrderDTO struct {
	OrderID   string `json:"order_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	CreatedAt int64  `json:"created_at"`
}

// GetOpenOrders fetches one page of symbol's open orders, hard-capped at
// 250 per page per spec §4.10 (the reaper never requests beyond that).
func (c *RESTClient) GetOpenOrders(ctx context.Context, symbol string, page int) ([]OpenOrder, error) {
	const pageSize = 250

	var dtos []openOrderDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("status", "open").
		SetQueryParam("page", fmt.Sprintf("%d", page)).
		SetQueryParam("limit", fmt.Sprintf("%d", pageSize)).
		SetResult(&dtos).
		Get("/orders")
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get open orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]OpenOrder, 0, len(dtos))
	for _, d := range dtos {
		price, err := decimal.NewFromString(d.Price)
		if err != nil {
			return nil, fmt.Errorf("parse order %s price: %w", d.OrderID, err)
		}
		qty, err := decimal.NewFromString(d.Quantity)
		if err != nil {
			return nil, fmt.Errorf("parse order %s quantity: %w", d.OrderID, err)
		}
		out = append(out, OpenOrder{
			ExternalOrderID: d.OrderID,
			Symbol:          d.Symbol,
			Side:            types.Side(d.Side),
			Price:           price,
			Quantity:        qty,
			CreatedAt:       time.Unix(d.CreatedAt, 0),
		})
	}
	return out, nil
}

type balanceDTO struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

// GetBalances fetches the account's per-asset balances.
func (c *RESTClient) GetBalances(ctx context.Context) (map[string]types.Balance, error) {
	var dtos []balanceDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&dtos).
		Get("/account/balances")
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get balances: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make(map[string]types.Balance, len(dtos))
	for _, d := range dtos {
		available, err := decimal.NewFromString(d.Available)
		if err != nil {
			return nil, fmt.Errorf("parse %s available: %w", d.Asset, err)
		}
		locked, err := decimal.NewFromString(d.Locked)
		if err != nil {
			return nil, fmt.Errorf("parse %s locked: %w", d.Asset, err)
		}
		out[d.Asset] = types.Balance{
			Asset:     d.Asset,
			Available: available,
			Locked:    locked,
			UpdatedAt: time.Now(),
		}
	}
	return out, nil
}
