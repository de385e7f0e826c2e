package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mmbot/internal/clockid"
	"mmbot/pkg/types"
)

// Paper is an in-memory venue simulator for dry-run mode and tests.
// Grounded on the teacher's pattern of a fake/paper exchange client
// sitting behind the same interface as the real REST client — every
// submitted order is accepted immediately and tracked as open until
// explicitly cancelled or removed via RemoveDirect.
type Paper struct {
	mu     sync.Mutex
	ids    clockid.IDs
	clock  clockid.Clock
	orders map[string]OpenOrder
}

// NewPaper creates a paper venue client.
func NewPaper(ids clockid.IDs, clock clockid.Clock) *Paper {
	return &Paper{
		ids:    ids,
		clock:  clock,
		orders: map[string]OpenOrder{},
	}
}

// SubmitOrder always succeeds, assigning a synthetic external order id.
func (p *Paper) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	externalID := "paper-" + p.ids.NewUUID()
	p.orders[externalID] = OpenOrder{
		ExternalOrderID: externalID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Price:           req.Price,
		Quantity:        req.Quantity,
		CreatedAt:       p.clock.Now(),
	}
	return SubmitResult{ExternalOrderID: externalID}, nil
}

// CancelOrder removes externalOrderID from the open set.
func (p *Paper) CancelOrder(ctx context.Context, externalOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[externalOrderID]; !ok {
		return fmt.Errorf("paper venue: unknown order %q", externalOrderID)
	}
	delete(p.orders, externalOrderID)
	return nil
}

// GetOpenOrders returns all tracked orders for symbol on page 1 and an
// empty slice thereafter, since the in-memory set never exceeds one page.
func (p *Paper) GetOpenOrders(ctx context.Context, symbol string, page int) ([]OpenOrder, error) {
	if page > 1 {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []OpenOrder
	for _, o := range p.orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

// GetBalances returns an empty balance set; paper mode has no real funds.
func (p *Paper) GetBalances(ctx context.Context) (map[string]types.Balance, error) {
	return map[string]types.Balance{}, nil
}

// Age reports how long externalOrderID has been open, for reaper tests.
func (p *Paper) Age(externalOrderID string, now time.Time) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[externalOrderID]
	if !ok {
		return 0, false
	}
	return now.Sub(o.CreatedAt), true
}

// RemoveDirect simulates an order leaving the venue's open set without a
// CancelOrder call, e.g. a third-party cancellation, for reaper tests.
func (p *Paper) RemoveDirect(externalOrderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders, externalOrderID)
}
