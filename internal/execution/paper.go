package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"confluence/internal/types"
)

// PriceFunc returns the current mark price for a symbol.
type PriceFunc func(ctx context.Context, symbol string) (float64, error)

// Fill is one simulated execution.
type Fill struct {
	ClientOrderID string
	Symbol        string
	Side          types.Side // side of the fill, not of the position
	Quantity      float64
	Price         float64
	At            time.Time
}

// PaperExchange simulates a venue in memory against live mark prices.
// Orders fill fully at the mark.
type PaperExchange struct {
	equity decimal.Decimal
	price  PriceFunc
	clock  func() time.Time

	mu        sync.Mutex
	positions map[string]Position
	seen      map[string]OrderResult
	stops     map[string]float64
	fills     []Fill
}

func NewPaperExchange(equity float64, price PriceFunc) *PaperExchange {
	return &PaperExchange{
		equity:    decimal.NewFromFloat(equity),
		price:     price,
		clock:     time.Now,
		positions: make(map[string]Position),
		seen:      make(map[string]OrderResult),
		stops:     make(map[string]float64),
	}
}

func (p *PaperExchange) SetClock(clock func() time.Time) {
	if clock != nil {
		p.clock = clock
	}
}

func (p *PaperExchange) SetTarget(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if !req.Side.Directional() {
		return OrderResult{}, &RejectedError{Code: -1, Message: "target side must be long or short"}
	}
	if req.PositionFraction <= 0 {
		return OrderResult{}, &RejectedError{Code: -2, Message: "target fraction must be positive"}
	}
	mark, err := p.price(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, fmt.Errorf("mark price %s: %w", req.Symbol, err)
	}
	if mark <= 0 {
		return OrderResult{}, fmt.Errorf("mark price %s unavailable", req.Symbol)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.seen[req.ClientOrderID]; ok {
		return prev, nil
	}

	now := p.clock()
	markDec := decimal.NewFromFloat(mark)
	targetQty := p.equity.Mul(decimal.NewFromFloat(req.PositionFraction)).Div(markDec)
	cur, has := p.positions[req.Symbol]

	res := OrderResult{
		ClientOrderID: req.ClientOrderID,
		OrderID:       fmt.Sprintf("paper-%d", len(p.fills)+1),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        StatusFilled,
		AvgPrice:      mark,
		At:            now,
	}

	if has && cur.Side != req.Side {
		p.fill(req.ClientOrderID, req.Symbol, req.Side, cur.Quantity, mark, now)
		has = false
	}
	var delta decimal.Decimal
	if has {
		delta = targetQty.Sub(decimal.NewFromFloat(cur.Quantity))
	} else {
		delta = targetQty
		cur = Position{Symbol: req.Symbol, Side: req.Side, EntryPrice: mark, OpenedAt: now}
	}
	switch {
	case delta.IsZero():
		res.Status = StatusNoop
	case delta.IsPositive():
		// Adding to a position moves entry to the weighted average.
		oldNotional := decimal.NewFromFloat(cur.Quantity).Mul(decimal.NewFromFloat(cur.EntryPrice))
		newNotional := oldNotional.Add(delta.Mul(markDec))
		cur.EntryPrice, _ = newNotional.Div(targetQty).Float64()
		p.fill(req.ClientOrderID, req.Symbol, req.Side, delta.InexactFloat64(), mark, now)
	default:
		p.fill(req.ClientOrderID, req.Symbol, req.Side.Opposite(), delta.Neg().InexactFloat64(), mark, now)
	}
	res.FilledQty = delta.Abs().InexactFloat64()

	cur.Quantity = targetQty.InexactFloat64()
	cur.MarkPrice = mark
	cur.Fraction = req.PositionFraction
	cur.StopLossFraction = req.StopLossFraction
	p.positions[req.Symbol] = cur
	p.stops[req.Symbol] = req.StopLossFraction
	res.Position = cur
	p.seen[req.ClientOrderID] = res
	return res, nil
}

func (p *PaperExchange) ClosePosition(ctx context.Context, symbol, clientOrderID string) (OrderResult, error) {
	mark, err := p.price(ctx, symbol)
	if err != nil {
		return OrderResult{}, fmt.Errorf("mark price %s: %w", symbol, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	cur, ok := p.positions[symbol]
	if !ok {
		return OrderResult{ClientOrderID: clientOrderID, Symbol: symbol, Status: StatusNoop, At: now}, nil
	}
	p.fill(clientOrderID, symbol, cur.Side.Opposite(), cur.Quantity, mark, now)
	delete(p.positions, symbol)
	delete(p.stops, symbol)
	for id, prev := range p.seen {
		if prev.Symbol == symbol {
			delete(p.seen, id)
		}
	}
	return OrderResult{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          cur.Side,
		Status:        StatusClosed,
		FilledQty:     cur.Quantity,
		AvgPrice:      mark,
		At:            now,
	}, nil
}

func (p *PaperExchange) CancelOrders(_ context.Context, symbol string) error {
	p.mu.Lock()
	delete(p.stops, symbol)
	p.mu.Unlock()
	return nil
}

// Positions refreshes marks best-effort; a failed price keeps the last mark.
func (p *PaperExchange) Positions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	symbols := make([]string, 0, len(p.positions))
	for s := range p.positions {
		symbols = append(symbols, s)
	}
	p.mu.Unlock()
	sort.Strings(symbols)

	marks := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if m, err := p.price(ctx, s); err == nil && m > 0 {
			marks[s] = m
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(symbols))
	for _, s := range symbols {
		pos, ok := p.positions[s]
		if !ok {
			continue
		}
		if m, ok := marks[s]; ok {
			pos.MarkPrice = m
			p.positions[s] = pos
		}
		out = append(out, pos)
	}
	return out, nil
}

// Fills returns a copy of the simulated execution log.
func (p *PaperExchange) Fills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Fill(nil), p.fills...)
}

// HasStop reports whether a protective stop is resting for symbol.
func (p *PaperExchange) HasStop(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.stops[symbol]
	return ok
}

func (p *PaperExchange) fill(id, symbol string, side types.Side, qty, price float64, at time.Time) {
	p.fills = append(p.fills, Fill{ClientOrderID: id, Symbol: symbol, Side: side, Quantity: qty, Price: price, At: at})
}
