package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"confluence/internal/execution"
	"confluence/internal/logger"
	"confluence/internal/market"
	"confluence/internal/pkg/symbol"
	"confluence/internal/risk"
	"confluence/internal/types"
)

const codeDuplicateClientID = -4116

// Venue refusals that a retry cannot fix: bad precision or size, not enough
// margin, reduce-only conflicts, stop already triggerable.
var rejectedCodes = map[int64]bool{
	-1102: true, -1106: true, -1111: true, -1116: true, -1117: true,
	-2010: true, -2019: true, -2021: true, -2022: true,
	-4003: true, -4164: true,
}

type symbolFilter struct {
	step   decimal.Decimal
	tick   decimal.Decimal
	minQty decimal.Decimal
}

type venuePosition struct {
	amt   decimal.Decimal // signed, negative is short
	entry float64
	mark  float64
}

// Exchange implements execution.Exchange against USDⓈ-M futures in one-way
// mode. Targets are converted to a signed quantity; only the difference to
// the current position is traded, and a mark-price STOP_MARKET with
// closePosition protects whatever remains.
type Exchange struct {
	cfg    Config
	client *futures.Client
	budget market.RateBudget
	clock  func() time.Time

	mu       sync.Mutex
	filters  map[string]symbolFilter
	leverage map[string]bool
}

var _ execution.Exchange = (*Exchange)(nil)

func NewExchange(cfg Config, budget market.RateBudget) (*Exchange, error) {
	final := cfg.withDefaults()
	if final.APIKey == "" || final.APISecret == "" {
		return nil, fmt.Errorf("binance exchange requires api key and secret")
	}
	client, err := newFuturesClient(final)
	if err != nil {
		return nil, err
	}
	return &Exchange{
		cfg:      final,
		client:   client,
		budget:   budget,
		clock:    time.Now,
		filters:  make(map[string]symbolFilter),
		leverage: make(map[string]bool),
	}, nil
}

func (e *Exchange) admit(ctx context.Context, weight int) error {
	if e.budget == nil {
		return nil
	}
	if err := e.budget.WaitIfNeeded(ctx, weight); err != nil {
		return err
	}
	e.budget.Record(weight)
	return nil
}

func (e *Exchange) recv() futures.RequestOption {
	return futures.WithRecvWindow(e.cfg.RecvWindow)
}

func (e *Exchange) SetTarget(ctx context.Context, req execution.OrderRequest) (execution.OrderResult, error) {
	sym := symbol.Normalize(req.Symbol)
	if sym == "" {
		return execution.OrderResult{}, &execution.RejectedError{Code: -1, Message: "invalid symbol " + req.Symbol}
	}
	if !req.Side.Directional() || req.PositionFraction <= 0 {
		return execution.OrderResult{}, &execution.RejectedError{Code: -1, Message: "target needs a side and a positive fraction"}
	}
	filter, err := e.filter(ctx, sym)
	if err != nil {
		return execution.OrderResult{}, err
	}
	if err := e.ensureLeverage(ctx, sym); err != nil {
		return execution.OrderResult{}, err
	}
	equity, err := e.equity(ctx)
	if err != nil {
		return execution.OrderResult{}, err
	}
	cur, err := e.position(ctx, sym)
	if err != nil {
		return execution.OrderResult{}, err
	}
	if cur.mark <= 0 {
		return execution.OrderResult{}, fmt.Errorf("mark price %s unavailable", sym)
	}

	target := targetQuantity(equity, req.PositionFraction, cur.mark, filter.step)
	if target.LessThan(filter.minQty) {
		return execution.OrderResult{}, &execution.RejectedError{Code: -4003, Message: fmt.Sprintf("target %s below min qty %s", target, filter.minQty)}
	}
	if req.Side == types.Short {
		target = target.Neg()
	}
	delta := target.Sub(cur.amt)

	res := execution.OrderResult{
		ClientOrderID: req.ClientOrderID,
		Symbol:        sym,
		Side:          req.Side,
		Status:        execution.StatusNoop,
		AvgPrice:      cur.mark,
		At:            e.clock(),
	}
	if delta.Abs().GreaterThanOrEqual(filter.step) {
		side := futures.SideTypeBuy
		if delta.IsNegative() {
			side = futures.SideTypeSell
		}
		// Shrinking without crossing zero must never open the other way.
		reduceOnly := !cur.amt.IsZero() && cur.amt.Sign() == target.Sign() && target.Abs().LessThan(cur.amt.Abs())
		order, err := e.placeMarket(ctx, sym, side, delta.Abs(), req.ClientOrderID, reduceOnly)
		if err != nil {
			return execution.OrderResult{}, err
		}
		res.OrderID = order.id
		res.Status = execution.StatusFilled
		res.FilledQty = order.filled
		if order.avg > 0 {
			res.AvgPrice = order.avg
		}
	}

	after, err := e.position(ctx, sym)
	if err != nil {
		return execution.OrderResult{}, err
	}
	if err := e.protect(ctx, sym, req, after, filter); err != nil {
		return execution.OrderResult{}, fmt.Errorf("stop for %s: %w", sym, err)
	}

	res.Position = execution.Position{
		Symbol:           sym,
		Side:             req.Side,
		Quantity:         after.amt.Abs().InexactFloat64(),
		EntryPrice:       after.entry,
		MarkPrice:        after.mark,
		Fraction:         req.PositionFraction,
		StopLossFraction: req.StopLossFraction,
		OpenedAt:         res.At,
	}
	logger.Infof("binance %s target %s qty=%s delta=%s status=%s", sym, req.Side, target.Abs(), delta, res.Status)
	return res, nil
}

func targetQuantity(equity, fraction, mark float64, step decimal.Decimal) decimal.Decimal {
	notional := decimal.NewFromFloat(equity).Mul(decimal.NewFromFloat(fraction))
	qty := notional.Div(decimal.NewFromFloat(mark))
	return roundDown(qty, step)
}

func roundDown(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

func roundToTick(v, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return v
	}
	return v.Div(tick).Round(0).Mul(tick)
}

type placedOrder struct {
	id     string
	filled float64
	avg    float64
}

func (e *Exchange) placeMarket(ctx context.Context, sym string, side futures.SideType, qty decimal.Decimal, clientID string, reduceOnly bool) (placedOrder, error) {
	if err := e.admit(ctx, orderWeight); err != nil {
		return placedOrder{}, err
	}
	svc := e.client.NewCreateOrderService().
		Symbol(sym).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		NewClientOrderID(clientID)
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}
	resp, err := svc.Do(ctx, e.recv())
	if err == nil {
		return placedOrder{
			id:     strconv.FormatInt(resp.OrderID, 10),
			filled: parseFloat(resp.ExecutedQuantity),
			avg:    parseFloat(resp.AvgPrice),
		}, nil
	}
	if apiCode(err) != codeDuplicateClientID {
		return placedOrder{}, classify(err)
	}
	// Already placed by an earlier attempt; report that order.
	if err := e.admit(ctx, orderWeight); err != nil {
		return placedOrder{}, err
	}
	existing, qerr := e.client.NewGetOrderService().Symbol(sym).OrigClientOrderID(clientID).Do(ctx, e.recv())
	if qerr != nil {
		return placedOrder{}, classify(qerr)
	}
	logger.Infof("binance %s order %s already placed, reusing", sym, clientID)
	return placedOrder{
		id:     strconv.FormatInt(existing.OrderID, 10),
		filled: parseFloat(existing.ExecutedQuantity),
		avg:    parseFloat(existing.AvgPrice),
	}, nil
}

// protect replaces the resting stop so it matches the position now open.
func (e *Exchange) protect(ctx context.Context, sym string, req execution.OrderRequest, pos venuePosition, filter symbolFilter) error {
	if err := e.cancelAll(ctx, sym); err != nil {
		return err
	}
	if pos.amt.IsZero() || req.StopLossFraction <= 0 || pos.entry <= 0 {
		return nil
	}
	side := types.Long
	closeSide := futures.SideTypeSell
	if pos.amt.IsNegative() {
		side = types.Short
		closeSide = futures.SideTypeBuy
	}
	stop := roundToTick(decimal.NewFromFloat(risk.StopPrice(side, pos.entry, req.StopLossFraction)), filter.tick)
	if err := e.admit(ctx, orderWeight); err != nil {
		return err
	}
	_, err := e.client.NewCreateOrderService().
		Symbol(sym).
		Side(closeSide).
		Type(futures.OrderTypeStopMarket).
		StopPrice(stop.String()).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		NewClientOrderID(stopClientID(req.ClientOrderID)).
		Do(ctx, e.recv())
	if err != nil && apiCode(err) != codeDuplicateClientID {
		return classify(err)
	}
	return nil
}

// stopClientID derives the protective order id from the entry id so a
// retried target reuses it.
func stopClientID(entryID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(entryID+"|stop")).String()
}

func (e *Exchange) ClosePosition(ctx context.Context, raw, clientOrderID string) (execution.OrderResult, error) {
	sym := symbol.Normalize(raw)
	if sym == "" {
		return execution.OrderResult{}, &execution.RejectedError{Code: -1, Message: "invalid symbol " + raw}
	}
	cur, err := e.position(ctx, sym)
	if err != nil {
		return execution.OrderResult{}, err
	}
	res := execution.OrderResult{ClientOrderID: clientOrderID, Symbol: sym, Status: execution.StatusNoop, AvgPrice: cur.mark, At: e.clock()}
	if !cur.amt.IsZero() {
		side := futures.SideTypeSell
		res.Side = types.Long
		if cur.amt.IsNegative() {
			side = futures.SideTypeBuy
			res.Side = types.Short
		}
		order, err := e.placeMarket(ctx, sym, side, cur.amt.Abs(), clientOrderID, true)
		if err != nil {
			return execution.OrderResult{}, err
		}
		res.Status = execution.StatusClosed
		res.OrderID = order.id
		res.FilledQty = order.filled
		if order.avg > 0 {
			res.AvgPrice = order.avg
		}
	}
	if err := e.cancelAll(ctx, sym); err != nil {
		logger.Warnf("binance %s cancel after close failed: %v", sym, err)
	}
	return res, nil
}

func (e *Exchange) CancelOrders(ctx context.Context, raw string) error {
	sym := symbol.Normalize(raw)
	if sym == "" {
		return &execution.RejectedError{Code: -1, Message: "invalid symbol " + raw}
	}
	return e.cancelAll(ctx, sym)
}

func (e *Exchange) cancelAll(ctx context.Context, sym string) error {
	if err := e.admit(ctx, cancelAllWeight); err != nil {
		return err
	}
	if err := e.client.NewCancelAllOpenOrdersService().Symbol(sym).Do(ctx, e.recv()); err != nil {
		return classify(err)
	}
	return nil
}

func (e *Exchange) Positions(ctx context.Context) ([]execution.Position, error) {
	equity, err := e.equity(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.admit(ctx, positionWeight); err != nil {
		return nil, err
	}
	risks, err := e.client.NewGetPositionRiskService().Do(ctx, e.recv())
	if err != nil {
		return nil, classify(err)
	}
	now := e.clock()
	out := make([]execution.Position, 0)
	for _, r := range risks {
		if r == nil {
			continue
		}
		amt := parseDec(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := types.Long
		if amt.IsNegative() {
			side = types.Short
		}
		mark := parseFloat(r.MarkPrice)
		pos := execution.Position{
			Symbol:     r.Symbol,
			Side:       side,
			Quantity:   amt.Abs().InexactFloat64(),
			EntryPrice: parseFloat(r.EntryPrice),
			MarkPrice:  mark,
			OpenedAt:   now,
		}
		if equity > 0 {
			pos.Fraction = amt.Abs().InexactFloat64() * mark / equity
		}
		out = append(out, pos)
	}
	return out, nil
}

func (e *Exchange) position(ctx context.Context, sym string) (venuePosition, error) {
	if err := e.admit(ctx, positionWeight); err != nil {
		return venuePosition{}, err
	}
	risks, err := e.client.NewGetPositionRiskService().Symbol(sym).Do(ctx, e.recv())
	if err != nil {
		return venuePosition{}, classify(err)
	}
	out := venuePosition{amt: decimal.Zero}
	for _, r := range risks {
		if r == nil || r.Symbol != sym {
			continue
		}
		out.amt = out.amt.Add(parseDec(r.PositionAmt))
		if v := parseFloat(r.EntryPrice); v > 0 {
			out.entry = v
		}
		if v := parseFloat(r.MarkPrice); v > 0 {
			out.mark = v
		}
	}
	return out, nil
}

func (e *Exchange) equity(ctx context.Context) (float64, error) {
	if err := e.admit(ctx, accountWeight); err != nil {
		return 0, err
	}
	acct, err := e.client.NewGetAccountService().Do(ctx, e.recv())
	if err != nil {
		return 0, classify(err)
	}
	equity := parseFloat(acct.TotalMarginBalance)
	if equity <= 0 {
		return 0, &execution.RejectedError{Code: -2019, Message: "account has no margin balance"}
	}
	return equity, nil
}

func (e *Exchange) filter(ctx context.Context, sym string) (symbolFilter, error) {
	e.mu.Lock()
	f, ok := e.filters[sym]
	e.mu.Unlock()
	if ok {
		return f, nil
	}
	if err := e.admit(ctx, exchangeInfoWeight); err != nil {
		return symbolFilter{}, err
	}
	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return symbolFilter{}, classify(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range info.Symbols {
		s := &info.Symbols[i]
		nf := symbolFilter{step: decimal.Zero, tick: decimal.Zero, minQty: decimal.Zero}
		if lot := s.LotSizeFilter(); lot != nil {
			nf.step = parseDec(lot.StepSize)
			nf.minQty = parseDec(lot.MinQuantity)
		}
		if pf := s.PriceFilter(); pf != nil {
			nf.tick = parseDec(pf.TickSize)
		}
		e.filters[s.Symbol] = nf
	}
	f, ok = e.filters[sym]
	if !ok {
		return symbolFilter{}, &execution.RejectedError{Code: -1121, Message: "unknown symbol " + sym}
	}
	return f, nil
}

func (e *Exchange) ensureLeverage(ctx context.Context, sym string) error {
	e.mu.Lock()
	done := e.leverage[sym]
	e.mu.Unlock()
	if done {
		return nil
	}
	if err := e.admit(ctx, orderWeight); err != nil {
		return err
	}
	if _, err := e.client.NewChangeLeverageService().Symbol(sym).Leverage(e.cfg.Leverage).Do(ctx, e.recv()); err != nil {
		return classify(err)
	}
	e.mu.Lock()
	e.leverage[sym] = true
	e.mu.Unlock()
	return nil
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func apiCode(err error) int64 {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// classify maps venue refusals onto execution.ErrOrderRejected; everything
// else stays retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && rejectedCodes[apiErr.Code] {
		return &execution.RejectedError{Code: apiErr.Code, Message: apiErr.Message}
	}
	return err
}
