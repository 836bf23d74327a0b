package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"confluence/internal/logger"
	"confluence/internal/risk"
)

// UpdateTick consumes pending signals for every active symbol and applies
// them. Failures stay with their symbol.
func (s *System) UpdateTick(ctx context.Context) {
	active := make([]*instrument, 0)
	for _, inst := range s.instruments.all() {
		if inst.isActive() {
			active = append(active, inst)
		}
	}
	if len(active) == 0 {
		return
	}
	s.forEach(ctx, "update", active, s.processUpdate)
}

func (s *System) processUpdate(ctx context.Context, inst *instrument) error {
	// A risk close or removal owns the symbol this tick; the signal stays in
	// the mailbox and is judged against the close next time.
	if !inst.op.TryLockLow() {
		logger.Debugf("%s update skipped: symbol busy", inst.symbol)
		return nil
	}
	defer inst.op.Unlock()
	if !inst.isActive() {
		return nil
	}

	sig, ok := s.signals.Take(inst.symbol)
	if !ok {
		return nil
	}
	now := s.clock()
	if age := now.Sub(sig.GeneratedAt); age > s.cfg.MaxSignalAge {
		logger.Infof("%s dropping %s signal: age %s exceeds %s", inst.symbol, sig.Side, age, s.cfg.MaxSignalAge)
		return nil
	}
	if closedAt := inst.riskCloseAt(); !closedAt.IsZero() && !sig.GeneratedAt.After(closedAt) {
		logger.Infof("%s dropping %s signal from %s: predates risk close at %s",
			inst.symbol, sig.Side, sig.GeneratedAt.Format("15:04:05.000"), closedAt.Format("15:04:05.000"))
		return nil
	}
	if !sig.Side.Directional() {
		return nil
	}

	decision, err := s.sizer.Decide(sig.ID, inst.symbol, sig.Side, sig.Score(), sig.Confluence.Reliability, sig.GeneratedAt)
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}
	if err := s.cfg.Limits.AllowsOpen(s.openExposures(), inst.symbol, decision.PositionFraction); err != nil {
		if errors.Is(err, risk.ErrLimitExceeded) {
			logger.Warnf("%s %s entry blocked: %v", inst.symbol, decision.Side, err)
			s.emit(Event{Kind: EventOrderFailed, Symbol: inst.symbol, SignalID: sig.ID, Detail: "limit gate", Err: err, Decision: &decision})
			return nil
		}
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	res, err := s.exec.OpenOrAdjust(callCtx, decision)
	if err != nil {
		s.emit(Event{Kind: EventOrderFailed, Symbol: inst.symbol, SignalID: sig.ID, Err: err, Decision: &decision})
		return fmt.Errorf("open %s: %w", decision.Side, err)
	}
	pos := res.Position
	if pos.Symbol == "" {
		pos.Symbol = inst.symbol
	}
	if !pos.Side.Directional() {
		pos.Side = decision.Side
	}
	if pos.Fraction == 0 {
		pos.Fraction = decision.PositionFraction
	}
	if pos.StopLossFraction == 0 {
		pos.StopLossFraction = decision.StopLossFraction
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = now
	}
	if pos.ClientOrderID == "" {
		pos.ClientOrderID = res.ClientOrderID
	}
	pos.SignalID = sig.ID
	inst.setPosition(pos, &decision, s.clock())
	if !res.Duplicate {
		logger.Infof("%s %s target fraction=%.4f stop=%.4f score=%.2f reliability=%.2f signal=%s",
			inst.symbol, decision.Side, decision.PositionFraction, decision.StopLossFraction, decision.Score, decision.Reliability, sig.ID)
	}
	s.emit(Event{Kind: EventOrderOpened, Symbol: inst.symbol, SignalID: sig.ID, Decision: &decision, Result: &res})
	return nil
}

func (s *System) openExposures() []risk.Exposure {
	all := s.instruments.all()
	out := make([]risk.Exposure, 0, len(all))
	for _, inst := range all {
		if e, ok := inst.exposure(); ok {
			out = append(out, e)
		}
	}
	return out
}
