package orchestrator

import (
	"context"
	"fmt"

	"confluence/internal/execution"
	"confluence/internal/logger"
	"confluence/internal/risk"
)

// RiskTick refreshes positions from the venue, force-closes anything that
// breaches the limits and retries blocked removals. It returns the
// violations it acted on.
func (s *System) RiskTick(ctx context.Context) []risk.Violation {
	s.syncPositions(ctx)

	violations := s.cfg.Limits.Check(s.openExposures())
	if len(violations) > 0 {
		bySymbol := make(map[string]risk.Violation, len(violations))
		targets := make([]*instrument, 0, len(violations))
		for _, v := range violations {
			if inst := s.instruments.get(v.Symbol); inst != nil {
				bySymbol[v.Symbol] = v
				targets = append(targets, inst)
			}
		}
		s.forEach(ctx, "risk-close", targets, func(ctx context.Context, inst *instrument) error {
			return s.forceClose(ctx, inst, bySymbol[inst.symbol])
		})
	}

	pending := make([]*instrument, 0)
	for _, inst := range s.instruments.all() {
		if inst.snapshot().PendingRemoval {
			pending = append(pending, inst)
		}
	}
	for _, inst := range pending {
		if err := s.completeRemoval(ctx, inst); err != nil {
			logger.Warnf("%s removal still blocked: %v", inst.symbol, err)
		}
	}
	return violations
}

// syncPositions folds the venue's view into tracked slots. A failed read
// leaves local state alone.
func (s *System) syncPositions(ctx context.Context) {
	readAt := s.clock()
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	positions, err := s.exec.Positions(callCtx)
	if err != nil {
		logger.Warnf("risk check: position sync failed: %v", err)
		return
	}
	venue := make(map[string]execution.Position, len(positions))
	for _, p := range positions {
		if p.Open() {
			venue[p.Symbol] = p
		}
	}
	for _, inst := range s.instruments.all() {
		if p, ok := venue[inst.symbol]; ok {
			inst.syncPosition(&p, readAt)
		} else {
			inst.syncPosition(nil, readAt)
		}
	}
}

func (s *System) forceClose(ctx context.Context, inst *instrument, v risk.Violation) error {
	inst.op.LockHigh()
	defer inst.op.Unlock()
	if !inst.hasPosition() {
		return nil
	}
	signalID := inst.positionSignal()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	res, err := s.exec.Close(callCtx, inst.symbol)
	if err != nil {
		return fmt.Errorf("risk close (%s): %w", v.Kind, err)
	}
	inst.clearPosition(s.clock(), true)
	if err := s.exec.CancelOrders(callCtx, inst.symbol); err != nil {
		logger.Warnf("%s cancel after risk close failed: %v", inst.symbol, err)
	}
	logger.Warnf("%s risk close: %s", inst.symbol, v)
	s.emit(Event{Kind: EventRiskClose, Symbol: inst.symbol, SignalID: signalID, Detail: v.String(), Result: &res})
	return nil
}
