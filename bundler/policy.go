package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/chain"
	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/intent"
)

// Admission errors. The JSON-RPC boundary maps these onto error codes:
// floor and validity violations are INVALID_PARAMS, the injected failure
// is INTERNAL.
var (
	ErrPriorityFeeBelowFloor = errors.New("maxPriorityFeePerGas below the instance priority fee floor")
	ErrMaxFeeBelowFloor      = errors.New("maxFeePerGas below the instance max fee floor")
	ErrInjectedFailure       = errors.New("injected admission failure")
	ErrExpiresTooSoon        = errors.New("intent validity window expires too soon")
)

// Policy evaluates the per-instance admission rules against incoming
// intents. The rand and now hooks exist for deterministic tests.
type Policy struct {
	cfg        PolicyConfig
	entryPoint *chain.EntryPoint
	raw        chain.RawCaller

	rand func() float64
	now  func() time.Time
}

// NewPolicy creates a Policy bound to the entry-point adapter. raw may be
// nil when strict mode is off.
func NewPolicy(cfg PolicyConfig, ep *chain.EntryPoint, raw chain.RawCaller) *Policy {
	return &Policy{
		cfg:        cfg,
		entryPoint: ep,
		raw:        raw,
		rand:       rand.Float64,
		now:        time.Now,
	}
}

// Config returns the policy knobs currently in force.
func (p *Policy) Config() PolicyConfig { return p.cfg }

// CheckFees rejects intents whose fee caps sit below the configured
// floors. Floors are configured in gwei and compared in wei.
func (p *Policy) CheckFees(op *intent.Intent) error {
	if p.cfg.MinPriorityFeeGwei > 0 {
		floor := intent.GweiToWei(p.cfg.MinPriorityFeeGwei)
		if op.MaxPriorityFeePerGas == nil || op.MaxPriorityFeePerGas.Cmp(floor) < 0 {
			return fmt.Errorf("%w (floor %v gwei)", ErrPriorityFeeBelowFloor, p.cfg.MinPriorityFeeGwei)
		}
	}
	if p.cfg.MinMaxFeeGwei > 0 {
		floor := intent.GweiToWei(p.cfg.MinMaxFeeGwei)
		if op.MaxFeePerGas == nil || op.MaxFeePerGas.Cmp(floor) < 0 {
			return fmt.Errorf("%w (floor %v gwei)", ErrMaxFeeBelowFloor, p.cfg.MinMaxFeeGwei)
		}
	}
	return nil
}

// RollFailure applies the injected-failure demo knob: a uniform sample in
// [0,1) below the configured rate rejects the intent.
func (p *Policy) RollFailure() error {
	if p.cfg.FailureRate > 0 && p.rand() < p.cfg.FailureRate {
		return ErrInjectedFailure
	}
	return nil
}

// CheckValidity runs strict admission: simulateValidation through the
// entry-point adapter, intersect the account and paymaster windows, and
// reject when the window closes sooner than now + MinValidUntilSeconds.
// A no-op unless strict mode is on.
func (p *Policy) CheckValidity(ctx context.Context, packed *intent.Packed) error {
	if !p.cfg.Strict {
		return nil
	}
	sim, err := p.entryPoint.SimulateValidation(ctx, p.raw, packed)
	if err != nil {
		return err
	}
	_, validUntil := sim.Account.Intersect(sim.Paymaster)
	deadline := uint64(p.now().Unix()) + p.cfg.MinValidUntilSeconds
	if validUntil < deadline {
		return fmt.Errorf("%w: validUntil=%d required>=%d", ErrExpiresTooSoon, validUntil, deadline)
	}
	return nil
}

// Delay sleeps the configured post-acceptance delay, honoring context
// cancellation.
func (p *Policy) Delay(ctx context.Context) {
	if p.cfg.DelayMs <= 0 {
		return
	}
	select {
	case <-time.After(time.Duration(p.cfg.DelayMs) * time.Millisecond):
	case <-ctx.Done():
	}
}
