package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/taskmarket/ledger"
	"github.com/GoCodeAlone/taskmarket/market"
)

// SetConfig applies new rates and windows. In-flight tasks keep the amounts
// they already escrowed.
func (e *Engine) SetConfig(ctx context.Context, caller market.Caller, update ConfigUpdate) error {
	const op = "set config"
	if err := e.acl.RequireOwner(caller); err != nil {
		return e.fail(op, err)
	}
	if err := e.acl.RequireNotPaused(); err != nil {
		return e.fail(op, err)
	}
	if err := e.cfg.Set(update); err != nil {
		return e.fail(op, err)
	}
	e.publish(ctx, market.EventConfigUpdated, 0, market.ConfigUpdatedEvent{
		DepositRateBps:     update.DepositRateBps,
		PenaltyRateBps:     update.PenaltyRateBps,
		TaskExpiry:         update.TaskExpiry,
		CompletionDeadline: update.CompletionDeadline,
	})
	e.log.Info("config updated",
		slog.Uint64("deposit_bps", uint64(update.DepositRateBps)),
		slog.Uint64("penalty_bps", uint64(update.PenaltyRateBps)))
	return nil
}

// SetPlatformFee updates the fee taken from completed bounties.
func (e *Engine) SetPlatformFee(ctx context.Context, caller market.Caller, feeBps uint32) error {
	const op = "set platform fee"
	if err := e.acl.RequireOwner(caller); err != nil {
		return e.fail(op, err)
	}
	if err := e.acl.RequireNotPaused(); err != nil {
		return e.fail(op, err)
	}
	if err := e.cfg.SetPlatformFee(feeBps); err != nil {
		return e.fail(op, err)
	}
	e.publish(ctx, market.EventPlatformFeeUpdated, 0, market.PlatformFeeUpdatedEvent{FeeBps: feeBps})
	return nil
}

// SetBackend designates the housekeeping caller.
func (e *Engine) SetBackend(ctx context.Context, caller market.Caller, addr market.Address) error {
	const op = "set backend"
	if err := e.acl.RequireOwner(caller); err != nil {
		return e.fail(op, err)
	}
	if err := e.acl.RequireNotPaused(); err != nil {
		return e.fail(op, err)
	}
	old, err := e.acl.SetBackend(addr)
	if err != nil {
		return e.fail(op, err)
	}
	e.publish(ctx, market.EventBackendUpdated, 0, market.BackendUpdatedEvent{Old: old, New: addr})
	return nil
}

// WithdrawPlatformFees drains the fee accumulator to the owner's account.
func (e *Engine) WithdrawPlatformFees(ctx context.Context, caller market.Caller) (market.Amount, error) {
	const op = "withdraw platform fees"
	if err := e.acl.RequireOwner(caller); err != nil {
		return 0, e.fail(op, err)
	}
	if err := e.acl.RequireNotPaused(); err != nil {
		return 0, e.fail(op, err)
	}

	amount, err := e.store.PlatformFees()
	if err != nil {
		return 0, e.fail(op, err)
	}
	if amount == 0 {
		return 0, e.fail(op, market.ErrNoFeesToWithdraw)
	}
	err = e.store.WithinTx(func(tx *ledger.Tx) error {
		if err := tx.Transfer(market.FeeAccount, caller.Address, amount); err != nil {
			return err
		}
		return tx.Append(string(market.EventFeesWithdrawn), 0, caller.Address, amount)
	})
	if err != nil {
		return 0, e.fail(op, err)
	}
	e.publish(ctx, market.EventFeesWithdrawn, 0, market.FeesWithdrawnEvent{To: caller.Address, Amount: amount})
	e.log.Info("platform fees withdrawn", slog.Uint64("amount", uint64(amount)))
	return amount, nil
}

// EmergencyPause halts every mutating entry point except the emergency
// set. Idempotent.
func (e *Engine) EmergencyPause(caller market.Caller) error {
	if err := e.acl.RequireOwner(caller); err != nil {
		return e.fail("emergency pause", err)
	}
	e.acl.Pause()
	e.log.Warn("engine paused")
	return nil
}

// EmergencyUnpause lifts the pause. Idempotent.
func (e *Engine) EmergencyUnpause(caller market.Caller) error {
	if err := e.acl.RequireOwner(caller); err != nil {
		return e.fail("emergency unpause", err)
	}
	e.acl.Unpause()
	e.log.Info("engine unpaused")
	return nil
}

// BlacklistAgent adds an address to the agent blacklist. There is no
// on-protocol trigger for this yet; membership is fed by the operator.
func (e *Engine) BlacklistAgent(caller market.Caller, addr market.Address) error {
	const op = "blacklist agent"
	if err := e.acl.RequireOwner(caller); err != nil {
		return e.fail(op, err)
	}
	bl, ok := e.acl.blacklist.(*MemoryBlacklist)
	if !ok {
		return e.fail(op, fmt.Errorf("%w: blacklist is externally managed", market.ErrValidation))
	}
	bl.Add(addr)
	return nil
}

// UnblacklistAgent removes an address from the agent blacklist.
func (e *Engine) UnblacklistAgent(caller market.Caller, addr market.Address) error {
	const op = "unblacklist agent"
	if err := e.acl.RequireOwner(caller); err != nil {
		return e.fail(op, err)
	}
	bl, ok := e.acl.blacklist.(*MemoryBlacklist)
	if !ok {
		return e.fail(op, fmt.Errorf("%w: blacklist is externally managed", market.ErrValidation))
	}
	bl.Remove(addr)
	return nil
}
