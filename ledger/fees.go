// Package ledger implements the escrow math and the SQLite-backed account
// ledger. The fee formulas are pure functions; all movement of value goes
// through a Store transaction.
package ledger

import (
	"math/bits"

	"github.com/GoCodeAlone/taskmarket/market"
)

// bpsDenom is the basis-point denominator for all rates.
const bpsDenom = 10000

// share computes floor(amount * rateBps / 10000) through a 128-bit
// intermediate, so amounts near the uint64 ceiling still divide correctly.
// Requires rateBps <= 10000, which config validation guarantees.
func share(amount market.Amount, rateBps uint32) market.Amount {
	hi, lo := bits.Mul64(uint64(amount), uint64(rateBps))
	q, _ := bits.Div64(hi, lo, bpsDenom)
	return market.Amount(q)
}

// RequiredDeposit returns the stake an agent must escrow to accept a task
// with the given bounty: floor(bounty * rate / 10000).
func RequiredDeposit(bounty market.Amount, depositRateBps uint32) market.Amount {
	return share(bounty, depositRateBps)
}

// Penalty returns the share of a deposit forfeited on rejection or timeout:
// floor(deposit * rate / 10000). Always <= deposit for rates <= 10000.
func Penalty(deposit market.Amount, penaltyRateBps uint32) market.Amount {
	return share(deposit, penaltyRateBps)
}

// PlatformFee returns the protocol's cut of a completed bounty:
// floor(bounty * fee / 10000).
func PlatformFee(bounty market.Amount, feeBps uint32) market.Amount {
	return share(bounty, feeBps)
}
