// Package executor provides block executors over the transfer workload: a
// sequential baseline and a parallel one backed by the multi-version engine.
// Both produce the same final state for the same block, which the benchmark
// harness checks on every run.
package executor

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/meyer9/db-test/workload"
)

// OrderingMode states whether a strategy commits transactions in workload
// order or is allowed to reorder them (per-sender nonce order always holds).
type OrderingMode int

const (
	OrderingStrict OrderingMode = iota
	OrderingLoose
)

func (m OrderingMode) String() string {
	if m == OrderingLoose {
		return "loose"
	}
	return "strict"
}

// Executor runs a whole block of transfers against an initial ledger and
// returns the final ledger. The initial map is never mutated.
type Executor interface {
	Name() string
	Execute(initial map[common.Address]workload.AccountState, w *workload.Workload) (map[common.Address]workload.AccountState, Result, error)
	// PreservesOrder reports whether the final ledger is guaranteed to match
	// a strict in-order execution of the block.
	PreservesOrder() bool
}

// Result counts per-transaction outcomes of one block.
type Result struct {
	// Successful is the number of transfers that applied.
	Successful int
	// Failed is the number rejected by the transition function (bad nonce,
	// insufficient balance, bad signature).
	Failed int
	// Aborts counts speculative re-executions; always zero for the
	// sequential baseline.
	Aborts int64
}

func (r Result) Total() int {
	return r.Successful + r.Failed
}

func cloneState(initial map[common.Address]workload.AccountState) map[common.Address]workload.AccountState {
	state := make(map[common.Address]workload.AccountState, len(initial))
	for addr, st := range initial {
		state[addr] = st
	}
	return state
}
