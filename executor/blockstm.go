package executor

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/meyer9/db-test/blockstm"
	"github.com/meyer9/db-test/workload"
)

// BlockSTM runs the block through the optimistic multi-version engine with
// the transfer transition function plugged in.
type BlockSTM struct {
	// Threads is the worker count handed to the engine.
	Threads int
	// VerifySignatures enables ECDSA recovery per transaction.
	VerifySignatures bool
	// DivergenceFactor caps re-executions; 0 uses the engine default.
	DivergenceFactor int
}

func NewBlockSTM(threads int, verify bool) *BlockSTM {
	return &BlockSTM{Threads: threads, VerifySignatures: verify}
}

func (e *BlockSTM) Name() string {
	return fmt.Sprintf("block-stm(threads=%d,verify=%t)", e.Threads, e.VerifySignatures)
}

// PreservesOrder is true: validation settles every transaction at the state
// its predecessors committed, so the result matches in-order execution.
func (e *BlockSTM) PreservesOrder() bool {
	return true
}

// transferVM adapts the transfer transition function to the engine. Reads go
// through the speculative view and fall back to the pre-block ledger; state
// changes are buffered as per-address writes.
type transferVM struct {
	initial      map[common.Address]workload.AccountState
	transactions []*workload.SignedTransaction
	verify       bool
}

func (vm *transferVM) Execute(view *blockstm.View[common.Address], txnIndex int) error {
	tx := vm.transactions[txnIndex]
	changes, err := workload.ApplyTransfer(tx, func(addr common.Address) workload.AccountState {
		if val, ok := view.Read(addr); ok {
			return val.(workload.AccountState)
		}
		return vm.initial[addr]
	}, vm.verify)
	if err != nil {
		return err
	}
	for _, change := range changes {
		view.Write(change.Address, change.State)
	}
	return nil
}

func (e *BlockSTM) Execute(initial map[common.Address]workload.AccountState, w *workload.Workload) (map[common.Address]workload.AccountState, Result, error) {
	result, err := e.ExecuteBlock(initial, w)
	if err != nil {
		return nil, Result{}, err
	}

	state := cloneState(initial)
	for _, lv := range result.Snapshot {
		if lv.Value == nil {
			delete(state, lv.Location)
			continue
		}
		state[lv.Location] = lv.Value.(workload.AccountState)
	}

	res := Result{Aborts: result.Stats.Aborts}
	for _, outcome := range result.Outcomes {
		if outcome.OK {
			res.Successful++
		} else {
			res.Failed++
		}
	}
	return state, res, nil
}

// ExecuteBlock exposes the raw engine result, including per-transaction
// incarnations and engine counters.
func (e *BlockSTM) ExecuteBlock(initial map[common.Address]workload.AccountState, w *workload.Workload) (*blockstm.BlockResult[common.Address], error) {
	vm := &transferVM{
		initial:      initial,
		transactions: w.Transactions,
		verify:       e.VerifySignatures,
	}
	engine := blockstm.NewBlockExecutor[common.Address](blockstm.Config{
		Concurrency:      e.Threads,
		DivergenceFactor: e.DivergenceFactor,
	}, vm, len(w.Transactions))
	result, err := engine.Run()
	if err != nil {
		return nil, errors.Wrap(err, "block execution")
	}
	return result, nil
}
