package executor

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meyer9/db-test/workload"
)

// Sequential applies the block one transaction at a time in index order. It
// is the reference the parallel executor must be indistinguishable from.
type Sequential struct {
	// VerifySignatures enables ECDSA recovery per transaction.
	VerifySignatures bool
	// Ordering is carried for interface parity; one-at-a-time execution is
	// strictly ordered either way.
	Ordering OrderingMode
}

func NewSequential(verify bool) *Sequential {
	return &Sequential{VerifySignatures: verify, Ordering: OrderingStrict}
}

func (e *Sequential) Name() string {
	return fmt.Sprintf("sequential(verify=%t)", e.VerifySignatures)
}

func (e *Sequential) PreservesOrder() bool {
	return true
}

func (e *Sequential) Execute(initial map[common.Address]workload.AccountState, w *workload.Workload) (map[common.Address]workload.AccountState, Result, error) {
	state := cloneState(initial)
	var res Result
	for _, tx := range w.Transactions {
		changes, err := workload.ApplyTransfer(tx, func(addr common.Address) workload.AccountState {
			return state[addr]
		}, e.VerifySignatures)
		if err != nil {
			res.Failed++
			continue
		}
		for _, change := range changes {
			state[change.Address] = change.State
		}
		res.Successful++
	}
	return state, res, nil
}
