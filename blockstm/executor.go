package blockstm

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/zhiqiangxu/util"
)

// DefaultDivergenceFactor bounds incarnations per transaction at
// factor * block size before the block is failed with ErrDivergence.
const DefaultDivergenceFactor = 4

// idleBackoff is how long a worker sleeps when no task is available but the
// block is not done yet.
const idleBackoff = 10 * time.Microsecond

type Config struct {
	// Concurrency is the number of worker goroutines; 1 degenerates to
	// sequential-equivalent execution.
	Concurrency int
	// DivergenceFactor overrides DefaultDivergenceFactor when > 0.
	DivergenceFactor int
}

// BlockExecutor runs one block of transactions through the injected
// transition function. All state is block-scoped; a new executor is created
// per block and discarded after Run.
type BlockExecutor[L comparable] struct {
	cfg       Config
	vm        VM[L]
	sched     *scheduler
	store     *MVStore[L]
	outcomes  []atomic.Pointer[TxnOutcome]
	blockSize int
}

func NewBlockExecutor[L comparable](cfg Config, vm VM[L], blockSize int) *BlockExecutor[L] {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.DivergenceFactor < 1 {
		cfg.DivergenceFactor = DefaultDivergenceFactor
	}
	maxIncarnation := cfg.DivergenceFactor * blockSize
	if maxIncarnation < cfg.DivergenceFactor {
		maxIncarnation = cfg.DivergenceFactor
	}
	return &BlockExecutor[L]{
		cfg:       cfg,
		vm:        vm,
		sched:     newScheduler(blockSize, maxIncarnation),
		store:     NewMVStore[L](blockSize),
		outcomes:  make([]atomic.Pointer[TxnOutcome], blockSize),
		blockSize: blockSize,
	}
}

// Store exposes the underlying multi-version store, e.g. for result
// assembly beyond the snapshot.
func (e *BlockExecutor[L]) Store() *MVStore[L] {
	return e.store
}

// Run executes the block and blocks until every transaction has been
// executed and validated at its final incarnation. The returned result is
// identical to a sequential index-ordered execution. A non-nil error means
// the block failed as a whole (divergence or internal fault) and no partial
// result is available.
func (e *BlockExecutor[L]) Run() (*BlockResult[L], error) {
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Concurrency; i++ {
		util.GoFunc(&wg, e.run)
	}
	wg.Wait()

	if err := e.sched.Err(); err != nil {
		return nil, err
	}

	result := &BlockResult[L]{
		Outcomes: make([]TxnOutcome, e.blockSize),
		Snapshot: e.store.Snapshot(),
		Stats:    e.sched.Stats(),
	}
	for i := range result.Outcomes {
		outcome := e.outcomes[i].Load()
		if outcome == nil {
			return nil, errors.Errorf("txn %d finished block without an outcome", i)
		}
		result.Outcomes[i] = *outcome
	}

	log.Debug("block executed",
		"txns", e.blockSize,
		"threads", e.cfg.Concurrency,
		"executions", result.Stats.Executions,
		"aborts", result.Stats.Aborts,
		"took", time.Since(start))
	return result, nil
}

// run is one worker loop: pull a task, perform it, feed the follow-up task
// back in. Workers never block on each other; with no task available they
// back off briefly and retry until the scheduler reports done. A panic from
// the transition function fails the block instead of crossing the boundary.
func (e *BlockExecutor[L]) run() {
	defer func() {
		if r := recover(); r != nil {
			e.sched.fail(errors.Errorf("worker panic: %v", r))
		}
	}()

	var task *Task
	for {
		if task != nil {
			switch task.Kind {
			case TaskKindExecute:
				task = e.tryExecute(task.Version)
			case TaskKindValidate:
				task = e.tryValidate(task.Version)
			}
		}
		if task == nil {
			task = e.sched.NextTask()
		}
		if task == nil {
			if e.sched.Done() {
				return
			}
			time.Sleep(idleBackoff)
		}
	}
}

func (e *BlockExecutor[L]) tryExecute(version Version) *Task {
	view := newView(e.store, version)
	err := e.vm.Execute(view, version.Index)

	ws := view.writeSet()
	if err != nil {
		// a failed transaction publishes no state
		ws = nil
	}
	invalidated := e.store.Record(version, view.readSet(), ws)
	e.outcomes[version.Index].Store(&TxnOutcome{
		OK:          err == nil,
		Reason:      err,
		Incarnation: version.Incarnation,
	})
	return e.sched.FinishExecution(version, invalidated)
}

func (e *BlockExecutor[L]) tryValidate(version Version) *Task {
	valid := e.store.ValidateReadSet(version.Index)
	aborted := !valid && e.sched.TryValidationAbort(version)
	if aborted {
		e.store.ClearReadSet(version.Index)
		// removal invalidates readers the same way replacement does; demote
		// them before the abort settles so an already-validated reader comes
		// back through the validation cursor
		if invalidated := e.store.RemoveWriteSet(version.Index); len(invalidated) > 0 {
			e.sched.requeueValidation(invalidated)
		}
	}
	return e.sched.FinishValidation(version, aborted)
}
