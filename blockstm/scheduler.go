package blockstm

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrDivergence is reported when a transaction keeps aborting past the
// configured incarnation limit. With a deterministic transition function the
// abort chain is bounded; exceeding the limit means the transition function
// produced different writes from identical reads, and the block fails as a
// whole instead of cycling forever.
var ErrDivergence = errors.New("divergence detected: transaction re-executed past incarnation limit")

// scheduler coordinates the worker pool so that every transaction index
// reaches validated at its final incarnation. Two atomic cursors hand out
// fresh execution and validation work in index order; conflict handling
// moves the validation cursor back down ("wraparound") to the lowest index
// whose reads may have become stale.
type scheduler struct {
	doneMarker      atomic.Bool
	validationIndex atomic.Int32
	executionIndex  atomic.Int32
	numActiveTasks  atomic.Int32
	decreaseCount   atomic.Int32

	executions  atomic.Int64
	validations atomic.Int64
	aborts      atomic.Int64

	allTxnStatus []*txnStatus
	blockSize    int

	// maxIncarnation is the divergence guard; an incarnation beyond it
	// fails the block.
	maxIncarnation int

	errMu sync.Mutex
	err   error
}

// Per-transaction tagged state. Transitions:
//
//	ready -> executing -> executed -> validated
//	                          \-> aborting -> ready (incarnation+1)
//
// validated drops back to executed when a lower write invalidates the
// transaction's reads; validation then decides between validated and abort.
type txnStatus struct {
	sync.Mutex
	status      uint
	incarnation int
}

const (
	txnStatusReady = iota
	txnStatusExecuting
	txnStatusExecuted
	txnStatusValidated
	txnStatusAborting
)

func newScheduler(blockSize, maxIncarnation int) *scheduler {
	allTxnStatus := make([]*txnStatus, blockSize)
	for i := 0; i < blockSize; i++ {
		allTxnStatus[i] = &txnStatus{}
	}
	return &scheduler{
		blockSize:      blockSize,
		maxIncarnation: maxIncarnation,
		allTxnStatus:   allTxnStatus,
	}
}

func (s *scheduler) Done() bool {
	return s.doneMarker.Load()
}

// Err reports the fatal block error, if any. A non-nil error means the block
// result must be discarded.
func (s *scheduler) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *scheduler) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.doneMarker.Store(true)
}

// NextTask hands out the next unit of work, or nil when nothing is currently
// available. Validation is preferred whenever its cursor trails the
// execution cursor, so the lowest unresolved index is always settled first.
func (s *scheduler) NextTask() *Task {
	if s.validationIndex.Load() < s.executionIndex.Load() {
		if version := s.nextVersionToValidate(); version != nil {
			return &Task{Version: *version, Kind: TaskKindValidate}
		}
	} else {
		if version := s.nextVersionToExecute(); version != nil {
			return &Task{Version: *version, Kind: TaskKindExecute}
		}
	}
	return nil
}

// FinishExecution marks the transaction executed and schedules the follow-up
// work: its own validation, plus re-validation of every reader the write set
// invalidated.
func (s *scheduler) FinishExecution(version Version, invalidated []int) *Task {
	s.executions.Add(1)

	txnStatus := s.allTxnStatus[version.Index]
	txnStatus.Lock()
	if txnStatus.status != txnStatusExecuting {
		txnStatus.Unlock()
		s.fail(errors.Errorf("finish execution of txn %d: status %d, want executing", version.Index, txnStatus.status))
		return nil
	}
	txnStatus.status = txnStatusExecuted
	txnStatus.Unlock()

	if len(invalidated) > 0 {
		s.requeueValidation(invalidated)
	}

	if s.validationIndex.Load() > int32(version.Index) {
		// the validation cursor already passed this index; hand the
		// validation task straight back to the caller
		return &Task{Version: version, Kind: TaskKindValidate}
	}

	s.numActiveTasks.Add(-1)
	return nil
}

// FinishValidation settles one validation attempt. An abort bumps the
// incarnation, forces re-validation of everything above the transaction, and
// hands the re-execution task back to the caller when possible.
func (s *scheduler) FinishValidation(version Version, aborted bool) *Task {
	s.validations.Add(1)
	if aborted {
		s.setReadyStatus(version.Index)
		s.decreaseValidationIndex(version.Index + 1)

		if s.executionIndex.Load() > int32(version.Index) {
			// re-execute immediately; tryIncarnation releases the task slot
			// if someone else already claimed the transaction
			if newVersion := s.tryIncarnation(version.Index); newVersion != nil {
				return &Task{Version: *newVersion, Kind: TaskKindExecute}
			}
			return nil
		}
	} else {
		txnStatus := s.allTxnStatus[version.Index]
		txnStatus.Lock()
		if txnStatus.status == txnStatusExecuted && txnStatus.incarnation == version.Incarnation {
			txnStatus.status = txnStatusValidated
		}
		txnStatus.Unlock()
	}
	s.numActiveTasks.Add(-1)
	return nil
}

// TryValidationAbort transitions the transaction to aborting, but only if it
// still is the incarnation the failed validation looked at. Exactly one
// caller wins; a superseded incarnation's validation is a no-op.
func (s *scheduler) TryValidationAbort(version Version) bool {
	txnStatus := s.allTxnStatus[version.Index]
	txnStatus.Lock()
	defer txnStatus.Unlock()
	if txnStatus.incarnation == version.Incarnation &&
		(txnStatus.status == txnStatusExecuted || txnStatus.status == txnStatusValidated) {
		txnStatus.status = txnStatusAborting
		s.aborts.Add(1)
		return true
	}
	return false
}

// Abort forces re-execution of a transaction that has finished executing,
// regardless of its validation state, and reschedules it through both
// cursors. Returns false if the transaction is mid-flight (its
// post-execution validation will settle it instead).
func (s *scheduler) Abort(txnIndex int) bool {
	txnStatus := s.allTxnStatus[txnIndex]
	txnStatus.Lock()
	if txnStatus.status != txnStatusExecuted && txnStatus.status != txnStatusValidated {
		txnStatus.Unlock()
		return false
	}
	txnStatus.status = txnStatusAborting
	txnStatus.Unlock()
	s.aborts.Add(1)

	s.setReadyStatus(txnIndex)
	s.decreaseValidationIndex(txnIndex + 1)
	s.decreaseExecutionIndex(txnIndex)
	return true
}

// Incarnation returns the transaction's current incarnation counter.
func (s *scheduler) Incarnation(txnIndex int) int {
	txnStatus := s.allTxnStatus[txnIndex]
	txnStatus.Lock()
	defer txnStatus.Unlock()
	return txnStatus.incarnation
}

func (s *scheduler) Stats() Stats {
	return Stats{
		Executions:  s.executions.Load(),
		Validations: s.validations.Load(),
		Aborts:      s.aborts.Load(),
	}
}

// requeueValidation demotes invalidated readers that already validated and
// pulls the validation cursor down to the lowest of them. Iterative by
// construction: cascades re-enter through the cursor, never through
// recursion, so a long conflict chain cannot grow the stack.
func (s *scheduler) requeueValidation(invalidated []int) {
	min := invalidated[0]
	for _, txnIndex := range invalidated {
		if txnIndex >= s.blockSize {
			continue
		}
		txnStatus := s.allTxnStatus[txnIndex]
		txnStatus.Lock()
		if txnStatus.status == txnStatusValidated {
			txnStatus.status = txnStatusExecuted
		}
		txnStatus.Unlock()
		if txnIndex < min {
			min = txnIndex
		}
	}
	s.decreaseValidationIndex(min)
}

func (s *scheduler) setReadyStatus(txnIndex int) {
	txnStatus := s.allTxnStatus[txnIndex]
	txnStatus.Lock()
	txnStatus.incarnation++
	txnStatus.status = txnStatusReady
	incarnation := txnStatus.incarnation
	txnStatus.Unlock()

	if incarnation > s.maxIncarnation {
		s.fail(errors.Wrapf(ErrDivergence, "txn %d reached incarnation %d", txnIndex, incarnation))
	}
}

func (s *scheduler) nextVersionToValidate() *Version {
	if s.validationIndex.Load() >= int32(s.blockSize) {
		s.checkDone()
		return nil
	}

	s.numActiveTasks.Add(1)
	validationIndex := s.validationIndex.Add(1) - 1
	if validationIndex < int32(s.blockSize) {
		txnStatus := s.allTxnStatus[validationIndex]
		txnStatus.Lock()
		status, incarnation := txnStatus.status, txnStatus.incarnation
		txnStatus.Unlock()
		if status == txnStatusExecuted {
			return &Version{Index: int(validationIndex), Incarnation: incarnation}
		}
	}

	s.numActiveTasks.Add(-1)
	return nil
}

func (s *scheduler) nextVersionToExecute() *Version {
	if s.executionIndex.Load() >= int32(s.blockSize) {
		s.checkDone()
		return nil
	}

	s.numActiveTasks.Add(1)
	executionIndex := int(s.executionIndex.Add(1) - 1)

	return s.tryIncarnation(executionIndex)
}

// tryIncarnation claims the transaction for execution if it is ready. The
// caller must hold an active-task slot; the slot is released on failure.
func (s *scheduler) tryIncarnation(txnIndex int) *Version {
	if txnIndex < s.blockSize {
		txnStatus := s.allTxnStatus[txnIndex]
		txnStatus.Lock()
		if txnStatus.status == txnStatusReady {
			txnStatus.status = txnStatusExecuting
			incarnation := txnStatus.incarnation
			txnStatus.Unlock()
			return &Version{Index: txnIndex, Incarnation: incarnation}
		}
		txnStatus.Unlock()
	}

	s.numActiveTasks.Add(-1)
	return nil
}

// checkDone declares the block finished once both cursors ran past the end,
// no task is in flight, and no cursor decrease raced with the observation.
func (s *scheduler) checkDone() {
	observedCount := s.decreaseCount.Load()
	if s.executionIndex.Load() >= int32(s.blockSize) &&
		s.validationIndex.Load() >= int32(s.blockSize) &&
		s.numActiveTasks.Load() == 0 &&
		observedCount == s.decreaseCount.Load() {
		s.doneMarker.Store(true)
	}
}

func (s *scheduler) decreaseExecutionIndex(txnIndex int) {
	decreaseAtomicCursor(&s.executionIndex, int32(txnIndex))
	s.decreaseCount.Add(1)
}

func (s *scheduler) decreaseValidationIndex(txnIndex int) {
	decreaseAtomicCursor(&s.validationIndex, int32(txnIndex))
	s.decreaseCount.Add(1)
}

func decreaseAtomicCursor(cursor *atomic.Int32, target int32) {
	for {
		current := cursor.Load()
		if current <= target || cursor.CompareAndSwap(current, target) {
			return
		}
	}
}
