// Package blockstm implements an optimistic, multi-version parallel
// transaction executor. A block of transactions is executed speculatively by
// a pool of workers against a multi-version store; read/write conflicts are
// detected through per-version reader tracking and resolved by re-executing
// the conflicting transaction at a higher incarnation. The committed result
// is always identical to executing the block sequentially in index order.
package blockstm

// Version identifies one execution attempt of a transaction: its index in
// the block and the number of times it has been re-executed.
type Version struct {
	Index       int
	Incarnation int
}

// ReadDescriptor records one location a transaction read and the version it
// resolved to. A nil V means the read fell through to the pre-block state.
type ReadDescriptor[L comparable] struct {
	Location L
	V        *Version
}

type ReadSet[L comparable] []ReadDescriptor[L]

// WriteDescriptor is one buffered write of a transaction. A nil Val marks a
// tombstone (the location is deleted, or has no value yet).
type WriteDescriptor[L comparable] struct {
	Location L
	Val      any
}

type WriteSet[L comparable] []WriteDescriptor[L]

// LocationValue is a final committed (location, value) pair.
type LocationValue[L comparable] struct {
	Location L
	Value    any
}

type ReadStatus int

const (
	ReadStatusOK ReadStatus = iota
	ReadStatusNotFound
)

// ReadResult is the outcome of a speculative read against the store.
type ReadResult struct {
	Status  ReadStatus
	Version Version
	Value   any
}

// VM is the injected transition function. It must read and write state only
// through the supplied view, and must be deterministic: re-executing with an
// identical read view yields identical writes. A returned error is the
// transaction's domain outcome (e.g. insufficient balance), not an engine
// failure, and never affects other transactions.
type VM[L comparable] interface {
	Execute(view *View[L], txnIndex int) error
}

type TaskKind int

const (
	TaskKindExecute TaskKind = iota
	TaskKindValidate
)

// Task is a unit of work handed to a worker. A nil *Task from NextTask means
// "no work right now": the worker retries unless the scheduler reports done.
type Task struct {
	Kind    TaskKind
	Version Version
}

// TxnOutcome is the per-transaction result of the block.
type TxnOutcome struct {
	OK bool
	// Reason carries the transition failure for unsuccessful transactions.
	Reason error
	// Incarnation is the attempt the outcome was committed at; it equals the
	// number of times the transaction was aborted and re-executed.
	Incarnation int
}

// Stats aggregates engine-level counters for one block.
type Stats struct {
	Executions  int64
	Validations int64
	Aborts      int64
}

// BlockResult is what the block executor hands back to the caller once every
// transaction has been executed and validated at its final incarnation.
type BlockResult[L comparable] struct {
	// Outcomes holds one entry per transaction, in block order.
	Outcomes []TxnOutcome
	// Snapshot enumerates the final committed value per location; a nil
	// value marks a deletion. Order is unspecified; callers sort by
	// location as needed.
	Snapshot []LocationValue[L]
	Stats    Stats
}
