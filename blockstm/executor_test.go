package blockstm

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterVM makes every transaction read and increment the same location:
// the worst case, a full read-write chain across the block.
type counterVM struct{}

func (counterVM) Execute(view *View[string], txnIndex int) error {
	count := 0
	if val, ok := view.Read("counter"); ok {
		count = val.(int)
	}
	view.Write("counter", count+1)
	return nil
}

func TestBlockExecutorFullConflictChain(t *testing.T) {
	const blockSize = 50
	for _, threads := range []int{1, 2, 8, 64} {
		threads := threads
		t.Run(fmt.Sprintf("threads=%d", threads), func(t *testing.T) {
			t.Parallel()
			e := NewBlockExecutor[string](Config{Concurrency: threads}, counterVM{}, blockSize)
			result, err := e.Run()
			require.NoError(t, err)

			require.Len(t, result.Outcomes, blockSize)
			for i, outcome := range result.Outcomes {
				assert.True(t, outcome.OK, "txn %d", i)
				assert.NoError(t, outcome.Reason)
			}
			require.Len(t, result.Snapshot, 1)
			assert.Equal(t, "counter", result.Snapshot[0].Location)
			assert.Equal(t, blockSize, result.Snapshot[0].Value)
			assert.GreaterOrEqual(t, result.Stats.Executions, int64(blockSize))
		})
	}
}

// disjointVM touches one private location per transaction.
type disjointVM struct{}

func (disjointVM) Execute(view *View[string], txnIndex int) error {
	location := fmt.Sprintf("key-%d", txnIndex)
	if _, ok := view.Read(location); ok {
		return errors.New("unexpected value")
	}
	view.Write(location, txnIndex)
	return nil
}

func TestBlockExecutorDisjointNeverAborts(t *testing.T) {
	const blockSize = 100
	e := NewBlockExecutor[string](Config{Concurrency: 8}, disjointVM{}, blockSize)
	result, err := e.Run()
	require.NoError(t, err)

	assert.Equal(t, int64(0), result.Stats.Aborts)
	assert.Equal(t, int64(blockSize), result.Stats.Executions)
	assert.Len(t, result.Snapshot, blockSize)
	for _, outcome := range result.Outcomes {
		assert.True(t, outcome.OK)
		assert.Equal(t, 0, outcome.Incarnation)
	}
}

// failingVM rejects odd transactions; failures publish no state.
type failingVM struct{}

var errOdd = errors.New("odd index rejected")

func (failingVM) Execute(view *View[string], txnIndex int) error {
	if txnIndex%2 == 1 {
		return errOdd
	}
	view.Write(fmt.Sprintf("key-%d", txnIndex), txnIndex)
	return nil
}

func TestBlockExecutorFailedTxnPublishesNothing(t *testing.T) {
	const blockSize = 10
	e := NewBlockExecutor[string](Config{Concurrency: 4}, failingVM{}, blockSize)
	result, err := e.Run()
	require.NoError(t, err)

	for i, outcome := range result.Outcomes {
		if i%2 == 1 {
			assert.False(t, outcome.OK)
			assert.ErrorIs(t, outcome.Reason, errOdd)
		} else {
			assert.True(t, outcome.OK)
		}
	}
	assert.Len(t, result.Snapshot, blockSize/2)
}

// deletingVM writes a location early and deletes it later in the block.
type deletingVM struct{}

func (deletingVM) Execute(view *View[string], txnIndex int) error {
	switch txnIndex {
	case 0:
		view.Write("victim", "present")
	case 1:
		if val, ok := view.Read("victim"); !ok || val != "present" {
			return errors.Errorf("txn 1 read %v, %t", val, ok)
		}
		view.Delete("victim")
	case 2:
		if _, ok := view.Read("victim"); ok {
			return errors.New("txn 2 saw a deleted location")
		}
		view.Write("after", true)
	}
	return nil
}

func TestBlockExecutorTombstone(t *testing.T) {
	e := NewBlockExecutor[string](Config{Concurrency: 4}, deletingVM{}, 3)
	result, err := e.Run()
	require.NoError(t, err)

	for i, outcome := range result.Outcomes {
		require.True(t, outcome.OK, "txn %d: %v", i, outcome.Reason)
	}
	got := make(map[string]any)
	for _, lv := range result.Snapshot {
		got[lv.Location] = lv.Value
	}
	require.Len(t, got, 2)
	assert.Equal(t, true, got["after"])
	// the snapshot carries the deletion so callers drop the location
	victim, ok := got["victim"]
	require.True(t, ok)
	assert.Nil(t, victim)
}

// panickingVM crosses the recover boundary once.
type panickingVM struct{}

func (panickingVM) Execute(view *View[string], txnIndex int) error {
	if txnIndex == 1 {
		panic("transition function bug")
	}
	view.Write(fmt.Sprintf("key-%d", txnIndex), txnIndex)
	return nil
}

func TestBlockExecutorPanicFailsBlock(t *testing.T) {
	e := NewBlockExecutor[string](Config{Concurrency: 2}, panickingVM{}, 4)
	result, err := e.Run()
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "transition function bug")
}

// addTenVM has txn 0 write the opening value and every later transaction add
// ten on top of whatever it reads, so the final value encodes whose write
// each transaction built on.
type addTenVM struct{}

func (addTenVM) Execute(view *View[string], txnIndex int) error {
	if txnIndex == 0 {
		view.Write("M", 10)
		return nil
	}
	prev := 0
	if val, ok := view.Read("M"); ok {
		prev = val.(int)
	}
	view.Write("M", prev+10)
	return nil
}

// Replays a worker schedule where txn 2 validates against txn 1's
// speculative write before txn 0 lands: once txn 1 aborts and its write is
// removed, txn 2 must be pushed back through validation even though it had
// already validated, or its stale result would commit.
func TestAbortedWriteRevalidatesItsReaders(t *testing.T) {
	e := NewBlockExecutor[string](Config{Concurrency: 1}, addTenVM{}, 3)
	s := e.sched

	exec0 := s.NextTask()
	exec1 := s.NextTask()
	exec2 := s.NextTask()
	require.NotNil(t, exec0)
	require.NotNil(t, exec1)
	require.NotNil(t, exec2)

	// txns 1 and 2 race ahead of txn 0: txn 1 writes from the pre-block
	// state, txn 2 reads txn 1's speculative write
	require.Nil(t, e.tryExecute(exec1.Version))
	require.Nil(t, e.tryExecute(exec2.Version))

	// the validation cursor skips txn 0 (still executing) and settles both
	require.Nil(t, s.NextTask())
	task := s.NextTask()
	require.NotNil(t, task)
	require.Equal(t, Task{Kind: TaskKindValidate, Version: Version{Index: 1}}, *task)
	require.Nil(t, e.tryValidate(task.Version))
	task = s.NextTask()
	require.NotNil(t, task)
	require.Equal(t, Task{Kind: TaskKindValidate, Version: Version{Index: 2}}, *task)
	require.Nil(t, e.tryValidate(task.Version))

	// txn 0 finally lands its write; its own validation chains back
	task = e.tryExecute(exec0.Version)
	require.NotNil(t, task)
	require.Equal(t, Task{Kind: TaskKindValidate, Version: Version{Index: 0}}, *task)
	require.Nil(t, e.tryValidate(task.Version))

	// txn 1 is stale, aborts, and re-executes on top of txn 0
	task = s.NextTask()
	require.NotNil(t, task)
	require.Equal(t, Task{Kind: TaskKindValidate, Version: Version{Index: 1}}, *task)
	task = e.tryValidate(task.Version)
	require.NotNil(t, task)
	require.Equal(t, Task{Kind: TaskKindExecute, Version: Version{Index: 1, Incarnation: 1}}, *task)
	task = e.tryExecute(task.Version)
	require.NotNil(t, task)
	require.Equal(t, Task{Kind: TaskKindValidate, Version: Version{Index: 1, Incarnation: 1}}, *task)
	require.Nil(t, e.tryValidate(task.Version))

	// txn 2 validated against the removed write; the abort must have demoted
	// it so the cursor hands it out again
	task = s.NextTask()
	require.NotNil(t, task)
	require.Equal(t, Task{Kind: TaskKindValidate, Version: Version{Index: 2}}, *task)
	task = e.tryValidate(task.Version)
	require.NotNil(t, task)
	require.Equal(t, Task{Kind: TaskKindExecute, Version: Version{Index: 2, Incarnation: 1}}, *task)
	task = e.tryExecute(task.Version)
	require.NotNil(t, task)
	require.Equal(t, Task{Kind: TaskKindValidate, Version: Version{Index: 2, Incarnation: 1}}, *task)
	require.Nil(t, e.tryValidate(task.Version))

	require.Nil(t, s.NextTask())
	require.True(t, s.Done())
	require.NoError(t, s.Err())

	snapshot := e.store.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "M", snapshot[0].Location)
	assert.Equal(t, 30, snapshot[0].Value)
}

// dependentVM makes each transaction read its predecessor's slot, so values
// chain through the block in strict index order.
type dependentVM struct{}

func (dependentVM) Execute(view *View[string], txnIndex int) error {
	prev := 0
	if txnIndex > 0 {
		if val, ok := view.Read(fmt.Sprintf("slot-%d", txnIndex-1)); ok {
			prev = val.(int)
		}
	}
	view.Write(fmt.Sprintf("slot-%d", txnIndex), prev+txnIndex)
	return nil
}

func TestBlockExecutorSerialEquivalence(t *testing.T) {
	const blockSize = 40

	want := make(map[string]int, blockSize)
	prev := 0
	for i := 0; i < blockSize; i++ {
		prev += i
		want[fmt.Sprintf("slot-%d", i)] = prev
	}

	for _, threads := range []int{1, 2, 8} {
		threads := threads
		t.Run(fmt.Sprintf("threads=%d", threads), func(t *testing.T) {
			t.Parallel()
			e := NewBlockExecutor[string](Config{Concurrency: threads}, dependentVM{}, blockSize)
			result, err := e.Run()
			require.NoError(t, err)

			got := make(map[string]int, len(result.Snapshot))
			for _, lv := range result.Snapshot {
				got[lv.Location] = lv.Value.(int)
			}
			assert.Equal(t, want, got)
		})
	}
}
