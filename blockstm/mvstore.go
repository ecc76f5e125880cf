package blockstm

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/maps/treemap"
	log "github.com/inconshreveable/log15"
)

// MVStore is the multi-version store shared by all workers for the duration
// of one block. Each location maps to an ordered history of versions keyed by
// producer index; a speculative read resolves to the highest version strictly
// below the reader's own index. Every read is recorded against the version it
// resolved to, so a later write below the reader can report exactly which
// transactions became stale.
type MVStore[L comparable] struct {
	data         sync.Map // L -> *versionCells
	lastWriteSet []atomic.Pointer[[]L]
	lastReadSet  []atomic.Pointer[ReadSet[L]]
	blockSize    int
}

// versionCells holds one location's version history. All access to the
// treemap and the reader sets happens under the mutex; critical sections are
// a treemap lookup or insertion, O(log blockSize).
type versionCells struct {
	sync.Mutex
	tm *treemap.Map // producer index -> *versionCell
	// baseReaders are transactions whose read fell through to the pre-block
	// state because no version below them existed yet.
	baseReaders map[int]struct{}
}

type versionCell struct {
	incarnation int
	value       any // nil marks a tombstone
	readers     map[int]struct{}
}

func NewMVStore[L comparable](blockSize int) *MVStore[L] {
	return &MVStore[L]{
		lastWriteSet: make([]atomic.Pointer[[]L], blockSize),
		lastReadSet:  make([]atomic.Pointer[ReadSet[L]], blockSize),
		blockSize:    blockSize,
	}
}

// Read resolves location for a reader at txnIndex and records the dependency.
// The returned version always has producer index < txnIndex; if no such
// version exists the caller falls back to the pre-block state.
func (s *MVStore[L]) Read(location L, txnIndex int) ReadResult {
	return s.read(location, txnIndex, true)
}

func (s *MVStore[L]) read(location L, txnIndex int, record bool) (result ReadResult) {
	var cells *versionCells
	if record {
		// the cells must exist even before any write so the base-state read
		// can be recorded for later invalidation
		cells = s.locationCells(location)
	} else {
		val, ok := s.data.Load(location)
		if !ok {
			result.Status = ReadStatusNotFound
			return
		}
		cells = val.(*versionCells)
	}

	cells.Lock()
	defer cells.Unlock()

	fk, fv := cells.tm.Floor(txnIndex - 1)
	if fk == nil {
		if record {
			cells.baseReaders[txnIndex] = struct{}{}
		}
		result.Status = ReadStatusNotFound
		return
	}

	cell := fv.(*versionCell)
	if record {
		cell.readers[txnIndex] = struct{}{}
	}
	result.Status = ReadStatusOK
	result.Version = Version{Index: fk.(int), Incarnation: cell.incarnation}
	result.Value = cell.value
	return
}

// Write installs or replaces the version at (location, version.Index) and
// returns the indices of transactions whose recorded reads are now stale.
// A write from a superseded incarnation is dropped without touching state.
func (s *MVStore[L]) Write(location L, version Version, value any) (invalidated []int) {
	cells := s.locationCells(location)
	cells.Lock()
	defer cells.Unlock()

	if existing, ok := cells.tm.Get(version.Index); ok {
		cell := existing.(*versionCell)
		if cell.incarnation > version.Incarnation {
			log.Debug("dropping write from superseded incarnation",
				"index", version.Index, "incarnation", version.Incarnation, "stored", cell.incarnation)
			return nil
		}
		if cell.incarnation < version.Incarnation {
			// readers of the previous incarnation observed a version identity
			// that no longer exists
			invalidated = drainReaders(cell.readers, version.Index)
		}
		cell.incarnation = version.Incarnation
		cell.value = value
		return invalidated
	}

	// First write at this index: readers above the writer that resolved to
	// the predecessor version (or to the pre-block state) now resolve here.
	if _, fv := cells.tm.Floor(version.Index - 1); fv != nil {
		invalidated = drainReaders(fv.(*versionCell).readers, version.Index)
	} else {
		invalidated = drainReaders(cells.baseReaders, version.Index)
	}
	cells.tm.Put(version.Index, &versionCell{
		incarnation: version.Incarnation,
		value:       value,
		readers:     make(map[int]struct{}),
	})
	return invalidated
}

// Remove drops the version produced by txnIndex at location, returning the
// readers that had resolved to it. Used when a re-execution no longer writes
// a previously written location, and when an aborted incarnation is cleaned.
func (s *MVStore[L]) Remove(location L, txnIndex int) (invalidated []int) {
	val, ok := s.data.Load(location)
	if !ok {
		return nil
	}
	cells := val.(*versionCells)
	cells.Lock()
	defer cells.Unlock()

	if existing, ok := cells.tm.Get(txnIndex); ok {
		invalidated = drainReaders(existing.(*versionCell).readers, txnIndex)
		cells.tm.Remove(txnIndex)
	}
	return invalidated
}

// Record publishes one execution attempt: it flushes the write set, removes
// versions for locations the previous incarnation wrote but this one did
// not, and stores the read set for later validation. The returned indices
// are every transaction whose recorded reads the attempt made stale.
func (s *MVStore[L]) Record(version Version, rs ReadSet[L], ws WriteSet[L]) (invalidated []int) {
	newLocations := make(map[L]struct{}, len(ws))
	for _, w := range ws {
		invalidated = append(invalidated, s.Write(w.Location, version, w.Val)...)
		newLocations[w.Location] = struct{}{}
	}

	if prev := s.lastWriteSet[version.Index].Load(); prev != nil {
		for _, location := range *prev {
			if _, ok := newLocations[location]; !ok {
				invalidated = append(invalidated, s.Remove(location, version.Index)...)
			}
		}
	}

	newLocationList := make([]L, 0, len(newLocations))
	for location := range newLocations {
		newLocationList = append(newLocationList, location)
	}
	s.lastWriteSet[version.Index].Store(&newLocationList)
	s.lastReadSet[version.Index].Store(&rs)

	return dedupIndices(invalidated)
}

// ValidateReadSet re-resolves every read the transaction's last execution
// made and reports whether each still resolves to the exact same version
// identity. Re-reading also refreshes the reader records, so a transaction
// whose stale records were drained by a writer is tracked again.
func (s *MVStore[L]) ValidateReadSet(txnIndex int) bool {
	prevReads := s.lastReadSet[txnIndex].Load()
	if prevReads == nil {
		return true
	}
	for _, read := range *prevReads {
		cur := s.Read(read.Location, txnIndex)
		switch cur.Status {
		case ReadStatusNotFound:
			if read.V != nil {
				return false
			}
		case ReadStatusOK:
			if read.V == nil || cur.Version != *read.V {
				return false
			}
		}
	}
	return true
}

// ClearReadSet removes the transaction's reader records. Called when an
// incarnation is aborted so a superseded attempt can no longer be reported
// as a stale reader.
func (s *MVStore[L]) ClearReadSet(txnIndex int) {
	prevReads := s.lastReadSet[txnIndex].Load()
	if prevReads == nil {
		return
	}
	for _, read := range *prevReads {
		val, ok := s.data.Load(read.Location)
		if !ok {
			continue
		}
		cells := val.(*versionCells)
		cells.Lock()
		if read.V == nil {
			delete(cells.baseReaders, txnIndex)
		} else if existing, ok := cells.tm.Get(read.V.Index); ok {
			delete(existing.(*versionCell).readers, txnIndex)
		}
		cells.Unlock()
	}
}

// RemoveWriteSet drops every version the transaction's last execution wrote
// and returns the readers that had resolved to them. Readers that already
// validated are not reachable through the validation cursor anymore, so the
// caller must force them back through re-validation.
func (s *MVStore[L]) RemoveWriteSet(txnIndex int) (invalidated []int) {
	prevWrites := s.lastWriteSet[txnIndex].Load()
	if prevWrites == nil {
		return nil
	}
	for _, location := range *prevWrites {
		invalidated = append(invalidated, s.Remove(location, txnIndex)...)
	}
	return dedupIndices(invalidated)
}

// Snapshot returns the final value per location, i.e. what a read past the
// end of the block observes. A location whose last write is a tombstone is
// reported with a nil Value so callers can drop it from their base state.
// Only meaningful once the block is done.
func (s *MVStore[L]) Snapshot() (ret []LocationValue[L]) {
	s.data.Range(func(location, _ any) bool {
		result := s.read(location.(L), s.blockSize, false)
		if result.Status == ReadStatusOK {
			ret = append(ret, LocationValue[L]{Location: location.(L), Value: result.Value})
		}
		return true
	})
	return
}

func (s *MVStore[L]) locationCells(location L) *versionCells {
	if val, ok := s.data.Load(location); ok {
		return val.(*versionCells)
	}
	val, _ := s.data.LoadOrStore(location, &versionCells{
		tm:          treemap.NewWithIntComparator(),
		baseReaders: make(map[int]struct{}),
	})
	return val.(*versionCells)
}

// drainReaders removes and returns every recorded reader above the given
// index. Drained readers are re-validated and re-record themselves on the
// version they resolve to next.
func drainReaders(readers map[int]struct{}, above int) (stale []int) {
	for reader := range readers {
		if reader > above {
			stale = append(stale, reader)
			delete(readers, reader)
		}
	}
	return
}

func dedupIndices(indices []int) []int {
	if len(indices) < 2 {
		return indices
	}
	sort.Ints(indices)
	out := indices[:1]
	for _, idx := range indices[1:] {
		if idx != out[len(out)-1] {
			out = append(out, idx)
		}
	}
	return out
}
