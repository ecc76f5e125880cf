package blockstm

// View is the read/write surface one execution attempt sees. Reads resolve
// through the multi-version store at the transaction's index and are
// collected into the read set; writes are buffered and flushed as one batch
// when the attempt finishes, so a half-executed transaction is never visible
// to other workers.
type View[L comparable] struct {
	store   *MVStore[L]
	version Version

	reads    ReadSet[L]
	readIdx  map[L]int
	readVals []any
	writes   WriteSet[L]
	writeIdx map[L]int
}

func newView[L comparable](store *MVStore[L], version Version) *View[L] {
	return &View[L]{
		store:    store,
		version:  version,
		readIdx:  make(map[L]int),
		writeIdx: make(map[L]int),
	}
}

// Read returns the value visible to this transaction at location. The second
// return is false when the location has no value: never written below this
// index, or deleted — the transition function falls back to its default
// (pre-block) state. Repeated reads of the same location observe the same
// value even if the store changes underneath (validation settles the
// identity later); reads of the transaction's own buffered writes are served
// from the buffer and are not dependencies.
func (v *View[L]) Read(location L) (any, bool) {
	if i, ok := v.writeIdx[location]; ok {
		val := v.writes[i].Val
		return val, val != nil
	}
	if i, ok := v.readIdx[location]; ok {
		val := v.readVals[i]
		return val, val != nil
	}

	result := v.store.Read(location, v.version.Index)
	rd := ReadDescriptor[L]{Location: location}
	if result.Status == ReadStatusOK {
		observed := result.Version
		rd.V = &observed
	}
	v.readIdx[location] = len(v.reads)
	v.reads = append(v.reads, rd)
	v.readVals = append(v.readVals, result.Value)

	if result.Status != ReadStatusOK || result.Value == nil {
		return nil, false
	}
	return result.Value, true
}

// Write buffers a value for location; the last write to a location wins.
func (v *View[L]) Write(location L, value any) {
	if i, ok := v.writeIdx[location]; ok {
		v.writes[i].Val = value
		return
	}
	v.writeIdx[location] = len(v.writes)
	v.writes = append(v.writes, WriteDescriptor[L]{Location: location, Val: value})
}

// Delete buffers a tombstone for location.
func (v *View[L]) Delete(location L) {
	v.Write(location, nil)
}

// Version reports the (index, incarnation) the view is bound to.
func (v *View[L]) Version() Version {
	return v.version
}

func (v *View[L]) readSet() ReadSet[L] {
	return v.reads
}

func (v *View[L]) writeSet() WriteSet[L] {
	return v.writes
}
