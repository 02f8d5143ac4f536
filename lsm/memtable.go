package lsm

import (
	"sync/atomic"
)

// perEntryOverhead approximates the skiplist bookkeeping cost of one entry
// (node header, forward pointers) so MemTableSizeLimit tracks real memory
// pressure rather than just key+value bytes.
const perEntryOverhead = 48

// memTable is the active (or immutable) write buffer backing an Engine. It
// stores internal keys (user key + sequence + kind) in a skiplist so Get can
// binary-search, Scan can iterate in order, and multiple versions of the
// same user key coexist until compacted away.
type memTable struct {
	list       *skiplist
	size       atomic.Int64
	sizeLimit  int
	walFileNum uint64
}

func newMemTable(sizeLimit int, walFileNum uint64) *memTable {
	return &memTable{
		list:       newSkiplist(),
		sizeLimit:  sizeLimit,
		walFileNum: walFileNum,
	}
}

// put records userKey -> value at seq with KindValue. value is copied so
// the caller's buffer can be reused.
func (m *memTable) put(userKey, value []byte, seq uint64) {
	ikey := encodeInternalKey(nil, userKey, seq, KindValue)
	v := append([]byte(nil), value...)
	m.list.Insert(ikey, v)
	m.size.Add(int64(len(ikey) + len(v) + perEntryOverhead))
}

// delete records a tombstone for userKey at seq.
func (m *memTable) delete(userKey []byte, seq uint64) {
	ikey := encodeInternalKey(nil, userKey, seq, KindTombstone)
	m.list.Insert(ikey, nil)
	m.size.Add(int64(len(ikey) + perEntryOverhead))
}

// get returns the most recent value for userKey visible at or before
// snapshotSeq. found is false if no entry exists in this table at all;
// tombstone is true if the most recent visible entry is a deletion.
func (m *memTable) get(userKey []byte, snapshotSeq uint64) (value []byte, found, tombstone bool) {
	node := m.list.seekGE(seekInternalKey(userKey, snapshotSeq))
	if node == nil {
		return nil, false, false
	}
	key, seq, kind := splitInternalKey(node.key)
	if string(key) != string(userKey) || seq > snapshotSeq {
		return nil, false, false
	}
	if kind == KindTombstone {
		return nil, true, true
	}
	return node.value, true, false
}

func (m *memTable) approxSize() int64 { return m.size.Load() }

func (m *memTable) shouldRotate() bool { return m.approxSize() >= int64(m.sizeLimit) }

func (m *memTable) count() int { return m.list.Len() }

// newIterator returns an iterator over the memtable's internal keys in
// ascending (userKey asc, seq desc) order, suitable for use as one input to
// a mergingIterator.
func (m *memTable) newIterator() *memTableIterator {
	return &memTableIterator{list: m.list}
}

// memTableIterator walks a memTable's skiplist from the beginning. It
// implements the internalIterator interface used by the merging iterator.
type memTableIterator struct {
	list *skiplist
	node *skiplistNode
	done bool
}

func (it *memTableIterator) SeekGE(ikey []byte) {
	it.node = it.list.seekGE(ikey)
	it.done = it.node == nil
}

func (it *memTableIterator) First() {
	it.node = it.list.first()
	it.done = it.node == nil
}

func (it *memTableIterator) Next() {
	if it.node == nil {
		it.done = true
		return
	}
	it.node = it.node.forward[0]
	it.done = it.node == nil
}

func (it *memTableIterator) Valid() bool { return !it.done && it.node != nil }

func (it *memTableIterator) Key() []byte { return it.node.key }

func (it *memTableIterator) Value() []byte { return it.node.value }

func (it *memTableIterator) Close() error { return nil }
