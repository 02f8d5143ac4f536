package lsm

import "container/heap"

// internalIterator is implemented by every source of internal keys a scan
// or compaction can merge: memTableIterator and sstableIterator.
type internalIterator interface {
	First()
	SeekGE(key []byte)
	Next()
	Valid() bool
	Key() []byte
	Value() []byte
	Close() error
}

// mergeHeapItem is one live source in the merging iterator's heap.
type mergeHeapItem struct {
	iter internalIterator
	key  []byte
}

type mergeHeap []*mergeHeapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return compareInternalKeys(h[i].key, h[j].key) < 0
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*mergeHeapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergingIterator k-way merges sorted internalIterator sources into a
// single ascending stream of internal keys, ordered by compareInternalKeys
// (user key ascending, sequence descending).
type mergingIterator struct {
	sources []internalIterator
	h       mergeHeap
	cur     *mergeHeapItem
}

func newMergingIterator(sources []internalIterator) *mergingIterator {
	return &mergingIterator{sources: sources}
}

func (m *mergingIterator) First() {
	m.h = m.h[:0]
	for _, src := range m.sources {
		src.First()
		if src.Valid() {
			heap.Push(&m.h, &mergeHeapItem{iter: src, key: append([]byte(nil), src.Key()...)})
		}
	}
	m.advance()
}

func (m *mergingIterator) SeekGE(key []byte) {
	m.h = m.h[:0]
	for _, src := range m.sources {
		src.SeekGE(key)
		if src.Valid() {
			heap.Push(&m.h, &mergeHeapItem{iter: src, key: append([]byte(nil), src.Key()...)})
		}
	}
	m.advance()
}

func (m *mergingIterator) advance() {
	if m.h.Len() == 0 {
		m.cur = nil
		return
	}
	top := m.h[0]
	m.cur = &mergeHeapItem{iter: top.iter, key: top.key}
}

func (m *mergingIterator) Next() {
	if m.h.Len() == 0 {
		m.cur = nil
		return
	}
	top := heap.Pop(&m.h).(*mergeHeapItem)
	top.iter.Next()
	if top.iter.Valid() {
		heap.Push(&m.h, &mergeHeapItem{iter: top.iter, key: append([]byte(nil), top.iter.Key()...)})
	}
	m.advance()
}

func (m *mergingIterator) Valid() bool { return m.cur != nil }
func (m *mergingIterator) Key() []byte { return m.cur.key }
func (m *mergingIterator) Value() []byte {
	return m.cur.iter.Value()
}

func (m *mergingIterator) Close() error {
	var firstErr error
	for _, src := range m.sources {
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Iterator is the user-facing cursor returned by Engine.Scan. It wraps a
// mergingIterator, collapsing multiple internal-key versions of the same
// user key down to the newest one visible at the iterator's snapshot
// sequence, and skips tombstones.
type Iterator struct {
	merged  *mergingIterator
	seq     uint64
	endKey  []byte
	release func()

	key   []byte
	value []byte
	valid bool
}

func newIterator(merged *mergingIterator, seq uint64, endKey []byte) *Iterator {
	return &Iterator{merged: merged, seq: seq, endKey: endKey}
}

// SeekToFirst positions the iterator at the first live key.
func (it *Iterator) SeekToFirst() {
	it.merged.First()
	it.settle()
}

// Seek positions the iterator at the first live key >= target.
func (it *Iterator) Seek(target []byte) {
	it.merged.SeekGE(seekInternalKey(target, it.seq))
	it.settle()
}

// settle advances past any internal key versions newer than the snapshot,
// any additional versions of a user key already emitted, and any
// tombstones, landing on the next live visible entry (or invalid).
func (it *Iterator) settle() {
	for {
		if !it.merged.Valid() {
			it.valid = false
			return
		}
		userKey, seq, kind := splitInternalKey(it.merged.Key())
		if seq > it.seq {
			it.merged.Next()
			continue
		}
		if len(it.endKey) > 0 && string(userKey) >= string(it.endKey) {
			it.valid = false
			return
		}
		if kind == KindTombstone {
			it.skipUserKey(userKey)
			continue
		}
		it.key = append(it.key[:0], userKey...)
		it.value = append(it.value[:0], it.merged.Value()...)
		it.valid = true
		it.advancePastUserKey(userKey)
		return
	}
}

// skipUserKey advances past every remaining internal-key version of
// userKey, used when a tombstone is the newest visible version. After
// emitting a live value, settle calls advancePastUserKey directly.
func (it *Iterator) skipUserKey(userKey []byte) {
	it.advancePastUserKey(userKey)
}

func (it *Iterator) advancePastUserKey(userKey []byte) {
	for it.merged.Valid() {
		k, _, _ := splitInternalKey(it.merged.Key())
		if string(k) != string(userKey) {
			return
		}
		it.merged.Next()
	}
}

// Next advances to the next live key.
func (it *Iterator) Next() { it.settle() }

func (it *Iterator) Valid() bool { return it.valid }
func (it *Iterator) Key() []byte { return it.key }
func (it *Iterator) Value() []byte { return it.value }

func (it *Iterator) Close() error {
	err := it.merged.Close()
	if it.release != nil {
		it.release()
	}
	return err
}
