package lsm

import (
	"fmt"
	"os"
)

// sstable is an immutable sorted file of internal keys. Layout:
//
//	[data block 0][data block 1]...[index block][bloom block][footer]
//
// Each data block holds a run of consecutive internal keys with restart
// points (see block.go). The index block is itself a block whose entries
// map "largest key in data block N" -> encoded blockHandle for block N.
// The footer is fixed size (see footerSize) and holds the index and bloom
// handles plus a magic number.
type sstable struct {
	file    *os.File
	path    string
	fileNum uint64

	smallest []byte
	largest  []byte
	fileSize uint64

	indexRaw []byte
	bloom    *bloomFilter

	cache *blockCache
}

func openSSTable(path string, fileNum uint64, cache *blockCache) (*sstable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lsm: open sstable: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lsm: stat sstable: %w", err)
	}
	fileSize := stat.Size()
	if fileSize < footerSize {
		f.Close()
		return nil, fmt.Errorf("%w: sstable %s too small", ErrCorruption, path)
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, fileSize-footerSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("lsm: read footer: %w", err)
	}

	magic := getUint64LE(footer[40:48])
	if magic != sstableMagic {
		f.Close()
		return nil, fmt.Errorf("%w: bad sstable magic in %s", ErrCorruption, path)
	}

	indexHandle := blockHandle{
		offset:     getUint64LE(footer[0:8]),
		length:     getUint64LE(footer[8:16]),
		decodedLen: getUint64LE(footer[16:24]),
	}
	bloomHandle := blockHandle{
		offset: getUint64LE(footer[24:32]),
		length: getUint64LE(footer[32:40]),
	}

	indexPhysical := make([]byte, indexHandle.length)
	if _, err := f.ReadAt(indexPhysical, int64(indexHandle.offset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("lsm: read index block: %w", err)
	}
	indexRaw, err := readPhysicalBlock(indexPhysical, int(indexHandle.decodedLen))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lsm: decode index block: %w", err)
	}

	var bloom *bloomFilter
	if bloomHandle.length > 0 {
		bloomData := make([]byte, bloomHandle.length)
		if _, err := f.ReadAt(bloomData, int64(bloomHandle.offset)); err != nil {
			f.Close()
			return nil, fmt.Errorf("lsm: read bloom block: %w", err)
		}
		bloom, err = decodeBloomFilter(bloomData)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lsm: decode bloom filter: %w", err)
		}
	}

	sst := &sstable{
		file:     f,
		path:     path,
		fileNum:  fileNum,
		indexRaw: indexRaw,
		bloom:    bloom,
		fileSize: uint64(fileSize),
		cache:    cache,
	}

	idx, err := newBlockIter(indexRaw)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := idx.First(); err == nil && idx.Valid() {
		sst.smallest = append([]byte(nil), idx.Key()...)
	}
	for err := idx.First(); err == nil && idx.Valid(); err = idx.Next() {
		sst.largest = append(sst.largest[:0], idx.Key()...)
	}

	return sst, nil
}

// readDataBlock loads and decodes the data block named by handle, consulting
// and populating the shared block cache.
func (s *sstable) readDataBlock(handle blockHandle) ([]byte, error) {
	if raw, ok := s.cache.get(s.fileNum, handle.offset); ok {
		return raw, nil
	}
	physical := make([]byte, handle.length)
	if _, err := s.file.ReadAt(physical, int64(handle.offset)); err != nil {
		return nil, fmt.Errorf("lsm: read data block: %w", err)
	}
	raw, err := readPhysicalBlock(physical, int(handle.decodedLen))
	if err != nil {
		return nil, fmt.Errorf("lsm: decode data block in %s: %w", s.path, err)
	}
	s.cache.put(s.fileNum, handle.offset, raw)
	return raw, nil
}

// get looks up userKey, returning the most recent value visible at or
// before snapshotSeq. found is false if the key is absent from this table
// entirely (including a bloom-filter negative).
func (s *sstable) get(userKey []byte, snapshotSeq uint64) (value []byte, found, tombstone bool, err error) {
	if s.bloom != nil && !s.bloom.mayContain(userKey) {
		return nil, false, false, nil
	}

	idx, err := newBlockIter(s.indexRaw)
	if err != nil {
		return nil, false, false, err
	}
	target := seekInternalKey(userKey, snapshotSeq)
	if err := idx.SeekGE(target); err != nil {
		return nil, false, false, err
	}
	if !idx.Valid() {
		return nil, false, false, nil
	}
	handle, err := decodeBlockHandle(idx.Value())
	if err != nil {
		return nil, false, false, err
	}

	raw, err := s.readDataBlock(handle)
	if err != nil {
		return nil, false, false, err
	}
	data, err := newBlockIter(raw)
	if err != nil {
		return nil, false, false, err
	}
	if err := data.SeekGE(target); err != nil {
		return nil, false, false, err
	}
	if !data.Valid() {
		return nil, false, false, nil
	}
	key, seq, kind := splitInternalKey(data.Key())
	if string(key) != string(userKey) || seq > snapshotSeq {
		return nil, false, false, nil
	}
	if kind == KindTombstone {
		return nil, true, true, nil
	}
	return data.Value(), true, false, nil
}

func (s *sstable) close() error {
	if s.cache != nil {
		s.cache.evictFile(s.fileNum)
	}
	return s.file.Close()
}

func (s *sstable) remove() error {
	s.close()
	return os.Remove(s.path)
}

// newIterator returns an iterator over every internal key in the table, in
// ascending order, for use by the merging iterator during scans and
// compaction.
func (s *sstable) newIterator() (*sstableIterator, error) {
	idx, err := newBlockIter(s.indexRaw)
	if err != nil {
		return nil, err
	}
	return &sstableIterator{sst: s, index: idx}, nil
}

// sstableIterator walks an sstable's data blocks in order, fetching each
// one lazily as the index advances.
type sstableIterator struct {
	sst   *sstable
	index *blockIter
	data  *blockIter
	err   error
}

func (it *sstableIterator) loadBlock() {
	if !it.index.Valid() {
		it.data = nil
		return
	}
	handle, err := decodeBlockHandle(it.index.Value())
	if err != nil {
		it.err = err
		it.data = nil
		return
	}
	raw, err := it.sst.readDataBlock(handle)
	if err != nil {
		it.err = err
		it.data = nil
		return
	}
	data, err := newBlockIter(raw)
	if err != nil {
		it.err = err
		it.data = nil
		return
	}
	it.data = data
}

func (it *sstableIterator) First() {
	if err := it.index.First(); err != nil {
		it.err = err
		return
	}
	it.loadBlock()
	if it.data == nil {
		return
	}
	if err := it.data.First(); err != nil {
		it.err = err
	}
}

func (it *sstableIterator) SeekGE(key []byte) {
	if err := it.index.SeekGE(key); err != nil {
		it.err = err
		return
	}
	it.loadBlock()
	if it.data == nil {
		return
	}
	if err := it.data.SeekGE(key); err != nil {
		it.err = err
		return
	}
	if !it.data.Valid() {
		it.advanceBlock()
	}
}

func (it *sstableIterator) advanceBlock() {
	for {
		if err := it.index.Next(); err != nil {
			it.err = err
			it.data = nil
			return
		}
		if !it.index.Valid() {
			it.data = nil
			return
		}
		it.loadBlock()
		if it.data == nil {
			return
		}
		if err := it.data.First(); err != nil {
			it.err = err
			return
		}
		if it.data.Valid() {
			return
		}
	}
}

func (it *sstableIterator) Next() {
	if it.data == nil {
		return
	}
	if err := it.data.Next(); err != nil {
		it.err = err
		return
	}
	if !it.data.Valid() {
		it.advanceBlock()
	}
}

func (it *sstableIterator) Valid() bool { return it.err == nil && it.data != nil && it.data.Valid() }
func (it *sstableIterator) Key() []byte { return it.data.Key() }
func (it *sstableIterator) Value() []byte { return it.data.Value() }
func (it *sstableIterator) Err() error { return it.err }
func (it *sstableIterator) Close() error { return nil }
