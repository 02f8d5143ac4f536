package lsm

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nearstore/lsmtree/common"
	"github.com/nearstore/lsmtree/common/testutil"
)

var _ common.StorageEngine = (*Engine)(nil)

// manifestRotateBytes is the size past which the manifest is rewritten
// from a snapshot of the current version, so replay cost stays bounded.
const manifestRotateBytes = 1 << 20

// compactionRetryBackoff spaces out retries after a failed compaction job.
const compactionRetryBackoff = 500 * time.Millisecond

// Engine is the embeddable LSM-tree storage engine: a write path of
// WAL-then-memtable, background flush of immutable memtables to L0
// SSTables, and background leveled compaction, all coordinated through a
// manifest of versionEdits so a crash can always recover to a consistent
// view of which SSTables are live.
type Engine struct {
	dir    string
	opts   Options
	logger *log.Logger

	lock *dirLock

	// commitMu serializes manifest appends and the version swap that
	// follows each one, so edits from the flush worker, the compaction
	// workers, and Close apply in a single total order.
	commitMu sync.Mutex
	manifest *manifest

	mu         sync.Mutex
	cond       *sync.Cond
	mem        *memTable
	imm        []*memTable
	wal        *wal
	cur        *version
	closed     bool
	compacting [numLevels]bool

	// versionsMu guards the registry of versions still referenced by a
	// reader or iterator, and the list of files waiting to be deleted
	// once no such version references them.
	versionsMu     sync.Mutex
	liveVersions   map[*version]struct{}
	pendingDeletes []uint64

	filesMu   sync.Mutex
	openFiles map[uint64]*sstable

	cache *blockCache

	// diskLimiter enforces Options.MaxDiskBytes across live SSTables; it
	// is consulted on flush (new data entering the engine) and kept in
	// sync on compaction (files replaced, not grown).
	diskLimiter *testutil.ResourceLimiter

	seq         atomic.Uint64
	nextFileNum atomic.Uint64

	// poisoned flips once corruption is detected outside a WAL tail; the
	// engine stays readable but rejects all further writes.
	poisoned atomic.Bool

	writeMu sync.Mutex

	flushCh   chan struct{}
	compactCh chan struct{}
	closeCh   chan struct{}
	wg        sync.WaitGroup

	writeCount   atomic.Int64
	readCount    atomic.Int64
	flushCount   atomic.Int64
	compactCount atomic.Int64
}

// Open opens (creating if necessary) the LSM-tree database at dir.
func Open(dir string, opts Options) (*Engine, error) {
	opts = withDefaults(opts)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("lsm: create data directory: %w", err)
	}

	lock, err := acquireDirLock(dir)
	if err != nil {
		return nil, common.NewError(common.KindLockFailed, "open", err)
	}

	diskCap := opts.MaxDiskBytes
	if diskCap <= 0 {
		diskCap = math.MaxInt64
	}

	e := &Engine{
		dir:          dir,
		opts:         opts,
		logger:       opts.Logger,
		lock:         lock,
		liveVersions: make(map[*version]struct{}),
		openFiles:    make(map[uint64]*sstable),
		cache:        newBlockCache(opts.BlockCacheCapacityBytes),
		diskLimiter:  testutil.NewResourceLimiter(diskCap, math.MaxInt64),
		flushCh:      make(chan struct{}, 1),
		compactCh:    make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)

	if err := e.openOrCreateManifest(); err != nil {
		lock.release()
		return nil, err
	}
	var existingSize int64
	for level := 0; level < numLevels; level++ {
		existingSize += e.cur.totalSize(level)
	}
	e.diskLimiter.AllocDisk(existingSize)
	if err := e.recoverWAL(); err != nil {
		lock.release()
		return nil, err
	}
	if err := e.startActiveWAL(); err != nil {
		lock.release()
		return nil, err
	}

	e.wg.Add(1 + opts.CompactionThreads)
	go e.flushWorker()
	for i := 0; i < opts.CompactionThreads; i++ {
		go e.compactionWorker()
	}

	e.logger.Printf("lsm: opened database at %s", dir)
	return e, nil
}

func (e *Engine) openOrCreateManifest() error {
	if _, err := os.Stat(filepath.Join(e.dir, "CURRENT")); os.IsNotExist(err) {
		m, err := createManifest(e.dir, 1, &versionEdit{hasNextFileNum: true, nextFileNum: 2})
		if err != nil {
			return err
		}
		e.manifest = m
		e.nextFileNum.Store(2)
		e.installVersion(newVersionFromState(newVersionState()))
		return nil
	}

	vs, name, err := replayManifest(e.dir)
	if err != nil {
		return fmt.Errorf("lsm: replay manifest: %w", err)
	}
	e.nextFileNum.Store(vs.nextFileNum)
	e.seq.Store(vs.lastSeq)
	e.installVersion(newVersionFromState(vs))

	f, err := os.OpenFile(filepath.Join(e.dir, name), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("lsm: reopen manifest %s: %w", name, err)
	}
	e.manifest = &manifest{dir: e.dir, file: f, name: name}
	return nil
}

// installVersion makes nv the engine's current version. The engine holds
// its own reference on the current version, released when a newer one
// replaces it, so a version only hits zero refs once it is both
// superseded and unpinned by every reader and iterator.
func (e *Engine) installVersion(nv *version) {
	nv.onZeroRefs = e.versionIdle
	nv.ref()
	e.versionsMu.Lock()
	e.liveVersions[nv] = struct{}{}
	e.versionsMu.Unlock()

	e.mu.Lock()
	old := e.cur
	e.cur = nv
	e.mu.Unlock()
	if old != nil {
		old.unref()
	}
}

// versionIdle runs when a superseded version's last reference drops; the
// files only it pinned may now be deletable.
func (e *Engine) versionIdle(v *version) {
	e.versionsMu.Lock()
	delete(e.liveVersions, v)
	e.versionsMu.Unlock()
	e.deleteObsoleteFiles()
}

// deleteObsoleteFiles removes pending-delete SSTables that no live
// version (current included) references anymore.
func (e *Engine) deleteObsoleteFiles() {
	e.versionsMu.Lock()
	referenced := make(map[uint64]bool)
	for v := range e.liveVersions {
		for level := 0; level < numLevels; level++ {
			for _, f := range v.files[level] {
				referenced[f.fileNum] = true
			}
		}
	}
	var removable []uint64
	kept := e.pendingDeletes[:0]
	for _, num := range e.pendingDeletes {
		if referenced[num] {
			kept = append(kept, num)
		} else {
			removable = append(removable, num)
		}
	}
	e.pendingDeletes = kept
	e.versionsMu.Unlock()

	for _, num := range removable {
		e.filesMu.Lock()
		sst, open := e.openFiles[num]
		if open {
			delete(e.openFiles, num)
		}
		e.filesMu.Unlock()
		if open {
			sst.remove()
		} else {
			os.Remove(filepath.Join(e.dir, sstableFileName(num)))
			e.cache.evictFile(num)
		}
	}
}

// commitEdit appends edit to the manifest, installs the resulting
// version, and queues any files the edit dropped for deletion once no
// reader still pins them. Every durable state change funnels through
// here, under a single mutex.
func (e *Engine) commitEdit(edit *versionEdit) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	edit.hasNextFileNum = true
	edit.nextFileNum = e.nextFileNum.Load()
	edit.hasLastSeq = true
	edit.lastSeq = e.seq.Load()

	if err := e.manifest.apply(edit); err != nil {
		return err
	}

	e.mu.Lock()
	cur := e.cur
	e.mu.Unlock()
	e.installVersion(cur.clone(edit))

	// A trivial move deletes and re-adds the same file number; only
	// files genuinely dropped go on the pending-delete list.
	readded := make(map[uint64]bool, len(edit.newFiles))
	for _, nf := range edit.newFiles {
		readded[nf.fileNum] = true
	}
	e.versionsMu.Lock()
	for _, d := range edit.deletedFiles {
		if !readded[d.fileNum] {
			e.pendingDeletes = append(e.pendingDeletes, d.fileNum)
		}
	}
	e.versionsMu.Unlock()
	e.deleteObsoleteFiles()

	e.maybeRotateManifest()
	return nil
}

// maybeRotateManifest rewrites the manifest from a snapshot of the
// current version once it grows past manifestRotateBytes, repointing
// CURRENT and removing the old log. Runs under commitMu.
func (e *Engine) maybeRotateManifest() {
	st, err := e.manifest.file.Stat()
	if err != nil || st.Size() < manifestRotateBytes {
		return
	}

	e.mu.Lock()
	cur := e.cur
	e.mu.Unlock()
	seed := snapshotEdit(cur, e.nextFileNum.Load(), e.seq.Load())

	num := e.allocFileNum()
	m, err := createManifest(e.dir, num, seed)
	if err != nil {
		e.logger.Printf("lsm: manifest rotation failed: %v", err)
		return
	}
	for level := 0; level < numLevels; level++ {
		if len(cur.compactCursor[level]) == 0 {
			continue
		}
		m.apply(&versionEdit{
			hasCompactCursor: true,
			compactLevel:     level,
			compactCursor:    cur.compactCursor[level],
		})
	}

	old := e.manifest
	e.manifest = m
	old.close()
	os.Remove(filepath.Join(e.dir, old.name))
	e.logger.Printf("lsm: rotated manifest to %s", m.name)
}

// recoverWAL replays any leftover WAL files (left behind by a crash before
// their memtable could be flushed) into a fresh memtable queued for flush,
// then removes them; startActiveWAL creates the WAL that actually receives
// new writes.
func (e *Engine) recoverWAL() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return err
	}
	var walPaths []string
	for _, ent := range entries {
		if filepath.Ext(ent.Name()) == ".wal" {
			walPaths = append(walPaths, filepath.Join(e.dir, ent.Name()))
		}
	}
	if len(walPaths) == 0 {
		return nil
	}

	mem := newMemTable(e.opts.MemTableSizeLimit, e.allocFileNum())
	var maxSeq uint64
	for _, path := range walPaths {
		records, err := replayWAL(path)
		if err != nil {
			return fmt.Errorf("lsm: replay wal %s: %w", path, err)
		}
		for _, rec := range records {
			if rec.seq > maxSeq {
				maxSeq = rec.seq
			}
			if rec.kind == KindValue {
				mem.put(rec.userKey, rec.value, rec.seq)
			} else {
				mem.delete(rec.userKey, rec.seq)
			}
		}
		os.Remove(path)
	}
	if maxSeq > e.seq.Load() {
		e.seq.Store(maxSeq)
	}
	if mem.count() > 0 {
		e.imm = append(e.imm, mem)
	}
	return nil
}

func (e *Engine) startActiveWAL() error {
	num := e.allocFileNum()
	path := filepath.Join(e.dir, walFileName(num))
	w, err := createWAL(path, num)
	if err != nil {
		return err
	}
	e.mem = newMemTable(e.opts.MemTableSizeLimit, num)
	e.wal = w
	if len(e.imm) > 0 {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func walFileName(num uint64) string { return fmt.Sprintf("%06d.wal", num) }

func (e *Engine) allocFileNum() uint64 { return e.nextFileNum.Add(1) - 1 }

// Put writes key -> value.
func (e *Engine) Put(key, value []byte) error {
	if len(key) == 0 {
		return common.NewError(common.KindInvalidArgument, "put", common.ErrKeyEmpty)
	}
	return e.write(key, value, KindValue)
}

// Delete removes key.
func (e *Engine) Delete(key []byte) error {
	if len(key) == 0 {
		return common.NewError(common.KindInvalidArgument, "delete", common.ErrKeyEmpty)
	}
	return e.write(key, nil, KindTombstone)
}

func (e *Engine) write(key, value []byte, kind Kind) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.isClosed() {
		return common.NewError(common.KindShuttingDown, "write", common.ErrClosed)
	}
	if e.poisoned.Load() {
		return common.NewError(common.KindCorruption, "write: engine is read-only after corruption", ErrCorruption)
	}

	seq := e.seq.Add(1)

	e.mu.Lock()
	if err := e.wal.append(key, value, seq, kind); err != nil {
		e.mu.Unlock()
		return common.NewError(common.KindIO, "append wal", err)
	}
	if kind == KindValue {
		e.mem.put(key, value, seq)
	} else {
		e.mem.delete(key, seq)
	}
	needsSync := e.opts.WALSync != WALSyncNever
	w := e.wal
	full := e.mem.shouldRotate()
	e.mu.Unlock()

	if needsSync {
		if err := w.sync(); err != nil {
			return common.NewError(common.KindIO, "sync wal", err)
		}
	}

	e.writeCount.Add(1)

	if full {
		if err := e.rotateMemtable(); err != nil {
			return err
		}
	}
	return nil
}

// rotateMemtable freezes the active memtable into the immutable queue and
// starts a fresh one, blocking (backpressure) if the queue is already at
// MaxImmutableMemtables.
func (e *Engine) rotateMemtable() error {
	e.mu.Lock()
	for len(e.imm) >= e.opts.MaxImmutableMemtables && !e.closed {
		e.cond.Wait()
	}
	if e.closed {
		e.mu.Unlock()
		return common.NewError(common.KindShuttingDown, "rotate memtable", common.ErrClosed)
	}
	if !e.mem.shouldRotate() {
		// Another writer already rotated while we waited.
		e.mu.Unlock()
		return nil
	}
	e.imm = append(e.imm, e.mem)
	e.mu.Unlock()

	num := e.allocFileNum()
	path := filepath.Join(e.dir, walFileName(num))
	w, err := createWAL(path, num)
	if err != nil {
		return common.NewError(common.KindIO, "create wal", err)
	}

	e.mu.Lock()
	oldWAL := e.wal
	e.mem = newMemTable(e.opts.MemTableSizeLimit, num)
	e.wal = w
	e.mu.Unlock()

	// The frozen memtable's WAL accepts no further writes; its file stays
	// on disk until the flush commits and removes it.
	oldWAL.close()

	select {
	case e.flushCh <- struct{}{}:
	default:
	}
	return nil
}

// Get returns the value for key, or common.ErrKeyNotFound.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, common.NewError(common.KindInvalidArgument, "get", common.ErrKeyEmpty)
	}
	e.readCount.Add(1)

	e.mu.Lock()
	snapshotSeq := e.seq.Load()
	if v, found, tomb := e.mem.get(key, snapshotSeq); found {
		e.mu.Unlock()
		if tomb {
			return nil, common.NewError(common.KindNotFound, "get", common.ErrKeyNotFound)
		}
		return v, nil
	}
	for i := len(e.imm) - 1; i >= 0; i-- {
		if v, found, tomb := e.imm[i].get(key, snapshotSeq); found {
			e.mu.Unlock()
			if tomb {
				return nil, common.NewError(common.KindNotFound, "get", common.ErrKeyNotFound)
			}
			return v, nil
		}
	}
	v := e.cur.ref()
	e.mu.Unlock()
	defer v.unref()

	// L0 files may overlap, so every one is probed newest-first. L1+ hold
	// disjoint files in ascending key order, so at most one file per level
	// can contain the key, found by binary search.
	for i := len(v.files[0]) - 1; i >= 0; i-- {
		val, found, tomb, err := e.getFromFile(v.files[0][i], key, snapshotSeq)
		if err != nil {
			return nil, e.readError("read sstable", err)
		}
		if found {
			if tomb {
				return nil, common.NewError(common.KindNotFound, "get", common.ErrKeyNotFound)
			}
			return val, nil
		}
	}
	for level := 1; level < numLevels; level++ {
		files := v.files[level]
		i := sort.Search(len(files), func(i int) bool {
			return bytes.Compare(files[i].largestUserKey(), key) >= 0
		})
		if i >= len(files) || bytes.Compare(files[i].smallestUserKey(), key) > 0 {
			continue
		}
		val, found, tomb, err := e.getFromFile(files[i], key, snapshotSeq)
		if err != nil {
			return nil, e.readError("read sstable", err)
		}
		if found {
			if tomb {
				return nil, common.NewError(common.KindNotFound, "get", common.ErrKeyNotFound)
			}
			return val, nil
		}
	}

	return nil, common.NewError(common.KindNotFound, "get", common.ErrKeyNotFound)
}

func (e *Engine) getFromFile(f *fileMetadata, key []byte, seq uint64) (value []byte, found, tombstone bool, err error) {
	sst, err := e.ensureOpen(f.fileNum)
	if err != nil {
		return nil, false, false, err
	}
	return sst.get(key, seq)
}

func (e *Engine) ensureOpen(fileNum uint64) (*sstable, error) {
	e.filesMu.Lock()
	defer e.filesMu.Unlock()
	if sst, ok := e.openFiles[fileNum]; ok {
		return sst, nil
	}
	path := filepath.Join(e.dir, sstableFileName(fileNum))
	sst, err := openSSTable(path, fileNum, e.cache)
	if err != nil {
		return nil, err
	}
	e.openFiles[fileNum] = sst
	return sst, nil
}

// Scan returns an iterator over [start, end) (end empty means unbounded)
// as of the current sequence. The iterator pins the version it was built
// from; files it reads stay on disk until Close releases the pin.
func (e *Engine) Scan(start, end []byte) (*Iterator, error) {
	e.mu.Lock()
	snapshotSeq := e.seq.Load()
	sources := []internalIterator{e.mem.newIterator()}
	for _, m := range e.imm {
		sources = append(sources, m.newIterator())
	}
	v := e.cur.ref()
	e.mu.Unlock()

	for level := 0; level < numLevels; level++ {
		for _, f := range v.files[level] {
			sst, err := e.ensureOpen(f.fileNum)
			if err != nil {
				v.unref()
				return nil, e.readError("open sstable", err)
			}
			it, err := sst.newIterator()
			if err != nil {
				v.unref()
				return nil, e.readError("iterate sstable", err)
			}
			sources = append(sources, it)
		}
	}

	merged := newMergingIterator(sources)
	it := newIterator(merged, snapshotSeq, end)
	it.release = func() { v.unref() }
	if len(start) > 0 {
		it.Seek(start)
	} else {
		it.SeekToFirst()
	}
	return it, nil
}

// Sync forces the active WAL to stable storage.
func (e *Engine) Sync() error {
	e.mu.Lock()
	w := e.wal
	e.mu.Unlock()
	return w.sync()
}

// Stats returns a point-in-time snapshot of engine statistics.
func (e *Engine) Stats() common.Stats {
	e.mu.Lock()
	memSize := e.mem.approxSize()
	for _, m := range e.imm {
		memSize += m.approxSize()
	}
	v := e.cur.ref()
	e.mu.Unlock()
	defer v.unref()

	var numSSTables int
	var totalSize int64
	for level := 0; level < numLevels; level++ {
		numSSTables += len(v.files[level])
		totalSize += v.totalSize(level)
	}

	return common.Stats{
		NumSSTables:   numSSTables,
		TotalDiskSize: totalSize,
		ActiveMemSize: memSize,
		WriteCount:    e.writeCount.Load(),
		ReadCount:     e.readCount.Load(),
		FlushCount:    e.flushCount.Load(),
		CompactCount:  e.compactCount.Load(),
	}
}

// Close flushes any remaining in-memory data and releases all resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()

	close(e.closeCh)
	e.wg.Wait()

	e.mu.Lock()
	if e.mem.count() > 0 {
		e.imm = append(e.imm, e.mem)
	}
	pending := e.imm
	e.imm = nil
	e.mu.Unlock()

	for _, m := range pending {
		if err := e.flushOne(m); err != nil {
			e.logger.Printf("lsm: close: flush error: %v", err)
		}
	}

	e.mu.Lock()
	w := e.wal
	e.mu.Unlock()
	if w != nil {
		w.close()
	}

	e.filesMu.Lock()
	for _, sst := range e.openFiles {
		sst.close()
	}
	e.filesMu.Unlock()

	if e.manifest != nil {
		e.manifest.close()
	}
	return e.lock.release()
}

// poison transitions the engine to read-only after detected corruption.
// Reads keep working off whatever state is still intact; writes fail.
func (e *Engine) poison(err error) {
	if e.poisoned.CompareAndSwap(false, true) {
		e.logger.Printf("lsm: corruption detected, engine is now read-only: %v", err)
	}
}

// readError classifies a background read failure, poisoning the engine on
// corruption so subsequent writes fail fast.
func (e *Engine) readError(op string, err error) error {
	if errors.Is(err, ErrCorruption) {
		e.poison(err)
		return common.NewError(common.KindCorruption, op, err)
	}
	return common.NewError(common.KindIO, op, err)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) flushWorker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case <-e.flushCh:
			e.drainImmutables()
		}
	}
}

// drainImmutables flushes every queued immutable memtable in FIFO order.
func (e *Engine) drainImmutables() {
	for {
		e.mu.Lock()
		if len(e.imm) == 0 || e.closed {
			e.mu.Unlock()
			return
		}
		m := e.imm[0]
		e.mu.Unlock()

		if err := e.flushOne(m); err != nil {
			e.logger.Printf("lsm: flush error: %v", err)
			if errors.Is(err, ErrCorruption) {
				e.poison(err)
			}
			return
		}

		e.mu.Lock()
		e.imm = e.imm[1:]
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}

// flushOne writes memtable m out as a new L0 SSTable and commits the
// resulting versionEdit.
func (e *Engine) flushOne(m *memTable) error {
	if m.count() == 0 {
		e.removeWAL(m.walFileNum)
		return nil
	}

	fileNum := e.allocFileNum()
	path := filepath.Join(e.dir, sstableFileName(fileNum))
	builder, err := newSSTableBuilder(path, e.opts, m.count())
	if err != nil {
		return err
	}

	it := m.newIterator()
	for it.First(); it.Valid(); it.Next() {
		if err := builder.add(it.Key(), it.Value()); err != nil {
			builder.abort()
			return err
		}
	}
	smallest, largest, size, err := builder.finish()
	if err != nil {
		return err
	}

	if err := e.diskLimiter.AllocDisk(int64(size)); err != nil {
		os.Remove(path)
		return common.NewError(common.KindIO, "flush: disk quota exceeded", err)
	}

	edit := &versionEdit{
		newFiles: []newFileEntry{{
			level: 0, fileNum: fileNum, fileSize: size,
			smallest: smallest, largest: largest,
		}},
	}
	if err := e.commitEdit(edit); err != nil {
		e.diskLimiter.FreeDisk(int64(size))
		os.Remove(path)
		return err
	}

	e.flushCount.Add(1)
	e.removeWAL(m.walFileNum)

	e.mu.Lock()
	needsCompaction := pickCompaction(e.cur, e.opts, e.compacting) != nil
	e.mu.Unlock()
	if needsCompaction {
		e.signalCompaction()
	}
	return nil
}

func (e *Engine) removeWAL(fileNum uint64) {
	path := filepath.Join(e.dir, walFileName(fileNum))
	os.Remove(path)
}

func (e *Engine) signalCompaction() {
	select {
	case e.compactCh <- struct{}{}:
	default:
	}
}

func (e *Engine) compactionWorker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case <-e.compactCh:
			for e.runOneCompaction() {
			}
		}
	}
}

// runOneCompaction claims and performs a single compaction job if one is
// pending, returning true if it ran one (so the caller loops to check for
// more). Levels belonging to an in-flight job are excluded from selection,
// so concurrent workers always operate on disjoint input sets.
func (e *Engine) runOneCompaction() bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	v := e.cur.ref()
	job := pickCompaction(v, e.opts, e.compacting)
	if job == nil {
		e.mu.Unlock()
		v.unref()
		return false
	}
	e.compacting[job.sourceLevel] = true
	e.compacting[job.targetLevel] = true
	e.mu.Unlock()
	defer v.unref()

	ok := e.runCompactionJob(job)

	e.mu.Lock()
	e.compacting[job.sourceLevel] = false
	e.compacting[job.targetLevel] = false
	e.mu.Unlock()

	if !ok {
		time.AfterFunc(compactionRetryBackoff, e.signalCompaction)
	}
	return ok
}

func (e *Engine) runCompactionJob(job *compactionJob) bool {
	if job.isTrivialMove() {
		return e.applyTrivialMove(job)
	}

	inputHandles := make([]*sstable, 0, len(job.inputs)+len(job.targets))
	for _, f := range append(append([]*fileMetadata(nil), job.inputs...), job.targets...) {
		sst, err := e.ensureOpen(f.fileNum)
		if err != nil {
			e.logger.Printf("lsm: compaction: open input: %v", err)
			return false
		}
		inputHandles = append(inputHandles, sst)
	}

	dropTombstones := job.targetLevel == numLevels-1
	edit, opened, err := runCompaction(e.dir, job, inputHandles, e.opts, e.allocFileNum, e.cache, dropTombstones)
	if err != nil {
		e.logger.Printf("lsm: compaction failed: %v", err)
		if errors.Is(err, ErrCorruption) {
			e.poison(err)
		}
		return false
	}

	e.filesMu.Lock()
	for _, sst := range opened {
		e.openFiles[sst.fileNum] = sst
	}
	e.filesMu.Unlock()

	if err := e.commitEdit(edit); err != nil {
		e.logger.Printf("lsm: compaction commit failed: %v", err)
		e.filesMu.Lock()
		for _, sst := range opened {
			delete(e.openFiles, sst.fileNum)
		}
		e.filesMu.Unlock()
		for _, sst := range opened {
			sst.remove()
		}
		return false
	}

	e.compactCount.Add(1)

	for _, f := range job.inputs {
		e.diskLimiter.FreeDisk(int64(f.fileSize))
	}
	for _, f := range job.targets {
		e.diskLimiter.FreeDisk(int64(f.fileSize))
	}
	for _, nf := range edit.newFiles {
		if err := e.diskLimiter.AllocDisk(int64(nf.fileSize)); err != nil {
			e.logger.Printf("lsm: disk budget exceeded after compaction: %v", err)
		}
	}

	return true
}

// applyTrivialMove relabels a single non-overlapping file to the next
// level without rewriting it, the same optimization Pebble and LevelDB
// apply for this case.
func (e *Engine) applyTrivialMove(job *compactionJob) bool {
	f := job.inputs[0]
	edit := &versionEdit{
		deletedFiles: []deletedFileEntry{{level: job.sourceLevel, fileNum: f.fileNum}},
		newFiles: []newFileEntry{{
			level: job.targetLevel, fileNum: f.fileNum, fileSize: f.fileSize,
			smallest: f.smallest, largest: f.largest,
		}},
		hasCompactCursor: true,
		compactLevel:     job.sourceLevel,
		compactCursor:    f.smallest,
	}
	if err := e.commitEdit(edit); err != nil {
		e.logger.Printf("lsm: trivial move commit failed: %v", err)
		return false
	}
	e.compactCount.Add(1)
	return true
}
