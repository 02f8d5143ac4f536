package lsm

import (
	"fmt"
	"path/filepath"
)

// compactionJob describes one compaction: inputs from level, plus any
// overlapping files already resident in level+1, all of which get merged
// and rewritten as new files at level+1. L0->L1 compactions pick every L0
// file, since L0 files can overlap each other; L(n>0)->L(n+1) compactions
// advance a per-level round-robin cursor so compaction sweeps the whole
// keyspace over time instead of always starting from the same file.
type compactionJob struct {
	sourceLevel int
	targetLevel int
	inputs      []*fileMetadata
	targets     []*fileMetadata
}

// pickCompaction chooses the next compaction to run against v, or nil if
// nothing qualifies. L0 is checked first (file-count triggered); L1+ are
// checked in level order (size triggered). Levels marked busy belong to
// an in-flight job and are skipped, so concurrent workers never share an
// input file.
func pickCompaction(v *version, opts Options, busy [numLevels]bool) *compactionJob {
	if !busy[0] && !busy[1] && len(v.files[0]) >= opts.L0CompactionTrigger {
		return pickL0Compaction(v)
	}
	for level := 1; level < numLevels-1; level++ {
		if busy[level] || busy[level+1] {
			continue
		}
		target := levelSizeTarget(opts, level)
		if v.totalSize(level) > target {
			return pickLevelCompaction(v, level)
		}
	}
	return nil
}

func levelSizeTarget(opts Options, level int) int64 {
	target := opts.LevelSizeBase
	for i := 1; i < level; i++ {
		target = int64(float64(target) * opts.LevelSizeMultiplier)
	}
	return target
}

func pickL0Compaction(v *version) *compactionJob {
	inputs := append([]*fileMetadata(nil), v.files[0]...)
	start, end := keyRangeOf(inputs)
	targets := v.overlappingFiles(1, start, end)
	return &compactionJob{sourceLevel: 0, targetLevel: 1, inputs: inputs, targets: targets}
}

// pickLevelCompaction picks one file at level, chosen by the level's
// persisted round-robin cursor (the first file whose smallest key is >
// the cursor, wrapping to the first file otherwise), plus whatever files
// in level+1 overlap it.
func pickLevelCompaction(v *version, level int) *compactionJob {
	files := v.files[level]
	if len(files) == 0 {
		return nil
	}
	cursor := v.compactCursor[level]
	chosen := files[0]
	for _, f := range files {
		if cursor == nil || compareInternalKeys(f.smallest, cursor) > 0 {
			chosen = f
			break
		}
	}
	start, end := chosen.smallestUserKey(), chosen.largestUserKey()
	targets := v.overlappingFiles(level+1, start, end)
	return &compactionJob{
		sourceLevel: level,
		targetLevel: level + 1,
		inputs:      []*fileMetadata{chosen},
		targets:     targets,
	}
}

func keyRangeOf(files []*fileMetadata) (start, end []byte) {
	for i, f := range files {
		if i == 0 || string(f.smallestUserKey()) < string(start) {
			start = f.smallestUserKey()
		}
		if i == 0 || string(f.largestUserKey()) > string(end) {
			end = f.largestUserKey()
		}
	}
	return start, end
}

// isTrivialMove reports whether job can skip rewriting entirely: a single
// source file whose range doesn't overlap anything already at the target
// level just gets relabeled to that level.
func (j *compactionJob) isTrivialMove() bool {
	return j.sourceLevel > 0 && len(j.inputs) == 1 && len(j.targets) == 0
}

// runCompaction merges job's inputs (already-open handles, supplied by the
// engine alongside the metadata) into new sstables at job.targetLevel,
// splitting output around opts.TargetFileSize at user-key boundaries.
// dropTombstones discards deletion markers entirely once they can no
// longer shadow an older value at a lower level, i.e. when job.targetLevel
// is the bottom level. On error, any partial outputs are removed so a
// failed job leaves no trace on disk.
func runCompaction(dataDir string, job *compactionJob, inputHandles []*sstable, opts Options, allocFileNum func() uint64, cache *blockCache, dropTombstones bool) (*versionEdit, []*sstable, error) {
	edit := &versionEdit{}
	var opened []*sstable
	var builder *sstableBuilder

	fail := func(err error) (*versionEdit, []*sstable, error) {
		if builder != nil {
			builder.abort()
		}
		for _, sst := range opened {
			sst.remove()
		}
		return nil, nil, err
	}

	sources := make([]internalIterator, 0, len(inputHandles))
	for _, h := range inputHandles {
		it, err := h.newIterator()
		if err != nil {
			return fail(err)
		}
		sources = append(sources, it)
	}
	merged := newMergingIterator(sources)
	merged.First()

	var curPath string
	var curFileNum uint64

	finishCurrent := func() error {
		if builder == nil {
			return nil
		}
		smallest, largest, size, err := builder.finish()
		if err != nil {
			return err
		}
		builder = nil
		edit.newFiles = append(edit.newFiles, newFileEntry{
			level: job.targetLevel, fileNum: curFileNum, fileSize: size,
			smallest: smallest, largest: largest,
		})
		sst, err := openSSTable(curPath, curFileNum, cache)
		if err != nil {
			return err
		}
		opened = append(opened, sst)
		return nil
	}

	var lastUserKey []byte
	haveLastUserKey := false
	dropRestOfUserKey := false

	for merged.Valid() {
		key := merged.Key()
		userKey, _, kind := splitInternalKey(key)

		isNewUserKey := !haveLastUserKey || string(userKey) != string(lastUserKey)
		if isNewUserKey {
			lastUserKey = append(lastUserKey[:0], userKey...)
			haveLastUserKey = true
			dropRestOfUserKey = dropTombstones && kind == KindTombstone

			// Output files are only cut between user keys, so every
			// version of a key lands in the same file.
			if builder != nil && builderApproxSize(builder) >= opts.TargetFileSize {
				if err := finishCurrent(); err != nil {
					return fail(err)
				}
			}
		}
		if dropRestOfUserKey {
			merged.Next()
			continue
		}

		if builder == nil {
			curFileNum = allocFileNum()
			curPath = filepath.Join(dataDir, sstableFileName(curFileNum))
			var err error
			builder, err = newSSTableBuilder(curPath, opts, 1024)
			if err != nil {
				return fail(err)
			}
		}

		if err := builder.add(key, merged.Value()); err != nil {
			return fail(err)
		}

		merged.Next()
	}

	if err := finishCurrent(); err != nil {
		return fail(err)
	}

	for _, f := range job.inputs {
		edit.deletedFiles = append(edit.deletedFiles, deletedFileEntry{level: job.sourceLevel, fileNum: f.fileNum})
	}
	for _, f := range job.targets {
		edit.deletedFiles = append(edit.deletedFiles, deletedFileEntry{level: job.targetLevel, fileNum: f.fileNum})
	}

	if len(job.inputs) > 0 {
		last := job.inputs[len(job.inputs)-1]
		edit.hasCompactCursor = true
		edit.compactLevel = job.sourceLevel
		edit.compactCursor = append([]byte(nil), last.smallest...)
	}

	return edit, opened, nil
}

func builderApproxSize(b *sstableBuilder) int64 {
	return int64(b.offset) + int64(len(b.dataBlock.buf))
}

func sstableFileName(fileNum uint64) string {
	return fmt.Sprintf("%06d.sst", fileNum)
}
