package lsm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nearstore/lsmtree/common/testutil"
)

func ikey(userKey string, seq uint64) []byte {
	return encodeInternalKey(nil, []byte(userKey), seq, KindValue)
}

func TestVersionEditRoundTrip(t *testing.T) {
	edit := &versionEdit{
		hasNextFileNum:   true,
		nextFileNum:      42,
		hasLastSeq:       true,
		lastSeq:          1000,
		hasCompactCursor: true,
		compactLevel:     2,
		compactCursor:    ikey("m", 500),
		deletedFiles: []deletedFileEntry{
			{level: 0, fileNum: 3},
			{level: 1, fileNum: 7},
		},
		newFiles: []newFileEntry{
			{level: 1, fileNum: 9, fileSize: 4096, smallest: ikey("a", 10), largest: ikey("f", 20)},
		},
	}

	decoded, err := decodeVersionEditBytes(edit.encodeBytes())
	require.NoError(t, err)
	require.Equal(t, edit, decoded)
}

func TestManifestReplayRebuildsState(t *testing.T) {
	dir := testutil.TempDir(t)

	m, err := createManifest(dir, 1, &versionEdit{hasNextFileNum: true, nextFileNum: 2})
	require.NoError(t, err)

	require.NoError(t, m.apply(&versionEdit{
		hasLastSeq: true, lastSeq: 100,
		newFiles: []newFileEntry{
			{level: 0, fileNum: 2, fileSize: 1024, smallest: ikey("a", 1), largest: ikey("m", 50)},
		},
	}))
	require.NoError(t, m.apply(&versionEdit{
		newFiles: []newFileEntry{
			{level: 0, fileNum: 3, fileSize: 2048, smallest: ikey("n", 60), largest: ikey("z", 90)},
		},
	}))
	require.NoError(t, m.apply(&versionEdit{
		deletedFiles: []deletedFileEntry{{level: 0, fileNum: 2}},
		newFiles: []newFileEntry{
			{level: 1, fileNum: 4, fileSize: 512, smallest: ikey("a", 1), largest: ikey("m", 50)},
		},
	}))
	require.NoError(t, m.close())

	vs, name, err := replayManifest(dir)
	require.NoError(t, err)
	require.Equal(t, manifestFileName(1), name)
	require.Equal(t, uint64(100), vs.lastSeq)
	require.Len(t, vs.files[0], 1)
	require.Equal(t, uint64(3), vs.files[0][0].fileNum)
	require.Len(t, vs.files[1], 1)
	require.Equal(t, uint64(4), vs.files[1][0].fileNum)

	// The allocator counter must clear the highest live file number even
	// though no explicit counter record followed the adds.
	require.Greater(t, vs.nextFileNum, uint64(4))
}

func TestManifestReplayIgnoresTornTail(t *testing.T) {
	dir := testutil.TempDir(t)

	m, err := createManifest(dir, 1, &versionEdit{hasNextFileNum: true, nextFileNum: 2})
	require.NoError(t, err)
	require.NoError(t, m.apply(&versionEdit{
		newFiles: []newFileEntry{
			{level: 0, fileNum: 2, fileSize: 1024, smallest: ikey("a", 1), largest: ikey("z", 9)},
		},
	}))
	require.NoError(t, m.close())

	// A crash mid-append leaves a length prefix promising more bytes than
	// the file holds.
	path := filepath.Join(dir, manifestFileName(1))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{200, 1, 0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	vs, _, err := replayManifest(dir)
	require.NoError(t, err)
	require.Len(t, vs.files[0], 1)
}

func TestCurrentPointerSwap(t *testing.T) {
	dir := testutil.TempDir(t)

	require.NoError(t, setCurrentManifest(dir, manifestFileName(1)))
	name, err := readCurrentManifest(dir)
	require.NoError(t, err)
	require.Equal(t, manifestFileName(1), name)

	require.NoError(t, setCurrentManifest(dir, manifestFileName(9)))
	name, err = readCurrentManifest(dir)
	require.NoError(t, err)
	require.Equal(t, manifestFileName(9), name)
}

func TestSnapshotEditReproducesVersion(t *testing.T) {
	v := &version{}
	v.files[0] = []*fileMetadata{
		{fileNum: 5, fileSize: 100, smallest: ikey("a", 1), largest: ikey("c", 3)},
	}
	v.files[2] = []*fileMetadata{
		{fileNum: 6, fileSize: 200, smallest: ikey("d", 4), largest: ikey("f", 6)},
		{fileNum: 7, fileSize: 300, smallest: ikey("g", 7), largest: ikey("k", 9)},
	}

	seed := snapshotEdit(v, 8, 77)

	vs := newVersionState()
	vs.apply(seed)
	require.Equal(t, uint64(8), vs.nextFileNum)
	require.Equal(t, uint64(77), vs.lastSeq)
	require.Len(t, vs.files[0], 1)
	require.Len(t, vs.files[2], 2)
	require.Equal(t, uint64(6), vs.files[2][0].fileNum)
}
