package lsm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

// The manifest is an append-only log of length-prefixed versionEdit
// records, each itself a sequence of tagged fields -- the same tagged
// encoding Pebble uses in its version_edit.go. Edits are applied in order
// to rebuild the current Version on open; CURRENT names the manifest file
// presently in effect.
const (
	tagNextFileNum   = 1
	tagLastSeq       = 2
	tagCompactCursor = 3
	tagDeletedFile   = 4
	tagNewFile       = 5
)

// newFileEntry describes one SSTable added by a versionEdit.
type newFileEntry struct {
	level    int
	fileNum  uint64
	fileSize uint64
	smallest []byte
	largest  []byte
}

// deletedFileEntry identifies one SSTable removed by a versionEdit.
type deletedFileEntry struct {
	level   int
	fileNum uint64
}

// versionEdit is a delta applied to a Version: files added by a flush or
// compaction, files removed because they were compacted away, and updates
// to the allocator/sequence/compaction-cursor counters.
type versionEdit struct {
	hasNextFileNum bool
	nextFileNum    uint64

	hasLastSeq bool
	lastSeq    uint64

	hasCompactCursor bool
	compactLevel     int
	compactCursor    []byte

	deletedFiles []deletedFileEntry
	newFiles     []newFileEntry
}

func putUvarintSlice(buf *bytes.Buffer, b []byte) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(b)))
	buf.Write(tmp[:n])
	buf.Write(b)
}

func readUvarintSlice(r io.ByteReader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	for i := range buf {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf[i] = b
	}
	return buf, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// encodeBytes serializes the edit as a sequence of tagged fields, without
// any outer length prefix.
func (e *versionEdit) encodeBytes() []byte {
	var buf bytes.Buffer

	if e.hasNextFileNum {
		writeUvarint(&buf, tagNextFileNum)
		writeUvarint(&buf, e.nextFileNum)
	}
	if e.hasLastSeq {
		writeUvarint(&buf, tagLastSeq)
		writeUvarint(&buf, e.lastSeq)
	}
	if e.hasCompactCursor {
		writeUvarint(&buf, tagCompactCursor)
		writeUvarint(&buf, uint64(e.compactLevel))
		putUvarintSlice(&buf, e.compactCursor)
	}
	for _, d := range e.deletedFiles {
		writeUvarint(&buf, tagDeletedFile)
		writeUvarint(&buf, uint64(d.level))
		writeUvarint(&buf, d.fileNum)
	}
	for _, f := range e.newFiles {
		writeUvarint(&buf, tagNewFile)
		writeUvarint(&buf, uint64(f.level))
		writeUvarint(&buf, f.fileNum)
		writeUvarint(&buf, f.fileSize)
		putUvarintSlice(&buf, f.smallest)
		putUvarintSlice(&buf, f.largest)
	}
	return buf.Bytes()
}

// decodeVersionEditBytes parses one edit's tagged-field stream.
func decodeVersionEditBytes(data []byte) (*versionEdit, error) {
	r := bytes.NewReader(data)
	e := &versionEdit{}
	for r.Len() > 0 {
		tag, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("lsm: read manifest tag: %w", err)
		}
		switch tag {
		case tagNextFileNum:
			v, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			e.hasNextFileNum, e.nextFileNum = true, v
		case tagLastSeq:
			v, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			e.hasLastSeq, e.lastSeq = true, v
		case tagCompactCursor:
			level, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			cursor, err := readUvarintSlice(r)
			if err != nil {
				return nil, err
			}
			e.hasCompactCursor, e.compactLevel, e.compactCursor = true, int(level), cursor
		case tagDeletedFile:
			level, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			fileNum, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			e.deletedFiles = append(e.deletedFiles, deletedFileEntry{level: int(level), fileNum: fileNum})
		case tagNewFile:
			level, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			fileNum, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			fileSize, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			smallest, err := readUvarintSlice(r)
			if err != nil {
				return nil, err
			}
			largest, err := readUvarintSlice(r)
			if err != nil {
				return nil, err
			}
			e.newFiles = append(e.newFiles, newFileEntry{
				level: int(level), fileNum: fileNum, fileSize: fileSize,
				smallest: smallest, largest: largest,
			})
		default:
			return nil, fmt.Errorf("%w: unknown manifest tag %d", ErrCorruption, tag)
		}
	}
	return e, nil
}

// manifest is the append-only log of versionEdits, plus the CURRENT
// pointer file naming which manifest is live.
type manifest struct {
	dir  string
	file *os.File
	name string
}

func manifestFileName(num uint64) string {
	return fmt.Sprintf("MANIFEST-%06d", num)
}

// createManifest starts a new manifest file, seeds it with the given edit
// (typically the full current version state, so replay from this manifest
// alone is self-sufficient), and repoints CURRENT at it.
func createManifest(dir string, num uint64, seed *versionEdit) (*manifest, error) {
	name := manifestFileName(num)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("lsm: create manifest: %w", err)
	}
	m := &manifest{dir: dir, file: f, name: name}
	if seed != nil {
		if err := m.apply(seed); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := setCurrentManifest(dir, name); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// apply appends one edit record and fsyncs it. Records are framed as
// uvarint payload length, then a CRC32C of the payload (u32 LE), then the
// payload itself, so replay can tell a torn tail from a decodable record.
func (m *manifest) apply(edit *versionEdit) error {
	payload := edit.encodeBytes()
	record := make([]byte, 0, binary.MaxVarintLen64+4+len(payload))
	record = binary.AppendUvarint(record, uint64(len(payload)))
	record = appendUint32LE(record, crc32.Checksum(payload, crc32cTable))
	record = append(record, payload...)
	if _, err := m.file.Write(record); err != nil {
		return fmt.Errorf("lsm: write manifest record: %w", err)
	}
	return m.file.Sync()
}

func (m *manifest) close() error {
	if m.file == nil {
		return nil
	}
	return m.file.Close()
}

// setCurrentManifest atomically repoints CURRENT at name via write-temp,
// fsync, rename, the same durable-rename pattern LevelDB/Pebble use so a
// crash never leaves CURRENT referencing a half-written manifest.
func setCurrentManifest(dir, name string) error {
	tmp := filepath.Join(dir, "CURRENT.tmp")
	if err := os.WriteFile(tmp, []byte(name+"\n"), 0644); err != nil {
		return fmt.Errorf("lsm: write CURRENT.tmp: %w", err)
	}
	if f, err := os.Open(tmp); err == nil {
		f.Sync()
		f.Close()
	}
	if err := os.Rename(tmp, filepath.Join(dir, "CURRENT")); err != nil {
		return fmt.Errorf("lsm: rename CURRENT: %w", err)
	}
	return nil
}

// readCurrentManifest returns the manifest file name CURRENT points to.
func readCurrentManifest(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "CURRENT"))
	if err != nil {
		return "", err
	}
	name := string(data)
	for len(name) > 0 && (name[len(name)-1] == '\n' || name[len(name)-1] == '\r') {
		name = name[:len(name)-1]
	}
	return name, nil
}

// replayManifest reads every length-prefixed edit from the manifest CURRENT
// names and applies them in order, returning the reconstructed version
// state. A truncated final record (a crash mid-append) is ignored, the same
// tolerant-tail handling used for the WAL.
func replayManifest(dir string) (*versionState, string, error) {
	name, err := readCurrentManifest(dir)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, "", fmt.Errorf("lsm: read manifest %s: %w", name, err)
	}

	vs := newVersionState()
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			break
		}
		recordStart := len(data) - r.Len()
		if recordStart+4+int(n) > len(data) {
			break
		}
		crc := getUint32LE(data[recordStart:])
		payload := data[recordStart+4 : recordStart+4+int(n)]
		if crc32.Checksum(payload, crc32cTable) != crc {
			break
		}
		if _, err := r.Seek(int64(4+n), io.SeekCurrent); err != nil {
			break
		}

		edit, err := decodeVersionEditBytes(payload)
		if err != nil {
			break
		}
		vs.apply(edit)
	}
	return vs, name, nil
}
