package lsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// wal is the write-ahead log backing one memtable generation. Each record
// is framed as
//
//	length(u32 LE) | crc32c(u32 LE) | payload
//
// where payload is seq(u64 LE) | kind(u8) | klen(uvarint) | key |
// vlen(uvarint) | value, and the CRC covers the payload. A record that
// fails to read in full, or whose CRC doesn't match, is treated as a
// truncated tail (the expected shape of a crash mid-write) rather than a
// fatal error: recovery stops at that record and keeps everything read up
// to it.
type wal struct {
	file    *os.File
	path    string
	fileNum uint64
}

const walFrameSize = 4 + 4

func createWAL(path string, fileNum uint64) (*wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("lsm: create wal: %w", err)
	}
	return &wal{file: f, path: path, fileNum: fileNum}, nil
}

// append writes one record for userKey/value at seq with the given kind.
// value is ignored (and may be nil) for KindTombstone.
func (w *wal) append(userKey, value []byte, seq uint64, kind Kind) error {
	payload := make([]byte, 0, 8+1+2*binary.MaxVarintLen32+len(userKey)+len(value))
	var seqBuf [8]byte
	putUint64LE(seqBuf[:], seq)
	payload = append(payload, seqBuf[:]...)
	payload = append(payload, byte(kind))
	payload = binary.AppendUvarint(payload, uint64(len(userKey)))
	payload = append(payload, userKey...)
	payload = binary.AppendUvarint(payload, uint64(len(value)))
	payload = append(payload, value...)

	record := make([]byte, walFrameSize+len(payload))
	binary.LittleEndian.PutUint32(record[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(record[4:], crc32.Checksum(payload, crc32cTable))
	copy(record[walFrameSize:], payload)

	_, err := w.file.Write(record)
	return err
}

func (w *wal) sync() error { return w.file.Sync() }

func (w *wal) close() error {
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// walRecord is one entry recovered from a log during replay.
type walRecord struct {
	userKey []byte
	value   []byte
	seq     uint64
	kind    Kind
}

// replayWAL reads every well-formed record from path in order. It never
// returns an error for a truncated or corrupt tail record; it simply stops
// there, since that is the expected result of a crash between writes.
// Everything after the first bad record is discarded.
func replayWAL(path string) ([]walRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lsm: open wal for replay: %w", err)
	}
	defer f.Close()

	var records []walRecord
	frame := make([]byte, walFrameSize)
	for {
		if _, err := io.ReadFull(f, frame); err != nil {
			break
		}
		length := binary.LittleEndian.Uint32(frame[0:])
		crc := binary.LittleEndian.Uint32(frame[4:])

		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			break
		}
		if crc32.Checksum(payload, crc32cTable) != crc {
			break
		}

		rec, ok := parseWALPayload(payload)
		if !ok {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseWALPayload(payload []byte) (walRecord, bool) {
	if len(payload) < 9 {
		return walRecord{}, false
	}
	rec := walRecord{
		seq:  getUint64LE(payload[:8]),
		kind: Kind(payload[8]),
	}
	rest := payload[9:]

	klen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) < klen {
		return walRecord{}, false
	}
	rest = rest[n:]
	rec.userKey = append([]byte(nil), rest[:klen]...)
	rest = rest[klen:]

	vlen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) < vlen {
		return walRecord{}, false
	}
	rest = rest[n:]
	if rec.kind == KindValue {
		rec.value = append([]byte(nil), rest[:vlen]...)
	}
	return rec, true
}
