package lsm

import (
	"encoding/binary"
	"fmt"
	"os"
)

// sstableMagic closes every SSTable file; readers reject files whose
// trailing bytes don't match it.
const sstableMagic uint64 = 0xDB4C1A5E57ABF17E

// footerSize is fixed (unlike index entries, which use varints): index
// handle (offset, length, decodedLen), bloom handle (offset, length), and
// the magic number, six uint64 fields at 8 bytes each.
const footerSize = 6 * 8

// blockHandle locates a physical block within the file: its offset and
// on-disk (compressed, checksummed) length, plus the decoded length needed
// to size the decompression buffer.
type blockHandle struct {
	offset     uint64
	length     uint64
	decodedLen uint64
}

func encodeBlockHandle(dst []byte, h blockHandle) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], h.offset)
	dst = append(dst, tmp[:n]...)
	n = binary.PutUvarint(tmp[:], h.length)
	dst = append(dst, tmp[:n]...)
	n = binary.PutUvarint(tmp[:], h.decodedLen)
	dst = append(dst, tmp[:n]...)
	return dst
}

func decodeBlockHandle(b []byte) (blockHandle, error) {
	var h blockHandle
	var n int
	h.offset, n = binary.Uvarint(b)
	if n <= 0 {
		return h, fmt.Errorf("%w: bad block handle offset", ErrCorruption)
	}
	b = b[n:]
	h.length, n = binary.Uvarint(b)
	if n <= 0 {
		return h, fmt.Errorf("%w: bad block handle length", ErrCorruption)
	}
	b = b[n:]
	h.decodedLen, n = binary.Uvarint(b)
	if n <= 0 {
		return h, fmt.Errorf("%w: bad block handle decoded length", ErrCorruption)
	}
	return h, nil
}

// sstableBuilder writes a sorted stream of internal keys out as a single
// SSTable file: data blocks, an index block keyed by each data block's
// largest key, an optional bloom filter block, and a fixed-size footer.
// Entries MUST be added in ascending compareInternalKeys order.
type sstableBuilder struct {
	file   *os.File
	opts   Options
	codec  byte
	offset uint64

	dataBlock  *blockWriter
	indexBlock *blockWriter

	bloom *bloomFilter

	smallest   []byte
	largest    []byte
	numEntries int
	fileSize   uint64
}

// newSSTableBuilder creates a builder writing to path. expectedKeys sizes
// the bloom filter.
func newSSTableBuilder(path string, opts Options, expectedKeys int) (*sstableBuilder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("lsm: create sstable: %w", err)
	}
	return &sstableBuilder{
		file:       f,
		opts:       opts,
		codec:      compressionToCodec(opts.Compression),
		dataBlock:  newBlockWriter(opts.RestartInterval),
		indexBlock: newBlockWriter(opts.RestartInterval),
		bloom:      newBloomFilter(expectedKeys, opts.BloomBitsPerKey),
	}, nil
}

// add appends one internal key/value pair. key is an encoded internal key;
// value is empty for tombstones.
func (b *sstableBuilder) add(key, value []byte) error {
	if b.numEntries == 0 {
		b.smallest = append([]byte(nil), key...)
	}
	b.largest = append(b.largest[:0], key...)
	b.numEntries++

	userKey, _, _ := splitInternalKey(key)
	if b.bloom != nil {
		b.bloom.add(userKey)
	}

	b.dataBlock.add(key, value)

	if len(b.dataBlock.buf) >= b.opts.BlockSize {
		if err := b.flushDataBlock(); err != nil {
			return err
		}
	}
	return nil
}

func (b *sstableBuilder) flushDataBlock() error {
	if b.dataBlock.empty() {
		return nil
	}
	raw := b.dataBlock.finish()
	physical, err := finishPhysicalBlock(raw, b.codec)
	if err != nil {
		return err
	}
	if _, err := b.file.Write(physical); err != nil {
		return fmt.Errorf("lsm: write data block: %w", err)
	}

	handle := blockHandle{offset: b.offset, length: uint64(len(physical)), decodedLen: uint64(len(raw))}
	b.offset += uint64(len(physical))

	indexKey := append([]byte(nil), b.dataBlock.lastKey...)
	indexValue := encodeBlockHandle(nil, handle)
	b.indexBlock.add(indexKey, indexValue)

	b.dataBlock.reset()
	return nil
}

// finish flushes any pending block, writes the index, bloom filter, and
// footer, and closes the file.
func (b *sstableBuilder) finish() (smallest, largest []byte, fileSize uint64, err error) {
	if err := b.flushDataBlock(); err != nil {
		return nil, nil, 0, err
	}

	indexRaw := b.indexBlock.finish()
	indexPhysical, err := finishPhysicalBlock(indexRaw, b.codec)
	if err != nil {
		return nil, nil, 0, err
	}
	indexHandle := blockHandle{offset: b.offset, length: uint64(len(indexPhysical)), decodedLen: uint64(len(indexRaw))}
	if _, err := b.file.Write(indexPhysical); err != nil {
		return nil, nil, 0, fmt.Errorf("lsm: write index block: %w", err)
	}
	b.offset += uint64(len(indexPhysical))

	var bloomHandle blockHandle
	bloomData, err := b.bloom.encode()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("lsm: encode bloom filter: %w", err)
	}
	if len(bloomData) > 0 {
		bloomHandle = blockHandle{offset: b.offset, length: uint64(len(bloomData))}
		if _, err := b.file.Write(bloomData); err != nil {
			return nil, nil, 0, fmt.Errorf("lsm: write bloom filter: %w", err)
		}
		b.offset += uint64(len(bloomData))
	}

	footer := make([]byte, 0, footerSize)
	footer = appendUint64LE(footer, indexHandle.offset)
	footer = appendUint64LE(footer, indexHandle.length)
	footer = appendUint64LE(footer, indexHandle.decodedLen)
	footer = appendUint64LE(footer, bloomHandle.offset)
	footer = appendUint64LE(footer, bloomHandle.length)
	footer = appendUint64LE(footer, sstableMagic)

	if _, err := b.file.Write(footer); err != nil {
		return nil, nil, 0, fmt.Errorf("lsm: write footer: %w", err)
	}
	b.offset += uint64(len(footer))

	if err := b.file.Sync(); err != nil {
		return nil, nil, 0, fmt.Errorf("lsm: sync sstable: %w", err)
	}
	if err := b.file.Close(); err != nil {
		return nil, nil, 0, fmt.Errorf("lsm: close sstable: %w", err)
	}

	b.fileSize = b.offset
	return b.smallest, b.largest, b.fileSize, nil
}

// abort discards an in-progress SSTable, removing the partial file.
func (b *sstableBuilder) abort() error {
	name := b.file.Name()
	b.file.Close()
	return os.Remove(name)
}

func appendUint64LE(dst []byte, v uint64) []byte {
	return append(dst,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}
