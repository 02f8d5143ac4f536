package lsm

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// codec byte values stored as the last byte before a block's CRC, per the
// SST block format: a 1-byte codec tag followed by a 4-byte CRC32C.
const (
	codecNone   byte = 0
	codecSnappy byte = 1
	codecLZ4    byte = 2
)

func compressionToCodec(c Compression) byte {
	switch c {
	case CompressionSnappy:
		return codecSnappy
	case CompressionLZ4:
		return codecLZ4
	default:
		return codecNone
	}
}

// compressBlock compresses payload per codec, returning the bytes to write
// to disk (uncompressed if codec is codecNone).
func compressBlock(codec byte, payload []byte) ([]byte, error) {
	switch codec {
	case codecNone:
		return payload, nil
	case codecSnappy:
		return snappy.Encode(nil, payload), nil
	case codecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(payload)))
		var c lz4.Compressor
		n, err := c.CompressBlock(payload, buf)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible input: lz4 signals this by writing nothing.
			// Fall back to storing the block uncompressed.
			return payload, nil
		}
		return buf[:n], nil
	default:
		return nil, fmt.Errorf("unknown block codec %d", codec)
	}
}

// decompressBlock reverses compressBlock. decodedLen is required for LZ4,
// which does not self-describe output size.
func decompressBlock(codec byte, compressed []byte, decodedLen int) ([]byte, error) {
	switch codec {
	case codecNone:
		return compressed, nil
	case codecSnappy:
		return snappy.Decode(nil, compressed)
	case codecLZ4:
		if len(compressed) == decodedLen {
			// Matches the incompressible-input fallback in compressBlock.
			return compressed, nil
		}
		dst := make([]byte, decodedLen)
		n, err := lz4.UncompressBlock(compressed, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return dst[:n], nil
	default:
		return nil, fmt.Errorf("unknown block codec %d", codec)
	}
}
