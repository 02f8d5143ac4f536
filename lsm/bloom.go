package lsm

import (
	"bytes"

	"github.com/bits-and-blooms/bloom/v3"
)

// bloomFilter is the per-SSTable membership filter consulted by Get before
// any block I/O happens. A nil *bloomFilter (BloomBitsPerKey == 0) means
// filters are disabled and every probe falls through to the index.
type bloomFilter struct {
	f *bloom.BloomFilter
}

// newBloomFilter sizes a filter for expectedKeys entries at the configured
// bits-per-key.
func newBloomFilter(expectedKeys int, bitsPerKey float64) *bloomFilter {
	if bitsPerKey <= 0 {
		return nil
	}
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	return &bloomFilter{f: bloom.NewWithEstimates(uint(expectedKeys), falsePositiveRateFor(bitsPerKey))}
}

// falsePositiveRateFor inverts the standard bits-per-key/FP-rate relation
// p ~= 0.6185^bitsPerKey to turn a size budget into a target rate.
func falsePositiveRateFor(bitsPerKey float64) float64 {
	p := 1.0
	for i := 0.0; i < bitsPerKey; i++ {
		p *= 0.6185
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	return p
}

func (bf *bloomFilter) add(key []byte) {
	if bf == nil {
		return
	}
	bf.f.Add(key)
}

func (bf *bloomFilter) mayContain(key []byte) bool {
	if bf == nil {
		return true
	}
	return bf.f.Test(key)
}

// encode serializes the filter for storage in an SST's bloom block. A nil
// receiver (filters disabled) encodes to an empty slice.
func (bf *bloomFilter) encode() ([]byte, error) {
	if bf == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if _, err := bf.f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeBloomFilter reconstructs a filter previously written by encode. An
// empty payload yields a nil filter.
func decodeBloomFilter(data []byte) (*bloomFilter, error) {
	if len(data) == 0 {
		return nil, nil
	}
	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return &bloomFilter{f: f}, nil
}
