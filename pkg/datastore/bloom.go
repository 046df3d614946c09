package datastore

import (
	"hash"
	"hash/fnv"
	"math"
)

// bloomFilter is a fixed-size bit-array bloom filter sized for one
// segment at write time and serialized alongside it, so a Get() that
// misses can skip the segment's index search and record read entirely.
type bloomFilter struct {
	bits     []bool
	size     uint32
	hashFunc []hash.Hash32
}

func newBloomFilter(expectedItems int, falsePositiveRate float64) *bloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	size := optimalBloomSize(expectedItems, falsePositiveRate)
	hashCount := optimalHashCount(expectedItems, size)

	hashFuncs := make([]hash.Hash32, hashCount)
	for i := range hashFuncs {
		hashFuncs[i] = fnv.New32a()
	}

	return &bloomFilter{
		bits:     make([]bool, size),
		size:     size,
		hashFunc: hashFuncs,
	}
}

func (bf *bloomFilter) add(key []byte) {
	for i, h := range bf.hashFunc {
		h.Reset()
		h.Write(key)
		h.Write([]byte{byte(i)})
		index := h.Sum32() % bf.size
		bf.bits[index] = true
	}
}

func (bf *bloomFilter) mayContain(key []byte) bool {
	for i, h := range bf.hashFunc {
		h.Reset()
		h.Write(key)
		h.Write([]byte{byte(i)})
		index := h.Sum32() % bf.size
		if !bf.bits[index] {
			return false
		}
	}
	return true
}

// optimalBloomSize computes m = ceil(-(n * ln(p)) / ln(2)^2).
func optimalBloomSize(expectedItems int, falsePositiveRate float64) uint32 {
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	const ln2Squared = 0.6931471805599453 * 0.6931471805599453
	m := math.Ceil(-1 * float64(expectedItems) * math.Log(falsePositiveRate) / ln2Squared)
	if m < 8 {
		m = 8
	}
	return uint32(m)
}

// optimalHashCount computes k = round((m/n) * ln(2)), clamped to [1, 10].
func optimalHashCount(expectedItems int, size uint32) int {
	const ln2 = 0.6931471805599453
	k := int(math.Round(float64(size) / float64(expectedItems) * ln2))
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}
	return k
}

func (bf *bloomFilter) serialize() []byte {
	out := make([]byte, len(bf.bits))
	for i, b := range bf.bits {
		if b {
			out[i] = 1
		}
	}
	return out
}

func deserializeBloomFilter(raw []byte, hashCount int) *bloomFilter {
	bf := &bloomFilter{
		bits: make([]bool, len(raw)),
		size: uint32(len(raw)),
	}
	for i, b := range raw {
		bf.bits[i] = b != 0
	}
	bf.hashFunc = make([]hash.Hash32, hashCount)
	for i := range bf.hashFunc {
		bf.hashFunc[i] = fnv.New32a()
	}
	return bf
}
