package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetClearTestBit(t *testing.T) {
	bm := make([]byte, 4)
	assert.False(t, testBit(bm, 5))
	setBit(bm, 5)
	assert.True(t, testBit(bm, 5))
	clearBit(bm, 5)
	assert.False(t, testBit(bm, 5))
}

func TestFindFirstZeroSkipsFullWords(t *testing.T) {
	bm := make([]byte, 8) // 64 bits
	for i := int64(0); i < 40; i++ {
		setBit(bm, i)
	}
	bit, ok := findFirstZero(bm, 0, 64)
	assert.True(t, ok)
	assert.Equal(t, int64(40), bit)
}

func TestFindFirstZeroUnalignedPrefix(t *testing.T) {
	bm := make([]byte, 4)
	for i := int64(0); i < 3; i++ {
		setBit(bm, i)
	}
	bit, ok := findFirstZero(bm, 1, 32)
	assert.True(t, ok)
	assert.Equal(t, int64(3), bit)
}

func TestFindFirstZeroFullReturnsFalse(t *testing.T) {
	bm := make([]byte, 4)
	for i := int64(0); i < 32; i++ {
		setBit(bm, i)
	}
	_, ok := findFirstZero(bm, 0, 32)
	assert.False(t, ok)
}

func TestFindFirstZeroRespectsFromAndLimit(t *testing.T) {
	bm := make([]byte, 4)
	// Only bit 2 is free; searching starting past it must not find it.
	for i := int64(0); i < 32; i++ {
		if i != 2 {
			setBit(bm, i)
		}
	}
	_, ok := findFirstZero(bm, 3, 32)
	assert.False(t, ok)

	bit, ok := findFirstZero(bm, 0, 32)
	assert.True(t, ok)
	assert.Equal(t, int64(2), bit)
}

func TestCountZero(t *testing.T) {
	bm := make([]byte, 4)
	setBit(bm, 0)
	setBit(bm, 1)
	setBit(bm, 2)
	assert.Equal(t, int64(29), CountZero(bm, 32))
	assert.Equal(t, int64(0), CountZero(bm, 3))
}
