package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32CKnownVector(t *testing.T) {
	// "123456789" is the standard CRC32C (Castagnoli) check string; its
	// CRC32C with a zero seed complemented per the usual CRC convention
	// is the widely published 0xE3069283.
	got := CRC32C(0, []byte("123456789"))
	assert.Equal(t, uint32(0xE3069283), got)
}

func TestCRC32CSeedChangesResult(t *testing.T) {
	data := []byte("block group descriptor")
	a := CRC32C(0, data)
	b := CRC32C(0xDEADBEEF, data)
	assert.NotEqual(t, a, b)
}

func TestCRC32KnownVector(t *testing.T) {
	got := CRC32(0, []byte("123456789"))
	assert.Equal(t, uint32(0xCBF43926), got)
}

func TestCRC16Deterministic(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	a := CRC16(0xFFFF, data)
	b := CRC16(0xFFFF, data)
	assert.Equal(t, a, b)
}

func TestCRC16DiffersOnMutation(t *testing.T) {
	seed := uint16(0xFFFF)
	a := CRC16(seed, []byte{0x01, 0x02, 0x03})
	b := CRC16(seed, []byte{0x01, 0x02, 0x04})
	assert.NotEqual(t, a, b)
}
