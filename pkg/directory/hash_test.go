package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/embext/goext4/pkg/ondisk"
)

func TestHashIsDeterministic(t *testing.T) {
	seed := [4]uint32{1, 2, 3, 4}
	a, err := Hash(ondisk.HashVersionTEA, "some-file-name", seed)
	assert.NoError(t, err)
	b, err := Hash(ondisk.HashVersionTEA, "some-file-name", seed)
	assert.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHashDiffersAcrossNamesAndSeeds(t *testing.T) {
	seed := [4]uint32{1, 2, 3, 4}
	a, err := Hash(ondisk.HashVersionTEA, "alpha", seed)
	assert.NoError(t, err)
	b, err := Hash(ondisk.HashVersionTEA, "beta", seed)
	assert.NoError(t, err)
	assert.NotEqual(t, a, b)

	otherSeed := [4]uint32{5, 6, 7, 8}
	c, err := Hash(ondisk.HashVersionTEA, "alpha", otherSeed)
	assert.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestHashTEAClearsLowBitAndCapsValue(t *testing.T) {
	seed := [4]uint32{0, 0, 0, 0}
	h, err := Hash(ondisk.HashVersionTEA, "x", seed)
	assert.NoError(t, err)
	assert.Zero(t, h&0x1, "TEA hash must clear the low bit (used as a continuation marker)")
	assert.LessOrEqual(t, h, uint32(0xFFFFFFFC))
}

func TestHashLegacyDeterministicAndSeedIndependent(t *testing.T) {
	a, err := Hash(ondisk.HashVersionLegacy, "name", [4]uint32{1, 1, 1, 1})
	assert.NoError(t, err)
	b, err := Hash(ondisk.HashVersionLegacy, "name", [4]uint32{9, 9, 9, 9})
	assert.NoError(t, err)
	assert.Equal(t, a, b, "legacy hash does not take the seed into account")
}

func TestHashLongNameAcrossMultipleTEARounds(t *testing.T) {
	seed := [4]uint32{1, 2, 3, 4}
	long := "a-name-long-enough-to-need-more-than-one-sliceStringForHashing-round"
	h, err := Hash(ondisk.HashVersionTEA, long, seed)
	assert.NoError(t, err)
	assert.NotZero(t, h)
}

func TestHashRejectsUnsupportedVersion(t *testing.T) {
	_, err := Hash(0xFF, "name", [4]uint32{})
	assert.Error(t, err)

	_, err = Hash(ondisk.HashVersionHalfMD4, "name", [4]uint32{})
	assert.Error(t, err)
}

func TestSliceStringForHashingConsumesSixteenBytesAtATime(t *testing.T) {
	rest, block := sliceStringForHashing("0123456789abcdefghij")
	assert.Equal(t, "ghij", rest)
	assert.NotNil(t, block)
}

func TestSliceStringForHashingShortString(t *testing.T) {
	rest, block := sliceStringForHashing("hi")
	assert.Equal(t, "", rest)
	assert.NotNil(t, block)
}
