package ondisk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDivideAlign(t *testing.T) {
	assert.Equal(t, int64(3), Divide(9, 3))
	assert.Equal(t, int64(4), Divide(10, 3))
	assert.Equal(t, int64(0), Divide(0, 3))
	assert.Equal(t, int64(9), Align(9, 3))
	assert.Equal(t, int64(12), Align(10, 3))
}

func TestInodeSizeRoundTrip(t *testing.T) {
	in := &Inode{
		Permissions: InodeTypeRegularFile | 0644,
		UID:         1000,
		GID:         1000,
		Links:       1,
		GenNo:       42,
	}
	in.SetSize(1 << 34) // exercise both halves

	buf := make([]byte, 256)
	assert.NoError(t, EncodeInode(buf, 0, in))

	got, err := DecodeInode(buf, 0)
	assert.NoError(t, err)
	assert.Equal(t, in.Permissions, got.Permissions)
	assert.Equal(t, in.UID, got.UID)
	assert.Equal(t, in.GenNo, got.GenNo)
	assert.Equal(t, int64(1<<34), got.Size())
	assert.True(t, got.IsRegular())
	assert.False(t, got.IsDir())
	assert.False(t, got.IsSymlink())
}

func TestInodeExtraRoundTrip(t *testing.T) {
	ex := &InodeExtra{ExtraIsize: 32, CtimeExtra: 7, ProjectID: 99}
	buf := make([]byte, 64)
	assert.NoError(t, EncodeInodeExtra(buf, 0, ex))

	got, err := DecodeInodeExtra(buf, 0)
	assert.NoError(t, err)
	assert.Equal(t, ex.ExtraIsize, got.ExtraIsize)
	assert.Equal(t, ex.CtimeExtra, got.CtimeExtra)
	assert.Equal(t, ex.ProjectID, got.ProjectID)
}

func TestInodeDecodeTooShort(t *testing.T) {
	_, err := DecodeInode(make([]byte, 64), 0)
	assert.Error(t, err)
}

func TestExtentHeaderRoundTrip(t *testing.T) {
	h := &ExtentHeader{Magic: ExtentMagic, Entries: 2, Max: 4, Depth: 0, Generation: 1}
	buf := make([]byte, ExtentHeaderSize)
	EncodeExtentHeader(buf, h)

	got, err := DecodeExtentHeader(buf)
	assert.NoError(t, err)
	assert.Equal(t, h.Entries, got.Entries)
	assert.Equal(t, h.Max, got.Max)
}

func TestExtentHeaderBadMagic(t *testing.T) {
	buf := make([]byte, ExtentHeaderSize)
	EncodeExtentHeader(buf, &ExtentHeader{Magic: 0x1234})
	_, err := DecodeExtentHeader(buf)
	assert.Error(t, err)
}

func TestExtentStartAndUnwrittenBit(t *testing.T) {
	e := &Extent{Block: 10, Len: 5}
	e.SetStart(1 << 40)
	e.SetUnwritten(true)

	buf := make([]byte, ExtentSize)
	EncodeExtent(buf, e)
	got := DecodeExtent(buf)

	assert.Equal(t, uint64(1<<40), got.Start())
	assert.True(t, got.Unwritten())
	assert.Equal(t, uint16(5), got.Length())
}

func TestExtentIndexChild(t *testing.T) {
	idx := &ExtentIndex{Block: 3}
	idx.SetChild(1 << 33)

	buf := make([]byte, ExtentIndexSize)
	EncodeExtentIndex(buf, idx)
	got := DecodeExtentIndex(buf)

	assert.Equal(t, uint64(1<<33), got.Child())
	assert.Equal(t, idx.Block, got.Block)
}

func TestGroupFreeCountersSpan32Bits(t *testing.T) {
	g := &Group{}
	g.SetFreeBlocks(1 << 20)
	g.SetFreeInodes(1 << 18)
	assert.Equal(t, uint32(1<<20), g.FreeBlocks())
	assert.Equal(t, uint32(1<<18), g.FreeInodes())
}

func TestGroupEncodeDecodeRoundTrip32(t *testing.T) {
	g := &Group{}
	g.Base.BlockBitmapAddr = 100
	g.Base.InodeBitmapAddr = 101
	g.Base.InodeTableAddr = 102
	g.SetFreeBlocks(5)
	g.SetFreeInodes(6)

	buf := g.Encode(32)
	assert.Equal(t, 32, len(buf))

	groups, err := DecodeGroups(buf, 1, 32)
	assert.NoError(t, err)
	assert.Equal(t, uint64(100), groups[0].BlockBitmap())
	assert.Equal(t, uint32(5), groups[0].FreeBlocks())
}

func TestGroupEncodeDecodeRoundTrip64(t *testing.T) {
	g := &Group{}
	g.Base.BlockBitmapAddr = 100
	g.Hi.BlockBitmapAddrHi = 1
	g.SetFreeBlocks(1 << 17)

	buf := g.Encode(64)
	assert.Equal(t, 64, len(buf))

	groups, err := DecodeGroups(buf, 1, 64)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1)<<32|100, groups[0].BlockBitmap())
	assert.Equal(t, uint32(1<<17), groups[0].FreeBlocks())
}

func TestGroupUpdateChecksumDeterministic(t *testing.T) {
	g := &Group{}
	g.Base.BlockBitmapAddr = 7
	var uuid [16]byte
	for i := range uuid {
		uuid[i] = byte(i)
	}
	g.UpdateChecksum(uuid, 3, 32)
	want := g.Base.Checksum

	g2 := &Group{}
	g2.Base.BlockBitmapAddr = 7
	g2.UpdateChecksum(uuid, 3, 32)
	assert.Equal(t, want, g2.Base.Checksum)
	assert.NotZero(t, want)
}

func TestSuperblockEncodeDecodeRoundTrip(t *testing.T) {
	sb := &Superblock{
		Signature:    Signature,
		InodeSize:    256,
		FirstIno:     11,
		LogBlockSize: 2, // 4096-byte blocks
		FirstDataBlock: 0,
	}
	sb.SetFreeBlocks64(12345)

	buf := sb.Encode()
	assert.Equal(t, SuperblockSize, len(buf))

	got, err := Decode(buf)
	assert.NoError(t, err)
	assert.Equal(t, sb.InodeSize, got.InodeSize)
	assert.Equal(t, int64(4096), got.BlockSize())
	assert.Equal(t, uint64(12345), got.FreeBlocks64())
}

func TestSuperblockDecodeRejectsBadSignature(t *testing.T) {
	sb := &Superblock{Signature: 0x1111, InodeSize: 256, FirstIno: 11}
	_, err := Decode(sb.Encode())
	assert.Error(t, err)
}

func TestSuperblockMetadataChecksumRoundTrip(t *testing.T) {
	sb := &Superblock{
		Signature:       Signature,
		InodeSize:       256,
		FirstIno:        11,
		FeatureROCompat: ROCompatMetadataCsum,
	}
	buf := sb.Encode()
	assert.NotZero(t, sb.Checksum)

	got, err := Decode(buf)
	assert.NoError(t, err)
	assert.True(t, got.MetadataChecksumEnabled())

	// Corrupting a single byte must break the checksum check.
	buf[10] ^= 0xFF
	_, err = Decode(buf)
	assert.Error(t, err)
}

func TestSuperblockDescriptorSize(t *testing.T) {
	sb := &Superblock{Signature: Signature, InodeSize: 256, FirstIno: 11}
	assert.Equal(t, 32, sb.DescriptorSize())

	sb.FeatureIncompat = Incompat64Bit
	sb.DescSize = 64
	assert.Equal(t, 64, sb.DescriptorSize())
}
