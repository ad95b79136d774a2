package extent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/embext/goext4/pkg/alloc"
	"github.com/embext/goext4/pkg/bcache"
	"github.com/embext/goext4/pkg/blockdev"
	"github.com/embext/goext4/pkg/elog"
	"github.com/embext/goext4/pkg/inode"
	"github.com/embext/goext4/pkg/ondisk"
	"github.com/embext/goext4/pkg/volume"
)

// memDevice is a minimal in-memory blockdev.Device, just large enough to
// back a single small block group for exercising the extent tree in
// isolation from a real image.
type memDevice struct {
	blockSize int
	blocks    map[int64][]byte
}

func newMemDevice(blockSize int) *memDevice {
	return &memDevice{blockSize: blockSize, blocks: make(map[int64][]byte)}
}

func (m *memDevice) Open() (int, int64, int64, error) { return m.blockSize, 4096, 0, nil }

func (m *memDevice) ReadBlocks(buf []byte, lba int64, cnt int) error {
	for i := 0; i < cnt; i++ {
		b, ok := m.blocks[lba+int64(i)]
		if !ok {
			b = make([]byte, m.blockSize)
		}
		copy(buf[i*m.blockSize:(i+1)*m.blockSize], b)
	}
	return nil
}

func (m *memDevice) WriteBlocks(buf []byte, lba int64, cnt int) error {
	for i := 0; i < cnt; i++ {
		b := make([]byte, m.blockSize)
		copy(b, buf[i*m.blockSize:(i+1)*m.blockSize])
		m.blocks[lba+int64(i)] = b
	}
	return nil
}

func (m *memDevice) Flush() error { return nil }
func (m *memDevice) Close() error { return nil }

var _ blockdev.Device = (*memDevice)(nil)

const (
	testBlockSize      = 1024
	testBlocksPerGroup = 64
	// testBitmapLBA sits well outside the group's own 0..63 data range so
	// this synthetic fixture never confuses "the block holding the
	// bitmap" with "a block the bitmap describes".
	testBitmapLBA = 1000
)

// newFixture builds a one-group volume/allocator pair and a fresh,
// non-extent-using inode ref, small enough to drive the tree through
// leaf fill, a depth-1 split, and range removal without a real image.
func newFixture(t *testing.T) (*volume.Volume, *alloc.BlockAllocator, *inode.Ref) {
	t.Helper()
	dev := newMemDevice(testBlockSize)
	cache := bcache.New(dev, testBlockSize, 64, false)

	sb := &ondisk.Superblock{
		Signature:      ondisk.Signature,
		InodeSize:      256,
		FirstIno:       11,
		BlocksPerGroup: testBlocksPerGroup,
		TotalBlocks:    testBlocksPerGroup,
		FirstDataBlock: 0,
	}
	sb.SetFreeBlocks64(testBlocksPerGroup)

	grp := &ondisk.Group{}
	grp.Base.BlockBitmapAddr = testBitmapLBA
	grp.SetFreeBlocks(testBlocksPerGroup)

	v := volume.New(dev, cache, elog.Nop{}, sb, []*ondisk.Group{grp}, 32, false)

	a := alloc.NewBlockAllocator(v)
	ref := &inode.Ref{Num: ondisk.RootInode, Base: &ondisk.Inode{}}
	return v, a, ref
}

// allocRun claims n sequential free blocks from a (the fixture's bitmap
// starts entirely clear, so n calls to Alloc in a row return consecutive
// LBAs) and returns the first one, letting RemoveRange/Free tests work
// against blocks the bitmap actually marked allocated.
func allocRun(t *testing.T, a *alloc.BlockAllocator, n int) int64 {
	t.Helper()
	var first int64
	for i := 0; i < n; i++ {
		lba, err := a.Alloc(0)
		assert.NoError(t, err)
		if i == 0 {
			first = lba
		} else {
			assert.Equal(t, first+int64(i), lba)
		}
	}
	return first
}

func TestLookupOnNonExtentInodeFails(t *testing.T) {
	_, _, ref := newFixture(t)
	tr := Open(nil, ref, nil)
	_, err := tr.Lookup(0)
	assert.Error(t, err)
}

func TestInsertThenLookupSingleExtent(t *testing.T) {
	v, a, ref := newFixture(t)
	tr := Open(v, ref, a)

	assert.NoError(t, tr.Insert(0, 100, 10, false))
	assert.True(t, ref.Base.UsesExtents())

	m, err := tr.Lookup(5)
	assert.NoError(t, err)
	assert.True(t, m.Found)
	assert.Equal(t, int64(105), m.Physical)
	assert.False(t, m.Unwritten)

	_, err = tr.Lookup(20)
	assert.NoError(t, err)
}

func TestInsertExtendsContiguousExtent(t *testing.T) {
	v, a, ref := newFixture(t)
	tr := Open(v, ref, a)

	assert.NoError(t, tr.Insert(0, 100, 10, false))
	// Logically and physically contiguous with the first extent: must
	// extend it in place rather than add a second entry.
	assert.NoError(t, tr.Insert(10, 110, 5, false))

	h, err := ondisk.DecodeExtentHeader(ref.Base.Block[:])
	assert.NoError(t, err)
	assert.Equal(t, uint16(1), h.Entries)

	m, err := tr.Lookup(14)
	assert.NoError(t, err)
	assert.True(t, m.Found)
	assert.Equal(t, int64(114), m.Physical)
}

func TestInsertNonContiguousAddsSecondEntry(t *testing.T) {
	v, a, ref := newFixture(t)
	tr := Open(v, ref, a)

	assert.NoError(t, tr.Insert(0, 100, 10, false))
	assert.NoError(t, tr.Insert(50, 500, 3, false))

	h, err := ondisk.DecodeExtentHeader(ref.Base.Block[:])
	assert.NoError(t, err)
	assert.Equal(t, uint16(2), h.Entries)

	m, err := tr.Lookup(51)
	assert.NoError(t, err)
	assert.True(t, m.Found)
	assert.Equal(t, int64(501), m.Physical)
}

func TestInsertUnwrittenFlag(t *testing.T) {
	v, a, ref := newFixture(t)
	tr := Open(v, ref, a)

	assert.NoError(t, tr.Insert(0, 100, 4, true))
	m, err := tr.Lookup(1)
	assert.NoError(t, err)
	assert.True(t, m.Unwritten)
}

func TestRemoveRangeSplitsExtent(t *testing.T) {
	v, a, ref := newFixture(t)
	tr := Open(v, ref, a)

	start := allocRun(t, a, 10)
	assert.NoError(t, tr.Insert(0, start, 10, false))
	// Remove the middle third, leaving a prefix and a suffix extent.
	assert.NoError(t, tr.RemoveRange(3, 5))

	h, err := ondisk.DecodeExtentHeader(ref.Base.Block[:])
	assert.NoError(t, err)
	assert.Equal(t, uint16(2), h.Entries)

	m, err := tr.Lookup(2)
	assert.NoError(t, err)
	assert.True(t, m.Found)

	m, err = tr.Lookup(4)
	assert.NoError(t, err)
	assert.False(t, m.Found)

	m, err = tr.Lookup(7)
	assert.NoError(t, err)
	assert.True(t, m.Found)
	assert.Equal(t, start+7, m.Physical)

	// The freed middle blocks must be reusable by a later allocation.
	reused, err := a.Alloc(0)
	assert.NoError(t, err)
	assert.True(t, reused >= start+3 && reused <= start+5)
}

func TestRemoveRangeWholeExtent(t *testing.T) {
	v, a, ref := newFixture(t)
	tr := Open(v, ref, a)

	start := allocRun(t, a, 10)
	assert.NoError(t, tr.Insert(0, start, 10, false))
	assert.NoError(t, tr.RemoveRange(0, 9))

	h, err := ondisk.DecodeExtentHeader(ref.Base.Block[:])
	assert.NoError(t, err)
	assert.Equal(t, uint16(0), h.Entries)

	m, err := tr.Lookup(0)
	assert.NoError(t, err)
	assert.False(t, m.Found)
}
