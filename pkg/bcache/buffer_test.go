package bcache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/embext/goext4/pkg/blockdev"
)

// memDevice is an in-memory stand-in for blockdev.Device, exercising the
// cache's miss/evict/write-back paths without a real file or image.
type memDevice struct {
	blockSize int
	blocks    map[int64][]byte
	flushes   int
}

func newMemDevice(blockSize int) *memDevice {
	return &memDevice{blockSize: blockSize, blocks: make(map[int64][]byte)}
}

func (m *memDevice) Open() (int, int64, int64, error) { return m.blockSize, 1024, 0, nil }

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

func (m *memDevice) Flush() error { m.flushes++; return nil }
func (m *memDevice) Close() error { return nil }

var _ blockdev.Device = (*memDevice)(nil)

func TestGetOrReadCachesAcrossCalls(t *testing.T) {
	dev := newMemDevice(1024)
	dev.blocks[5] = append(make([]byte, 0, 1024), bytesFill(1024, 0xAB)...)

	c := New(dev, 1024, 4, false)
	b, err := c.GetOrRead(5)
	assert.NoError(t, err)
	assert.True(t, b.Uptodate())
	assert.Equal(t, byte(0xAB), b.Data[0])
	assert.NoError(t, c.Release(b))

	b2, ok := c.FindGet(5)
	assert.True(t, ok)
	assert.Same(t, b, b2)
	assert.NoError(t, c.Release(b2))
}

func TestWriteBackOnEviction(t *testing.T) {
	dev := newMemDevice(512)
	c := New(dev, 512, 2, false)

	b1, err := c.GetNoRead(1)
	assert.NoError(t, err)
	b1.Flags |= FlagUptodate
	copy(b1.Data, bytesFill(512, 0x11))
	b1.MarkDirty()
	assert.NoError(t, c.Release(b1))

	b2, err := c.GetNoRead(2)
	assert.NoError(t, err)
	b2.Flags |= FlagUptodate
	assert.NoError(t, c.Release(b2))

	// A third distinct LBA must evict the LRU buffer (lba 1) and flush it
	// since it was dirty, because capacity is 2.
	b3, err := c.GetNoRead(3)
	assert.NoError(t, err)
	assert.NoError(t, c.Release(b3))

	assert.Equal(t, byte(0x11), dev.blocks[1][0])
}

func TestDontShakeBlocksEviction(t *testing.T) {
	dev := newMemDevice(512)
	c := New(dev, 512, 1, false)
	c.SetDontShake(true)

	b1, err := c.GetNoRead(1)
	assert.NoError(t, err)
	b1.Flags |= FlagUptodate
	assert.NoError(t, c.Release(b1))

	_, err = c.GetNoRead(2)
	assert.Error(t, err)
}

func TestPinnedBufferIsNotEvicted(t *testing.T) {
	dev := newMemDevice(512)
	c := New(dev, 512, 1, false)

	b1, err := c.GetNoRead(1)
	assert.NoError(t, err)
	b1.Flags |= FlagUptodate
	// b1 stays pinned (not released); requesting a new buffer over
	// capacity 1 must fail rather than evict the in-use buffer.
	_, err = c.GetNoRead(2)
	assert.Error(t, err)
	assert.NoError(t, c.Release(b1))
}

func TestInvalidateRangeClearsDirtyAndUptodate(t *testing.T) {
	dev := newMemDevice(512)
	c := New(dev, 512, 4, false)

	b, err := c.GetNoRead(7)
	assert.NoError(t, err)
	b.Flags |= FlagUptodate
	b.MarkDirty()
	assert.NoError(t, c.Release(b))

	c.InvalidateRange(7, 1)

	b2, ok := c.FindGet(7)
	assert.True(t, ok)
	assert.False(t, b2.Dirty())
	assert.False(t, b2.Uptodate())
	assert.NoError(t, c.Release(b2))
}

func TestWriteThroughFlushesImmediately(t *testing.T) {
	dev := newMemDevice(512)
	c := New(dev, 512, 4, true)

	b, err := c.GetNoRead(9)
	assert.NoError(t, err)
	b.Flags |= FlagUptodate
	copy(b.Data, bytesFill(512, 0x55))
	b.MarkDirty()
	assert.NoError(t, c.Release(b))

	assert.Equal(t, byte(0x55), dev.blocks[9][0])
	assert.False(t, b.Dirty())
}

func TestFlushWritesAllDirtyBuffers(t *testing.T) {
	dev := newMemDevice(512)
	c := New(dev, 512, 4, false)

	for _, lba := range []int64{1, 2, 3} {
		b, err := c.GetNoRead(lba)
		assert.NoError(t, err)
		b.Flags |= FlagUptodate
		copy(b.Data, bytesFill(512, byte(lba)))
		b.MarkDirty()
		assert.NoError(t, c.Release(b))
	}

	assert.NoError(t, c.Flush())
	assert.Equal(t, 1, dev.flushes)
	assert.Empty(t, c.DirtyBuffers())
	for _, lba := range []int64{1, 2, 3} {
		assert.Equal(t, byte(lba), dev.blocks[lba][0])
	}
}

func bytesFill(n int, v byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = v
	}
	return out
}
