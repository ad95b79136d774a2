// Package blockdev defines the capability set a host supplies for physical
// I/O (spec.md §6 "Block device contract") and layers byte-granular
// read/write on top of it. Concrete backends — files, Linux block devices,
// Windows raw volumes, MMC/SD over SPI — are external collaborators per
// spec.md §1 and are not implemented here; only the interface and the
// generic byte-layer adapter are, grounded on the teacher's
// pkg/vdecompiler.IO seek/read/write plumbing.
package blockdev

import (
	"io"

	"github.com/pkg/errors"

	"github.com/embext/goext4/pkg/errno"
)

// Device is the capability set the core requires of a host-supplied block
// backend. The core never calls Lock/Unlock (see Locker), and journal
// recovery issues WriteBlocks calls concurrently at distinct LBAs.
type Device interface {
	// Open reports the physical block size (power of two, 512-4096),
	// total block count, and byte offset of the partition within the
	// underlying medium.
	Open() (blockSize int, blockCount int64, partitionOffset int64, err error)

	// ReadBlocks fills buf (cnt*blockSize bytes) with cnt consecutive
	// physical blocks starting at lba.
	ReadBlocks(buf []byte, lba int64, cnt int) error

	// WriteBlocks persists buf (cnt*blockSize bytes) as cnt consecutive
	// physical blocks starting at lba. No short writes.
	WriteBlocks(buf []byte, lba int64, cnt int) error

	// Flush forces previously issued writes to stable storage; it is the
	// barrier spec.md §4.6 requires between a transaction's data phase
	// and its commit block.
	Flush() error

	Close() error
}

// Locker is optionally implemented by a Device to provide the host's
// serialization entry/exit points (spec.md §5). The core does not call
// Lock or Unlock, whether or not a Device implements them; serializing
// calls into the core is left to the host.
type Locker interface {
	Lock()
	Unlock()
}

// FileDevice adapts any io.ReaderAt+io.WriterAt+io.Closer (typically an
// *os.File) into a Device, the common case for an embeddable core running
// atop a regular file or loopback-mounted image.
type FileDevice struct {
	RA              io.ReaderAt
	WA              io.WriterAt
	Closer          io.Closer
	Flusher         func() error
	BlockSize       int
	BlockCount      int64
	PartitionOffset int64
}

func (f *FileDevice) Open() (int, int64, int64, error) {
	if f.BlockSize <= 0 || f.BlockSize&(f.BlockSize-1) != 0 {
		return 0, 0, 0, errno.Wrap(errno.EIO, nil, "block size %d is not a power of two", f.BlockSize)
	}
	return f.BlockSize, f.BlockCount, f.PartitionOffset, nil
}

func (f *FileDevice) ReadBlocks(buf []byte, lba int64, cnt int) error {
	want := cnt * f.BlockSize
	if len(buf) < want {
		return errno.Wrap(errno.EIO, nil, "read buffer too small: need %d got %d", want, len(buf))
	}
	off := f.PartitionOffset + lba*int64(f.BlockSize)
	n, err := f.RA.ReadAt(buf[:want], off)
	if err != nil && !(err == io.EOF && n == want) {
		return errno.Wrap(errno.EIO, err, "reading %d blocks at lba %d", cnt, lba)
	}
	return nil
}

func (f *FileDevice) WriteBlocks(buf []byte, lba int64, cnt int) error {
	if f.WA == nil {
		return errno.New(errno.EROFS)
	}
	want := cnt * f.BlockSize
	if len(buf) < want {
		return errno.Wrap(errno.EIO, nil, "write buffer too small: need %d got %d", want, len(buf))
	}
	off := f.PartitionOffset + lba*int64(f.BlockSize)
	n, err := f.WA.WriteAt(buf[:want], off)
	if err != nil {
		return errno.Wrap(errno.EIO, err, "writing %d blocks at lba %d", cnt, lba)
	}
	if n != want {
		return errno.Wrap(errno.EIO, io.ErrShortWrite, "short write at lba %d", lba)
	}
	return nil
}

func (f *FileDevice) Flush() error {
	if f.Flusher == nil {
		return nil
	}
	if err := f.Flusher(); err != nil {
		return errno.Wrap(errno.EIO, err, "flushing device")
	}
	return nil
}

func (f *FileDevice) Close() error {
	if f.Closer == nil {
		return nil
	}
	return f.Closer.Close()
}

// ByteIO layers byte-granular read_bytes/write_bytes (spec.md §6) over a
// Device, read-modify-writing the single physical block at each
// misaligned edge.
type ByteIO struct {
	Dev       Device
	BlockSize int
}

func (b *ByteIO) ReadBytes(p []byte, offset int64) error {
	bs := int64(b.BlockSize)
	buf := make([]byte, b.BlockSize)
	n := 0
	for n < len(p) {
		lba := (offset + int64(n)) / bs
		inBlock := int((offset + int64(n)) % bs)
		if err := b.Dev.ReadBlocks(buf, lba, 1); err != nil {
			return err
		}
		k := copy(p[n:], buf[inBlock:])
		n += k
	}
	return nil
}

func (b *ByteIO) WriteBytes(p []byte, offset int64) error {
	bs := int64(b.BlockSize)
	buf := make([]byte, b.BlockSize)
	n := 0
	for n < len(p) {
		lba := (offset + int64(n)) / bs
		inBlock := int((offset + int64(n)) % bs)
		remaining := len(p) - n
		chunk := b.BlockSize - inBlock
		if chunk > remaining {
			chunk = remaining
		}
		if inBlock != 0 || chunk != b.BlockSize {
			if err := b.Dev.ReadBlocks(buf, lba, 1); err != nil {
				return errors.Wrap(err, "read-modify-write edge block")
			}
		}
		copy(buf[inBlock:inBlock+chunk], p[n:n+chunk])
		if err := b.Dev.WriteBlocks(buf, lba, 1); err != nil {
			return err
		}
		n += chunk
	}
	return nil
}
