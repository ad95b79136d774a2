package ext4fs

import (
	"github.com/embext/goext4/pkg/errno"
	"github.com/embext/goext4/pkg/extent"
	"github.com/embext/goext4/pkg/inode"
)

// File is an open regular-file handle: an inode Ref (held pinned for the
// handle's lifetime) plus its extent tree, read/written at caller-chosen
// offsets. There is no persistent seek cursor; callers track their own
// offset, unlike the original lwext4 ext4_fread/ext4_fwrite, whose file
// handle carries its own position.
type File struct {
	fs    *FS
	ref   *inode.Ref
	tree  *extent.Tree
	dirty bool
}

// Open resolves path to a regular file and returns a handle. The caller
// must Close it.
func (fs *FS) Open(path string) (*File, error) {
	ref, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	if ref.Base.IsDir() {
		ref.Put(false)
		return nil, errno.New(errno.EISDIR)
	}
	return &File{fs: fs, ref: ref, tree: extent.Open(fs.v, ref, fs.blocks)}, nil
}

// Close persists any metadata changes (size growth, truncation) and
// releases the underlying inode reference. Block writes made via WriteAt
// are already durable in the cache by the time Close runs.
func (f *File) Close() error {
	return f.ref.Put(f.dirty)
}

// Size reports the file's current byte length.
func (f *File) Size() int64 { return f.ref.Base.Size() }

// ReadAt reads into p starting at off, short-reading (and returning
// io.EOF-equivalent via a shortened slice, not an error) when the read
// crosses the current end of file.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	size := f.Size()
	if off >= size {
		return 0, nil
	}
	if off+int64(len(p)) > size {
		p = p[:size-off]
	}

	bs := int64(f.fs.v.BlockSize())
	n := 0
	for n < len(p) {
		abs := off + int64(n)
		lblock := abs / bs
		inBlock := int(abs % bs)

		m, err := f.tree.Lookup(lblock)
		if err != nil {
			return n, err
		}
		chunk := int(bs) - inBlock
		if chunk > len(p)-n {
			chunk = len(p) - n
		}

		if !m.Found || m.Unwritten {
			for i := 0; i < chunk; i++ {
				p[n+i] = 0
			}
		} else {
			b, err := f.fs.v.ReadBlock(m.Physical)
			if err != nil {
				return n, err
			}
			copy(p[n:n+chunk], b.Data[inBlock:inBlock+chunk])
			f.fs.v.Release(b)
		}
		n += chunk
	}
	return n, nil
}

// WriteAt writes p at off, allocating and mapping new blocks as needed and
// growing the file's recorded size. Every touched block is registered with
// the filesystem's open journal transaction, if any (see FS.transact).
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.fs.v.ReadOnly {
		return 0, errno.New(errno.EROFS)
	}
	var n int
	err := f.fs.transact(func() error {
		var werr error
		n, werr = f.writeAtLocked(p, off)
		return werr
	})
	return n, err
}

func (f *File) writeAtLocked(p []byte, off int64) (int, error) {
	bs := int64(f.fs.v.BlockSize())
	n := 0
	for n < len(p) {
		abs := off + int64(n)
		lblock := abs / bs
		inBlock := int(abs % bs)
		chunk := int(bs) - inBlock
		if chunk > len(p)-n {
			chunk = len(p) - n
		}

		m, err := f.tree.Lookup(lblock)
		if err != nil {
			return n, err
		}
		if !m.Found {
			phys, err := f.fs.blocks.Alloc(0)
			if err != nil {
				return n, err
			}
			if err := f.tree.Insert(lblock, phys, 1, false); err != nil {
				return n, err
			}
			m.Physical = phys
		}

		b, err := f.fs.v.ReadBlock(m.Physical)
		if err != nil {
			return n, err
		}
		copy(b.Data[inBlock:inBlock+chunk], p[n:n+chunk])
		f.fs.trackDirty(b)
		if err := f.fs.v.Release(b); err != nil {
			return n, err
		}

		n += chunk
	}

	if end := off + int64(len(p)); end > f.Size() {
		f.ref.Base.SetSize(end)
	}
	f.dirty = true
	return n, nil
}

// Truncate changes the file's size, freeing any blocks beyond the new
// length.
func (f *File) Truncate(size int64) error {
	if f.fs.v.ReadOnly {
		return errno.New(errno.EROFS)
	}
	return f.fs.transact(func() error {
		bs := int64(f.fs.v.BlockSize())
		oldSize := f.Size()
		if size < oldSize {
			firstFreed := divideUp(size, bs)
			lastBlock := divideUp(oldSize, bs)
			if err := f.tree.RemoveRange(firstFreed, lastBlock); err != nil {
				return err
			}
		}
		f.ref.Base.SetSize(size)
		f.dirty = true
		return nil
	})
}

func divideUp(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
