package ext4fs

import (
	"github.com/embext/goext4/pkg/directory"
	"github.com/embext/goext4/pkg/errno"
	"github.com/embext/goext4/pkg/ondisk"
)

// fastSymlinkLimit is the longest target that fits directly in an inode's
// 60-byte Block field (the "fast symlink" case); anything longer spills
// into a single data block instead, mirroring the on-disk distinction
// pkg/vdecompiler.IO.inInodeSymlink reads back out of Sectors == 0.
const fastSymlinkLimit = 60

// Symlink creates a symbolic link at path pointing at target.
func (fs *FS) Symlink(target, path string) error {
	if fs.v.ReadOnly {
		return errno.New(errno.EROFS)
	}
	if len(target) == 0 {
		return errno.New(errno.EINVAL)
	}
	return fs.transact(func() error {
		parent, name, err := fs.resolveParent(path)
		if err != nil {
			return err
		}
		defer parent.Put(false)

		if _, ok, err := directory.Open(fs.v, parent, fs.blocks).Find(name); err != nil {
			return err
		} else if ok {
			return errno.New(errno.EEXIST)
		}

		child, err := fs.newInode(parent.Num, false, 0777|ondisk.InodeTypeSymlink)
		if err != nil {
			return err
		}
		// Fast symlinks never carry the extents flag: the Block field holds
		// the raw target bytes, not an extent tree root.
		child.Base.Flags &^= ondisk.InodeFlagExtents

		if len(target) <= fastSymlinkLimit {
			copy(child.Base.Block[:], target)
			child.Base.SetSize(int64(len(target)))
		} else {
			child.Base.Flags |= ondisk.InodeFlagExtents
			tree := fs.extentTreeOf(child)
			bs := int64(fs.v.BlockSize())
			phys, err := fs.blocks.Alloc(0)
			if err != nil {
				child.Put(false)
				return err
			}
			if err := tree.Insert(0, phys, 1, false); err != nil {
				child.Put(false)
				return err
			}
			b, err := fs.v.ReadBlock(phys)
			if err != nil {
				child.Put(false)
				return err
			}
			copy(b.Data, target)
			for i := len(target); i < len(b.Data) && i < int(bs); i++ {
				b.Data[i] = 0
			}
			fs.trackDirty(b)
			if err := fs.v.Release(b); err != nil {
				child.Put(false)
				return err
			}
			child.Base.SetSize(int64(len(target)))
		}

		childNum := child.Num
		if err := child.Put(true); err != nil {
			return err
		}
		return directory.Open(fs.v, parent, fs.blocks).Add(name, childNum, ondisk.FTypeSymlink)
	})
}

// Readlink returns the target a symbolic link at path points to.
func (fs *FS) Readlink(path string) (string, error) {
	ref, err := fs.resolve(path)
	if err != nil {
		return "", err
	}
	defer ref.Put(false)

	if !ref.Base.IsSymlink() {
		return "", errno.New(errno.EINVAL)
	}

	size := ref.Base.Size()
	if !ref.Base.UsesExtents() {
		if size > int64(len(ref.Base.Block)) {
			size = int64(len(ref.Base.Block))
		}
		return string(ref.Base.Block[:size]), nil
	}

	tree := fs.extentTreeOf(ref)
	m, err := tree.Lookup(0)
	if err != nil {
		return "", err
	}
	if !m.Found || m.Unwritten {
		return "", errno.New(errno.ECORRUPT)
	}
	b, err := fs.v.ReadBlock(m.Physical)
	if err != nil {
		return "", err
	}
	defer fs.v.Release(b)
	if size > int64(len(b.Data)) {
		size = int64(len(b.Data))
	}
	return string(b.Data[:size]), nil
}
