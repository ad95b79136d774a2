package ext4fs

import (
	"github.com/embext/goext4/pkg/directory"
	"github.com/embext/goext4/pkg/errno"
	"github.com/embext/goext4/pkg/extent"
	"github.com/embext/goext4/pkg/inode"
	"github.com/embext/goext4/pkg/ondisk"
)

func (fs *FS) extentTreeOf(ref *inode.Ref) *extent.Tree {
	return extent.Open(fs.v, ref, fs.blocks)
}

// Stat is the subset of an inode's metadata a caller can observe without
// reaching for the lower-level packages directly.
type Stat struct {
	Inode   int64
	Mode    uint16
	Size    int64
	Links   uint16
	UID     uint16
	GID     uint16
	ATime   uint32
	MTime   uint32
	CTime   uint32
	IsDir   bool
	IsLink  bool
}

func statOf(ino int64, ref *inode.Ref) Stat {
	return Stat{
		Inode:  ino,
		Mode:   ref.Base.Permissions,
		Size:   ref.Base.Size(),
		Links:  ref.Base.Links,
		UID:    ref.Base.UID,
		GID:    ref.Base.GID,
		ATime:  ref.Base.LastAccessTime,
		MTime:  ref.Base.ModificationTime,
		CTime:  ref.Base.CreationTime,
		IsDir:  ref.Base.IsDir(),
		IsLink: ref.Base.IsSymlink(),
	}
}

// Stat resolves path and returns its metadata.
func (fs *FS) Stat(path string) (Stat, error) {
	ref, err := fs.resolve(path)
	if err != nil {
		return Stat{}, err
	}
	defer ref.Put(false)
	return statOf(ref.Num, ref), nil
}

// ReadDir lists a directory's entries (skipping "." and "..").
func (fs *FS) ReadDir(path string) ([]directory.Entry, error) {
	ref, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	defer ref.Put(false)
	if !ref.Base.IsDir() {
		return nil, errno.New(errno.ENOTDIR)
	}

	entries, err := directory.Open(fs.v, ref, fs.blocks).List()
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			out = append(out, e)
		}
	}
	return out, nil
}

func (fs *FS) groupOfInode(ino int64) int64 {
	return (ino - 1) / int64(fs.v.SB.InodesPerGroup)
}

// newInode allocates an inode number and a bare Ref for it, initializing
// the mode/link/time fields a fresh file or directory needs before its
// first directory entry is linked.
func (fs *FS) newInode(parent int64, dir bool, mode uint16) (*inode.Ref, error) {
	var num int64
	var err error
	if dir {
		num, err = fs.inos.AllocDir(fs.groupOfInode(parent))
	} else {
		num, err = fs.inos.AllocFile(fs.groupOfInode(parent))
	}
	if err != nil {
		return nil, err
	}

	ref, err := fs.inodes.Get(num)
	if err != nil {
		return nil, err
	}
	ref.Base.Permissions = mode
	ref.Base.Links = 1
	ref.Base.Flags |= ondisk.InodeFlagExtents
	return ref, nil
}

// Mkdir creates an empty directory at path, linking "." and "..".
func (fs *FS) Mkdir(path string, mode uint16) error {
	if fs.v.ReadOnly {
		return errno.New(errno.EROFS)
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

		child, err := fs.newInode(parent.Num, true, mode|ondisk.InodeTypeDirectory)
		if err != nil {
			return err
		}
		d := directory.Open(fs.v, child, fs.blocks)
		if err := d.Add(".", child.Num, ondisk.FTypeDir); err != nil {
			child.Put(false)
			return err
		}
		if err := d.Add("..", parent.Num, ondisk.FTypeDir); err != nil {
			child.Put(false)
			return err
		}
		child.Base.Links = 2
		if err := child.Put(true); err != nil {
			return err
		}

		if err := directory.Open(fs.v, parent, fs.blocks).Add(name, child.Num, ondisk.FTypeDir); err != nil {
			return err
		}
		parent.Base.Links++
		parent.Put(true)
		return nil
	})
}

// Create makes an empty regular file at path and returns it open.
func (fs *FS) Create(path string, mode uint16) (*File, error) {
	if fs.v.ReadOnly {
		return nil, errno.New(errno.EROFS)
	}
	var f *File
	err := fs.transact(func() error {
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

		child, err := fs.newInode(parent.Num, false, mode|ondisk.InodeTypeRegularFile)
		if err != nil {
			return err
		}
		childNum := child.Num
		if err := child.Put(true); err != nil {
			return err
		}

		return directory.Open(fs.v, parent, fs.blocks).Add(name, childNum, ondisk.FTypeRegular)
	})
	if err != nil {
		return nil, err
	}
	return fs.Open(path)
}

// Remove unlinks a regular file, freeing its inode and blocks once its
// link count reaches zero.
func (fs *FS) Remove(path string) error {
	if fs.v.ReadOnly {
		return errno.New(errno.EROFS)
	}
	return fs.transact(func() error {
		parent, name, err := fs.resolveParent(path)
		if err != nil {
			return err
		}
		defer parent.Put(false)

		ent, ok, err := directory.Open(fs.v, parent, fs.blocks).Find(name)
		if err != nil {
			return err
		}
		if !ok {
			return errno.New(errno.ENOENT)
		}

		child, err := fs.inodes.Get(ent.Inode)
		if err != nil {
			return err
		}
		if child.Base.IsDir() {
			child.Put(false)
			return errno.New(errno.EISDIR)
		}

		if err := directory.Open(fs.v, parent, fs.blocks).Remove(name); err != nil {
			child.Put(false)
			return err
		}

		child.Base.Links--
		if child.Base.Links == 0 {
			if err := fs.freeInodeBlocks(child); err != nil {
				child.Put(false)
				return err
			}
			if err := fs.inos.Free(child.Num, false); err != nil {
				child.Put(false)
				return err
			}
		}
		return child.Put(true)
	})
}

// Rmdir removes an empty directory (besides "." and "..").
func (fs *FS) Rmdir(path string) error {
	if fs.v.ReadOnly {
		return errno.New(errno.EROFS)
	}
	return fs.transact(func() error {
		parent, name, err := fs.resolveParent(path)
		if err != nil {
			return err
		}
		defer parent.Put(false)

		ent, ok, err := directory.Open(fs.v, parent, fs.blocks).Find(name)
		if err != nil {
			return err
		}
		if !ok {
			return errno.New(errno.ENOENT)
		}

		child, err := fs.inodes.Get(ent.Inode)
		if err != nil {
			return err
		}
		if !child.Base.IsDir() {
			child.Put(false)
			return errno.New(errno.ENOTDIR)
		}

		entries, err := directory.Open(fs.v, child, fs.blocks).List()
		if err != nil {
			child.Put(false)
			return err
		}
		for _, e := range entries {
			if e.Name != "." && e.Name != ".." {
				child.Put(false)
				return errno.New(errno.ENOTEMPTY)
			}
		}

		if err := directory.Open(fs.v, parent, fs.blocks).Remove(name); err != nil {
			child.Put(false)
			return err
		}
		parent.Base.Links--

		if err := fs.freeInodeBlocks(child); err != nil {
			child.Put(false)
			return err
		}
		if err := fs.inos.Free(child.Num, true); err != nil {
			child.Put(false)
			return err
		}
		if err := child.Put(false); err != nil {
			return err
		}
		return parent.Put(true)
	})
}

// freeInodeBlocks releases every block an inode's extent tree maps before
// the inode itself is freed.
func (fs *FS) freeInodeBlocks(ref *inode.Ref) error {
	size := ref.Base.Size()
	if size == 0 {
		return nil
	}
	bs := int64(fs.v.BlockSize())
	tree := fs.extentTreeOf(ref)
	return tree.RemoveRange(0, divideUp(size, bs))
}

// Rename moves or renames oldPath to newPath. An existing target is not
// replaced: if newPath already exists, Rename fails with EEXIST.
func (fs *FS) Rename(oldPath, newPath string) error {
	if fs.v.ReadOnly {
		return errno.New(errno.EROFS)
	}
	return fs.transact(func() error {
		oldParent, oldName, err := fs.resolveParent(oldPath)
		if err != nil {
			return err
		}
		defer oldParent.Put(false)

		ent, ok, err := directory.Open(fs.v, oldParent, fs.blocks).Find(oldName)
		if err != nil {
			return err
		}
		if !ok {
			return errno.New(errno.ENOENT)
		}

		newParent, newName, err := fs.resolveParent(newPath)
		if err != nil {
			return err
		}
		defer newParent.Put(false)

		ftype := ondisk.FTypeRegular
		if st, err := fs.Stat(oldPath); err == nil && st.IsDir {
			ftype = ondisk.FTypeDir
		}

		if _, ok, err := directory.Open(fs.v, newParent, fs.blocks).Find(newName); err != nil {
			return err
		} else if ok {
			return errno.New(errno.EEXIST)
		}

		if err := directory.Open(fs.v, oldParent, fs.blocks).Remove(oldName); err != nil {
			return err
		}
		return directory.Open(fs.v, newParent, fs.blocks).Add(newName, ent.Inode, uint8(ftype))
	})
}
