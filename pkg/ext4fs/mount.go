// Package ext4fs is the mount/unmount and POSIX-style facade of spec.md
// §3/§5: it loads the superblock and block group descriptor table off a
// host-supplied blockdev.Device, wires up the cache, allocators, inode
// store, and optional journal, and exposes path-based open/read/write/
// mkdir/rename/stat/xattr operations plus a read-only consistency scan.
// Superblock/BGDT loading is grounded on the teacher's
// pkg/vdecompiler.IO.Superblock/BGDT (there read-only and decompiler-
// oriented; here the basis for a full read/write mount), and path
// resolution on pkg/vdecompiler.IO.ResolvePathToInodeNo/Readdir, rebuilt
// atop pkg/directory instead of a one-shot block scan.
package ext4fs

import (
	"github.com/pkg/errors"

	"github.com/embext/goext4/pkg/alloc"
	"github.com/embext/goext4/pkg/blockdev"
	"github.com/embext/goext4/pkg/bcache"
	"github.com/embext/goext4/pkg/elog"
	"github.com/embext/goext4/pkg/errno"
	"github.com/embext/goext4/pkg/inode"
	"github.com/embext/goext4/pkg/journal"
	"github.com/embext/goext4/pkg/ondisk"
	"github.com/embext/goext4/pkg/volume"
)

// MountOptions configures a Mount call. CacheCapacity and Log default to
// sane values (256 buffers, a no-op logger) when left zero/nil.
type MountOptions struct {
	ReadOnly      bool
	CacheCapacity int
	WriteThrough  bool
	Log           elog.Logger
	SkipRecovery  bool // for fsck-lite style tools that want the log untouched
}

// FS is a mounted filesystem: a bundle of the shared volume context plus
// the package-level stores (inode, block/inode allocators, journal) every
// path operation goes through.
type FS struct {
	v       *volume.Volume
	inodes  *inode.Store
	blocks  *alloc.BlockAllocator
	inos    *alloc.InodeAllocator
	journal *journal.Journal
	tx      *journal.Transaction
	opts    MountOptions
}

// Mount reads the superblock and block group descriptor table off dev,
// validates the feature bits this core supports, builds the block cache,
// and — unless the journal is absent, the mount is read-only, or recovery
// is explicitly skipped — replays any pending transactions before the
// filesystem is usable.
func Mount(dev blockdev.Device, opts MountOptions) (*FS, error) {
	blockSize, _, _, err := dev.Open()
	if err != nil {
		return nil, errors.Wrap(err, "opening block device")
	}

	byteIO := &blockdev.ByteIO{Dev: dev, BlockSize: blockSize}
	sbBuf := make([]byte, ondisk.SuperblockSize)
	if err := byteIO.ReadBytes(sbBuf, ondisk.SuperblockOffset); err != nil {
		return nil, errors.Wrap(err, "reading superblock")
	}
	sb, err := ondisk.Decode(sbBuf)
	if err != nil {
		return nil, err
	}

	if unsupported := sb.FeatureIncompat &^ ondisk.SupportedIncompat; unsupported != 0 {
		return nil, errno.Wrap(errno.ENOTSUP, nil, "unsupported incompat features: 0x%x", unsupported)
	}
	if !opts.ReadOnly {
		if unsupported := sb.FeatureROCompat &^ ondisk.SupportedROCompat; unsupported != 0 {
			return nil, errno.Wrap(errno.ENOTSUP, nil, "unsupported ro_compat features for read-write mount: 0x%x", unsupported)
		}
	}

	fsBlockSize := int(sb.BlockSize())
	capacity := opts.CacheCapacity
	if capacity <= 0 {
		capacity = 256
	}
	cache := bcache.New(dev, fsBlockSize, capacity, opts.WriteThrough)

	// When the block size is 1024 bytes the superblock (bytes 1024-2047)
	// occupies the whole of block 1, pushing the BGDT to block 2; for
	// larger block sizes the superblock lives inside block 0 and the
	// BGDT starts immediately after it at block 1.
	firstBGDTBlock := int64(1)
	if sb.LogBlockSize == 0 {
		firstBGDTBlock = 2
	}
	descSize := sb.DescriptorSize()
	groupCount := int(sb.TotalGroups())
	bgdtBytes := groupCount * descSize
	bgdtBlocks := int(ondisk.Divide(int64(bgdtBytes), int64(fsBlockSize)))

	bgdtBuf := make([]byte, bgdtBlocks*fsBlockSize)
	for i := 0; i < bgdtBlocks; i++ {
		if err := dev.ReadBlocks(bgdtBuf[i*fsBlockSize:(i+1)*fsBlockSize], firstBGDTBlock+int64(i), 1); err != nil {
			return nil, errors.Wrap(err, "reading block group descriptor table")
		}
	}
	groups, err := ondisk.DecodeGroups(bgdtBuf, groupCount, descSize)
	if err != nil {
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = elog.Nop{}
	}

	v := volume.New(dev, cache, log, sb, groups, descSize, opts.ReadOnly)

	fs := &FS{
		v:      v,
		inodes: inode.NewStore(v),
		blocks: alloc.NewBlockAllocator(v),
		inos:   alloc.NewInodeAllocator(v),
		opts:   opts,
	}
	// Route every bitmap/BGDT buffer the allocators and Volume.MarkGroupDirty
	// touch through the same transaction-awareness other metadata writes
	// get, so a journal (opened below, if present) logs them before they
	// reach their home location.
	v.DirtyTracker = fs.trackDirty

	if sb.HasCompat(ondisk.CompatHasJournal) && !opts.ReadOnly {
		j, err := journal.Open(v, fs.blocks, fs.inodes, ondisk.JournalInodeNo)
		if err != nil {
			return nil, errors.Wrap(err, "opening journal")
		}
		fs.journal = j
		if !opts.SkipRecovery {
			if err := j.Recover(); err != nil {
				return nil, errors.Wrap(err, "replaying journal")
			}
		}
	}

	return fs, nil
}

// Unmount flushes the superblock, block group descriptor table, and every
// dirty cache buffer, then closes the device.
func (fs *FS) Unmount() error {
	return fs.v.Unmount()
}

// Sync flushes pending metadata without closing the device.
func (fs *FS) Sync() error {
	if err := fs.v.Sync(); err != nil {
		return err
	}
	return fs.v.Cache.Flush()
}
