// Package volume holds the process-wide, mount-lifetime state spec.md §3
// describes for the superblock and block group descriptor table: it is the
// shared context every other package (alloc, inode, extent, directory,
// journal, ext4fs) is handed rather than reaching for ambient singletons,
// per spec.md §9's design note on modeling global state as an explicit
// context.
package volume

import (
	"github.com/pkg/errors"

	"github.com/embext/goext4/pkg/bcache"
	"github.com/embext/goext4/pkg/blockdev"
	"github.com/embext/goext4/pkg/elog"
	"github.com/embext/goext4/pkg/errno"
	"github.com/embext/goext4/pkg/ondisk"
)

// Volume bundles the cache, superblock, and block group descriptor table
// that together make up a mounted filesystem's in-core state. Its
// lifecycle is mount -> unmount (spec.md §3 "Lifecycles").
type Volume struct {
	Dev   blockdev.Device
	Cache *bcache.Cache
	Log   elog.Logger

	SB       *ondisk.Superblock
	Groups   []*ondisk.Group
	descSize int

	ReadOnly bool
	sbDirty  bool

	// DirtyTracker, when set, is called in place of a bare b.MarkDirty()
	// for every metadata buffer TrackDirty touches: bitmap blocks from
	// the allocators and the block group descriptor table. A mounted
	// filesystem with an open journal wires this to register the buffer
	// with the current transaction (pkg/ext4fs's trackDirty) so bitmap
	// and BGDT writes are logged before they reach their home location
	// instead of silently bypassing the journal. Nil means no journal is
	// in play and TrackDirty falls back to a plain MarkDirty.
	DirtyTracker func(*bcache.Buffer)
}

// New assembles a Volume from an already-decoded superblock and group
// descriptor table plus a cache bound to dev. descSize must be
// sb.DescriptorSize(); it is kept on Volume (rather than recomputed from
// SB on every use) because a handful of 32-bit images set DescriptorSize
// to the legacy 32 rather than the 64-bit-feature value, and callers that
// computed it once from the mount-time feature set should not have that
// silently re-derived differently later if SB is mutated in place.
func New(dev blockdev.Device, cache *bcache.Cache, log elog.Logger, sb *ondisk.Superblock, groups []*ondisk.Group, descSize int, readOnly bool) *Volume {
	return &Volume{
		Dev:      dev,
		Cache:    cache,
		Log:      log,
		SB:       sb,
		Groups:   groups,
		descSize: descSize,
		ReadOnly: readOnly,
	}
}

// BlockSize is the filesystem block size in bytes.
func (v *Volume) BlockSize() int { return v.Cache.BlockSize() }

// ReadBlock returns the cached buffer for physical block lba, reading it
// through the cache on a miss. Caller must Release it.
func (v *Volume) ReadBlock(lba int64) (*bcache.Buffer, error) {
	return v.Cache.GetOrRead(lba)
}

// NewBlock returns an uninitialized (but cache-resident) buffer for lba,
// for callers about to overwrite the block wholesale.
func (v *Volume) NewBlock(lba int64) (*bcache.Buffer, error) {
	b, err := v.Cache.GetNoRead(lba)
	if err != nil {
		return nil, err
	}
	b.Flags |= bcache.FlagUptodate
	return b, nil
}

// Release returns a buffer to the cache.
func (v *Volume) Release(b *bcache.Buffer) error {
	if v.ReadOnly {
		b.Flags &^= bcache.FlagDirty
	}
	return v.Cache.Release(b)
}

// Group returns the block group descriptor for group index g.
func (v *Volume) Group(g int64) (*ondisk.Group, error) {
	if g < 0 || g >= int64(len(v.Groups)) {
		return nil, errno.Wrap(errno.ECORRUPT, nil, "block group %d out of range", g)
	}
	return v.Groups[g], nil
}

// MarkGroupDirty recomputes a group descriptor's checksum (if enabled) and
// flags its containing BGDT block dirty; the caller must have already
// mutated the Group in place.
func (v *Volume) MarkGroupDirty(g int64) error {
	grp, err := v.Group(g)
	if err != nil {
		return err
	}
	if v.SB.MetadataChecksumEnabled() {
		grp.UpdateChecksum(v.SB.UUID, uint32(g), v.descSize)
	}
	return v.writeBGDTGroup(g)
}

// TrackDirty marks b dirty, routing through DirtyTracker when one is set
// so bitmap/descriptor writes participate in the same journal-commit
// tracking as every other mutation path instead of bypassing it.
func (v *Volume) TrackDirty(b *bcache.Buffer) {
	if v.DirtyTracker != nil {
		v.DirtyTracker(b)
		return
	}
	b.MarkDirty()
}

// MarkSuperDirty flags the superblock for rewrite at the next Sync.
func (v *Volume) MarkSuperDirty() { v.sbDirty = true }

// DescriptorSize reports the on-disk size of one group descriptor entry.
func (v *Volume) DescriptorSize() int { return v.descSize }

// FirstDataBlock is the LBA of the first usable block (1 for 1KiB blocks,
// 0 otherwise).
func (v *Volume) FirstDataBlock() int64 { return int64(v.SB.FirstDataBlock) }

// GroupFirstBlock returns the first physical block belonging to group g.
func (v *Volume) GroupFirstBlock(g int64) int64 {
	return v.FirstDataBlock() + g*int64(v.SB.BlocksPerGroup)
}

// writeBGDTGroup writes group g's descriptor bytes into the cached BGDT
// block(s) immediately following the superblock.
func (v *Volume) writeBGDTGroup(g int64) error {
	perBlock := v.BlockSize() / v.descSize
	blockIdx := g / int64(perBlock)
	within := int(g % int64(perBlock))

	bgdtFirst := v.FirstDataBlock() + 1 // block group 0's BGDT starts right after the superblock's block
	lba := bgdtFirst + blockIdx

	b, err := v.ReadBlock(lba)
	if err != nil {
		return err
	}
	copy(b.Data[within*v.descSize:], v.Groups[g].Encode(v.descSize))
	v.TrackDirty(b)
	return v.Release(b)
}

// Sync writes back a dirty superblock (primary copy); callers flush the
// cache separately.
func (v *Volume) Sync() error {
	if !v.sbDirty {
		return nil
	}
	buf := v.SB.Encode()
	bio := blockdev.ByteIO{Dev: v.Dev, BlockSize: v.BlockSize()}
	if err := bio.WriteBytes(buf, ondisk.SuperblockOffset); err != nil {
		return errors.Wrap(err, "writing superblock")
	}
	v.sbDirty = false
	return nil
}

// Unmount flushes the cache and writes back the superblock.
func (v *Volume) Unmount() error {
	if err := v.Sync(); err != nil {
		return err
	}
	if err := v.Cache.Flush(); err != nil {
		return err
	}
	return v.Dev.Close()
}
