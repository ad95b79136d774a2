package alloc

import (
	"github.com/embext/goext4/pkg/errno"
	"github.com/embext/goext4/pkg/volume"
)

// BlockAllocator implements goal-directed block allocation/free over a
// mounted Volume's per-group block bitmaps, per spec.md §4.2.
type BlockAllocator struct {
	v *volume.Volume
}

func NewBlockAllocator(v *volume.Volume) *BlockAllocator { return &BlockAllocator{v: v} }

func (a *BlockAllocator) blocksPerGroup() int64 { return int64(a.v.SB.BlocksPerGroup) }

// blockToGroup returns the group index and the in-group bit offset for an
// absolute physical block number.
func (a *BlockAllocator) blockToGroup(block int64) (group, bit int64) {
	rel := block - a.v.FirstDataBlock()
	return rel / a.blocksPerGroup(), rel % a.blocksPerGroup()
}

func (a *BlockAllocator) groupBlock(group, bit int64) int64 {
	return a.v.FirstDataBlock() + group*a.blocksPerGroup() + bit
}

// Alloc allocates one free block, preferring the exact goal LBA, then a
// forward scan within the goal's group, then a round-robin scan of all
// other groups starting from the goal's group.
func (a *BlockAllocator) Alloc(goal int64) (int64, error) {
	if goal <= 0 || goal >= int64(a.v.SB.TotalBlocks64()) {
		goal = a.v.FirstDataBlock()
	}
	goalGroup, goalBit := a.blockToGroup(goal)
	groups := int64(len(a.v.Groups))

	if blk, ok, err := a.tryGroupFrom(goalGroup, goalBit); err != nil {
		return 0, err
	} else if ok {
		return blk, nil
	}

	for off := int64(1); off < groups; off++ {
		g := (goalGroup + off) % groups
		if blk, ok, err := a.tryGroupFrom(g, 0); err != nil {
			return 0, err
		} else if ok {
			return blk, nil
		}
	}

	return 0, errno.New(errno.ENOSPC)
}

// tryGroupFrom attempts to claim a free bit in group g starting the scan at
// bit `from`, wrapping to the start of the group if nothing is found after
// `from` (so a goal in the middle of a group still finds free space before
// it). On success it marks the bit set, updates the group/superblock free
// counters, recomputes checksums, and marks the bitmap block dirty.
func (a *BlockAllocator) tryGroupFrom(g, from int64) (int64, bool, error) {
	grp, err := a.v.Group(g)
	if err != nil {
		return 0, false, err
	}
	if grp.FreeBlocks() == 0 {
		return 0, false, nil
	}

	b, err := a.v.ReadBlock(int64(grp.BlockBitmap()))
	if err != nil {
		return 0, false, err
	}
	defer a.v.Release(b)

	limit := a.blocksPerGroup()
	bit, ok := findFirstZero(b.Data, from, limit)
	if !ok && from > 0 {
		bit, ok = findFirstZero(b.Data, 0, from)
	}
	if !ok {
		return 0, false, nil
	}

	setBit(b.Data, bit)
	a.v.TrackDirty(b)
	grp.SetFreeBlocks(grp.FreeBlocks() - 1)
	a.v.SB.SetFreeBlocks64(a.v.SB.FreeBlocks64() - 1)
	a.v.MarkSuperDirty()
	if err := a.v.MarkGroupDirty(g); err != nil {
		return 0, false, err
	}

	return a.groupBlock(g, bit), true, nil
}

// Free clears the bitmap bit for block, increments free counters, and
// invalidates any cached buffer for it so a subsequent reallocation as
// data is never shadowed by stale cached metadata (spec.md §4.2).
func (a *BlockAllocator) Free(block int64) error {
	g, bit := a.blockToGroup(block)
	grp, err := a.v.Group(g)
	if err != nil {
		return err
	}

	b, err := a.v.ReadBlock(int64(grp.BlockBitmap()))
	if err != nil {
		return err
	}
	if !testBit(b.Data, bit) {
		a.v.Release(b)
		return errno.Wrap(errno.ECORRUPT, nil, "double free of block %d", block)
	}
	clearBit(b.Data, bit)
	a.v.TrackDirty(b)
	if err := a.v.Release(b); err != nil {
		return err
	}

	grp.SetFreeBlocks(grp.FreeBlocks() + 1)
	a.v.SB.SetFreeBlocks64(a.v.SB.FreeBlocks64() + 1)
	a.v.MarkSuperDirty()
	if err := a.v.MarkGroupDirty(g); err != nil {
		return err
	}

	a.v.Cache.InvalidateRange(block, 1)
	return nil
}

// FreeRange frees a contiguous run of count blocks starting at start.
func (a *BlockAllocator) FreeRange(start int64, count int64) error {
	for i := int64(0); i < count; i++ {
		if err := a.Free(start + i); err != nil {
			return err
		}
	}
	return nil
}
