package alloc

import (
	"github.com/embext/goext4/pkg/errno"
	"github.com/embext/goext4/pkg/volume"
)

// InodeAllocator allocates and frees inode numbers from the per-group
// inode bitmaps, per spec.md §4.2. Directory inodes use the Orlov spread
// heuristic (pick an under-loaded group rather than the parent's own
// group) so a large tree's directories fan out across the disk instead
// of clustering; regular files are placed in the parent directory's own
// group to keep a directory's files close together.
type InodeAllocator struct {
	v *volume.Volume
}

func NewInodeAllocator(v *volume.Volume) *InodeAllocator { return &InodeAllocator{v: v} }

func (a *InodeAllocator) inodesPerGroup() int64 { return int64(a.v.SB.InodesPerGroup) }

func (a *InodeAllocator) groupOfInode(ino int64) int64 {
	return (ino - 1) / a.inodesPerGroup()
}

func (a *InodeAllocator) bitOfInode(ino int64) int64 {
	return (ino - 1) % a.inodesPerGroup()
}

func (a *InodeAllocator) inodeNumber(group, bit int64) int64 {
	return group*a.inodesPerGroup() + bit + 1
}

// AllocDir picks a block group for a new directory inode using the Orlov
// heuristic and claims a free bit in it. parentGroup is the group housing
// the new directory's parent (ignored for the root / lost+found, pass -1).
func (a *InodeAllocator) AllocDir(parentGroup int64) (int64, error) {
	groups := int64(len(a.v.Groups))

	var totalFree, totalDirs int64
	for g := int64(0); g < groups; g++ {
		grp, err := a.v.Group(g)
		if err != nil {
			return 0, err
		}
		totalFree += int64(grp.FreeInodes())
		totalDirs += int64(grp.Base.Directories)
	}
	if totalFree == 0 {
		return 0, errno.New(errno.ENOSPC)
	}
	avgDirs := totalDirs / groups

	best := int64(-1)
	var bestFree uint32
	for off := int64(0); off < groups; off++ {
		g := off
		if parentGroup >= 0 {
			g = (parentGroup + off) % groups
		}
		grp, err := a.v.Group(g)
		if err != nil {
			return 0, err
		}
		if grp.FreeInodes() == 0 {
			continue
		}
		if int64(grp.Base.Directories) > avgDirs {
			continue
		}
		if best < 0 || grp.FreeInodes() > bestFree {
			best = g
			bestFree = grp.FreeInodes()
		}
	}
	if best < 0 {
		// Every group is at or above the average directory density;
		// fall back to whichever group has the most free inodes.
		for g := int64(0); g < groups; g++ {
			grp, err := a.v.Group(g)
			if err != nil {
				return 0, err
			}
			if grp.FreeInodes() == 0 {
				continue
			}
			if best < 0 || grp.FreeInodes() > bestFree {
				best = g
				bestFree = grp.FreeInodes()
			}
		}
	}
	if best < 0 {
		return 0, errno.New(errno.ENOSPC)
	}

	ino, err := a.claimIn(best)
	if err != nil {
		return 0, err
	}
	grp, err := a.v.Group(best)
	if err != nil {
		return 0, err
	}
	grp.Base.Directories++
	if err := a.v.MarkGroupDirty(best); err != nil {
		return 0, err
	}
	return ino, nil
}

// AllocFile claims an inode for a non-directory entry, preferring the
// parent directory's own group, falling back to the emptiest group.
func (a *InodeAllocator) AllocFile(parentGroup int64) (int64, error) {
	groups := int64(len(a.v.Groups))

	grp, err := a.v.Group(parentGroup)
	if err == nil && grp.FreeInodes() > 0 {
		if ino, err := a.claimIn(parentGroup); err == nil {
			return ino, nil
		}
	}

	var best int64 = -1
	var bestFree uint32
	for g := int64(0); g < groups; g++ {
		grp, err := a.v.Group(g)
		if err != nil {
			return 0, err
		}
		if grp.FreeInodes() == 0 {
			continue
		}
		if best < 0 || grp.FreeInodes() > bestFree {
			best = g
			bestFree = grp.FreeInodes()
		}
	}
	if best < 0 {
		return 0, errno.New(errno.ENOSPC)
	}
	return a.claimIn(best)
}

// claimIn sets the first free bit in group g's inode bitmap and updates
// the group/superblock free-inode counters. The caller is responsible for
// any directory-count bookkeeping on the group.
func (a *InodeAllocator) claimIn(g int64) (int64, error) {
	grp, err := a.v.Group(g)
	if err != nil {
		return 0, err
	}
	if grp.FreeInodes() == 0 {
		return 0, errno.New(errno.ENOSPC)
	}

	b, err := a.v.ReadBlock(int64(grp.InodeBitmap()))
	if err != nil {
		return 0, err
	}
	defer a.v.Release(b)

	limit := a.inodesPerGroup()
	bit, ok := findFirstZero(b.Data, 0, limit)
	if !ok {
		return 0, errno.New(errno.ENOSPC)
	}

	setBit(b.Data, bit)
	a.v.TrackDirty(b)
	grp.SetFreeInodes(grp.FreeInodes() - 1)
	a.v.SB.UnallocatedInodes--
	a.v.MarkSuperDirty()
	if err := a.v.MarkGroupDirty(g); err != nil {
		return 0, err
	}

	return a.inodeNumber(g, bit), nil
}

// Free releases an inode number back to its group's bitmap. isDir must
// match how it was allocated so the group's directory count stays correct.
func (a *InodeAllocator) Free(ino int64, isDir bool) error {
	g := a.groupOfInode(ino)
	bit := a.bitOfInode(ino)

	grp, err := a.v.Group(g)
	if err != nil {
		return err
	}

	b, err := a.v.ReadBlock(int64(grp.InodeBitmap()))
	if err != nil {
		return err
	}
	if !testBit(b.Data, bit) {
		a.v.Release(b)
		return errno.Wrap(errno.ECORRUPT, nil, "double free of inode %d", ino)
	}
	clearBit(b.Data, bit)
	a.v.TrackDirty(b)
	if err := a.v.Release(b); err != nil {
		return err
	}

	grp.SetFreeInodes(grp.FreeInodes() + 1)
	if isDir && grp.Base.Directories > 0 {
		grp.Base.Directories--
	}
	a.v.SB.UnallocatedInodes++
	a.v.MarkSuperDirty()
	return a.v.MarkGroupDirty(g)
}
