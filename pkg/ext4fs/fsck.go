package ext4fs

import (
	"fmt"

	"github.com/embext/goext4/pkg/directory"
	"github.com/embext/goext4/pkg/extent"
	"github.com/embext/goext4/pkg/ondisk"
)

// Finding is one fsck-lite consistency complaint.
type Finding struct {
	Group   int
	Message string
}

// Check runs a read-only consistency scan over spec.md §8's core
// invariants: bitmap/superblock free-count agreement (groups against
// their descriptors, and the descriptor sum against the superblock),
// extent-tree ordering for every in-use inode with an extent-mapped
// body, and HTree hash-range coverage for every in-use indexed
// directory. It only reads from the device; any mismatch is reported,
// not repaired (repair is out of scope, per spec.md's Non-goals around
// write-path fsck).
func (fs *FS) Check() ([]Finding, error) {
	var findings []Finding

	var totalFreeBlocks, totalFreeInodes int64
	for g := range fs.v.Groups {
		grp, err := fs.v.Group(int64(g))
		if err != nil {
			return nil, err
		}

		freeBlocks, err := fs.countFreeBits(int64(grp.BlockBitmap()), int64(fs.v.SB.BlocksPerGroup))
		if err != nil {
			return nil, err
		}
		if uint32(freeBlocks) != grp.FreeBlocks() {
			findings = append(findings, Finding{Group: g, Message: fmt.Sprintf(
				"block bitmap free count %d disagrees with descriptor %d", freeBlocks, grp.FreeBlocks())})
		}

		freeInodes, err := fs.countFreeBits(int64(grp.InodeBitmap()), int64(fs.v.SB.InodesPerGroup))
		if err != nil {
			return nil, err
		}
		if uint32(freeInodes) != grp.FreeInodes() {
			findings = append(findings, Finding{Group: g, Message: fmt.Sprintf(
				"inode bitmap free count %d disagrees with descriptor %d", freeInodes, grp.FreeInodes())})
		}

		totalFreeBlocks += freeBlocks
		totalFreeInodes += freeInodes

		inodeFindings, err := fs.checkGroupInodes(g, grp)
		if err != nil {
			return nil, err
		}
		findings = append(findings, inodeFindings...)
	}

	if uint64(totalFreeBlocks) != fs.v.SB.FreeBlocks64() {
		findings = append(findings, Finding{Group: -1, Message: fmt.Sprintf(
			"superblock free block count %d disagrees with group sum %d", fs.v.SB.FreeBlocks64(), totalFreeBlocks)})
	}
	if uint32(totalFreeInodes) != fs.v.SB.UnallocatedInodes {
		findings = append(findings, Finding{Group: -1, Message: fmt.Sprintf(
			"superblock free inode count %d disagrees with group sum %d", fs.v.SB.UnallocatedInodes, totalFreeInodes)})
	}

	return findings, nil
}

// checkGroupInodes walks every allocated inode in group g and runs the
// extent-order check (files) or HTree hash-range check (directories)
// against it.
func (fs *FS) checkGroupInodes(g int, grp *ondisk.Group) ([]Finding, error) {
	var findings []Finding

	b, err := fs.v.ReadBlock(int64(grp.InodeBitmap()))
	if err != nil {
		return nil, err
	}
	defer fs.v.Release(b)

	perGroup := int64(fs.v.SB.InodesPerGroup)
	for bit := int64(0); bit < perGroup; bit++ {
		byteIdx := bit / 8
		bitIdx := uint(bit % 8)
		if int(byteIdx) >= len(b.Data) {
			break
		}
		if b.Data[byteIdx]&(1<<bitIdx) == 0 {
			continue // free inode, nothing to check
		}

		num := int64(g)*perGroup + bit + 1
		ref, err := fs.inodes.Get(num)
		if err != nil {
			findings = append(findings, Finding{Group: g, Message: fmt.Sprintf(
				"inode %d: %v", num, err)})
			continue
		}

		switch {
		case ref.Base.IsDir():
			issues, err := directory.Open(fs.v, ref, fs.blocks).ValidateHashRanges()
			if err != nil {
				_ = ref.Put(false)
				return nil, err
			}
			for _, issue := range issues {
				findings = append(findings, Finding{Group: g, Message: fmt.Sprintf("inode %d: %s", num, issue)})
			}
		case ref.Base.UsesExtents():
			issues, err := extent.Open(fs.v, ref, fs.blocks).ValidateOrder()
			if err != nil {
				_ = ref.Put(false)
				return nil, err
			}
			for _, issue := range issues {
				findings = append(findings, Finding{Group: g, Message: fmt.Sprintf("inode %d: %s", num, issue)})
			}
		}

		if err := ref.Put(false); err != nil {
			return nil, err
		}
	}

	return findings, nil
}

func (fs *FS) countFreeBits(lba int64, count int64) (int64, error) {
	b, err := fs.v.ReadBlock(lba)
	if err != nil {
		return 0, err
	}
	defer fs.v.Release(b)

	var free int64
	for bit := int64(0); bit < count; bit++ {
		byteIdx := bit / 8
		bitIdx := uint(bit % 8)
		if int(byteIdx) >= len(b.Data) {
			break
		}
		if b.Data[byteIdx]&(1<<bitIdx) == 0 {
			free++
		}
	}
	return free, nil
}
