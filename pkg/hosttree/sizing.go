package hosttree

import (
	"github.com/pkg/errors"

	"github.com/embext/goext4/pkg/ondisk"
)

// Sizing constants mirror the teacher's pkg/ext4/super.go fixed 4KiB/256-byte
// profile: EstimateMinimumSize targets a plain mkfs.ext4-style layout (no
// meta_bg, 64-bit group descriptors), the shape every image this module
// mounts is expected to have.
const (
	sizingBlockSize           = 0x1000
	sizingBlocksPerGroup      = sizingBlockSize * 8
	sizingDescriptorSize      = 64
	sizingInodeSize           = 256
	sizingDescriptorsPerBlock = sizingBlockSize / sizingDescriptorSize
	sizingInodesPerBlock      = sizingBlockSize / sizingInodeSize
	sizingMaxGroupDescriptors = (sizingBlocksPerGroup / 2) * sizingDescriptorsPerBlock
	sizingMinJournalBlocks    = 1024
	sizingMaxJournalBlocks    = 32768
)

func sizingDivide(a, b int64) int64 { return (a + b - 1) / b }
func sizingAlign(a, b int64) int64  { return sizingDivide(a, b) * b }

// EstimateMinimumSize computes the smallest image size (in bytes) that can
// hold manifest's content plus minFreeSpace bytes and minFreeInodes spare
// inodes, ported from the teacher's pkg/ext4/layout.go
// calculateMinimumSize: iteratively grow the group count, then the
// flex-group span, then the journal, until a stable block-group/BGDT/
// journal/flex layout actually contains every block it must reserve for
// itself plus the requested content (spec.md §6's offline image builder
// on-ramp named in DESIGN.md — "mkfs from a host directory tree").
//
// One inode is reserved per manifest path plus the fixed ext2/3/4 reserved
// inodes 1 through ondisk.FirstInode128-1 (root, resize, journal, ...).
func EstimateMinimumSize(manifest Manifest, minFreeSpace, minFreeInodes int64) (int64, error) {
	minDataBlocks := sizingDivide(manifest.TotalBytes, sizingBlockSize)
	minDataBlocks += sizingDivide(minFreeSpace, sizingBlockSize)

	minInodes := int64(len(manifest.Paths)) + int64(ondisk.FirstInode128) - 1
	if minFreeInodes > 0 {
		minInodes += minFreeInodes
	}

	return calculateMinimumSize(minDataBlocks, minInodes)
}

// calculateMinimumSize is the teacher's flex-group/resize-inode sizing
// loop, generalized only in that it takes block/inode *counts* rather
// than walking an in-memory file tree first (this module streams writes
// straight into a mounted filesystem instead of building an intermediate
// vio.FileTree).
func calculateMinimumSize(minDataBlocks, minInodes int64) (int64, error) {
	var journalBlocks, contentBlocks, groups, groupsPerFlex int64
	var maxOverflowBlocks, inodesPerGroup, groupDescriptors int64
	var blocksPerInodeTable, blocksPerBGDT int64
	var overheadBlocksPerFlex, groupZeroOverhead int64
	var blocksPerFlex, maxContentInFlexZero, maxContentInFlexNonZero int64
	var flexNeededToContainContent int64
	var totalBlocks, totalGroups int64

	minDataBlocks++ // one extra block for the resize inode
	journalBlocks = sizingMinJournalBlocks
	contentBlocks = minDataBlocks + journalBlocks
	groups = sizingDivide(contentBlocks, sizingBlocksPerGroup)
	groupsPerFlex = 1

	for iter := 0; ; iter++ {
		if iter > 10000 {
			return 0, errors.New("minimum-size estimate failed to converge")
		}

		inodesPerGroup = sizingDivide(minInodes, groups)
		inodesPerGroup = sizingAlign(inodesPerGroup, sizingInodesPerBlock)
		if inodesPerGroup > sizingBlockSize*8 {
			groups++
			continue
		}

		blocksPerInodeTable = sizingDivide(inodesPerGroup, sizingInodesPerBlock)

		groupDescriptors = groups
		groupDescriptors *= 1024 // allow the filesystem to grow up to 1024x larger, same margin as the teacher
		groupDescriptors = sizingAlign(groupDescriptors, sizingDescriptorsPerBlock)
		if groupDescriptors > sizingMaxGroupDescriptors {
			groupDescriptors = sizingMaxGroupDescriptors
		}

		blocksPerBGDT = sizingDivide(groupDescriptors, sizingDescriptorsPerBlock)

		overheadBlocksPerFlex = (2 + blocksPerInodeTable) * groupsPerFlex
		groupZeroOverhead = overheadBlocksPerFlex + blocksPerBGDT + 1
		if groupZeroOverhead > sizingBlocksPerGroup {
			return 0, errors.New("minimum-size estimate: reduce the inode count or enlarge the target image")
		}

		contentBlocks = minDataBlocks + journalBlocks
		blocksPerFlex = groupsPerFlex * sizingBlocksPerGroup
		maxContentInFlexZero = blocksPerFlex - groupZeroOverhead
		maxContentInFlexNonZero = blocksPerFlex - overheadBlocksPerFlex

		flexNeededToContainContent = 1
		if contentBlocks > maxContentInFlexZero {
			flexNeededToContainContent = 1 + sizingDivide(contentBlocks-maxContentInFlexZero, maxContentInFlexNonZero)

			// Extent trees only spill past an inode's inline capacity when
			// a file's content spans flex-group metadata more than four
			// times; bound how many such files can exist the same way the
			// teacher does, rather than walking every file's actual extent
			// count here.
			totalGroups = sizingDivide(totalBlocks, sizingBlocksPerGroup)
			maxOverflowBlocks = (totalGroups - 2) / 3
			if maxOverflowBlocks < 0 {
				maxOverflowBlocks = 0
			}
			contentBlocks += maxOverflowBlocks
			flexNeededToContainContent = 1 + sizingDivide(contentBlocks-maxContentInFlexZero, maxContentInFlexNonZero)
		}

		totalBlocks = groupZeroOverhead + overheadBlocksPerFlex*(flexNeededToContainContent-1) + contentBlocks
		if totalBlocks <= (groups-1)*sizingBlocksPerGroup {
			totalBlocks = (groups-1)*sizingBlocksPerGroup + 1
		}

		totalGroups = sizingDivide(totalBlocks, sizingBlocksPerGroup)
		if totalGroups > groups {
			groups = totalGroups
			continue
		}

		if groups > 1 && groupsPerFlex == 1 {
			groupsPerFlex = 2
			continue
		}

		if groups%(groupsPerFlex*2) == 0 && (overheadBlocksPerFlex*2+blocksPerBGDT+1) < sizingBlocksPerGroup {
			groupsPerFlex *= 2
			continue
		}

		if journalBlocks < sizingMaxJournalBlocks && journalBlocks < totalBlocks/10 && journalBlocks < maxContentInFlexZero {
			journalBlocks = totalBlocks / 10
			if journalBlocks > sizingMaxJournalBlocks {
				journalBlocks = sizingMaxJournalBlocks
			}
			if journalBlocks > maxContentInFlexZero {
				journalBlocks = maxContentInFlexZero
			}
			continue
		}

		return totalBlocks * sizingBlockSize, nil
	}
}
