// Package ondisk defines the packed, little-endian on-disk structures of
// the ext2/3/4 format: superblock, block group descriptor, inode, extent
// tree nodes, and directory entries. Every struct here is read and written
// with encoding/binary against a []byte buffer taken straight from the
// block cache — nothing here relies on Go struct layout matching the wire
// format beyond what binary.Read/Write already guarantee for fixed-size
// fields, matching the teacher's pkg/ext4 approach.
package ondisk

// Signature is the ext2/3/4 superblock magic number.
const Signature = 0xEF53

const (
	RootInode        = 2
	LostAndFoundNo   = 11
	JournalInodeNo   = 8
	ResizeInodeNo    = 7
	FirstInode128    = 11
	SuperblockOffset = 1024
	SuperblockSize   = 1024
)

// Feature flags (compat / incompat / ro_compat), the subset spec.md §6
// commits to supporting.
const (
	CompatDirPrealloc  = 0x1
	CompatHasJournal   = 0x4
	CompatResizeInode  = 0x10
	CompatDirIndex     = 0x20
	CompatSparseSuper2 = 0x200

	IncompatCompression = 0x1
	IncompatFiletype    = 0x2
	IncompatRecover     = 0x4
	IncompatJournalDev  = 0x8
	IncompatMetaBG      = 0x10
	IncompatExtents     = 0x40
	Incompat64Bit       = 0x80
	IncompatMMP         = 0x100
	IncompatFlexBG      = 0x200
	IncompatInlineData  = 0x8000

	ROCompatSparseSuper  = 0x1
	ROCompatLargeFile    = 0x2
	ROCompatHugeFile      = 0x8
	ROCompatGDTCsum      = 0x10
	ROCompatDirNlink     = 0x20
	ROCompatExtraIsize   = 0x40
	ROCompatMetadataCsum = 0x400
)

// SupportedIncompat is the full set of incompat feature bits this core
// understands; a mount presenting any other bit is refused (spec.md §6).
const SupportedIncompat = IncompatFiletype | IncompatExtents | IncompatFlexBG |
	IncompatMetaBG | IncompatInlineData | Incompat64Bit | IncompatMMP | IncompatRecover

// SupportedROCompat is the full set of ro_compat feature bits understood.
const SupportedROCompat = ROCompatSparseSuper | ROCompatLargeFile | ROCompatHugeFile |
	ROCompatGDTCsum | ROCompatMetadataCsum | ROCompatDirNlink | ROCompatExtraIsize

// Block group descriptor flags.
const (
	BGInodeUninit = 0x1
	BGBlockUninit = 0x2
	BGInodeZeroed = 0x4
)

// Inode type/mode bits.
const (
	InodeTypeFIFO        = 0x1000
	InodeTypeCharDev     = 0x2000
	InodeTypeDirectory   = 0x4000
	InodeTypeBlockDev    = 0x6000
	InodeTypeRegularFile = 0x8000
	InodeTypeSymlink     = 0xA000
	InodeTypeSocket      = 0xC000
	InodeTypeMask        = 0xF000
	InodePermissionsMask = 0x0FFF
)

// Inode flags.
const (
	InodeFlagIndex      = 0x00001000 // EXT4_INDEX_FL: HTree-indexed directory
	InodeFlagImagic     = 0x00002000
	InodeFlagJournalData = 0x00040000
	InodeFlagExtents    = 0x00080000
	InodeFlagEAInode    = 0x00200000
	InodeFlagEOFBlocks  = 0x00400000
	InodeFlagInlineData = 0x10000000
)

const (
	InodeSizeMin            = 128
	InodeMaxInlineBytes     = 60 // bytes available in Inode.Block for inline data/extents
	ExtentMagic             = 0xF30A
	ExtentMaxLenWritten     = 32768       // 2^15, max extent length when written
	ExtentUnwrittenBit      = 0x8000      // high bit of Extent.Len marks "unwritten"
	DirRoundFactor          = 4
	DirEntryMinLen          = 8
	HashVersionLegacy       = 0x0
	HashVersionHalfMD4      = 0x1
	HashVersionTEA          = 0x2
	HashVersionLegacyUnsig  = 0x3
	HashVersionHalfMD4Unsig = 0x4
	HashVersionTEAUnsigned  = 0x5
)

// File type byte stored in directory entries.
const (
	FTypeUnknown  = 0x0
	FTypeRegular  = 0x1
	FTypeDir      = 0x2
	FTypeCharDev  = 0x3
	FTypeBlockDev = 0x4
	FTypeFIFO     = 0x5
	FTypeSocket   = 0x6
	FTypeSymlink  = 0x7
)

// Divide returns ceil(a/b); Align rounds a up to the next multiple of b.
// Shared arithmetic helper used across allocation, layout, and extent math,
// grounded on the teacher's pkg/ext4/common.go divide/align.
func Divide(a, b int64) int64 { return (a + b - 1) / b }
func Align(a, b int64) int64  { return Divide(a, b) * b }
