package ondisk

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Inode is the fixed 128-byte base inode structure, matching the teacher's
// pkg/ext4.Inode field-for-field (the teacher only ever wrote these 128
// bytes; larger configured inode sizes carry extra fields plus inline
// xattrs afterward, handled by ExtraFields/ExtraIsize below and pkg/xattr).
type Inode struct {
	Permissions      uint16   // 0x0
	UID              uint16   // 0x2
	SizeLower        uint32   // 0x4
	LastAccessTime   uint32   // 0x8
	CreationTime     uint32   // 0xC
	ModificationTime uint32   // 0x10
	DeletionTime     uint32   // 0x14
	GID              uint16   // 0x18
	Links            uint16   // 0x1A
	Sectors          uint32   // 0x1C
	Flags            uint32   // 0x20
	OSV              uint32   // 0x24
	Block            [60]byte // 0x28
	GenNo            uint32   // 0x64
	FileACL          uint32   // 0x68
	SizeUpper        uint32   // 0x6C
	FragAddr         uint32   // 0x70
	OSStuff          [12]byte // 0x74
} // 0x80

// InodeExtra holds the fields that exist past the 128-byte base inode when
// the superblock's inode size is larger (the common case for ext4, where
// inode_size is 256): extra_isize, the checksum's high 16 bits, and nanosecond-resolution
// timestamp extensions. Anything beyond ExtraIsize bytes, up to inode_size,
// is the in-inode extended attribute area (pkg/xattr).
type InodeExtra struct {
	ExtraIsize   uint16
	ChecksumHi   uint16
	CtimeExtra   uint32
	MtimeExtra   uint32
	AtimeExtra   uint32
	CrtimeLo     uint32
	CrtimeExtra  uint32
	VersionHi    uint32
	ProjectID    uint32
}

const InodeExtraSize = 32

// Size returns the 64-bit file size.
func (i *Inode) Size() int64 { return int64(i.SizeUpper)<<32 | int64(i.SizeLower) }

// SetSize stores a 64-bit file size across the lo/hi halves.
func (i *Inode) SetSize(v int64) {
	i.SizeLower = uint32(v)
	i.SizeUpper = uint32(v >> 32)
}

func (i *Inode) IsDir() bool     { return i.Permissions&InodeTypeMask == InodeTypeDirectory }
func (i *Inode) IsRegular() bool { return i.Permissions&InodeTypeMask == InodeTypeRegularFile }
func (i *Inode) IsSymlink() bool { return i.Permissions&InodeTypeMask == InodeTypeSymlink }

func (i *Inode) HasFlag(mask uint32) bool { return i.Flags&mask == mask }

// UsesExtents reports whether the inode's Block field holds an extent tree
// root rather than legacy direct/indirect pointers.
func (i *Inode) UsesExtents() bool { return i.HasFlag(InodeFlagExtents) }

// DecodeInode parses the 128-byte base inode from buf at the given byte
// offset within an inode table block.
func DecodeInode(buf []byte, offset int) (*Inode, error) {
	if offset+128 > len(buf) {
		return nil, errors.Errorf("inode table block too short for inode at offset %d", offset)
	}
	in := new(Inode)
	if err := binary.Read(bytes.NewReader(buf[offset:offset+128]), binary.LittleEndian, in); err != nil {
		return nil, errors.Wrap(err, "decoding inode")
	}
	return in, nil
}

// EncodeInode serializes the 128-byte base inode back into buf at offset.
func EncodeInode(buf []byte, offset int, in *Inode) error {
	b := new(bytes.Buffer)
	if err := binary.Write(b, binary.LittleEndian, in); err != nil {
		return err
	}
	copy(buf[offset:offset+128], b.Bytes())
	return nil
}

// DecodeInodeExtra parses the InodeExtra region following the base inode,
// when inodeSize > 128.
func DecodeInodeExtra(buf []byte, offset int) (*InodeExtra, error) {
	if offset+InodeExtraSize > len(buf) {
		return nil, errors.Errorf("inode table block too short for extra fields at offset %d", offset)
	}
	ex := new(InodeExtra)
	if err := binary.Read(bytes.NewReader(buf[offset:offset+InodeExtraSize]), binary.LittleEndian, ex); err != nil {
		return nil, errors.Wrap(err, "decoding inode extra fields")
	}
	return ex, nil
}

// EncodeInodeExtra serializes InodeExtra back into buf at offset.
func EncodeInodeExtra(buf []byte, offset int, ex *InodeExtra) error {
	b := new(bytes.Buffer)
	if err := binary.Write(b, binary.LittleEndian, ex); err != nil {
		return err
	}
	copy(buf[offset:offset+InodeExtraSize], b.Bytes())
	return nil
}
