package ondisk

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/embext/goext4/pkg/checksum"
)

// GroupDescriptor is one entry of the block group descriptor table
// immediately following the superblock. The 32-byte base layout mirrors
// the teacher's pkg/ext4.BlockGroupDescriptor; the 64-bit extension
// fields (hi halves, checksum) only exist on disk when the superblock's
// descriptor size is 64, so they are a separate struct layered on top.
type GroupDescriptor struct {
	BlockBitmapAddr uint32 // 0x0
	InodeBitmapAddr uint32 // 0x4
	InodeTableAddr  uint32 // 0x8
	FreeBlocks      uint16 // 0xC
	FreeInodes      uint16 // 0xE
	Directories     uint16 // 0x10
	Flags           uint16 // 0x12
	ExcludeBitmap   uint32 // 0x14
	BlockBitmapCsum uint16 // 0x18
	InodeBitmapCsum uint16 // 0x1A
	UnusedInodes    uint16 // 0x1C
	Checksum        uint16 // 0x1E
}

// GroupDescriptor64 is the 32-byte hi-half extension present when the
// superblock's descriptor size is 64 (64BIT incompat feature).
type GroupDescriptor64 struct {
	BlockBitmapAddrHi uint32
	InodeBitmapAddrHi uint32
	InodeTableAddrHi  uint32
	FreeBlocksHi      uint16
	FreeInodesHi      uint16
	DirectoriesHi     uint16
	UnusedInodesHi    uint16
	ExcludeBitmapHi   uint32
	BlockBitmapCsumHi uint16
	InodeBitmapCsumHi uint16
	_                 uint32
}

// Group bundles the base descriptor with its optional 64-bit half for a
// single block group, and is what callers outside this package work with.
type Group struct {
	Base GroupDescriptor
	Hi   GroupDescriptor64 // zero value when desc_size == 32
	wide bool
}

func (g *Group) BlockBitmap() uint64 {
	return uint64(g.Hi.BlockBitmapAddrHi)<<32 | uint64(g.Base.BlockBitmapAddr)
}

func (g *Group) InodeBitmap() uint64 {
	return uint64(g.Hi.InodeBitmapAddrHi)<<32 | uint64(g.Base.InodeBitmapAddr)
}

func (g *Group) InodeTable() uint64 {
	return uint64(g.Hi.InodeTableAddrHi)<<32 | uint64(g.Base.InodeTableAddr)
}

func (g *Group) FreeBlocks() uint32 {
	return uint32(g.Hi.FreeBlocksHi)<<16 | uint32(g.Base.FreeBlocks)
}

func (g *Group) SetFreeBlocks(v uint32) {
	g.Base.FreeBlocks = uint16(v)
	g.Hi.FreeBlocksHi = uint16(v >> 16)
}

func (g *Group) FreeInodes() uint32 {
	return uint32(g.Hi.FreeInodesHi)<<16 | uint32(g.Base.FreeInodes)
}

func (g *Group) SetFreeInodes(v uint32) {
	g.Base.FreeInodes = uint16(v)
	g.Hi.FreeInodesHi = uint16(v >> 16)
}

// DecodeGroups parses the block group descriptor table for `groups` groups
// using descSize-byte entries (32 or 64).
func DecodeGroups(buf []byte, groups int, descSize int) ([]*Group, error) {
	out := make([]*Group, groups)
	for i := 0; i < groups; i++ {
		off := i * descSize
		if off+32 > len(buf) {
			return nil, errors.Errorf("group descriptor table truncated at group %d", i)
		}
		g := &Group{wide: descSize >= 64}
		if err := binary.Read(bytes.NewReader(buf[off:off+32]), binary.LittleEndian, &g.Base); err != nil {
			return nil, errors.Wrapf(err, "decoding group descriptor %d", i)
		}
		if descSize >= 64 {
			if err := binary.Read(bytes.NewReader(buf[off+32:off+64]), binary.LittleEndian, &g.Hi); err != nil {
				return nil, errors.Wrapf(err, "decoding group descriptor hi-half %d", i)
			}
		}
		out[i] = g
	}
	return out, nil
}

// Encode serializes a Group back to descSize bytes.
func (g *Group) Encode(descSize int) []byte {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &g.Base); err != nil {
		panic(err)
	}
	if descSize >= 64 {
		if err := binary.Write(buf, binary.LittleEndian, &g.Hi); err != nil {
			panic(err)
		}
	}
	out := buf.Bytes()
	if len(out) < descSize {
		out = append(out, make([]byte, descSize-len(out))...)
	}
	return out[:descSize]
}

// UpdateChecksum recomputes the CRC16 group descriptor checksum, seeded by
// the superblock UUID and keyed by the group index, per spec.md §3.
// The checksum field itself is excluded from the hash, matching how the
// kernel computes it (hash the descriptor, but zero the checksum field
// first).
func (g *Group) UpdateChecksum(uuid [16]byte, groupIndex uint32, descSize int) {
	saved := g.Base.Checksum
	g.Base.Checksum = 0
	buf := g.Encode(descSize)
	g.Base.Checksum = saved

	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], groupIndex)

	seed := checksum.CRC16(^uint16(0), uuid[:])
	seed = checksum.CRC16(seed, idx[:])
	g.Base.Checksum = checksum.CRC16(seed, buf)
}
