package ondisk

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// ExtentHeader begins every extent tree node, whether embedded in an
// inode's Block field or occupying a whole block. Field names and sizes
// mirror the teacher's pkg/ext4.ExtentHeader.
type ExtentHeader struct {
	Magic      uint16
	Entries    uint16
	Max        uint16
	Depth      uint16
	Generation uint32
}

const ExtentHeaderSize = 12

// ExtentIndex is an interior-node entry: it routes a logical block range to
// a child node's physical block.
type ExtentIndex struct {
	Block  uint32 // first logical block covered by this child
	LeafLo uint32
	LeafHi uint16
	Unused uint16
}

const ExtentIndexSize = 12

func (e *ExtentIndex) Child() uint64 { return uint64(e.LeafHi)<<32 | uint64(e.LeafLo) }
func (e *ExtentIndex) SetChild(v uint64) {
	e.LeafLo = uint32(v)
	e.LeafHi = uint16(v >> 32)
}

// Extent is a leaf entry mapping a contiguous logical range to a contiguous
// physical range. The high bit of Len marks the range "unwritten" (allocated
// but logically zero, per spec.md §3/§4.4).
type Extent struct {
	Block   uint32 // first logical block
	Len     uint16 // length in blocks; high bit = unwritten
	StartHi uint16
	StartLo uint32
}

const ExtentSize = 12

func (e *Extent) Unwritten() bool   { return e.Len&ExtentUnwrittenBit != 0 }
func (e *Extent) Length() uint16    { return e.Len &^ ExtentUnwrittenBit }
func (e *Extent) SetUnwritten(b bool) {
	if b {
		e.Len |= ExtentUnwrittenBit
	} else {
		e.Len &^= ExtentUnwrittenBit
	}
}
func (e *Extent) Start() uint64 { return uint64(e.StartHi)<<32 | uint64(e.StartLo) }
func (e *Extent) SetStart(v uint64) {
	e.StartLo = uint32(v)
	e.StartHi = uint16(v >> 32)
}

// ExtentTailSize is the 4-byte CRC32C tail checksum appended to each
// whole-block (non-inode-embedded) extent tree node.
const ExtentTailSize = 4

// DecodeExtentHeader reads the header at the start of buf.
func DecodeExtentHeader(buf []byte) (*ExtentHeader, error) {
	if len(buf) < ExtentHeaderSize {
		return nil, errors.New("buffer too short for extent header")
	}
	h := new(ExtentHeader)
	if err := binary.Read(bytes.NewReader(buf[:ExtentHeaderSize]), binary.LittleEndian, h); err != nil {
		return nil, err
	}
	if h.Magic != ExtentMagic {
		return nil, errors.Errorf("bad extent header magic 0x%04x", h.Magic)
	}
	return h, nil
}

func EncodeExtentHeader(buf []byte, h *ExtentHeader) {
	b := new(bytes.Buffer)
	if err := binary.Write(b, binary.LittleEndian, h); err != nil {
		panic(err)
	}
	copy(buf[:ExtentHeaderSize], b.Bytes())
}

func DecodeExtentIndex(buf []byte) *ExtentIndex {
	idx := new(ExtentIndex)
	_ = binary.Read(bytes.NewReader(buf[:ExtentIndexSize]), binary.LittleEndian, idx)
	return idx
}

func EncodeExtentIndex(buf []byte, idx *ExtentIndex) {
	b := new(bytes.Buffer)
	_ = binary.Write(b, binary.LittleEndian, idx)
	copy(buf[:ExtentIndexSize], b.Bytes())
}

func DecodeExtent(buf []byte) *Extent {
	e := new(Extent)
	_ = binary.Read(bytes.NewReader(buf[:ExtentSize]), binary.LittleEndian, e)
	return e
}

func EncodeExtent(buf []byte, e *Extent) {
	b := new(bytes.Buffer)
	_ = binary.Write(b, binary.LittleEndian, e)
	copy(buf[:ExtentSize], b.Bytes())
}
