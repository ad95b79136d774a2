package ondisk

import (
	"bytes"
	"encoding/binary"
)

// XattrMagic marks both the in-inode xattr header and an external xattr
// block's header.
const XattrMagic = 0xEA020000

// XattrHeader begins the in-inode xattr area (immediately after
// InodeExtra when inode_size > 128) and, in the same shape, an external
// xattr block.
type XattrHeader struct {
	Magic    uint32
	RefCount uint32
	Blocks   uint32
	Hash     uint32
	Checksum uint32
	_        [3]uint32
}

const XattrHeaderSize = 32

// XattrIbodyHeader is the narrower 4-byte magic-only header used in the
// in-inode area (the refcount/hash/checksum fields only apply to a
// standalone external block).
type XattrIbodyHeader struct {
	Magic uint32
}

const XattrIbodyHeaderSize = 4

// XattrEntry is one attribute's directory-style record: name bytes
// immediately follow the fixed header, padded to a 4-byte boundary; the
// value bytes live elsewhere in the same area, referenced by ValueOffset
// (relative to the end of the header, i.e. the start of the entry table).
type XattrEntry struct {
	NameLen     uint8
	NameIndex   uint8
	ValueOffset uint16
	ValueBlock  uint32
	ValueSize   uint32
	Hash        uint32
}

const XattrEntrySize = 16

func DecodeXattrIbodyHeader(buf []byte) *XattrIbodyHeader {
	h := new(XattrIbodyHeader)
	_ = binary.Read(bytes.NewReader(buf[:XattrIbodyHeaderSize]), binary.LittleEndian, h)
	return h
}

func EncodeXattrIbodyHeader(buf []byte, h *XattrIbodyHeader) {
	b := new(bytes.Buffer)
	_ = binary.Write(b, binary.LittleEndian, h)
	copy(buf[:XattrIbodyHeaderSize], b.Bytes())
}

func DecodeXattrEntry(buf []byte) *XattrEntry {
	e := new(XattrEntry)
	_ = binary.Read(bytes.NewReader(buf[:XattrEntrySize]), binary.LittleEndian, e)
	return e
}

func EncodeXattrEntry(buf []byte, e *XattrEntry) {
	b := new(bytes.Buffer)
	_ = binary.Write(b, binary.LittleEndian, e)
	copy(buf[:XattrEntrySize], b.Bytes())
}

func DecodeXattrHeader(buf []byte) *XattrHeader {
	h := new(XattrHeader)
	_ = binary.Read(bytes.NewReader(buf[:XattrHeaderSize]), binary.LittleEndian, h)
	return h
}

func EncodeXattrHeader(buf []byte, h *XattrHeader) {
	b := new(bytes.Buffer)
	_ = binary.Write(b, binary.LittleEndian, h)
	copy(buf[:XattrHeaderSize], b.Bytes())
}

// XattrEntryAlign rounds a name length up to the 4-byte boundary entries
// are packed on.
func XattrEntryAlign(n int) int { return int(Align(int64(n), 4)) }
