package ondisk

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Dirent is the fixed-size header of a directory entry record; the name
// bytes and padding immediately follow, matching the teacher's
// pkg/ext4.dentry layout (there promoted to exported form here because
// pkg/directory needs it outside this package).
type Dirent struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
}

const DirentHeaderSize = 8

// DirentTailSize is the trailing fake-entry checksum record ext4 appends
// to every linear directory block (inode==0, name_len==0, file_type==0xDE,
// rec_len spanning the remaining 12 bytes, 4-byte CRC32C at the end).
const DirentTailSize = 12

// FakeTailFileType marks a directory-tail checksum record so it is never
// mistaken for a real entry during linear iteration.
const FakeTailFileType = 0xDE

// DirEntIterBuf bundles a directory block's raw bytes with the release
// callback for the cache buffer backing them, letting pkg/directory
// iterate and mutate entries in place without importing pkg/bcache.
type DirEntIterBuf struct {
	Buf     []byte
	Release func() error
}

// MinRecLen returns the minimum record length needed to store name,
// rounded up to the format's 4-byte alignment.
func MinRecLen(name string) uint16 {
	return uint16(Align(int64(DirentHeaderSize+len(name)), DirRoundFactor))
}

func DecodeDirent(buf []byte) (*Dirent, error) {
	if len(buf) < DirentHeaderSize {
		return nil, errors.New("buffer too short for dirent header")
	}
	d := new(Dirent)
	if err := binary.Read(bytes.NewReader(buf[:DirentHeaderSize]), binary.LittleEndian, d); err != nil {
		return nil, err
	}
	return d, nil
}

func EncodeDirent(buf []byte, d *Dirent) {
	b := new(bytes.Buffer)
	_ = binary.Write(b, binary.LittleEndian, d)
	copy(buf[:DirentHeaderSize], b.Bytes())
}

// DXRootInfo is the HTree root descriptor that follows the "." and ".."
// entries in block 0 of an indexed directory.
type DXRootInfo struct {
	ReservedZero uint32
	HashVersion  uint8
	InfoLength   uint8
	IndirectLevels uint8
	UnusedFlags  uint8
}

const DXRootInfoSize = 8

// DXEntry is one (hash, block) routing entry within a DX root or interior
// node. The first DXEntry in a block is a special "count/limit" pair
// rather than a real hash entry (limit and count are packed as two 16-bit
// values into the hash field's 4 bytes, per the on-disk format) — DXCountLimit below
// models it explicitly instead of overloading DXEntry.
type DXEntry struct {
	Hash  uint32
	Block uint32
}

const DXEntrySize = 8

type DXCountLimit struct {
	Limit uint16
	Count uint16
}

func DecodeDXRootInfo(buf []byte) *DXRootInfo {
	info := new(DXRootInfo)
	_ = binary.Read(bytes.NewReader(buf[:DXRootInfoSize]), binary.LittleEndian, info)
	return info
}

func EncodeDXRootInfo(buf []byte, info *DXRootInfo) {
	b := new(bytes.Buffer)
	_ = binary.Write(b, binary.LittleEndian, info)
	copy(buf[:DXRootInfoSize], b.Bytes())
}

func DecodeDXEntry(buf []byte) *DXEntry {
	e := new(DXEntry)
	_ = binary.Read(bytes.NewReader(buf[:DXEntrySize]), binary.LittleEndian, e)
	return e
}

func EncodeDXEntry(buf []byte, e *DXEntry) {
	b := new(bytes.Buffer)
	_ = binary.Write(b, binary.LittleEndian, e)
	copy(buf[:DXEntrySize], b.Bytes())
}
