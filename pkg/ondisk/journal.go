package ondisk

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// JBD2 structures are big-endian on disk, unlike every other structure in
// this package, per spec.md §9's design note.

const (
	JBD2Magic = 0xC03B3998

	JBD2BlockTypeDescriptor  = 1
	JBD2BlockTypeCommit      = 2
	JBD2BlockTypeSuperblockV1 = 3
	JBD2BlockTypeSuperblockV2 = 4
	JBD2BlockTypeRevoke      = 5

	JBD2TagFlagEscape   = 0x1
	JBD2TagFlagSameUUID = 0x2
	JBD2TagFlagDeleted  = 0x4
	JBD2TagFlagLastTag  = 0x8
)

// JournalBlockHeader begins every log block.
type JournalBlockHeader struct {
	Magic     uint32
	BlockType uint32
	Sequence  uint32
}

const JournalBlockHeaderSize = 12

// JournalSuperblock is the log's own superblock, occupying log block 0.
// Only the fields this implementation actually consults are modeled; the
// full JBD2 v2 superblock carries additional feature/user fields this
// core does not need (no multi-user external journals).
type JournalSuperblock struct {
	Header       JournalBlockHeader
	BlockSize    uint32
	MaxLen       uint32
	First        uint32
	SequenceNum  uint32
	Start        uint32
	ErrNo        int32
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32
	UUID         [16]byte
}

const JournalSuperblockSize = 12 + 4*9 + 16

func DecodeJournalSuperblock(buf []byte) (*JournalSuperblock, error) {
	if len(buf) < JournalSuperblockSize {
		return nil, errors.New("journal superblock buffer too short")
	}
	sb := new(JournalSuperblock)
	if err := binary.Read(bytes.NewReader(buf[:JournalSuperblockSize]), binary.BigEndian, sb); err != nil {
		return nil, errors.Wrap(err, "decoding journal superblock")
	}
	if sb.Header.Magic != JBD2Magic {
		return nil, errors.Errorf("bad journal magic 0x%08x", sb.Header.Magic)
	}
	return sb, nil
}

func EncodeJournalSuperblock(buf []byte, sb *JournalSuperblock) {
	b := new(bytes.Buffer)
	_ = binary.Write(b, binary.BigEndian, sb)
	copy(buf[:JournalSuperblockSize], b.Bytes())
}

func DecodeJournalBlockHeader(buf []byte) (*JournalBlockHeader, error) {
	if len(buf) < JournalBlockHeaderSize {
		return nil, errors.New("journal block header buffer too short")
	}
	h := new(JournalBlockHeader)
	if err := binary.Read(bytes.NewReader(buf[:JournalBlockHeaderSize]), binary.BigEndian, h); err != nil {
		return nil, err
	}
	return h, nil
}

func EncodeJournalBlockHeader(buf []byte, h *JournalBlockHeader) {
	b := new(bytes.Buffer)
	_ = binary.Write(b, binary.BigEndian, h)
	copy(buf[:JournalBlockHeaderSize], b.Bytes())
}

// JournalTag is one descriptor-block entry identifying a logged data
// block's target LBA (64-bit; this core always writes the 64-bit tag
// variant) and per-tag flags.
type JournalTag struct {
	BlockNrLo uint32
	Flags     uint32
	BlockNrHi uint32
}

const JournalTagSize = 12

func (t *JournalTag) LBA() int64    { return int64(t.BlockNrHi)<<32 | int64(t.BlockNrLo) }
func (t *JournalTag) SetLBA(v int64) {
	t.BlockNrLo = uint32(v)
	t.BlockNrHi = uint32(v >> 32)
}

func DecodeJournalTag(buf []byte) *JournalTag {
	t := new(JournalTag)
	_ = binary.Read(bytes.NewReader(buf[:JournalTagSize]), binary.BigEndian, t)
	return t
}

func EncodeJournalTag(buf []byte, t *JournalTag) {
	b := new(bytes.Buffer)
	_ = binary.Write(b, binary.BigEndian, t)
	copy(buf[:JournalTagSize], b.Bytes())
}

// JournalCommitBlock carries the transaction's checksum once everything
// preceding it is durable.
type JournalCommitBlock struct {
	Header   JournalBlockHeader
	ChecksumType uint8
	_            [3]byte
	Checksum uint32
}

const JournalCommitBlockSize = JournalBlockHeaderSize + 4 + 4

func DecodeJournalCommitBlock(buf []byte) (*JournalCommitBlock, error) {
	if len(buf) < JournalCommitBlockSize {
		return nil, errors.New("journal commit block buffer too short")
	}
	c := new(JournalCommitBlock)
	if err := binary.Read(bytes.NewReader(buf[:JournalCommitBlockSize]), binary.BigEndian, c); err != nil {
		return nil, err
	}
	return c, nil
}

func EncodeJournalCommitBlock(buf []byte, c *JournalCommitBlock) {
	b := new(bytes.Buffer)
	_ = binary.Write(b, binary.BigEndian, c)
	copy(buf[:JournalCommitBlockSize], b.Bytes())
}

// JournalRevokeHeader begins a revoke block; Count LBA records (8 bytes,
// big-endian, 64-bit) immediately follow.
type JournalRevokeHeader struct {
	Header JournalBlockHeader
	Count  uint32
}

const JournalRevokeHeaderSize = JournalBlockHeaderSize + 4

func DecodeJournalRevokeHeader(buf []byte) (*JournalRevokeHeader, error) {
	if len(buf) < JournalRevokeHeaderSize {
		return nil, errors.New("journal revoke header buffer too short")
	}
	h := new(JournalRevokeHeader)
	if err := binary.Read(bytes.NewReader(buf[:JournalRevokeHeaderSize]), binary.BigEndian, h); err != nil {
		return nil, err
	}
	return h, nil
}

func EncodeJournalRevokeHeader(buf []byte, h *JournalRevokeHeader) {
	b := new(bytes.Buffer)
	_ = binary.Write(b, binary.BigEndian, h)
	copy(buf[:JournalRevokeHeaderSize], b.Bytes())
}
