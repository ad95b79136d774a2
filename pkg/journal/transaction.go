package journal

import (
	"github.com/embext/goext4/pkg/bcache"
	"github.com/embext/goext4/pkg/checksum"
	"github.com/embext/goext4/pkg/errno"
	"github.com/embext/goext4/pkg/ondisk"
)

// Transaction groups the buffers a single atomic update touches, mirroring
// jbd_trans: a set of dirty metadata buffers destined for the log, plus a
// set of revoked LBAs recording blocks freed (and possibly reused) during
// the transaction's lifetime so recovery knows not to replay stale copies
// of them from older transactions.
type Transaction struct {
	j       *Journal
	id      uint32
	buffers []*bcache.Buffer // order of SetDirty calls; de-duplicated by LBA
	seen    map[int64]int    // LBA -> index into buffers
	revoked map[int64]bool
}

// Begin starts a new transaction. Only one transaction may be open on a
// Journal at a time, matching jbd_journal_new_trans's single current
// transaction per filesystem.
func (j *Journal) Begin() (*Transaction, error) {
	if j.current != nil {
		return nil, errno.Wrap(errno.EPERM, nil, "journal: transaction already open")
	}
	j.sequence++
	t := &Transaction{
		j:       j,
		id:      j.sequence,
		seen:    make(map[int64]int),
		revoked: make(map[int64]bool),
	}
	j.current = t
	return t, nil
}

// SetDirty records that b must be durable before its home-location write
// is allowed to land, and that it must be logged on Commit. Mirrors
// ext4_trans_set_block_dirty's routing into jbd_trans_set_block_dirty.
func (t *Transaction) SetDirty(b *bcache.Buffer) {
	b.MarkDirty()
	if i, ok := t.seen[b.LBA]; ok {
		t.buffers[i] = b
		return
	}
	t.seen[b.LBA] = len(t.buffers)
	t.buffers = append(t.buffers, b)
	delete(t.revoked, b.LBA)
}

// Revoke marks lba as not needing replay even if an older, still-unflushed
// transaction logged a copy of it — the block has since been freed and
// its old contents must not be resurrected over whatever now occupies it.
// Mirrors ext4_trans_try_revoke_block / jbd_trans_try_revoke_block.
func (t *Transaction) Revoke(lba int64) {
	t.revoked[lba] = true
	if i, ok := t.seen[lba]; ok {
		t.buffers = append(t.buffers[:i], t.buffers[i+1:]...)
		delete(t.seen, lba)
		for lba2, idx := range t.seen {
			if idx > i {
				t.seen[lba2] = idx - 1
			}
		}
	}
}

// Commit writes the transaction's descriptor block(s), its logged data
// blocks, an optional revoke block, flushes the device (the barrier
// spec.md §4.6 requires between the data phase and the commit record),
// then writes the commit block, and finally checkpoints: each buffer is
// written to its home location and released from the transaction's hold.
// On return the journal has no current transaction.
func (t *Transaction) Commit() error {
	j := t.j
	defer func() { j.current = nil }()

	if len(t.buffers) == 0 && len(t.revoked) == 0 {
		return nil
	}

	if err := t.writeDescriptorAndData(); err != nil {
		return err
	}
	if err := t.writeRevokeBlock(); err != nil {
		return err
	}

	if err := j.v.Dev.Flush(); err != nil {
		return err
	}

	if err := t.writeCommitBlock(); err != nil {
		return err
	}
	if err := j.v.Dev.Flush(); err != nil {
		return err
	}

	return t.checkpoint()
}

// tagsPerBlock is how many 12-byte journal tags fit after a 12-byte
// descriptor header in one log block.
func (j *Journal) tagsPerBlock() int {
	return (j.blockSize - ondisk.JournalBlockHeaderSize) / ondisk.JournalTagSize
}

func (t *Transaction) writeDescriptorAndData() error {
	j := t.j
	per := j.tagsPerBlock()

	for start := 0; start < len(t.buffers); start += per {
		end := start + per
		if end > len(t.buffers) {
			end = len(t.buffers)
		}
		batch := t.buffers[start:end]

		desc := make([]byte, j.blockSize)
		ondisk.EncodeJournalBlockHeader(desc, &ondisk.JournalBlockHeader{
			Magic:     ondisk.JBD2Magic,
			BlockType: ondisk.JBD2BlockTypeDescriptor,
			Sequence:  t.id,
		})
		off := ondisk.JournalBlockHeaderSize
		for i, b := range batch {
			tag := &ondisk.JournalTag{Flags: ondisk.JBD2TagFlagSameUUID}
			tag.SetLBA(b.LBA)
			if i == len(batch)-1 && end == len(t.buffers) {
				tag.Flags |= ondisk.JBD2TagFlagLastTag
			}
			ondisk.EncodeJournalTag(desc[off:], tag)
			off += ondisk.JournalTagSize
		}
		descIdx := j.next
		if err := j.writeLogBlock(descIdx, desc); err != nil {
			return err
		}
		j.next = j.advance(j.next)

		for _, b := range batch {
			if err := j.writeLogBlock(j.next, b.Data); err != nil {
				return err
			}
			j.next = j.advance(j.next)
		}
	}
	return nil
}

func (t *Transaction) writeRevokeBlock() error {
	if len(t.revoked) == 0 {
		return nil
	}
	j := t.j
	buf := make([]byte, j.blockSize)
	hdr := &ondisk.JournalRevokeHeader{
		Header: ondisk.JournalBlockHeader{
			Magic:     ondisk.JBD2Magic,
			BlockType: ondisk.JBD2BlockTypeRevoke,
			Sequence:  t.id,
		},
		Count: uint32(len(t.revoked)),
	}
	ondisk.EncodeJournalRevokeHeader(buf, hdr)

	off := ondisk.JournalRevokeHeaderSize
	maxRecs := (j.blockSize - ondisk.JournalRevokeHeaderSize) / 8
	i := 0
	for lba := range t.revoked {
		if i >= maxRecs {
			break // see DESIGN.md: multi-block revoke records aren't implemented
		}
		putUint64BE(buf[off:], uint64(lba))
		off += 8
		i++
	}

	idx := j.next
	j.next = j.advance(j.next)
	return j.writeLogBlock(idx, buf)
}

func (t *Transaction) writeCommitBlock() error {
	j := t.j
	var sum uint32
	for _, b := range t.buffers {
		sum = checksum.CRC32(sum, b.Data)
	}

	buf := make([]byte, j.blockSize)
	ondisk.EncodeJournalCommitBlock(buf, &ondisk.JournalCommitBlock{
		Header: ondisk.JournalBlockHeader{
			Magic:     ondisk.JBD2Magic,
			BlockType: ondisk.JBD2BlockTypeCommit,
			Sequence:  t.id,
		},
		ChecksumType: 1,
		Checksum:     sum,
	})

	idx := j.next
	j.next = j.advance(j.next)
	if err := j.writeLogBlock(idx, buf); err != nil {
		return err
	}
	return nil
}

// checkpoint writes every buffer the cache still holds dirty to its home
// location via the cache's own write-back path (clearing DIRTY and
// honoring any pinned buffer's EndWrite callback), then advances the
// journal's start pointer past this transaction, freeing its log space.
// Delegating to Cache.Flush rather than writing t.buffers directly keeps
// the cache's bookkeeping (the dirty list, FLUSH/TMP flags) consistent;
// this core only ever has one transaction open at a time, so "every dirty
// buffer" and "this transaction's buffers" coincide.
func (t *Transaction) checkpoint() error {
	j := t.j
	if err := j.v.Cache.Flush(); err != nil {
		return err
	}
	j.start = j.next
	return j.persistSuperblock()
}

func putUint64BE(buf []byte, v uint64) {
	buf[0] = byte(v >> 56)
	buf[1] = byte(v >> 48)
	buf[2] = byte(v >> 40)
	buf[3] = byte(v >> 32)
	buf[4] = byte(v >> 24)
	buf[5] = byte(v >> 16)
	buf[6] = byte(v >> 8)
	buf[7] = byte(v)
}

func getUint64BE(buf []byte) uint64 {
	return uint64(buf[0])<<56 | uint64(buf[1])<<48 | uint64(buf[2])<<40 | uint64(buf[3])<<32 |
		uint64(buf[4])<<24 | uint64(buf[5])<<16 | uint64(buf[6])<<8 | uint64(buf[7])
}
