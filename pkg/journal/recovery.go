package journal

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/embext/goext4/pkg/checksum"
	"github.com/embext/goext4/pkg/ondisk"
)

// replayFanOut bounds how many home-location writes Recover issues
// concurrently while replaying one transaction's logged blocks; the
// blocks within a single transaction never share an LBA (Transaction.
// SetDirty dedups per transaction), so writing them out of order within
// that transaction is safe. This assumes the mounted Device tolerates
// concurrent WriteBlocks calls at distinct LBAs, true of any WriterAt-
// backed implementation (blockdev.FileDevice included); a Device that
// cannot must report ENOTSUP-like failures rather than corrupt state.
const replayFanOut = 8

// txRecord is one fully-scanned transaction found in the log.
type txRecord struct {
	id       uint32
	descs    []int64 // log indices of descriptor blocks, in order
	tags     [][]*ondisk.JournalTag
	dataIdx  []int64 // first data block's log index for each descriptor, parallel to descs
	revokes  []int64
	commitOK bool
}

// Recover replays the log at mount time, per spec.md §4.6: a scan pass
// finds the last sequence of transactions that carry a valid commit block
// (an incomplete trailing transaction, left by a crash before its commit
// landed, is simply not replayed), a revoke pass records every block a
// later transaction revoked, and a replay pass writes each surviving
// transaction's logged blocks to their home locations, skipping any block
// a later transaction revoked.
func (j *Journal) Recover() error {
	txs, err := j.scan()
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		return nil
	}

	revokedAt := make(map[int64]uint32) // LBA -> highest trans id that revoked it
	for _, tx := range txs {
		for _, lba := range tx.revokes {
			if cur, ok := revokedAt[lba]; !ok || tx.id > cur {
				revokedAt[lba] = tx.id
			}
		}
	}

	ctx := context.Background()
	for _, tx := range txs {
		type job struct {
			lba  int64
			data []byte
		}
		var jobs []job
		for d, tags := range tx.tags {
			idx := tx.dataIdx[d]
			for _, tag := range tags {
				lba := tag.LBA()
				data, err := j.readLogBlock(idx)
				if err != nil {
					return err
				}
				idx = j.advance(idx)

				if rid, revoked := revokedAt[lba]; revoked && rid > tx.id {
					continue
				}
				jobs = append(jobs, job{lba: lba, data: data})
			}
		}

		sem := semaphore.NewWeighted(replayFanOut)
		g, gctx := errgroup.WithContext(ctx)
		for _, jb := range jobs {
			jb := jb
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			g.Go(func() error {
				defer sem.Release(1)
				if err := j.v.Dev.WriteBlocks(jb.data, jb.lba, 1); err != nil {
					return err
				}
				j.v.Cache.InvalidateRange(jb.lba, 1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if err := j.v.Dev.Flush(); err != nil {
		return err
	}

	last := txs[len(txs)-1]
	j.sequence = last.id
	j.start = j.next
	return j.persistSuperblock()
}

// scan walks the log from j.start forward, decoding descriptor/data/revoke
// blocks until it hits an invalid header, a sequence mismatch, or runs out
// of committed transactions; an incomplete final transaction (no matching
// commit block found before the log wraps back to something that doesn't
// belong to it) is dropped.
func (j *Journal) scan() ([]txRecord, error) {
	var out []txRecord
	idx := j.start
	expectSeq := j.sequence + 1
	if j.sequence == 0 {
		expectSeq = 1
	}

	for {
		buf, err := j.readLogBlock(idx)
		if err != nil {
			return out, nil
		}
		hdr, err := ondisk.DecodeJournalBlockHeader(buf)
		if err != nil || hdr.Magic != ondisk.JBD2Magic || hdr.Sequence != expectSeq {
			return out, nil
		}

		switch hdr.BlockType {
		case ondisk.JBD2BlockTypeDescriptor:
			tx, nextIdx, ok := j.scanTransaction(idx, expectSeq)
			if !ok {
				return out, nil
			}
			out = append(out, tx)
			idx = nextIdx
			expectSeq++
		default:
			return out, nil
		}
	}
}

// scanTransaction reads every descriptor/data/revoke block belonging to
// sequence seq starting at descIdx, stopping at the commit block. Returns
// ok=false if the log runs out or the commit block is missing or its
// checksum doesn't match, meaning this transaction never completed and
// must not be replayed.
func (j *Journal) scanTransaction(descIdx int64, seq uint32) (txRecord, int64, bool) {
	tx := txRecord{id: seq}
	idx := descIdx
	var checksummed []byte

	for {
		buf, err := j.readLogBlock(idx)
		if err != nil {
			return tx, idx, false
		}
		hdr, err := ondisk.DecodeJournalBlockHeader(buf)
		if err != nil || hdr.Magic != ondisk.JBD2Magic || hdr.Sequence != seq {
			return tx, idx, false
		}

		switch hdr.BlockType {
		case ondisk.JBD2BlockTypeDescriptor:
			tags := decodeTags(buf, j.tagsPerBlock())
			tx.descs = append(tx.descs, idx)
			tx.tags = append(tx.tags, tags)
			idx = j.advance(idx)
			tx.dataIdx = append(tx.dataIdx, idx)
			for range tags {
				dbuf, err := j.readLogBlock(idx)
				if err != nil {
					return tx, idx, false
				}
				checksummed = append(checksummed, dbuf...)
				idx = j.advance(idx)
			}

		case ondisk.JBD2BlockTypeRevoke:
			rh, err := ondisk.DecodeJournalRevokeHeader(buf)
			if err != nil {
				return tx, idx, false
			}
			off := ondisk.JournalRevokeHeaderSize
			for i := uint32(0); i < rh.Count && off+8 <= len(buf); i++ {
				tx.revokes = append(tx.revokes, int64(getUint64BE(buf[off:])))
				off += 8
			}
			idx = j.advance(idx)

		case ondisk.JBD2BlockTypeCommit:
			cb, err := ondisk.DecodeJournalCommitBlock(buf)
			if err != nil {
				return tx, idx, false
			}
			want := checksum.CRC32(0, checksummed)
			if cb.Checksum != want {
				return tx, idx, false // torn write: commit landed but data didn't match
			}
			idx = j.advance(idx)
			tx.commitOK = true
			return tx, idx, true

		default:
			return tx, idx, false
		}
	}
}

func decodeTags(buf []byte, max int) []*ondisk.JournalTag {
	var out []*ondisk.JournalTag
	off := ondisk.JournalBlockHeaderSize
	for i := 0; i < max && off+ondisk.JournalTagSize <= len(buf); i++ {
		tag := ondisk.DecodeJournalTag(buf[off:])
		out = append(out, tag)
		off += ondisk.JournalTagSize
		if tag.Flags&ondisk.JBD2TagFlagLastTag != 0 {
			break
		}
	}
	return out
}
