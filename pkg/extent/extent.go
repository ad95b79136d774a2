// Package extent implements the logical-to-physical block mapping of
// spec.md §4.4: lookup, allocate-on-write, and range removal over the
// extent tree rooted in an inode's 60-byte Block field. Node decoding is
// grounded on the teacher's pkg/ext4 ExtentHeader/Extent/ExtentIndex
// layout (there write-only, here read/write); the split/grow-depth
// algorithm follows the shape spec.md §4.4 describes rather than any
// single teacher file, since the teacher's mkfs compiler only ever wrote
// single-level trees. Depth grows without a fixed ceiling: a full node
// splits and routes through its parent, recursively, and a full root
// moves its whole contents into a fresh block and grows the tree by one
// level, same as the kernel's ext4_ext_create_new_leaf/ext4_ext_grow_indepth.
package extent

import (
	"fmt"
	"sort"

	"github.com/embext/goext4/pkg/alloc"
	"github.com/embext/goext4/pkg/bcache"
	"github.com/embext/goext4/pkg/checksum"
	"github.com/embext/goext4/pkg/errno"
	"github.com/embext/goext4/pkg/inode"
	"github.com/embext/goext4/pkg/ondisk"
	"github.com/embext/goext4/pkg/volume"
)

// rootMaxEntries is the number of 12-byte entries that fit in an inode's
// 60-byte Block field after the 12-byte header.
const rootMaxEntries = (ondisk.InodeMaxInlineBytes - ondisk.ExtentHeaderSize) / ondisk.ExtentSize

// blockEntryMax is the entry capacity of a whole (non-inline) tree block:
// ExtentIndexSize and ExtentSize are both 12 bytes, so this formula is
// the same whether the block holds leaf Extent or interior ExtentIndex
// records.
func (t *Tree) blockEntryMax() uint16 {
	return uint16((t.v.BlockSize() - ondisk.ExtentHeaderSize - ondisk.ExtentTailSize) / ondisk.ExtentSize)
}

// Tree is a handle on one inode's extent tree.
type Tree struct {
	v     *volume.Volume
	ref   *inode.Ref
	alloc *alloc.BlockAllocator
}

func Open(v *volume.Volume, ref *inode.Ref, a *alloc.BlockAllocator) *Tree {
	return &Tree{v: v, ref: ref, alloc: a}
}

// Mapping is one resolved (or unresolved) logical block.
type Mapping struct {
	Physical  int64
	Unwritten bool
	Found     bool
}

func (t *Tree) rootHeader() *ondisk.ExtentHeader {
	h, err := ondisk.DecodeExtentHeader(t.ref.Base.Block[:])
	if err != nil {
		// An inode without a valid extent header but with the EXTENTS
		// flag set is corrupt; callers of Lookup/Insert check
		// UsesExtents first, so reaching here with garbage is a format
		// violation rather than a normal "empty file" case.
		h = &ondisk.ExtentHeader{Magic: ondisk.ExtentMagic, Depth: 0, Max: rootMaxEntries}
	}
	return h
}

func (t *Tree) initRoot() {
	h := &ondisk.ExtentHeader{
		Magic:   ondisk.ExtentMagic,
		Entries: 0,
		Max:     rootMaxEntries,
		Depth:   0,
	}
	ondisk.EncodeExtentHeader(t.ref.Base.Block[:], h)
	t.ref.Base.Flags |= ondisk.InodeFlagExtents
}

// Lookup resolves logical block L to a physical block, per spec.md §4.4.
func (t *Tree) Lookup(logical int64) (Mapping, error) {
	if !t.ref.Base.UsesExtents() {
		return Mapping{}, errno.New(errno.ENOTSUP)
	}
	h := t.rootHeader()
	if h.Depth == 0 {
		return t.lookupLeaf(t.ref.Base.Block[:], logical)
	}
	return t.lookupIndex(t.ref.Base.Block[:], logical)
}

func (t *Tree) lookupIndex(buf []byte, logical int64) (Mapping, error) {
	h, err := ondisk.DecodeExtentHeader(buf)
	if err != nil {
		return Mapping{}, errno.Wrap(errno.ECORRUPT, err, "decoding extent index header")
	}
	entries := make([]*ondisk.ExtentIndex, h.Entries)
	for i := 0; i < int(h.Entries); i++ {
		off := ondisk.ExtentHeaderSize + i*ondisk.ExtentIndexSize
		entries[i] = ondisk.DecodeExtentIndex(buf[off:])
	}
	i := sort.Search(len(entries), func(i int) bool { return int64(entries[i].Block) > logical }) - 1
	if i < 0 {
		return Mapping{}, nil
	}
	child := int64(entries[i].Child())
	b, err := t.v.ReadBlock(child)
	if err != nil {
		return Mapping{}, err
	}
	defer t.v.Release(b)

	ch, err := ondisk.DecodeExtentHeader(b.Data)
	if err != nil {
		return Mapping{}, errno.Wrap(errno.ECORRUPT, err, "decoding extent child header")
	}
	if ch.Depth == 0 {
		return t.lookupLeaf(b.Data, logical)
	}
	return t.lookupIndex(b.Data, logical)
}

func (t *Tree) lookupLeaf(buf []byte, logical int64) (Mapping, error) {
	h, err := ondisk.DecodeExtentHeader(buf)
	if err != nil {
		return Mapping{}, errno.Wrap(errno.ECORRUPT, err, "decoding extent leaf header")
	}
	for i := 0; i < int(h.Entries); i++ {
		off := ondisk.ExtentHeaderSize + i*ondisk.ExtentSize
		e := ondisk.DecodeExtent(buf[off:])
		first := int64(e.Block)
		last := first + int64(e.Length()) - 1
		if logical >= first && logical <= last {
			return Mapping{
				Physical:  int64(e.Start()) + (logical - first),
				Unwritten: e.Unwritten(),
				Found:     true,
			}, nil
		}
	}
	return Mapping{}, nil
}

// Insert records that logical..logical+length-1 maps to physical
// ..physical+length-1 (allocate-on-write / convert-unwritten), extending
// an adjoining extent when physically and logically contiguous, or
// inserting a new entry and splitting/growing the tree as needed.
func (t *Tree) Insert(logical int64, physical int64, length int, unwritten bool) error {
	if !t.ref.Base.UsesExtents() {
		t.initRoot()
	}
	ok, err := t.insertAt(t.ref.Base.Block[:], logical, physical, length, unwritten)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return t.growTreeDepth(logical, physical, length, unwritten)
}

// insertAt inserts into the node occupying buf, dispatching to the leaf
// or interior-index path by the node's own depth. Returns ok=false when
// the node is full and the caller must split it (or, at the root, grow
// the tree).
func (t *Tree) insertAt(buf []byte, logical, physical int64, length int, unwritten bool) (bool, error) {
	h, err := ondisk.DecodeExtentHeader(buf)
	if err != nil {
		return false, errno.Wrap(errno.ECORRUPT, err, "decoding extent node")
	}
	if h.Depth == 0 {
		return t.insertLeaf(buf, logical, physical, length, unwritten)
	}
	return t.insertIndex(buf, h.Depth, logical, physical, length, unwritten)
}

// insertLeaf tries to insert/extend within a single leaf buffer that fits
// in buf (either the inode's inline Block or a whole leaf block). Returns
// ok=false when the leaf is full and the caller must split/grow.
func (t *Tree) insertLeaf(buf []byte, logical, physical int64, length int, unwritten bool) (bool, error) {
	h, err := ondisk.DecodeExtentHeader(buf)
	if err != nil {
		return false, errno.Wrap(errno.ECORRUPT, err, "decoding extent leaf")
	}

	entries := make([]*ondisk.Extent, h.Entries)
	for i := 0; i < int(h.Entries); i++ {
		off := ondisk.ExtentHeaderSize + i*ondisk.ExtentSize
		entries[i] = ondisk.DecodeExtent(buf[off:])
	}

	// Extend the last extent when the new range is its immediate logical
	// and physical continuation (the common sequential-write case).
	if n := len(entries); n > 0 {
		last := entries[n-1]
		lastEnd := int64(last.Block) + int64(last.Length())
		if lastEnd == logical && last.Unwritten() == unwritten &&
			int64(last.Start())+int64(last.Length()) == physical &&
			int(last.Length())+length <= ondisk.ExtentMaxLenWritten {
			last.Len = uint16(int(last.Length()) + length)
			last.SetUnwritten(unwritten)
			off := ondisk.ExtentHeaderSize + (n-1)*ondisk.ExtentSize
			ondisk.EncodeExtent(buf[off:], last)
			return true, nil
		}
	}

	if int(h.Entries) >= int(h.Max) {
		return false, nil
	}

	e := &ondisk.Extent{Block: uint32(logical), Len: uint16(length)}
	e.SetStart(uint64(physical))
	e.SetUnwritten(unwritten)

	entries = append(entries, e)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Block < entries[j].Block })

	h.Entries++
	ondisk.EncodeExtentHeader(buf, h)
	for i, ent := range entries {
		off := ondisk.ExtentHeaderSize + i*ondisk.ExtentSize
		ondisk.EncodeExtent(buf[off:], ent)
	}
	return true, nil
}

// growTreeDepth handles a full root (leaf or index): its current contents
// move verbatim into a freshly allocated whole block at the same depth,
// and the root becomes a one-entry index one level deeper, pointing at
// that block, per spec.md §4.4 ("grow the tree by moving the root into a
// fresh block and increasing depth").
func (t *Tree) growTreeDepth(logical, physical int64, length int, unwritten bool) error {
	oldHeader := t.rootHeader()

	newLBA, err := t.alloc.Alloc(physical)
	if err != nil {
		return err
	}
	nb, err := t.v.NewBlock(newLBA)
	if err != nil {
		return err
	}

	movedHeader := &ondisk.ExtentHeader{
		Magic:      ondisk.ExtentMagic,
		Entries:    oldHeader.Entries,
		Max:        t.blockEntryMax(),
		Depth:      oldHeader.Depth,
		Generation: t.ref.Base.GenNo,
	}
	ondisk.EncodeExtentHeader(nb.Data, movedHeader)
	copy(nb.Data[ondisk.ExtentHeaderSize:], t.ref.Base.Block[ondisk.ExtentHeaderSize:ondisk.InodeMaxInlineBytes])

	var ok bool
	if oldHeader.Depth == 0 {
		ok, err = t.insertLeaf(nb.Data, logical, physical, length, unwritten)
	} else {
		ok, err = t.insertIndex(nb.Data, oldHeader.Depth, logical, physical, length, unwritten)
	}
	if err != nil {
		t.v.Release(nb)
		return err
	}
	if !ok {
		// A whole block's capacity is always larger than the root's
		// inline one for every supported block size, so the moved-out
		// node (which was only as full as the inline root allowed)
		// always has room for one more entry; reaching here means the
		// block size is implausibly small relative to the extent
		// record size.
		t.v.Release(nb)
		return errno.New(errno.EFBIG)
	}
	t.updateTailChecksum(nb.Data)
	nb.MarkDirty()
	if err := t.v.Release(nb); err != nil {
		return err
	}

	rootHeader := &ondisk.ExtentHeader{
		Magic:   ondisk.ExtentMagic,
		Entries: 1,
		Max:     rootMaxEntries,
		Depth:   oldHeader.Depth + 1,
	}
	ondisk.EncodeExtentHeader(t.ref.Base.Block[:], rootHeader)
	idx := &ondisk.ExtentIndex{Block: 0}
	idx.SetChild(uint64(newLBA))
	ondisk.EncodeExtentIndex(t.ref.Base.Block[ondisk.ExtentHeaderSize:], idx)
	return nil
}

// insertIndex descends into buf (an interior node at the given depth,
// i.e. its children are depth-1) to the child covering logical, inserting
// there. A full child is split into two siblings at the same depth, and a
// new routing entry for the sibling is added to buf, retrying the insert;
// if buf itself has no room for that new entry, insertIndex returns
// ok=false so the caller (one level up, or Insert for the root) splits or
// grows in turn.
func (t *Tree) insertIndex(buf []byte, depth uint16, logical, physical int64, length int, unwritten bool) (bool, error) {
	h, err := ondisk.DecodeExtentHeader(buf)
	if err != nil {
		return false, errno.Wrap(errno.ECORRUPT, err, "decoding extent index")
	}

	entries := make([]*ondisk.ExtentIndex, h.Entries)
	for i := 0; i < int(h.Entries); i++ {
		off := ondisk.ExtentHeaderSize + i*ondisk.ExtentIndexSize
		entries[i] = ondisk.DecodeExtentIndex(buf[off:])
	}
	ci := sort.Search(len(entries), func(i int) bool { return int64(entries[i].Block) > logical }) - 1
	if ci < 0 {
		ci = 0
	}
	child := int64(entries[ci].Child())

	cb, err := t.v.ReadBlock(child)
	if err != nil {
		return false, err
	}

	var ok bool
	if depth == 1 {
		ok, err = t.insertLeaf(cb.Data, logical, physical, length, unwritten)
	} else {
		ok, err = t.insertIndex(cb.Data, depth-1, logical, physical, length, unwritten)
	}
	if err != nil {
		t.v.Release(cb)
		return false, err
	}
	if ok {
		t.updateTailChecksum(cb.Data)
		cb.MarkDirty()
		if err := t.v.Release(cb); err != nil {
			return false, err
		}
		return true, nil
	}

	if int(h.Entries) >= int(h.Max) {
		t.v.Release(cb)
		return false, nil
	}

	newBlock, siblingLBA, err := t.splitNode(cb, child, depth-1)
	if err != nil {
		return false, err
	}

	newIdx := &ondisk.ExtentIndex{Block: newBlock}
	newIdx.SetChild(uint64(siblingLBA))
	entries = append(entries, newIdx)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Block < entries[j].Block })
	h.Entries++
	ondisk.EncodeExtentHeader(buf, h)
	for i, ent := range entries {
		off := ondisk.ExtentHeaderSize + i*ondisk.ExtentIndexSize
		ondisk.EncodeExtentIndex(buf[off:], ent)
	}

	return t.insertIndex(buf, depth, logical, physical, length, unwritten)
}

// splitNode splits a full node in half by entry count, writing the lower
// half back into cb (already positioned at childLBA) and the upper half
// into a freshly allocated sibling at the same depth (0 for a leaf,
// matching cb's own header.Depth). It returns the first logical block
// covered by the sibling — the new routing key for the caller's index
// entry — and the sibling's LBA. ExtentIndex and Extent share the same
// 12-byte layout with the routing/first-logical key as the first field,
// so decoding the raw split point as an Extent to read Block works for
// both leaf and interior nodes.
func (t *Tree) splitNode(cb *bcache.Buffer, childLBA int64, siblingDepth uint16) (uint32, int64, error) {
	h, err := ondisk.DecodeExtentHeader(cb.Data)
	if err != nil {
		t.v.Release(cb)
		return 0, 0, errno.Wrap(errno.ECORRUPT, err, "decoding node to split")
	}

	n := int(h.Entries)
	mid := n / 2
	upperStart := ondisk.ExtentHeaderSize + mid*ondisk.ExtentSize
	upperEnd := ondisk.ExtentHeaderSize + n*ondisk.ExtentSize
	upper := make([]byte, upperEnd-upperStart)
	copy(upper, cb.Data[upperStart:upperEnd])
	firstUpperBlock := ondisk.DecodeExtent(upper).Block

	h.Entries = uint16(mid)
	ondisk.EncodeExtentHeader(cb.Data, h)
	t.updateTailChecksum(cb.Data)
	cb.MarkDirty()
	if err := t.v.Release(cb); err != nil {
		return 0, 0, err
	}

	siblingLBA, err := t.alloc.Alloc(childLBA + 1)
	if err != nil {
		return 0, 0, err
	}
	sb, err := t.v.NewBlock(siblingLBA)
	if err != nil {
		return 0, 0, err
	}
	sh := &ondisk.ExtentHeader{
		Magic:      ondisk.ExtentMagic,
		Entries:    uint16(n - mid),
		Max:        h.Max,
		Depth:      siblingDepth,
		Generation: t.ref.Base.GenNo,
	}
	ondisk.EncodeExtentHeader(sb.Data, sh)
	copy(sb.Data[ondisk.ExtentHeaderSize:ondisk.ExtentHeaderSize+len(upper)], upper)
	t.updateTailChecksum(sb.Data)
	sb.MarkDirty()
	if err := t.v.Release(sb); err != nil {
		return 0, 0, err
	}

	return firstUpperBlock, siblingLBA, nil
}

// RemoveRange frees every physical block backing logical blocks
// [from, to] and removes or truncates the extent entries covering them,
// per spec.md §4.4. It descends through every level of the tree
// regardless of depth; per the invariant note in spec.md §4.4 ("no
// explicit rebalance on delete"), it neither collapses emptied interior
// nodes nor decreases the tree's depth.
func (t *Tree) RemoveRange(from, to int64) error {
	return t.removeAt(t.ref.Base.Block[:], from, to)
}

func (t *Tree) removeAt(buf []byte, from, to int64) error {
	h, err := ondisk.DecodeExtentHeader(buf)
	if err != nil {
		return errno.Wrap(errno.ECORRUPT, err, "decoding extent node for removal")
	}
	if h.Depth == 0 {
		return t.removeLeafRange(buf, from, to)
	}

	entries := make([]*ondisk.ExtentIndex, h.Entries)
	for i := 0; i < int(h.Entries); i++ {
		off := ondisk.ExtentHeaderSize + i*ondisk.ExtentIndexSize
		entries[i] = ondisk.DecodeExtentIndex(buf[off:])
	}
	for _, idx := range entries {
		child := int64(idx.Child())
		b, err := t.v.ReadBlock(child)
		if err != nil {
			return err
		}
		if err := t.removeAt(b.Data, from, to); err != nil {
			t.v.Release(b)
			return err
		}
		t.updateTailChecksum(b.Data)
		b.MarkDirty()
		if err := t.v.Release(b); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) removeLeafRange(buf []byte, from, to int64) error {
	h, err := ondisk.DecodeExtentHeader(buf)
	if err != nil {
		return errno.Wrap(errno.ECORRUPT, err, "decoding extent leaf for removal")
	}

	kept := make([]*ondisk.Extent, 0, h.Entries)
	for i := 0; i < int(h.Entries); i++ {
		off := ondisk.ExtentHeaderSize + i*ondisk.ExtentSize
		e := ondisk.DecodeExtent(buf[off:])
		first := int64(e.Block)
		last := first + int64(e.Length()) - 1

		if last < from || first > to {
			kept = append(kept, e)
			continue
		}

		// Free the physical blocks covering the intersected range, and
		// keep any untouched prefix/suffix of the extent.
		interFrom, interTo := first, last
		if from > interFrom {
			interFrom = from
		}
		if to < interTo {
			interTo = to
		}
		freeLen := interTo - interFrom + 1
		freeStart := int64(e.Start()) + (interFrom - first)
		if err := t.alloc.FreeRange(freeStart, freeLen); err != nil {
			return err
		}

		if first < interFrom {
			prefix := *e
			prefix.Len = uint16(interFrom - first)
			kept = append(kept, &prefix)
		}
		if last > interTo {
			suffix := *e
			suffix.Block = uint32(interTo + 1)
			suffix.SetStart(uint64(int64(e.Start()) + (interTo + 1 - first)))
			suffix.Len = uint16(last - interTo)
			kept = append(kept, &suffix)
		}
	}

	h.Entries = uint16(len(kept))
	ondisk.EncodeExtentHeader(buf, h)
	for i, e := range kept {
		off := ondisk.ExtentHeaderSize + i*ondisk.ExtentSize
		ondisk.EncodeExtent(buf[off:], e)
	}
	return nil
}

// updateTailChecksum recomputes the CRC32C tail on a whole-block extent
// node, keyed by inode number and generation, when metadata checksumming
// is enabled.
func (t *Tree) updateTailChecksum(buf []byte) {
	if !t.v.SB.MetadataChecksumEnabled() {
		return
	}
	tailOff := len(buf) - ondisk.ExtentTailSize
	if tailOff < 0 {
		return
	}
	var key [8]byte
	key[0] = byte(t.ref.Num)
	key[1] = byte(t.ref.Num >> 8)
	key[2] = byte(t.ref.Num >> 16)
	key[3] = byte(t.ref.Num >> 24)
	key[4] = byte(t.ref.Base.GenNo)
	key[5] = byte(t.ref.Base.GenNo >> 8)
	key[6] = byte(t.ref.Base.GenNo >> 16)
	key[7] = byte(t.ref.Base.GenNo >> 24)
	seed := checksum.CRC32C(t.v.SB.ChecksumSeed, key[:])
	sum := checksum.CRC32C(seed, buf[:tailOff])
	buf[tailOff] = byte(sum)
	buf[tailOff+1] = byte(sum >> 8)
	buf[tailOff+2] = byte(sum >> 16)
	buf[tailOff+3] = byte(sum >> 24)
}

// ValidateOrder walks the whole tree read-only and reports every node
// whose entries are not in strictly increasing, non-overlapping logical
// order, per spec.md §8's ordering invariant over extent trees of any
// depth. It never repairs anything; findings are returned for the caller
// to log.
func (t *Tree) ValidateOrder() ([]string, error) {
	if !t.ref.Base.UsesExtents() {
		return nil, nil
	}
	return t.validateNode(t.ref.Base.Block[:], "root")
}

func (t *Tree) validateNode(buf []byte, where string) ([]string, error) {
	h, err := ondisk.DecodeExtentHeader(buf)
	if err != nil {
		return []string{fmt.Sprintf("%s: %v", where, err)}, nil
	}
	if h.Depth == 0 {
		return t.validateLeaf(buf, h, where), nil
	}

	var findings []string
	var prevBlock int64 = -1
	for i := 0; i < int(h.Entries); i++ {
		off := ondisk.ExtentHeaderSize + i*ondisk.ExtentIndexSize
		e := ondisk.DecodeExtentIndex(buf[off:])
		block := int64(e.Block)
		if i == 0 && block != 0 {
			findings = append(findings, fmt.Sprintf("%s: first index entry routes from block %d, not 0", where, block))
		} else if i > 0 && block <= prevBlock {
			findings = append(findings, fmt.Sprintf("%s: index entry %d routes from block %d, not after prior entry's %d", where, i, block, prevBlock))
		}
		prevBlock = block

		child := int64(e.Child())
		b, err := t.v.ReadBlock(child)
		if err != nil {
			findings = append(findings, fmt.Sprintf("%s: child block %d: %v", where, child, err))
			continue
		}
		childFindings, err := t.validateNode(b.Data, fmt.Sprintf("%s/entry%d@block%d", where, i, child))
		t.v.Release(b)
		if err != nil {
			return nil, err
		}
		findings = append(findings, childFindings...)
	}
	return findings, nil
}

func (t *Tree) validateLeaf(buf []byte, h *ondisk.ExtentHeader, where string) []string {
	var findings []string
	var prevEnd int64 = -1
	for i := 0; i < int(h.Entries); i++ {
		off := ondisk.ExtentHeaderSize + i*ondisk.ExtentSize
		e := ondisk.DecodeExtent(buf[off:])
		first := int64(e.Block)
		last := first + int64(e.Length()) - 1
		if first <= prevEnd {
			findings = append(findings, fmt.Sprintf("%s: leaf extent %d (logical %d-%d) overlaps or is out of order after prior extent ending at %d", where, i, first, last, prevEnd))
		}
		prevEnd = last
	}
	return findings
}
