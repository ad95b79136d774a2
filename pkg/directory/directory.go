// Package directory implements linear directory entry management and
// HTree-indexed lookup/conversion (spec.md §4.5). Linear record framing
// (rec_len chaining, trailing-space coalescing) is grounded on the
// teacher's pkg/ext4/dir.go dentry/addLinearDirectoryBlock write path,
// generalized from a one-shot mkfs writer to a live add/find/remove
// store; the HTree root/leaf layout is grounded on
// original_source/include/ext4_dir_idx.h's split into root+leaf blocks,
// reduced to a single index level.
package directory

import (
	"fmt"
	"sort"

	"github.com/embext/goext4/pkg/alloc"
	"github.com/embext/goext4/pkg/checksum"
	"github.com/embext/goext4/pkg/errno"
	"github.com/embext/goext4/pkg/extent"
	"github.com/embext/goext4/pkg/inode"
	"github.com/embext/goext4/pkg/ondisk"
	"github.com/embext/goext4/pkg/volume"
)

var errUnsupportedHash = errno.New(errno.ENOTSUP)

// htreeThreshold is the entry count past which a directory on a filesystem
// with the dir_index compat feature is converted from linear to HTree,
// chosen as a small round number rather than measuring actual block
// occupancy like the kernel does.
const htreeThreshold = 64

// Entry is one decoded directory record, with its name already sliced
// out of the block buffer.
type Entry struct {
	Inode int64
	Type  uint8
	Name  string
}

// Directory wraps a directory inode's data blocks for entry management.
type Directory struct {
	v     *volume.Volume
	ref   *inode.Ref
	tree  *extent.Tree
	alloc *alloc.BlockAllocator
}

func Open(v *volume.Volume, ref *inode.Ref, a *alloc.BlockAllocator) *Directory {
	return &Directory{v: v, ref: ref, tree: extent.Open(v, ref, a), alloc: a}
}

func (d *Directory) blockSize() int64 { return int64(d.v.BlockSize()) }
func (d *Directory) blockCount() int64 {
	return ondisk.Divide(d.ref.Base.Size(), d.blockSize())
}

func (d *Directory) seed() [4]uint32 { return d.v.SB.HashSeed }

func (d *Directory) indexed() bool {
	return d.ref.Base.HasFlag(ondisk.InodeFlagIndex)
}

// readBlock resolves logical directory block n to its cached buffer.
func (d *Directory) readBlock(n int64) (*ondisk.DirEntIterBuf, error) {
	m, err := d.tree.Lookup(n)
	if err != nil {
		return nil, err
	}
	if !m.Found {
		return nil, errno.Wrap(errno.ECORRUPT, nil, "directory missing logical block %d", n)
	}
	b, err := d.v.ReadBlock(m.Physical)
	if err != nil {
		return nil, err
	}
	return &ondisk.DirEntIterBuf{Buf: b.Data, Release: func() error { return d.v.Release(b) }}, nil
}

// iterBlock walks every real (non-tail, non-fake) entry in a block's
// bytes, invoking fn with its byte offset.
func iterBlock(buf []byte, skip int, fn func(off int, ent *ondisk.Dirent, name string) bool) {
	off := skip
	for off+ondisk.DirentHeaderSize <= len(buf) {
		ent, err := ondisk.DecodeDirent(buf[off:])
		if err != nil || ent.RecLen == 0 {
			return
		}
		name := ""
		if ent.Inode != 0 && ent.FileType != ondisk.FakeTailFileType {
			end := off + ondisk.DirentHeaderSize + int(ent.NameLen)
			if end <= len(buf) {
				name = string(buf[off+ondisk.DirentHeaderSize : end])
			}
		}
		if !fn(off, ent, name) {
			return
		}
		off += int(ent.RecLen)
	}
}

// Find looks up name, using the HTree root to pick a single candidate
// leaf when the directory is indexed, otherwise scanning every block.
func (d *Directory) Find(name string) (Entry, bool, error) {
	if d.indexed() {
		return d.findIndexed(name)
	}
	return d.findLinear(name)
}

func (d *Directory) findLinear(name string) (Entry, bool, error) {
	n := d.blockCount()
	for i := int64(0); i < n; i++ {
		ib, err := d.readBlock(i)
		if err != nil {
			return Entry{}, false, err
		}
		var found Entry
		var ok bool
		iterBlock(ib.Buf, 0, func(off int, ent *ondisk.Dirent, nm string) bool {
			if nm == name {
				found = Entry{Inode: int64(ent.Inode), Type: ent.FileType, Name: nm}
				ok = true
				return false
			}
			return true
		})
		if err := ib.Release(); err != nil {
			return Entry{}, false, err
		}
		if ok {
			return found, true, nil
		}
	}
	return Entry{}, false, nil
}

func (d *Directory) findIndexed(name string) (Entry, bool, error) {
	root, err := d.readBlock(0)
	if err != nil {
		return Entry{}, false, err
	}
	defer root.Release()

	dotRec, _ := ondisk.DecodeDirent(root.Buf)
	dotdotOff := int(dotRec.RecLen)
	dotdotRec, _ := ondisk.DecodeDirent(root.Buf[dotdotOff:])
	infoOff := dotdotOff + int(dotdotRec.RecLen)

	info := ondisk.DecodeDXRootInfo(root.Buf[infoOff:])
	h, err := Hash(info.HashVersion, name, d.seed())
	if err != nil {
		return Entry{}, false, err
	}

	climitOff := infoOff + ondisk.DXRootInfoSize
	count := int(root.Buf[climitOff+2]) | int(root.Buf[climitOff+3])<<8

	type route struct {
		hash  uint32
		block uint32
	}
	routes := make([]route, 0, count)
	for i := 1; i < count; i++ {
		off := climitOff + i*ondisk.DXEntrySize
		e := ondisk.DecodeDXEntry(root.Buf[off:])
		routes = append(routes, route{hash: e.Hash, block: e.Block})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].hash < routes[j].hash })

	leafBlock := int64(0)
	for _, r := range routes {
		if h >= r.hash {
			leafBlock = int64(r.block)
		}
	}

	leaf, err := d.readBlock(leafBlock)
	if err != nil {
		return Entry{}, false, err
	}
	defer leaf.Release()

	var found Entry
	var ok bool
	iterBlock(leaf.Buf, 0, func(off int, ent *ondisk.Dirent, nm string) bool {
		if nm == name {
			found = Entry{Inode: int64(ent.Inode), Type: ent.FileType, Name: nm}
			ok = true
			return false
		}
		return true
	})
	return found, ok, nil
}

// ValidateHashRanges is a read-only check that every entry in an
// HTree-indexed directory's leaf blocks hashes into the range its root's
// DXEntry routing table assigns that leaf, per spec.md §8's HTree
// hash-range coverage invariant. Non-indexed directories have nothing to
// check and return no findings.
func (d *Directory) ValidateHashRanges() ([]string, error) {
	if !d.indexed() {
		return nil, nil
	}

	root, err := d.readBlock(0)
	if err != nil {
		return nil, err
	}
	defer root.Release()

	dotRec, _ := ondisk.DecodeDirent(root.Buf)
	dotdotOff := int(dotRec.RecLen)
	dotdotRec, _ := ondisk.DecodeDirent(root.Buf[dotdotOff:])
	infoOff := dotdotOff + int(dotdotRec.RecLen)

	info := ondisk.DecodeDXRootInfo(root.Buf[infoOff:])

	climitOff := infoOff + ondisk.DXRootInfoSize
	count := int(root.Buf[climitOff+2]) | int(root.Buf[climitOff+3])<<8

	type route struct {
		hash  uint32
		block uint32
	}
	routes := make([]route, 0, count)
	for i := 1; i < count; i++ {
		off := climitOff + i*ondisk.DXEntrySize
		e := ondisk.DecodeDXEntry(root.Buf[off:])
		routes = append(routes, route{hash: e.Hash, block: e.Block})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].hash < routes[j].hash })

	var findings []string
	for i, r := range routes {
		lo := r.hash
		hi := uint32(0xffffffff)
		if i+1 < len(routes) {
			hi = routes[i+1].hash - 1
		}

		leaf, err := d.readBlock(int64(r.block))
		if err != nil {
			findings = append(findings, fmt.Sprintf("htree leaf block %d: %v", r.block, err))
			continue
		}
		iterBlock(leaf.Buf, 0, func(off int, ent *ondisk.Dirent, nm string) bool {
			h, herr := Hash(info.HashVersion, nm, d.seed())
			if herr != nil {
				findings = append(findings, fmt.Sprintf("htree leaf block %d: entry %q: %v", r.block, nm, herr))
				return true
			}
			if h < lo || h > hi {
				findings = append(findings, fmt.Sprintf(
					"htree leaf block %d: entry %q hashes to %#x, outside its assigned range [%#x, %#x]", r.block, nm, h, lo, hi))
			}
			return true
		})
		if err := leaf.Release(); err != nil {
			return nil, err
		}
	}
	return findings, nil
}

// List returns every live entry across the directory, in on-disk order.
func (d *Directory) List() ([]Entry, error) {
	var out []Entry
	n := d.blockCount()
	for i := int64(0); i < n; i++ {
		ib, err := d.readBlock(i)
		if err != nil {
			return nil, err
		}
		skip := 0
		if i == 0 && d.indexed() {
			dotRec, _ := ondisk.DecodeDirent(ib.Buf)
			dotdotRec, _ := ondisk.DecodeDirent(ib.Buf[dotRec.RecLen:])
			skip = int(dotRec.RecLen) + int(dotdotRec.RecLen)
		}
		iterBlock(ib.Buf, skip, func(off int, ent *ondisk.Dirent, nm string) bool {
			if ent.Inode != 0 && ent.FileType != ondisk.FakeTailFileType && nm != "" {
				out = append(out, Entry{Inode: int64(ent.Inode), Type: ent.FileType, Name: nm})
			}
			return true
		})
		if err := ib.Release(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Add inserts a new (name, ino, ftype) record, splitting an existing
// entry's trailing slack space when one is found, otherwise appending a
// fresh block, per spec.md §4.5.
func (d *Directory) Add(name string, ino int64, ftype uint8) error {
	if _, ok, err := d.Find(name); err != nil {
		return err
	} else if ok {
		return errno.New(errno.EEXIST)
	}

	need := ondisk.MinRecLen(name)
	n := d.blockCount()
	for i := int64(0); i < n; i++ {
		if i == 0 && d.indexed() {
			continue // block 0 of an indexed directory holds only "." and ".." plus the DX root
		}
		if ok, err := d.tryInsertIntoBlock(i, name, ino, ftype, need); err != nil {
			return err
		} else if ok {
			return d.maybeConvert()
		}
	}

	if err := d.appendBlockWithEntry(name, ino, ftype); err != nil {
		return err
	}
	return d.maybeConvert()
}

func (d *Directory) tryInsertIntoBlock(i int64, name string, ino int64, ftype uint8, need uint16) (bool, error) {
	ib, err := d.readBlock(i)
	if err != nil {
		return false, err
	}
	inserted := false
	iterBlock(ib.Buf, 0, func(off int, ent *ondisk.Dirent, nm string) bool {
		used := uint16(ondisk.DirentHeaderSize)
		if ent.Inode != 0 {
			used = ondisk.MinRecLen(nm)
		}
		slack := ent.RecLen - used
		if slack < need {
			return true
		}
		newOff := off + int(used)
		newEnt := &ondisk.Dirent{Inode: uint32(ino), RecLen: ent.RecLen - used, NameLen: uint8(len(name)), FileType: ftype}
		ent.RecLen = used
		ondisk.EncodeDirent(ib.Buf[off:], ent)
		ondisk.EncodeDirent(ib.Buf[newOff:], newEnt)
		copy(ib.Buf[newOff+ondisk.DirentHeaderSize:], name)
		inserted = true
		return false
	})
	if inserted {
		d.updateTailChecksum(ib.Buf)
		if err := d.markBlockDirty(i); err != nil {
			ib.Release()
			return false, err
		}
	}
	if err := ib.Release(); err != nil {
		return false, err
	}
	return inserted, nil
}

// markBlockDirty re-resolves logical block i and flags its buffer dirty;
// used after an in-place mutation made through readBlock's exposed Buf
// slice, which aliases the cache buffer's own backing array.
func (d *Directory) markBlockDirty(i int64) error {
	m, err := d.tree.Lookup(i)
	if err != nil {
		return err
	}
	if !m.Found {
		return nil
	}
	b, err := d.v.ReadBlock(m.Physical)
	if err != nil {
		return err
	}
	b.MarkDirty()
	return d.v.Release(b)
}

func (d *Directory) appendBlockWithEntry(name string, ino int64, ftype uint8) error {
	logical := d.blockCount()
	physical, err := d.alloc.Alloc(0)
	if err != nil {
		return err
	}
	b, err := d.v.NewBlock(physical)
	if err != nil {
		return err
	}
	for i := range b.Data {
		b.Data[i] = 0
	}
	recLen := uint16(d.blockSize())
	if d.v.SB.MetadataChecksumEnabled() {
		recLen -= ondisk.DirentTailSize
	}
	ent := &ondisk.Dirent{Inode: uint32(ino), RecLen: recLen, NameLen: uint8(len(name)), FileType: ftype}
	ondisk.EncodeDirent(b.Data, ent)
	copy(b.Data[ondisk.DirentHeaderSize:], name)
	d.updateTailChecksum(b.Data)
	b.MarkDirty()
	if err := d.v.Release(b); err != nil {
		return err
	}

	if err := d.tree.Insert(logical, physical, 1, false); err != nil {
		return err
	}
	d.ref.Base.SetSize(d.ref.Base.Size() + d.blockSize())
	d.ref.Base.Sectors += uint32(d.blockSize() / 512)
	return nil
}

// Remove deletes name by merging its record length into the preceding
// entry in the same block (or zeroing it if it is the block's first
// entry), per spec.md §4.5.
func (d *Directory) Remove(name string) error {
	n := d.blockCount()
	for i := int64(0); i < n; i++ {
		ib, err := d.readBlock(i)
		if err != nil {
			return err
		}
		removed := false
		prevOff := -1
		iterBlock(ib.Buf, 0, func(off int, ent *ondisk.Dirent, nm string) bool {
			if nm == name {
				if prevOff >= 0 {
					prev, _ := ondisk.DecodeDirent(ib.Buf[prevOff:])
					prev.RecLen += ent.RecLen
					ondisk.EncodeDirent(ib.Buf[prevOff:], prev)
				} else {
					ent.Inode = 0
					ent.FileType = 0
					ondisk.EncodeDirent(ib.Buf[off:], ent)
				}
				removed = true
				return false
			}
			prevOff = off
			return true
		})
		if removed {
			d.updateTailChecksum(ib.Buf)
		}
		if err := d.markBlockDirty(i); err != nil {
			ib.Release()
			return err
		}
		if err := ib.Release(); err != nil {
			return err
		}
		if removed {
			return nil
		}
	}
	return errno.New(errno.ENOENT)
}

// maybeConvert converts the directory to HTree once its entry count
// crosses htreeThreshold and the filesystem's compat features allow it.
func (d *Directory) maybeConvert() error {
	if d.indexed() || !d.v.SB.HasCompat(ondisk.CompatDirIndex) {
		return nil
	}
	entries, err := d.List()
	if err != nil {
		return err
	}
	if len(entries) < htreeThreshold {
		return nil
	}
	return d.convertToHTree(entries)
}

// convertToHTree rebuilds the directory as a single DX root (block 0,
// holding "." and ".." plus the index entries) over freshly allocated
// leaf blocks, one leaf per (blockSize-DirentTailSize)/24 entries, sorted
// by hash. This commits to a single index level (no further leaf
// splitting).
func (d *Directory) convertToHTree(entries []Entry) error {
	seed := d.seed()
	hs := make([]hashedEntry, 0, len(entries))
	for _, e := range entries {
		h, err := Hash(ondisk.HashVersionTEA, e.Name, seed)
		if err != nil {
			return err
		}
		hs = append(hs, hashedEntry{e, h})
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i].hash < hs[j].hash })

	perLeaf := int(d.blockSize()-ondisk.DirentTailSize) / 24
	if perLeaf < 1 {
		perLeaf = 1
	}

	var leafBlocks []int64
	var leafFirstHash []uint32
	for i := 0; i < len(hs); i += perLeaf {
		end := i + perLeaf
		if end > len(hs) {
			end = len(hs)
		}
		lba, err := d.writeLeaf(hs[i:end])
		if err != nil {
			return err
		}
		leafBlocks = append(leafBlocks, lba)
		leafFirstHash = append(leafFirstHash, hs[i].hash)
	}

	root, err := d.readBlock(0)
	if err != nil {
		return err
	}
	dot := &ondisk.Dirent{Inode: uint32(d.ref.Num), RecLen: 12, NameLen: 1, FileType: ondisk.FTypeDir}
	ondisk.EncodeDirent(root.Buf, dot)
	copy(root.Buf[ondisk.DirentHeaderSize:], ".")

	dotdotOff := 12
	dotdotInode, err := d.parentInode()
	if err != nil {
		dotdotInode = d.ref.Num
	}
	dotdot := &ondisk.Dirent{Inode: uint32(dotdotInode), RecLen: uint16(d.blockSize()) - 12, NameLen: 2, FileType: ondisk.FTypeDir}
	ondisk.EncodeDirent(root.Buf[dotdotOff:], dotdot)
	copy(root.Buf[dotdotOff+ondisk.DirentHeaderSize:], "..")

	infoOff := dotdotOff + int(dotdot.RecLen)
	// No trailing room for a DX header after ".."'s record absorbed the
	// rest of the block; shrink ".." so the DX area fits.
	dotdot.RecLen = uint16(ondisk.MinRecLen(".."))
	ondisk.EncodeDirent(root.Buf[dotdotOff:], dotdot)
	infoOff = dotdotOff + int(dotdot.RecLen)

	info := &ondisk.DXRootInfo{HashVersion: ondisk.HashVersionTEA, InfoLength: ondisk.DXRootInfoSize, IndirectLevels: 0}
	ondisk.EncodeDXRootInfo(root.Buf[infoOff:], info)

	climitOff := infoOff + ondisk.DXRootInfoSize
	count := len(leafBlocks) + 1
	limit := (len(root.Buf) - climitOff - 4) / ondisk.DXEntrySize
	cl := &ondisk.DXCountLimit{Limit: uint16(limit), Count: uint16(count)}
	root.Buf[climitOff+0] = byte(cl.Limit)
	root.Buf[climitOff+1] = byte(cl.Limit >> 8)
	root.Buf[climitOff+2] = byte(cl.Count)
	root.Buf[climitOff+3] = byte(cl.Count >> 8)

	first := &ondisk.DXEntry{Hash: 0, Block: 0}
	ondisk.EncodeDXEntry(root.Buf[climitOff+4:], first)
	for i, lba := range leafBlocks {
		off := climitOff + 4 + (i+1)*ondisk.DXEntrySize
		e := &ondisk.DXEntry{Hash: leafFirstHash[i], Block: uint32(lba)}
		ondisk.EncodeDXEntry(root.Buf[off:], e)
	}

	if err := d.markBlockDirty(0); err != nil {
		root.Release()
		return err
	}
	if err := root.Release(); err != nil {
		return err
	}

	d.ref.Base.Flags |= ondisk.InodeFlagIndex
	return nil
}

// hashedEntry pairs a directory entry with its computed hash for the
// HTree conversion sort/distribute pass.
type hashedEntry struct {
	Entry
	hash uint32
}

func (d *Directory) writeLeaf(hs []hashedEntry) (int64, error) {
	physical, err := d.alloc.Alloc(0)
	if err != nil {
		return 0, err
	}
	b, err := d.v.NewBlock(physical)
	if err != nil {
		return 0, err
	}
	for i := range b.Data {
		b.Data[i] = 0
	}

	off := 0
	avail := len(b.Data)
	if d.v.SB.MetadataChecksumEnabled() {
		avail -= ondisk.DirentTailSize
	}
	for i, he := range hs {
		recLen := ondisk.MinRecLen(he.Name)
		if i == len(hs)-1 {
			recLen = uint16(avail - off)
		}
		ent := &ondisk.Dirent{Inode: uint32(he.Inode), RecLen: recLen, NameLen: uint8(len(he.Name)), FileType: he.Type}
		ondisk.EncodeDirent(b.Data[off:], ent)
		copy(b.Data[off+ondisk.DirentHeaderSize:], he.Name)
		off += int(recLen)
	}
	d.updateTailChecksum(b.Data)
	b.MarkDirty()
	if err := d.v.Release(b); err != nil {
		return 0, err
	}

	logical := d.blockCount()
	if err := d.tree.Insert(logical, physical, 1, false); err != nil {
		return 0, err
	}
	d.ref.Base.SetSize(d.ref.Base.Size() + d.blockSize())
	return logical, nil
}

func (d *Directory) parentInode() (int64, error) {
	root, err := d.readBlock(0)
	if err != nil {
		return 0, err
	}
	defer root.Release()
	dotRec, _ := ondisk.DecodeDirent(root.Buf)
	dotdotRec, _ := ondisk.DecodeDirent(root.Buf[dotRec.RecLen:])
	return int64(dotdotRec.Inode), nil
}

// updateTailChecksum writes the fake tail dirent and its CRC32C checksum
// that close out every linear directory block, covering every byte
// before the tail record. The seed mirrors pkg/extent's
// updateTailChecksum: the filesystem's checksum seed further hashed with
// the inode number and generation, so two directories sharing a block
// layout never collide on checksum.
func (d *Directory) updateTailChecksum(buf []byte) {
	if !d.v.SB.MetadataChecksumEnabled() {
		return
	}
	tailOff := len(buf) - ondisk.DirentTailSize
	if tailOff < 0 {
		return
	}
	tail := &ondisk.Dirent{Inode: 0, RecLen: ondisk.DirentTailSize, NameLen: 0, FileType: ondisk.FakeTailFileType}
	ondisk.EncodeDirent(buf[tailOff:], tail)

	var key [8]byte
	key[0] = byte(d.ref.Num)
	key[1] = byte(d.ref.Num >> 8)
	key[2] = byte(d.ref.Num >> 16)
	key[3] = byte(d.ref.Num >> 24)
	key[4] = byte(d.ref.Base.GenNo)
	key[5] = byte(d.ref.Base.GenNo >> 8)
	key[6] = byte(d.ref.Base.GenNo >> 16)
	key[7] = byte(d.ref.Base.GenNo >> 24)
	seed := checksum.CRC32C(d.v.SB.ChecksumSeed, key[:])
	sum := checksum.CRC32C(seed, buf[:tailOff])

	sumOff := tailOff + ondisk.DirentHeaderSize
	buf[sumOff] = byte(sum)
	buf[sumOff+1] = byte(sum >> 8)
	buf[sumOff+2] = byte(sum >> 16)
	buf[sumOff+3] = byte(sum >> 24)
}
