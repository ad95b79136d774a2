package ext4fs

import (
	"github.com/embext/goext4/pkg/bcache"
)

// trackDirty marks b dirty in the cache and, if a journal transaction is
// currently open, registers it so Commit logs it before it is allowed to
// land at its home location.
func (fs *FS) trackDirty(b *bcache.Buffer) {
	b.MarkDirty()
	if fs.tx != nil {
		fs.tx.SetDirty(b)
	}
}

// transact runs fn under a journal transaction when a journal is mounted,
// committing on success and leaving the journal's in-memory state
// untouched (the buffers involved stay dirty in the cache, to be picked up
// by the next successful transaction or Sync) on failure. Without a
// journal, fn simply runs directly: spec.md §4.6 treats the journal as an
// optional durability layer, not a requirement for basic read/write
// operation.
func (fs *FS) transact(fn func() error) error {
	if fs.journal == nil || fs.v.ReadOnly {
		return fn()
	}

	t, err := fs.journal.Begin()
	if err != nil {
		return err
	}
	fs.tx = t

	if err := fn(); err != nil {
		fs.tx = nil
		return err
	}

	err = t.Commit()
	fs.tx = nil
	return err
}
