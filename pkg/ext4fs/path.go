package ext4fs

import (
	"strings"

	"github.com/embext/goext4/pkg/directory"
	"github.com/embext/goext4/pkg/errno"
	"github.com/embext/goext4/pkg/inode"
	"github.com/embext/goext4/pkg/ondisk"
)

func splitPath(path string) []string {
	var out []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolve walks path component by component from the root inode, returning
// the final component's Ref. The caller must Put it.
func (fs *FS) resolve(path string) (*inode.Ref, error) {
	cur, err := fs.inodes.Get(ondisk.RootInode)
	if err != nil {
		return nil, err
	}

	for _, name := range splitPath(path) {
		if !cur.Base.IsDir() {
			cur.Put(false)
			return nil, errno.New(errno.ENOTDIR)
		}
		d := directory.Open(fs.v, cur, fs.blocks)
		ent, ok, err := d.Find(name)
		cur.Put(false)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errno.New(errno.ENOENT)
		}
		cur, err = fs.inodes.Get(ent.Inode)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// resolveParent resolves path's containing directory and returns it along
// with the final path component's name. The caller must Put the Ref.
func (fs *FS) resolveParent(path string) (*inode.Ref, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", errno.Wrap(errno.EPERM, nil, "root has no parent")
	}
	parent, err := fs.resolve("/" + strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return nil, "", err
	}
	if !parent.Base.IsDir() {
		parent.Put(false)
		return nil, "", errno.New(errno.ENOTDIR)
	}
	return parent, parts[len(parts)-1], nil
}
