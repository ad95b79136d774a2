package ext4fs

import (
	"github.com/embext/goext4/pkg/xattr"
)

// GetXattr reads one extended attribute of path.
func (fs *FS) GetXattr(path string, index uint8, name string) ([]byte, bool, error) {
	ref, err := fs.resolve(path)
	if err != nil {
		return nil, false, err
	}
	defer ref.Put(false)
	return xattr.Open(fs.v, ref, fs.blocks).Get(index, name)
}

// ListXattr returns every extended attribute set on path.
func (fs *FS) ListXattr(path string) ([]xattr.Attr, error) {
	ref, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	defer ref.Put(false)
	return xattr.Open(fs.v, ref, fs.blocks).List()
}

// SetXattr stores an extended attribute on path.
func (fs *FS) SetXattr(path string, index uint8, name string, value []byte) error {
	return fs.transact(func() error {
		ref, err := fs.resolve(path)
		if err != nil {
			return err
		}
		defer ref.Put(true)
		return xattr.Open(fs.v, ref, fs.blocks).Set(index, name, value)
	})
}

// RemoveXattr deletes an extended attribute from path.
func (fs *FS) RemoveXattr(path string, index uint8, name string) error {
	return fs.transact(func() error {
		ref, err := fs.resolve(path)
		if err != nil {
			return err
		}
		defer ref.Put(true)
		return xattr.Open(fs.v, ref, fs.blocks).Remove(index, name)
	})
}
