package hosttree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinImagePath(t *testing.T) {
	assert.Equal(t, "/foo/bar", joinImagePath("/", "foo/bar"))
	assert.Equal(t, "/srv/foo/bar", joinImagePath("/srv", "foo/bar"))
	assert.Equal(t, "/srv/foo/bar", joinImagePath("/srv/", "foo/bar"))
}

func TestScanCountsRegularFilesAndOrdersParentFirst(t *testing.T) {
	root := t.TempDir()
	assert.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0755))
	assert.NoError(t, os.WriteFile(filepath.Join(root, "dir", "a.txt"), []byte("hello"), 0644))
	assert.NoError(t, os.WriteFile(filepath.Join(root, "top.txt"), []byte("hi"), 0644))
	assert.NoError(t, os.Symlink("top.txt", filepath.Join(root, "link")))

	m, err := Scan(root)
	assert.NoError(t, err)

	assert.Equal(t, int64(len("hello")+len("hi")), m.TotalBytes)
	assert.Contains(t, m.Paths, "dir")
	assert.Contains(t, m.Paths, "dir/a.txt")
	assert.Contains(t, m.Paths, "top.txt")
	assert.Contains(t, m.Paths, "link")

	dirIdx, fileIdx := -1, -1
	for i, p := range m.Paths {
		if p == "dir" {
			dirIdx = i
		}
		if p == "dir/a.txt" {
			fileIdx = i
		}
	}
	assert.True(t, dirIdx >= 0 && fileIdx >= 0 && dirIdx < fileIdx, "dir must be listed before its child")
}

func TestScanEmptyDirectory(t *testing.T) {
	root := t.TempDir()
	m, err := Scan(root)
	assert.NoError(t, err)
	assert.Empty(t, m.Paths)
	assert.Zero(t, m.TotalBytes)
}
