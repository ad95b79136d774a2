package main

import (
	"os"

	"github.com/pkg/errors"

	"github.com/embext/goext4/pkg/blockdev"
	"github.com/embext/goext4/pkg/ext4fs"
)

// openImage wraps a host image file as a blockdev.Device at the given
// physical sector size (the fixed 512 this demo always uses — real
// backends report their own via Open(), but a loopback image file has
// no native sector size of its own) and mounts it.
func openImage(path string, readOnly bool) (*ext4fs.FS, func() error, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening image %s", path)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	const sectorSize = 512
	dev := &blockdev.FileDevice{
		RA:         f,
		WA:         f,
		Closer:     f,
		Flusher:    f.Sync,
		BlockSize:  sectorSize,
		BlockCount: fi.Size() / sectorSize,
	}
	if readOnly {
		dev.WA = nil
	}

	fs, err := ext4fs.Mount(dev, ext4fs.MountOptions{
		ReadOnly: readOnly,
		Log:      log,
	})
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrap(err, "mounting image")
	}

	return fs, fs.Unmount, nil
}
