package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:   "cat IMAGE PATH",
	Short: "Print a file's contents to stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, closeFn, err := openImage(args[0], true)
		if err != nil {
			return err
		}
		defer closeFn()

		f, err := fs.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()

		buf := make([]byte, 1<<16)
		var off int64
		for off < f.Size() {
			n, err := f.ReadAt(buf, off)
			if n > 0 {
				if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			off += int64(n)
			if err != nil && err != io.EOF {
				return err
			}
			if n == 0 {
				break
			}
		}
		return nil
	},
}
