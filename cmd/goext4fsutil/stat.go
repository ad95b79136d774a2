package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statCmd = &cobra.Command{
	Use:   "stat IMAGE PATH",
	Short: "Print an inode's metadata",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, closeFn, err := openImage(args[0], true)
		if err != nil {
			return err
		}
		defer closeFn()

		st, err := fs.Stat(args[1])
		if err != nil {
			return err
		}

		fmt.Printf("Inode:       %d\n", st.Inode)
		fmt.Printf("Mode:        %#o\n", st.Mode)
		fmt.Printf("Size:        %d\n", st.Size)
		fmt.Printf("Links:       %d\n", st.Links)
		fmt.Printf("UID/GID:     %d/%d\n", st.UID, st.GID)
		fmt.Printf("Directory:   %v\n", st.IsDir)
		fmt.Printf("Symlink:     %v\n", st.IsLink)
		fmt.Printf("ATime:       %d\n", st.ATime)
		fmt.Printf("MTime:       %d\n", st.MTime)
		fmt.Printf("CTime:       %d\n", st.CTime)
		return nil
	},
}
