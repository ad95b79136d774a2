package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/embext/goext4/pkg/hosttree"
)

var flagMinFreeSpace int64
var flagMinFreeInodes int64

var sizeCmd = &cobra.Command{
	Use:   "size HOSTDIR",
	Short: "Estimate the smallest image size that can hold a host directory tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manifest, err := hosttree.Scan(args[0])
		if err != nil {
			return err
		}
		bytes, err := hosttree.EstimateMinimumSize(manifest, flagMinFreeSpace, flagMinFreeInodes)
		if err != nil {
			return err
		}
		fmt.Printf("%d entries, %d bytes of content -> minimum image size %d bytes\n",
			len(manifest.Paths), manifest.TotalBytes, bytes)
		return nil
	},
}

func init() {
	sizeCmd.Flags().Int64Var(&flagMinFreeSpace, "min-free-space", 0, "extra free bytes to reserve beyond the tree's content")
	sizeCmd.Flags().Int64Var(&flagMinFreeInodes, "min-free-inodes", 0, "extra free inodes to reserve beyond the tree's entry count")
}
