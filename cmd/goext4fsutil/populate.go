package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/embext/goext4/pkg/hosttree"
)

var flagRoot string

var populateCmd = &cobra.Command{
	Use:   "populate IMAGE HOSTDIR",
	Short: "Copy a host directory tree into an already-formatted image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, closeFn, err := openImage(args[0], false)
		if err != nil {
			return err
		}
		defer closeFn()

		manifest, err := hosttree.Scan(args[1])
		if err != nil {
			return err
		}
		log.Infof("copying %d entries (%d bytes) from %s", len(manifest.Paths), manifest.TotalBytes, args[1])
		if minSize, err := hosttree.EstimateMinimumSize(manifest, 0, 0); err == nil {
			log.Debugf("estimated minimum image size for this tree: %d bytes", minSize)
		}

		if err := hosttree.Build(fs, args[1], flagRoot, hosttree.Options{}); err != nil {
			return err
		}
		fmt.Printf("copied %d entries into %s\n", len(manifest.Paths), flagRoot)
		return nil
	},
}

func init() {
	populateCmd.Flags().StringVar(&flagRoot, "root", "/", "destination directory within the image")
}
