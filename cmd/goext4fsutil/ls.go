package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/embext/goext4/pkg/ext4fs"
)

var lsCmd = &cobra.Command{
	Use:   "ls IMAGE [PATH]",
	Short: "List a directory's contents",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/"
		if len(args) > 1 {
			path = args[1]
		}

		fs, closeFn, err := openImage(args[0], true)
		if err != nil {
			return err
		}
		defer closeFn()

		entries, err := fs.ReadDir(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			st, err := fs.Stat(joinPath(path, e.Name))
			if err != nil {
				log.Warnf("stat %s: %v", e.Name, err)
				continue
			}
			fmt.Printf("%s %8d %s\n", kindLabel(st), st.Size, e.Name)
		}
		return nil
	},
}

func kindLabel(st ext4fs.Stat) string {
	switch {
	case st.IsDir:
		return "d"
	case st.IsLink:
		return "l"
	default:
		return "-"
	}
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
