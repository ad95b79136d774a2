package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check IMAGE",
	Short: "Run a read-only consistency scan (fsck-lite)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, closeFn, err := openImage(args[0], true)
		if err != nil {
			return err
		}
		defer closeFn()

		findings, err := fs.Check()
		if err != nil {
			return err
		}
		if len(findings) == 0 {
			fmt.Println("clean")
			return nil
		}
		for _, f := range findings {
			if f.Group < 0 {
				fmt.Printf("superblock: %s\n", f.Message)
			} else {
				fmt.Printf("group %d: %s\n", f.Group, f.Message)
			}
		}
		return fmt.Errorf("%d inconsistencies found", len(findings))
	},
}
