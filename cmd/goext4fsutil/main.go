// Command goext4fsutil is a demo host CLI over pkg/ext4fs, grounded on the
// teacher's cmd/vorteil root-command/PersistentPreRunE structure for
// wiring --debug into an elog.Logger (--verbose is accepted but has no
// effect), and on the original
// lwext4 generic demo (src/demos/generic/main.c) for the selftest
// subcommand's --in/--rws/--rwc/--cache flags (spec.md §6 names these as
// the demo host's CLI surface, "not part of the core").
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/embext/goext4/pkg/elog"
)

var (
	flagVerbose bool
	flagDebug   bool
	log         elog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "goext4fsutil",
	Short: "Inspect, populate, and stress-test ext2/3/4 images",
	Long: `goext4fsutil is a demo host around the goext4 embeddable filesystem
core: it mounts a disk image file, and can list, read, check, build, or
stress-test its contents.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger := &elog.CLI{}
		logrus.SetLevel(logrus.TraceLevel)
		if flagDebug {
			logger.IsDebug = true
		}
		log = logger
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "accepted for compatibility; has no effect")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")

	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(populateCmd)
	rootCmd.AddCommand(sizeCmd)
	rootCmd.AddCommand(selftestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
