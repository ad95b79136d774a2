package main

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/embext/goext4/pkg/ext4fs"
)

// selftestCmd reimplements the write-then-read-back stress test from
// original lwext4's generic demo (src/demos/generic/main.c): write
// --rwc chunks of --rws bytes (each chunk filled with a repeating byte
// keyed by its index) to a scratch file, then read them back and
// compare. --cache is accepted for compatibility with lwext4's
// static-vs-dynamic buffer allocation flag; it is only echoed in the
// "Cache mode" line and does not change how the cache behaves, since
// this core's cache is always dynamically sized.
var (
	flagIn    string
	flagRWS   int
	flagRWC   int
	flagCache int
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Write/read-back stress test against an image (ported from lwext4's generic demo)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagIn == "" {
			return fmt.Errorf("--in is required")
		}

		fs, closeFn, err := openImage(flagIn, false)
		if err != nil {
			return err
		}
		defer closeFn()

		fmt.Printf("Test conditions:\n")
		fmt.Printf("Input name: %s\n", flagIn)
		fmt.Printf("RW size: %d\n", flagRWS)
		fmt.Printf("RW count: %d\n", flagRWC)
		fmt.Printf("Cache mode: %s\n", cacheModeName(flagCache))

		const path = "/selftest"
		_ = fs.Remove(path)

		f, err := fs.Create(path, 0644)
		if err != nil {
			return fmt.Errorf("create: %w", err)
		}

		fmt.Printf("write: %d * %d ... ", flagRWC, flagRWS)
		var off int64
		chunk := make([]byte, flagRWS)
		for i := 0; i < flagRWC; i++ {
			for j := range chunk {
				chunk[j] = byte(i & 0xFF)
			}
			n, err := f.WriteAt(chunk, off)
			if err != nil || n != flagRWS {
				f.Close()
				return fmt.Errorf("FAILED at chunk %d: %w", i, err)
			}
			off += int64(flagRWS)
		}
		fmt.Println("OK")
		if err := f.Close(); err != nil {
			return err
		}

		f, err = fs.Open(path)
		if err != nil {
			return fmt.Errorf("reopen: %w", err)
		}
		defer f.Close()

		fmt.Printf("read: %d * %d ... ", flagRWC, flagRWS)
		off = 0
		want := make([]byte, flagRWS)
		got := make([]byte, flagRWS)
		for i := 0; i < flagRWC; i++ {
			for j := range want {
				want[j] = byte(i & 0xFF)
			}
			n, err := f.ReadAt(got, off)
			if err != nil || n != flagRWS {
				return fmt.Errorf("FAILED at chunk %d: %w", i, err)
			}
			if !bytes.Equal(got, want) {
				return fmt.Errorf("FAILED: content mismatch at chunk %d", i)
			}
			off += int64(flagRWS)
		}
		fmt.Println("OK")

		st, err := fs.Stat(path)
		if err == nil {
			printSelftestStats(st)
		}
		fmt.Println("Test finish: OK")
		return nil
	},
}

func cacheModeName(mode int) string {
	if mode == 0 {
		return "static"
	}
	return "dynamic"
}

func printSelftestStats(st ext4fs.Stat) {
	fmt.Printf("size = %d\n", st.Size)
}

func init() {
	selftestCmd.Flags().StringVar(&flagIn, "in", "", "image file to test against")
	selftestCmd.Flags().IntVar(&flagRWS, "rws", 1024, "single read/write size")
	selftestCmd.Flags().IntVar(&flagRWC, "rwc", 1024, "read/write count")
	selftestCmd.Flags().IntVar(&flagCache, "cache", 0, "0 static, 1 dynamic")
}
