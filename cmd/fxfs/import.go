package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	fxfs "github.com/diskfs/go-fxfs"
	fxfilesystem "github.com/diskfs/go-fxfs/filesystem/fxfs"
	"github.com/diskfs/go-fxfs/sync"
)

func newImportCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <image> <dir>",
		Short: "Copy the regular files under dir into new objects and print the object of each",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := fxfs.Open(args[0], g.openOpts(fxfs.ReadWriteExclusive, fxfilesystem.Params{})...)
			if err != nil {
				return err
			}
			defer fs.Close()

			src := os.DirFS(args[1])
			m, err := sync.CopyFiles(src, fs)
			if err != nil {
				return err
			}
			if err := fs.Sync(fxfs.SyncOptions{Flush: true}); err != nil {
				return err
			}
			if err := sync.VerifyFiles(src, fs, m); err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, p := range m.Paths() {
				fmt.Fprintf(out, "%d\t%s\n", m[p], p)
			}
			return nil
		},
	}
}
