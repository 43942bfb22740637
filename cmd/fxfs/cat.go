package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	fxfs "github.com/diskfs/go-fxfs"
	fxfilesystem "github.com/diskfs/go-fxfs/filesystem/fxfs"
)

func newCatCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <image> <object-id>",
		Short: "Write the contents of an object of the root store to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid object id %q: %w", args[1], err)
			}
			fs, err := fxfs.Open(args[0], g.openOpts(fxfs.ReadOnly, fxfilesystem.Params{})...)
			if err != nil {
				return err
			}
			defer fs.Close()

			f, err := fs.OpenFile(id)
			if err != nil {
				return err
			}
			_, err = io.Copy(cmd.OutOrStdout(), io.NewSectionReader(f, 0, f.Size()))
			return err
		},
	}
}
