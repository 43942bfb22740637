package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	fxfs "github.com/diskfs/go-fxfs"
	fxfilesystem "github.com/diskfs/go-fxfs/filesystem/fxfs"
)

func newMkfsCommand(g *globalOptions) *cobra.Command {
	var (
		size     string
		guid     string
		interval string
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "mkfs <image>",
		Short: "Format an image file or block device",
		Long: "Format an image file or block device. A missing image file is created with --size; " +
			"an existing one is only overwritten with --force.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p fxfilesystem.Params
			if guid != "" {
				id, err := uuid.Parse(guid)
				if err != nil {
					return fmt.Errorf("invalid --guid: %w", err)
				}
				p.GUID = &id
			}
			if interval != "" {
				n, err := humanize.ParseBytes(interval)
				if err != nil {
					return fmt.Errorf("invalid --super-block-interval: %w", err)
				}
				p.SuperBlockInterval = n
			}
			opts := g.openOpts(fxfs.ReadWriteExclusive, p)

			var (
				fsys *fxfilesystem.FileSystem
				err  error
			)
			switch _, statErr := os.Stat(args[0]); {
			case errors.Is(statErr, fs.ErrNotExist):
				if size == "" {
					return errors.New("--size is required to create a new image")
				}
				n, perr := humanize.ParseBytes(size)
				if perr != nil {
					return fmt.Errorf("invalid --size: %w", perr)
				}
				fsys, err = fxfs.Create(args[0], int64(n), opts...)
			case statErr != nil:
				return statErr
			case !force:
				return fmt.Errorf("%s exists; use --force to overwrite it", args[0])
			default:
				fsys, err = fxfs.Format(args[0], opts...)
			}
			if err != nil {
				return err
			}
			defer fsys.Close()

			dev := fsys.Device()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "formatted %s\n", args[0])
			fmt.Fprintf(out, "  guid:       %s\n", fsys.Label())
			fmt.Fprintf(out, "  size:       %s (%d bytes)\n", humanize.IBytes(dev.Size()), dev.Size())
			fmt.Fprintf(out, "  block size: %s\n", humanize.IBytes(dev.BlockSize()))
			return nil
		},
	}
	cmd.Flags().StringVar(&size, "size", "", "size of a new image, e.g. 64MiB")
	cmd.Flags().StringVar(&guid, "guid", "", "filesystem GUID; random when empty")
	cmd.Flags().StringVar(&interval, "super-block-interval", "", "journal bytes between super-blocks, e.g. 512KiB")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing image or device")
	return cmd
}
