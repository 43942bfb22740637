package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	fxfs "github.com/diskfs/go-fxfs"
	"github.com/diskfs/go-fxfs/device"
	fxfilesystem "github.com/diskfs/go-fxfs/filesystem/fxfs"
	"github.com/diskfs/go-fxfs/journal"
	"github.com/diskfs/go-fxfs/util"
)

func newInfoCommand(g *globalOptions) *cobra.Command {
	var dump bool
	cmd := &cobra.Command{
		Use:   "info <image>",
		Short: "Show both super-block copies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := fxfs.OpenDevice(args[0], g.openOpts(fxfs.ReadOnly, fxfilesystem.Params{})...)
			if err != nil {
				return err
			}
			defer dev.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s, block size %d\n", args[0], humanize.IBytes(dev.Size()), dev.BlockSize())
			var newest *journal.SuperBlock
			newestCopy := journal.SuperBlockA
			for _, c := range []journal.SuperBlockCopy{journal.SuperBlockA, journal.SuperBlockB} {
				sb, err := journal.ReadSuperBlockHeader(dev, c)
				if err != nil {
					fmt.Fprintf(out, "\nsuper-block %s: %v\n", c, err)
				} else {
					printSuperBlock(out, c, sb)
					if newest == nil || sb.Generation > newest.Generation {
						newest, newestCopy = sb, c
					}
				}
				if dump {
					if err := dumpFirstBlock(out, dev, c); err != nil {
						return err
					}
				}
			}
			if newest == nil {
				return fmt.Errorf("%s has no valid super-block", args[0])
			}
			fmt.Fprintf(out, "\nmounts from copy %s, generation %d\n", newestCopy, newest.Generation)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dump, "dump", false, "hex dump the first block of each copy")
	return cmd
}

func printSuperBlock(out io.Writer, c journal.SuperBlockCopy, sb *journal.SuperBlock) {
	fmt.Fprintf(out, "\nsuper-block %s\n", c)
	fmt.Fprintf(out, "  guid:                        %s\n", sb.GUID)
	fmt.Fprintf(out, "  generation:                  %d\n", sb.Generation)
	fmt.Fprintf(out, "  root parent store:           %d\n", sb.RootParentStoreObjectID)
	fmt.Fprintf(out, "  root store:                  %d\n", sb.RootStoreObjectID)
	fmt.Fprintf(out, "  allocator:                   %d\n", sb.AllocatorObjectID)
	fmt.Fprintf(out, "  journal:                     %d\n", sb.JournalObjectID)
	fmt.Fprintf(out, "  journal checkpoint:          %s\n", sb.JournalCheckpoint)
	fmt.Fprintf(out, "  written at journal offset:   %d\n", sb.SuperBlockJournalFileOffset)
	fmt.Fprintf(out, "  borrowed metadata space:     %s\n", humanize.IBytes(sb.BorrowedMetadataSpace))
	fmt.Fprintf(out, "  root volume info object:     %d\n", sb.RootVolumeInfoObjectID)
	ids := make([]uint64, 0, len(sb.JournalFileOffsets))
	for id := range sb.JournalFileOffsets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fmt.Fprintf(out, "  object %d replays from offset %d\n", id, sb.JournalFileOffsets[id])
	}
}

func dumpFirstBlock(out io.Writer, dev *device.Device, c journal.SuperBlockCopy) error {
	start := c.FirstExtent().Start
	b := make([]byte, journal.SuperBlockBlockSize)
	if err := dev.ReadAt(b, start); err != nil {
		return fmt.Errorf("could not read super-block %s: %w", c, err)
	}
	fmt.Fprintf(out, "\n%s", util.DumpBytes(b, start, 16, true))
	return nil
}
