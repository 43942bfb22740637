package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	fxfs "github.com/diskfs/go-fxfs"
	fxfilesystem "github.com/diskfs/go-fxfs/filesystem/fxfs"
	"github.com/diskfs/go-fxfs/fsck"
)

func newVerifyCommand(g *globalOptions) *cobra.Command {
	var halt bool
	cmd := &cobra.Command{
		Use:   "verify <image>",
		Short: "Mount the image read-only, replaying its journal, print store fingerprints and check consistency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := fxfs.Open(args[0], g.openOpts(fxfs.ReadOnly, fxfilesystem.Params{})...)
			if err != nil {
				return err
			}
			defer fs.Close()

			out := cmd.OutOrStdout()
			sb, c := fs.SuperBlock()
			fmt.Fprintf(out, "mounted %s from super-block %s, generation %d\n", args[0], c, sb.Generation)
			fmt.Fprintf(out, "journal resumes at %s\n", fs.Journal().Checkpoint())
			for _, s := range fs.ObjectManager().Stores() {
				fp, err := s.Fingerprint()
				if err != nil {
					return fmt.Errorf("store %d: %w", s.StoreObjectID(), err)
				}
				items, err := s.Items()
				if err != nil {
					return fmt.Errorf("store %d: %w", s.StoreObjectID(), err)
				}
				fmt.Fprintf(out, "store %d: %d records, %s\n", s.StoreObjectID(), len(items), fp)
			}
			if a := fs.ObjectManager().Allocator(); a != nil {
				fmt.Fprintf(out, "allocated %s of %s\n", humanize.IBytes(a.Allocated()), humanize.IBytes(fs.Device().Size()))
			}

			report, err := fsck.Check(fs, fsck.Options{
				HaltOnError: halt,
				OnIssue:     func(i fsck.Issue) { fmt.Fprintln(out, i) },
				Logger:      g.log,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "fsck: no issues in %d stores, %d extents\n", report.Stores, report.Extents)
			return nil
		},
	}
	cmd.Flags().BoolVar(&halt, "halt-on-error", false, "stop the consistency check at the first issue")
	return cmd
}
