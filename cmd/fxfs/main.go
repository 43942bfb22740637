// Command fxfs formats, inspects and verifies fxfs images.
package main

import (
	"fmt"
	"math"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	fxfs "github.com/diskfs/go-fxfs"
	fxfilesystem "github.com/diskfs/go-fxfs/filesystem/fxfs"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalOptions are the flags shared by every subcommand
type globalOptions struct {
	logLevel  string
	logFormat string
	blockSize uint32
	offset    string
	length    string
	// parsed from offset and length
	rangeOffset int64
	rangeLength int64
	log         *logrus.Logger
}

func newRootCommand() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "fxfs",
		Short:         "fxfs image tool",
		Long:          "fxfs formats images and block devices, and inspects their super-blocks and journal.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.setup()
		},
	}
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "log level: trace, debug, info, warn, error")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "log format: text or json")
	root.PersistentFlags().Uint32Var(&g.blockSize, "block-size", 0, "device block size in bytes; detected when 0")
	root.PersistentFlags().StringVar(&g.offset, "offset", "", "start of the filesystem within the image, e.g. a partition at 1MiB")
	root.PersistentFlags().StringVar(&g.length, "length", "", "length of the filesystem within the image; runs to the end when unset")

	root.AddCommand(newMkfsCommand(g))
	root.AddCommand(newInfoCommand(g))
	root.AddCommand(newVerifyCommand(g))
	root.AddCommand(newImportCommand(g))
	root.AddCommand(newCatCommand(g))
	return root
}

func (g *globalOptions) setup() error {
	level, err := logrus.ParseLevel(g.logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	g.log = logrus.New()
	g.log.SetOutput(os.Stderr)
	g.log.SetLevel(level)
	switch g.logFormat {
	case "text":
		g.log.SetFormatter(&logrus.TextFormatter{})
	case "json":
		g.log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid --log-format %q; use text|json", g.logFormat)
	}
	if g.rangeOffset, err = parseSize("--offset", g.offset); err != nil {
		return err
	}
	if g.rangeLength, err = parseSize("--length", g.length); err != nil {
		return err
	}
	return nil
}

// openOpts returns the options to open an image with
func (g *globalOptions) openOpts(mode fxfs.OpenModeOption, p fxfilesystem.Params) []fxfs.OpenOpt {
	p.Logger = g.log
	opts := []fxfs.OpenOpt{fxfs.WithOpenMode(mode), fxfs.WithParams(p)}
	if g.blockSize != 0 {
		opts = append(opts, fxfs.WithBlockSize(g.blockSize))
	}
	if g.rangeOffset != 0 || g.rangeLength != 0 {
		opts = append(opts, fxfs.WithRange(g.rangeOffset, g.rangeLength))
	}
	return opts
}

// parseSize parses a byte count such as 4096 or 1MiB; empty is 0
func parseSize(flag, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", flag, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("invalid %s: %s is too large", flag, s)
	}
	return int64(n), nil
}
