// Package util holds small helpers shared by the fxfs packages and tools.
package util

import (
	"bytes"
	"fmt"
	"strings"
)

// DumpBytes renders b in hex and ASCII, like xxd. Each row starts with its position,
// base plus the row's offset in b. Runs of all-zero rows after the first are collapsed
// into a single "*" line, like hexdump, when squeeze is set.
func DumpBytes(b []byte, base uint64, bytesPerRow int, squeeze bool) string {
	if bytesPerRow <= 0 {
		bytesPerRow = 16
	}
	var (
		out       strings.Builder
		zeroRow   = make([]byte, bytesPerRow)
		prevZero  bool
		squeezing bool
	)
	for first := 0; first < len(b); first += bytesPerRow {
		last := min(first+bytesPerRow, len(b))
		row := b[first:last]

		zero := len(row) == bytesPerRow && bytes.Equal(row, zeroRow)
		if squeeze && zero && prevZero {
			if !squeezing {
				out.WriteString("*\n")
				squeezing = true
			}
			continue
		}
		prevZero, squeezing = zero, false

		fmt.Fprintf(&out, "%08x:", base+uint64(first))
		for j := 0; j < bytesPerRow; j++ {
			// extra space every 8 bytes
			if j%8 == 0 {
				out.WriteByte(' ')
			}
			if j < len(row) {
				fmt.Fprintf(&out, " %02x", row[j])
			} else {
				out.WriteString("   ")
			}
		}
		out.WriteString("  ")
		for _, c := range row {
			if c < 32 || c > 126 {
				c = '.'
			}
			out.WriteByte(c)
		}
		out.WriteByte('\n')
	}
	return out.String()
}
