package blockstream

import "encoding/binary"

// Fletcher64 computes the running fletcher checksum of buf seeded by previous.
// The lower 32 bits accumulate the little-endian words of buf, the upper 32 bits
// accumulate the lower sum. len(buf) must be a multiple of 4.
func Fletcher64(buf []byte, previous uint64) uint64 {
	if len(buf)%4 != 0 {
		panic("fletcher64 input must be a multiple of 4 bytes")
	}
	lo := uint32(previous)
	hi := uint32(previous >> 32)
	for i := 0; i < len(buf); i += 4 {
		lo += binary.LittleEndian.Uint32(buf[i : i+4])
		hi += lo
	}
	return uint64(hi)<<32 | uint64(lo)
}
