// Package blockstream implements the checksummed block stream shared by the
// fxfs journal and super-blocks.
//
// A stream is a sequence of fixed-size blocks. The last 8 bytes of every block
// hold a little-endian fletcher64 checksum of the rest of the block, seeded
// with the checksum of the previous block, so a damaged or missing block also
// invalidates everything after it. Records are CBOR items laid end to end
// across block data areas; a record may straddle blocks.
//
// A writer that resumes after a torn stream seeds its first block with the
// previous checksum XORed with ResetXOR. Readers recognise this and report
// ReadReset, after which any partially read transaction must be dropped.
package blockstream
