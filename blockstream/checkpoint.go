package blockstream

import "fmt"

const (
	// ChecksumSize is the size of the checksum trailer at the end of every block
	ChecksumSize = 8

	// ResetXOR is applied to the seed of the first block written after a torn stream
	ResetXOR uint64 = 0xffffffffffffffff
)

// Checkpoint identifies a resumable position in a stream. Checksum is the checksum of the
// block preceding the one that contains FileOffset, i.e. the seed for that block.
type Checkpoint struct {
	_          struct{} `cbor:",toarray"`
	FileOffset uint64
	Checksum   uint64
}

// NewCheckpoint returns a checkpoint at fileOffset seeded with checksum
func NewCheckpoint(fileOffset, checksum uint64) Checkpoint {
	return Checkpoint{FileOffset: fileOffset, Checksum: checksum}
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("%d/%016x", c.FileOffset, c.Checksum)
}
