// Package bitmap tracks the allocation state of a fixed number of units, one bit each.
package bitmap

import "fmt"

// Bitmap is a structure holding a bitmap
type Bitmap struct {
	bits []byte
	size int
}

// Contiguous a position and count of contiguous bits, either free or set
type Contiguous struct {
	Position int
	Count    int
}

// NewBits creates a new bitmap that can address nBits entries.
// All bits are initially 0 (free).
func NewBits(nBits int) *Bitmap {
	if nBits < 0 {
		nBits = 0
	}
	return &Bitmap{
		bits: make([]byte, (nBits+7)/8),
		size: nBits,
	}
}

// Len returns the number of addressable bits
func (bm *Bitmap) Len() int {
	return bm.size
}

// Clone returns an independent copy of the bitmap
func (bm *Bitmap) Clone() *Bitmap {
	bits := make([]byte, len(bm.bits))
	copy(bits, bm.bits)
	return &Bitmap{bits: bits, size: bm.size}
}

func (bm *Bitmap) check(location, count int) error {
	if location < 0 || count < 0 {
		return fmt.Errorf("range %d+%d is negative", location, count)
	}
	if location+count > bm.size {
		return fmt.Errorf("range %d+%d is not in %d size bitmap", location, count, bm.size)
	}
	return nil
}

// IsSet check if a specific bit location is set
func (bm *Bitmap) IsSet(location int) (bool, error) {
	if err := bm.check(location, 1); err != nil {
		return false, err
	}
	byteNumber, bitNumber := findBitForIndex(location)
	mask := byte(0x1) << bitNumber
	return bm.bits[byteNumber]&mask == mask, nil
}

// Clear a specific bit location
func (bm *Bitmap) Clear(location int) error {
	return bm.ClearRange(location, 1)
}

// Set a specific bit location
func (bm *Bitmap) Set(location int) error {
	return bm.SetRange(location, 1)
}

// SetRange sets count bits starting at location
func (bm *Bitmap) SetRange(location, count int) error {
	if err := bm.check(location, count); err != nil {
		return err
	}
	for i := location; i < location+count; i++ {
		byteNumber, bitNumber := findBitForIndex(i)
		bm.bits[byteNumber] |= byte(0x1) << bitNumber
	}
	return nil
}

// ClearRange clears count bits starting at location
func (bm *Bitmap) ClearRange(location, count int) error {
	if err := bm.check(location, count); err != nil {
		return err
	}
	for i := location; i < location+count; i++ {
		byteNumber, bitNumber := findBitForIndex(i)
		bm.bits[byteNumber] &^= byte(0x1) << bitNumber
	}
	return nil
}

// AnySet reports whether any of count bits starting at location is set
func (bm *Bitmap) AnySet(location, count int) (bool, error) {
	if err := bm.check(location, count); err != nil {
		return false, err
	}
	for i := location; i < location+count; i++ {
		byteNumber, bitNumber := findBitForIndex(i)
		if bm.bits[byteNumber]&(byte(0x1)<<bitNumber) != 0 {
			return true, nil
		}
	}
	return false, nil
}

// FirstFree returns the first free bit at or after start.
// Returns -1 if none found.
func (bm *Bitmap) FirstFree(start int) int {
	if start < 0 {
		start = 0
	}
	for i := start; i < bm.size; i++ {
		byteNumber, bitNumber := findBitForIndex(i)
		b := bm.bits[byteNumber]
		// skip whole bytes that are fully used
		if bitNumber == 0 && b == 0xff {
			i += 7
			continue
		}
		if b&(byte(1)<<bitNumber) == 0 {
			return i
		}
	}
	return -1
}

// FindFreeRun returns the position of the first run of at least count free bits.
// Returns -1 if there is no such run.
func (bm *Bitmap) FindFreeRun(count int) int {
	if count <= 0 {
		return -1
	}
	for _, c := range bm.FreeList() {
		if c.Count >= count {
			return c.Position
		}
	}
	return -1
}

// CountSet returns the number of set bits
func (bm *Bitmap) CountSet() int {
	n := 0
	for i := 0; i < bm.size; i++ {
		byteNumber, bitNumber := findBitForIndex(i)
		if bm.bits[byteNumber]&(byte(1)<<bitNumber) != 0 {
			n++
		}
	}
	return n
}

// FreeList returns a slicelist of contiguous free locations by location.
// For example, if bits 0, 3, 6 and 10 of a 16 bit map are set, it will return
//
//	 1: 2, // 2 free bits at position 1
//	 4: 2, // 2 free bits at position 4
//	 7: 3, // 3 free bits at position 7
//	11: 5  // 5 free bits at position 11
func (bm *Bitmap) FreeList() []Contiguous {
	var list []Contiguous
	var location = -1
	var count = 0
	for i := 0; i < bm.size; i++ {
		byteNumber, bitNumber := findBitForIndex(i)
		mask := byte(0x1) << bitNumber
		switch {
		case bm.bits[byteNumber]&mask != mask:
			if location == -1 {
				location = i
			}
			count++
		case location != -1:
			list = append(list, Contiguous{location, count})
			location = -1
			count = 0
		}
	}
	if location != -1 {
		list = append(list, Contiguous{location, count})
	}
	return list
}

func findBitForIndex(index int) (byteNumber int, bitNumber uint8) {
	return index / 8, uint8(index % 8)
}
