// Package luid encodes and decodes the 64-bit locally unique identifier of a network adapter.
//
// The value packs three fields:
//
//	bits  0..23  reserved
//	bits 24..47  NetLuidIndex
//	bits 48..63  IfType
package luid

import (
	"fmt"
	"strconv"
)

// LUID is the packed adapter identifier. Two adapters are the same adapter if and only if their
// LUIDs are equal.
type LUID uint64

const (
	reservedBits = 24
	indexBits    = 24
	ifTypeBits   = 16

	indexShift  = reservedBits
	ifTypeShift = reservedBits + indexBits

	reservedMask = 1<<reservedBits - 1
	indexMask    = 1<<indexBits - 1
	ifTypeMask   = 1<<ifTypeBits - 1
)

// IfTypeEthernet is the IANA interface type reported by TAP adapters.
const IfTypeEthernet = 6

// New combines the IfType and NetLuidIndex registry values into a LUID.
// Bits outside of each field width are discarded.
func New(ifType, index uint64) LUID {
	return LUID((ifType&ifTypeMask)<<ifTypeShift | (index&indexMask)<<indexShift)
}

// IfType returns the interface type field.
func (l LUID) IfType() uint16 {
	return uint16(uint64(l) >> ifTypeShift & ifTypeMask)
}

// NetLuidIndex returns the index field.
func (l LUID) NetLuidIndex() uint32 {
	return uint32(uint64(l) >> indexShift & indexMask)
}

// Reserved returns the reserved low bits. They are zero for LUIDs built with New.
func (l LUID) Reserved() uint32 {
	return uint32(uint64(l) & reservedMask)
}

// String formats the LUID as a decimal number, the form accepted by Parse.
func (l LUID) String() string {
	return strconv.FormatUint(uint64(l), 10)
}

// GoString shows the decoded fields.
func (l LUID) GoString() string {
	return fmt.Sprintf("luid.LUID{IfType: %d, NetLuidIndex: %d, Reserved: %d}", l.IfType(), l.NetLuidIndex(), l.Reserved())
}

// Parse reads a LUID written in decimal, or in hexadecimal with a 0x prefix.
func Parse(s string) (LUID, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid adapter LUID %q: %w", s, err)
	}
	return LUID(v), nil
}
