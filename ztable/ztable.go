// Package ztable implements the table opcodes: scanning, copying and
// printing byte/word arrays held in story memory. All access goes
// through the core so static memory stays read-only.
package ztable

import (
	"strings"

	"github.com/jblount/zmach/zcore"
)

// ScanTable searches length fields starting at baddr for test,
// returning the address of the first match or 0. The form byte's top
// bit selects word fields over byte fields; the low seven bits give the
// field stride in bytes (0x82, word fields two bytes apart, is the
// default form).
func ScanTable(core *zcore.Core, test uint16, baddr uint32, length uint16, form uint16) uint32 {
	fieldSize := uint32(form & 0b0111_1111)
	wordFields := form&0b1000_0000 != 0
	if fieldSize == 0 {
		// A zero stride would scan the same field forever.
		return 0
	}

	ptr := baddr
	for i := uint16(0); i < length; i++ {
		if wordFields {
			if core.ReadHalfWord(ptr) == test {
				return ptr
			}
		} else if uint16(core.ReadZByte(ptr)) == test {
			return ptr
		}
		ptr += fieldSize
	}

	return 0
}

// CopyTable copies size bytes from first to second. A negative size
// forces a forwards byte-at-a-time copy, corrupting the source mid-copy
// when the ranges overlap, which is exactly what stories passing a
// negative size ask for. second == 0 zeroes the source table instead.
func CopyTable(core *zcore.Core, first uint16, second uint16, size int16) {
	sizeAbs := uint32(size)
	if size < 0 {
		sizeAbs = uint32(-size)
	}

	switch {
	case second == 0:
		for i := uint32(0); i < sizeAbs; i++ {
			core.WriteZByte(uint32(first)+i, 0)
		}

	case size >= 0:
		tmp := make([]uint8, sizeAbs)
		for i := uint32(0); i < sizeAbs; i++ {
			tmp[i] = core.ReadZByte(uint32(first) + i)
		}
		for i := uint32(0); i < sizeAbs; i++ {
			core.WriteZByte(uint32(second)+i, tmp[i])
		}

	default:
		for i := uint32(0); i < sizeAbs; i++ {
			core.WriteZByte(uint32(second)+i, core.ReadZByte(uint32(first)+i))
		}
	}
}

// PrintTable renders a width x height rectangle of ZSCII bytes starting
// at baddr as text, skipping skip bytes between rows.
func PrintTable(core *zcore.Core, baddr uint32, width uint16, height uint16, skip uint16) string {
	s := strings.Builder{}
	ptr := baddr

	for row := uint16(0); row < height; row++ {
		if row != 0 {
			s.WriteByte('\n')
			ptr += uint32(skip)
		}
		for col := uint16(0); col < width; col++ {
			s.WriteByte(core.ReadZByte(ptr))
			ptr++
		}
	}

	return s.String()
}
