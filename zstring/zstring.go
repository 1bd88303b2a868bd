// Package zstring decodes and encodes Z-machine text: the 5-bit
// Z-character encoding packed three-to-a-word, alphabet shifts,
// abbreviation expansion and the ZSCII escape sequence.
package zstring

import "encoding/binary"

var a0Default = [26]uint8{'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'i', 'j', 'k', 'l', 'm', 'n', 'o', 'p', 'q', 'r', 's', 't', 'u', 'v', 'w', 'x', 'y', 'z'}
var a1Default = [26]uint8{'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H', 'I', 'J', 'K', 'L', 'M', 'N', 'O', 'P', 'Q', 'R', 'S', 'T', 'U', 'V', 'W', 'X', 'Y', 'Z'}
var a2V1 = [25]uint8{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '.', ',', '!', '?', '_', '#', '\'', '"', '/', '\\', '<', '-', ':', '(', ')'}
var a2V2Default = [25]uint8{'\n', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '.', ',', '!', '?', '_', '#', '\'', '"', '/', '\\', '-', ':', '(', ')'}

// Alphabets holds the three 26-entry character tables (A2 has 25
// meaningful entries; zchar 6 in A2 is reserved for the ZSCII escape).
type Alphabets struct {
	A0 [26]uint8
	A1 [26]uint8
	A2 [25]uint8
}

var defaultAlphabetsV1 = Alphabets{A0: a0Default, A1: a1Default, A2: a2V1}
var defaultAlphabetsV2Plus = Alphabets{A0: a0Default, A1: a1Default, A2: a2V2Default}

// LoadAlphabets returns the version-appropriate default tables, or the
// story's custom tables if customAlphabetTableAddr (from the header's
// alternate-alphabet word) is non-zero: 78 raw bytes, 26 per alphabet.
func LoadAlphabets(version uint8, memory []uint8, customAlphabetTableAddr uint16) *Alphabets {
	if customAlphabetTableAddr == 0 {
		if version == 1 {
			return &defaultAlphabetsV1
		}
		return &defaultAlphabetsV2Plus
	}

	var a Alphabets
	base := int(customAlphabetTableAddr)
	copy(a.A0[:], memory[base:base+26])
	copy(a.A1[:], memory[base+26:base+52])
	// The first A2 row entry is the escape z-char and carries no
	// character of its own.
	copy(a.A2[:], memory[base+53:base+78])
	return &a
}

// zcharStream unpacks the 5-bit z-char stream starting at addr, stopping
// at the first word with its high bit set. A trailing partial pair (no
// terminator before memory ends) is discarded rather than misread.
func zcharStream(memory []uint8, addr uint32) ([]uint8, uint32) {
	var zchrs []uint8
	bytesRead := uint32(0)
	ptr := addr

	for int(ptr)+1 < len(memory) {
		halfWord := binary.BigEndian.Uint16(memory[ptr : ptr+2])
		bytesRead += 2
		ptr += 2

		zchrs = append(zchrs, uint8((halfWord>>10)&0b11111))
		zchrs = append(zchrs, uint8((halfWord>>5)&0b11111))
		zchrs = append(zchrs, uint8(halfWord&0b11111))

		if (halfWord >> 15) == 1 {
			break
		}
	}

	return zchrs, bytesRead
}

const alphaA0 = 0
const alphaA1 = 1
const alphaA2 = 2

// Decode reads the Z-string at addr and returns the decoded text plus
// the number of bytes consumed. abbreviationBase is the header's
// abbreviation table address (0 disables abbreviation expansion).
func Decode(memory []uint8, addr uint32, version uint8, alphabets *Alphabets, abbreviationBase uint16) (string, uint32) {
	return decode(memory, addr, version, alphabets, abbreviationBase, 0)
}

// decode is the real entry point. depth guards against an abbreviation
// string referencing another abbreviation: abbreviation text is decoded
// at depth 1, and abbreviation z-chars are never expanded again below that.
func decode(memory []uint8, addr uint32, version uint8, alphabets *Alphabets, abbreviationBase uint16, depth int) (string, uint32) {
	zchrs, bytesRead := zcharStream(memory, addr)

	baseAlphabet := alphaA0
	currentAlphabet := alphaA0
	nextAlphabet := alphaA0

	var out []rune

	for i := 0; i < len(zchrs); i++ {
		zchr := zchrs[i]
		currentAlphabet = nextAlphabet
		nextAlphabet = baseAlphabet

		switch zchr {
		case 0:
			out = append(out, ' ')
		case 1:
			if version == 1 {
				out = append(out, '\n')
			} else if i+1 < len(zchrs) {
				// The operand z-char is consumed even when the
				// reference itself is suppressed at depth 1.
				i++
				if depth < 1 && abbreviationBase != 0 {
					out = append(out, decodeAbbreviation(memory, version, alphabets, abbreviationBase, 1, zchrs[i], depth)...)
				}
			}
		case 2:
			if version <= 2 {
				nextAlphabet = (nextAlphabet + 1) % 3
			} else if i+1 < len(zchrs) {
				i++
				if depth < 1 && abbreviationBase != 0 {
					out = append(out, decodeAbbreviation(memory, version, alphabets, abbreviationBase, 2, zchrs[i], depth)...)
				}
			}
		case 3:
			if version <= 2 {
				nextAlphabet = (nextAlphabet + 2) % 3
			} else if i+1 < len(zchrs) {
				i++
				if depth < 1 && abbreviationBase != 0 {
					out = append(out, decodeAbbreviation(memory, version, alphabets, abbreviationBase, 3, zchrs[i], depth)...)
				}
			}
		case 4:
			if version >= 3 {
				nextAlphabet = (nextAlphabet + 1) % 3
			} else {
				baseAlphabet = (baseAlphabet + 1) % 3
				nextAlphabet = baseAlphabet
			}
		case 5:
			if version >= 3 {
				nextAlphabet = (nextAlphabet + 2) % 3
			} else {
				baseAlphabet = (baseAlphabet + 2) % 3
				nextAlphabet = baseAlphabet
			}
		default:
			if currentAlphabet == alphaA2 && zchr == 6 && i+2 < len(zchrs) {
				code := uint16(zchrs[i+1])<<5 | uint16(zchrs[i+2])
				if r, ok := zsciiToRune(code); ok {
					out = append(out, r)
				}
				i += 2
			} else {
				switch currentAlphabet {
				case alphaA0:
					out = append(out, rune(alphabets.A0[zchr-6]))
				case alphaA1:
					out = append(out, rune(alphabets.A1[zchr-6]))
				case alphaA2:
					out = append(out, rune(alphabets.A2[zchr-7]))
				}
			}
		}
	}

	return string(out), bytesRead
}

func decodeAbbreviation(memory []uint8, version uint8, alphabets *Alphabets, abbreviationBase uint16, z uint8, x uint8, depth int) []rune {
	abbrIx := 32*(z-1) + x
	entryAddr := uint32(abbreviationBase) + 2*uint32(abbrIx)
	strAddr := 2 * uint32(binary.BigEndian.Uint16(memory[entryAddr:entryAddr+2]))

	str, _ := decode(memory, strAddr, version, alphabets, abbreviationBase, depth+1)
	return []rune(str)
}

// Encode produces a dictionary-comparable Z-string: 6 z-chars packed
// into 2 words (4 bytes), padded with z-char 5 and truncated beyond 6.
func Encode(runes []rune, version uint8, alphabets *Alphabets) []uint8 {
	var zchrs []uint8

	for _, r := range runes {
		if len(zchrs) >= 6 {
			break
		}
		zchrs = append(zchrs, encodeRune(r, alphabets)...)
	}

	if len(zchrs) > 6 {
		zchrs = zchrs[:6]
	}
	for len(zchrs) < 6 {
		zchrs = append(zchrs, 5)
	}

	out := make([]uint8, 4)
	w1 := uint16(zchrs[0])<<10 | uint16(zchrs[1])<<5 | uint16(zchrs[2])
	w2 := uint16(0x8000) | uint16(zchrs[3])<<10 | uint16(zchrs[4])<<5 | uint16(zchrs[5])
	binary.BigEndian.PutUint16(out[0:2], w1)
	binary.BigEndian.PutUint16(out[2:4], w2)
	return out
}

func encodeRune(r rune, alphabets *Alphabets) []uint8 {
	if r == ' ' {
		return []uint8{0}
	}
	for i, c := range alphabets.A0 {
		if rune(c) == r {
			return []uint8{uint8(i + 6)}
		}
	}
	for i, c := range alphabets.A1 {
		if rune(c) == r {
			return []uint8{4, uint8(i + 6)}
		}
	}
	for i, c := range alphabets.A2 {
		if rune(c) == r {
			return []uint8{5, uint8(i + 7)}
		}
	}

	b := uint8(r)
	return []uint8{5, 6, b >> 5, b & 0b11111}
}
