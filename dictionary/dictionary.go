// Package dictionary parses the V3 dictionary table and looks up
// tokenised words by their 4-byte encoded form.
package dictionary

import (
	"bytes"
	"encoding/binary"

	"github.com/jblount/zmach/zstring"
)

type DictionaryHeader struct {
	n          uint8
	InputCodes []uint8
	length     uint8
	count      int16
}

type DictionaryEntry struct {
	address     uint32
	encodedWord []uint8
	decodedWord string
	data        []uint8
}

type Dictionary struct {
	Header  DictionaryHeader
	entries []DictionaryEntry
}

const encodedWordLength = 4 // V3: 6 z-chars packed into 4 bytes

// ParseDictionary reads the dictionary table at baseAddress out of the
// full story memory image.
func ParseDictionary(memory []uint8, baseAddress uint32, version uint8, alphabets *zstring.Alphabets, abbreviationBase uint16) *Dictionary {
	numInputCodes := memory[baseAddress]

	header := DictionaryHeader{
		n:          numInputCodes,
		InputCodes: memory[baseAddress+1 : baseAddress+uint32(numInputCodes)+1],
		length:     memory[baseAddress+1+uint32(numInputCodes)],
		count:      int16(binary.BigEndian.Uint16(memory[baseAddress+2+uint32(numInputCodes) : baseAddress+4+uint32(numInputCodes)])),
	}

	entryPtr := baseAddress + 4 + uint32(numInputCodes)
	entries := make([]DictionaryEntry, header.count)

	for ix := 0; ix < int(header.count); ix++ {
		encodedWord := memory[entryPtr : entryPtr+encodedWordLength]
		decodedWord, _ := zstring.Decode(memory, entryPtr, version, alphabets, abbreviationBase)
		entries[ix] = DictionaryEntry{
			address:     entryPtr,
			encodedWord: encodedWord,
			decodedWord: decodedWord,
			data:        memory[entryPtr+encodedWordLength : entryPtr+uint32(header.length)],
		}

		entryPtr += uint32(header.length)
	}

	return &Dictionary{
		Header:  header,
		entries: entries,
	}
}

// Find returns the absolute address of the dictionary entry matching
// the encoded word, or 0 if the word is not in the dictionary.
func (d *Dictionary) Find(zstr []uint8) uint32 {
	for _, entry := range d.entries {
		if bytes.Equal(entry.encodedWord, zstr) {
			return entry.address
		}
	}

	return 0
}
