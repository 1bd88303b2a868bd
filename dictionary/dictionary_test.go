package dictionary_test

import (
	"testing"

	"github.com/jblount/zmach/dictionary"
	"github.com/jblount/zmach/zstring"
)

// buildDictionary lays out a V3 dictionary at base 0x40 with one
// separator (the comma), 7-byte entries, and the given words.
func buildDictionary(words []string, alphabets *zstring.Alphabets) []uint8 {
	mem := make([]uint8, 0x40, 0x200)

	mem = append(mem, 1, ',') // separator count, separators
	mem = append(mem, 7)      // entry length
	mem = append(mem, uint8(len(words)>>8), uint8(len(words)))
	for _, w := range words {
		mem = append(mem, zstring.Encode([]rune(w), 3, alphabets)...)
		mem = append(mem, 0, 0, 0) // per-entry data bytes
	}
	return mem
}

func TestDictionaryLookup(t *testing.T) {
	alphabets := zstring.LoadAlphabets(3, nil, 0)
	mem := buildDictionary([]string{"look", "mailbox", "take"}, alphabets)

	dict := dictionary.ParseDictionary(mem, 0x40, 3, alphabets, 0)

	if len(dict.Header.InputCodes) != 1 || dict.Header.InputCodes[0] != ',' {
		t.Fatalf("separators %v", dict.Header.InputCodes)
	}

	// The first entry starts after the 5-byte dictionary header.
	if got := dict.Find(zstring.Encode([]rune("look"), 3, alphabets)); got != 0x45 {
		t.Errorf("found %q at 0x%04x", "look", got)
	}
	if got := dict.Find(zstring.Encode([]rune("take"), 3, alphabets)); got != 0x45+14 {
		t.Errorf("found %q at 0x%04x", "take", got)
	}
	if got := dict.Find(zstring.Encode([]rune("xyzzy"), 3, alphabets)); got != 0 {
		t.Errorf("missing word found at 0x%04x", got)
	}
}

// Words longer than six z-characters share an encoding with their
// truncation, the way real story dictionaries expect.
func TestLongWordsTruncate(t *testing.T) {
	alphabets := zstring.LoadAlphabets(3, nil, 0)
	mem := buildDictionary([]string{"mailbox"}, alphabets)
	dict := dictionary.ParseDictionary(mem, 0x40, 3, alphabets, 0)

	if got := dict.Find(zstring.Encode([]rune("mailbo"), 3, alphabets)); got == 0 {
		t.Error("six-character prefix did not match")
	}
}
