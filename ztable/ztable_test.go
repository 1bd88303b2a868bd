package ztable_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/jblount/zmach/zcore"
	"github.com/jblount/zmach/ztable"
)

func testCore(t *testing.T, patch func(image []uint8)) *zcore.Core {
	t.Helper()

	image := make([]uint8, 0x1000)
	image[0x00] = 3
	binary.BigEndian.PutUint16(image[0x04:], 0x0800) // high memory base
	binary.BigEndian.PutUint16(image[0x0e:], 0x0800) // static base
	patch(image)

	core, err := zcore.Load(bytes.NewReader(image))
	if err != nil {
		t.Fatalf("test image rejected: %v", err)
	}
	return core
}

func TestScanTableWords(t *testing.T) {
	core := testCore(t, func(image []uint8) {
		binary.BigEndian.PutUint16(image[0x0100:], 0x1111)
		binary.BigEndian.PutUint16(image[0x0102:], 0x2222)
		binary.BigEndian.PutUint16(image[0x0104:], 0x3333)
	})

	if got := ztable.ScanTable(core, 0x2222, 0x0100, 3, 0x82); got != 0x0102 {
		t.Errorf("found word at 0x%04x", got)
	}
	if got := ztable.ScanTable(core, 0x4444, 0x0100, 3, 0x82); got != 0 {
		t.Errorf("missing word reported at 0x%04x", got)
	}
}

func TestScanTableBytes(t *testing.T) {
	core := testCore(t, func(image []uint8) {
		copy(image[0x0100:], []uint8{9, 8, 7, 6})
	})

	if got := ztable.ScanTable(core, 7, 0x0100, 4, 0x01); got != 0x0102 {
		t.Errorf("found byte at 0x%04x", got)
	}
	// A byte-field scan must not match a test value above 0xff.
	if got := ztable.ScanTable(core, 0x0107, 0x0100, 4, 0x01); got != 0 {
		t.Errorf("wide test value matched at 0x%04x", got)
	}
}

func TestScanTableZeroStride(t *testing.T) {
	core := testCore(t, func(image []uint8) {})
	if got := ztable.ScanTable(core, 1, 0x0100, 10, 0x80); got != 0 {
		t.Errorf("zero stride scan returned 0x%04x", got)
	}
}

func TestCopyTableForward(t *testing.T) {
	core := testCore(t, func(image []uint8) {
		copy(image[0x0100:], []uint8{1, 2, 3, 4})
	})

	// Overlapping copy with positive size preserves the source values.
	ztable.CopyTable(core, 0x0100, 0x0102, 4)
	for i, want := range []uint8{1, 2, 1, 2, 3, 4} {
		if got := core.ReadZByte(uint32(0x0100 + i)); got != want {
			t.Fatalf("byte %d is %d, want %d", i, got, want)
		}
	}
}

func TestCopyTableNegativeSizeCorrupts(t *testing.T) {
	core := testCore(t, func(image []uint8) {
		copy(image[0x0100:], []uint8{1, 2, 3, 4})
	})

	// Negative size forces the naive forwards copy, smearing the first
	// byte through the overlap.
	ztable.CopyTable(core, 0x0100, 0x0101, -3)
	for i, want := range []uint8{1, 1, 1, 1} {
		if got := core.ReadZByte(uint32(0x0100 + i)); got != want {
			t.Fatalf("byte %d is %d, want %d", i, got, want)
		}
	}
}

func TestCopyTableZeroes(t *testing.T) {
	core := testCore(t, func(image []uint8) {
		copy(image[0x0100:], []uint8{1, 2, 3})
	})

	ztable.CopyTable(core, 0x0100, 0, 3)
	for i := 0; i < 3; i++ {
		if got := core.ReadZByte(uint32(0x0100 + i)); got != 0 {
			t.Fatalf("byte %d is %d after zeroing", i, got)
		}
	}
}

func TestCopyTableRespectsStaticMemory(t *testing.T) {
	core := testCore(t, func(image []uint8) {
		image[0x0100] = 0xaa
		image[0x0800] = 0x55
	})

	ztable.CopyTable(core, 0x0100, 0x0800, 1)
	if got := core.ReadZByte(0x0800); got != 0x55 {
		t.Errorf("static byte overwritten with 0x%02x", got)
	}
}

func TestPrintTable(t *testing.T) {
	core := testCore(t, func(image []uint8) {
		copy(image[0x0100:], []uint8("abXcd"))
	})

	// Two rows of two characters, skipping one byte between rows.
	if got := ztable.PrintTable(core, 0x0100, 2, 2, 1); got != "ab\ncd" {
		t.Errorf("printed %q", got)
	}
}
