// Package zcore models Z-machine story-file memory: the 64-byte header,
// the dynamic/static/high memory regions, and bounds-checked access to
// them.
package zcore

import (
	"encoding/binary"
	"io"
)

// maxStoryBytes is the V3 story-file size ceiling (128 KiB, §3.8 of the
// standard); anything bigger than that did not come from a V3 compiler.
const maxStoryBytes = 128 * 1024

const headerSize = 0x40

type Core struct {
	bytes                            []uint8
	Version                          uint8
	FlagByte1                        uint8
	StatusBarTimeBased               bool
	ReleaseNumber                    uint16
	PagedMemoryBase                  uint16
	FirstInstruction                 uint16
	DictionaryBase                   uint16
	ObjectTableBase                  uint16
	GlobalVariableBase               uint16
	StaticMemoryBase                 uint16
	AbbreviationTableBase            uint16
	FileChecksum                     uint16
	InterpreterNumber                uint8
	InterpreterVersion               uint8
	ScreenHeightLines                uint8
	ScreenWidthChars                 uint8
	ScreenWidthUnits                 uint16
	ScreenHeightUnits                uint16
	FontHeight                       uint8
	FontWidth                        uint8
	RoutinesOffset                   uint16
	StringOffset                     uint16
	DefaultBackgroundColorNumber     uint8
	DefaultForegroundColorNumber     uint8
	TerminatingCharTableBase         uint16
	OutputStream3Width               uint16
	StandardRevisionNumber           uint16
	AlternativeCharSetBaseAddress    uint16
	ExtensionTableBaseAddress        uint16
	PlayerLoginName                  []uint8
	UnicodeExtensionTableBaseAddress uint16
}

// Load reads a complete V3 story file from r: exactly one read to EOF,
// rejecting anything that can't plausibly be a V3 image before a single
// opcode runs.
func Load(r io.Reader) (*Core, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, loadErr(CantReadStoryFile, "reading story file: %v", err)
	}
	if len(raw) < headerSize {
		return nil, loadErr(InvalidStoryFile, "story file shorter than the %d byte header", headerSize)
	}
	if len(raw) > maxStoryBytes {
		return nil, loadErr(InvalidStoryFile, "story file exceeds the %d byte V3 ceiling", maxStoryBytes)
	}
	if raw[0x00] != 3 {
		return nil, loadErr(UnsupportedVersion, "version %d story files are not supported, only V3", raw[0x00])
	}

	core := loadCore(raw)

	if core.StaticMemoryBase < headerSize {
		return nil, loadErr(InvalidStoryFile, "static memory base 0x%04x precedes the header", core.StaticMemoryBase)
	}
	if core.PagedMemoryBase < core.StaticMemoryBase {
		return nil, loadErr(InvalidStoryFile, "high memory base 0x%04x precedes static memory base 0x%04x", core.PagedMemoryBase, core.StaticMemoryBase)
	}

	return core, nil
}

// loadCore stamps the interpreter-identity and screen-geometry header
// bytes the interpreter owns, then parses the rest of the header.
func loadCore(bytes []uint8) *Core {
	bytes[0x1e] = 0x6 // Interpreter number - IBM PC chosen as closest match
	bytes[0x1f] = 0x1 // Interpreter version - nobody cares

	// Screen dimensions: a typical terminal, 80x25 characters, 1x1 unit/char.
	bytes[0x20] = 25
	bytes[0x21] = 80
	bytes[0x22] = 0
	bytes[0x23] = 80
	bytes[0x24] = 0
	bytes[0x25] = 25
	bytes[0x26] = 1
	bytes[0x27] = 1

	// Claim support for v1.0 of the standard.
	bytes[0x32] = 0x1
	bytes[0x33] = 0x0

	// Flags: only "split screen available" applies to V3.
	bytes[1] |= 0b0010_0000

	extensionTableBaseAddress := binary.BigEndian.Uint16(bytes[0x36:0x38])
	unicodeExtensionTableBaseAddress := uint16(0)
	if extensionTableBaseAddress != 0 && int(extensionTableBaseAddress)+8 <= len(bytes) {
		unicodeExtensionTableBaseAddress = binary.BigEndian.Uint16(bytes[extensionTableBaseAddress+6 : extensionTableBaseAddress+8])
	}

	return &Core{
		bytes:                            bytes,
		Version:                          bytes[0x00],
		FlagByte1:                        bytes[0x01],
		StatusBarTimeBased:               bytes[0x01]&0b0000_0010 == 0b0000_0010,
		ReleaseNumber:                    binary.BigEndian.Uint16(bytes[0x02:0x04]),
		PagedMemoryBase:                  binary.BigEndian.Uint16(bytes[0x04:0x06]),
		FirstInstruction:                 binary.BigEndian.Uint16(bytes[0x06:0x08]),
		DictionaryBase:                   binary.BigEndian.Uint16(bytes[0x08:0x0a]),
		ObjectTableBase:                  binary.BigEndian.Uint16(bytes[0x0a:0x0c]),
		GlobalVariableBase:               binary.BigEndian.Uint16(bytes[0x0c:0x0e]),
		StaticMemoryBase:                 binary.BigEndian.Uint16(bytes[0x0e:0x10]),
		AbbreviationTableBase:            binary.BigEndian.Uint16(bytes[0x18:0x1a]),
		FileChecksum:                     binary.BigEndian.Uint16(bytes[0x1c:0x1e]),
		InterpreterNumber:                bytes[0x1e],
		InterpreterVersion:               bytes[0x1f],
		ScreenHeightLines:                bytes[0x20],
		ScreenWidthChars:                 bytes[0x21],
		ScreenWidthUnits:                 binary.BigEndian.Uint16(bytes[0x22:0x24]),
		ScreenHeightUnits:                binary.BigEndian.Uint16(bytes[0x24:0x26]),
		FontHeight:                       bytes[0x26],
		FontWidth:                        bytes[0x27],
		RoutinesOffset:                   binary.BigEndian.Uint16(bytes[0x28:0x2a]),
		StringOffset:                     binary.BigEndian.Uint16(bytes[0x2a:0x2c]),
		DefaultBackgroundColorNumber:     bytes[0x2c],
		DefaultForegroundColorNumber:     bytes[0x2d],
		TerminatingCharTableBase:         binary.BigEndian.Uint16(bytes[0x2e:0x30]),
		OutputStream3Width:               binary.BigEndian.Uint16(bytes[0x30:0x32]),
		StandardRevisionNumber:           binary.BigEndian.Uint16(bytes[0x32:0x34]),
		AlternativeCharSetBaseAddress:    binary.BigEndian.Uint16(bytes[0x34:0x36]),
		ExtensionTableBaseAddress:        extensionTableBaseAddress,
		PlayerLoginName:                  bytes[0x38:0x40],
		UnicodeExtensionTableBaseAddress: unicodeExtensionTableBaseAddress,
	}
}

func (core *Core) FileLength() uint32 {
	return uint32(binary.BigEndian.Uint16(core.bytes[0x1a:0x1c])) * 2
}

func (core *Core) SetDefaultBackgroundColorNumber(color uint8) {
	core.bytes[0x2c] = color
	core.DefaultBackgroundColorNumber = color
}

func (core *Core) SetDefaultForegroundColorNumber(color uint8) {
	core.bytes[0x2d] = color
	core.DefaultForegroundColorNumber = color
}

// PackedAddress converts a V3 packed routine/string address to a byte
// address: the standard's "byte address = 2 * packed address" rule.
func (core *Core) PackedAddress(p uint16) uint32 {
	return 2 * uint32(p)
}

func (core *Core) ReadZByte(address uint32) uint8 {
	if address >= uint32(len(core.bytes)) {
		return 0
	}
	return core.bytes[address]
}

func (core *Core) ReadHalfWord(address uint32) uint16 {
	if address+1 >= uint32(len(core.bytes)) {
		return uint16(core.ReadZByte(address)) << 8
	}
	return binary.BigEndian.Uint16(core.bytes[address : address+2])
}

// ReadSlice returns a view into the live image, not a copy; callers
// must not write through it. Later writes, including a restore (which
// overwrites dynamic memory in place), show through a retained view.
func (core *Core) ReadSlice(startAddress uint32, endAddress uint32) []uint8 {
	if endAddress > uint32(len(core.bytes)) {
		endAddress = uint32(len(core.bytes))
	}
	if startAddress >= endAddress {
		return nil
	}
	return core.bytes[startAddress:endAddress]
}

// writableHeaderByte reports whether address is one of the handful of
// header bytes that still accept writes after load: interpreter
// id/version and screen geometry. The check applies to every
// WriteZByte/WriteHalfWord, z-code storeb/storew included; all other
// header bytes ignore writes.
func writableHeaderByte(address uint32) bool {
	return address == 0x1e || address == 0x1f || (address >= 0x20 && address <= 0x27)
}

func (core *Core) writable(address uint32) bool {
	if address >= uint32(len(core.bytes)) {
		return false
	}
	if address < headerSize {
		return writableHeaderByte(address)
	}
	return address < uint32(core.StaticMemoryBase)
}

func (core *Core) WriteZByte(address uint32, value uint8) {
	if !core.writable(address) {
		return
	}
	core.bytes[address] = value
}

func (core *Core) WriteHalfWord(address uint32, value uint16) {
	if !core.writable(address) || !core.writable(address+1) {
		return
	}
	binary.BigEndian.PutUint16(core.bytes[address:address+2], value)
}

func (core *Core) MemoryLength() uint32 {
	return uint32(len(core.bytes))
}

// ReplaceDynamicMemory overwrites bytes [0, StaticMemoryBase) in place,
// used by restore to apply a captured save state.
func (core *Core) ReplaceDynamicMemory(data []uint8) {
	copy(core.bytes[:core.StaticMemoryBase], data)
}
