package zmachine

import (
	"encoding/binary"
	"testing"
)

// testMachine wraps a ZMachine built from a synthetic story image with
// buffered host channels, so single steps never block on I/O.
type testMachine struct {
	z   *ZMachine
	out chan interface{}
	in  chan InputResponse
}

// newTestMachine builds a minimal V3 image: globals at 0x0100, a one
// word dictionary at 0x0300, an empty object table at 0x0180 with
// object 1 defined, static memory from 0x0500, and code at 0x0600.
// patch mutates the image before loading.
func newTestMachine(t *testing.T, patch func(image []uint8)) *testMachine {
	t.Helper()

	image := make([]uint8, 0x2000)
	image[0x00] = 3
	binary.BigEndian.PutUint16(image[0x04:], 0x0800) // high memory base
	binary.BigEndian.PutUint16(image[0x06:], 0x0600) // initial pc
	binary.BigEndian.PutUint16(image[0x08:], 0x0300) // dictionary
	binary.BigEndian.PutUint16(image[0x0a:], 0x0180) // object table
	binary.BigEndian.PutUint16(image[0x0c:], 0x0100) // globals
	binary.BigEndian.PutUint16(image[0x0e:], 0x0500) // static base

	// Dictionary: no separators, entry length 7, one entry: "look".
	image[0x0300] = 0
	image[0x0301] = 7
	binary.BigEndian.PutUint16(image[0x0302:], 1)
	copy(image[0x0304:], []uint8{0x46, 0x94, 0xC0, 0xA5})

	// Object 1: all zeroes except its property pointer, aimed at an
	// empty property table (name length 0).
	objBase := 0x0180 + 31*2
	binary.BigEndian.PutUint16(image[objBase+7:], 0x01D0)
	image[0x01D0] = 0

	patch(image)

	out := make(chan interface{}, 64)
	in := make(chan InputResponse, 4)
	saveRestore := make(chan SaveRestoreResponse, 1)

	z, err := LoadRom(image, in, saveRestore, out)
	if err != nil {
		t.Fatalf("test image rejected: %v", err)
	}
	return &testMachine{z: z, out: out, in: in}
}

func (tm *testMachine) step(t *testing.T) {
	t.Helper()
	result, err := tm.z.ExecuteStep()
	if result != StepOK {
		t.Fatalf("step result %d, err %v", result, err)
	}
}

// drainText gathers every plain string the machine has sent so far.
func (tm *testMachine) drainText() string {
	text := ""
	for {
		select {
		case msg := <-tm.out:
			if s, ok := msg.(string); ok {
				text += s
			}
		default:
			return text
		}
	}
}

func TestCallAndReturn(t *testing.T) {
	tm := newTestMachine(t, func(image []uint8) {
		// call 0x0800 (-> byte address 0x1000), argument 0x0011,
		// result to global 0.
		copy(image[0x0600:], []uint8{0xE0, 0x0F, 0x08, 0x00, 0x00, 0x11, 0x10})
		// Routine: two locals initialised to 0xDEAD and 0xBEEF, then
		// ret 0x00AA.
		image[0x1000] = 2
		binary.BigEndian.PutUint16(image[0x1001:], 0xDEAD)
		binary.BigEndian.PutUint16(image[0x1003:], 0xBEEF)
		copy(image[0x1005:], []uint8{0x8B, 0x00, 0xAA})
	})

	tm.step(t) // call
	if depth := tm.z.callStack.depth(); depth != 2 {
		t.Fatalf("call stack depth %d after call", depth)
	}
	frame := tm.z.frame()
	if frame.pc != 0x1005 {
		t.Errorf("routine pc 0x%04x", frame.pc)
	}
	if len(frame.locals) != 2 || frame.locals[0] != 0x0011 || frame.locals[1] != 0xBEEF {
		t.Errorf("locals %v", frame.locals)
	}
	if frame.numValuesPassed != 1 {
		t.Errorf("argument count %d", frame.numValuesPassed)
	}

	tm.step(t) // ret
	if depth := tm.z.callStack.depth(); depth != 1 {
		t.Fatalf("call stack depth %d after return", depth)
	}
	if pc := tm.z.frame().pc; pc != 0x0607 {
		t.Errorf("pc 0x%04x after return", pc)
	}
	if got := tm.z.Core.ReadHalfWord(0x0100); got != 0x00AA {
		t.Errorf("return value landed as 0x%04x", got)
	}
}

func TestCallAddressZeroStoresZero(t *testing.T) {
	tm := newTestMachine(t, func(image []uint8) {
		binary.BigEndian.PutUint16(image[0x0100:], 0xFFFF)
		copy(image[0x0600:], []uint8{0xE0, 0x3F, 0x00, 0x00, 0x10})
	})

	tm.step(t)
	if depth := tm.z.callStack.depth(); depth != 1 {
		t.Fatalf("call stack depth %d", depth)
	}
	if got := tm.z.Core.ReadHalfWord(0x0100); got != 0 {
		t.Errorf("global 0 is 0x%04x, want 0", got)
	}
}

// A taken branch with offset 0 or 1 behaves exactly like rfalse/rtrue.
func TestBranchOffsetZeroAndOneReturn(t *testing.T) {
	for _, tt := range []struct {
		branchByte uint8
		want       uint16
	}{
		{0xC0, 0}, // offset 0: return false
		{0xC1, 1}, // offset 1: return true
	} {
		tm := newTestMachine(t, func(image []uint8) {
			binary.BigEndian.PutUint16(image[0x0100:], 0xFFFF)
			// call 0x0800 -> routine that runs jz #00 with the branch
			// under test.
			copy(image[0x0600:], []uint8{0xE0, 0x3F, 0x08, 0x00, 0x10})
			image[0x1000] = 0 // no locals
			copy(image[0x1001:], []uint8{0x90, 0x00, tt.branchByte})
		})

		tm.step(t) // call
		tm.step(t) // jz, branch taken, returns
		if depth := tm.z.callStack.depth(); depth != 1 {
			t.Fatalf("branch byte 0x%02x: depth %d", tt.branchByte, depth)
		}
		if got := tm.z.Core.ReadHalfWord(0x0100); got != tt.want {
			t.Errorf("branch byte 0x%02x: returned 0x%04x, want %d", tt.branchByte, got, tt.want)
		}
	}
}

func TestJumpIsPCRelative(t *testing.T) {
	tm := newTestMachine(t, func(image []uint8) {
		// jump with offset 0x10: pc = next + 0x10 - 2.
		copy(image[0x0600:], []uint8{0x8C, 0x00, 0x10})
	})

	tm.step(t)
	if pc := tm.z.frame().pc; pc != 0x0603+0x10-2 {
		t.Errorf("pc 0x%04x", pc)
	}
}

// je must resolve every operand even after finding a match, so its
// stack effects don't depend on the values compared.
func TestJeResolvesAllOperands(t *testing.T) {
	tm := newTestMachine(t, func(image []uint8) {
		code := []uint8{
			0xE8, 0x7F, 0x05, // push #05
			0xE8, 0x7F, 0x06, // push #06
			0xE8, 0x7F, 0x05, // push #05
			0xC1, 0xAB, 0x00, 0x00, 0x00, 0x44, // je sp sp sp ?~(+4)
		}
		copy(image[0x0600:], code)
	})

	for i := 0; i < 4; i++ {
		tm.step(t)
	}
	if stackLen := len(tm.z.frame().routineStack); stackLen != 0 {
		t.Errorf("%d values left on the stack", stackLen)
	}
}

// Property 2 from the memory model: write-then-read yields the written
// value for every variable class, and the stack write/read pair leaves
// the stack depth unchanged.
func TestVariableRoundTrips(t *testing.T) {
	tm := newTestMachine(t, func(image []uint8) {})
	z := tm.z

	z.writeVariable(0x10, 0x1234, false)
	if got := z.readVariable(0x10, false); got != 0x1234 {
		t.Errorf("global round trip gave 0x%04x", got)
	}

	z.callStack.push(CallStackFrame{locals: make([]uint16, 3)})
	z.writeVariable(0x02, 0x5678, false)
	if got := z.readVariable(0x02, false); got != 0x5678 {
		t.Errorf("local round trip gave 0x%04x", got)
	}

	before := len(z.frame().routineStack)
	z.writeVariable(0x00, 0x9abc, false)
	if got := z.readVariable(0x00, false); got != 0x9abc {
		t.Errorf("stack round trip gave 0x%04x", got)
	}
	if after := len(z.frame().routineStack); after != before {
		t.Errorf("stack depth %d, want %d", after, before)
	}
}

func TestIndirectStackAccessPeeks(t *testing.T) {
	tm := newTestMachine(t, func(image []uint8) {})
	z := tm.z

	z.frame().push(10)
	// inc sp must bump the top in place, not pop and push.
	z.writeVariable(0, z.readVariable(0, true)+1, true)
	if depth := len(z.frame().routineStack); depth != 1 {
		t.Fatalf("stack depth %d", depth)
	}
	if got, _ := z.frame().peek(); got != 11 {
		t.Errorf("top of stack %d, want 11", got)
	}
}

// Property 6: a storew aimed at static memory is dropped, and the
// original word remains visible to loadw.
func TestStoreToStaticMemoryDropped(t *testing.T) {
	tm := newTestMachine(t, func(image []uint8) {
		binary.BigEndian.PutUint16(image[0x0500:], 0x1234)
		code := []uint8{
			0xE1, 0x17, 0x05, 0x00, 0x00, 0x07, // storew 0x0500 0 7
			0xCF, 0x1F, 0x05, 0x00, 0x00, 0x10, // loadw 0x0500 0 -> global 0
		}
		copy(image[0x0600:], code)
	})

	tm.step(t)
	tm.step(t)
	if got := tm.z.Core.ReadHalfWord(0x0100); got != 0x1234 {
		t.Errorf("static word read back as 0x%04x", got)
	}
}

func TestLoadwOutsideImageReadsZero(t *testing.T) {
	tm := newTestMachine(t, func(image []uint8) {
		binary.BigEndian.PutUint16(image[0x0100:], 0xFFFF)
		copy(image[0x0600:], []uint8{0xCF, 0x1F, 0xFF, 0xF0, 0x00, 0x10})
	})

	tm.step(t)
	if got := tm.z.Core.ReadHalfWord(0x0100); got != 0 {
		t.Errorf("read 0x%04x from beyond the image", got)
	}
}

func TestPrintAndQuit(t *testing.T) {
	tm := newTestMachine(t, func(image []uint8) {
		copy(image[0x0600:], []uint8{
			0xB2, 0xB5, 0xC5, // print "hi"
			0xBA, // quit
		})
	})

	tm.step(t)
	if text := tm.drainText(); text != "hi" {
		t.Errorf("printed %q", text)
	}

	result, err := tm.z.ExecuteStep()
	if result != StepHalted || err != nil {
		t.Fatalf("quit gave %d, %v", result, err)
	}
	if tm.z.IsRunning() {
		t.Error("machine still running after quit")
	}

	// A halted machine stays halted.
	if result, _ := tm.z.ExecuteStep(); result != StepHalted {
		t.Errorf("post-quit step gave %d", result)
	}
}

func TestDivideByZeroFaults(t *testing.T) {
	tm := newTestMachine(t, func(image []uint8) {
		copy(image[0x0600:], []uint8{0x17, 0x01, 0x00, 0x10})
	})

	result, err := tm.z.ExecuteStep()
	if result != StepFaulted {
		t.Fatalf("step result %d", result)
	}
	f, ok := err.(*Fault)
	if !ok || f.Kind != FaultDivideByZero {
		t.Fatalf("fault %v", err)
	}

	// The fault is sticky.
	if result, err := tm.z.ExecuteStep(); result != StepFaulted || err == nil {
		t.Errorf("post-fault step gave %d, %v", result, err)
	}
}

func TestUnimplementedOpcodeFaults(t *testing.T) {
	tm := newTestMachine(t, func(image []uint8) {
		// 1OP:8 is call_1s, which only exists from V4 on.
		copy(image[0x0600:], []uint8{0x88, 0x10, 0x00})
	})

	result, err := tm.z.ExecuteStep()
	if result != StepFaulted {
		t.Fatalf("step result %d", result)
	}
	if f, ok := err.(*Fault); !ok || f.Kind != FaultUnsupportedOpcode {
		t.Fatalf("fault %v", err)
	}
}

func TestReturnFromTopLevelFrameFaults(t *testing.T) {
	tm := newTestMachine(t, func(image []uint8) {
		copy(image[0x0600:], []uint8{0xB0}) // rtrue in the entry frame
	})

	result, err := tm.z.ExecuteStep()
	if result != StepFaulted {
		t.Fatalf("step result %d", result)
	}
	if f, ok := err.(*Fault); !ok || f.Kind != FaultInternalError {
		t.Fatalf("fault %v", err)
	}
}

func TestSreadFillsBuffers(t *testing.T) {
	tm := newTestMachine(t, func(image []uint8) {
		// Global 0 names the status bar location object.
		binary.BigEndian.PutUint16(image[0x0100:], 1)
		image[0x0200] = 20 // text buffer capacity
		image[0x0250] = 5  // parse buffer capacity
		copy(image[0x0600:], []uint8{0xE4, 0x0F, 0x02, 0x00, 0x02, 0x50})
	})

	tm.in <- InputResponse{Text: "LOOK"}
	tm.step(t)

	core := tm.z.Core
	for i, want := range []uint8{'l', 'o', 'o', 'k', 0} {
		if got := core.ReadZByte(uint32(0x0201 + i)); got != want {
			t.Fatalf("text buffer byte %d is 0x%02x, want 0x%02x", i, got, want)
		}
	}

	if count := core.ReadZByte(0x0251); count != 1 {
		t.Fatalf("parse buffer word count %d", count)
	}
	if addr := core.ReadHalfWord(0x0252); addr != 0x0304 {
		t.Errorf("dictionary address 0x%04x", addr)
	}
	if length := core.ReadZByte(0x0254); length != 4 {
		t.Errorf("token length %d", length)
	}
	if pos := core.ReadZByte(0x0255); pos != 1 {
		t.Errorf("token position %d", pos)
	}
}

func TestSaveStateRoundTrip(t *testing.T) {
	tm := newTestMachine(t, func(image []uint8) {})
	z := tm.z

	z.writeVariable(0x10, 0x4242, false)
	z.frame().push(7)
	snapshot := z.ExportSaveState()

	z.writeVariable(0x10, 0x1111, false)
	z.frame().mustPop()

	if !z.ImportSaveState(snapshot) {
		t.Fatal("snapshot rejected")
	}
	if got := z.readVariable(0x10, false); got != 0x4242 {
		t.Errorf("global restored as 0x%04x", got)
	}
	if got := z.frame().mustPop(); got != 7 {
		t.Errorf("stack restored with %d on top", got)
	}
}
