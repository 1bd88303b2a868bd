package zmachine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jblount/zmach/dictionary"
	"github.com/jblount/zmach/zcore"
	"github.com/jblount/zmach/zobject"
	"github.com/jblount/zmach/zstring"
	"github.com/jblount/zmach/ztable"
)

// StatusBar is the V3 status-line content: the "score" style games show
// PlaceName/Score/Moves, time-based games show PlaceName/Score/Moves as
// hours/minutes (IsTimeBased tells the UI which to render).
type StatusBar struct {
	PlaceName   string
	Score       int
	Moves       int
	IsTimeBased bool
}

// Quit is sent on the output channel once Run's dispatch loop ends by
// the quit opcode. A Fault ends the loop with a RuntimeError instead,
// and a restart with the Restart message alone.
type Quit bool

// Restart is sent when the restart opcode runs; the UI is expected to
// reload the story file and construct a fresh ZMachine.
type Restart bool

// RuntimeError reports a Fault that ended the interpreter loop.
type RuntimeError string

// Warning is a non-fatal notice the UI should surface without stopping.
type Warning string

type EraseWindowRequest int

// EraseLineRequest asks the UI to blank from the cursor to the end of
// the current upper-window line; it carries no data of its own, the
// cursor position lives in the ScreenModel already sent.
type EraseLineRequest struct{}

// SoundEffectRequest is VAR:21 sound_effect, optional in V3: interpreters
// are only required to handle the two standard beeps (1, 2); anything
// else is a Warning if a completion routine was requested.
type SoundEffectRequest struct {
	SoundNumber uint8
	Effect      uint8
	Routine     uint16
}

// InputRequest asks the UI to collect a line of text (sread/aread);
// ValidTerminators lists the key codes that end input, carriage return
// (13) included.
type InputRequest struct {
	ValidTerminators []uint8
}

// InputResponse is the UI's reply to InputRequest or a bare read_char
// wait: Text holds a full input line (or the typed character for
// read_char), TerminatingKey the ZSCII code of the key that ended it
// (13 for Enter).
type InputResponse struct {
	Text           string
	TerminatingKey uint8
}

type StateChangeRequest int

const (
	WaitForInput StateChangeRequest = iota
	WaitForCharacter
	Running
)

// StepResult reports what a single ExecuteStep call did to the machine.
type StepResult int

const (
	StepOK StepResult = iota
	StepHalted
	StepFaulted
)

// machineState follows the Ready -> Halted | Faulted lifecycle. Only a
// Ready machine executes instructions; the terminal states are sticky.
type machineState int

const (
	stateReady machineState = iota
	stateHalted
	stateFaulted
)

// MemoryStreamData tracks one nested output-stream-3 redirection: the
// size-word address and the next free byte.
type MemoryStreamData struct {
	baseAddress uint32
	ptr         uint32
}

type Streams struct {
	Screen           bool
	Transcript       bool
	Memory           bool
	MemoryStreamData []MemoryStreamData
	CommandScript    bool
}

// ZMachine is a running V3 story: the call stack, the memory image, and
// the channels it talks to its host (a TUI, a scripted test harness,
// whatever implements the other end) through.
type ZMachine struct {
	callStack          CallStack
	Core               *zcore.Core
	dictionary         *dictionary.Dictionary
	screenModel        ScreenModel
	streams            Streams
	rng                *rand.Rand
	Alphabets          *zstring.Alphabets
	state              machineState
	faultErr           error
	restartRequested   bool
	warned             map[string]bool
	outputChannel      chan<- interface{}
	inputChannel       <-chan InputResponse
	saveRestoreChannel <-chan SaveRestoreResponse
}

// LoadRom parses a V3 story image and constructs a ZMachine ready to
// Run. The three channels are the whole of the host contract: inputChannel
// carries line/char input, saveRestoreChannel carries the host's answer
// to a save/restore request, outputChannel carries everything going the
// other way (screen updates, status bar, save/restore/input requests,
// Quit/Restart, RuntimeError/Warning).
func LoadRom(storyFile []uint8, inputChannel <-chan InputResponse, saveRestoreChannel <-chan SaveRestoreResponse, outputChannel chan<- interface{}) (*ZMachine, error) {
	core, err := zcore.Load(bytes.NewReader(storyFile))
	if err != nil {
		return nil, err
	}

	machine := &ZMachine{
		Core:               core,
		inputChannel:       inputChannel,
		saveRestoreChannel: saveRestoreChannel,
		outputChannel:      outputChannel,
		streams:            Streams{Screen: true},
		rng:                rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	// The alternate-alphabet header word was introduced in V5, so V3
	// stories always get the default tables.
	machine.Alphabets = zstring.LoadAlphabets(core.Version, core.ReadSlice(0, core.MemoryLength()), 0)
	machine.dictionary = dictionary.ParseDictionary(core.ReadSlice(0, core.MemoryLength()), uint32(core.DictionaryBase), core.Version, machine.Alphabets, core.AbbreviationTableBase)

	core.SetDefaultBackgroundColorNumber(uint8(2)) // black
	core.SetDefaultForegroundColorNumber(uint8(9)) // white
	machine.screenModel = newScreenModel(Color{0, 0, 0}, Color{255, 255, 255})

	machine.callStack.push(CallStackFrame{
		pc:     uint32(core.FirstInstruction),
		locals: make([]uint16, 0),
	})

	return machine, nil
}

func (z *ZMachine) memory() []uint8 {
	return z.Core.ReadSlice(0, z.Core.MemoryLength())
}

func (z *ZMachine) frame() *CallStackFrame {
	f, err := z.callStack.peek()
	if err != nil {
		panic(fault(FaultStackUnderflow, 0, "%v", err))
	}
	return f
}

func (f *CallStackFrame) mustPop() uint16 {
	v, err := f.pop()
	if err != nil {
		panic(fault(FaultStackUnderflow, f.pc, "%v", err))
	}
	return v
}

func (f *CallStackFrame) mustPeek() uint16 {
	v, err := f.peek()
	if err != nil {
		panic(fault(FaultStackUnderflow, f.pc, "%v", err))
	}
	return v
}

func (z *ZMachine) readVariable(variable uint8, indirect bool) uint16 {
	frame := z.frame()

	switch {
	case variable == 0:
		// Indirect references to the stack (inc, dec, inc_chk, dec_chk,
		// load, store, pull) read or write in place rather than popping.
		if indirect {
			return frame.mustPeek()
		}
		return frame.mustPop()
	case variable < 16:
		if int(variable-1) >= len(frame.locals) {
			panic(fault(FaultInvalidVariable, frame.pc, "local variable L%02x does not exist", variable-1))
		}
		return frame.locals[variable-1]
	default:
		return z.Core.ReadHalfWord(uint32(z.Core.GlobalVariableBase) + 2*(uint32(variable)-16))
	}
}

func (z *ZMachine) writeVariable(variable uint8, value uint16, indirect bool) {
	frame := z.frame()

	switch {
	case variable == 0:
		if indirect {
			frame.mustPop()
		}
		frame.push(value)
	case variable < 16:
		if int(variable-1) >= len(frame.locals) {
			panic(fault(FaultInvalidVariable, frame.pc, "local variable L%02x does not exist", variable-1))
		}
		frame.locals[variable-1] = value
	default:
		z.Core.WriteHalfWord(uint32(z.Core.GlobalVariableBase)+2*(uint32(variable)-16), value)
	}
}

func (z *ZMachine) object(id uint16, pc uint32) zobject.Object {
	if id == 0 {
		panic(fault(FaultInvalidObject, pc, "object id 0 has no entry"))
	}
	return zobject.GetObject(id, z.Core.ObjectTableBase, z.memory(), z.Core.Version, z.Alphabets, z.Core.AbbreviationTableBase)
}

// call pushes a new frame for the routine named by the first operand.
// Calling packed address 0 is legal: nothing runs and the result
// variable (if any) receives 0.
func (z *ZMachine) call(inst *Instruction) {
	requireOperands(inst, 1, 4)
	routineAddress := z.Core.PackedAddress(inst.Operands[0].Value(z))

	if routineAddress == 0 {
		if inst.StoreVariable != nil {
			z.writeVariable(*inst.StoreVariable, 0, false)
		}
		return
	}

	localVariableCount := z.Core.ReadZByte(routineAddress)
	if localVariableCount > 15 {
		panic(fault(FaultInternalError, inst.Location, "routine header claims %d locals", localVariableCount))
	}
	routineAddress++

	locals := make([]uint16, localVariableCount)
	for i := 0; i < int(localVariableCount); i++ {
		if i+1 < len(inst.Operands) {
			locals[i] = inst.Operands[i+1].Value(z)
		} else {
			locals[i] = z.Core.ReadHalfWord(routineAddress)
		}
		routineAddress += 2
	}

	z.callStack.push(CallStackFrame{
		pc:              routineAddress,
		locals:          locals,
		routineStack:    make([]uint16, 0),
		resultVariable:  inst.StoreVariable,
		numValuesPassed: len(inst.Operands) - 1,
	})
}

// retValue pops the current frame and resumes the caller, writing val
// through the popped frame's result variable if it has one. The store
// byte was consumed at call-decode time, so the caller's pc is already
// the resume address.
func (z *ZMachine) retValue(val uint16) {
	oldFrame, err := z.callStack.pop()
	if err != nil {
		panic(fault(FaultInternalError, 0, "%v", err))
	}

	if oldFrame.resultVariable != nil {
		z.writeVariable(*oldFrame.resultVariable, val, false)
	}
}

func requireOperands(inst *Instruction, min int, max int) {
	if len(inst.Operands) < min || len(inst.Operands) > max {
		panic(fault(FaultWrongOperandCount, inst.Location, "%d operands, expected %d to %d", len(inst.Operands), min, max))
	}
}

func (z *ZMachine) handleBranch(frame *CallStackFrame, inst *Instruction, result bool) {
	if inst.Branch == nil {
		return
	}
	if result != inst.Branch.OnTrue {
		return
	}

	switch inst.Branch.Offset {
	case 0:
		z.retValue(0)
	case 1:
		z.retValue(1)
	default:
		frame.pc = uint32(int64(frame.pc) + int64(inst.Branch.Offset) - 2)
	}
}

func (z *ZMachine) removeObject(objId uint16, pc uint32) {
	object := z.object(objId, pc)
	if object.Parent != 0 {
		oldParent := z.object(uint16(object.Parent), pc)

		if oldParent.Child == uint8(object.Id) {
			oldParent.SetChild(object.Sibling, z.memory())
		} else {
			currObjId := oldParent.Child
			for currObjId != 0 {
				curr := z.object(uint16(currObjId), pc)
				if curr.Sibling == uint8(object.Id) {
					curr.SetSibling(object.Sibling, z.memory())
					break
				}
				currObjId = curr.Sibling
			}
		}

		object.SetParent(0, z.memory())
	}

	object.SetSibling(0, z.memory())
}

func (z *ZMachine) moveObject(objId uint16, newParent uint16, pc uint32) {
	object := z.object(objId, pc)
	destination := z.object(newParent, pc)

	if uint16(object.Parent) == destination.Id {
		return
	}

	z.removeObject(object.Id, pc)

	object.SetSibling(destination.Child, z.memory())
	object.SetParent(uint8(destination.Id), z.memory())
	destination.SetChild(uint8(object.Id), z.memory())
}

func (z *ZMachine) appendText(s string) {
	if z.streams.Memory {
		current := &z.streams.MemoryStreamData[len(z.streams.MemoryStreamData)-1]
		for _, r := range s {
			z.Core.WriteZByte(current.ptr, uint8(r))
			current.ptr++
		}
		// Per the standard, while stream 3 is selected no text reaches
		// any other stream even though those streams stay selected.
		return
	}

	if z.streams.Screen {
		z.outputChannel <- s

		if !z.screenModel.LowerWindowActive {
			lines := strings.Split(s, "\n")
			z.screenModel.UpperWindowCursorY += len(lines) - 1
			z.screenModel.UpperWindowCursorX += len(lines[len(lines)-1])
			z.outputChannel <- z.screenModel
		}
	}
}

func (z *ZMachine) showStatusBar(pc uint32) {
	location := z.object(z.readVariable(16, false), pc)
	z.outputChannel <- StatusBar{
		PlaceName:   location.Name,
		Score:       int(int16(z.readVariable(17, false))),
		Moves:       int(z.readVariable(18, false)),
		IsTimeBased: z.Core.StatusBarTimeBased,
	}
}

// word is one tokenised input word awaiting a dictionary lookup.
type word struct {
	bytes            []uint8
	startingLocation uint32
}

func (z *ZMachine) tokeniseSingleWord(bytes []uint8, wordStartPtr uint32, dict *dictionary.Dictionary) (word, uint32) {
	zstr := zstring.Encode([]rune(string(bytes)), z.Core.Version, z.Alphabets)
	return word{bytes: bytes, startingLocation: wordStartPtr}, dict.Find(zstr)
}

// tokenise implements both the sread side-effect and the standalone
// tokenise opcode: split the text buffer on spaces and the dictionary's
// declared separator characters, look each word up, and fill in the
// parse buffer.
func (z *ZMachine) tokenise(textBufferAddr uint32, parseBufferAddr uint32, dict *dictionary.Dictionary) {
	startingLocation := textBufferAddr + 1
	currentLocation := startingLocation

	type hit struct {
		w          word
		dictionary uint32
	}
	var hits []hit

	emit := func(from, to uint32) {
		w, addr := z.tokeniseSingleWord(z.Core.ReadSlice(from, to), from, dict)
		hits = append(hits, hit{w: w, dictionary: addr})
	}

	for {
		chr := z.Core.ReadZByte(currentLocation)
		if chr == 0 {
			emit(startingLocation, currentLocation)
			break
		}

		if chr == ' ' {
			emit(startingLocation, currentLocation)
			startingLocation = currentLocation + 1
		} else {
			isSeparator := false
			for _, sep := range dict.Header.InputCodes {
				if chr == sep {
					isSeparator = true
					break
				}
			}
			if isSeparator {
				emit(startingLocation, currentLocation)
				emit(currentLocation, currentLocation+1)
				startingLocation = currentLocation + 1
			}
		}

		currentLocation++
	}

	maxWords := z.Core.ReadZByte(parseBufferAddr)
	if int(maxWords) < len(hits) {
		hits = hits[:maxWords]
	}

	ptr := parseBufferAddr + 1
	z.Core.WriteZByte(ptr, uint8(len(hits)))
	ptr++
	for _, h := range hits {
		z.Core.WriteHalfWord(ptr, uint16(h.dictionary))
		z.Core.WriteZByte(ptr+2, uint8(len(h.w.bytes)))
		z.Core.WriteZByte(ptr+3, uint8(h.w.startingLocation-textBufferAddr))
		ptr += 4
	}
}

// readTerminators is the set of keys that complete a line of input:
// carriage return always, plus any codes listed in the header's
// terminating-character table. V3 stories never set the table, but the
// walk costs nothing and later versions rely on it.
func (z *ZMachine) readTerminators() []uint8 {
	terminators := []uint8{13}

	addr := uint32(z.Core.TerminatingCharTableBase)
	if addr == 0 {
		return terminators
	}
	for {
		chr := z.Core.ReadZByte(addr)
		if chr == 0 {
			break
		}
		terminators = append(terminators, chr)
		addr++
	}
	return terminators
}

func (z *ZMachine) read(inst *Instruction, frame *CallStackFrame) {
	requireOperands(inst, 1, 4)
	z.showStatusBar(inst.Location)

	z.outputChannel <- InputRequest{ValidTerminators: z.readTerminators()}
	response := <-z.inputChannel

	textBufferAddr := inst.Operands[0].Value(z)
	parseBufferAddr := uint16(0)
	if len(inst.Operands) > 1 {
		parseBufferAddr = inst.Operands[1].Value(z)
	}

	rawText := []rune(strings.ToLower(response.Text))
	bufferSize := z.Core.ReadZByte(uint32(textBufferAddr))
	writePtr := uint32(textBufferAddr) + 1

	ix := 0
	for ix < len(rawText) && ix < int(bufferSize) {
		chr := rawText[ix]
		if chr >= 32 && chr <= 126 {
			z.Core.WriteZByte(writePtr+uint32(ix), uint8(chr))
		} else if code, ok := zstring.UnicodeToZscii(chr, z.Core); ok {
			z.Core.WriteZByte(writePtr+uint32(ix), code)
		} else {
			z.Core.WriteZByte(writePtr+uint32(ix), ' ')
		}
		ix++
	}
	z.Core.WriteZByte(writePtr+uint32(ix), 0)

	if parseBufferAddr != 0 {
		z.tokenise(uint32(textBufferAddr), uint32(parseBufferAddr), z.dictionary)
	}
}

// IsRunning reports whether the machine still accepts ExecuteStep.
func (z *ZMachine) IsRunning() bool {
	return z.state == stateReady
}

// Run drives the fetch-decode-execute loop until the story quits,
// restarts, or a Fault ends it; it always sends exactly one terminal
// message (Quit, Restart already having been sent by its opcode, or
// RuntimeError) before returning.
func (z *ZMachine) Run() {
	z.outputChannel <- z.screenModel

	for z.IsRunning() {
		if result, err := z.ExecuteStep(); result == StepFaulted {
			z.outputChannel <- RuntimeError(err.Error())
			return
		}
	}

	if !z.restartRequested {
		z.outputChannel <- Quit(true)
	}
}

// ExecuteStep decodes and executes exactly one instruction, recovering
// any Fault raised during execution into an error. A halted or faulted
// machine executes nothing and reports its terminal state instead.
func (z *ZMachine) ExecuteStep() (StepResult, error) {
	switch z.state {
	case stateHalted:
		return StepHalted, nil
	case stateFaulted:
		return StepFaulted, z.faultErr
	}

	cont, err := z.step()
	if err != nil {
		z.state = stateFaulted
		z.faultErr = err
		return StepFaulted, err
	}
	if !cont {
		z.state = stateHalted
		return StepHalted, nil
	}
	return StepOK, nil
}

// step runs one dispatch, recovering a *Fault panic into an error.
// false means the story issued quit or restart.
func (z *ZMachine) step() (cont bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if f, ok := r.(*Fault); ok {
				err = f
				return
			}
			panic(r)
		}
	}()

	return z.dispatch(), nil
}

// warnOnce surfaces a non-fatal notice at most once per key, so a story
// looping over an unsupported nicety doesn't flood the host.
func (z *ZMachine) warnOnce(key string, format string, args ...any) {
	if z.warned == nil {
		z.warned = make(map[string]bool)
	}
	if z.warned[key] {
		return
	}
	z.warned[key] = true
	z.outputChannel <- Warning(fmt.Sprintf(format, args...))
}

// dispatch decodes the instruction at the current frame's pc and
// executes it. Invariant breaches are reported by panicking with a
// *Fault, recovered by step.
func (z *ZMachine) dispatch() bool {
	frame := z.frame()
	inst, err := Decode(z.memory(), frame.pc)
	if err != nil {
		panic(fault(FaultDecodeError, frame.pc, "%v", err))
	}
	frame.pc = inst.NextPC()

	switch inst.Category {
	case OP0:
		return z.dispatch0OP(&inst, frame)
	case OP1:
		z.dispatch1OP(&inst, frame)
	case OP2:
		z.dispatch2OP(&inst, frame)
	case VAR:
		z.dispatchVAR(&inst, frame)
	default:
		panic(fault(FaultUnsupportedOpcode, inst.Location, "unsupported instruction category"))
	}
	return true
}

func (z *ZMachine) dispatch0OP(inst *Instruction, frame *CallStackFrame) bool {
	switch inst.Opcode {
	case 0: // rtrue
		z.retValue(1)
	case 1: // rfalse
		z.retValue(0)
	case 2: // print
		text, _ := zstring.Decode(z.memory(), inst.TrailingString, z.Core.Version, z.Alphabets, z.Core.AbbreviationTableBase)
		z.appendText(text)
	case 3: // print_ret
		text, _ := zstring.Decode(z.memory(), inst.TrailingString, z.Core.Version, z.Alphabets, z.Core.AbbreviationTableBase)
		z.appendText(text)
		z.appendText("\n")
		z.retValue(1)
	case 4: // nop
	case 5: // save
		z.outputChannel <- Save{Prompt: true}
		resp := <-z.saveRestoreChannel
		success := false
		if sr, ok := resp.(SaveResponse); ok {
			success = sr.Success
		}
		z.handleBranch(frame, inst, success)
	case 6: // restore
		z.outputChannel <- Restore{Prompt: true}
		resp := <-z.saveRestoreChannel
		success := false
		if rr, ok := resp.(RestoreResponse); ok && rr.Success {
			success = z.ImportSaveState(rr.Data)
		}
		z.handleBranch(frame, inst, success)
	case 7: // restart
		z.restartRequested = true
		z.outputChannel <- Restart(true)
		return false
	case 8: // ret_popped
		z.retValue(frame.mustPop())
	case 9: // pop
		frame.mustPop()
	case 10: // quit
		return false
	case 11: // new_line
		z.appendText("\n")
	case 12: // show_status
		z.showStatusBar(inst.Location)
	case 13: // verify
		z.handleBranch(frame, inst, z.verify())
	case 15: // piracy
		z.handleBranch(frame, inst, true)
	default:
		panic(fault(FaultUnsupportedOpcode, inst.Location, "0OP:%d", inst.Opcode))
	}
	return true
}

func (z *ZMachine) verify() bool {
	actual := uint16(0)
	for ix := uint32(0x40); ix < z.Core.FileLength(); ix++ {
		actual += uint16(z.Core.ReadZByte(ix))
	}
	return actual == z.Core.FileChecksum
}

func (z *ZMachine) dispatch1OP(inst *Instruction, frame *CallStackFrame) {
	switch inst.Opcode {
	case 0: // jz
		z.handleBranch(frame, inst, inst.Operands[0].Value(z) == 0)
	case 1: // get_sibling
		sibling := z.object(inst.Operands[0].Value(z), inst.Location).Sibling
		z.writeVariable(*inst.StoreVariable, uint16(sibling), false)
		z.handleBranch(frame, inst, sibling != 0)
	case 2: // get_child
		child := z.object(inst.Operands[0].Value(z), inst.Location).Child
		z.writeVariable(*inst.StoreVariable, uint16(child), false)
		z.handleBranch(frame, inst, child != 0)
	case 3: // get_parent
		z.writeVariable(*inst.StoreVariable, uint16(z.object(inst.Operands[0].Value(z), inst.Location).Parent), false)
	case 4: // get_prop_len
		z.writeVariable(*inst.StoreVariable, zobject.GetPropertyLength(z.memory(), uint32(inst.Operands[0].Value(z))), false)
	case 5: // inc
		variable := uint8(inst.Operands[0].Value(z))
		z.writeVariable(variable, z.readVariable(variable, true)+1, true)
	case 6: // dec
		variable := uint8(inst.Operands[0].Value(z))
		z.writeVariable(variable, z.readVariable(variable, true)-1, true)
	case 7: // print_addr
		str, _ := zstring.Decode(z.memory(), uint32(inst.Operands[0].Value(z)), z.Core.Version, z.Alphabets, z.Core.AbbreviationTableBase)
		z.appendText(str)
	case 9: // remove_obj
		z.removeObject(inst.Operands[0].Value(z), inst.Location)
	case 10: // print_obj
		z.appendText(z.object(inst.Operands[0].Value(z), inst.Location).Name)
	case 11: // ret
		z.retValue(inst.Operands[0].Value(z))
	case 12: // jump
		offset := int16(inst.Operands[0].Value(z))
		frame.pc = uint32(int64(frame.pc) + int64(offset) - 2)
	case 13: // print_paddr
		addr := z.Core.PackedAddress(inst.Operands[0].Value(z))
		text, _ := zstring.Decode(z.memory(), addr, z.Core.Version, z.Alphabets, z.Core.AbbreviationTableBase)
		z.appendText(text)
	case 14: // load
		value := uint8(inst.Operands[0].Value(z))
		z.writeVariable(*inst.StoreVariable, z.readVariable(value, true), false)
	case 15: // not
		z.writeVariable(*inst.StoreVariable, ^inst.Operands[0].Value(z), false)
	default:
		panic(fault(FaultUnsupportedOpcode, inst.Location, "1OP:%d", inst.Opcode))
	}
}

func (z *ZMachine) dispatch2OP(inst *Instruction, frame *CallStackFrame) {
	if inst.Opcode == 1 {
		requireOperands(inst, 2, 4) // je alone takes extra operands in variable form
	} else {
		requireOperands(inst, 2, 2)
	}

	switch inst.Opcode {
	case 1: // je
		a := inst.Operands[0].Value(z)
		branch := false
		for _, b := range inst.Operands[1:] {
			if a == b.Value(z) {
				branch = true
			}
		}
		z.handleBranch(frame, inst, branch)
	case 2: // jl
		z.handleBranch(frame, inst, int16(inst.Operands[0].Value(z)) < int16(inst.Operands[1].Value(z)))
	case 3: // jg
		z.handleBranch(frame, inst, int16(inst.Operands[0].Value(z)) > int16(inst.Operands[1].Value(z)))
	case 4: // dec_chk
		variable := uint8(inst.Operands[0].Value(z))
		newValue := int16(z.readVariable(variable, true)) - 1
		z.writeVariable(variable, uint16(newValue), true)
		z.handleBranch(frame, inst, newValue < int16(inst.Operands[1].Value(z)))
	case 5: // inc_chk
		variable := uint8(inst.Operands[0].Value(z))
		newValue := int16(z.readVariable(variable, true)) + 1
		z.writeVariable(variable, uint16(newValue), true)
		z.handleBranch(frame, inst, newValue > int16(inst.Operands[1].Value(z)))
	case 6: // jin
		obj := z.object(inst.Operands[0].Value(z), inst.Location)
		z.handleBranch(frame, inst, uint16(obj.Parent) == inst.Operands[1].Value(z))
	case 7: // test
		bitmap := inst.Operands[0].Value(z)
		flags := inst.Operands[1].Value(z)
		z.handleBranch(frame, inst, bitmap&flags == flags)
	case 8: // or
		z.writeVariable(*inst.StoreVariable, inst.Operands[0].Value(z)|inst.Operands[1].Value(z), false)
	case 9: // and
		z.writeVariable(*inst.StoreVariable, inst.Operands[0].Value(z)&inst.Operands[1].Value(z), false)
	case 10: // test_attr
		obj := z.object(inst.Operands[0].Value(z), inst.Location)
		z.handleBranch(frame, inst, obj.TestAttribute(inst.Operands[1].Value(z)))
	case 11: // set_attr
		obj := z.object(inst.Operands[0].Value(z), inst.Location)
		obj.SetAttribute(inst.Operands[1].Value(z), z.memory())
	case 12: // clear_attr
		obj := z.object(inst.Operands[0].Value(z), inst.Location)
		obj.ClearAttribute(inst.Operands[1].Value(z), z.memory())
	case 13: // store
		z.writeVariable(uint8(inst.Operands[0].Value(z)), inst.Operands[1].Value(z), true)
	case 14: // insert_obj
		z.moveObject(inst.Operands[0].Value(z), inst.Operands[1].Value(z), inst.Location)
	case 15: // loadw
		addr := inst.Operands[0].Value(z) + 2*inst.Operands[1].Value(z)
		z.writeVariable(*inst.StoreVariable, z.Core.ReadHalfWord(uint32(addr)), false)
	case 16: // loadb
		addr := inst.Operands[0].Value(z) + inst.Operands[1].Value(z)
		z.writeVariable(*inst.StoreVariable, uint16(z.Core.ReadZByte(uint32(addr))), false)
	case 17: // get_prop
		obj := z.object(inst.Operands[0].Value(z), inst.Location)
		prop := obj.GetProperty(uint8(inst.Operands[1].Value(z)), z.memory(), z.Core.ObjectTableBase)
		value := uint16(prop.Data[0])
		if len(prop.Data) == 2 {
			value = binary.BigEndian.Uint16(prop.Data)
		} else if len(prop.Data) > 2 {
			panic(fault(FaultInvalidProperty, inst.Location, "get_prop on property longer than 2 bytes"))
		}
		z.writeVariable(*inst.StoreVariable, value, false)
	case 18: // get_prop_addr
		obj := z.object(inst.Operands[0].Value(z), inst.Location)
		prop := obj.GetProperty(uint8(inst.Operands[1].Value(z)), z.memory(), z.Core.ObjectTableBase)
		z.writeVariable(*inst.StoreVariable, uint16(prop.DataAddress), false)
	case 19: // get_next_prop
		obj := z.object(inst.Operands[0].Value(z), inst.Location)
		next := obj.GetNextProperty(uint8(inst.Operands[1].Value(z)), z.memory(), z.Core.ObjectTableBase)
		z.writeVariable(*inst.StoreVariable, uint16(next), false)
	case 20: // add
		z.writeVariable(*inst.StoreVariable, inst.Operands[0].Value(z)+inst.Operands[1].Value(z), false)
	case 21: // sub
		z.writeVariable(*inst.StoreVariable, inst.Operands[0].Value(z)-inst.Operands[1].Value(z), false)
	case 22: // mul
		z.writeVariable(*inst.StoreVariable, inst.Operands[0].Value(z)*inst.Operands[1].Value(z), false)
	case 23: // div
		denominator := int16(inst.Operands[1].Value(z))
		if denominator == 0 {
			panic(fault(FaultDivideByZero, inst.Location, "div by zero"))
		}
		z.writeVariable(*inst.StoreVariable, uint16(int16(inst.Operands[0].Value(z))/denominator), false)
	case 24: // mod
		denominator := int16(inst.Operands[1].Value(z))
		if denominator == 0 {
			panic(fault(FaultDivideByZero, inst.Location, "mod by zero"))
		}
		z.writeVariable(*inst.StoreVariable, uint16(int16(inst.Operands[0].Value(z))%denominator), false)
	default:
		panic(fault(FaultUnsupportedOpcode, inst.Location, "2OP:%d", inst.Opcode))
	}
}

func (z *ZMachine) dispatchVAR(inst *Instruction, frame *CallStackFrame) {
	// Every implemented VAR opcode takes at least one operand.
	requireOperands(inst, 1, 4)

	switch inst.Opcode {
	case 0: // call
		z.call(inst)
	case 1: // storew
		requireOperands(inst, 3, 3)
		addr := inst.Operands[0].Value(z) + 2*inst.Operands[1].Value(z)
		z.Core.WriteHalfWord(uint32(addr), inst.Operands[2].Value(z))
	case 2: // storeb
		requireOperands(inst, 3, 3)
		addr := inst.Operands[0].Value(z) + inst.Operands[1].Value(z)
		z.Core.WriteZByte(uint32(addr), uint8(inst.Operands[2].Value(z)))
	case 3: // put_prop
		requireOperands(inst, 3, 3)
		obj := z.object(inst.Operands[0].Value(z), inst.Location)
		obj.SetProperty(uint8(inst.Operands[1].Value(z)), inst.Operands[2].Value(z), z.memory())
	case 4: // sread
		z.read(inst, frame)
	case 5: // print_char
		z.printZSCII(inst.Operands[0].Value(z))
	case 6: // print_num
		z.appendText(strconv.Itoa(int(int16(inst.Operands[0].Value(z)))))
	case 7: // random
		n := int16(inst.Operands[0].Value(z))
		result := uint16(0)
		switch {
		case n < 0:
			z.rng = rand.New(rand.NewSource(int64(n)))
		case n == 0:
			z.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		default:
			result = uint16(z.rng.Int31n(int32(n))) + 1
		}
		z.writeVariable(*inst.StoreVariable, result, false)
	case 8: // push
		frame.push(inst.Operands[0].Value(z))
	case 9: // pull
		z.writeVariable(uint8(inst.Operands[0].Value(z)), frame.mustPop(), true)
	case 10: // split_window
		z.screenModel.UpperWindowHeight = int(inst.Operands[0].Value(z))
		z.outputChannel <- z.screenModel
	case 11: // set_window
		z.screenModel.LowerWindowActive = inst.Operands[0].Value(z) == 0
		z.outputChannel <- z.screenModel
	case 13: // erase_window
		window := int16(inst.Operands[0].Value(z))
		if window == 1 || window == -1 || window == -2 {
			z.screenModel.LowerWindowActive = true
			z.screenModel.UpperWindowHeight = 0
			z.outputChannel <- z.screenModel
		}
		z.outputChannel <- EraseWindowRequest(window)
	case 14: // erase_line
		z.outputChannel <- EraseLineRequest{}
	case 15: // set_cursor
		requireOperands(inst, 2, 2)
		line := inst.Operands[0].Value(z)
		col := inst.Operands[1].Value(z)
		if !z.screenModel.LowerWindowActive {
			z.screenModel.UpperWindowCursorX = int(col)
			z.screenModel.UpperWindowCursorY = int(line)
			z.outputChannel <- z.screenModel
		}
	case 17: // set_text_style
		mask := TextStyle(inst.Operands[0].Value(z))
		if z.screenModel.LowerWindowActive {
			z.screenModel.LowerWindowTextStyle = mask
		} else {
			z.screenModel.UpperWindowTextStyle = mask
		}
		z.outputChannel <- z.screenModel
	case 18: // buffer_mode
		// Word wrap is the host's problem; there is nothing to toggle here.
	case 19: // output_stream
		z.setOutputStream(int16(inst.Operands[0].Value(z)), inst)
	case 20: // input_stream
		if inst.Operands[0].Value(z) != 0 {
			z.warnOnce("input_stream", "input stream 1 (command script) requested but no script is open")
		}
	case 21: // sound_effect
		req := SoundEffectRequest{SoundNumber: uint8(inst.Operands[0].Value(z))}
		req.Effect = req.SoundNumber
		if len(inst.Operands) > 3 {
			req.Routine = inst.Operands[3].Value(z)
		}
		if req.SoundNumber > 2 && req.Routine != 0 {
			z.warnOnce("sound_effect_routine", "sound effect %d completion routine is not supported", req.SoundNumber)
		}
		z.outputChannel <- req
	case 22: // read_char
		z.outputChannel <- StateChangeRequest(WaitForCharacter)
		response := <-z.inputChannel
		code := uint16(response.TerminatingKey)
		if runes := []rune(response.Text); len(runes) > 0 {
			code = zsciiInputCode(runes[0], z.Core)
		}
		z.writeVariable(*inst.StoreVariable, code, false)
	case 23: // scan_table
		requireOperands(inst, 3, 4)
		form := uint16(0x82)
		if len(inst.Operands) == 4 {
			form = inst.Operands[3].Value(z)
		}
		result := ztable.ScanTable(z.Core, inst.Operands[0].Value(z), uint32(inst.Operands[1].Value(z)), inst.Operands[2].Value(z), form)
		z.writeVariable(*inst.StoreVariable, uint16(result), false)
		z.handleBranch(frame, inst, result != 0)
	case 24: // not
		z.writeVariable(*inst.StoreVariable, ^inst.Operands[0].Value(z), false)
	case 27: // tokenise
		requireOperands(inst, 2, 4)
		dict := z.dictionary
		if len(inst.Operands) > 2 {
			dict = dictionary.ParseDictionary(z.memory(), uint32(inst.Operands[2].Value(z)), z.Core.Version, z.Alphabets, z.Core.AbbreviationTableBase)
		}
		z.tokenise(uint32(inst.Operands[0].Value(z)), uint32(inst.Operands[1].Value(z)), dict)
	case 29: // copy_table
		requireOperands(inst, 3, 3)
		ztable.CopyTable(z.Core, inst.Operands[0].Value(z), inst.Operands[1].Value(z), int16(inst.Operands[2].Value(z)))
	case 30: // print_table
		requireOperands(inst, 2, 4)
		width := inst.Operands[1].Value(z)
		height := uint16(1)
		skip := uint16(0)
		if len(inst.Operands) > 2 {
			height = inst.Operands[2].Value(z)
			if len(inst.Operands) > 3 {
				skip = inst.Operands[3].Value(z)
			}
		}
		z.appendText(ztable.PrintTable(z.Core, uint32(inst.Operands[0].Value(z)), width, height, skip))
	case 31: // check_arg_count
		z.handleBranch(frame, inst, inst.Operands[0].Value(z) <= uint16(frame.numValuesPassed))
	default:
		panic(fault(FaultUnsupportedOpcode, inst.Location, "VAR:%d", inst.Opcode))
	}
}

// printZSCII emits one output character: 13 is newline, 32..126 is
// plain ASCII, 155..251 goes through the unicode translation table, and
// everything else (including 0) prints nothing, per §3.8 of the
// standard's output rules.
func (z *ZMachine) printZSCII(code uint16) {
	switch {
	case code == 13:
		z.appendText("\n")
	case code >= 32 && code <= 126:
		z.appendText(string(rune(code)))
	case code >= 155 && code <= 251:
		if r, ok := zstring.ZsciiToUnicode(uint8(code), z.Core); ok {
			z.appendText(string(r))
		}
	}
}

// zsciiInputCode converts a typed character to the ZSCII code read_char
// and sread report: ASCII passes through, anything else goes through
// the unicode translation table or collapses to 0.
func zsciiInputCode(r rune, core *zcore.Core) uint16 {
	if r >= 32 && r <= 126 {
		return uint16(r)
	}
	if code, ok := zstring.UnicodeToZscii(r, core); ok {
		return uint16(code)
	}
	return 0
}

func (z *ZMachine) setOutputStream(stream int16, inst *Instruction) {
	switch stream {
	case 1, -1:
		z.streams.Screen = stream > 0
	case 2, -2:
		z.streams.Transcript = stream > 0
	case 3:
		requireOperands(inst, 2, 2) // redirection needs the table operand
		addr := uint32(inst.Operands[1].Value(z))
		z.streams.Memory = true
		z.streams.MemoryStreamData = append(z.streams.MemoryStreamData, MemoryStreamData{baseAddress: addr, ptr: addr + 2})
	case -3:
		if z.streams.Memory {
			current := z.streams.MemoryStreamData[len(z.streams.MemoryStreamData)-1]
			z.Core.WriteHalfWord(current.baseAddress, uint16(current.ptr-current.baseAddress-2))
			z.streams.MemoryStreamData = z.streams.MemoryStreamData[:len(z.streams.MemoryStreamData)-1]
			if len(z.streams.MemoryStreamData) == 0 {
				z.streams.Memory = false
			}
		}
	case 4, -4:
		z.streams.CommandScript = stream > 0
	}
}
