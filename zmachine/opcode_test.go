package zmachine

import (
	"errors"
	"testing"
)

func TestDecodeLongForm(t *testing.T) {
	// add (2OP:0x14) with a variable and a small-constant operand, then
	// its store byte.
	memory := []uint8{0x54, 0x94, 0x80, 0x00}

	inst, err := Decode(memory, 0)
	if err != nil {
		t.Fatal(err)
	}

	if inst.Form != longForm || inst.Category != OP2 || inst.Opcode != 0x14 {
		t.Fatalf("decoded form=%d category=%d opcode=0x%02x", inst.Form, inst.Category, inst.Opcode)
	}
	if len(inst.Operands) != 2 {
		t.Fatalf("%d operands", len(inst.Operands))
	}
	if inst.Operands[0].operandType != variable || inst.Operands[0].value != 0x94 {
		t.Errorf("operand 0 = {%d, 0x%x}", inst.Operands[0].operandType, inst.Operands[0].value)
	}
	if inst.Operands[1].operandType != smallConstant || inst.Operands[1].value != 0x80 {
		t.Errorf("operand 1 = {%d, 0x%x}", inst.Operands[1].operandType, inst.Operands[1].value)
	}
	if inst.StoreVariable == nil || *inst.StoreVariable != 0x00 {
		t.Error("store byte not consumed")
	}
	if inst.Length != 4 {
		t.Errorf("length %d", inst.Length)
	}
}

func TestDecodeShortFormBranch(t *testing.T) {
	// jz #07 with a short-form branch byte: branch on true, offset 5.
	memory := []uint8{0x90, 0x07, 0xC5}

	inst, err := Decode(memory, 0)
	if err != nil {
		t.Fatal(err)
	}

	if inst.Form != shortForm || inst.Category != OP1 || inst.Opcode != 0 {
		t.Fatalf("decoded form=%d category=%d opcode=0x%02x", inst.Form, inst.Category, inst.Opcode)
	}
	if inst.Branch == nil || !inst.Branch.OnTrue || inst.Branch.Offset != 5 {
		t.Fatalf("branch %+v", inst.Branch)
	}
	if inst.Length != 3 {
		t.Errorf("length %d", inst.Length)
	}
}

func TestDecodeLongFormBranchNegativeOffset(t *testing.T) {
	// je #05 #06 with a two-byte branch: 14-bit two's complement.
	memory := []uint8{0x01, 0x05, 0x06, 0xA0, 0xF6}

	inst, err := Decode(memory, 0)
	if err != nil {
		t.Fatal(err)
	}

	if inst.Branch == nil || !inst.Branch.OnTrue {
		t.Fatalf("branch %+v", inst.Branch)
	}
	if want := int16(0x20F6) - 0x4000; inst.Branch.Offset != want {
		t.Errorf("offset %d, want %d", inst.Branch.Offset, want)
	}
	if inst.Length != 5 {
		t.Errorf("length %d", inst.Length)
	}
}

func TestDecodeVariableFormCall(t *testing.T) {
	// call with two large constants then a store byte.
	memory := []uint8{0xE0, 0x0F, 0x08, 0x00, 0x00, 0x11, 0x04}

	inst, err := Decode(memory, 0)
	if err != nil {
		t.Fatal(err)
	}

	if inst.Form != variableForm || inst.Category != VAR || inst.Opcode != 0 {
		t.Fatalf("decoded form=%d category=%d opcode=0x%02x", inst.Form, inst.Category, inst.Opcode)
	}
	if len(inst.Operands) != 2 || inst.Operands[0].value != 0x0800 || inst.Operands[1].value != 0x0011 {
		t.Fatalf("operands %+v", inst.Operands)
	}
	if inst.StoreVariable == nil || *inst.StoreVariable != 0x04 {
		t.Error("store byte not consumed")
	}
	if inst.Length != 7 {
		t.Errorf("length %d", inst.Length)
	}
}

func TestDecodeVariableForm2OP(t *testing.T) {
	// je in variable form: bit 5 clear keeps the 2OP category.
	memory := []uint8{0xC1, 0x5F, 0x05, 0x05, 0xC4}

	inst, err := Decode(memory, 0)
	if err != nil {
		t.Fatal(err)
	}

	if inst.Form != variableForm || inst.Category != OP2 || inst.Opcode != 1 {
		t.Fatalf("decoded form=%d category=%d opcode=0x%02x", inst.Form, inst.Category, inst.Opcode)
	}
	if len(inst.Operands) != 2 {
		t.Fatalf("%d operands", len(inst.Operands))
	}
	if inst.Branch == nil || inst.Branch.Offset != 4 {
		t.Fatalf("branch %+v", inst.Branch)
	}
}

func TestDecodeTrailingString(t *testing.T) {
	// print followed by a one-word z-string literal.
	memory := []uint8{0xB2, 0x98, 0x06}

	inst, err := Decode(memory, 0)
	if err != nil {
		t.Fatal(err)
	}

	if inst.Category != OP0 || inst.Opcode != 2 {
		t.Fatalf("decoded category=%d opcode=0x%02x", inst.Category, inst.Opcode)
	}
	if inst.TrailingString != 1 {
		t.Errorf("trailing string at 0x%x", inst.TrailingString)
	}
	if inst.Length != 3 || inst.NextPC() != 3 {
		t.Errorf("length %d, next pc 0x%x", inst.Length, inst.NextPC())
	}
}

func TestDecodeRejectsNonV3Forms(t *testing.T) {
	for _, memory := range [][]uint8{
		{0xBE, 0x00, 0x00}, // extended form
		{0xEC, 0x0F, 0x0F}, // call_vs2, the double-variable form
	} {
		_, err := Decode(memory, 0)
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Errorf("opcode byte 0x%02x: expected a decode error, got %v", memory[0], err)
		}
	}
}

// The four 2-bit fields of a variable-form type byte, truncated at the
// first omitted entry, give the operand list.
func TestVariableOperandTypeExtraction(t *testing.T) {
	memory := []uint8{0x2B, 0x12, 0x34, 0x05, 0x06}
	inst := Instruction{}
	ptr := uint32(0)

	decodeVariableOperands(memory, &ptr, &inst)

	if len(inst.Operands) != 3 {
		t.Fatalf("%d operands", len(inst.Operands))
	}
	if inst.Operands[0].operandType != largeConstant || inst.Operands[0].value != 0x1234 {
		t.Errorf("operand 0 = %+v", inst.Operands[0])
	}
	if inst.Operands[1].operandType != variable || inst.Operands[1].value != 0x05 {
		t.Errorf("operand 1 = %+v", inst.Operands[1])
	}
	if inst.Operands[2].operandType != variable || inst.Operands[2].value != 0x06 {
		t.Errorf("operand 2 = %+v", inst.Operands[2])
	}
	if ptr != 5 {
		t.Errorf("consumed %d bytes", ptr)
	}
}

func TestStoreOpcodeTable(t *testing.T) {
	stores := []struct {
		category OperandCount
		opcode   uint8
		want     bool
	}{
		{OP0, 2, false},  // print
		{OP1, 1, true},   // get_sibling
		{OP1, 14, true},  // load
		{OP1, 11, false}, // ret
		{OP2, 20, true},  // add
		{OP2, 13, false}, // store writes indirectly, no store byte
		{VAR, 0, true},   // call
		{VAR, 7, true},   // random
		{VAR, 8, false},  // push
	}

	for _, tt := range stores {
		if got := isStoreOpcode(tt.category, tt.opcode); got != tt.want {
			t.Errorf("isStoreOpcode(%d, %d) = %v", tt.category, tt.opcode, got)
		}
	}
}

func TestBranchOpcodeTable(t *testing.T) {
	branches := []struct {
		category OperandCount
		opcode   uint8
		want     bool
	}{
		{OP0, 5, true},   // save
		{OP0, 13, true},  // verify
		{OP0, 11, false}, // new_line
		{OP1, 0, true},   // jz
		{OP1, 12, false}, // jump is unconditional, no branch byte
		{OP2, 1, true},   // je
		{OP2, 10, true},  // test_attr
		{OP2, 20, false}, // add
		{VAR, 0, false},  // call
	}

	for _, tt := range branches {
		if got := isBranchOpcode(tt.category, tt.opcode); got != tt.want {
			t.Errorf("isBranchOpcode(%d, %d) = %v", tt.category, tt.opcode, got)
		}
	}
}
