// Package zobject implements the V3 object tree: 9-byte object entries,
// a 31-entry default-property table, and 32-bit attribute flags.
package zobject

import (
	"encoding/binary"

	"github.com/jblount/zmach/zstring"
)

type Object struct {
	BaseAddress     uint32
	Id              uint16
	Name            string
	Attributes      uint32
	Parent          uint8
	Sibling         uint8
	Child           uint8
	PropertyPointer uint16
}

// GetObject reads object objId out of the V3 object table rooted at
// objectTableBase. objId 0 is the "no object" sentinel and is never a
// valid argument; callers must check for it before calling.
func GetObject(objId uint16, objectTableBase uint16, memory []uint8, version uint8, alphabets *zstring.Alphabets, abbreviationTableBase uint16) Object {
	if objId == 0 {
		panic("zobject: object id 0 has no entry")
	}

	objectBase := uint32(objectTableBase) + 31*2 + uint32(objId-1)*9
	propertyPtr := binary.BigEndian.Uint16(memory[objectBase+7 : objectBase+9])
	nameLength := memory[propertyPtr]

	var name string
	if nameLength > 0 {
		name, _ = zstring.Decode(memory, uint32(propertyPtr+1), version, alphabets, abbreviationTableBase)
	}

	return Object{
		Id:              objId,
		Name:            name,
		Attributes:      binary.BigEndian.Uint32(memory[objectBase : objectBase+4]),
		Parent:          memory[objectBase+4],
		Sibling:         memory[objectBase+5],
		Child:           memory[objectBase+6],
		PropertyPointer: propertyPtr,
		BaseAddress:     objectBase,
	}
}

func (o *Object) TestAttribute(attribute uint16) bool {
	mask := uint32(1) << (31 - attribute)
	return (o.Attributes & mask) == mask
}

func (o *Object) SetAttribute(attribute uint16, memory []uint8) {
	mask := uint32(1) << (31 - attribute)
	o.Attributes |= mask
	binary.BigEndian.PutUint32(memory[o.BaseAddress:o.BaseAddress+4], o.Attributes)
}

func (o *Object) ClearAttribute(attribute uint16, memory []uint8) {
	mask := uint32(1) << (31 - attribute)
	o.Attributes &= ^mask
	binary.BigEndian.PutUint32(memory[o.BaseAddress:o.BaseAddress+4], o.Attributes)
}

func (o *Object) SetParent(parent uint8, memory []uint8) {
	memory[o.BaseAddress+4] = parent
	o.Parent = parent
}

func (o *Object) SetSibling(sibling uint8, memory []uint8) {
	memory[o.BaseAddress+5] = sibling
	o.Sibling = sibling
}

func (o *Object) SetChild(child uint8, memory []uint8) {
	memory[o.BaseAddress+6] = child
	o.Child = child
}
