package zobject

import (
	"encoding/binary"
	"fmt"
)

type Property struct {
	Id                   uint8
	Length               uint8
	Data                 []uint8
	PropertyHeaderLength uint8
	Address              uint32
	DataAddress          uint32
}

// GetPropertyLength is given the address of a property's first data
// byte and works backwards to the single V3 size byte preceding it:
// (length-1)<<5 | id.
func GetPropertyLength(memory []uint8, addr uint32) uint16 {
	if addr == 0 {
		return 0 // special case required by some story files
	}
	return uint16(memory[addr-1]>>5) + 1
}

func (o *Object) SetProperty(propertyId uint8, value uint16, memory []uint8) {
	objectNameLength := memory[o.PropertyPointer]
	currentPtr := uint32(o.PropertyPointer + 1 + uint16(objectNameLength)*2)

	for {
		if memory[currentPtr] == 0 {
			break
		}

		property := o.GetPropertyByAddress(currentPtr, memory)

		if property.Id == propertyId {
			switch property.Length {
			case 1:
				memory[currentPtr+1] = uint8(value)
			case 2:
				binary.BigEndian.PutUint16(memory[currentPtr+1:currentPtr+3], value)
			default:
				panic(fmt.Sprintf("invalid property length %d, can't set value", property.Length))
			}
			return
		}

		currentPtr += uint32(property.Length) + uint32(property.PropertyHeaderLength)
	}

	panic(fmt.Sprintf("invalid property (%d) requested for object (%d)", propertyId, o.Id))
}

func (o *Object) GetProperty(propertyId uint8, memory []uint8, objectTableBase uint16) Property {
	objectNameLength := memory[o.PropertyPointer]
	currentPtr := uint32(o.PropertyPointer + 1 + uint16(objectNameLength)*2)

	for {
		// property table ends with a null terminator
		if memory[currentPtr] == 0 {
			break
		}

		property := o.GetPropertyByAddress(currentPtr, memory)
		if property.Id == propertyId {
			return property
		}

		currentPtr += uint32(property.Length) + uint32(property.PropertyHeaderLength)
	}

	// not found on the object: fall back to the table's default value
	propertyAddress := objectTableBase + 2*uint16(propertyId-1)
	return Property{
		Id:   propertyId,
		Data: memory[propertyAddress : propertyAddress+2],
	}
}

func (o *Object) GetPropertyByAddress(propertyAddr uint32, memory []uint8) Property {
	propertySizeByte := memory[propertyAddr]
	length := (propertySizeByte >> 5) + 1
	id := propertySizeByte & 0b1_1111

	dataAddress := propertyAddr + 1

	return Property{
		Id:                   id,
		Length:               length,
		Data:                 memory[dataAddress : dataAddress+uint32(length)],
		PropertyHeaderLength: 1,
		Address:              propertyAddr,
		DataAddress:          dataAddress,
	}
}

func (o *Object) GetNextProperty(propertyId uint8, memory []uint8, objectTableBase uint16) uint8 {
	if propertyId == 0 { // special case: return the first property
		if memory[o.PropertyPointer] == 0 {
			return 0
		}

		objectNameLength := memory[o.PropertyPointer]
		currentPtr := uint32(o.PropertyPointer + 1 + uint16(objectNameLength)*2)
		return o.GetPropertyByAddress(currentPtr, memory).Id
	}

	property := o.GetProperty(propertyId, memory, objectTableBase)
	if property.DataAddress == 0 {
		panic(fmt.Sprintf("can't call get next property with invalid property id (object %d, prop %d)", o.Id, propertyId))
	}

	nextPropertyPtr := property.DataAddress + uint32(property.Length)
	return o.GetPropertyByAddress(nextPropertyPtr, memory).Id
}
