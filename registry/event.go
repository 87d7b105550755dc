// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"

	"github.com/NVIDIA/cstruct"
	"github.com/google/uuid"

	"github.com/NVIDIA/fsrelay/iomgr"
	"github.com/NVIDIA/fsrelay/utf"
)

// eventStruct is the wire form of an Event. DeviceName is UTF-16LE.
type eventStruct struct {
	Kind             uint32
	DeviceType       uint32
	MountID          uint64
	Characteristics  uint32
	BaseGuid         [16]byte
	DeviceNameLength uint16
	DeviceName       []byte
}

func encodeEvent(event Event) (payload []byte, err error) {
	deviceName := utf.StringToUTF16ByteSlice(event.DeviceName, utf.LittleEndian)
	if len(deviceName) > 0xFFFF {
		err = fmt.Errorf("device name %s too long for an event", event.DeviceName)
		return
	}

	wire := &eventStruct{
		Kind:             uint32(event.Kind),
		DeviceType:       uint32(event.DeviceType),
		MountID:          event.MountID,
		Characteristics:  event.Characteristics,
		BaseGuid:         [16]byte(event.BaseGuid),
		DeviceNameLength: uint16(len(deviceName)),
		DeviceName:       deviceName,
	}

	payload, err = cstruct.Pack(wire, cstruct.LittleEndian)
	return
}

func decodeEvent(payload []byte) (event Event, err error) {
	wire := &eventStruct{}

	_, err = cstruct.Unpack(payload, wire, cstruct.LittleEndian)
	if nil != err {
		return
	}

	if int(wire.DeviceNameLength) != len(wire.DeviceName) {
		err = fmt.Errorf("event device name length %d does not match %d bytes present", wire.DeviceNameLength, len(wire.DeviceName))
		return
	}

	event.DeviceName, err = utf.UTF16ByteSliceToString(wire.DeviceName, utf.LittleEndian)
	if nil != err {
		return
	}

	event.Kind = EventKind(wire.Kind)
	event.DeviceType = iomgr.DeviceType(wire.DeviceType)
	event.MountID = wire.MountID
	event.Characteristics = wire.Characteristics
	event.BaseGuid = uuid.UUID(wire.BaseGuid)
	return
}
