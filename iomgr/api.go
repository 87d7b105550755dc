// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package iomgr describes the operating system registries a volume is
// published to (device namespace, symbolic links, filesystem registry,
// redirector providers, device interfaces and the mount manager) and provides
// Namespace, an in-memory implementation of them.
//
// All failures are blunder errors: NameCollisionError for a name already in
// use, AccessSetupError for a rejected security descriptor, NotFoundError for
// an object that is not (or is no longer) registered, ResourceExhaustedError
// and RegistryError otherwise.
package iomgr

import (
	"github.com/google/uuid"
)

// DeviceType values match the I/O manager's FILE_DEVICE_* constants.
type DeviceType uint32

const (
	DeviceTypeDisk              DeviceType = 0x07
	DeviceTypeDiskFileSystem    DeviceType = 0x08
	DeviceTypeNetworkFileSystem DeviceType = 0x14
	DeviceTypeUnknown           DeviceType = 0x22
)

func (deviceType DeviceType) String() string {
	switch deviceType {
	case DeviceTypeDisk:
		return "Disk"
	case DeviceTypeDiskFileSystem:
		return "DiskFileSystem"
	case DeviceTypeNetworkFileSystem:
		return "NetworkFileSystem"
	case DeviceTypeUnknown:
		return "Unknown"
	}
	return "Invalid"
}

// Device characteristics
const (
	CharacteristicRemovableMedia uint32 = 0x00000001
	CharacteristicReadOnlyDevice uint32 = 0x00000002
	CharacteristicRemoteDevice   uint32 = 0x00000010
	CharacteristicSecureOpen     uint32 = 0x00000100
)

// DefaultSecurityDescriptor grants System all access, Administrators
// read/write/execute, Everyone read/write and restricted code read.
const DefaultSecurityDescriptor = "D:P(A;;GA;;;SY)(A;;GRGWGX;;;BA)(A;;GRGW;;;WD)(A;;GR;;;RC)"

// InterfaceClass identifies a device interface class.
type InterfaceClass uuid.UUID

var (
	MountedDeviceInterfaceClass = InterfaceClass(uuid.MustParse("53F5630D-B6BF-11D0-94F2-00A0C91EFB8B"))
	DiskInterfaceClass          = InterfaceClass(uuid.MustParse("53F56307-B6BF-11D0-94F2-00A0C91EFB8B"))
)

func (class InterfaceClass) String() string {
	return uuid.UUID(class).String()
}

// DeviceSpec describes a device to create. An empty Name creates an unnamed
// device. A non-empty SecurityDescriptor (SDDL) creates a secure device.
type DeviceSpec struct {
	Name               string
	Type               DeviceType
	Characteristics    uint32
	SecurityDescriptor string
}

// Device is a created device object.
type Device struct {
	DeviceSpec
	id           uint64
	initializing bool
}

// ID is unique among the devices a Services implementation has created.
func (device *Device) ID() uint64 {
	return device.id
}

// UncHandle identifies a redirector provider registration. Zero is never a valid handle.
type UncHandle uint64

// Services is the set of operating system registries used to publish a volume.
type Services interface {
	CreateDevice(deviceSpec DeviceSpec) (device *Device, err error)
	MarkDeviceInitialized(device *Device)
	DeleteDevice(device *Device) (err error)

	CreateSymbolicLink(linkName string, targetName string) (err error)
	DeleteSymbolicLink(linkName string) (err error)

	RegisterFileSystem(device *Device) (err error)
	UnregisterFileSystem(device *Device) (err error)

	RegisterUncProvider(redirectorName string) (handle UncHandle, err error)
	DeregisterUncProvider(handle UncHandle) (err error)

	// RegisterDeviceInterface returns the generated, initially disabled, interface name.
	RegisterDeviceInterface(device *Device, class InterfaceClass) (interfaceName string, err error)
	SetDeviceInterfaceState(interfaceName string, enable bool) (err error)
	UnregisterDeviceInterface(interfaceName string) (err error)

	// NotifyVolumeArrival informs the mount manager that deviceName is a new volume.
	NotifyVolumeArrival(deviceName string) (err error)
}

// NewNamespace returns an empty in-memory Services implementation.
func NewNamespace() (namespace *Namespace) {
	return newNamespace()
}

// ValidateSecurityDescriptor checks that sddl is a well formed SDDL string.
func ValidateSecurityDescriptor(sddl string) (err error) {
	return validateSecurityDescriptor(sddl)
}
