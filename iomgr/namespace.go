// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package iomgr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/NVIDIA/cstruct"
	"github.com/creachadair/cityhash"

	"github.com/NVIDIA/fsrelay/blunder"
	"github.com/NVIDIA/fsrelay/halter"
	"github.com/NVIDIA/fsrelay/logger"
	"github.com/NVIDIA/fsrelay/trackedlock"
	"github.com/NVIDIA/fsrelay/utf"
)

type symbolicLinkStruct struct {
	linkName   string
	targetName string
}

type deviceInterfaceStruct struct {
	interfaceName string
	device        *Device
	class         InterfaceClass
	enabled       bool
}

// mountMgrTargetNameStruct is the input of a volume arrival notification:
// a byte count followed by that many bytes of UTF-16LE device name.
type mountMgrTargetNameStruct struct {
	DeviceNameLength uint16
	DeviceName       []byte
}

// Namespace is an in-memory rendition of the registries in Services. Names
// are compared case-insensitively.
type Namespace struct {
	trackedlock.Mutex
	lastDeviceID     uint64
	lastUncHandle    UncHandle
	devices          map[uint64]*Device                // Key: Device.id
	deviceNames      map[string]*Device                // Key: utf.FoldName(Device.Name)
	symbolicLinks    map[string]*symbolicLinkStruct    // Key: utf.FoldName(linkName)
	fileSystems      map[uint64]*Device                // Key: Device.id
	uncProviders     map[UncHandle]string              // Value: redirector (device) name
	deviceInterfaces map[string]*deviceInterfaceStruct // Key: utf.FoldName(interfaceName)
	volumeArrivals   [][]byte                          // Packed mountMgrTargetNameStruct's
}

var _ Services = &Namespace{}

func newNamespace() (namespace *Namespace) {
	namespace = &Namespace{
		devices:          make(map[uint64]*Device),
		deviceNames:      make(map[string]*Device),
		symbolicLinks:    make(map[string]*symbolicLinkStruct),
		fileSystems:      make(map[uint64]*Device),
		uncProviders:     make(map[UncHandle]string),
		deviceInterfaces: make(map[string]*deviceInterfaceStruct),
		volumeArrivals:   make([][]byte, 0),
	}
	return
}

// haltError gives an injected failure that carries no RelayError the kind a
// real failure at that point would have.
func haltError(err error, defaultKind blunder.RelayError) error {
	if -1 == blunder.Errno(err) {
		return blunder.AddError(err, defaultKind)
	}
	return err
}

func (namespace *Namespace) CreateDevice(deviceSpec DeviceSpec) (device *Device, err error) {
	err = halter.Trigger(halter.IomgrCreateDevice)
	if nil != err {
		err = haltError(err, blunder.ResourceExhaustedError)
		return
	}

	if "" != deviceSpec.SecurityDescriptor {
		err = validateSecurityDescriptor(deviceSpec.SecurityDescriptor)
		if nil != err {
			return
		}
	}

	namespace.Lock()
	defer namespace.Unlock()

	if "" != deviceSpec.Name {
		if _, ok := namespace.deviceNames[utf.FoldName(deviceSpec.Name)]; ok {
			err = blunder.NewError(blunder.NameCollisionError, "device %s already exists", deviceSpec.Name)
			return
		}
	}

	namespace.lastDeviceID++

	device = &Device{
		DeviceSpec:   deviceSpec,
		id:           namespace.lastDeviceID,
		initializing: true,
	}

	namespace.devices[device.id] = device
	if "" != deviceSpec.Name {
		namespace.deviceNames[utf.FoldName(deviceSpec.Name)] = device
	}

	logger.Tracef("created device %d %q type %v", device.id, deviceSpec.Name, deviceSpec.Type)
	return
}

func (namespace *Namespace) MarkDeviceInitialized(device *Device) {
	namespace.Lock()
	device.initializing = false
	namespace.Unlock()
}

func (namespace *Namespace) DeleteDevice(device *Device) (err error) {
	err = halter.Trigger(halter.IomgrDeleteDevice)
	if nil != err {
		err = haltError(err, blunder.RegistryError)
		return
	}

	namespace.Lock()
	defer namespace.Unlock()

	if _, ok := namespace.devices[device.id]; !ok {
		err = blunder.NewError(blunder.NotFoundError, "device %d %q already deleted", device.id, device.Name)
		return
	}

	// Interfaces must be retracted before their device goes
	for _, deviceInterface := range namespace.deviceInterfaces {
		if deviceInterface.device == device {
			err = blunder.NewError(blunder.InvalidStateError, "device %d %q still has interface %s registered", device.id, device.Name, deviceInterface.interfaceName)
			return
		}
	}

	delete(namespace.devices, device.id)
	if "" != device.Name {
		delete(namespace.deviceNames, utf.FoldName(device.Name))
	}

	// Deleting a device implicitly drops its filesystem registration
	delete(namespace.fileSystems, device.id)

	return
}

func (namespace *Namespace) CreateSymbolicLink(linkName string, targetName string) (err error) {
	err = halter.Trigger(halter.IomgrCreateSymbolicLink)
	if nil != err {
		err = haltError(err, blunder.RegistryError)
		return
	}

	namespace.Lock()
	defer namespace.Unlock()

	if _, ok := namespace.symbolicLinks[utf.FoldName(linkName)]; ok {
		err = blunder.NewError(blunder.NameCollisionError, "symbolic link %s already exists", linkName)
		return
	}
	if _, ok := namespace.deviceNames[utf.FoldName(linkName)]; ok {
		err = blunder.NewError(blunder.NameCollisionError, "symbolic link %s collides with a device name", linkName)
		return
	}

	namespace.symbolicLinks[utf.FoldName(linkName)] = &symbolicLinkStruct{linkName: linkName, targetName: targetName}
	return
}

func (namespace *Namespace) DeleteSymbolicLink(linkName string) (err error) {
	err = halter.Trigger(halter.IomgrDeleteSymbolicLink)
	if nil != err {
		err = haltError(err, blunder.RegistryError)
		return
	}

	namespace.Lock()
	defer namespace.Unlock()

	if _, ok := namespace.symbolicLinks[utf.FoldName(linkName)]; !ok {
		err = blunder.NewError(blunder.NotFoundError, "symbolic link %s already deleted", linkName)
		return
	}

	delete(namespace.symbolicLinks, utf.FoldName(linkName))
	return
}

func (namespace *Namespace) RegisterFileSystem(device *Device) (err error) {
	err = halter.Trigger(halter.IomgrRegisterFileSystem)
	if nil != err {
		err = haltError(err, blunder.RegistryError)
		return
	}

	namespace.Lock()
	defer namespace.Unlock()

	if _, ok := namespace.devices[device.id]; !ok {
		err = blunder.NewError(blunder.NotFoundError, "device %d %q does not exist", device.id, device.Name)
		return
	}
	if _, ok := namespace.fileSystems[device.id]; ok {
		err = blunder.NewError(blunder.NameCollisionError, "device %d %q already registered as a filesystem", device.id, device.Name)
		return
	}

	namespace.fileSystems[device.id] = device
	return
}

func (namespace *Namespace) UnregisterFileSystem(device *Device) (err error) {
	err = halter.Trigger(halter.IomgrUnregisterFileSystem)
	if nil != err {
		err = haltError(err, blunder.RegistryError)
		return
	}

	namespace.Lock()
	defer namespace.Unlock()

	if _, ok := namespace.fileSystems[device.id]; !ok {
		err = blunder.NewError(blunder.NotFoundError, "device %d %q not registered as a filesystem", device.id, device.Name)
		return
	}

	delete(namespace.fileSystems, device.id)
	return
}

func (namespace *Namespace) RegisterUncProvider(redirectorName string) (handle UncHandle, err error) {
	err = halter.Trigger(halter.IomgrRegisterUncProvider)
	if nil != err {
		err = haltError(err, blunder.RegistryError)
		return
	}

	namespace.Lock()
	defer namespace.Unlock()

	if _, ok := namespace.deviceNames[utf.FoldName(redirectorName)]; !ok {
		err = blunder.NewError(blunder.NotFoundError, "redirector device %s does not exist", redirectorName)
		return
	}
	for _, registeredName := range namespace.uncProviders {
		if utf.FoldName(registeredName) == utf.FoldName(redirectorName) {
			err = blunder.NewError(blunder.NameCollisionError, "redirector %s already registered", redirectorName)
			return
		}
	}

	namespace.lastUncHandle++
	handle = namespace.lastUncHandle
	namespace.uncProviders[handle] = redirectorName
	return
}

func (namespace *Namespace) DeregisterUncProvider(handle UncHandle) (err error) {
	err = halter.Trigger(halter.IomgrDeregisterUncProvider)
	if nil != err {
		err = haltError(err, blunder.RegistryError)
		return
	}

	namespace.Lock()
	defer namespace.Unlock()

	if _, ok := namespace.uncProviders[handle]; !ok {
		err = blunder.NewError(blunder.NotFoundError, "redirector handle %d already deregistered", handle)
		return
	}

	delete(namespace.uncProviders, handle)
	return
}

// deviceInterfaceName builds a name unique to the (device, class) pair:
//   \??\<device path with '\' as '#'>#<instance>#{<class>}
func deviceInterfaceName(device *Device, class InterfaceClass) string {
	devicePath := device.Name
	if "" == devicePath {
		devicePath = fmt.Sprintf("Device\\%08X", device.id)
	}
	devicePath = strings.ReplaceAll(strings.TrimPrefix(devicePath, "\\"), "\\", "#")

	instance := cityhash.Hash64([]byte(fmt.Sprintf("%d:%s:%s", device.id, device.Name, class)))

	return fmt.Sprintf("\\??\\%s#%016x#{%s}", devicePath, instance, class)
}

func (namespace *Namespace) RegisterDeviceInterface(device *Device, class InterfaceClass) (interfaceName string, err error) {
	err = halter.Trigger(halter.IomgrRegisterDeviceInterface)
	if nil != err {
		err = haltError(err, blunder.RegistryError)
		return
	}

	namespace.Lock()
	defer namespace.Unlock()

	if _, ok := namespace.devices[device.id]; !ok {
		err = blunder.NewError(blunder.NotFoundError, "device %d %q does not exist", device.id, device.Name)
		return
	}

	name := deviceInterfaceName(device, class)
	if _, ok := namespace.deviceInterfaces[utf.FoldName(name)]; ok {
		err = blunder.NewError(blunder.NameCollisionError, "device interface %s already registered", name)
		return
	}

	namespace.deviceInterfaces[utf.FoldName(name)] = &deviceInterfaceStruct{
		interfaceName: name,
		device:        device,
		class:         class,
		enabled:       false,
	}

	interfaceName = name
	return
}

func (namespace *Namespace) SetDeviceInterfaceState(interfaceName string, enable bool) (err error) {
	err = halter.Trigger(halter.IomgrSetDeviceInterfaceState)
	if nil != err {
		err = haltError(err, blunder.RegistryError)
		return
	}

	namespace.Lock()
	defer namespace.Unlock()

	deviceInterface, ok := namespace.deviceInterfaces[utf.FoldName(interfaceName)]
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "device interface %s not registered", interfaceName)
		return
	}

	deviceInterface.enabled = enable
	return
}

func (namespace *Namespace) UnregisterDeviceInterface(interfaceName string) (err error) {
	err = halter.Trigger(halter.IomgrUnregisterDeviceInterface)
	if nil != err {
		err = haltError(err, blunder.RegistryError)
		return
	}

	namespace.Lock()
	defer namespace.Unlock()

	if _, ok := namespace.deviceInterfaces[utf.FoldName(interfaceName)]; !ok {
		err = blunder.NewError(blunder.NotFoundError, "device interface %s not registered", interfaceName)
		return
	}

	delete(namespace.deviceInterfaces, utf.FoldName(interfaceName))
	return
}

func (namespace *Namespace) NotifyVolumeArrival(deviceName string) (err error) {
	err = halter.Trigger(halter.IomgrNotifyVolumeArrival)
	if nil != err {
		err = haltError(err, blunder.RegistryError)
		return
	}

	deviceNameUTF16 := utf.StringToUTF16ByteSlice(deviceName, utf.LittleEndian)
	if len(deviceNameUTF16) > 0xFFFF {
		err = blunder.NewError(blunder.RegistryError, "device name %s too long for a mount manager target", deviceName)
		return
	}

	targetName := &mountMgrTargetNameStruct{
		DeviceNameLength: uint16(len(deviceNameUTF16)),
		DeviceName:       deviceNameUTF16,
	}

	packed, err := cstruct.Pack(targetName, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.ResourceExhaustedError)
		return
	}

	namespace.Lock()
	defer namespace.Unlock()

	if _, ok := namespace.deviceNames[utf.FoldName(deviceName)]; !ok {
		err = blunder.NewError(blunder.NotFoundError, "volume device %s does not exist", deviceName)
		return
	}

	namespace.volumeArrivals = append(namespace.volumeArrivals, packed)
	return
}

// ResolveSymbolicLink follows linkName to a live device. A link whose target
// device no longer exists does not resolve.
func (namespace *Namespace) ResolveSymbolicLink(linkName string) (device *Device, ok bool) {
	namespace.Lock()
	defer namespace.Unlock()

	symbolicLink, ok := namespace.symbolicLinks[utf.FoldName(linkName)]
	if !ok {
		return
	}

	device, ok = namespace.deviceNames[utf.FoldName(symbolicLink.targetName)]
	return
}

// LookupDevice returns the named device, if it exists.
func (namespace *Namespace) LookupDevice(deviceName string) (device *Device, ok bool) {
	namespace.Lock()
	device, ok = namespace.deviceNames[utf.FoldName(deviceName)]
	namespace.Unlock()
	return
}

// DeviceInitializing reports whether device has yet to be marked initialized.
func (namespace *Namespace) DeviceInitializing(device *Device) (initializing bool) {
	namespace.Lock()
	initializing = device.initializing
	namespace.Unlock()
	return
}

func (namespace *Namespace) FileSystemRegistered(device *Device) (registered bool) {
	namespace.Lock()
	_, registered = namespace.fileSystems[device.id]
	namespace.Unlock()
	return
}

func (namespace *Namespace) UncProviderRegistered(redirectorName string) (registered bool) {
	namespace.Lock()
	defer namespace.Unlock()

	for _, registeredName := range namespace.uncProviders {
		if utf.FoldName(registeredName) == utf.FoldName(redirectorName) {
			registered = true
			return
		}
	}
	return
}

// DeviceInterfaceState returns whether interfaceName is registered and, if so, enabled.
func (namespace *Namespace) DeviceInterfaceState(interfaceName string) (registered bool, enabled bool) {
	namespace.Lock()
	deviceInterface, registered := namespace.deviceInterfaces[utf.FoldName(interfaceName)]
	if registered {
		enabled = deviceInterface.enabled
	}
	namespace.Unlock()
	return
}

// VolumeArrivals decodes every volume arrival notification received, in order.
func (namespace *Namespace) VolumeArrivals() (deviceNames []string, err error) {
	namespace.Lock()
	defer namespace.Unlock()

	deviceNames = make([]string, 0, len(namespace.volumeArrivals))

	for _, packed := range namespace.volumeArrivals {
		targetName := &mountMgrTargetNameStruct{}
		_, err = cstruct.Unpack(packed, targetName, cstruct.LittleEndian)
		if nil != err {
			return
		}
		if int(targetName.DeviceNameLength) != len(targetName.DeviceName) {
			err = fmt.Errorf("mount manager target length %d does not match %d name bytes", targetName.DeviceNameLength, len(targetName.DeviceName))
			return
		}

		var deviceName string
		deviceName, err = utf.UTF16ByteSliceToString(targetName.DeviceName, utf.LittleEndian)
		if nil != err {
			return
		}
		deviceNames = append(deviceNames, deviceName)
	}
	return
}

// Objects returns the sorted names of every named device, symbolic link and
// device interface currently in the namespace.
func (namespace *Namespace) Objects() (names []string) {
	namespace.Lock()
	defer namespace.Unlock()

	names = make([]string, 0, len(namespace.deviceNames)+len(namespace.symbolicLinks)+len(namespace.deviceInterfaces))

	for _, device := range namespace.deviceNames {
		names = append(names, device.Name)
	}
	for _, symbolicLink := range namespace.symbolicLinks {
		names = append(names, symbolicLink.linkName)
	}
	for _, deviceInterface := range namespace.deviceInterfaces {
		names = append(names, deviceInterface.interfaceName)
	}

	sort.Strings(names)
	return
}

// DeviceCount returns the number of devices, named or not.
func (namespace *Namespace) DeviceCount() (count int) {
	namespace.Lock()
	count = len(namespace.devices)
	namespace.Unlock()
	return
}
