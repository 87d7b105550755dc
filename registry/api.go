// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package registry provides the process-wide context every volume lifecycle
// operation runs against: the global control device and its symbolic link,
// the service notification queues read by the control utility, and an
// index of live volumes.
//
// The index does not own its volumes. Tearing them down is the caller's job
// and must happen before Destroy.
package registry

import (
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/NVIDIA/fsrelay/conf"
	"github.com/NVIDIA/fsrelay/iomgr"
	"github.com/NVIDIA/fsrelay/relay"
	"github.com/NVIDIA/fsrelay/trackedlock"
	"github.com/NVIDIA/fsrelay/volume"
)

// Config is the Relay section of the ConfMap.
type Config struct {
	GlobalDeviceName              string
	GlobalSymbolicLinkName        string
	DiskDeviceNamePrefix          string
	FileSystemDeviceNamePrefix    string
	SymbolicLinkNamePrefix        string
	SecurityDescriptor            string
	PublishDiskInterface          bool
	PublishMountedDeviceInterface bool
	SendVolumeArrivalNotification bool
}

// EventKind distinguishes the events on the service queues.
type EventKind uint32

const (
	EventMounted EventKind = iota + 1
	EventUnmounted
)

func (kind EventKind) String() string {
	switch kind {
	case EventMounted:
		return "Mounted"
	case EventUnmounted:
		return "Unmounted"
	}
	return "Invalid"
}

// Event is what the control utility learns about a volume.
type Event struct {
	Kind            EventKind
	MountID         uint64
	DeviceType      iomgr.DeviceType
	Characteristics uint32
	BaseGuid        uuid.UUID
	DeviceName      string
}

// Global is the registry context.
type Global struct {
	Config
	Services       iomgr.Services
	GlobalDevice   *iomgr.Device
	PendingService *relay.Queue // Service mount events
	NotifyService  *relay.Queue // Service change events

	mutex     trackedlock.Mutex
	index     *btree.BTree // Of *volumeItemStruct ordered by mount id
	destroyed bool
}

var _ volume.Resolver = &Global{}

// ParseConfig reads the Relay section, defaulting whatever is absent.
func ParseConfig(confMap conf.ConfMap) (config Config, err error) {
	return parseConfig(confMap)
}

// CreateRegistry builds a Global and its global device and symbolic link.
func CreateRegistry(services iomgr.Services, confMap conf.ConfMap) (global *Global, err error) {
	return createRegistry(services, confMap)
}

// RegisterVolume adds pair to the index. A second volume with the same mount
// id fails with NameCollisionError.
func (global *Global) RegisterVolume(pair *volume.Pair) (err error) {
	return global.registerVolume(pair)
}

// UnregisterVolume removes pair from the index.
func (global *Global) UnregisterVolume(pair *volume.Pair) (err error) {
	return global.unregisterVolume(pair)
}

func (global *Global) LookupVolume(mountID uint64) (pair *volume.Pair, ok bool) {
	return global.lookupVolume(mountID)
}

// EnumerateVolumes returns the indexed volumes in mount id order.
func (global *Global) EnumerateVolumes() (pairs []*volume.Pair) {
	return global.enumerateVolumes()
}

func (global *Global) VolumeCount() (count int) {
	return global.volumeCount()
}

// NotifyServiceMount queues event for the control utility. Failures are logged.
func (global *Global) NotifyServiceMount(event Event) {
	global.notify(global.PendingService, relay.OpServiceMount, event)
}

// NotifyServiceChange queues event for the control utility. Failures are logged.
func (global *Global) NotifyServiceChange(event Event) {
	global.notify(global.NotifyService, relay.OpServiceChange, event)
}

// WaitServiceMount returns the next service mount event, or nil on timeout.
func (global *Global) WaitServiceMount(timeout time.Duration) (event *Event, err error) {
	return waitEvent(global.PendingService, timeout)
}

// WaitServiceChange returns the next service change event, or nil on timeout.
func (global *Global) WaitServiceChange(timeout time.Duration) (event *Event, err error) {
	return waitEvent(global.NotifyService, timeout)
}

// Destroy drains the service queues and deletes the global device. Every
// volume must already have been unregistered.
func (global *Global) Destroy() (err error) {
	return global.destroy()
}

// EncodeEvent packs event as carried in a service queue Request's payload.
func EncodeEvent(event Event) (payload []byte, err error) {
	return encodeEvent(event)
}

func DecodeEvent(payload []byte) (event Event, err error) {
	return decodeEvent(payload)
}
