// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator drives a volume through its lifecycle:
//
//   CreateVolume   - devices created, Pair registered        (StateCreated)
//   PublishVolume  - symbolic link, filesystem, redirector   (StatePublished)
//   SetMounted     - mount flag set; producers admitted      (StateMounted)
//   TeardownVolume - flag withdrawn, queues drained, names
//                    retracted, devices deleted, unregistered (StateTornDown)
//
// Creation and publication failures undo whatever they completed before
// returning. Teardown failures are logged and teardown carries on.
//
// The package also registers with transitions so that volumes named in
// Relay.VolumeList are mounted from their [Volume:<name>] sections.
package orchestrator

import (
	"github.com/google/uuid"

	"github.com/NVIDIA/fsrelay/iomgr"
	"github.com/NVIDIA/fsrelay/registry"
	"github.com/NVIDIA/fsrelay/volume"
)

// MountParams identify a volume to Mount.
type MountParams struct {
	MountID         uint64
	BaseGuid        uuid.UUID
	DeviceType      iomgr.DeviceType // iomgr.DeviceTypeDiskFileSystem or iomgr.DeviceTypeNetworkFileSystem
	Characteristics uint32
}

// CreateVolume creates the devices for a volume and registers its Pair.
func CreateVolume(global *registry.Global, mountID uint64, baseGuid uuid.UUID, deviceType iomgr.DeviceType, characteristics uint32) (pair *volume.Pair, err error) {
	return createVolume(global, mountID, baseGuid, deviceType, characteristics)
}

// PublishVolume makes a created volume addressable.
func PublishVolume(global *registry.Global, pair *volume.Pair) (err error) {
	return publishVolume(global, pair)
}

// SetMounted admits producers to a published volume.
func SetMounted(global *registry.Global, pair *volume.Pair) (err error) {
	return setMounted(global, pair)
}

// TeardownVolume releases everything a volume holds. It returns false if
// teardown of pair had already begun.
func TeardownVolume(global *registry.Global, pair *volume.Pair) (tornDown bool) {
	return teardownVolume(global, pair)
}

// Mount creates, publishes and mounts a volume, then tells the control utility.
func Mount(global *registry.Global, params MountParams) (pair *volume.Pair, err error) {
	return mount(global, params)
}

// Unmount tears down pair and tells the control utility.
func Unmount(global *registry.Global, pair *volume.Pair) {
	unmount(global, pair)
}

// ShutdownRegistry unmounts every volume still in global concurrently, then destroys global.
func ShutdownRegistry(global *registry.Global) (err error) {
	return shutdownRegistry(global)
}

// DeviceNames returns the disk, filesystem and symbolic link names for a volume.
func DeviceNames(config registry.Config, baseGuid uuid.UUID, deviceType iomgr.DeviceType) (diskDeviceName string, fileSystemDeviceName string, symbolicLinkName string) {
	return deviceNames(config, baseGuid, deviceType)
}

// Registry returns the Global created by transitions.Up(), or nil.
func Registry() (global *registry.Global) {
	return fetchRegistry()
}

// Services returns the iomgr.Services the Global was created against, or nil.
func Services() (services iomgr.Services) {
	return fetchServices()
}

// ServedVolume returns the Pair serving a volume named in Relay.VolumeList.
func ServedVolume(volumeName string) (pair *volume.Pair, ok bool) {
	return fetchServedVolume(volumeName)
}
