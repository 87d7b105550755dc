// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/fsrelay/blunder"
	"github.com/NVIDIA/fsrelay/bucketstats"
	"github.com/NVIDIA/fsrelay/iomgr"
	"github.com/NVIDIA/fsrelay/logger"
	"github.com/NVIDIA/fsrelay/publisher"
	"github.com/NVIDIA/fsrelay/registry"
	"github.com/NVIDIA/fsrelay/utils"
	"github.com/NVIDIA/fsrelay/volume"
)

type statsStruct struct {
	Creates         bucketstats.Total
	CreateFailures  bucketstats.Total
	Publishes       bucketstats.Total
	PublishFailures bucketstats.Total
	Teardowns       bucketstats.Total
	DrainedRequests bucketstats.Total
	TeardownUsec    bucketstats.BucketLog2Round
}

var stats statsStruct

func init() {
	bucketstats.Register("orchestrator", "lifecycle", &stats)
}

func deviceNames(config registry.Config, baseGuid uuid.UUID, deviceType iomgr.DeviceType) (diskDeviceName string, fileSystemDeviceName string, symbolicLinkName string) {
	guid := "{" + strings.ToUpper(baseGuid.String()) + "}"

	diskDeviceName = config.DiskDeviceNamePrefix + guid
	symbolicLinkName = config.SymbolicLinkNamePrefix + guid

	if iomgr.DeviceTypeNetworkFileSystem == deviceType {
		// The redirector addresses the filesystem device by the volume's name
		fileSystemDeviceName = diskDeviceName
	} else {
		fileSystemDeviceName = config.FileSystemDeviceNamePrefix + guid
	}
	return
}

// releaseDevice is used on failure paths only; the original error is what gets returned.
func releaseDevice(services iomgr.Services, device *iomgr.Device) {
	err := services.DeleteDevice(device)
	if nil != err {
		logger.WarnfWithError(err, "release of device %d %q failed", device.ID(), device.Name)
	}
}

func createVolume(global *registry.Global, mountID uint64, baseGuid uuid.UUID, deviceType iomgr.DeviceType, characteristics uint32) (pair *volume.Pair, err error) {
	var (
		diskDevice       *iomgr.Device
		diskDeviceSpec   iomgr.DeviceSpec
		fileSystemDevice *iomgr.Device
	)

	if (iomgr.DeviceTypeDiskFileSystem != deviceType) && (iomgr.DeviceTypeNetworkFileSystem != deviceType) {
		err = blunder.NewError(blunder.InvalidStateError, "mount id %d: device type %v is not a filesystem type", mountID, deviceType)
		stats.CreateFailures.Increment()
		return
	}

	diskDeviceName, fileSystemDeviceName, symbolicLinkName := deviceNames(global.Config, baseGuid, deviceType)

	if iomgr.DeviceTypeNetworkFileSystem == deviceType {
		diskDeviceSpec = iomgr.DeviceSpec{
			Type:            iomgr.DeviceTypeUnknown,
			Characteristics: characteristics,
		}
	} else {
		diskDeviceSpec = iomgr.DeviceSpec{
			Name:               diskDeviceName,
			Type:               iomgr.DeviceTypeDisk,
			Characteristics:    characteristics,
			SecurityDescriptor: global.SecurityDescriptor,
		}
	}

	diskDevice, err = global.Services.CreateDevice(diskDeviceSpec)
	if nil != err {
		logger.ErrorfWithError(err, "mount id %d: creation of disk device %s failed", mountID, diskDeviceName)
		stats.CreateFailures.Increment()
		return
	}

	fileSystemDevice, err = global.Services.CreateDevice(iomgr.DeviceSpec{
		Name:               fileSystemDeviceName,
		Type:               deviceType,
		Characteristics:    characteristics,
		SecurityDescriptor: global.SecurityDescriptor,
	})
	if nil != err {
		logger.ErrorfWithError(err, "mount id %d: creation of filesystem device %s failed", mountID, fileSystemDeviceName)
		releaseDevice(global.Services, diskDevice)
		stats.CreateFailures.Increment()
		return
	}

	newPair := volume.NewPair(volume.Params{
		MountID:              mountID,
		BaseGuid:             baseGuid,
		DeviceType:           deviceType,
		Characteristics:      characteristics,
		SecurityDescriptor:   global.SecurityDescriptor,
		DiskDeviceName:       diskDeviceName,
		FileSystemDeviceName: fileSystemDeviceName,
		SymbolicLinkName:     symbolicLinkName,
	})

	newPair.Control.DiskDevice = diskDevice
	newPair.Control.FileSystemDevice = fileSystemDevice

	err = global.RegisterVolume(newPair)
	if nil != err {
		logger.ErrorfWithError(err, "mount id %d: registration failed", mountID)
		releaseDevice(global.Services, fileSystemDevice)
		releaseDevice(global.Services, diskDevice)
		stats.CreateFailures.Increment()
		return
	}

	newPair.PublishStats()

	logger.VolumeInfof(newPair.Name(), "created %v volume %s", deviceType, fileSystemDeviceName)
	stats.Creates.Increment()

	pair = newPair
	return
}

func publishVolume(global *registry.Global, pair *volume.Pair) (err error) {
	var (
		control  = &pair.Control
		services = global.Services
	)

	if volume.StateCreated != pair.State() {
		err = blunder.NewError(blunder.InvalidStateError, "%s cannot be published from state %v", pair.Name(), pair.State())
		return
	}

	control.Resource.Lock()
	defer control.Resource.Unlock()

	err = services.CreateSymbolicLink(control.SymbolicLinkName, control.DiskDeviceName)
	if nil != err {
		logger.VolumeErrorfWithError(pair.Name(), err, "creation of symbolic link %s failed", control.SymbolicLinkName)
		stats.PublishFailures.Increment()
		return
	}

	services.MarkDeviceInitialized(control.FileSystemDevice)
	services.MarkDeviceInitialized(control.DiskDevice)

	err = services.RegisterFileSystem(control.FileSystemDevice)
	if nil != err {
		logger.VolumeErrorfWithError(pair.Name(), err, "filesystem registration of %s failed", control.FileSystemDeviceName)
		unpublish(pair, services, false)
		stats.PublishFailures.Increment()
		return
	}

	if iomgr.DeviceTypeNetworkFileSystem == control.DeviceType {
		control.UncHandle, err = services.RegisterUncProvider(control.FileSystemDeviceName)
		if nil != err {
			logger.VolumeErrorfWithError(pair.Name(), err, "redirector registration of %s failed", control.FileSystemDeviceName)
			control.UncHandle = 0
			unpublish(pair, services, true)
			stats.PublishFailures.Increment()
			return
		}
	}

	// Informational only; a failure here does not fail the mount

	if global.PublishDiskInterface {
		control.DiskInterfaceName, err = publisher.PublishInterface(services, publisher.Disk, control.DiskDevice)
		if nil != err {
			logger.VolumeWarnfWithError(pair.Name(), err, "disk interface not published")
		}
	}

	if global.PublishMountedDeviceInterface {
		control.MountedDeviceInterfaceName, err = publisher.PublishInterface(services, publisher.MountedDevice, control.DiskDevice)
		if nil != err {
			logger.VolumeWarnfWithError(pair.Name(), err, "mounted device interface not published")
		}
	}

	if global.SendVolumeArrivalNotification {
		err = services.NotifyVolumeArrival(control.DiskDeviceName)
		if nil != err {
			logger.VolumeWarnfWithError(pair.Name(), err, "volume arrival notification for %s failed", control.DiskDeviceName)
		}
	}

	err = pair.MarkPublished()
	if nil != err {
		retractInterfaces(pair, services)
		unpublish(pair, services, true)
		stats.PublishFailures.Increment()
		return
	}

	logger.VolumeInfof(pair.Name(), "published as %s", control.SymbolicLinkName)
	stats.Publishes.Increment()
	return
}

// unpublish undoes the fatal publication steps in reverse. Called with
// pair.Control.Resource held.
func unpublish(pair *volume.Pair, services iomgr.Services, fileSystemRegistered bool) {
	control := &pair.Control

	if 0 != control.UncHandle {
		err := services.DeregisterUncProvider(control.UncHandle)
		if nil != err {
			logger.VolumeWarnfWithError(pair.Name(), err, "redirector deregistration failed")
		}
		control.UncHandle = 0
	}

	if fileSystemRegistered {
		err := services.UnregisterFileSystem(control.FileSystemDevice)
		if nil != err {
			logger.VolumeWarnfWithError(pair.Name(), err, "filesystem unregistration failed")
		}
	}

	err := services.DeleteSymbolicLink(control.SymbolicLinkName)
	if nil != err {
		logger.VolumeWarnfWithError(pair.Name(), err, "deletion of symbolic link %s failed", control.SymbolicLinkName)
	}
}

// retractInterfaces is called with pair.Control.Resource held.
func retractInterfaces(pair *volume.Pair, services iomgr.Services) {
	control := &pair.Control

	for _, interfaceName := range []*string{&control.MountedDeviceInterfaceName, &control.DiskInterfaceName} {
		err := publisher.RetractInterface(services, *interfaceName)
		if nil != err {
			logger.VolumeWarnfWithError(pair.Name(), err, "retraction of interface %s failed", *interfaceName)
		}
		*interfaceName = ""
	}
}

func setMounted(global *registry.Global, pair *volume.Pair) (err error) {
	err = pair.SetMounted()
	if nil != err {
		logger.VolumeErrorfWithError(pair.Name(), err, "mount refused")
		return
	}

	logger.VolumeInfof(pair.Name(), "mounted")
	return
}

// logTeardownError logs err unless it just says the object was already gone.
func logTeardownError(pair *volume.Pair, err error, format string, args ...interface{}) {
	if nil == err {
		return
	}
	if blunder.Is(err, blunder.NotFoundError) {
		logger.VolumeTracef(pair.Name(), "%s: %v", fmt.Sprintf(format, args...), err)
		return
	}
	logger.VolumeWarnfWithError(pair.Name(), err, format, args...)
}

func teardownVolume(global *registry.Global, pair *volume.Pair) (tornDown bool) {
	var (
		control  = &pair.Control
		services = global.Services
	)

	if !pair.ClaimTeardown() {
		logger.VolumeInfof(pair.Name(), "teardown already in progress or complete; ignoring")
		return
	}

	stopwatch := utils.NewStopwatch()

	drained := pair.DrainQueues()
	pair.WaitQuiescent()
	drained += pair.DrainQueues()

	stats.DrainedRequests.Add(uint64(drained))

	control.Resource.Lock()

	retractInterfaces(pair, services)

	if 0 != control.UncHandle {
		logTeardownError(pair, services.DeregisterUncProvider(control.UncHandle), "redirector deregistration failed")
		control.UncHandle = 0
	}

	logTeardownError(pair, services.DeleteSymbolicLink(control.SymbolicLinkName), "deletion of symbolic link %s failed", control.SymbolicLinkName)
	logTeardownError(pair, services.UnregisterFileSystem(control.FileSystemDevice), "filesystem unregistration failed")
	logTeardownError(pair, services.DeleteDevice(control.FileSystemDevice), "deletion of filesystem device failed")
	logTeardownError(pair, services.DeleteDevice(control.DiskDevice), "deletion of disk device failed")

	control.Resource.Unlock()

	cleared := pair.ClearDirectory()

	pair.MarkTornDown()

	logTeardownError(pair, global.UnregisterVolume(pair), "registry removal failed")

	pair.WithdrawStats()

	stats.TeardownUsec.Add(uint64(stopwatch.ElapsedUs()))
	stats.Teardowns.Increment()

	logger.VolumeInfof(pair.Name(), "torn down (%d request(s) drained, %d file context(s) cleared) in %s", drained, cleared, stopwatch.ElapsedString())

	tornDown = true
	return
}

func mountEvent(kind registry.EventKind, pair *volume.Pair) registry.Event {
	return registry.Event{
		Kind:            kind,
		MountID:         pair.MountID(),
		DeviceType:      pair.Control.DeviceType,
		Characteristics: pair.Control.Characteristics,
		BaseGuid:        pair.Control.BaseGuid,
		DeviceName:      pair.Control.DiskDeviceName,
	}
}

func mount(global *registry.Global, params MountParams) (pair *volume.Pair, err error) {
	newPair, err := createVolume(global, params.MountID, params.BaseGuid, params.DeviceType, params.Characteristics)
	if nil != err {
		return
	}

	err = publishVolume(global, newPair)
	if nil != err {
		_ = teardownVolume(global, newPair)
		return
	}

	err = setMounted(global, newPair)
	if nil != err {
		_ = teardownVolume(global, newPair)
		return
	}

	global.NotifyServiceMount(mountEvent(registry.EventMounted, newPair))

	pair = newPair
	return
}

func unmount(global *registry.Global, pair *volume.Pair) {
	if teardownVolume(global, pair) {
		global.NotifyServiceChange(mountEvent(registry.EventUnmounted, pair))
	}
}

// awaitTeardown waits out a teardown claimed by another goroutine and makes
// sure pair has left the registry.
func awaitTeardown(global *registry.Global, pair *volume.Pair) {
	<-pair.TornDown()
	logTeardownError(pair, global.UnregisterVolume(pair), "registry removal failed")
}

func shutdownRegistry(global *registry.Global) (err error) {
	pairs := global.EnumerateVolumes()

	if 0 < len(pairs) {
		logger.Infof("unmounting %d volume(s) still registered", len(pairs))

		// Every volume is attempted; one volume's trouble never stops another's
		var group errgroup.Group

		for _, pair := range pairs {
			pair := pair
			group.Go(func() error {
				if teardownVolume(global, pair) {
					global.NotifyServiceChange(mountEvent(registry.EventUnmounted, pair))
				} else {
					awaitTeardown(global, pair)
				}
				if found, ok := global.LookupVolume(pair.MountID()); ok && (found == pair) {
					return blunder.NewError(blunder.RegistryError, "%s still registered after teardown", pair.Name())
				}
				return nil
			})
		}

		sweepErr := group.Wait()
		if nil != sweepErr {
			logger.ErrorfWithError(sweepErr, "registry shutdown sweep failed")
			err = sweepErr
		}
	}

	destroyErr := global.Destroy()
	if nil != destroyErr {
		logger.ErrorfWithError(destroyErr, "registry destroy failed")
		if nil == err {
			err = destroyErr
		}
	}
	return
}
