// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/fsrelay/blunder"
	"github.com/NVIDIA/fsrelay/conf"
	"github.com/NVIDIA/fsrelay/halter"
	"github.com/NVIDIA/fsrelay/iomgr"
	"github.com/NVIDIA/fsrelay/registry"
	"github.com/NVIDIA/fsrelay/relay"
	"github.com/NVIDIA/fsrelay/volume"
)

func testSetup(t *testing.T, confStrings []string) (namespace *iomgr.Namespace, global *registry.Global) {
	confMap, err := conf.MakeConfMapFromStrings(confStrings)
	require.Nil(t, err)

	namespace = iomgr.NewNamespace()

	global, err = registry.CreateRegistry(namespace, confMap)
	require.Nil(t, err)
	return
}

func testTeardown(t *testing.T, namespace *iomgr.Namespace, global *registry.Global) {
	halter.DisarmAll()
	require.Nil(t, ShutdownRegistry(global))
	assert.Empty(t, namespace.Objects())
	assert.Equal(t, 0, namespace.DeviceCount())
}

// testGlobalObjects are the names the registry itself holds.
var testGlobalObjects = []string{registry.DefaultGlobalDeviceName, registry.DefaultGlobalSymbolicLinkName}

func testDiskParams(mountID uint64) MountParams {
	return MountParams{MountID: mountID, BaseGuid: uuid.New(), DeviceType: iomgr.DeviceTypeDiskFileSystem}
}

func TestDeviceNames(t *testing.T) {
	assert := assert.New(t)

	confMap, _ := conf.MakeConfMapFromStrings([]string{})
	config, err := registry.ParseConfig(confMap)
	assert.Nil(err)

	baseGuid := uuid.MustParse("0b6c3c0a-5f0b-4e55-9c55-5d1a3c1f0b77")

	disk, fileSystem, link := DeviceNames(config, baseGuid, iomgr.DeviceTypeDiskFileSystem)
	assert.Equal("\\Device\\Volume{0B6C3C0A-5F0B-4E55-9C55-5D1A3C1F0B77}", disk)
	assert.Equal("\\Device\\RelayFs{0B6C3C0A-5F0B-4E55-9C55-5D1A3C1F0B77}", fileSystem)
	assert.Equal("\\DosDevices\\Global\\Volume{0B6C3C0A-5F0B-4E55-9C55-5D1A3C1F0B77}", link)

	disk, fileSystem, _ = DeviceNames(config, baseGuid, iomgr.DeviceTypeNetworkFileSystem)
	assert.Equal(disk, fileSystem)
}

func TestHappyPath(t *testing.T) {
	assert := assert.New(t)

	namespace, global := testSetup(t, []string{})
	defer testTeardown(t, namespace, global)

	pair, err := Mount(global, testDiskParams(1))
	require.Nil(t, err)

	assert.Equal(volume.StateMounted, pair.State())
	assert.Equal(volume.Mounted, pair.MountFlag())

	device, ok := namespace.ResolveSymbolicLink(pair.Control.SymbolicLinkName)
	assert.True(ok)
	assert.Equal(pair.Control.DiskDevice, device)
	assert.True(namespace.FileSystemRegistered(pair.Control.FileSystemDevice))
	assert.False(namespace.DeviceInitializing(pair.Control.FileSystemDevice))
	assert.False(namespace.DeviceInitializing(pair.Control.DiskDevice))
	assert.NotEqual("", pair.Control.DiskInterfaceName)
	assert.Equal("", pair.Control.MountedDeviceInterfaceName)

	event, err := global.WaitServiceMount(time.Second)
	assert.Nil(err)
	require.NotNil(t, event)
	assert.Equal(registry.EventMounted, event.Kind)
	assert.Equal(uint64(1), event.MountID)
	assert.Equal(pair.Control.DiskDeviceName, event.DeviceName)

	requests := []*relay.Request{
		relay.NewRequest(relay.OpFirstVolumeOp, []byte("R1")),
		relay.NewRequest(relay.OpFirstVolumeOp, []byte("R2")),
		relay.NewRequest(relay.OpFirstVolumeOp, []byte("R3")),
	}
	for _, request := range requests {
		assert.Nil(pair.EnqueueRequest(request))
	}

	// Worker fetches in FIFO order and replies in reverse
	fetched := make([]*relay.Request, 0, len(requests))
	for range requests {
		request := pair.FetchRequest(time.Second)
		require.NotNil(t, request)
		fetched = append(fetched, request)
	}
	assert.Equal(requests, fetched)

	for i := len(fetched) - 1; i >= 0; i-- {
		assert.Nil(pair.ReplyRequest(fetched[i].ID(), nil, append([]byte("reply to "), fetched[i].Payload()...)))
	}

	for _, request := range requests {
		reply, status := request.Wait(context.Background())
		assert.Nil(status)
		assert.Equal("reply to "+string(request.Payload()), string(reply))
	}

	assert.Equal(0, pair.Control.PendingIrp.Len())
	assert.Equal(0, pair.Control.PendingEvent.Len())

	Unmount(global, pair)

	event, err = global.WaitServiceChange(time.Second)
	assert.Nil(err)
	require.NotNil(t, event)
	assert.Equal(registry.EventUnmounted, event.Kind)

	assert.Equal(testGlobalObjects, namespace.Objects())
}

func TestTeardownWithPendingRequest(t *testing.T) {
	assert := assert.New(t)

	namespace, global := testSetup(t, []string{})
	defer testTeardown(t, namespace, global)

	pair, err := Mount(global, testDiskParams(2))
	require.Nil(t, err)

	r1 := relay.NewRequest(relay.OpFirstVolumeOp, []byte("R1"))
	r2 := relay.NewRequest(relay.OpFirstVolumeOp, []byte("R2"))
	notification := relay.NewRequest(relay.OpNotification, nil)

	assert.Nil(pair.EnqueueRequest(r1))
	assert.Nil(pair.EnqueueRequest(r2))
	assert.Nil(pair.EnqueueNotification(notification))
	assert.Equal(r1, pair.FetchRequest(time.Second))

	_, err = pair.OpenFileContext("/open/file")
	assert.Nil(err)

	drainedBefore := stats.DrainedRequests.TotalGet()

	assert.True(TeardownVolume(global, pair))

	for _, request := range []*relay.Request{r1, r2, notification} {
		_, status := request.Result()
		assert.True(blunder.Is(status, blunder.UnmountedError))
	}
	assert.Equal(drainedBefore+3, stats.DrainedRequests.TotalGet())

	assert.Equal(volume.StateTornDown, pair.State())
	<-pair.TornDown()
	assert.Empty(pair.FileContextPaths())

	assert.Equal(0, global.VolumeCount())
	_, err = volume.ResolveHandle(global, pair.Handle())
	assert.True(blunder.Is(err, blunder.DeviceWithdrawnError))

	assert.True(blunder.Is(pair.EnqueueRequest(relay.NewRequest(relay.OpFirstVolumeOp, nil)), blunder.DeviceWithdrawnError))
	assert.True(blunder.Is(pair.ReplyRequest(r1.ID(), nil, nil), blunder.DeviceWithdrawnError))

	assert.Equal("", pair.Control.PendingIrp.StatsGroupName())

	// Duplicate teardown is a no-op
	assert.False(TeardownVolume(global, pair))

	assert.Equal(testGlobalObjects, namespace.Objects())
}

func TestPublishFailureAfterSymbolicLink(t *testing.T) {
	assert := assert.New(t)

	namespace, global := testSetup(t, []string{})
	defer testTeardown(t, namespace, global)

	pair, err := CreateVolume(global, 3, uuid.New(), iomgr.DeviceTypeDiskFileSystem, 0)
	require.Nil(t, err)

	publishFailuresBefore := stats.PublishFailures.TotalGet()

	assert.Nil(halter.Arm("iomgr.RegisterFileSystem", 1, nil))

	err = PublishVolume(global, pair)
	assert.True(blunder.Is(err, blunder.RegistryError))
	assert.Equal(publishFailuresBefore+1, stats.PublishFailures.TotalGet())

	_, ok := namespace.ResolveSymbolicLink(pair.Control.SymbolicLinkName)
	assert.False(ok)
	assert.False(namespace.FileSystemRegistered(pair.Control.FileSystemDevice))
	assert.Equal(volume.StateCreated, pair.State())

	err = SetMounted(global, pair)
	assert.True(blunder.Is(err, blunder.InvalidStateError))

	assert.True(TeardownVolume(global, pair))
	assert.Equal(testGlobalObjects, namespace.Objects())
	assert.Equal(publishFailuresBefore+1, stats.PublishFailures.TotalGet())

	// Mount does the same and leaves nothing resolvable behind
	assert.Nil(halter.Arm("iomgr.RegisterFileSystem", 1, nil))
	params := testDiskParams(3)
	_, err = Mount(global, params)
	assert.NotNil(err)
	assert.Equal(publishFailuresBefore+2, stats.PublishFailures.TotalGet())
	assert.Equal(0, global.VolumeCount())
	assert.Equal(testGlobalObjects, namespace.Objects())

	// Nothing to collide with on retry
	pair, err = Mount(global, params)
	assert.Nil(err)
	Unmount(global, pair)
}

func TestCreateFailuresUnwind(t *testing.T) {
	assert := assert.New(t)

	namespace, global := testSetup(t, []string{})
	defer testTeardown(t, namespace, global)

	deviceCount := namespace.DeviceCount()

	_, err := CreateVolume(global, 4, uuid.New(), iomgr.DeviceTypeDisk, 0)
	assert.True(blunder.Is(err, blunder.InvalidStateError))

	// Filesystem device creation fails after the disk device exists
	assert.Nil(halter.Arm("iomgr.CreateDevice", 2, nil))
	_, err = CreateVolume(global, 4, uuid.New(), iomgr.DeviceTypeDiskFileSystem, 0)
	assert.True(blunder.Is(err, blunder.ResourceExhaustedError))
	assert.Equal(deviceCount, namespace.DeviceCount())
	assert.Equal(0, global.VolumeCount())

	params := testDiskParams(4)
	pair, err := Mount(global, params)
	require.Nil(t, err)

	// Same guid: the device names collide
	_, err = CreateVolume(global, 5, params.BaseGuid, iomgr.DeviceTypeDiskFileSystem, 0)
	assert.True(blunder.Is(err, blunder.NameCollisionError))

	// Same mount id: the registry refuses, devices are released
	deviceCount = namespace.DeviceCount()
	_, err = CreateVolume(global, 4, uuid.New(), iomgr.DeviceTypeDiskFileSystem, 0)
	assert.True(blunder.Is(err, blunder.NameCollisionError))
	assert.Equal(deviceCount, namespace.DeviceCount())
	assert.Equal(1, global.VolumeCount())

	Unmount(global, pair)
}

func TestAccessSetupFailure(t *testing.T) {
	assert := assert.New(t)

	namespace, global := testSetup(t, []string{})
	defer testTeardown(t, namespace, global)

	// Simulate the descriptor being rejected when applied to the device
	assert.Nil(halter.Arm("iomgr.CreateDevice", 1, blunder.NewError(blunder.AccessSetupError, "descriptor rejected")))

	_, err := Mount(global, testDiskParams(6))
	assert.True(blunder.Is(err, blunder.AccessSetupError))
	assert.Equal(testGlobalObjects, namespace.Objects())
}

func TestNetworkVolume(t *testing.T) {
	assert := assert.New(t)

	namespace, global := testSetup(t, []string{})
	defer testTeardown(t, namespace, global)

	params := MountParams{MountID: 7, BaseGuid: uuid.New(), DeviceType: iomgr.DeviceTypeNetworkFileSystem, Characteristics: iomgr.CharacteristicRemoteDevice}

	pair, err := Mount(global, params)
	require.Nil(t, err)

	assert.Equal("", pair.Control.DiskDevice.Name)
	assert.Equal(iomgr.DeviceTypeUnknown, pair.Control.DiskDevice.Type)
	assert.Equal(pair.Control.DiskDeviceName, pair.Control.FileSystemDeviceName)
	assert.Equal(iomgr.DeviceTypeNetworkFileSystem, pair.Control.FileSystemDevice.Type)
	assert.NotEqual(iomgr.UncHandle(0), pair.Control.UncHandle)
	assert.True(namespace.UncProviderRegistered(pair.Control.FileSystemDeviceName))

	device, ok := namespace.ResolveSymbolicLink(pair.Control.SymbolicLinkName)
	assert.True(ok)
	assert.Equal(pair.Control.FileSystemDevice, device)

	Unmount(global, pair)
	assert.False(namespace.UncProviderRegistered(pair.Control.FileSystemDeviceName))
	assert.Equal(testGlobalObjects, namespace.Objects())

	// Redirector registration failure is fatal
	assert.Nil(halter.Arm("iomgr.RegisterUncProvider", 1, nil))
	_, err = Mount(global, params)
	assert.True(blunder.Is(err, blunder.RegistryError))
	assert.Equal(0, global.VolumeCount())
	assert.Equal(testGlobalObjects, namespace.Objects())
}

func TestOptionalInterfaces(t *testing.T) {
	assert := assert.New(t)

	namespace, global := testSetup(t, []string{
		"Relay.PublishMountedDeviceInterface=true",
		"Relay.SendVolumeArrivalNotification=true",
	})
	defer testTeardown(t, namespace, global)

	pair, err := Mount(global, testDiskParams(8))
	require.Nil(t, err)

	for _, interfaceName := range []string{pair.Control.MountedDeviceInterfaceName, pair.Control.DiskInterfaceName} {
		registered, enabled := namespace.DeviceInterfaceState(interfaceName)
		assert.True(registered)
		assert.True(enabled)
	}

	arrivals, err := namespace.VolumeArrivals()
	assert.Nil(err)
	assert.Equal([]string{pair.Control.DiskDeviceName}, arrivals)

	mountedDeviceInterfaceName := pair.Control.MountedDeviceInterfaceName

	diskDevice := pair.Control.DiskDevice

	Unmount(global, pair)

	// Interfaces go before the device they hang off; the namespace refuses
	// to delete a device that still has any
	registered, _ := namespace.DeviceInterfaceState(mountedDeviceInterfaceName)
	assert.False(registered)
	_, ok := namespace.LookupDevice(diskDevice.Name)
	assert.False(ok)
	assert.Equal(testGlobalObjects, namespace.Objects())

	// Informational failures do not fail the mount
	assert.Nil(halter.Arm("iomgr.SetDeviceInterfaceState", 1, nil))
	assert.Nil(halter.Arm("iomgr.NotifyVolumeArrival", 1, nil))

	pair, err = Mount(global, testDiskParams(9))
	require.Nil(t, err)
	assert.Equal("", pair.Control.DiskInterfaceName)
	assert.NotEqual("", pair.Control.MountedDeviceInterfaceName)
	assert.Equal(volume.StateMounted, pair.State())

	arrivals, err = namespace.VolumeArrivals()
	assert.Nil(err)
	assert.Equal(1, len(arrivals))

	Unmount(global, pair)
}

func TestTeardownToleratesRegistryFailures(t *testing.T) {
	assert := assert.New(t)

	namespace, global := testSetup(t, []string{})
	defer testTeardown(t, namespace, global)

	pair, err := Mount(global, testDiskParams(10))
	require.Nil(t, err)

	assert.Nil(halter.Arm("iomgr.DeleteSymbolicLink", 1, nil))

	assert.True(TeardownVolume(global, pair))
	assert.Equal(volume.StateTornDown, pair.State())
	assert.Equal(0, global.VolumeCount())

	// Only the link whose deletion failed is left
	_, ok := namespace.ResolveSymbolicLink(pair.Control.SymbolicLinkName)
	assert.False(ok)
	assert.Nil(namespace.DeleteSymbolicLink(pair.Control.SymbolicLinkName))
}

func TestShutdownRegistry(t *testing.T) {
	const (
		numVolumes = 8
	)

	assert := assert.New(t)

	namespace, global := testSetup(t, []string{})

	pairs := make([]*volume.Pair, 0, numVolumes)
	for i := uint64(0); i < numVolumes; i++ {
		pair, err := Mount(global, testDiskParams(100+i))
		require.Nil(t, err)
		assert.Nil(pair.EnqueueRequest(relay.NewRequest(relay.OpFirstVolumeOp, []byte(fmt.Sprintf("R%d", i)))))
		pairs = append(pairs, pair)
	}

	assert.Nil(ShutdownRegistry(global))

	for _, pair := range pairs {
		assert.Equal(volume.StateTornDown, pair.State())
	}

	assert.Empty(namespace.Objects())
	assert.Equal(0, namespace.DeviceCount())
}

func TestTeardownWithFailedRetraction(t *testing.T) {
	assert := assert.New(t)

	namespace, global := testSetup(t, []string{})
	defer testTeardown(t, namespace, global)

	pair, err := Mount(global, testDiskParams(11))
	require.Nil(t, err)

	diskInterfaceName := pair.Control.DiskInterfaceName
	assert.NotEqual("", diskInterfaceName)

	assert.Nil(halter.Arm("iomgr.UnregisterDeviceInterface", 1, nil))

	assert.True(TeardownVolume(global, pair))
	assert.Equal(volume.StateTornDown, pair.State())
	assert.Equal(0, global.VolumeCount())

	// The device outlives the interface that could not be retracted
	registered, _ := namespace.DeviceInterfaceState(diskInterfaceName)
	assert.True(registered)
	_, ok := namespace.LookupDevice(pair.Control.DiskDeviceName)
	assert.True(ok)

	assert.Nil(namespace.UnregisterDeviceInterface(diskInterfaceName))
	assert.Nil(namespace.DeleteDevice(pair.Control.DiskDevice))
}

func TestShutdownRegistryWithUnmountUnderway(t *testing.T) {
	assert := assert.New(t)

	namespace, global := testSetup(t, []string{})

	flipped, err := Mount(global, testDiskParams(500))
	require.Nil(t, err)
	untouched, err := Mount(global, testDiskParams(501))
	require.Nil(t, err)

	// Someone flipped the flag and never finished
	assert.True(flipped.BeginUnmount())

	assert.Nil(ShutdownRegistry(global))

	for _, pair := range []*volume.Pair{flipped, untouched} {
		assert.Equal(volume.StateTornDown, pair.State())
	}
	assert.Equal(0, global.VolumeCount())
	assert.Empty(namespace.Objects())
	assert.Equal(0, namespace.DeviceCount())
}

func TestShutdownRegistryWithTeardownUnderway(t *testing.T) {
	assert := assert.New(t)

	namespace, global := testSetup(t, []string{})

	pair, err := Mount(global, testDiskParams(502))
	require.Nil(t, err)

	// Another goroutine owns the teardown but has not finished it
	require.True(t, pair.ClaimTeardown())

	shutdownDone := make(chan error)
	go func() {
		shutdownDone <- ShutdownRegistry(global)
	}()

	select {
	case <-shutdownDone:
		t.Fatalf("ShutdownRegistry() returned before the teardown it waits on")
	case <-time.After(20 * time.Millisecond):
	}

	// The owner finishes up
	assert.Equal(0, pair.DrainQueues())
	pair.WaitQuiescent()
	pair.Control.Resource.Lock()
	retractInterfaces(pair, global.Services)
	assert.Nil(global.Services.DeleteSymbolicLink(pair.Control.SymbolicLinkName))
	assert.Nil(global.Services.UnregisterFileSystem(pair.Control.FileSystemDevice))
	assert.Nil(global.Services.DeleteDevice(pair.Control.FileSystemDevice))
	assert.Nil(global.Services.DeleteDevice(pair.Control.DiskDevice))
	pair.Control.Resource.Unlock()
	pair.MarkTornDown()
	pair.WithdrawStats()

	select {
	case err = <-shutdownDone:
		assert.Nil(err)
	case <-time.After(5 * time.Second):
		t.Fatalf("ShutdownRegistry() did not finish")
	}

	// The owner's own registry removal finds it already gone
	assert.True(blunder.Is(global.UnregisterVolume(pair), blunder.NotFoundError))
	assert.Equal(0, global.VolumeCount())
	assert.Empty(namespace.Objects())
}

func TestTeardownStress(t *testing.T) {
	const (
		numRounds    = 50
		numProducers = 8
		numWorkers   = 2
	)

	assert := assert.New(t)

	namespace, global := testSetup(t, []string{})
	defer testTeardown(t, namespace, global)

	for round := 0; round < numRounds; round++ {
		pair, err := Mount(global, testDiskParams(600+uint64(round)))
		require.Nil(t, err)

		var (
			acceptedMutex sync.Mutex
			accepted      []*relay.Request
			wg            sync.WaitGroup
		)

		for i := 0; i < numProducers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					request := relay.NewRequest(relay.OpFirstVolumeOp, nil)
					if nil != pair.EnqueueRequest(request) {
						return
					}
					notification := relay.NewRequest(relay.OpNotification, nil)
					notificationErr := pair.EnqueueNotification(notification)

					acceptedMutex.Lock()
					accepted = append(accepted, request)
					if nil == notificationErr {
						accepted = append(accepted, notification)
					}
					acceptedMutex.Unlock()
				}
			}()
		}

		for i := 0; i < numWorkers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					request := pair.FetchRequest(time.Millisecond)
					if nil != request {
						_ = pair.ReplyRequest(request.ID(), nil, nil)
					}
					_ = pair.FetchNotification(0)
					if volume.Mounted != pair.MountFlag() {
						return
					}
				}
			}()
		}

		time.Sleep(time.Millisecond)

		assert.True(TeardownVolume(global, pair))

		// Every request accepted so far is completed the moment teardown returns
		acceptedMutex.Lock()
		for _, request := range accepted {
			if !request.Completed() {
				acceptedMutex.Unlock()
				t.Fatalf("round %d: request %d not completed when teardown returned", round, request.ID())
			}
		}
		acceptedMutex.Unlock()

		wg.Wait()

		// Producers stop only on refusal, which follows the flag flip
		acceptedMutex.Lock()
		for _, request := range accepted {
			assert.True(request.Completed())
		}
		acceptedMutex.Unlock()

		assert.Equal(0, pair.Control.PendingIrp.Len())
		assert.Equal(0, pair.Control.PendingEvent.Len())
		assert.Equal(0, pair.Control.NotifyEvent.Len())
	}
}
