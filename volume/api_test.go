// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/fsrelay/blunder"
	"github.com/NVIDIA/fsrelay/iomgr"
	"github.com/NVIDIA/fsrelay/relay"
)

type testResolverStruct struct {
	sync.Mutex
	pairs map[uint64]*Pair
}

func (resolver *testResolverStruct) LookupVolume(mountID uint64) (pair *Pair, ok bool) {
	resolver.Lock()
	pair, ok = resolver.pairs[mountID]
	resolver.Unlock()
	return
}

func testPair(mountID uint64) (pair *Pair) {
	pair = NewPair(Params{
		MountID:              mountID,
		BaseGuid:             uuid.New(),
		DeviceType:           iomgr.DeviceTypeDiskFileSystem,
		SecurityDescriptor:   iomgr.DefaultSecurityDescriptor,
		DiskDeviceName:       "\\Device\\Volume{test}",
		FileSystemDeviceName: "\\Device\\RelayFs{test}",
		SymbolicLinkName:     "\\DosDevices\\Global\\Volume{test}",
	})
	return
}

func testMountedPair(t *testing.T, mountID uint64) (pair *Pair) {
	pair = testPair(mountID)
	require.Nil(t, pair.MarkPublished())
	require.Nil(t, pair.SetMounted())
	return
}

// testTeardown runs the quiescence protocol the way the orchestrator does.
func testTeardown(pair *Pair) (drained int) {
	if !pair.ClaimTeardown() {
		return
	}
	drained = pair.DrainQueues()
	pair.WaitQuiescent()
	drained += pair.DrainQueues()
	pair.ClearDirectory()
	pair.MarkTornDown()
	return
}

func TestStates(t *testing.T) {
	assert := assert.New(t)

	pair := testPair(1)
	assert.Equal(StateCreated, pair.State())
	assert.Equal(Unmounted, pair.MountFlag())
	assert.Equal("mount_1", pair.Name())
	assert.Equal(uint64(1), pair.MountID())

	err := pair.SetMounted()
	assert.True(blunder.Is(err, blunder.InvalidStateError))

	assert.Nil(pair.MarkPublished())
	assert.Equal(StatePublished, pair.State())
	assert.Equal(Unmounted, pair.MountFlag())
	assert.True(blunder.Is(pair.MarkPublished(), blunder.InvalidStateError))

	assert.Nil(pair.SetMounted())
	assert.Equal(StateMounted, pair.State())
	assert.Equal(Mounted, pair.MountFlag())

	assert.True(pair.BeginUnmount())
	assert.Equal(StateUnmounting, pair.State())
	assert.Equal(Unmounting, pair.MountFlag())
	assert.False(pair.BeginUnmount())
	assert.True(blunder.Is(pair.SetMounted(), blunder.InvalidStateError))

	select {
	case <-pair.TornDown():
		t.Fatalf("TornDown() closed before MarkTornDown()")
	default:
	}

	pair.MarkTornDown()
	assert.Equal(StateTornDown, pair.State())
	assert.Equal(Unmounted, pair.MountFlag())
	assert.False(pair.BeginUnmount())
	pair.MarkTornDown()

	<-pair.TornDown()

	assert.False(pair.ClaimTeardown())

	// A never published Pair may still be torn down
	pair = testPair(2)
	assert.True(pair.ClaimTeardown())
	assert.Equal(StateUnmounting, pair.State())
	assert.Equal(Unmounting, pair.MountFlag())
	assert.False(pair.ClaimTeardown())
	assert.False(pair.BeginUnmount())

	// Flipping the flag does not claim the teardown
	pair = testMountedPair(t, 13)
	assert.True(pair.BeginUnmount())
	assert.True(pair.ClaimTeardown())
	assert.False(pair.ClaimTeardown())
	assert.Equal(StateUnmounting, pair.State())
}

func TestHandle(t *testing.T) {
	assert := assert.New(t)

	resolver := &testResolverStruct{pairs: make(map[uint64]*Pair)}

	pair := testPair(3)
	handle := pair.Handle()
	assert.Equal(uint64(3), handle.MountID)

	_, err := ResolveHandle(resolver, handle)
	assert.True(blunder.Is(err, blunder.DeviceWithdrawnError))

	resolver.pairs[3] = pair
	control, err := ResolveHandle(resolver, handle)
	assert.Nil(err)
	assert.Equal(&pair.Control, control)

	// A later Pair reusing the mount id does not honor the old Handle
	resolver.pairs[3] = testPair(3)
	_, err = ResolveHandle(resolver, handle)
	assert.True(blunder.Is(err, blunder.DeviceWithdrawnError))
}

func TestEnqueueRequiresMounted(t *testing.T) {
	assert := assert.New(t)

	pair := testPair(4)

	err := pair.EnqueueRequest(relay.NewRequest(relay.OpFirstVolumeOp, nil))
	assert.True(blunder.Is(err, blunder.DeviceWithdrawnError))
	err = pair.EnqueueNotification(relay.NewRequest(relay.OpNotification, nil))
	assert.True(blunder.Is(err, blunder.DeviceWithdrawnError))

	assert.Nil(pair.MarkPublished())
	err = pair.EnqueueRequest(relay.NewRequest(relay.OpFirstVolumeOp, nil))
	assert.True(blunder.Is(err, blunder.DeviceWithdrawnError))

	assert.Nil(pair.SetMounted())
	assert.Nil(pair.EnqueueRequest(relay.NewRequest(relay.OpFirstVolumeOp, nil)))
	assert.Equal(1, pair.Control.PendingIrp.Len())

	assert.True(pair.BeginUnmount())
	err = pair.EnqueueRequest(relay.NewRequest(relay.OpFirstVolumeOp, nil))
	assert.True(blunder.Is(err, blunder.DeviceWithdrawnError))
}

func TestRelayRoundTrip(t *testing.T) {
	assert := assert.New(t)

	pair := testMountedPair(t, 5)

	request := relay.NewRequest(relay.OpFirstVolumeOp, []byte("read /a"))
	assert.Nil(pair.EnqueueRequest(request))

	fetched := pair.FetchRequest(time.Second)
	assert.Equal(request, fetched)
	assert.Equal(0, pair.Control.PendingIrp.Len())
	assert.Equal(1, pair.Control.PendingEvent.Len())

	assert.Nil(pair.ReplyRequest(request.ID(), nil, []byte("contents")))
	assert.Equal(0, pair.Control.PendingEvent.Len())

	reply, status := request.Wait(context.Background())
	assert.Nil(status)
	assert.Equal([]byte("contents"), reply)

	err := pair.ReplyRequest(request.ID(), nil, nil)
	assert.True(blunder.Is(err, blunder.NotFoundError))

	assert.Nil(pair.FetchRequest(10 * time.Millisecond))
}

func TestNotifications(t *testing.T) {
	assert := assert.New(t)

	pair := testMountedPair(t, 6)

	notification := relay.NewRequest(relay.OpNotification, []byte("changed /a"))
	assert.Nil(pair.EnqueueNotification(notification))

	fetched := pair.FetchNotification(time.Second)
	assert.Equal(notification, fetched)
	assert.True(notification.Completed())

	assert.Nil(pair.EnqueueNotification(relay.NewRequest(relay.OpNotification, nil)))
	assert.Equal(1, testTeardown(pair))
	assert.Nil(pair.FetchNotification(0))
}

func TestCancelRequest(t *testing.T) {
	assert := assert.New(t)

	pair := testMountedPair(t, 7)

	queued := relay.NewRequest(relay.OpFirstVolumeOp, nil)
	fetched := relay.NewRequest(relay.OpFirstVolumeOp, nil)
	assert.Nil(pair.EnqueueRequest(fetched))
	assert.Nil(pair.EnqueueRequest(queued))
	assert.Equal(fetched, pair.FetchRequest(time.Second))

	assert.True(pair.CancelRequest(queued.ID()))
	assert.True(pair.CancelRequest(fetched.ID()))
	assert.False(pair.CancelRequest(fetched.ID()))

	for _, request := range []*relay.Request{queued, fetched} {
		assert.True(request.Cancelled())
		_, status := request.Result()
		assert.True(blunder.Is(status, blunder.CancelledError))
	}

	// The worker's late reply finds nothing
	assert.True(blunder.Is(pair.ReplyRequest(fetched.ID(), nil, nil), blunder.NotFoundError))
	assert.Equal(0, pair.Control.PendingIrp.Len())
	assert.Equal(0, pair.Control.PendingEvent.Len())
}

func TestTeardownDrains(t *testing.T) {
	assert := assert.New(t)

	pair := testMountedPair(t, 8)

	unfetched := relay.NewRequest(relay.OpFirstVolumeOp, nil)
	fetched := relay.NewRequest(relay.OpFirstVolumeOp, nil)
	notification := relay.NewRequest(relay.OpNotification, nil)

	assert.Nil(pair.EnqueueRequest(fetched))
	assert.Nil(pair.EnqueueRequest(unfetched))
	assert.Nil(pair.EnqueueNotification(notification))
	assert.Equal(fetched, pair.FetchRequest(time.Second))

	assert.Equal(3, testTeardown(pair))
	assert.Equal(0, testTeardown(pair))

	for _, request := range []*relay.Request{unfetched, fetched, notification} {
		_, status := request.Result()
		assert.True(blunder.Is(status, blunder.UnmountedError))
	}

	assert.True(blunder.Is(pair.ReplyRequest(fetched.ID(), nil, nil), blunder.DeviceWithdrawnError))
}

func TestWorkerLeavesRequestsToDrain(t *testing.T) {
	assert := assert.New(t)

	pair := testMountedPair(t, 9)

	unfetched := relay.NewRequest(relay.OpFirstVolumeOp, nil)
	fetched := relay.NewRequest(relay.OpFirstVolumeOp, nil)
	notification := relay.NewRequest(relay.OpNotification, nil)

	assert.Nil(pair.EnqueueRequest(fetched))
	assert.Nil(pair.EnqueueRequest(unfetched))
	assert.Nil(pair.EnqueueNotification(notification))
	assert.Equal(fetched, pair.FetchRequest(time.Second))

	assert.True(pair.BeginUnmount())

	// Once the flag is down the worker takes nothing, and does not wait for it
	start := time.Now()
	assert.Nil(pair.FetchRequest(time.Second))
	assert.Nil(pair.FetchNotification(time.Second))
	assert.True(time.Since(start) < time.Second)

	assert.True(blunder.Is(pair.ReplyRequest(fetched.ID(), nil, nil), blunder.DeviceWithdrawnError))
	assert.False(pair.CancelRequest(unfetched.ID()))

	for _, request := range []*relay.Request{unfetched, fetched, notification} {
		assert.False(request.Completed())
	}
	assert.Equal(1, pair.Control.PendingIrp.Len())
	assert.Equal(1, pair.Control.PendingEvent.Len())
	assert.Equal(1, pair.Control.NotifyEvent.Len())

	assert.Equal(3, pair.DrainQueues())

	for _, request := range []*relay.Request{unfetched, fetched, notification} {
		_, status := request.Result()
		assert.True(blunder.Is(status, blunder.UnmountedError))
	}
}

func TestTeardownCompletesInFlightFetches(t *testing.T) {
	const (
		numRounds = 2000
	)

	for round := 0; round < numRounds; round++ {
		pair := testMountedPair(t, 14)

		request := relay.NewRequest(relay.OpFirstVolumeOp, nil)
		require.Nil(t, pair.EnqueueRequest(request))
		notification := relay.NewRequest(relay.OpNotification, nil)
		require.Nil(t, pair.EnqueueNotification(notification))

		workerDone := make(chan struct{})
		go func() {
			defer close(workerDone)
			fetched := pair.FetchRequest(time.Second)
			if nil != fetched {
				_ = pair.ReplyRequest(fetched.ID(), nil, nil)
			}
			_ = pair.FetchNotification(time.Second)
		}()

		testTeardown(pair)

		// Checked before the worker is known to be done
		if !request.Completed() || !notification.Completed() {
			t.Fatalf("round %d: teardown returned with a request not completed", round)
		}

		<-workerDone
	}
}

func TestEnqueueTeardownStress(t *testing.T) {
	const (
		numProducers = 16
	)

	assert := assert.New(t)

	pair := testMountedPair(t, 10)

	var (
		acceptedMutex sync.Mutex
		accepted      []*relay.Request
		refused       int
		producersWG   sync.WaitGroup
		startChan     = make(chan struct{})
		unmountBegun  = make(chan struct{})
		lateAccepts   int
	)

	for i := 0; i < numProducers; i++ {
		producersWG.Add(1)
		go func() {
			defer producersWG.Done()
			<-startChan
			for {
				request := relay.NewRequest(relay.OpFirstVolumeOp, nil)
				err := pair.EnqueueRequest(request)

				// Sampled after the call returns: Unmounting here with a
				// successful enqueue would mean the barrier leaked
				afterBegin := false
				select {
				case <-unmountBegun:
					afterBegin = true
				default:
				}

				acceptedMutex.Lock()
				if nil == err {
					accepted = append(accepted, request)
				} else {
					assert.True(blunder.Is(err, blunder.DeviceWithdrawnError))
					refused++
				}
				acceptedMutex.Unlock()

				if nil != err {
					return
				}
				if afterBegin {
					// Enqueue started before the flip; permitted, but it must
					// still be drained
					acceptedMutex.Lock()
					lateAccepts++
					acceptedMutex.Unlock()
				}
			}
		}()
	}

	// A worker consuming concurrently
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for {
			request := pair.FetchRequest(time.Millisecond)
			if nil != request {
				_ = pair.ReplyRequest(request.ID(), nil, nil)
			}
			select {
			case <-pair.TornDown():
				return
			default:
			}
		}
	}()

	close(startChan)
	time.Sleep(20 * time.Millisecond)

	assert.True(pair.BeginUnmount())
	close(unmountBegun)
	_ = pair.DrainQueues()
	pair.WaitQuiescent()
	_ = pair.DrainQueues()

	assert.Equal(0, pair.Control.PendingIrp.Len())
	assert.Equal(0, pair.Control.PendingEvent.Len())
	assert.Equal(0, pair.Control.NotifyEvent.Len())

	producersWG.Wait()

	// Nothing gets in once the flag has left Mounted
	err := pair.EnqueueRequest(relay.NewRequest(relay.OpFirstVolumeOp, nil))
	assert.True(blunder.Is(err, blunder.DeviceWithdrawnError))
	assert.Equal(0, pair.Control.PendingIrp.Len())

	pair.MarkTornDown()
	<-workerDone

	acceptedMutex.Lock()
	defer acceptedMutex.Unlock()

	assert.Equal(numProducers, refused)
	assert.True(lateAccepts <= numProducers)

	for _, request := range accepted {
		if !request.Completed() {
			t.Fatalf("request %d accepted but not completed by teardown", request.ID())
		}
		_, status := request.Result()
		assert.True((nil == status) || blunder.Is(status, blunder.UnmountedError))
	}
}

func TestDirectory(t *testing.T) {
	assert := assert.New(t)

	pair := testPair(11)

	_, err := pair.OpenFileContext("/a")
	assert.True(blunder.Is(err, blunder.DeviceWithdrawnError))

	assert.Nil(pair.MarkPublished())
	assert.Nil(pair.SetMounted())

	for _, path := range []string{"/c", "/a", "/b/x", "/a"} {
		_, err = pair.OpenFileContext(path)
		assert.Nil(err)
	}

	assert.Equal([]string{"/a", "/b/x", "/c"}, pair.FileContextPaths())

	fileContext, ok := pair.LookupFileContext("/a")
	assert.True(ok)
	assert.Equal(uint64(2), fileContext.OpenCount)

	assert.Nil(pair.CloseFileContext("/a"))
	assert.Equal([]string{"/a", "/b/x", "/c"}, pair.FileContextPaths())
	assert.Nil(pair.CloseFileContext("/a"))
	assert.Equal([]string{"/b/x", "/c"}, pair.FileContextPaths())
	assert.True(blunder.Is(pair.CloseFileContext("/a"), blunder.NotFoundError))

	_, ok = pair.LookupFileContext("/a")
	assert.False(ok)

	assert.Equal(2, pair.ClearDirectory())
	assert.Empty(pair.FileContextPaths())
}

func TestInterfaceNames(t *testing.T) {
	assert := assert.New(t)

	pair := testPair(15)
	assert.Empty(pair.InterfaceNames())

	pair.Control.Resource.Lock()
	pair.Control.MountedDeviceInterfaceName = "mounted"
	pair.Control.Resource.Unlock()
	assert.Equal([]string{"mounted"}, pair.InterfaceNames())

	pair.Control.Resource.Lock()
	pair.Control.DiskInterfaceName = "disk"
	pair.Control.Resource.Unlock()
	assert.Equal([]string{"disk", "mounted"}, pair.InterfaceNames())
}

func TestSectionSynchronization(t *testing.T) {
	assert := assert.New(t)

	pair := testPair(12)

	assert.Equal(SectionStatusLockedWithWriters, pair.Data.AcquireForSectionSynchronization(SyncTypeCreateSection))

	acquired := make(chan SectionStatus)
	go func() {
		acquired <- pair.Data.AcquireForSectionSynchronization(SyncTypeOther)
	}()

	select {
	case <-acquired:
		t.Fatalf("header resource acquired twice")
	case <-time.After(20 * time.Millisecond):
	}

	pair.Data.ReleaseForSectionSynchronization()
	assert.Equal(SectionStatusCompleted, <-acquired)
	pair.Data.ReleaseForSectionSynchronization()
}
