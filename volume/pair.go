// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/fsrelay/blunder"
	"github.com/NVIDIA/fsrelay/logger"
	"github.com/NVIDIA/fsrelay/relay"
)

var lastGeneration uint64

func newPair(params Params) (pair *Pair) {
	pair = &Pair{}

	pair.Control.Params = params
	pair.Control.generation = atomic.AddUint64(&lastGeneration, 1)
	pair.Control.quiescent = sync.NewCond(&pair.Control.barrier)
	pair.Control.mountFlag = Unmounted
	pair.Control.state = StateCreated
	pair.Control.teardown = make(chan struct{})

	pair.Control.PendingIrp = relay.NewQueue("PendingIrp")
	pair.Control.PendingEvent = relay.NewQueue("PendingEvent")
	pair.Control.NotifyEvent = relay.NewQueue("NotifyEvent")

	pair.Data.DeviceName = params.FileSystemDeviceName
	pair.Data.handle = Handle{MountID: params.MountID, Generation: pair.Control.generation}
	pair.Data.directory = sortedmap.NewLLRBTree(sortedmap.CompareString, &pair.Data)

	return
}

func (pair *Pair) name() string {
	return fmt.Sprintf("mount_%d", pair.Control.MountID)
}

func resolveHandle(resolver Resolver, handle Handle) (control *Control, err error) {
	pair, ok := resolver.LookupVolume(handle.MountID)
	if !ok || (pair.Control.generation != handle.Generation) {
		err = blunder.NewError(blunder.DeviceWithdrawnError, "volume handle %d.%d no longer registered", handle.MountID, handle.Generation)
		return
	}

	control = &pair.Control
	return
}

func (pair *Pair) state() (state StateType) {
	pair.Control.barrier.Lock()
	state = pair.Control.state
	pair.Control.barrier.Unlock()
	return
}

func (pair *Pair) mountFlagGet() uint32 {
	return atomic.LoadUint32(&pair.Control.mountFlag)
}

func (pair *Pair) markPublished() (err error) {
	pair.Control.barrier.Lock()
	defer pair.Control.barrier.Unlock()

	if StateCreated != pair.Control.state {
		err = blunder.NewError(blunder.InvalidStateError, "%s cannot be published from state %v", pair.name(), pair.Control.state)
		return
	}

	pair.Control.state = StatePublished
	return
}

func (pair *Pair) setMounted() (err error) {
	pair.Control.barrier.Lock()
	defer pair.Control.barrier.Unlock()

	if StatePublished != pair.Control.state {
		err = blunder.NewError(blunder.InvalidStateError, "%s cannot be mounted from state %v", pair.name(), pair.Control.state)
		return
	}

	pair.Control.state = StateMounted
	atomic.StoreUint32(&pair.Control.mountFlag, Mounted)
	return
}

func (pair *Pair) beginUnmount() (begun bool) {
	pair.Control.barrier.Lock()
	defer pair.Control.barrier.Unlock()

	if (StateUnmounting == pair.Control.state) || (StateTornDown == pair.Control.state) {
		return
	}

	pair.Control.state = StateUnmounting
	atomic.StoreUint32(&pair.Control.mountFlag, Unmounting)

	begun = true
	return
}

func (pair *Pair) claimTeardown() (claimed bool) {
	pair.Control.barrier.Lock()
	defer pair.Control.barrier.Unlock()

	if pair.Control.claimed || (StateTornDown == pair.Control.state) {
		return
	}

	pair.Control.claimed = true

	if StateUnmounting != pair.Control.state {
		pair.Control.state = StateUnmounting
		atomic.StoreUint32(&pair.Control.mountFlag, Unmounting)
	}

	claimed = true
	return
}

func (pair *Pair) waitQuiescent() {
	pair.Control.barrier.Lock()
	for 0 != pair.Control.busy {
		pair.Control.quiescent.Wait()
	}
	pair.Control.barrier.Unlock()
}

func (pair *Pair) markTornDown() {
	pair.Control.barrier.Lock()
	defer pair.Control.barrier.Unlock()

	if StateTornDown == pair.Control.state {
		return
	}

	pair.Control.state = StateTornDown
	atomic.StoreUint32(&pair.Control.mountFlag, Unmounted)
	close(pair.Control.teardown)
}

// enter takes a busy reference and reports whether the volume is mounted.
// Every enter must be paired with an exit.
func (pair *Pair) enter() (mounted bool) {
	pair.Control.barrier.Lock()
	pair.Control.busy++
	mounted = (Mounted == pair.Control.mountFlag)
	pair.Control.barrier.Unlock()
	return
}

func (pair *Pair) exit() {
	pair.Control.barrier.Lock()
	pair.Control.busy--
	if (0 == pair.Control.busy) && (Mounted != pair.Control.mountFlag) {
		pair.Control.quiescent.Broadcast()
	}
	pair.Control.barrier.Unlock()
}

func (pair *Pair) enqueue(queue *relay.Queue, request *relay.Request) (err error) {
	if !pair.enter() {
		pair.exit()
		err = blunder.NewError(blunder.DeviceWithdrawnError, "%s is not mounted", pair.name())
		return
	}

	queue.Enqueue(request)

	pair.exit()
	return
}

// fetch waits for queue to have something and lets take move it on while
// holding a busy reference. It gives up once the volume leaves Mounted.
func (pair *Pair) fetch(queue *relay.Queue, timeout time.Duration, take func(request *relay.Request) *relay.Request) (request *relay.Request) {
	deadline := time.Now().Add(timeout)

	for {
		if Mounted != pair.mountFlagGet() {
			return
		}
		if !queue.WaitReady(time.Until(deadline)) {
			return
		}

		taken := false

		if pair.enter() {
			request = queue.Dequeue()
			if nil != request {
				taken = true
				request = take(request)
			}
		}

		pair.exit()

		if taken || !time.Now().Before(deadline) {
			return
		}
	}
}

func (pair *Pair) fetchRequest(timeout time.Duration) (request *relay.Request) {
	return pair.fetch(pair.Control.PendingIrp, timeout, func(request *relay.Request) *relay.Request {
		if request.Cancelled() {
			request.Complete(blunder.NewError(blunder.CancelledError, "request %d cancelled", request.ID()), nil)
			return nil
		}

		pair.Control.PendingEvent.Enqueue(request)
		return request
	})
}

func (pair *Pair) replyRequest(id uint64, status error, reply []byte) (err error) {
	mounted := pair.enter()
	defer pair.exit()

	if !mounted {
		err = blunder.NewError(blunder.DeviceWithdrawnError, "%s is not mounted; request %d is left to teardown", pair.name(), id)
		return
	}

	request, found := pair.Control.PendingEvent.RemoveByIdentity(id)
	if !found {
		err = blunder.NewError(blunder.NotFoundError, "%s has no request %d awaiting a reply", pair.name(), id)
		return
	}

	if !request.Complete(status, reply) {
		logger.VolumeTracef(pair.name(), "reply to request %d lost to an earlier completion", id)
	}
	return
}

func (pair *Pair) fetchNotification(timeout time.Duration) (request *relay.Request) {
	return pair.fetch(pair.Control.NotifyEvent, timeout, func(request *relay.Request) *relay.Request {
		// Delivery is completion for a notification
		request.Complete(nil, nil)
		return request
	})
}

func (pair *Pair) cancelRequest(id uint64) (found bool) {
	var request *relay.Request

	mounted := pair.enter()
	defer pair.exit()

	if !mounted {
		logger.VolumeTracef(pair.name(), "cancel of request %d left to teardown", id)
		return
	}

	request, found = pair.Control.PendingIrp.RemoveByIdentity(id)
	if !found {
		request, found = pair.Control.PendingEvent.RemoveByIdentity(id)
	}
	if !found {
		request, found = pair.Control.NotifyEvent.RemoveByIdentity(id)
	}
	if !found {
		logger.VolumeTracef(pair.name(), "cancel of request %d found nothing to cancel", id)
		return
	}

	request.Cancel()
	request.Complete(blunder.NewError(blunder.CancelledError, "request %d cancelled", id), nil)
	return
}

func (pair *Pair) drainQueues() (drained int) {
	for _, queue := range []*relay.Queue{pair.Control.PendingIrp, pair.Control.PendingEvent, pair.Control.NotifyEvent} {
		for _, request := range queue.DrainAll() {
			request.Complete(blunder.NewError(blunder.UnmountedError, "%s unmounted with request %d in %s", pair.name(), request.ID(), queue.Name()), nil)
			drained++
		}
	}
	return
}

func (pair *Pair) interfaceNames() (interfaceNames []string) {
	pair.Control.Resource.RLock()
	defer pair.Control.Resource.RUnlock()

	interfaceNames = make([]string, 0, 2)
	for _, interfaceName := range []string{pair.Control.DiskInterfaceName, pair.Control.MountedDeviceInterfaceName} {
		if "" != interfaceName {
			interfaceNames = append(interfaceNames, interfaceName)
		}
	}
	return
}

func (pair *Pair) publishStats() {
	pair.Control.PendingIrp.PublishStats(pair.name())
	pair.Control.PendingEvent.PublishStats(pair.name())
	pair.Control.NotifyEvent.PublishStats(pair.name())
}

func (pair *Pair) withdrawStats() {
	pair.Control.PendingIrp.WithdrawStats()
	pair.Control.PendingEvent.WithdrawStats()
	pair.Control.NotifyEvent.WithdrawStats()
}
