// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"container/list"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/fsrelay/blunder"
	"github.com/NVIDIA/fsrelay/bucketstats"
	"github.com/NVIDIA/fsrelay/logger"
	"github.com/NVIDIA/fsrelay/trackedlock"
)

type queueStatsStruct struct {
	Enqueues    bucketstats.Total
	Dequeues    bucketstats.Total
	Removes     bucketstats.Total
	Drained     bucketstats.Total
	WaitTimeout bucketstats.Total
	QueuedUsec  bucketstats.BucketLog2Round // Time from Enqueue() to leaving the Queue
}

// Queue is a FIFO of *Request with a level-triggered "ready" signal.
type Queue struct {
	mutex        trackedlock.Mutex
	id           uint64
	name         string
	requestList  *list.List               // Of *Request; Front() is next to be dequeued
	requestIndex map[uint64]*list.Element // Key: Request.id
	ready        chan struct{}            // Closed while requestList is non-empty
	stats        *queueStatsStruct
	statsGroup   string // Non-empty while stats are registered
}

var (
	_ Producer = &Queue{}
	_ Consumer = &Queue{}
)

var lastQueueID uint64

func newQueue(name string) (queue *Queue) {
	queue = &Queue{
		id:           atomic.AddUint64(&lastQueueID, 1),
		name:         name,
		requestList:  list.New(),
		requestIndex: make(map[uint64]*list.Element),
		ready:        make(chan struct{}),
		stats:        &queueStatsStruct{},
	}
	return
}

// remove must be called with queue.mutex held.
func (queue *Queue) remove(element *list.Element) (request *Request) {
	request = queue.requestList.Remove(element).(*Request)
	delete(queue.requestIndex, request.id)
	atomic.StoreUint64(&request.owner, 0)

	queue.stats.QueuedUsec.Add(uint64(time.Since(request.enqueueTime) / time.Microsecond))

	if 0 == queue.requestList.Len() {
		queue.ready = make(chan struct{})
	}
	return
}

func (queue *Queue) enqueue(request *Request) {
	if !atomic.CompareAndSwapUint64(&request.owner, 0, queue.id) {
		err := blunder.NewError(blunder.InvalidStateError, "request %d is already queued", request.id)
		logger.PanicfWithError(err, "enqueue onto %s of request %d held by queue %d", queue.name, request.id, atomic.LoadUint64(&request.owner))
	}

	queue.mutex.Lock()

	request.enqueueTime = time.Now()
	queue.requestIndex[request.id] = queue.requestList.PushBack(request)

	if 1 == queue.requestList.Len() {
		close(queue.ready)
	}

	queue.mutex.Unlock()

	queue.stats.Enqueues.Increment()
}

func (queue *Queue) waitAndDequeue(timeout time.Duration) (request *Request) {
	var (
		ready <-chan struct{}
		timer *time.Timer
	)

	for {
		queue.mutex.Lock()
		element := queue.requestList.Front()
		if nil != element {
			request = queue.remove(element)
			queue.mutex.Unlock()
			queue.stats.Dequeues.Increment()
			if nil != timer {
				timer.Stop()
			}
			return
		}
		ready = queue.ready
		queue.mutex.Unlock()

		if 0 >= timeout {
			queue.stats.WaitTimeout.Increment()
			return
		}
		if nil == timer {
			timer = time.NewTimer(timeout)
		}

		select {
		case <-ready:
			// Another consumer may win the race for the head; loop
		case <-timer.C:
			queue.stats.WaitTimeout.Increment()
			return
		}
	}
}

func (queue *Queue) waitReady(timeout time.Duration) (ready bool) {
	queue.mutex.Lock()
	readyChan := queue.ready
	ready = (0 != queue.requestList.Len())
	queue.mutex.Unlock()

	if ready || (0 >= timeout) {
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-readyChan:
		ready = true
	case <-timer.C:
	}
	return
}

func (queue *Queue) dequeue() (request *Request) {
	queue.mutex.Lock()
	element := queue.requestList.Front()
	if nil != element {
		request = queue.remove(element)
	}
	queue.mutex.Unlock()

	if nil != request {
		queue.stats.Dequeues.Increment()
	}
	return
}

func (queue *Queue) removeByIdentity(id uint64) (request *Request, found bool) {
	queue.mutex.Lock()
	element, found := queue.requestIndex[id]
	if found {
		request = queue.remove(element)
	}
	queue.mutex.Unlock()

	if found {
		queue.stats.Removes.Increment()
	}
	return
}

func (queue *Queue) drainAll() (requests []*Request) {
	queue.mutex.Lock()

	requests = make([]*Request, 0, queue.requestList.Len())
	for element := queue.requestList.Front(); nil != element; element = queue.requestList.Front() {
		requests = append(requests, queue.remove(element))
	}

	queue.mutex.Unlock()

	queue.stats.Drained.Add(uint64(len(requests)))
	return
}

func (queue *Queue) len() (length int) {
	queue.mutex.Lock()
	length = queue.requestList.Len()
	queue.mutex.Unlock()
	return
}

func (queue *Queue) publishStats(owner string) {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	if "" != queue.statsGroup {
		return
	}
	queue.statsGroup = owner + "." + queue.name
	bucketstats.Register("relay", queue.statsGroup, queue.stats)
}

func (queue *Queue) withdrawStats() {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	if "" == queue.statsGroup {
		return
	}
	bucketstats.UnRegister("relay", queue.statsGroup)
	queue.statsGroup = ""
}

func (queue *Queue) statsGroupName() (groupName string) {
	queue.mutex.Lock()
	groupName = queue.statsGroup
	queue.mutex.Unlock()
	return
}
