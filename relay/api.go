// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package relay provides the Request and the Request Queue that ferry
// filesystem requests between the contexts that produce them (operation
// handlers) and the user-mode workers that service them.
//
// A Queue is FIFO. Enqueue, Dequeue, RemoveByIdentity and DrainAll never
// block and are exposed through the Producer interface; only WaitAndDequeue
// and WaitReady may block and they are exposed through the Consumer interface.
//
// A Request is in at most one Queue at a time; enqueuing one that is still
// queued is a programming error and panics. Its completion is single-shot:
// the first Complete() wins and every later attempt is a no-op returning false.
package relay

import (
	"context"
	"time"
)

// OpCode identifies the operation a Request carries. Per-operation semantics
// belong to the handlers and workers; the relay only routes the value.
type OpCode uint32

const (
	OpUnspecified   OpCode = iota
	OpServiceMount         // System event: a volume was mounted
	OpServiceChange        // System event: a volume's state changed
	OpNotification         // Change notification destined for the worker
	OpFirstVolumeOp OpCode = 0x100
)

// Producer is the non-suspending view of a Queue. It is safe to use from
// contexts that must not block.
type Producer interface {
	Enqueue(request *Request)
	Dequeue() (request *Request)
	RemoveByIdentity(id uint64) (request *Request, found bool)
	DrainAll() (requests []*Request)
	Len() (length int)
}

// Consumer is the suspending view of a Queue used by workers.
type Consumer interface {
	// WaitAndDequeue waits up to timeout for a Request and removes it from the
	// head. It returns nil on timeout. A timeout <= 0 does not wait.
	WaitAndDequeue(timeout time.Duration) (request *Request)

	// WaitReady waits up to timeout for the Queue to be non-empty without
	// removing anything. Another consumer may take the head first.
	WaitReady(timeout time.Duration) (ready bool)
}

// NewRequest returns a Request with a fresh unique id.
func NewRequest(op OpCode, payload []byte) (request *Request) {
	return newRequest(op, payload)
}

// ID returns the Request's unique identity.
func (request *Request) ID() uint64 {
	return request.id
}

func (request *Request) Op() OpCode {
	return request.op
}

func (request *Request) Payload() []byte {
	return request.payload
}

// Cancel marks the Request cancelled. It returns true only for the first call.
// Cancellation is advisory; removing the Request from its Queue and completing
// it is up to the caller.
func (request *Request) Cancel() (firstCancel bool) {
	return request.cancel()
}

func (request *Request) Cancelled() bool {
	return request.cancelled()
}

// Complete records status (nil for success) and reply. Only the first call
// takes effect and returns true.
func (request *Request) Complete(status error, reply []byte) (won bool) {
	return request.complete(status, reply)
}

func (request *Request) Completed() bool {
	return request.completed()
}

// Done returns a channel closed once the Request is completed.
func (request *Request) Done() <-chan struct{} {
	return request.done
}

// Result returns the completion recorded by the winning Complete(). It must
// only be called after Done() is closed.
func (request *Request) Result() (reply []byte, status error) {
	return request.reply, request.status
}

// Wait blocks until the Request is completed or ctx is done.
func (request *Request) Wait(ctx context.Context) (reply []byte, status error) {
	select {
	case <-request.done:
		reply, status = request.Result()
	case <-ctx.Done():
		status = ctx.Err()
	}
	return
}

// NewQueue initializes an empty Queue named name; its "ready" signal is clear.
func NewQueue(name string) (queue *Queue) {
	return newQueue(name)
}

func (queue *Queue) Name() string {
	return queue.name
}

// Enqueue appends request at the tail and sets the "ready" signal. It panics
// if request is already held by a Queue.
func (queue *Queue) Enqueue(request *Request) {
	queue.enqueue(request)
}

// Dequeue removes and returns the head without waiting, or nil if empty.
func (queue *Queue) Dequeue() (request *Request) {
	return queue.dequeue()
}

func (queue *Queue) WaitAndDequeue(timeout time.Duration) (request *Request) {
	return queue.waitAndDequeue(timeout)
}

func (queue *Queue) WaitReady(timeout time.Duration) (ready bool) {
	return queue.waitReady(timeout)
}

// RemoveByIdentity removes the Request with the given id if present.
// Removing an absent id is benign and returns found == false.
func (queue *Queue) RemoveByIdentity(id uint64) (request *Request, found bool) {
	return queue.removeByIdentity(id)
}

// DrainAll detaches every queued Request, in order, and clears "ready".
func (queue *Queue) DrainAll() (requests []*Request) {
	return queue.drainAll()
}

func (queue *Queue) Len() (length int) {
	return queue.len()
}

// PublishStats registers the Queue's statistics as bucketstats group
// ("relay", "<owner>.<queue name>").
func (queue *Queue) PublishStats(owner string) {
	queue.publishStats(owner)
}

// WithdrawStats unregisters statistics registered by PublishStats(). It is a
// no-op if they were never published.
func (queue *Queue) WithdrawStats() {
	queue.withdrawStats()
}

// StatsGroupName returns the group name used by PublishStats(), or "" if unpublished.
func (queue *Queue) StatsGroupName() string {
	return queue.statsGroupName()
}
