// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"sync/atomic"
	"time"
)

// Request is one relayed filesystem operation.
type Request struct {
	id          uint64
	op          OpCode
	payload     []byte
	enqueueTime time.Time // Protected by the lock of the Queue holding the Request
	cancelMark  uint32    // atomic; 1 once cancelled
	completion  uint32    // atomic; 1 once a Complete() has won
	owner       uint64    // atomic; Queue.id of the Queue holding the Request, 0 if none
	status      error     // Valid once done is closed
	reply       []byte    // Valid once done is closed
	done        chan struct{}
}

var lastRequestID uint64

func newRequest(op OpCode, payload []byte) (request *Request) {
	request = &Request{
		id:      atomic.AddUint64(&lastRequestID, 1),
		op:      op,
		payload: payload,
		done:    make(chan struct{}),
	}
	return
}

func (request *Request) cancel() (firstCancel bool) {
	return atomic.CompareAndSwapUint32(&request.cancelMark, 0, 1)
}

func (request *Request) cancelled() bool {
	return 1 == atomic.LoadUint32(&request.cancelMark)
}

func (request *Request) complete(status error, reply []byte) (won bool) {
	if !atomic.CompareAndSwapUint32(&request.completion, 0, 1) {
		return
	}

	request.status = status
	request.reply = reply
	close(request.done)

	won = true
	return
}

func (request *Request) completed() bool {
	return 1 == atomic.LoadUint32(&request.completion)
}
