// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package volume implements the per-volume control block: a Pair holding the
// Control side (identity, device names, mount flag, request queues) and the
// Data side (filesystem-visible identity and live file-context directory).
//
// Producers only reach the queues while the mount flag reads Mounted. Each
// producer holds a busy reference across its flag check and enqueue, so once
// BeginUnmount has flipped the flag, WaitQuiescent returns only after every
// producer that could still enqueue has done so. Workers hold a busy
// reference whenever they take a request off a queue until it is either in
// PendingEvent or completed, and take nothing once the flag has left
// Mounted, so a drain after WaitQuiescent sees every request not already
// completed.
package volume

import (
	"sync"
	"time"

	"github.com/NVIDIA/sortedmap"
	"github.com/google/uuid"

	"github.com/NVIDIA/fsrelay/iomgr"
	"github.com/NVIDIA/fsrelay/relay"
	"github.com/NVIDIA/fsrelay/trackedlock"
)

// MountFlag values
const (
	Unmounted  uint32 = 0
	Mounted    uint32 = 1
	Unmounting uint32 = 2
)

// StateType tracks a Pair's lifecycle. States only move forward.
type StateType uint32

const (
	StateCreated StateType = iota
	StatePublished
	StateMounted
	StateUnmounting
	StateTornDown
)

func (state StateType) String() string {
	switch state {
	case StateCreated:
		return "Created"
	case StatePublished:
		return "Published"
	case StateMounted:
		return "Mounted"
	case StateUnmounting:
		return "Unmounting"
	case StateTornDown:
		return "TornDown"
	}
	return "Invalid"
}

// Params identify a volume and name its devices.
type Params struct {
	MountID              uint64
	BaseGuid             uuid.UUID
	DeviceType           iomgr.DeviceType // iomgr.DeviceTypeDiskFileSystem or iomgr.DeviceTypeNetworkFileSystem
	Characteristics      uint32
	SecurityDescriptor   string
	DiskDeviceName       string
	FileSystemDeviceName string
	SymbolicLinkName     string
}

// Control is the privileged side of a volume.
type Control struct {
	Params
	DiskDevice       *iomgr.Device
	FileSystemDevice *iomgr.Device
	UncHandle        iomgr.UncHandle // 0 unless a redirector provider is registered

	MountedDeviceInterfaceName string
	DiskInterfaceName          string

	Resource trackedlock.RWMutex // Guards the device and registration fields above

	PendingIrp   *relay.Queue // Requests not yet fetched by the worker
	PendingEvent *relay.Queue // Requests fetched and awaiting the worker's reply
	NotifyEvent  *relay.Queue // Notifications for the worker

	generation uint64
	barrier    sync.Mutex
	quiescent  *sync.Cond // Signalled on barrier when busy drops to 0 while not Mounted
	busy       uint64
	mountFlag  uint32 // Written with barrier held, read atomically
	state      StateType
	claimed    bool // Set by ClaimTeardown
	teardown   chan struct{}
}

// FileContext is an entry in a volume's live directory.
type FileContext struct {
	Path      string
	OpenCount uint64
}

// Data is the filesystem-visible side of a volume.
type Data struct {
	DeviceName  string
	handle      Handle
	Resource    trackedlock.RWMutex // Shared for lookups, exclusive for mutation of directory
	HeaderMutex trackedlock.Mutex   // Held across section synchronization
	directory   sortedmap.LLRBTree  // Key: FileContext.Path; Value: *FileContext
}

// Pair is one allocation holding both sides of a volume.
type Pair struct {
	Control Control
	Data    Data
}

// Handle refers from the Data side back to its Control side. It only
// resolves while the Pair it was issued for is registered.
type Handle struct {
	MountID    uint64
	Generation uint64
}

// Resolver finds a registered Pair by mount id.
type Resolver interface {
	LookupVolume(mountID uint64) (pair *Pair, ok bool)
}

// NewPair builds an unregistered Pair in StateCreated with its mount flag Unmounted.
func NewPair(params Params) (pair *Pair) {
	return newPair(params)
}

// Name is the label used for the volume's stats and log entries.
func (pair *Pair) Name() string {
	return pair.name()
}

func (pair *Pair) MountID() uint64 {
	return pair.Control.MountID
}

func (pair *Pair) State() StateType {
	return pair.state()
}

func (pair *Pair) MountFlag() uint32 {
	return pair.mountFlagGet()
}

// Handle returns the Data side's reference to pair's Control side.
func (pair *Pair) Handle() Handle {
	return pair.Data.handle
}

// ResolveHandle returns the Control side handle refers to, failing with
// DeviceWithdrawnError if that volume is no longer registered.
func ResolveHandle(resolver Resolver, handle Handle) (control *Control, err error) {
	return resolveHandle(resolver, handle)
}

// MarkPublished moves pair from StateCreated to StatePublished.
func (pair *Pair) MarkPublished() (err error) {
	return pair.markPublished()
}

// SetMounted moves pair from StatePublished to StateMounted and sets the mount flag.
func (pair *Pair) SetMounted() (err error) {
	return pair.setMounted()
}

// BeginUnmount moves the mount flag to Unmounting. It returns false if
// teardown has already begun.
func (pair *Pair) BeginUnmount() (begun bool) {
	return pair.beginUnmount()
}

// ClaimTeardown makes the caller the one goroutine that tears pair down,
// moving the mount flag to Unmounting if BeginUnmount has not already. It
// returns false if teardown was already claimed or has completed.
func (pair *Pair) ClaimTeardown() (claimed bool) {
	return pair.claimTeardown()
}

// WaitQuiescent blocks until no producer or worker holds a busy reference.
// Only valid after BeginUnmount.
func (pair *Pair) WaitQuiescent() {
	pair.waitQuiescent()
}

// MarkTornDown moves pair to StateTornDown and closes its teardown signal.
func (pair *Pair) MarkTornDown() {
	pair.markTornDown()
}

// TornDown is closed once teardown completes.
func (pair *Pair) TornDown() <-chan struct{} {
	return pair.Control.teardown
}

// EnqueueRequest hands request to the worker. It fails with
// DeviceWithdrawnError unless the volume is mounted.
func (pair *Pair) EnqueueRequest(request *relay.Request) (err error) {
	return pair.enqueue(pair.Control.PendingIrp, request)
}

// EnqueueNotification queues a notification for the worker. It fails with
// DeviceWithdrawnError unless the volume is mounted.
func (pair *Pair) EnqueueNotification(request *relay.Request) (err error) {
	return pair.enqueue(pair.Control.NotifyEvent, request)
}

// FetchRequest hands the next request to the worker, tracking it until
// ReplyRequest. Returns nil if none arrived within timeout or the volume is
// no longer mounted; requests left queued then are completed by the drain.
func (pair *Pair) FetchRequest(timeout time.Duration) (request *relay.Request) {
	return pair.fetchRequest(timeout)
}

// ReplyRequest completes the fetched request identified by id. Once the
// volume has left Mounted it fails with DeviceWithdrawnError and teardown
// completes the request instead.
func (pair *Pair) ReplyRequest(id uint64, status error, reply []byte) (err error) {
	return pair.replyRequest(id, status, reply)
}

// FetchNotification delivers the next notification to the worker. Delivery
// completes it.
func (pair *Pair) FetchNotification(timeout time.Duration) (request *relay.Request) {
	return pair.fetchNotification(timeout)
}

// CancelRequest marks and completes the pending request identified by id.
// Returns false if it was not found (already completed or never queued) or
// the volume has left Mounted, in which case teardown completes it.
func (pair *Pair) CancelRequest(id uint64) (found bool) {
	return pair.cancelRequest(id)
}

// DrainQueues completes everything in the three queues with UnmountedError.
func (pair *Pair) DrainQueues() (drained int) {
	return pair.drainQueues()
}

// InterfaceNames returns the device interfaces currently published for pair.
func (pair *Pair) InterfaceNames() (interfaceNames []string) {
	return pair.interfaceNames()
}

// PublishStats makes the queue stats visible via bucketstats.
func (pair *Pair) PublishStats() {
	pair.publishStats()
}

func (pair *Pair) WithdrawStats() {
	pair.withdrawStats()
}

// OpenFileContext adds (or references) path in the live directory.
func (pair *Pair) OpenFileContext(path string) (fileContext *FileContext, err error) {
	return pair.openFileContext(path)
}

// CloseFileContext drops a reference to path, removing it at zero.
func (pair *Pair) CloseFileContext(path string) (err error) {
	return pair.closeFileContext(path)
}

func (pair *Pair) LookupFileContext(path string) (fileContext FileContext, ok bool) {
	return pair.lookupFileContext(path)
}

// FileContextPaths returns the live directory in path order.
func (pair *Pair) FileContextPaths() (paths []string) {
	return pair.fileContextPaths()
}

// ClearDirectory empties the live directory.
func (pair *Pair) ClearDirectory() (cleared int) {
	return pair.clearDirectory()
}

// SyncType is the kind of section synchronization being requested.
type SyncType uint32

const (
	SyncTypeOther SyncType = iota
	SyncTypeCreateSection
)

// SectionStatus is the result of AcquireForSectionSynchronization.
type SectionStatus uint32

const (
	SectionStatusCompleted SectionStatus = iota
	SectionStatusLockedWithWriters
)

// AcquireForSectionSynchronization takes HeaderMutex. It is held until
// ReleaseForSectionSynchronization.
func (data *Data) AcquireForSectionSynchronization(syncType SyncType) (status SectionStatus) {
	data.HeaderMutex.Lock()

	if SyncTypeCreateSection != syncType {
		status = SectionStatusCompleted
	} else {
		status = SectionStatusLockedWithWriters
	}
	return
}

func (data *Data) ReleaseForSectionSynchronization() {
	data.HeaderMutex.Unlock()
}
