// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync"
)

/*
 * The trackedlock package provides an implementation of sync.Mutex and
 * sync.RWMutex that adds lock hold tracking.
 *
 * If lock tracking is enabled, the lock hold time is checked when a lock is
 * unlocked. If it was held longer than "TrackedLock.LockHoldTimeLimit" a
 * warning is logged along with the stack trace of the Lock(). In addition, a
 * daemon, the trackedlock watcher, periodically checks every lock currently
 * held and logs those that have been held too long.
 *
 * If "TrackedLock.LockHoldTimeLimit" is 0 then locks are not tracked and the
 * overhead of this package is one atomic load per lock operation.
 *
 * If "TrackedLock.LockCheckPeriod" is 0 then no watcher is started and hold
 * time is only checked at unlock.
 */

// Mutex wraps sync.Mutex to add tracking of lock hold time and the stack
// trace of the locker.
//
type Mutex struct {
	wrappedMutex sync.Mutex
	tracker      mutexTrackStruct
}

// RWMutex wraps sync.RWMutex to add tracking of lock hold time and the stack
// trace of the locker. Shared holds are tracked per goroutine.
//
type RWMutex struct {
	wrappedRWMutex sync.RWMutex
	tracker        mutexTrackStruct
}

func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()
	m.tracker.lockTrack(m, "Lock()")
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack(m)
	m.wrappedMutex.Unlock()
}

func (m *RWMutex) Lock() {
	m.wrappedRWMutex.Lock()
	m.tracker.lockTrack(m, "Lock()")
}

func (m *RWMutex) Unlock() {
	m.tracker.unlockTrack(m)
	m.wrappedRWMutex.Unlock()
}

func (m *RWMutex) RLock() {
	m.wrappedRWMutex.RLock()
	m.tracker.lockTrack(m, "RLock()")
}

func (m *RWMutex) RUnlock() {
	m.tracker.unlockTrack(m)
	m.wrappedRWMutex.RUnlock()
}
