// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/fsrelay/logger"
	"github.com/NVIDIA/fsrelay/utils"
)

type globalsStruct struct {
	lockHoldTimeLimit      int64                             // atomic; time.Duration; 0 disables tracking
	lockCheckPeriod        time.Duration                     // check locks once each period
	lockWatcherLocksLogged int                               // max overlimit locks logged per watcher pass
	mapMutex               sync.Mutex                        // protects trackerMap
	trackerMap             map[*mutexTrackStruct]interface{} // held tracked locks; Value: the lock itself
	stopChan               chan struct{}                     // time to shutdown and go home
	doneChan               chan struct{}                     // shutdown complete
	lockCheckTicker        *time.Ticker                      // ticker for lock check time
}

var globals globalsStruct

const stackTraceBufSize = 4040

type holderStruct struct {
	lockOp     string
	lockTime   time.Time
	lockerGoId uint64
	lockStack  string
}

// mutexTrackStruct tracks every current holder of a lock, keyed by goroutine id.
// An exclusive holder is the sole entry.
//
type mutexTrackStruct struct {
	sync.Mutex
	holders map[uint64]*holderStruct
}

func lockHoldTimeLimit() time.Duration {
	return time.Duration(atomic.LoadInt64(&globals.lockHoldTimeLimit))
}

func (mt *mutexTrackStruct) lockTrack(lockPtr interface{}, lockOp string) {
	if 0 == lockHoldTimeLimit() {
		return
	}

	var stackBuf [stackTraceBufSize]byte

	stackLen := runtime.Stack(stackBuf[:], false)
	holder := &holderStruct{
		lockOp:     lockOp,
		lockTime:   time.Now(),
		lockerGoId: utils.StackTraceToGoId(stackBuf[:stackLen]),
		lockStack:  string(stackBuf[:stackLen]),
	}

	mt.Lock()
	if nil == mt.holders {
		mt.holders = make(map[uint64]*holderStruct)
	}
	mt.holders[holder.lockerGoId] = holder
	mt.Unlock()

	globals.mapMutex.Lock()
	if nil != globals.trackerMap {
		globals.trackerMap[mt] = lockPtr
	}
	globals.mapMutex.Unlock()
}

func (mt *mutexTrackStruct) unlockTrack(lockPtr interface{}) {
	var (
		holder *holderStruct
		ok     bool
	)

	mt.Lock()
	if 0 == len(mt.holders) {
		// Locked before tracking was enabled
		mt.Unlock()
		return
	}
	goId := utils.GetGoId()
	holder, ok = mt.holders[goId]
	if !ok {
		// sync.Mutex may be unlocked by a goroutine other than the locker
		for goId, holder = range mt.holders {
			break
		}
	}
	delete(mt.holders, goId)
	empty := 0 == len(mt.holders)
	mt.Unlock()

	if empty {
		globals.mapMutex.Lock()
		if nil != globals.trackerMap {
			delete(globals.trackerMap, mt)
		}
		globals.mapMutex.Unlock()
	}

	limit := lockHoldTimeLimit()
	held := time.Since(holder.lockTime)

	if (0 != limit) && (held > limit) {
		logger.Warnf("Unlock(): %T at %p locked for %f sec; stack at call to %s:\n%s",
			lockPtr, lockPtr, float64(held)/float64(time.Second), holder.lockOp, holder.lockStack)
	}
}

type longLockHolderStruct struct {
	lockPtr interface{}
	holder  *holderStruct
}

// checkLocks logs (up to globals.lockWatcherLocksLogged) the locks currently held
// longer than the limit, longest first. It returns the number logged.
//
func checkLocks(now time.Time) (logged int) {
	limit := lockHoldTimeLimit()
	if 0 == limit {
		return
	}

	longLockHolders := make([]*longLockHolderStruct, 0)

	globals.mapMutex.Lock()
	for mt, lockPtr := range globals.trackerMap {
		mt.Lock()
		for _, holder := range mt.holders {
			if now.Sub(holder.lockTime) > limit {
				longLockHolders = append(longLockHolders, &longLockHolderStruct{lockPtr, holder})
			}
		}
		mt.Unlock()
	}
	globals.mapMutex.Unlock()

	sort.Slice(longLockHolders, func(i, j int) bool {
		return longLockHolders[i].holder.lockTime.Before(longLockHolders[j].holder.lockTime)
	})

	for i, longLockHolder := range longLockHolders {
		if i == globals.lockWatcherLocksLogged {
			break
		}
		logger.Warnf("trackedlock watcher: %T at %p locked for %f sec rank %d by goroutine %d; stack at call to %s:\n%s",
			longLockHolder.lockPtr, longLockHolder.lockPtr,
			float64(now.Sub(longLockHolder.holder.lockTime))/float64(time.Second), i,
			longLockHolder.holder.lockerGoId, longLockHolder.holder.lockOp, longLockHolder.holder.lockStack)
		logged++
	}

	return
}

// Periodically check for locks that have been held too long.
//
func lockWatcher(lockCheckChan <-chan time.Time) {
	for {
		select {
		case <-globals.stopChan:
			logger.Infof("trackedlock lock watcher shutting down")
			globals.doneChan <- struct{}{}
			return
		case now := <-lockCheckChan:
			_ = checkLocks(now)
		}
	}
}
