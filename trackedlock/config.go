// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync/atomic"
	"time"

	"github.com/NVIDIA/fsrelay/conf"
	"github.com/NVIDIA/fsrelay/logger"
	"github.com/NVIDIA/fsrelay/transitions"
)

func init() {
	transitions.Register("trackedlock", &globals)
}

func parseConfMap(confMap conf.ConfMap) (lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration) {
	var err error

	lockHoldTimeLimit, err = confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if nil != err {
		lockHoldTimeLimit = time.Duration(0)
	}

	// lockHoldTimeLimit must be >= 1 sec or 0
	if (lockHoldTimeLimit < time.Second) && (0 != lockHoldTimeLimit) {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' value less then 1 sec; defaulting to '40s'")
		lockHoldTimeLimit = 40 * time.Second
	}

	lockCheckPeriod, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if nil != err {
		lockCheckPeriod = time.Duration(0)
	}

	// lockCheckPeriod must be >= 1 sec or 0
	if (lockCheckPeriod < time.Second) && (0 != lockCheckPeriod) {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' value less then 1 sec; defaulting to '20s'")
		lockCheckPeriod = 20 * time.Second
	}

	return
}

func startTracking(lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration) {
	globals.mapMutex.Lock()
	globals.trackerMap = make(map[*mutexTrackStruct]interface{}, 128)
	globals.mapMutex.Unlock()

	globals.lockCheckPeriod = lockCheckPeriod
	globals.lockWatcherLocksLogged = 16
	atomic.StoreInt64(&globals.lockHoldTimeLimit, int64(lockHoldTimeLimit))

	if (0 == lockCheckPeriod) || (0 == lockHoldTimeLimit) {
		return
	}

	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})
	globals.lockCheckTicker = time.NewTicker(lockCheckPeriod)

	go lockWatcher(globals.lockCheckTicker.C)
}

func stopTracking() {
	if nil != globals.lockCheckTicker {
		globals.lockCheckTicker.Stop()
		globals.lockCheckTicker = nil
		globals.stopChan <- struct{}{}
		<-globals.doneChan
	}

	atomic.StoreInt64(&globals.lockHoldTimeLimit, 0)

	globals.mapMutex.Lock()
	globals.trackerMap = nil
	globals.mapMutex.Unlock()
}

// Up() enables tracking. Locks can be used before it is called but are not
// tracked until their first Lock() after it returns.
//
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	lockHoldTimeLimit, lockCheckPeriod := parseConfMap(confMap)

	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %v  LockCheckPeriod %v", lockHoldTimeLimit, lockCheckPeriod)

	startTracking(lockHoldTimeLimit, lockCheckPeriod)
	return
}

func (dummy *globalsStruct) ServeVolume(confMap conf.ConfMap, volumeName string) (err error) {
	return nil
}

func (dummy *globalsStruct) UnserveVolume(confMap conf.ConfMap, volumeName string) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

// SignaledFinish applies changed limits; the watcher is restarted if the period changed.
func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	lockHoldTimeLimit, lockCheckPeriod := parseConfMap(confMap)

	if (lockCheckPeriod == globals.lockCheckPeriod) && ((0 == lockCheckPeriod) || (nil != globals.lockCheckTicker)) {
		atomic.StoreInt64(&globals.lockHoldTimeLimit, int64(lockHoldTimeLimit))
		return
	}

	stopTracking()
	startTracking(lockHoldTimeLimit, lockCheckPeriod)
	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	logger.Infof("trackedlock.Down() called")
	stopTracking()
	return
}
