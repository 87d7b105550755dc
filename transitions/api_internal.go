// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"container/list"
	"fmt"
	"sort"
	"sync"

	"github.com/NVIDIA/fsrelay/conf"
	"github.com/NVIDIA/fsrelay/logger"
)

type loggerCallbacksInterfaceStruct struct {
}

var loggerCallbacksInterface loggerCallbacksInterfaceStruct

type registrationItemStruct struct {
	packageName string
	callbacks   Callbacks
}

type globalsStruct struct {
	sync.Mutex                                          // Protects registration{List|Set} and servedVolumeList
	registrationList *list.List
	registrationSet  map[string]*registrationItemStruct // Key: registrationItemStruct.packageName
	servedVolumeList map[string]string                  // Key: volume name; Value: [Volume:<name>] section as of last serve
}

var globals globalsStruct

func init() {
	globals.Lock()
	globals.registrationList = list.New()
	globals.registrationSet = make(map[string]*registrationItemStruct)
	globals.servedVolumeList = make(map[string]string)
	globals.Unlock()

	Register("logger", &loggerCallbacksInterface)
}

func register(packageName string, callbacks Callbacks) {
	globals.Lock()
	_, alreadyRegistered := globals.registrationSet[packageName]
	if alreadyRegistered {
		globals.Unlock()
		logger.Fatalf("transitions.Register(%s,) called twice", packageName)
		return
	}
	registrationItem := &registrationItemStruct{packageName, callbacks}
	_ = globals.registrationList.PushBack(registrationItem)
	globals.registrationSet[packageName] = registrationItem
	globals.Unlock()
}

// volumeSectionSignature returns a canonical rendering of [Volume:<volumeName>]
// used to detect a changed volume definition across Signaled() calls.
func volumeSectionSignature(confMap conf.ConfMap, volumeName string) string {
	sectionName := "Volume:" + volumeName
	section, ok := confMap[sectionName]
	if !ok {
		return ""
	}
	return conf.ConfMap{sectionName: section}.Dump()
}

// computeConfMapDelta returns the sorted lists of volumes to stop and start serving
// as well as the new served set.
func computeConfMapDelta(confMap conf.ConfMap) (toStop []string, toStart []string, newServed map[string]string, err error) {
	volumeList, fetchErr := confMap.FetchOptionValueStringSlice("Relay", "VolumeList")
	if nil != fetchErr {
		volumeList = []string{}
	}

	newServed = make(map[string]string)
	for _, volumeName := range volumeList {
		if _, duplicate := newServed[volumeName]; duplicate {
			err = fmt.Errorf("Relay.VolumeList contains %s more than once", volumeName)
			return
		}
		newServed[volumeName] = volumeSectionSignature(confMap, volumeName)
	}

	toStop = make([]string, 0)
	toStart = make([]string, 0)

	for volumeName, oldSignature := range globals.servedVolumeList {
		newSignature, stillServed := newServed[volumeName]
		if !stillServed || (newSignature != oldSignature) {
			toStop = append(toStop, volumeName)
		}
	}
	for volumeName, newSignature := range newServed {
		oldSignature, alreadyServed := globals.servedVolumeList[volumeName]
		if !alreadyServed || (newSignature != oldSignature) {
			toStart = append(toStart, volumeName)
		}
	}

	sort.Strings(toStop)
	sort.Strings(toStart)

	return
}

func forEachForward(fn func(registrationItem *registrationItemStruct) error) (err error) {
	for e := globals.registrationList.Front(); nil != e; e = e.Next() {
		err = fn(e.Value.(*registrationItemStruct))
		if nil != err {
			return
		}
	}
	return
}

func forEachReverse(fn func(registrationItem *registrationItemStruct) error) (err error) {
	for e := globals.registrationList.Back(); nil != e; e = e.Prev() {
		err = fn(e.Value.(*registrationItemStruct))
		if nil != err {
			return
		}
	}
	return
}

func serveVolumes(caller string, confMap conf.ConfMap, volumeNames []string, newServed map[string]string) (err error) {
	for _, volumeName := range volumeNames {
		err = forEachForward(func(registrationItem *registrationItemStruct) (err error) {
			logger.Tracef("transitions.%s() calling %s.ServeVolume(,%s)", caller, registrationItem.packageName, volumeName)
			err = registrationItem.callbacks.ServeVolume(confMap, volumeName)
			if nil != err {
				err = fmt.Errorf("%s.ServeVolume(,%s) failed: %v", registrationItem.packageName, volumeName, err)
			}
			return
		})
		if nil != err {
			return
		}
		globals.servedVolumeList[volumeName] = newServed[volumeName]
	}
	return
}

func unserveVolumes(caller string, confMap conf.ConfMap, volumeNames []string) (err error) {
	for _, volumeName := range volumeNames {
		err = forEachReverse(func(registrationItem *registrationItemStruct) (err error) {
			logger.Tracef("transitions.%s() calling %s.UnserveVolume(,%s)", caller, registrationItem.packageName, volumeName)
			err = registrationItem.callbacks.UnserveVolume(confMap, volumeName)
			if nil != err {
				err = fmt.Errorf("%s.UnserveVolume(,%s) failed: %v", registrationItem.packageName, volumeName, err)
			}
			return
		})
		if nil != err {
			return
		}
		delete(globals.servedVolumeList, volumeName)
	}
	return
}

func signaledStart(caller string, confMap conf.ConfMap) (err error) {
	return forEachReverse(func(registrationItem *registrationItemStruct) (err error) {
		logger.Tracef("transitions.%s() calling %s.SignaledStart()", caller, registrationItem.packageName)
		err = registrationItem.callbacks.SignaledStart(confMap)
		if nil != err {
			err = fmt.Errorf("%s.SignaledStart() failed: %v", registrationItem.packageName, err)
		}
		return
	})
}

func signaledFinish(caller string, confMap conf.ConfMap) (err error) {
	return forEachForward(func(registrationItem *registrationItemStruct) (err error) {
		logger.Tracef("transitions.%s() calling %s.SignaledFinish()", caller, registrationItem.packageName)
		err = registrationItem.callbacks.SignaledFinish(confMap)
		if nil != err {
			err = fmt.Errorf("%s.SignaledFinish() failed: %v", registrationItem.packageName, err)
		}
		return
	})
}

func up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	defer func() {
		if nil == err {
			logger.Infof("transitions.Up() returning successfully")
		} else {
			// On the relatively good likelihood that at least logger.Up() worked...
			logger.Errorf("transitions.Up() returning with failure: %v", err)
		}
	}()

	globals.servedVolumeList = make(map[string]string)

	_, toStart, newServed, err := computeConfMapDelta(confMap)
	if nil != err {
		return
	}

	packageNames := make([]string, 0, globals.registrationList.Len())

	err = forEachForward(func(registrationItem *registrationItemStruct) (err error) {
		logger.Tracef("transitions.Up() calling %s.Up()", registrationItem.packageName)
		err = registrationItem.callbacks.Up(confMap)
		if nil != err {
			err = fmt.Errorf("%s.Up() failed: %v", registrationItem.packageName, err)
			return
		}
		packageNames = append(packageNames, registrationItem.packageName)
		return
	})
	if nil != err {
		return
	}

	logger.Infof("Transitions Package Registration List: %v", packageNames)

	err = serveVolumes("Up", confMap, toStart, newServed)
	if nil != err {
		return
	}

	err = signaledFinish("Up", confMap)
	return
}

func signaled(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	logger.Infof("transitions.Signaled() called")
	defer func() {
		if nil == err {
			logger.Infof("transitions.Signaled() returning successfully")
		} else {
			logger.Errorf("transitions.Signaled() returning with failure: %v", err)
		}
	}()

	toStop, toStart, newServed, err := computeConfMapDelta(confMap)
	if nil != err {
		return
	}

	err = signaledStart("Signaled", confMap)
	if nil != err {
		return
	}

	err = unserveVolumes("Signaled", confMap, toStop)
	if nil != err {
		return
	}

	err = serveVolumes("Signaled", confMap, toStart, newServed)
	if nil != err {
		return
	}

	err = signaledFinish("Signaled", confMap)
	return
}

func down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	logger.Infof("transitions.Down() called")

	toStop := make([]string, 0, len(globals.servedVolumeList))
	for volumeName := range globals.servedVolumeList {
		toStop = append(toStop, volumeName)
	}
	sort.Strings(toStop)

	err = signaledStart("Down", confMap)
	if nil != err {
		logger.Errorf("transitions.Down() returning with failure: %v", err)
		return
	}

	err = unserveVolumes("Down", confMap, toStop)
	if nil != err {
		logger.Errorf("transitions.Down() returning with failure: %v", err)
		return
	}

	// Package logger is Down()'d last; nothing may be logged after it

	err = forEachReverse(func(registrationItem *registrationItemStruct) (err error) {
		err = registrationItem.callbacks.Down(confMap)
		if nil != err {
			err = fmt.Errorf("%s.Down() failed: %v", registrationItem.packageName, err)
		}
		return
	})

	return
}

func servedVolumes() (volumeNames []string) {
	globals.Lock()
	volumeNames = make([]string, 0, len(globals.servedVolumeList))
	for volumeName := range globals.servedVolumeList {
		volumeNames = append(volumeNames, volumeName)
	}
	globals.Unlock()

	sort.Strings(volumeNames)
	return
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	return logger.Up(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) ServeVolume(confMap conf.ConfMap, volumeName string) (err error) {
	return nil
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) UnserveVolume(confMap conf.ConfMap, volumeName string) (err error) {
	return nil
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return logger.SignaledStart(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return logger.SignaledFinish(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	return logger.Down(confMap)
}
