// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package halter provides labelled fault points. A label armed with Arm()
// makes the haltAfterCount'th subsequent call to Trigger() for that label
// return the armed error, after which the label is disarmed.
package halter

import (
	"fmt"
	"sort"
	"sync"
)

// Note 1: Following const block and HaltLabelStrings should be kept in sync
// Note 2: HaltLabelStrings should be easily parseable as URL components
const (
	apiTestHaltLabel1 = iota
	apiTestHaltLabel2
	IomgrCreateDevice
	IomgrDeleteDevice
	IomgrCreateSymbolicLink
	IomgrDeleteSymbolicLink
	IomgrRegisterFileSystem
	IomgrUnregisterFileSystem
	IomgrRegisterUncProvider
	IomgrDeregisterUncProvider
	IomgrRegisterDeviceInterface
	IomgrSetDeviceInterfaceState
	IomgrUnregisterDeviceInterface
	IomgrNotifyVolumeArrival
)

var (
	HaltLabelStrings = []string{
		"halter.testHaltLabel1",
		"halter.testHaltLabel2",
		"iomgr.CreateDevice",
		"iomgr.DeleteDevice",
		"iomgr.CreateSymbolicLink",
		"iomgr.DeleteSymbolicLink",
		"iomgr.RegisterFileSystem",
		"iomgr.UnregisterFileSystem",
		"iomgr.RegisterUncProvider",
		"iomgr.DeregisterUncProvider",
		"iomgr.RegisterDeviceInterface",
		"iomgr.SetDeviceInterfaceState",
		"iomgr.UnregisterDeviceInterface",
		"iomgr.NotifyVolumeArrival",
	}
)

type armedTriggerStruct struct {
	remaining uint32
	haltErr   error
}

type globalsStruct struct {
	sync.Mutex
	armedTriggers         map[uint32]*armedTriggerStruct // key: haltLabel
	triggerNamesToNumbers map[string]uint32
}

var globals globalsStruct

func init() {
	globals.armedTriggers = make(map[uint32]*armedTriggerStruct)
	globals.triggerNamesToNumbers = make(map[string]uint32)
	for i, s := range HaltLabelStrings {
		globals.triggerNamesToNumbers[s] = uint32(i)
	}
}

// Arm sets up haltErr to be returned by the haltAfterCount'd call to Trigger()
func Arm(haltLabelString string, haltAfterCount uint32, haltErr error) (err error) {
	globals.Lock()
	defer globals.Unlock()

	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		err = fmt.Errorf("halter.Arm(haltLabelString='%v',,) - label unknown", haltLabelString)
		return
	}
	if 0 == haltAfterCount {
		err = fmt.Errorf("halter.Arm(haltLabel==%v,,) called with haltAfterCount==0", haltLabelString)
		return
	}
	if nil == haltErr {
		haltErr = fmt.Errorf("halter.Trigger(haltLabelString==%v) triggered HALT", haltLabelString)
	}

	globals.armedTriggers[haltLabel] = &armedTriggerStruct{remaining: haltAfterCount, haltErr: haltErr}
	return
}

// Disarm removes a previously armed trigger via a call to Arm()
func Disarm(haltLabelString string) {
	globals.Lock()
	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if ok {
		delete(globals.armedTriggers, haltLabel)
	}
	globals.Unlock()
}

// DisarmAll removes every armed trigger
func DisarmAll() {
	globals.Lock()
	globals.armedTriggers = make(map[uint32]*armedTriggerStruct)
	globals.Unlock()
}

// Trigger decrements the haltAfterCount if armed and, should it reach 0, returns the armed error
func Trigger(haltLabel uint32) (err error) {
	globals.Lock()
	armedTrigger, armed := globals.armedTriggers[haltLabel]
	if armed {
		armedTrigger.remaining--
		if 0 == armedTrigger.remaining {
			delete(globals.armedTriggers, haltLabel)
			err = armedTrigger.haltErr
		}
	}
	globals.Unlock()
	return
}

// Dump returns a map of currently armed triggers and their remaining trigger count
func Dump() (armedTriggers map[string]uint32) {
	globals.Lock()
	armedTriggers = make(map[string]uint32)
	for k, v := range globals.armedTriggers {
		armedTriggers[HaltLabelStrings[k]] = v.remaining
	}
	globals.Unlock()
	return
}

// List returns a sorted slice of available triggers
func List() (availableTriggers []string) {
	availableTriggers = make([]string, len(HaltLabelStrings))
	copy(availableTriggers, HaltLabelStrings)
	sort.Strings(availableTriggers)
	return
}
