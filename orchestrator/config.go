// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/NVIDIA/fsrelay/blunder"
	"github.com/NVIDIA/fsrelay/conf"
	"github.com/NVIDIA/fsrelay/iomgr"
	"github.com/NVIDIA/fsrelay/logger"
	"github.com/NVIDIA/fsrelay/registry"
	"github.com/NVIDIA/fsrelay/trackedlock"
	"github.com/NVIDIA/fsrelay/transitions"
	"github.com/NVIDIA/fsrelay/volume"
)

type globalsStruct struct {
	trackedlock.Mutex
	services      iomgr.Services
	global        *registry.Global
	servedVolumes map[string]*volume.Pair // Key: volumeName
}

var globals globalsStruct

func init() {
	transitions.Register("orchestrator", &globals)
}

// volumeGuidNamespace seeds the base guid of a volume whose section omits BaseGuid.
var volumeGuidNamespace = uuid.MustParse("8E6C3C0A-5F0B-4E55-9C55-5D1A3C1F0B77")

func parseVolumeSection(confMap conf.ConfMap, volumeName string) (params MountParams, err error) {
	sectionName := "Volume:" + volumeName

	params.MountID, err = confMap.FetchOptionValueUint64(sectionName, "MountID")
	if nil != err {
		return
	}

	baseGuidString, fetchErr := confMap.FetchOptionValueString(sectionName, "BaseGuid")
	if nil == fetchErr {
		params.BaseGuid, err = uuid.Parse(baseGuidString)
		if nil != err {
			err = fmt.Errorf("[%s]BaseGuid: %v", sectionName, err)
			return
		}
	} else {
		params.BaseGuid = uuid.NewSHA1(volumeGuidNamespace, []byte(volumeName))
	}

	deviceTypeString, fetchErr := confMap.FetchOptionValueString(sectionName, "DeviceType")
	if nil != fetchErr {
		deviceTypeString = "disk"
	}
	switch strings.ToLower(deviceTypeString) {
	case "disk":
		params.DeviceType = iomgr.DeviceTypeDiskFileSystem
	case "network":
		params.DeviceType = iomgr.DeviceTypeNetworkFileSystem
	default:
		err = fmt.Errorf("[%s]DeviceType must be \"disk\" or \"network\" (got %q)", sectionName, deviceTypeString)
		return
	}

	_, fetchErr = confMap.FetchOptionValueStringSlice(sectionName, "Characteristics")
	if nil == fetchErr {
		params.Characteristics, err = confMap.FetchOptionValueUint32(sectionName, "Characteristics")
		if nil != err {
			return
		}
	}
	if iomgr.DeviceTypeNetworkFileSystem == params.DeviceType {
		params.Characteristics |= iomgr.CharacteristicRemoteDevice
	}

	return
}

func fetchRegistry() (global *registry.Global) {
	globals.Lock()
	global = globals.global
	globals.Unlock()
	return
}

func fetchServices() (services iomgr.Services) {
	globals.Lock()
	services = globals.services
	globals.Unlock()
	return
}

func fetchServedVolume(volumeName string) (pair *volume.Pair, ok bool) {
	globals.Lock()
	pair, ok = globals.servedVolumes[volumeName]
	globals.Unlock()
	return
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	services := iomgr.NewNamespace()

	global, err := registry.CreateRegistry(services, confMap)
	if nil != err {
		return
	}

	globals.Lock()
	globals.services = services
	globals.global = global
	globals.servedVolumes = make(map[string]*volume.Pair)
	globals.Unlock()

	return
}

func (dummy *globalsStruct) ServeVolume(confMap conf.ConfMap, volumeName string) (err error) {
	params, err := parseVolumeSection(confMap, volumeName)
	if nil != err {
		return
	}

	global := fetchRegistry()

	pair, err := mount(global, params)
	if nil != err {
		logger.VolumeErrorfWithError(volumeName, err, "mount failed")
		return
	}

	globals.Lock()
	globals.servedVolumes[volumeName] = pair
	globals.Unlock()

	logger.VolumeInfof(volumeName, "served as %s", pair.Name())
	return
}

func (dummy *globalsStruct) UnserveVolume(confMap conf.ConfMap, volumeName string) (err error) {
	globals.Lock()
	pair, ok := globals.servedVolumes[volumeName]
	if ok {
		delete(globals.servedVolumes, volumeName)
	}
	global := globals.global
	globals.Unlock()

	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "volume %s not served", volumeName)
		return
	}

	unmount(global, pair)
	return
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return nil
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	global := globals.global
	globals.global = nil
	globals.services = nil
	globals.servedVolumes = nil
	globals.Unlock()

	if nil == global {
		return
	}

	err = shutdownRegistry(global)
	return
}
