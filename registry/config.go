// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"github.com/NVIDIA/fsrelay/conf"
	"github.com/NVIDIA/fsrelay/iomgr"
)

const (
	DefaultGlobalDeviceName           = "\\Device\\RelayGlobal"
	DefaultGlobalSymbolicLinkName     = "\\DosDevices\\Global\\RelayGlobal"
	DefaultDiskDeviceNamePrefix       = "\\Device\\Volume"
	DefaultFileSystemDeviceNamePrefix = "\\Device\\RelayFs"
	DefaultSymbolicLinkNamePrefix     = "\\DosDevices\\Global\\Volume"
)

func fetchString(confMap conf.ConfMap, optionName string, defaultValue string) (value string) {
	value, err := confMap.FetchOptionValueString("Relay", optionName)
	if nil != err {
		value = defaultValue
	}
	return
}

func fetchBool(confMap conf.ConfMap, optionName string, defaultValue bool) (value bool, err error) {
	_, err = confMap.FetchOptionValueStringSlice("Relay", optionName)
	if nil != err {
		value = defaultValue
		err = nil
		return
	}

	value, err = confMap.FetchOptionValueBool("Relay", optionName)
	return
}

func parseConfig(confMap conf.ConfMap) (config Config, err error) {
	config.GlobalDeviceName = fetchString(confMap, "GlobalDeviceName", DefaultGlobalDeviceName)
	config.GlobalSymbolicLinkName = fetchString(confMap, "GlobalSymbolicLinkName", DefaultGlobalSymbolicLinkName)
	config.DiskDeviceNamePrefix = fetchString(confMap, "DiskDeviceNamePrefix", DefaultDiskDeviceNamePrefix)
	config.FileSystemDeviceNamePrefix = fetchString(confMap, "FileSystemDeviceNamePrefix", DefaultFileSystemDeviceNamePrefix)
	config.SymbolicLinkNamePrefix = fetchString(confMap, "SymbolicLinkNamePrefix", DefaultSymbolicLinkNamePrefix)
	config.SecurityDescriptor = fetchString(confMap, "SecurityDescriptor", iomgr.DefaultSecurityDescriptor)

	err = iomgr.ValidateSecurityDescriptor(config.SecurityDescriptor)
	if nil != err {
		return
	}

	config.PublishDiskInterface, err = fetchBool(confMap, "PublishDiskInterface", true)
	if nil != err {
		return
	}
	config.PublishMountedDeviceInterface, err = fetchBool(confMap, "PublishMountedDeviceInterface", false)
	if nil != err {
		return
	}
	config.SendVolumeArrivalNotification, err = fetchBool(confMap, "SendVolumeArrivalNotification", false)
	return
}
