// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"github.com/NVIDIA/fsrelay/blunder"
	"github.com/NVIDIA/fsrelay/bucketstats"
	"github.com/NVIDIA/fsrelay/iomgr"
	"github.com/NVIDIA/fsrelay/logger"
)

type statsStruct struct {
	Published     bucketstats.Total
	PublishFailed bucketstats.Total
	Retracted     bucketstats.Total
	RetractFailed bucketstats.Total
}

var stats statsStruct

func init() {
	bucketstats.Register("publisher", "interfaces", &stats)
}

func (kind Kind) class() (class iomgr.InterfaceClass, err error) {
	switch kind {
	case MountedDevice:
		class = iomgr.MountedDeviceInterfaceClass
	case Disk:
		class = iomgr.DiskInterfaceClass
	default:
		err = blunder.NewError(blunder.InvalidStateError, "unknown interface kind %d", kind)
	}
	return
}

func publishInterface(services iomgr.Services, kind Kind, owner *iomgr.Device) (interfaceName string, err error) {
	class, err := kind.class()
	if nil != err {
		stats.PublishFailed.Increment()
		return
	}

	name, err := services.RegisterDeviceInterface(owner, class)
	if nil != err {
		stats.PublishFailed.Increment()
		return
	}

	err = services.SetDeviceInterfaceState(name, true)
	if nil != err {
		unregisterErr := services.UnregisterDeviceInterface(name)
		if nil != unregisterErr {
			logger.WarnfWithError(unregisterErr, "release of %v interface %s after failed enable also failed", kind, name)
		}
		stats.PublishFailed.Increment()
		return
	}

	logger.Tracef("published %v interface %s", kind, name)
	stats.Published.Increment()

	interfaceName = name
	return
}

func retractInterface(services iomgr.Services, interfaceName string) (err error) {
	if "" == interfaceName {
		return
	}

	disableErr := services.SetDeviceInterfaceState(interfaceName, false)
	if nil != disableErr {
		logger.TracefWithError(disableErr, "disable of interface %s failed", interfaceName)
	}

	err = services.UnregisterDeviceInterface(interfaceName)
	if nil != err {
		stats.RetractFailed.Increment()
		return
	}

	stats.Retracted.Increment()
	return
}
