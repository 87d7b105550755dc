// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package publisher registers and enables the informational device
// interfaces a volume advertises. A published interface is always enabled;
// a failure leaves nothing registered.
package publisher

import (
	"github.com/NVIDIA/fsrelay/iomgr"
)

// Kind selects the interface class to publish.
type Kind uint32

const (
	MountedDevice Kind = iota
	Disk
)

func (kind Kind) String() string {
	switch kind {
	case MountedDevice:
		return "MountedDevice"
	case Disk:
		return "Disk"
	}
	return "Invalid"
}

// PublishInterface registers and enables an interface of kind on owner,
// returning its name. On failure interfaceName is "".
func PublishInterface(services iomgr.Services, kind Kind, owner *iomgr.Device) (interfaceName string, err error) {
	return publishInterface(services, kind, owner)
}

// RetractInterface disables and releases interfaceName. Retracting "" is a no-op.
func RetractInterface(services iomgr.Services, interfaceName string) (err error) {
	return retractInterface(services, interfaceName)
}
