// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"time"

	"github.com/google/btree"

	"github.com/NVIDIA/fsrelay/blunder"
	"github.com/NVIDIA/fsrelay/conf"
	"github.com/NVIDIA/fsrelay/iomgr"
	"github.com/NVIDIA/fsrelay/logger"
	"github.com/NVIDIA/fsrelay/relay"
	"github.com/NVIDIA/fsrelay/volume"
)

const statsOwner = "global"

type volumeItemStruct struct {
	mountID uint64
	pair    *volume.Pair
}

func (item *volumeItemStruct) Less(than btree.Item) bool {
	return item.mountID < than.(*volumeItemStruct).mountID
}

func createRegistry(services iomgr.Services, confMap conf.ConfMap) (global *Global, err error) {
	config, err := parseConfig(confMap)
	if nil != err {
		return
	}

	newGlobal := &Global{
		Config:         config,
		Services:       services,
		PendingService: relay.NewQueue("PendingService"),
		NotifyService:  relay.NewQueue("NotifyService"),
		index:          btree.New(2),
	}

	newGlobal.GlobalDevice, err = services.CreateDevice(iomgr.DeviceSpec{
		Name:               config.GlobalDeviceName,
		Type:               iomgr.DeviceTypeUnknown,
		Characteristics:    iomgr.CharacteristicSecureOpen,
		SecurityDescriptor: config.SecurityDescriptor,
	})
	if nil != err {
		logger.ErrorfWithError(err, "creation of global device %s failed", config.GlobalDeviceName)
		return
	}

	err = services.CreateSymbolicLink(config.GlobalSymbolicLinkName, config.GlobalDeviceName)
	if nil != err {
		logger.ErrorfWithError(err, "creation of global symbolic link %s failed", config.GlobalSymbolicLinkName)
		deleteErr := services.DeleteDevice(newGlobal.GlobalDevice)
		if nil != deleteErr {
			logger.WarnfWithError(deleteErr, "deletion of global device %s failed", config.GlobalDeviceName)
		}
		return
	}

	services.MarkDeviceInitialized(newGlobal.GlobalDevice)

	newGlobal.PendingService.PublishStats(statsOwner)
	newGlobal.NotifyService.PublishStats(statsOwner)

	logger.Infof("registry up with global device %s linked from %s", config.GlobalDeviceName, config.GlobalSymbolicLinkName)

	global = newGlobal
	return
}

func (global *Global) registerVolume(pair *volume.Pair) (err error) {
	global.mutex.Lock()
	defer global.mutex.Unlock()

	if global.destroyed {
		err = blunder.NewError(blunder.InvalidStateError, "registry destroyed; cannot register %s", pair.Name())
		return
	}

	item := &volumeItemStruct{mountID: pair.MountID(), pair: pair}

	if nil != global.index.Get(item) {
		err = blunder.NewError(blunder.NameCollisionError, "mount id %d already registered", pair.MountID())
		return
	}

	_ = global.index.ReplaceOrInsert(item)
	return
}

func (global *Global) unregisterVolume(pair *volume.Pair) (err error) {
	global.mutex.Lock()
	defer global.mutex.Unlock()

	key := &volumeItemStruct{mountID: pair.MountID()}

	found := global.index.Get(key)
	if (nil == found) || (found.(*volumeItemStruct).pair != pair) {
		err = blunder.NewError(blunder.NotFoundError, "%s not registered", pair.Name())
		return
	}

	_ = global.index.Delete(key)
	return
}

func (global *Global) lookupVolume(mountID uint64) (pair *volume.Pair, ok bool) {
	global.mutex.Lock()
	defer global.mutex.Unlock()

	found := global.index.Get(&volumeItemStruct{mountID: mountID})
	if nil == found {
		return
	}

	pair = found.(*volumeItemStruct).pair
	ok = true
	return
}

func (global *Global) enumerateVolumes() (pairs []*volume.Pair) {
	global.mutex.Lock()
	defer global.mutex.Unlock()

	pairs = make([]*volume.Pair, 0, global.index.Len())

	global.index.Ascend(func(item btree.Item) bool {
		pairs = append(pairs, item.(*volumeItemStruct).pair)
		return true
	})
	return
}

func (global *Global) volumeCount() (count int) {
	global.mutex.Lock()
	count = global.index.Len()
	global.mutex.Unlock()
	return
}

func (global *Global) notify(queue *relay.Queue, op relay.OpCode, event Event) {
	payload, err := encodeEvent(event)
	if nil != err {
		logger.WarnfWithError(err, "encoding %v event for mount id %d failed", event.Kind, event.MountID)
		return
	}

	// Enqueue under the same lock destroy() sets destroyed with so that its
	// drain sees every event that got in
	global.mutex.Lock()
	destroyed := global.destroyed
	if !destroyed {
		queue.Enqueue(relay.NewRequest(op, payload))
	}
	global.mutex.Unlock()

	if destroyed {
		logger.Warnf("registry destroyed; dropping %v event for mount id %d", event.Kind, event.MountID)
	}
}

func waitEvent(queue *relay.Queue, timeout time.Duration) (event *Event, err error) {
	request := queue.WaitAndDequeue(timeout)
	if nil == request {
		return
	}

	decoded, err := decodeEvent(request.Payload())
	if nil != err {
		request.Complete(err, nil)
		return
	}

	request.Complete(nil, nil)

	event = &decoded
	return
}

func (global *Global) destroy() (err error) {
	global.mutex.Lock()

	if global.destroyed {
		global.mutex.Unlock()
		logger.Warnf("registry already destroyed")
		return
	}

	if 0 != global.index.Len() {
		count := global.index.Len()
		global.mutex.Unlock()
		err = blunder.NewError(blunder.InvalidStateError, "registry still indexes %d volume(s)", count)
		return
	}

	global.destroyed = true

	global.mutex.Unlock()

	for _, queue := range []*relay.Queue{global.PendingService, global.NotifyService} {
		for _, request := range queue.DrainAll() {
			request.Cancel()
			request.Complete(blunder.NewError(blunder.CancelledError, "registry destroyed with request %d in %s", request.ID(), queue.Name()), nil)
		}
		queue.WithdrawStats()
	}

	linkErr := global.Services.DeleteSymbolicLink(global.GlobalSymbolicLinkName)
	if nil != linkErr {
		logger.WarnfWithError(linkErr, "deletion of global symbolic link %s failed", global.GlobalSymbolicLinkName)
	}

	deviceErr := global.Services.DeleteDevice(global.GlobalDevice)
	if nil != deviceErr {
		logger.WarnfWithError(deviceErr, "deletion of global device %s failed", global.GlobalDeviceName)
	}

	logger.Infof("registry down")
	return
}
