// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package transitions sequences package start-up, reconfiguration and
// shut-down for every package that registers with it.
package transitions

import (
	"github.com/NVIDIA/fsrelay/conf"
)

// Callbacks is the interface implemented by each package desiring notification of
// configuration changes. Each such package should implement a struct with pointer
// receivers for each API listed below even when there is no interest in being
// notified of a particular condition.
//
// By calling transitions.Register() in the package's init() func, the proper order
// of registration will be ensured. In specific, the following callbacks will be
// issued in the same order as package init() func calls have registered:
//
//   Up()
//   ServeVolume()
//   SignaledFinish()
//
// By contrast, the following callbacks will be issued in the reverse order as package
// init() func calls have registered:
//
//   SignaledStart()
//   UnserveVolume()
//   Down()
//
type Callbacks interface {
	Up(confMap conf.ConfMap) (err error)
	ServeVolume(confMap conf.ConfMap, volumeName string) (err error)
	UnserveVolume(confMap conf.ConfMap, volumeName string) (err error)
	SignaledStart(confMap conf.ConfMap) (err error)
	SignaledFinish(confMap conf.ConfMap) (err error)
	Down(confMap conf.ConfMap) (err error)
}

// Register should be called from a package's init() func should the package be interested
// in one or more of the callbacks that they will receive.
//
// As an example, consider the following:
//
//   package foo
//
//   type transitionsCallbackInterfaceStruct struct {
//   }
//
//   var transitionsCallbackInterface transitionsCallbackInterfaceStruct
//
//   func init() {
//       transitions.Register("foo", &transitionsCallbackInterface)
//   }
//
// A special exception to the need for registration is the package logger. Package
// transitions makes an explicit reference to logging functions in package logger and,
// as such, will perform the registration for package logger itself.
//
func Register(packageName string, callbacks Callbacks) {
	register(packageName, callbacks)
}

// Up should be called at startup by the main() (or setup func) of each program. It
// issues Up() to every registered package (starting with package logger) followed
// by ServeVolume() for each volume named in Relay.VolumeList and SignaledFinish().
//
func Up(confMap conf.ConfMap) (err error) {
	return up(confMap)
}

// Signaled should be called during execution of a signal handler for e.g. SIGHUP. The
// set of volumes to stop serving is every volume dropped from Relay.VolumeList or whose
// [Volume:<name>] section changed; those are unserved (reverse order) before the new
// set is served (registration order):
//
//   SignaledStart()  - reverse registration order
//   UnserveVolume()  - reverse registration order (for each such volume)
//   ServeVolume()    -         registration order (for each such volume)
//   SignaledFinish() -         registration order
//
func Signaled(confMap conf.ConfMap) (err error) {
	return signaled(confMap)
}

// Down should be called just before shutdown. It unserves every served volume and
// then issues Down() in reverse registration order, ending with package logger.
//
func Down(confMap conf.ConfMap) (err error) {
	return down(confMap)
}

// ServedVolumes returns the names of the volumes currently served, sorted.
func ServedVolumes() (volumeNames []string) {
	return servedVolumes()
}
