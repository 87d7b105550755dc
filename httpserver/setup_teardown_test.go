// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"testing"

	"github.com/NVIDIA/fsrelay/conf"
	"github.com/NVIDIA/fsrelay/transitions"
)

var testConfMap conf.ConfMap

func testSetup(t *testing.T) {
	var (
		err                error
		testConfMapStrings []string
	)

	testConfMapStrings = []string{
		"Logging.LogToConsole=false",
		"Relay.VolumeList=VolumeA,VolumeB",
		"Volume:VolumeA.MountID=1",
		"Volume:VolumeB.MountID=2",
		"Volume:VolumeB.DeviceType=network",
		"HTTPServer.IPAddr=127.0.0.1",
		"HTTPServer.TCPPort=53461",
	}

	testConfMap, err = conf.MakeConfMapFromStrings(testConfMapStrings)
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	err = transitions.Up(testConfMap)
	if nil != err {
		t.Fatalf("transitions.Up() failed: %v", err)
	}
}

func testTeardown(t *testing.T) {
	err := transitions.Down(testConfMap)
	if nil != err {
		t.Fatalf("transitions.Down() failed: %v", err)
	}
}
