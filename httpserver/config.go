// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package httpserver serves the status pages read by the control utility:
//
//   /config          the running ConfMap as JSON (?compact=true for one line)
//   /metrics         runtime and registry gauges, two sorted columns
//   /stats           every registered bucketstats group
//   /trigger         halter labels and their armed counts (POST /trigger/<label>?count=N arms)
//   /volumes         every registered volume as JSON
//   /volume/<id>     one volume, including its live file contexts
//
// The server only listens if [HTTPServer]TCPPort is set.
package httpserver

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/NVIDIA/fsrelay/conf"
	"github.com/NVIDIA/fsrelay/logger"
	"github.com/NVIDIA/fsrelay/transitions"
)

type globalsStruct struct {
	sync.Mutex
	active        bool
	ipAddr        string
	tcpPort       uint16
	ipAddrTCPPort string
	netListener   net.Listener
	wg            sync.WaitGroup
	confMap       conf.ConfMap
}

var globals globalsStruct

func init() {
	transitions.Register("httpserver", &globals)
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	globals.confMap = confMap

	tcpPortAsUint32, err := confMap.FetchOptionValueUint32("HTTPServer", "TCPPort")
	if nil != err {
		logger.Infof("[HTTPServer]TCPPort not set; status pages disabled")
		err = nil
		return
	}
	if (0 == tcpPortAsUint32) || (0xFFFF < tcpPortAsUint32) {
		err = fmt.Errorf("[HTTPServer]TCPPort (%d) out of range", tcpPortAsUint32)
		return
	}
	globals.tcpPort = uint16(tcpPortAsUint32)

	globals.ipAddr, err = confMap.FetchOptionValueString("HTTPServer", "IPAddr")
	if nil != err {
		globals.ipAddr = "localhost"
	}

	globals.ipAddrTCPPort = net.JoinHostPort(globals.ipAddr, strconv.Itoa(int(globals.tcpPort)))

	globals.netListener, err = net.Listen("tcp", globals.ipAddrTCPPort)
	if nil != err {
		err = fmt.Errorf("net.Listen(\"tcp\", \"%s\") failed: %v", globals.ipAddrTCPPort, err)
		return
	}

	globals.Lock()
	globals.active = true
	globals.Unlock()

	globals.wg.Add(1)
	go serveHTTP()

	logger.Infof("status pages served at http://%s/", globals.ipAddrTCPPort)
	return
}

func (dummy *globalsStruct) ServeVolume(confMap conf.ConfMap, volumeName string) (err error) {
	return nil
}

func (dummy *globalsStruct) UnserveVolume(confMap conf.ConfMap, volumeName string) (err error) {
	return nil
}

// SignaledStart and SignaledFinish stop serving requests while volumes are
// unserved and re-served.
func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.active = false
	globals.Unlock()
	return nil
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.confMap = confMap
	globals.active = (nil != globals.netListener)
	globals.Unlock()
	return nil
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.active = false
	netListener := globals.netListener
	globals.netListener = nil
	globals.Unlock()

	if nil == netListener {
		return
	}

	err = netListener.Close()

	globals.wg.Wait()
	return
}
