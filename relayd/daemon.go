// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package relayd brings up every registered package via transitions, serves
// the volumes named in Relay.VolumeList, and re-reads its configuration on
// SIGHUP. Any other caught signal shuts it down.
package relayd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/fsrelay/conf"
	"github.com/NVIDIA/fsrelay/logger"
	"github.com/NVIDIA/fsrelay/transitions"

	// Force importing of the following "top-most" package
	_ "github.com/NVIDIA/fsrelay/httpserver"
)

func computeConfMap(confFile string, confStrings []string) (confMap conf.ConfMap, err error) {
	confMap, err = conf.MakeConfMapFromFile(confFile)
	if nil != err {
		return
	}

	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		err = fmt.Errorf("failed to apply config overrides: %v", err)
	}
	return
}

// Daemon is launched as a GoRoutine. During startup, the parent should read
// errChan to await Daemon getting to the point where it is ready to handle the
// specified signal set. Any errors encountered before or after this point
// will be sent to errChan (and be non-nil of course).
func Daemon(confFile string, confStrings []string, errChan chan error, wg *sync.WaitGroup, execArgs []string, signals ...os.Signal) {
	var (
		signalReceived os.Signal
	)

	confMap, err := computeConfMap(confFile, confStrings)
	if nil != err {
		errChan <- err
		return
	}

	// signalChan must be buffered so that signals arriving before
	// transitions.Up() completes are not lost
	signalChan := make(chan os.Signal, 16)

	// if signals is empty it means "catch all signals" it is possible to catch
	signal.Notify(signalChan, signals...)
	defer signal.Stop(signalChan)

	err = transitions.Up(confMap)
	if nil != err {
		errChan <- err
		return
	}

	wg.Add(1)
	logger.Infof("relayd is starting up (PID %d); invoked as '%s'", os.Getpid(), strings.Join(execArgs, "' '"))

	defer func() {
		logger.Infof("relayd is shutting down (PID %d)", os.Getpid())
		downErr := transitions.Down(confMap)
		if nil != downErr {
			logger.Errorf("transitions.Down() failed: %v", downErr)
			if nil == err {
				err = downErr
			}
		}
		errChan <- err
		wg.Done()
	}()

	// indicate transitions finished and signal handlers have been armed successfully
	errChan <- nil

	// Await a signal - reloading confFile each SIGHUP - exiting otherwise
	for {
		signalReceived = <-signalChan
		logger.Infof("Received signal: '%v'", signalReceived)

		// these signals are normally ignored, but if "signals..." above is empty
		// they are delivered via the channel.  we should simply ignore them.
		if signalReceived == unix.SIGCHLD || signalReceived == unix.SIGURG ||
			signalReceived == unix.SIGWINCH || signalReceived == unix.SIGCONT ||
			signalReceived == unix.SIGPIPE {
			logger.Infof("Ignored signal: '%v'", signalReceived)
			continue
		}

		// SIGHUP means reconfig but any other signal means time to exit
		if unix.SIGHUP != signalReceived {
			if signalReceived != unix.SIGTERM && signalReceived != unix.SIGINT {
				logger.Errorf("relayd received unexpected signal: %v", signalReceived)
			}
			return
		}

		newConfMap, confErr := computeConfMap(confFile, confStrings)
		if nil != confErr {
			// Keep serving the configuration already in effect
			logger.ErrorfWithError(confErr, "failed to load updated config")
			continue
		}

		err = transitions.Signaled(newConfMap)
		if nil != err {
			err = fmt.Errorf("transitions.Signaled() failed: %v", err)
			return
		}

		confMap = newConfMap
	}
}
