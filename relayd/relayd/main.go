// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// The relayd program is the relay dæmon and is named accordingly.
package main

import (
	"fmt"
	"log"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/fsrelay/relayd"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("no .conf file specified")
	}

	errChan := make(chan error, 1) // Must be buffered to avoid race
	var wg sync.WaitGroup

	go relayd.Daemon(os.Args[1], os.Args[2:], errChan, &wg, os.Args, unix.SIGHUP, unix.SIGINT, unix.SIGTERM)

	// First report is startup; the second is shutdown
	err := <-errChan
	if nil == err {
		err = <-errChan
	}

	wg.Wait() // wait for services to go Down()

	if nil != err {
		fmt.Fprintf(os.Stderr, "relayd: Daemon(): returned error: %v\n", err) // Can't use logger.*() as it's not currently "up"
		os.Exit(1)
	}
}
