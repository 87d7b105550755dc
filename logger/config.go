// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/fsrelay/conf"
)

var logFile *os.File

// Up configures log destination and trace settings from the [Logging] section.
// It is called by package transitions ahead of every other registered package.
func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")
	if "" != logFilePath {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if nil != err {
			log.Errorf("couldn't open log file: %v", err)
			return
		}
	}

	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = false
		err = nil
	}

	if nil != logFile {
		if logToConsole {
			log.SetOutput(io.MultiWriter(logFile, os.Stderr))
		} else {
			log.SetOutput(logFile)
		}
	}
	// else: accept default destination of stderr

	// logrus always runs wide open; this package decides what is emitted
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	return
}

// SignaledStart and SignaledFinish allow trace settings to change on SIGHUP
func SignaledStart(confMap conf.ConfMap) (err error) {
	return
}

func SignaledFinish(confMap conf.ConfMap) (err error) {
	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)
	return
}

func Down(confMap conf.ConfMap) (err error) {
	if nil != logFile {
		log.SetOutput(os.Stderr)
		err = logFile.Close()
		logFile = nil
	}
	return
}
