// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package, calling function and goroutine id to all logs.
//
// Logging of trace logs is enabled/disabled on a per package basis via
// Logging.TraceLevelLogging.
package logger

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/fsrelay/utils"
)

type Level int

const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel

	// TraceLevel logs are emitted at logrus.InfoLevel but only for packages
	// whose trace setting is enabled
	TraceLevel
)

// Log fields supported by logger:
const (
	packageKey  string = "package"
	functionKey string = "function"
	errorKey    string = "error"
	gidKey      string = "goroutine"
	volumeKey   string = "volume"
)

var (
	traceSettingsLock sync.RWMutex
	traceLevelEnabled bool

	// packageTraceSettings controls whether tracing is enabled for particular packages.
	// A package must be present in this map for Logging.TraceLevelLogging to enable it.
	packageTraceSettings = map[string]bool{
		"httpserver":   false,
		"iomgr":        false,
		"logger":       false,
		"orchestrator": false,
		"publisher":    false,
		"registry":     false,
		"relay":        false,
		"relayd":       false,
		"transitions":  false,
		"volume":       false,
	}
)

func setTraceLoggingLevel(confStrSlice []string) {
	traceSettingsLock.Lock()

	for pkg := range packageTraceSettings {
		packageTraceSettings[pkg] = false
	}
	traceLevelEnabled = false

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			traceLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageTraceSettings[pkg]; ok {
				packageTraceSettings[pkg] = true
				traceLevelEnabled = true
			}
		}
	}

	enabled := make([]string, 0)
	if traceLevelEnabled {
		for pkg, isEnabled := range packageTraceSettings {
			if isEnabled {
				enabled = append(enabled, pkg)
			}
		}
	}

	traceSettingsLock.Unlock()

	for _, pkg := range enabled {
		Infof("Package %v trace logging is enabled.", pkg)
	}
}

func traceEnabled(pkg string) (enabled bool) {
	traceSettingsLock.RLock()
	enabled = traceLevelEnabled && packageTraceSettings[pkg]
	traceSettingsLock.RUnlock()
	return
}

var backtraceOneLevel int = 1

func newLogEntry(level int) (entry *log.Entry, pkg string) {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	entry = log.WithFields(log.Fields{
		functionKey: fn,
		packageKey:  pkg,
		gidKey:      gid,
	})
	return
}

func emit(entry *log.Entry, level Level, logString string) {
	switch level {
	case PanicLevel:
		entry.Panic(logString)
	case FatalLevel:
		entry.Fatal(logString)
	case ErrorLevel:
		entry.Error(logString)
	case WarnLevel:
		entry.Warn(logString)
	default:
		entry.Info(logString)
	}
}

func logf(level Level, err error, fields log.Fields, format string, args ...interface{}) {
	entry, pkg := newLogEntry(backtraceOneLevel + 1)

	if (TraceLevel == level) && !traceEnabled(pkg) {
		return
	}

	if nil != err {
		entry = entry.WithField(errorKey, err)
	}
	if nil != fields {
		entry = entry.WithFields(fields)
	}

	emit(entry, level, fmt.Sprintf(format, args...))
}

// EXTERNAL logging APIs
// These APIs are in the style of those provided by the logrus package.

func Infof(format string, args ...interface{}) {
	logf(InfoLevel, nil, nil, format, args...)
}

func Warnf(format string, args ...interface{}) {
	logf(WarnLevel, nil, nil, format, args...)
}

func WarnfWithError(err error, format string, args ...interface{}) {
	logf(WarnLevel, err, nil, format, args...)
}

func Errorf(format string, args ...interface{}) {
	logf(ErrorLevel, nil, nil, format, args...)
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	logf(ErrorLevel, err, nil, format, args...)
}

func Tracef(format string, args ...interface{}) {
	logf(TraceLevel, nil, nil, format, args...)
}

func TracefWithError(err error, format string, args ...interface{}) {
	logf(TraceLevel, err, nil, format, args...)
}

// Fatalf logs and then calls os.Exit(1)
func Fatalf(format string, args ...interface{}) {
	logf(FatalLevel, nil, nil, format, args...)
}

func PanicfWithError(err error, format string, args ...interface{}) {
	logf(PanicLevel, err, nil, format, args...)
}

// VolumeInfof, VolumeWarnf and VolumeErrorf tag the log with the volume name
// so that a single volume's lifecycle can be grepped out of the log.

func VolumeInfof(volumeName string, format string, args ...interface{}) {
	logf(InfoLevel, nil, log.Fields{volumeKey: volumeName}, format, args...)
}

func VolumeWarnfWithError(volumeName string, err error, format string, args ...interface{}) {
	logf(WarnLevel, err, log.Fields{volumeKey: volumeName}, format, args...)
}

func VolumeErrorfWithError(volumeName string, err error, format string, args ...interface{}) {
	logf(ErrorLevel, err, log.Fields{volumeKey: volumeName}, format, args...)
}

func VolumeTracef(volumeName string, format string, args ...interface{}) {
	logf(TraceLevel, nil, log.Fields{volumeKey: volumeName}, format, args...)
}
