// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides miscellaneous utilities for fsrelay.
package utils

import (
	"bytes"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

var (
	extractFnNameRE   = regexp.MustCompile(`[^\/]*$`)
	extractPkgNameRE  = regexp.MustCompile(`^[^.]*`)
	extractLeafNameRE = regexp.MustCompile(`[^.]*$`)
)

// GetGoId returns the goroutine id of the caller.
//
// Goroutine ids are only used to annotate logs and lock tracking reports.
//
func GetGoId() uint64 {
	var buf [64]byte

	return StackTraceToGoId(buf[:runtime.Stack(buf[:], false)])
}

// StackTraceToGoId extracts the goroutine id from the first line of a stack
// trace as returned by runtime.Stack() (e.g. "goroutine 19 [running]:").
//
func StackTraceToGoId(stackTrace []byte) (goId uint64) {
	b := bytes.TrimPrefix(stackTrace, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	goId, _ = strconv.ParseUint(string(b[:i]), 10, 64)
	return
}

// getAFnName returns "package.Function" for the caller level levels up the stack.
func getAFnName(level int) string {
	pc, _, _, ok := runtime.Caller(level + 1)
	if !ok {
		return ""
	}
	functionObject := runtime.FuncForPC(pc)
	if nil == functionObject {
		return ""
	}
	return extractFnNameRE.FindString(functionObject.Name())
}

// GetFuncPackage returns the function and package names along with the
// goroutine id of the caller level levels up the stack.
//
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	funcPkg := getAFnName(level + 1)

	pkg = extractPkgNameRE.FindString(funcPkg)
	fn = extractLeafNameRE.FindString(funcPkg)
	gid = GetGoId()

	return
}

// GetFnName returns the name of the running function and its package.
func GetFnName() string {
	return getAFnName(1)
}

// Stopwatch measures the time between Start (creation or Restart) and Stop.
type Stopwatch struct {
	StartTime   time.Time
	StopTime    time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	sw.StopTime = time.Now()

	if sw.IsRunning {
		sw.ElapsedTime = sw.StopTime.Sub(sw.StartTime)
		sw.IsRunning = false
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) Restart() {
	if !sw.IsRunning {
		sw.ElapsedTime = 0
		sw.StartTime = time.Now()
		sw.StopTime = time.Time{}
		sw.IsRunning = true
	}
}

func (sw *Stopwatch) Elapsed() time.Duration {
	if !sw.IsRunning {
		return sw.ElapsedTime
	}
	return time.Since(sw.StartTime)
}

func (sw *Stopwatch) ElapsedUs() int64 {
	return int64(sw.Elapsed() / time.Microsecond)
}

func (sw *Stopwatch) ElapsedString() string {
	return sw.Elapsed().String()
}
