// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStackTraceToGoId(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(uint64(19), StackTraceToGoId([]byte("goroutine 19 [running]:\nmain.main()")))
	assert.Equal(uint64(0), StackTraceToGoId([]byte("garbage")))
	assert.NotEqual(uint64(0), GetGoId())
}

func testFuncPackageCaller() (fn string, pkg string) {
	fn, pkg, _ = GetFuncPackage(0)
	return
}

func TestGetFuncPackage(t *testing.T) {
	fn, pkg := testFuncPackageCaller()

	assert.Equal(t, "utils", pkg)
	assert.Equal(t, "testFuncPackageCaller", fn)
	assert.Equal(t, "utils.TestGetFuncPackage", GetFnName())
}

func TestStopwatch(t *testing.T) {
	assert := assert.New(t)

	sw := NewStopwatch()
	assert.True(sw.IsRunning)

	time.Sleep(10 * time.Millisecond)

	elapsed := sw.Stop()
	assert.False(sw.IsRunning)
	assert.True(elapsed >= 10*time.Millisecond)
	assert.Equal(elapsed, sw.Elapsed())

	sw.Restart()
	assert.True(sw.IsRunning)
	assert.True(sw.Elapsed() < elapsed)
}
