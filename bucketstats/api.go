// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package bucketstats implements easy to use statistics collection and
// reporting, including bucketized statistics.
//
// Statistics are grouped into a struct whose fields are Total, Average or
// BucketLog2Round values. The struct is registered (by reference) under a
// package name and a group name and can then be printed with SprintStats().
//
//   type queueStatsStruct struct {
//       Enqueues     bucketstats.Total
//       WaitUsec     bucketstats.BucketLog2Round
//   }
//
//   bucketstats.Register("relay", "mount7.PendingIrp", &queueStats)
//
// Updates are lock free and may be made before or after registration.
package bucketstats

import (
	"math"
	"math/bits"
	"sync/atomic"
)

type StatStringFormat int

const (
	StatsFormatHumanReadable StatStringFormat = iota
)

// A Totaler can be incremented, or added to, and tracks the total value of all
// values added.
type Totaler interface {
	Increment()
	Add(value uint64)
	TotalGet() (total uint64)
	Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string)
}

// An Averager is a Totaler with an average (mean) function added.
type Averager interface {
	Totaler
	CountGet() (count uint64)
	AverageGet() (avg uint64)
}

// BucketInfo describes one bucket of a bucketized statistic.
type BucketInfo struct {
	Count      uint64
	NominalVal uint64
	RangeLow   uint64
	RangeHigh  uint64
}

// A Bucketer is an Averager which also tracks the distribution of values.
type Bucketer interface {
	Averager
	DistGet() []BucketInfo
}

// Register and initialize a set of statistics.
//
// statsStruct is a pointer to a struct which has one or more fields holding
// statistics. The field name is used as the statistic name unless Name is
// already set.
//
// Registering a pkgName/statsGroupName pair that is already registered panics.
//
func Register(pkgName string, statsGroupName string, statsStruct interface{}) {
	register(pkgName, statsGroupName, statsStruct)
}

// UnRegister a set of statistics. Unregistering a group that is not registered
// is silently ignored.
//
func UnRegister(pkgName string, statsGroupName string) {
	unRegister(pkgName, statsGroupName)
}

// SprintStats returns the statistics for the given pkgName and statsGroupName
// as a string, one statistic per line. "*" matches every package or group.
//
func SprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string) {
	return sprintStats(stringFmt, pkgName, statsGroupName)
}

// Total is a simple total that can be incremented or added to.
type Total struct {
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (this *Total) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
}

func (this *Total) Increment() {
	atomic.AddUint64(&this.total, 1)
}

func (this *Total) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *Total) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}

// Average counts a number of items and their average size.
type Average struct {
	count uint64 // Ensure 64-bit alignment
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (this *Average) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
	atomic.AddUint64(&this.count, 1)
}

func (this *Average) Increment() {
	this.Add(1)
}

func (this *Average) CountGet() uint64 {
	return atomic.LoadUint64(&this.count)
}

func (this *Average) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *Average) AverageGet() uint64 {
	count := atomic.LoadUint64(&this.count)
	if 0 == count {
		return 0
	}
	return atomic.LoadUint64(&this.total) / count
}

func (this *Average) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}

// BucketLog2Round holds a distribution of values in power-of-2 buckets with
// rounding: bucket 0 holds 0, bucket n (n >= 1) holds values nearest to 2^(n-1).
// The total and average are exact.
//
type BucketLog2Round struct {
	Name        string
	total       uint64 // Ensure 64-bit alignment
	count       uint64 // Ensure 64-bit alignment
	statBuckets [65]uint64
}

func log2RoundIdx(value uint64) int {
	if 0 == value {
		return 0
	}
	if value < (1 << 52) {
		return int(math.Round(math.Log2(float64(value)))) + 1
	}
	return bits.Len64(value)
}

func (this *BucketLog2Round) Add(value uint64) {
	atomic.AddUint64(&this.statBuckets[log2RoundIdx(value)], 1)
	atomic.AddUint64(&this.total, value)
	atomic.AddUint64(&this.count, 1)
}

func (this *BucketLog2Round) Increment() {
	this.Add(1)
}

func (this *BucketLog2Round) CountGet() uint64 {
	return atomic.LoadUint64(&this.count)
}

func (this *BucketLog2Round) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *BucketLog2Round) AverageGet() uint64 {
	count := atomic.LoadUint64(&this.count)
	if 0 == count {
		return 0
	}
	return atomic.LoadUint64(&this.total) / count
}

// DistGet returns the distribution up to and including the highest non-empty bucket.
func (this *BucketLog2Round) DistGet() []BucketInfo {
	return this.distGet()
}

func (this *BucketLog2Round) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}
