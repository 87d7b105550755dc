// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type testStatsStruct struct {
	Enqueues  Total
	PayloadSz Average
	WaitUsec  BucketLog2Round
	Renamed   Total
	notAStat  int
}

func TestTables(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(0, log2RoundIdx(0))
	assert.Equal(1, log2RoundIdx(1))
	assert.Equal(2, log2RoundIdx(2))
	assert.Equal(3, log2RoundIdx(3))
	assert.Equal(3, log2RoundIdx(4))
	assert.Equal(3, log2RoundIdx(5))
	assert.Equal(4, log2RoundIdx(6))
	assert.Equal(11, log2RoundIdx(1024))
	assert.Equal(64, log2RoundIdx(1<<63))
}

func TestRegisterAndSprint(t *testing.T) {
	assert := assert.New(t)

	stats := &testStatsStruct{}
	stats.Renamed.Name = "Cancels"

	Register("relay", "mount 7", stats)
	defer UnRegister("relay", "mount 7")

	assert.Equal("Enqueues", stats.Enqueues.Name)
	assert.Equal("Cancels", stats.Renamed.Name)

	stats.Enqueues.Increment()
	stats.Enqueues.Add(2)
	assert.Equal(uint64(3), stats.Enqueues.TotalGet())

	assert.Equal(uint64(0), stats.PayloadSz.AverageGet())
	stats.PayloadSz.Add(10)
	stats.PayloadSz.Add(20)
	assert.Equal(uint64(15), stats.PayloadSz.AverageGet())
	assert.Equal(uint64(2), stats.PayloadSz.CountGet())

	stats.WaitUsec.Add(0)
	stats.WaitUsec.Add(1)
	stats.WaitUsec.Add(4)
	stats.WaitUsec.Add(5)
	assert.Equal(uint64(4), stats.WaitUsec.CountGet())
	assert.Equal(uint64(10), stats.WaitUsec.TotalGet())

	dist := stats.WaitUsec.DistGet()
	if assert.Equal(4, len(dist)) {
		assert.Equal(uint64(1), dist[0].Count)
		assert.Equal(uint64(1), dist[1].Count)
		assert.Equal(uint64(0), dist[2].Count)
		assert.Equal(uint64(2), dist[3].Count)
		assert.Equal(uint64(4), dist[3].NominalVal)
	}

	out := SprintStats(StatsFormatHumanReadable, "relay", "mount 7")
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if assert.Equal(4, len(lines)) {
		assert.Equal("relay.mount_7.Enqueues total:3", lines[0])
		assert.Equal("relay.mount_7.PayloadSz total:30 count:2 avg:15", lines[1])
		assert.Equal("relay.mount_7.WaitUsec total:10 count:4 avg:2 0:1 1:1 2:0 4:2", lines[2])
		assert.Equal("relay.mount_7.Cancels total:0", lines[3])
	}

	assert.Equal(out, SprintStats(StatsFormatHumanReadable, "*", "*"))

	assert.Panics(func() { Register("relay", "mount 7", &testStatsStruct{}) })
	assert.Panics(func() { Register("relay", "other", testStatsStruct{}) })

	UnRegister("relay", "mount 7")
	assert.Equal("", SprintStats(StatsFormatHumanReadable, "relay", "mount 7"))
	UnRegister("relay", "mount 7")
}
