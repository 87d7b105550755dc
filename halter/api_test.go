// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package halter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPI(t *testing.T) {
	assert := assert.New(t)

	defer DisarmAll()

	assert.Equal(0, len(Dump()))

	err := Arm("halter.testHaltLabel0", 1, nil)
	if assert.NotNil(err) {
		assert.Equal("halter.Arm(haltLabelString='halter.testHaltLabel0',,) - label unknown", err.Error())
	}

	err = Arm("halter.testHaltLabel1", 0, nil)
	if assert.NotNil(err) {
		assert.Equal("halter.Arm(haltLabel==halter.testHaltLabel1,,) called with haltAfterCount==0", err.Error())
	}

	assert.Nil(Arm("halter.testHaltLabel1", 1, nil))
	injected := fmt.Errorf("injected")
	assert.Nil(Arm("halter.testHaltLabel2", 2, injected))
	assert.Equal(map[string]uint32{"halter.testHaltLabel1": 1, "halter.testHaltLabel2": 2}, Dump())

	err = Trigger(apiTestHaltLabel1)
	if assert.NotNil(err) {
		assert.Equal("halter.Trigger(haltLabelString==halter.testHaltLabel1) triggered HALT", err.Error())
	}
	assert.Nil(Trigger(apiTestHaltLabel1))

	assert.Nil(Trigger(apiTestHaltLabel2))
	assert.Equal(map[string]uint32{"halter.testHaltLabel2": 1}, Dump())
	assert.Equal(injected, Trigger(apiTestHaltLabel2))
	assert.Nil(Trigger(apiTestHaltLabel2))

	assert.Nil(Arm("iomgr.CreateDevice", 3, nil))
	Disarm("iomgr.CreateDevice")
	Disarm("iomgr.NoSuchLabel")
	assert.Equal(0, len(Dump()))

	list := List()
	assert.Equal(len(HaltLabelStrings), len(list))
	assert.Contains(list, "iomgr.NotifyVolumeArrival")
}
