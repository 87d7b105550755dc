// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

var (
	pkgNameToGroupName = make(map[string]map[string]interface{})
	statsNameMapLock   sync.Mutex
)

var (
	totalType           = reflect.TypeOf(Total{})
	averageType         = reflect.TypeOf(Average{})
	bucketLog2RoundType = reflect.TypeOf(BucketLog2Round{})
)

func register(pkgName string, statsGroupName string, statsStruct interface{}) {
	if ("" == pkgName) && ("" == statsGroupName) {
		panic(fmt.Sprintf("statistics group must have non-empty pkgName or statsGroupName"))
	}

	if (reflect.TypeOf(statsStruct).Kind() != reflect.Ptr) ||
		(reflect.ValueOf(statsStruct).Elem().Type().Kind() != reflect.Struct) {
		panic(fmt.Sprintf("statsStruct for statistics group '%s' is (%s), should be (*struct)",
			statsGroupName, reflect.TypeOf(statsStruct)))
	}

	structAsValue := reflect.ValueOf(statsStruct).Elem()
	structAsType := structAsValue.Type()

	names := make(map[string]struct{})

	for i := 0; i < structAsType.NumField(); i++ {
		fieldName := structAsType.Field(i).Name
		fieldAsValue := structAsValue.Field(i)

		if !fieldAsValue.CanInterface() {
			continue
		}

		var namePtr *string

		switch structAsType.Field(i).Type {
		case totalType:
			namePtr = &fieldAsValue.Addr().Interface().(*Total).Name
		case averageType:
			namePtr = &fieldAsValue.Addr().Interface().(*Average).Name
		case bucketLog2RoundType:
			namePtr = &fieldAsValue.Addr().Interface().(*BucketLog2Round).Name
		default:
			continue
		}

		if "" == *namePtr {
			*namePtr = fieldName
		}
		*namePtr = scrubName(*namePtr)

		if _, ok := names[*namePtr]; ok {
			panic(fmt.Sprintf("stats '%s' field %s Name '%s' is already in use", statsGroupName, fieldName, *namePtr))
		}
		names[*namePtr] = struct{}{}
	}

	pkgName = scrubName(pkgName)
	statsGroupName = scrubName(statsGroupName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if nil == pkgNameToGroupName[pkgName] {
		pkgNameToGroupName[pkgName] = make(map[string]interface{})
	}
	if _, ok := pkgNameToGroupName[pkgName][statsGroupName]; ok {
		panic(fmt.Sprintf("pkgName '%s' with statsGroupName '%s' is already registered", pkgName, statsGroupName))
	}

	pkgNameToGroupName[pkgName][statsGroupName] = statsStruct
}

func unRegister(pkgName string, statsGroupName string) {
	pkgName = scrubName(pkgName)
	statsGroupName = scrubName(statsGroupName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if nil != pkgNameToGroupName[pkgName] {
		delete(pkgNameToGroupName[pkgName], statsGroupName)

		if 0 == len(pkgNameToGroupName[pkgName]) {
			delete(pkgNameToGroupName, pkgName)
		}
	}
}

func sortedKeys(m map[string]interface{}) (keys []string) {
	keys = make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return
}

func sprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (statValues string) {
	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	pkgNames := []string{scrubName(pkgName)}
	if "*" == pkgName {
		pkgNames = make([]string, 0, len(pkgNameToGroupName))
		for pkg := range pkgNameToGroupName {
			pkgNames = append(pkgNames, pkg)
		}
		sort.Strings(pkgNames)
	}

	for _, pkg := range pkgNames {
		groupNames := []string{scrubName(statsGroupName)}
		if "*" == statsGroupName {
			groupNames = sortedKeys(pkgNameToGroupName[pkg])
		}

		for _, group := range groupNames {
			statsStruct, ok := pkgNameToGroupName[pkg][group]
			if !ok {
				continue
			}
			statValues += sprintStatsStruct(stringFmt, pkg, group, statsStruct)
		}
	}
	return
}

func sprintStatsStruct(stringFmt StatStringFormat, pkgName string, statsGroupName string, statsStruct interface{}) (statValues string) {
	structAsValue := reflect.ValueOf(statsStruct).Elem()

	for i := 0; i < structAsValue.NumField(); i++ {
		if !structAsValue.Field(i).CanInterface() {
			continue
		}
		switch v := structAsValue.Field(i).Addr().Interface().(type) {
		case *Total:
			statValues += v.Sprint(stringFmt, pkgName, statsGroupName)
		case *Average:
			statValues += v.Sprint(stringFmt, pkgName, statsGroupName)
		case *BucketLog2Round:
			statValues += v.Sprint(stringFmt, pkgName, statsGroupName)
		}
	}
	return
}

func statisticName(stringFmt StatStringFormat, pkgName string, statsGroupName string, fieldName string) string {
	switch {
	case "" == pkgName:
		return statsGroupName + "." + fieldName
	case "" == statsGroupName:
		return pkgName + "." + fieldName
	}
	return pkgName + "." + statsGroupName + "." + fieldName
}

func (this *Total) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(stringFmt, pkgName, statsGroupName, this.Name)

	return fmt.Sprintf("%s total:%d\n", statName, this.TotalGet())
}

func (this *Average) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(stringFmt, pkgName, statsGroupName, this.Name)

	return fmt.Sprintf("%s total:%d count:%d avg:%d\n", statName, this.TotalGet(), this.CountGet(), this.AverageGet())
}

func (this *BucketLog2Round) distGet() (bucketInfo []BucketInfo) {
	lastIdx := -1
	counts := make([]uint64, len(this.statBuckets))
	for idx := range this.statBuckets {
		counts[idx] = atomic.LoadUint64(&this.statBuckets[idx])
		if 0 != counts[idx] {
			lastIdx = idx
		}
	}

	bucketInfo = make([]BucketInfo, lastIdx+1)
	for idx := 0; idx <= lastIdx; idx++ {
		bucketInfo[idx].Count = counts[idx]
		if 0 == idx {
			continue
		}
		nominal := uint64(1) << uint(idx-1)
		bucketInfo[idx].NominalVal = nominal
		bucketInfo[idx].RangeLow = uint64(math.Ceil(float64(nominal) / math.Sqrt2))
		bucketInfo[idx].RangeHigh = uint64(math.Ceil(float64(nominal)*math.Sqrt2)) - 1
	}
	if 1 < len(bucketInfo) {
		bucketInfo[1].RangeLow = 1
	}
	return
}

func (this *BucketLog2Round) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(stringFmt, pkgName, statsGroupName, this.Name)

	line := fmt.Sprintf("%s total:%d count:%d avg:%d", statName, this.TotalGet(), this.CountGet(), this.AverageGet())

	for idx, bucket := range this.distGet() {
		if idx < 11 {
			line += fmt.Sprintf(" %d:%d", bucket.NominalVal, bucket.Count)
		} else {
			line += fmt.Sprintf(" 2^%d:%d", idx-1, bucket.Count)
		}
	}
	return line + "\n"
}

// Replace illegal characters in names with underbar (`_`)
//
func scrubName(name string) string {
	// Names should include only printable characters that are not
	// whitespace. Also disallow splat ('*') (wildcard for group names),
	// sharp ('#') and colon (':') (delimiter in "key:value" output).
	replaceChar := func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return '_'
		case !unicode.IsPrint(r):
			return '_'
		case r == '*':
			return '_'
		case r == ':':
			return '_'
		case r == '#':
			return '_'
		}
		return r
	}

	return strings.Map(replaceChar, name)
}
