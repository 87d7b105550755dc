// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"fmt"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/fsrelay/blunder"
	"github.com/NVIDIA/fsrelay/logger"
)

func (data *Data) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsString = key.(string)
	return
}

func (data *Data) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	valueAsString = fmt.Sprintf("%d", value.(*FileContext).OpenCount)
	return
}

func (pair *Pair) openFileContext(path string) (fileContext *FileContext, err error) {
	if Mounted != pair.mountFlagGet() {
		err = blunder.NewError(blunder.DeviceWithdrawnError, "%s is not mounted", pair.name())
		return
	}

	pair.Data.Resource.Lock()
	defer pair.Data.Resource.Unlock()

	value, ok, err := pair.Data.directory.GetByKey(path)
	if nil != err {
		logger.PanicfWithError(err, "%s directory GetByKey(%s) failed", pair.name(), path)
	}
	if ok {
		fileContext = value.(*FileContext)
		fileContext.OpenCount++
		return
	}

	fileContext = &FileContext{Path: path, OpenCount: 1}

	_, err = pair.Data.directory.Put(path, fileContext)
	if nil != err {
		logger.PanicfWithError(err, "%s directory Put(%s) failed", pair.name(), path)
	}
	return
}

func (pair *Pair) closeFileContext(path string) (err error) {
	pair.Data.Resource.Lock()
	defer pair.Data.Resource.Unlock()

	value, ok, err := pair.Data.directory.GetByKey(path)
	if nil != err {
		logger.PanicfWithError(err, "%s directory GetByKey(%s) failed", pair.name(), path)
	}
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "%s has no open file context for %s", pair.name(), path)
		return
	}

	fileContext := value.(*FileContext)
	fileContext.OpenCount--
	if 0 < fileContext.OpenCount {
		return
	}

	_, err = pair.Data.directory.DeleteByKey(path)
	if nil != err {
		logger.PanicfWithError(err, "%s directory DeleteByKey(%s) failed", pair.name(), path)
	}
	return
}

func (pair *Pair) lookupFileContext(path string) (fileContext FileContext, ok bool) {
	pair.Data.Resource.RLock()
	defer pair.Data.Resource.RUnlock()

	value, ok, err := pair.Data.directory.GetByKey(path)
	if nil != err {
		logger.PanicfWithError(err, "%s directory GetByKey(%s) failed", pair.name(), path)
	}
	if ok {
		fileContext = *value.(*FileContext)
	}
	return
}

func (pair *Pair) fileContextPaths() (paths []string) {
	pair.Data.Resource.RLock()
	defer pair.Data.Resource.RUnlock()

	numPaths, err := pair.Data.directory.Len()
	if nil != err {
		logger.PanicfWithError(err, "%s directory Len() failed", pair.name())
	}

	paths = make([]string, 0, numPaths)

	for index := 0; index < numPaths; index++ {
		key, _, ok, err := pair.Data.directory.GetByIndex(index)
		if nil != err {
			logger.PanicfWithError(err, "%s directory GetByIndex(%d) failed", pair.name(), index)
		}
		if !ok {
			break
		}
		paths = append(paths, key.(string))
	}
	return
}

func (pair *Pair) clearDirectory() (cleared int) {
	pair.Data.Resource.Lock()
	defer pair.Data.Resource.Unlock()

	cleared, err := pair.Data.directory.Len()
	if nil != err {
		logger.PanicfWithError(err, "%s directory Len() failed", pair.name())
	}

	pair.Data.directory = sortedmap.NewLLRBTree(sortedmap.CompareString, &pair.Data)
	return
}
