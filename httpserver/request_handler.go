// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/fsrelay/bucketstats"
	"github.com/NVIDIA/fsrelay/halter"
	"github.com/NVIDIA/fsrelay/logger"
	"github.com/NVIDIA/fsrelay/orchestrator"
	"github.com/NVIDIA/fsrelay/transitions"
	"github.com/NVIDIA/fsrelay/volume"
)

// VolumeStatusJSONPackedStruct describes one element of the JSON-encoded /volumes GET body
type VolumeStatusJSONPackedStruct struct {
	Name                 string `json:"name,omitempty"`
	MountID              uint64 `json:"mount id"`
	BaseGuid             string `json:"base guid"`
	DeviceType           string `json:"device type"`
	State                string `json:"state"`
	DiskDeviceName       string `json:"disk device"`
	FileSystemDeviceName string `json:"filesystem device"`
	SymbolicLinkName     string `json:"symbolic link"`
	PendingIrp           int    `json:"pending irp"`
	PendingEvent         int    `json:"pending event"`
	NotifyEvent          int    `json:"notify event"`
}

// VolumeDetailJSONPackedStruct is the JSON-encoded /volume/<id> GET body
type VolumeDetailJSONPackedStruct struct {
	VolumeStatusJSONPackedStruct
	Interfaces   []string `json:"interfaces"`
	FileContexts []string `json:"file contexts"`
}

// TriggerJSONPackedStruct describes one element of the JSON-encoded /trigger GET body
type TriggerJSONPackedStruct struct {
	Label string `json:"label"`
	Count uint32 `json:"count"`
}

type httpRequestHandler struct{}

func serveHTTP() {
	_ = http.Serve(globals.netListener, httpRequestHandler{})
	globals.wg.Done()
}

func (h httpRequestHandler) ServeHTTP(responseWriter http.ResponseWriter, request *http.Request) {
	globals.Lock()
	if globals.active {
		switch request.Method {
		case http.MethodGet:
			doGet(responseWriter, request)
		case http.MethodPost:
			doPost(responseWriter, request)
		default:
			responseWriter.WriteHeader(http.StatusMethodNotAllowed)
		}
	} else {
		responseWriter.WriteHeader(http.StatusServiceUnavailable)
	}
	globals.Unlock()
}

func doGet(responseWriter http.ResponseWriter, request *http.Request) {
	path := strings.TrimRight(request.URL.Path, "/")

	switch {
	case "/config" == path:
		doGetOfConfig(responseWriter, request)
	case "/metrics" == path:
		doGetOfMetrics(responseWriter, request)
	case "/stats" == path:
		doGetOfStats(responseWriter, request)
	case "/trigger" == path:
		doGetOfTrigger(responseWriter, request)
	case "/volumes" == path:
		doGetOfVolumes(responseWriter, request)
	case strings.HasPrefix(path, "/volume/"):
		doGetOfVolume(responseWriter, request, strings.TrimPrefix(path, "/volume/"))
	default:
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}

func sendCompact(request *http.Request) (compact bool) {
	paramList, ok := request.URL.Query()["compact"]
	if ok && (0 < len(paramList)) {
		compact = !((paramList[0] == "") || (paramList[0] == "0") || (paramList[0] == "false"))
	}
	return
}

func writeJSON(responseWriter http.ResponseWriter, request *http.Request, v interface{}) {
	var (
		indented bytes.Buffer
	)

	packed, err := json.Marshal(v)
	if nil != err {
		logger.ErrorfWithError(err, "json.Marshal(%T) failed", v)
		responseWriter.WriteHeader(http.StatusInternalServerError)
		return
	}

	responseWriter.Header().Set("Content-Type", "application/json")
	responseWriter.WriteHeader(http.StatusOK)

	if sendCompact(request) {
		_, _ = responseWriter.Write(packed)
	} else {
		_ = json.Indent(&indented, packed, "", "\t")
		_, _ = responseWriter.Write(indented.Bytes())
		_, _ = responseWriter.Write([]byte("\n"))
	}
}

func doGetOfConfig(responseWriter http.ResponseWriter, request *http.Request) {
	writeJSON(responseWriter, request, globals.confMap)
}

func doGetOfStats(responseWriter http.ResponseWriter, request *http.Request) {
	responseWriter.Header().Set("Content-Type", "text/plain")
	responseWriter.WriteHeader(http.StatusOK)
	_, _ = responseWriter.Write([]byte(bucketstats.SprintStats(bucketstats.StatsFormatHumanReadable, "*", "*")))
}

func doGetOfMetrics(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		memStats runtime.MemStats
	)

	statsMap := make(map[string]uint64)

	runtime.ReadMemStats(&memStats)

	statsMap["go_runtime_MemStats_Alloc"] = memStats.Alloc
	statsMap["go_runtime_MemStats_HeapInuse"] = memStats.HeapInuse
	statsMap["go_runtime_MemStats_HeapObjects"] = memStats.HeapObjects
	statsMap["go_runtime_MemStats_NumGC"] = uint64(memStats.NumGC)
	statsMap["go_runtime_NumGoroutine"] = uint64(runtime.NumGoroutine())

	global := orchestrator.Registry()
	if nil != global {
		statsMap["relay_volumes"] = uint64(global.VolumeCount())
		statsMap["relay_global_PendingService"] = uint64(global.PendingService.Len())
		statsMap["relay_global_NotifyService"] = uint64(global.NotifyService.Len())

		for _, pair := range global.EnumerateVolumes() {
			statsMap["relay_"+pair.Name()+"_PendingIrp"] = uint64(pair.Control.PendingIrp.Len())
			statsMap["relay_"+pair.Name()+"_PendingEvent"] = uint64(pair.Control.PendingEvent.Len())
			statsMap["relay_"+pair.Name()+"_NotifyEvent"] = uint64(pair.Control.NotifyEvent.Len())
		}
	}

	statsLLRB := sortedmap.NewLLRBTree(sortedmap.CompareString, nil)

	for statKey, statValueAsUint64 := range statsMap {
		statValueAsString := fmt.Sprintf("%v", statValueAsUint64)
		ok, err := statsLLRB.Put(statKey, statValueAsString)
		if nil != err {
			err = fmt.Errorf("statsLLRB.Put(%v, %v) failed: %v", statKey, statValueAsString, err)
			logger.Fatalf("HTTP Server Logic Error: %v", err)
		}
		if !ok {
			err = fmt.Errorf("statsLLRB.Put(%v, %v) returned ok == false", statKey, statValueAsString)
			logger.Fatalf("HTTP Server Logic Error: %v", err)
		}
	}

	sortedTwoColumnResponseWriter(statsLLRB, responseWriter)
}

func doGetOfTrigger(responseWriter http.ResponseWriter, request *http.Request) {
	armedTriggers := halter.Dump()
	availableTriggers := halter.List()

	triggers := make([]TriggerJSONPackedStruct, 0, len(availableTriggers))

	for _, label := range availableTriggers {
		triggers = append(triggers, TriggerJSONPackedStruct{Label: label, Count: armedTriggers[label]})
	}

	writeJSON(responseWriter, request, triggers)
}

// servedVolumeNames maps mount id to the Relay.VolumeList name serving it.
func servedVolumeNames() (names map[uint64]string) {
	names = make(map[uint64]string)

	for _, volumeName := range transitions.ServedVolumes() {
		pair, ok := orchestrator.ServedVolume(volumeName)
		if ok {
			names[pair.MountID()] = volumeName
		}
	}
	return
}

func volumeStatus(pair *volume.Pair, name string) (status VolumeStatusJSONPackedStruct) {
	status = VolumeStatusJSONPackedStruct{
		Name:                 name,
		MountID:              pair.MountID(),
		BaseGuid:             pair.Control.BaseGuid.String(),
		DeviceType:           pair.Control.DeviceType.String(),
		State:                pair.State().String(),
		DiskDeviceName:       pair.Control.DiskDeviceName,
		FileSystemDeviceName: pair.Control.FileSystemDeviceName,
		SymbolicLinkName:     pair.Control.SymbolicLinkName,
		PendingIrp:           pair.Control.PendingIrp.Len(),
		PendingEvent:         pair.Control.PendingEvent.Len(),
		NotifyEvent:          pair.Control.NotifyEvent.Len(),
	}
	return
}

func doGetOfVolumes(responseWriter http.ResponseWriter, request *http.Request) {
	global := orchestrator.Registry()
	if nil == global {
		responseWriter.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	names := servedVolumeNames()

	volumeLLRB := sortedmap.NewLLRBTree(sortedmap.CompareUint64, nil)

	for _, pair := range global.EnumerateVolumes() {
		ok, err := volumeLLRB.Put(pair.MountID(), volumeStatus(pair, names[pair.MountID()]))
		if nil != err {
			logger.Fatalf("HTTP Server Logic Error: volumeLLRB.Put(%v,) failed: %v", pair.MountID(), err)
		}
		if !ok {
			logger.Fatalf("HTTP Server Logic Error: volumeLLRB.Put(%v,) returned ok == false", pair.MountID())
		}
	}

	numVolumes, err := volumeLLRB.Len()
	if nil != err {
		logger.Fatalf("HTTP Server Logic Error: volumeLLRB.Len() failed: %v", err)
	}

	volumes := make([]VolumeStatusJSONPackedStruct, 0, numVolumes)

	for i := 0; i < numVolumes; i++ {
		_, value, ok, err := volumeLLRB.GetByIndex(i)
		if nil != err {
			logger.Fatalf("HTTP Server Logic Error: volumeLLRB.GetByIndex(%v) failed: %v", i, err)
		}
		if !ok {
			logger.Fatalf("HTTP Server Logic Error: volumeLLRB.GetByIndex(%v) returned ok == false", i)
		}
		volumes = append(volumes, value.(VolumeStatusJSONPackedStruct))
	}

	writeJSON(responseWriter, request, volumes)
}

func doGetOfVolume(responseWriter http.ResponseWriter, request *http.Request, mountIDAsString string) {
	global := orchestrator.Registry()
	if nil == global {
		responseWriter.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	mountID, err := strconv.ParseUint(mountIDAsString, 10, 64)
	if nil != err {
		responseWriter.WriteHeader(http.StatusBadRequest)
		return
	}

	pair, ok := global.LookupVolume(mountID)
	if !ok {
		responseWriter.WriteHeader(http.StatusNotFound)
		return
	}

	detail := VolumeDetailJSONPackedStruct{
		VolumeStatusJSONPackedStruct: volumeStatus(pair, servedVolumeNames()[mountID]),
		Interfaces:                   pair.InterfaceNames(),
		FileContexts:                 pair.FileContextPaths(),
	}

	writeJSON(responseWriter, request, detail)
}

func doPost(responseWriter http.ResponseWriter, request *http.Request) {
	switch {
	case strings.HasPrefix(request.URL.Path, "/trigger/"):
		doPostOfTrigger(responseWriter, request)
	default:
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}

func doPostOfTrigger(responseWriter http.ResponseWriter, request *http.Request) {
	haltTriggerString := strings.TrimRight(strings.TrimPrefix(request.URL.Path, "/trigger/"), "/")

	haltTriggerCountAsU64, err := strconv.ParseUint(request.FormValue("count"), 10, 32)
	if nil != err {
		responseWriter.WriteHeader(http.StatusBadRequest)
		return
	}

	if 0 == haltTriggerCountAsU64 {
		halter.Disarm(haltTriggerString)
	} else {
		err = halter.Arm(haltTriggerString, uint32(haltTriggerCountAsU64), nil)
		if nil != err {
			responseWriter.WriteHeader(http.StatusNotFound)
			return
		}
	}

	responseWriter.WriteHeader(http.StatusNoContent)
}

func sortedTwoColumnResponseWriter(llrb sortedmap.LLRBTree, responseWriter http.ResponseWriter) {
	var (
		longestKeyAsString   int
		longestValueAsString int
	)

	lenLLRB, err := llrb.Len()
	if nil != err {
		logger.Fatalf("HTTP Server Logic Error: llrb.Len() failed: %v", err)
	}

	keys := make([]string, lenLLRB)
	values := make([]string, lenLLRB)

	for i := 0; i < lenLLRB; i++ {
		keyAsKey, valueAsValue, ok, err := llrb.GetByIndex(i)
		if nil != err {
			logger.Fatalf("HTTP Server Logic Error: llrb.GetByIndex(%v) failed: %v", i, err)
		}
		if !ok {
			logger.Fatalf("HTTP Server Logic Error: llrb.GetByIndex(%v) returned ok == false", i)
		}
		keys[i] = keyAsKey.(string)
		values[i] = valueAsValue.(string)
		if len(keys[i]) > longestKeyAsString {
			longestKeyAsString = len(keys[i])
		}
		if len(values[i]) > longestValueAsString {
			longestValueAsString = len(values[i])
		}
	}

	responseWriter.Header().Set("Content-Type", "text/plain")
	responseWriter.WriteHeader(http.StatusOK)

	format := fmt.Sprintf("%%-%vs %%%vs\n", longestKeyAsString, longestValueAsString)

	for i := 0; i < lenLLRB; i++ {
		_, _ = responseWriter.Write([]byte(fmt.Sprintf(format, keys[i], values[i])))
	}
}
