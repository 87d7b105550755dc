// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package conf parses the .INI/.conf style configuration consumed by every
// fsrelay package.
//
// A ConfMap is accessed via confMap[sectionName][optionName][valueIndex] or
// via the FetchOptionValue*() methods below.
//
// Strings (e.g. command line overrides) look like:
//
//   <section_name>.<option_name> =
//   <section_name>.<option_name> : <value>
//   <section_name>.<option_name> = <value_1>, <value_2> <value_3>
//
// Files look like:
//
//   [<section_name>]
//   <option_name> = <value_1>, <value_2>   # trailing comment
//   ; comment line
//
//   .include <path relative to this file>
//
// Section names may contain ':' (e.g. "Volume:VolumeA"). Values may contain
// '\' so that device paths such as \Device\Volume need no quoting.
package conf

import (
	"bufio"
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

type ConfMapOption []string
type ConfMapSection map[string]ConfMapOption
type ConfMap map[string]ConfMapSection

var (
	nameRE           = regexp.MustCompile(`\A[0-9A-Za-z_\-/:\.]+\z`)
	valueSeparatorRE = regexp.MustCompile(`[ \t]*,[ \t]*|[ \t]+`)
)

// MakeConfMap returns an newly created empty ConfMap
func MakeConfMap() (confMap ConfMap) {
	confMap = make(ConfMap)
	return
}

// MakeConfMapFromFile returns a newly created ConfMap loaded with the contents of the confFilePath-specified file
func MakeConfMapFromFile(confFilePath string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromFile(confFilePath)
	return
}

// MakeConfMapFromStrings returns a newly created ConfMap loaded with the contents specified in confStrings
func MakeConfMapFromStrings(confStrings []string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		err = fmt.Errorf("error building confMap from conf strings: %v", err)
	}
	return
}

func splitAssignment(s string) (name string, values []string, ok bool) {
	i := strings.IndexAny(s, "=:")
	// Section names may legitimately contain ':' so the assignment is the
	// first '=' if there is one
	if j := strings.IndexByte(s, '='); j >= 0 {
		i = j
	}
	if i <= 0 {
		return
	}

	name = strings.Trim(s[:i], " \t")
	rest := strings.Trim(s[i+1:], " \t")

	if "" == rest {
		values = []string{}
	} else {
		values = valueSeparatorRE.Split(rest, -1)
	}

	ok = true
	return
}

func (confMap ConfMap) set(sectionName string, optionName string, values []string) {
	section, found := confMap[sectionName]
	if !found {
		section = make(ConfMapSection)
		confMap[sectionName] = section
	}
	section[optionName] = values
}

// UpdateFromString modifies a pre-existing ConfMap based on an update
// specified in confString (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	trimmed := strings.Trim(confString, " \t")
	if "" == trimmed {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}

	sectionAndOption, values, ok := splitAssignment(trimmed)
	if !ok {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	dot := strings.LastIndexByte(sectionAndOption, '.')
	if dot <= 0 || dot == len(sectionAndOption)-1 {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	sectionName := sectionAndOption[:dot]
	optionName := sectionAndOption[dot+1:]

	if !nameRE.MatchString(sectionName) || !nameRE.MatchString(optionName) {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	confMap.set(sectionName, optionName, values)
	return
}

// UpdateFromStrings modifies a pre-existing ConfMap based on an update
// specified in confStrings (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}
	return
}

// UpdateFromFile modifies a pre-existing ConfMap based on updates specified in confFilePath ("-" means stdin)
func (confMap ConfMap) UpdateFromFile(confFilePath string) (err error) {
	var (
		confFileBytes      []byte
		currentSectionName string
		lineNumber         int
	)

	if "-" == confFilePath {
		confFileBytes, err = ioutil.ReadAll(os.Stdin)
	} else {
		confFileBytes, err = ioutil.ReadFile(confFilePath)
	}
	if nil != err {
		return
	}

	scanner := bufio.NewScanner(bytes.NewReader(confFileBytes))

	for scanner.Scan() {
		lineNumber++

		line := scanner.Text()
		line = strings.SplitN(line, ";", 2)[0]
		line = strings.SplitN(line, "#", 2)[0]
		line = strings.Trim(line, " \t")

		if "" == line {
			continue
		}

		switch {
		case strings.HasPrefix(line, ".include"):
			nestedConfFilePath := strings.Trim(strings.TrimPrefix(line, ".include"), " \t")
			if "" == nestedConfFilePath {
				err = fmt.Errorf("file %v line %v: .include missing path", confFilePath, lineNumber)
				return
			}
			if !filepath.IsAbs(nestedConfFilePath) {
				nestedConfFilePath = filepath.Join(filepath.Dir(confFilePath), nestedConfFilePath)
			}
			err = confMap.UpdateFromFile(nestedConfFilePath)
			if nil != err {
				return
			}
			currentSectionName = ""
		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			currentSectionName = strings.Trim(line[1:len(line)-1], " \t")
			if !nameRE.MatchString(currentSectionName) {
				err = fmt.Errorf("file %v line %v: malformed section name '%v'", confFilePath, lineNumber, currentSectionName)
				return
			}
		default:
			if "" == currentSectionName {
				err = fmt.Errorf("file %v did not start with a Section Name", confFilePath)
				return
			}
			optionName, values, ok := splitAssignment(line)
			if !ok || !nameRE.MatchString(optionName) {
				err = fmt.Errorf("file %v malformed line '%v'", confFilePath, line)
				return
			}
			confMap.set(currentSectionName, optionName, values)
		}
	}

	err = scanner.Err()
	return
}

// FetchOptionValueStringSlice returns [sectionName]optionName's string values as a []string
func (confMap ConfMap) FetchOptionValueStringSlice(sectionName string, optionName string) (optionValue []string, err error) {
	optionValue = []string{}

	section, ok := confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok := section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	optionValue = option
	return
}

// FetchOptionValueString returns [sectionName]optionName's single string value
func (confMap ConfMap) FetchOptionValueString(sectionName string, optionName string) (optionValue string, err error) {
	optionValueSlice, err := confMap.FetchOptionValueStringSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 1 != len(optionValueSlice) {
		err = fmt.Errorf("[%v]%v must be single-valued", sectionName, optionName)
		return
	}

	optionValue = optionValueSlice[0]
	return
}

// FetchOptionValueBool returns [sectionName]optionName's single string value converted to a bool
func (confMap ConfMap) FetchOptionValueBool(sectionName string, optionName string) (optionValue bool, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	switch strings.ToLower(optionValueString) {
	case "yes", "on", "true":
		optionValue = true
	case "no", "off", "false":
		optionValue = false
	default:
		err = fmt.Errorf("couldn't interpret %q as boolean (expected one of 'true'/'false'/'yes'/'no'/'on'/'off')", optionValueString)
	}
	return
}

// FetchOptionValueUint32 returns [sectionName]optionName's single string value converted to a uint32
func (confMap ConfMap) FetchOptionValueUint32(sectionName string, optionName string) (optionValue uint32, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValueUint64, err := strconv.ParseUint(optionValueString, 0, 32)
	if nil != err {
		return
	}

	optionValue = uint32(optionValueUint64)
	return
}

// FetchOptionValueUint64 returns [sectionName]optionName's single string value converted to a uint64
func (confMap ConfMap) FetchOptionValueUint64(sectionName string, optionName string) (optionValue uint64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseUint(optionValueString, 0, 64)
	return
}

// FetchOptionValueDuration returns [sectionName]optionName's single string value converted to a time.Duration
func (confMap ConfMap) FetchOptionValueDuration(sectionName string, optionName string) (optionValue time.Duration, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = time.ParseDuration(optionValueString)
	if nil != err {
		return
	}

	if 0 > optionValue {
		err = fmt.Errorf("[%v]%v is negative", sectionName, optionName)
	}
	return
}

// Dump returns the ConfMap in .conf file form with sections and options sorted
func (confMap ConfMap) Dump() (confMapString string) {
	var buf bytes.Buffer

	sectionNames := make([]string, 0, len(confMap))
	for sectionName := range confMap {
		sectionNames = append(sectionNames, sectionName)
	}
	sort.Strings(sectionNames)

	for i, sectionName := range sectionNames {
		if 0 < i {
			buf.WriteString("\n")
		}
		fmt.Fprintf(&buf, "[%s]\n", sectionName)

		section := confMap[sectionName]
		optionNames := make([]string, 0, len(section))
		for optionName := range section {
			optionNames = append(optionNames, optionName)
		}
		sort.Strings(optionNames)

		for _, optionName := range optionNames {
			fmt.Fprintf(&buf, "%s: %s\n", optionName, strings.Join(section[optionName], ", "))
		}
	}

	confMapString = buf.String()
	return
}
