// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package iomgr

import (
	"regexp"

	"github.com/NVIDIA/fsrelay/blunder"
)

const (
	sddlSID = `(?:[A-Z]{2}|S-1(?:-[0-9]+)+)`
	sddlACE = `\([A-Z]*;[A-Z]*;[A-Z]+;[^;()]*;[^;()]*;` + sddlSID + `\)`
	sddlACL = `[PAIR]*(?:` + sddlACE + `)*`
)

var sddlRE = regexp.MustCompile(`\A(?:O:` + sddlSID + `)?(?:G:` + sddlSID + `)?(?:D:` + sddlACL + `)?(?:S:` + sddlACL + `)?\z`)

func validateSecurityDescriptor(sddl string) (err error) {
	if ("" == sddl) || !sddlRE.MatchString(sddl) {
		err = blunder.NewError(blunder.AccessSetupError, "security descriptor \"%s\" is malformed", sddl)
	}
	return
}
