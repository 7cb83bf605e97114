// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine holds the types shared by every collection dialect: the
// operation mode, feature toggles, metric samples, entity references, the
// client/mapper capability pair and the error taxonomy.
package engine

import (
	"fmt"
	"strings"
)

// Mode is the API dialect the process speaks. It is chosen once at startup.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeLegacy
	ModeRedfish
	ModeNextGen
)

var modeNames = map[Mode]string{
	ModeLegacy:  "legacy",
	ModeRedfish: "redfish",
	ModeNextGen: "v4",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode maps a configuration string onto a Mode. "nextgen" is accepted
// as an alias of "v4".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "legacy":
		return ModeLegacy, nil
	case "redfish":
		return ModeRedfish, nil
	case "v4", "nextgen":
		return ModeNextGen, nil
	}
	return ModeUnknown, &ConfigError{Field: "mode", Reason: fmt.Sprintf("unsupported operation mode %q", s)}
}
