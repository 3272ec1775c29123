package statenotifier

import (
	"fmt"
	"strings"
)

// State is the system-wide power state broadcast to listeners.
type State int32

const (
	Unknown State = iota + 1
	Active
	Suspended
	Standby
	Backlight
	Init
)

var stateNames = map[State]string{
	Unknown:   "unknown",
	Active:    "active",
	Suspended: "suspended",
	Standby:   "standby",
	Backlight: "backlight",
	Init:      "init",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ParseState accepts the names written by suspend/resume hooks. "resume" and
// "suspend" are accepted as aliases.
func ParseState(raw string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "resume", "resumed", "awake":
		return Active, nil
	case "suspended", "suspend", "sleep":
		return Suspended, nil
	case "standby":
		return Standby, nil
	case "backlight":
		return Backlight, nil
	case "init":
		return Init, nil
	case "unknown", "":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("unrecognized power state %q", raw)
}
