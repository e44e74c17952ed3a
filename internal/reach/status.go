package reach

import (
	"encoding/json"
	"fmt"
)

// Status is the simplified reachability of a host.
type Status int

const (
	Unknown Status = iota
	Reachable
	Cellular
)

func (s Status) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Reachable:
		return "reachable"
	case Cellular:
		return "cellular"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "unknown":
		return Unknown, nil
	case "reachable":
		return Reachable, nil
	case "cellular":
		return Cellular, nil
	}
	return Unknown, fmt.Errorf("invalid reachability status %q", s)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Usable reports whether a request should be attempted in this status.
// Cellular paths only count when the caller allows them.
func (s Status) Usable(allowCellular bool) bool {
	switch s {
	case Reachable:
		return true
	case Cellular:
		return allowCellular
	default:
		return false
	}
}

// Classify maps a capability set to a Status. A cellular path wins over
// generic reachability.
func Classify(flags Flags) Status {
	if flags.Has(IsWWAN) {
		return Cellular
	}
	if flags.Has(FlagReachable) {
		return Reachable
	}
	return Unknown
}
