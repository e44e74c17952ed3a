package reach

import "strings"

// Flags is the capability set reported by a reachability provider. The bit
// layout follows the macOS SCNetworkReachabilityFlags so values read from
// the system need no translation.
type Flags uint32

const (
	TransientConnection  Flags = 1 << 0
	FlagReachable        Flags = 1 << 1
	ConnectionRequired   Flags = 1 << 2
	ConnectionOnTraffic  Flags = 1 << 3
	InterventionRequired Flags = 1 << 4
	ConnectionOnDemand   Flags = 1 << 5
	IsLocalAddress       Flags = 1 << 16
	IsDirect             Flags = 1 << 17
	IsWWAN               Flags = 1 << 18
)

// names as printed by 'scutil -r'
var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagReachable, "Reachable"},
	{TransientConnection, "Transient Connection"},
	{ConnectionRequired, "Connection Required"},
	{ConnectionOnTraffic, "Automatic Connection"},
	{InterventionRequired, "Intervention Required"},
	{ConnectionOnDemand, "Connection On Demand"},
	{IsLocalAddress, "Local Address"},
	{IsDirect, "Directly Reachable Address"},
	{IsWWAN, "WWAN"},
}

// older scutil releases spell some flags differently
var flagAliases = map[string]Flags{
	"Connection Automatic": ConnectionOnTraffic,
	"Transient":            TransientConnection,
	"Local":                IsLocalAddress,
	"Directly Reachable":   IsDirect,
}

const notReachable = "Not Reachable"

// Has reports whether every bit of f is set.
func (flags Flags) Has(f Flags) bool {
	return flags&f == f
}

func (flags Flags) String() string {
	var parts []string
	for _, fn := range flagNames {
		if flags.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	if len(parts) == 0 {
		return notReachable
	}
	return strings.Join(parts, ",")
}

// ParseFlags parses the comma separated flag list printed by 'scutil -r'.
// Unknown tokens are ignored.
func ParseFlags(s string) Flags {
	var flags Flags
	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		if token == "" || token == notReachable {
			continue
		}
		if f, ok := flagAliases[token]; ok {
			flags |= f
			continue
		}
		for _, fn := range flagNames {
			if fn.name == token {
				flags |= fn.flag
				break
			}
		}
	}
	return flags
}
