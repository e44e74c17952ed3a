package provider

import (
	"strings"

	"github.com/dmdmdm-nz/reachd/internal/reach"
)

// Interface name prefixes used for cellular modems: iOS (pdp_ip), Linux
// ModemManager / qmi_wwan (wwan, wwp), Qualcomm (rmnet) and MediaTek (ccmni).
var cellularPrefixes = []string{"pdp_ip", "wwan", "wwp", "rmnet", "ccmni"}

func isCellularInterface(name, linkType string) bool {
	if linkType == "wwan" {
		return true
	}
	for _, prefix := range cellularPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func isTransientInterface(name, linkType string) bool {
	return linkType == "ppp" || strings.HasPrefix(name, "ppp")
}

// egress describes the path traffic to a host would take.
type egress struct {
	iface    string
	linkType string
	up       bool
	gateway  bool // next hop is a router
	local    bool // destination is one of our own addresses
}

func (e egress) flags() reach.Flags {
	if !e.up {
		return 0
	}
	if e.local {
		return reach.FlagReachable | reach.IsLocalAddress | reach.IsDirect
	}

	flags := reach.FlagReachable
	if !e.gateway {
		flags |= reach.IsDirect
	}
	if isTransientInterface(e.iface, e.linkType) {
		flags |= reach.TransientConnection
	}
	if isCellularInterface(e.iface, e.linkType) {
		flags |= reach.IsWWAN
	}
	return flags
}
