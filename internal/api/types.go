package api

import "github.com/dmdmdm-nz/connmon/internal/connstate"

// ConnectivityInfo is the wire form of a connectivity level.
type ConnectivityInfo struct {
	Connectivity string `json:"connectivity"`
	IPv4         bool   `json:"ipv4"`
	IPv6         bool   `json:"ipv6"`
}

func connectivityInfo(lvl connstate.Level) ConnectivityInfo {
	return ConnectivityInfo{
		Connectivity: lvl.String(),
		IPv4:         lvl == connstate.IPv4Only || lvl == connstate.Both,
		IPv6:         lvl == connstate.IPv6Only || lvl == connstate.Both,
	}
}
