package api

import "github.com/dmdmdm-nz/reachd/internal/reach"

type HostStatus struct {
	Host   string       `json:"host"`
	Status reach.Status `json:"status"`
	Fresh  bool         `json:"fresh"`
}

type ActivityInfo struct {
	Active bool  `json:"active"`
	Count  int64 `json:"count"`
}
