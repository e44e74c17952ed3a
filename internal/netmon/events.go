package netmon

import (
	"time"

	"github.com/dmdmdm-nz/reachd/internal/reach"
)

// StatusEvent reports the status of a host. Live events are transitions;
// snapshot events carry the current status with Previous set to Unknown.
type StatusEvent struct {
	Host     string       `json:"host"`
	Status   reach.Status `json:"status"`
	Previous reach.Status `json:"previous"`
	Time     time.Time    `json:"time"`
	Snapshot bool         `json:"snapshot,omitempty"`
}

type EventHandler func(event StatusEvent)
