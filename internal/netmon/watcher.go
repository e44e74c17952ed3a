package netmon

import (
	"github.com/dmdmdm-nz/reachd/internal/monitor"
	"github.com/dmdmdm-nz/reachd/internal/reach"
)

// Watcher reports the reachability of one host. *monitor.Monitor is the
// production implementation.
type Watcher interface {
	Host() string
	Check() reach.Status
	CheckAsync(onResult func(reach.Status))
	// Activate installs the change callback. It returns false when the
	// watcher cannot deliver changes right now.
	Activate(onChange func(reach.Status)) bool
	Invalidate()
	Close() error
}

var _ Watcher = (*monitor.Monitor)(nil)
