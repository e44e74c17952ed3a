//go:build darwin

package provider

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/route"
	"golang.org/x/sys/unix"

	"github.com/dmdmdm-nz/reachd/internal/reach"
)

// platformLookup defers to SystemConfiguration through scutil.
func platformLookup(ctx context.Context, host string) (reach.Flags, error) {
	return scutilLookup(ctx, host, runSCUtilReach)
}

// platformWatch reads routing messages from an AF_ROUTE socket and reports
// interface, address and route changes.
func platformWatch(ctx context.Context, notify func()) error {
	fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
	if err != nil {
		return err
	}

	// Close socket when context is cancelled
	go func() {
		<-ctx.Done()
		unix.Close(fd)
	}()

	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, unix.EBADF) {
				return err
			}
			log.WithError(err).Warn("Error reading from route socket")
			continue
		}

		msgs, err := route.ParseRIB(route.RIBTypeRoute, buf[:n])
		if err != nil {
			log.WithError(err).Trace("Skipping unparsable routing message")
			continue
		}

		if relevant(msgs) {
			notify()
		}
	}
}

func relevant(msgs []route.Message) bool {
	for _, msg := range msgs {
		switch m := msg.(type) {
		case *route.InterfaceMessage:
			log.WithFields(log.Fields{
				"interface": m.Name,
				"flags":     m.Flags,
			}).Trace("Interface message")
			return true
		case *route.InterfaceAddrMessage:
			log.WithField("index", m.Index).Trace("Interface address message")
			return true
		case *route.RouteMessage:
			log.WithField("index", m.Index).Trace("Route message")
			return true
		}
	}
	return false
}
