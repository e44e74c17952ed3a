//go:build linux

package provider

import (
	"context"
	"errors"
	"net"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/dmdmdm-nz/reachd/internal/reach"
)

// platformLookup asks the kernel which route traffic to host would take.
func platformLookup(ctx context.Context, host string) (reach.Flags, error) {
	for _, ip := range resolveIPs(ctx, net.DefaultResolver, host) {
		routes, err := netlink.RouteGet(ip)
		if err != nil || len(routes) == 0 {
			// ENETUNREACH and friends: try the next address
			log.WithFields(log.Fields{
				"host": host,
				"ip":   ip,
			}).WithError(err).Trace("No route to address")
			continue
		}

		rt := routes[0]
		link, err := netlink.LinkByIndex(rt.LinkIndex)
		if err != nil {
			log.WithField("index", rt.LinkIndex).WithError(err).Trace("Failed to get link by index")
			continue
		}

		attrs := link.Attrs()
		return egress{
			iface:    attrs.Name,
			linkType: link.Type(),
			up:       attrs.Flags&net.FlagUp != 0,
			gateway:  rt.Gw != nil,
			local:    rt.Type == unix.RTN_LOCAL,
		}.flags(), nil
	}
	return 0, nil
}

// platformWatch subscribes to netlink link, address and route updates.
func platformWatch(ctx context.Context, notify func()) error {
	linkCh := make(chan netlink.LinkUpdate)
	linkDone := make(chan struct{})

	addrCh := make(chan netlink.AddrUpdate)
	addrDone := make(chan struct{})

	routeCh := make(chan netlink.RouteUpdate)
	routeDone := make(chan struct{})

	if err := netlink.LinkSubscribe(linkCh, linkDone); err != nil {
		return err
	}
	defer close(linkDone)

	if err := netlink.AddrSubscribe(addrCh, addrDone); err != nil {
		return err
	}
	defer close(addrDone)

	if err := netlink.RouteSubscribe(routeCh, routeDone); err != nil {
		return err
	}
	defer close(routeDone)

	for {
		select {
		case <-ctx.Done():
			return nil

		case update, ok := <-linkCh:
			if !ok {
				return errors.New("netlink link subscription closed")
			}
			log.WithField("interface", update.Link.Attrs().Name).Trace("Link update")
			notify()

		case update, ok := <-addrCh:
			if !ok {
				return errors.New("netlink address subscription closed")
			}
			log.WithFields(log.Fields{
				"index":   update.LinkIndex,
				"address": update.LinkAddress.String(),
				"new":     update.NewAddr,
			}).Trace("Address update")
			notify()

		case update, ok := <-routeCh:
			if !ok {
				return errors.New("netlink route subscription closed")
			}
			log.WithField("index", update.LinkIndex).Trace("Route update")
			notify()
		}
	}
}
