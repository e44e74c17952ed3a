//go:build !linux && !darwin

package provider

import (
	"context"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/reachd/internal/reach"
)

// platformLookup lets the OS pick a source address with a connected UDP
// socket (no packet is sent) and maps it back to its interface.
func platformLookup(ctx context.Context, host string) (reach.Flags, error) {
	var dialer net.Dialer
	for _, ip := range resolveIPs(ctx, net.DefaultResolver, host) {
		conn, err := dialer.DialContext(ctx, "udp", net.JoinHostPort(ip.String(), "9"))
		if err != nil {
			log.WithField("ip", ip).WithError(err).Trace("No route to address")
			continue
		}
		local := conn.LocalAddr().(*net.UDPAddr).IP
		conn.Close()

		iface := interfaceForIP(local)
		if iface == nil {
			continue
		}
		return egress{
			iface:   iface.Name,
			up:      iface.Flags&net.FlagUp != 0,
			gateway: !ip.IsLoopback() && !ip.IsLinkLocalUnicast(),
			local:   ip.Equal(local),
		}.flags(), nil
	}
	return 0, nil
}

// platformWatch has no change source here; the poll ticker drives updates.
func platformWatch(ctx context.Context, notify func()) error {
	<-ctx.Done()
	return nil
}

func interfaceForIP(ip net.IP) *net.Interface {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i := range interfaces {
		addrs, err := interfaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
				return &interfaces[i]
			}
		}
	}
	return nil
}
