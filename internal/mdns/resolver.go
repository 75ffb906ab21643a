package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"

	"github.com/1ureka/adbhost/internal/util"
)

// Resolver implements socketspec.Resolver: service names come from the
// registry, *.local host names are queried over multicast.
type Resolver struct {
	reg  *Registry
	conn *mdns.Conn
}

// NewResolver joins the mDNS multicast group for host name queries. The
// resolver still answers service lookups if the group cannot be joined.
func NewResolver(reg *Registry) *Resolver {
	r := &Resolver{reg: reg}
	addr, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		util.LogWarning("mdns: %v", err)
		return r
	}
	l, err := net.ListenUDP("udp4", addr)
	if err != nil {
		util.LogWarning("mdns: host name resolution disabled: %v", err)
		return r
	}
	conn, err := mdns.Server(ipv4.NewPacketConn(l), nil, &mdns.Config{})
	if err != nil {
		l.Close()
		util.LogWarning("mdns: host name resolution disabled: %v", err)
		return r
	}
	r.conn = conn
	return r
}

// ResolveService maps a discovered "instance.type" to its address.
func (r *Resolver) ResolveService(name string) (string, int, bool) {
	s, ok := r.reg.Lookup(name)
	if !ok {
		return "", 0, false
	}
	return s.Host, s.Port, true
}

// ResolveHost queries the multicast group for a *.local name.
func (r *Resolver) ResolveHost(ctx context.Context, name string) (string, error) {
	if r.conn == nil {
		return "", errors.New("mdns resolver is not running")
	}
	_, src, err := r.conn.Query(ctx, name)
	if err != nil {
		return "", fmt.Errorf("mdns query for %s: %w", name, err)
	}
	switch a := src.(type) {
	case *net.IPAddr:
		return a.IP.String(), nil
	case *net.UDPAddr:
		return a.IP.String(), nil
	}
	host, _, err := net.SplitHostPort(src.String())
	if err != nil {
		return src.String(), nil
	}
	return host, nil
}

// Close leaves the multicast group.
func (r *Resolver) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
