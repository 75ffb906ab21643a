package mdns

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/1ureka/adbhost/internal/util"
)

const (
	defaultBrowseInterval = 10 * time.Second
	responseWindow        = 2 * time.Second
)

var multicastGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// Browser asks the network for adb services and records the answers.
// Queries come from an ephemeral port, so responders answer unicast.
type Browser struct {
	reg      *Registry
	interval time.Duration
	group    *net.UDPAddr

	// OnService runs for every service that is new or moved.
	OnService func(Service)
}

// NewBrowser creates a browser feeding reg every interval.
func NewBrowser(reg *Registry, interval time.Duration) *Browser {
	if interval <= 0 {
		interval = defaultBrowseInterval
	}
	return &Browser{reg: reg, interval: interval, group: multicastGroup}
}

// Run browses until ctx ends.
func (b *Browser) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		if err := b.Browse(ctx); err != nil && !errors.Is(err, context.Canceled) {
			util.Tracef(util.TraceMdns, "mdns browse: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Browse sends one query for every service type and ingests the answers
// that arrive within the response window.
func (b *Browser) Browse(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return err
	}
	defer conn.Close()

	query, err := buildQuery()
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(query, b.group); err != nil {
		return err
	}

	deadline := time.Now().Add(responseWindow)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, 9000)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return ctx.Err()
			}
			return err
		}
		b.ingest(buf[:n])
	}
}

func buildQuery() ([]byte, error) {
	msg := dnsmessage.Message{}
	for _, t := range ServiceTypes {
		name, err := dnsmessage.NewName(t + ".local.")
		if err != nil {
			return nil, err
		}
		msg.Questions = append(msg.Questions, dnsmessage.Question{
			Name:  name,
			Type:  dnsmessage.TypePTR,
			Class: dnsmessage.ClassINET,
		})
	}
	return msg.Pack()
}

// ingest parses one response. SRV records name the instances; A records
// in the same packet give their addresses.
func (b *Browser) ingest(packet []byte) {
	var msg dnsmessage.Message
	if err := msg.Unpack(packet); err != nil {
		util.Tracef(util.TraceMdns, "mdns: dropping malformed packet: %v", err)
		return
	}
	if !msg.Header.Response {
		return
	}

	type srv struct {
		target string
		port   int
		ttl    uint32
	}
	srvs := map[string]srv{}
	hosts := map[string]string{}
	records := append(append([]dnsmessage.Resource(nil), msg.Answers...), msg.Additionals...)
	for _, rr := range records {
		switch body := rr.Body.(type) {
		case *dnsmessage.SRVResource:
			srvs[rr.Header.Name.String()] = srv{target: body.Target.String(), port: int(body.Port), ttl: rr.Header.TTL}
		case *dnsmessage.AResource:
			hosts[rr.Header.Name.String()] = net.IP(body.A[:]).String()
		}
	}

	for name, rec := range srvs {
		instance, typ, ok := splitInstance(name)
		if !ok {
			continue
		}
		if rec.ttl == 0 {
			b.reg.Remove(instance, typ)
			continue
		}
		host, ok := hosts[rec.target]
		if !ok {
			host = strings.TrimSuffix(rec.target, ".")
		}
		s := Service{Instance: instance, Type: typ, Host: host, Port: rec.port}
		if b.reg.Add(s) && b.OnService != nil {
			b.OnService(s)
		}
	}
}

// splitInstance splits "instance._adb._tcp.local." into its parts.
func splitInstance(name string) (instance, typ string, ok bool) {
	name = strings.TrimSuffix(name, ".local.")
	for _, t := range ServiceTypes {
		if i, found := strings.CutSuffix(name, "."+t); found && i != "" {
			return i, t, true
		}
	}
	return "", "", false
}
