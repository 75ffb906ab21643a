package socketspec

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseNetAddress splits "host", "host:port", "[v6]" or "[v6]:port".
// A bare IPv6 literal is accepted without brackets and without a port.
// defaultPort is returned when the address carries no port.
func ParseNetAddress(address string, defaultPort int) (host string, port int, err error) {
	port = defaultPort
	rest := ""

	switch {
	case strings.HasPrefix(address, "["):
		end := strings.IndexByte(address, ']')
		if end < 0 {
			return "", 0, fmt.Errorf("ipv6 address '%s' has no closing ']'", address)
		}
		host = address[1:end]
		rest = address[end+1:]
		if rest != "" && !strings.HasPrefix(rest, ":") {
			return "", 0, fmt.Errorf("garbage after ipv6 address '%s'", address)
		}
		rest = strings.TrimPrefix(rest, ":")
		if rest == "" && strings.HasSuffix(address, ":") {
			return "", 0, fmt.Errorf("missing port in '%s'", address)
		}

	case strings.Count(address, ":") == 1:
		i := strings.IndexByte(address, ':')
		host, rest = address[:i], address[i+1:]
		if rest == "" {
			return "", 0, fmt.Errorf("missing port in '%s'", address)
		}

	default:
		// No port, or a bare IPv6 literal.
		host = address
	}

	if host == "" {
		return "", 0, fmt.Errorf("no host in '%s'", address)
	}
	if rest != "" {
		p, err := strconv.Atoi(rest)
		if err != nil || p <= 0 || p > 65535 {
			return "", 0, fmt.Errorf("bad port number '%s' in '%s'", rest, address)
		}
		port = p
	}
	return host, port, nil
}

// FormatNetAddress is the canonical serial for a network device.
func FormatNetAddress(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
