// Package netdiscover implements component A: choosing the private address
// this worker advertises to peers for internode HTTP.
package netdiscover

import (
	"fmt"
	"net"
)

// ErrNoPrivateAddress is returned when no usable address could be found
// and none was configured.
type ErrNoPrivateAddress struct{}

func (ErrNoPrivateAddress) Error() string {
	return "no private address found on any local interface and none configured"
}

// isULA reports whether ip is an IPv6 Unique Local Address (fc00::/7).
func isULA(ip net.IP) bool {
	if ip.To4() != nil {
		return false
	}
	return len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc
}

// candidateAddresses returns the local interfaces' IPv6 ULA addresses and
// RFC1918 IPv4 addresses as two separate lists; loopback, link-local and
// public addresses are left out.
func candidateAddresses() ([]net.IP, []net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, nil, fmt.Errorf("enumerate interfaces: %w", err)
	}

	var ulas, privatesV4 []net.IP
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		if isULA(ip) {
			ulas = append(ulas, ip)
		} else if ip4 := ip.To4(); ip4 != nil && ip4.IsPrivate() {
			privatesV4 = append(privatesV4, ip4)
		}
	}
	return ulas, privatesV4, nil
}

// SelectAddress picks the first available address, preferring IPv6 ULA
// (fc00::/7) and falling back to IPv4 private (RFC1918), per spec.md
// §4.A. Returns ErrNoPrivateAddress if neither is available.
func SelectAddress() (net.IP, error) {
	ulas, privatesV4, err := candidateAddresses()
	if err != nil {
		return nil, err
	}
	if len(ulas) > 0 {
		return ulas[0], nil
	}
	if len(privatesV4) > 0 {
		return privatesV4[0], nil
	}
	return nil, ErrNoPrivateAddress{}
}

// SocketAddress combines the discovered or configured address with port
// into the advertised "host:port" form. If selfIP is non-empty, it is used
// directly instead of performing discovery (operator override).
func SocketAddress(selfIP string, port int) (string, error) {
	host := selfIP
	if host == "" {
		ip, err := SelectAddress()
		if err != nil {
			return "", err
		}
		host = ip.String()
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", port)), nil
}
