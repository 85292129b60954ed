package transport

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"syscall"
)

// IsAddrInUse reports whether err is a bind conflict.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "only one usage of each socket address")
}

func ipOf(a net.Addr) (net.IP, int, bool) {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.IP, v.Port, true
	case *net.UDPAddr:
		return v.IP, v.Port, true
	}
	return nil, 0, false
}

func normIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// HostOf returns the IP (or host) part of a, with IPv4-mapped IPv6
// addresses reduced to dotted form.
func HostOf(a net.Addr) string {
	if a == nil {
		return ""
	}
	if ip, _, ok := ipOf(a); ok {
		return normIP(ip)
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	if ip := net.ParseIP(host); ip != nil {
		return normIP(ip)
	}
	return host
}

// Endpoint returns a normalized "ip:port" key for a.
func Endpoint(a net.Addr) string {
	if a == nil {
		return ""
	}
	if ip, port, ok := ipOf(a); ok {
		return net.JoinHostPort(normIP(ip), strconv.Itoa(port))
	}
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	if ip := net.ParseIP(host); ip != nil {
		host = normIP(ip)
	}
	return net.JoinHostPort(host, port)
}

// SameEndpoint compares two addresses by IP and port, ignoring the network.
func SameEndpoint(a, b net.Addr) bool {
	return a != nil && b != nil && Endpoint(a) == Endpoint(b)
}

// UDPAddrOf converts a stream address to the datagram address with the
// same IP and port.
func UDPAddrOf(a net.Addr) (*net.UDPAddr, error) {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v, nil
	case *net.TCPAddr:
		return &net.UDPAddr{IP: v.IP, Port: v.Port, Zone: v.Zone}, nil
	case nil:
		return nil, errors.New("nil address")
	}
	return net.ResolveUDPAddr("udp", a.String())
}
