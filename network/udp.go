package network

import (
	"net"
	"strconv"
)

// Listen binds a UDP socket on (host, port).
func Listen(host string, port int) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, &SocketError{Op: "listen", Err: err}
	}
	return conn, nil
}

// ResolveAddr resolves the UDP address of (host, port).
func ResolveAddr(host string, port int) (net.Addr, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, &SocketError{Op: "resolve", Err: err}
	}
	return addr, nil
}
