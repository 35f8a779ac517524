// Package net collects small helpers shared by every network transport in
// the module: p2p, the light client RPC, and the ABCI socket protocol.
package net

import (
	"net"
	"strings"
	"time"
)

// Connect dials protoAddr, which may be a bare address (assumed tcp) or a
// "protocol://address" pair, e.g. "unix:///tmp/abci.sock".
func Connect(protoAddr string) (net.Conn, error) {
	proto, address := ProtocolAndAddress(protoAddr)
	return net.Dial(proto, address)
}

// ProtocolAndAddress splits a listen/dial address into its network protocol
// and the remaining address, defaulting to tcp when no protocol prefix is
// present.
func ProtocolAndAddress(listenAddr string) (string, string) {
	protocol, address := "tcp", listenAddr
	parts := strings.SplitN(listenAddr, "://", 2)
	if len(parts) == 2 {
		protocol, address = parts[0], parts[1]
	}
	return protocol, address
}

// Dialer describes the subset of net.Dialer this package relies on, useful
// for injecting timeouts in callers that build their own dial functions.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// DialTimeout dials protoAddr like Connect, failing if the connection is not
// established within timeout.
func DialTimeout(protoAddr string, timeout time.Duration) (net.Conn, error) {
	proto, address := ProtocolAndAddress(protoAddr)
	return net.DialTimeout(proto, address, timeout)
}

// GetFreePort asks the OS for an unused TCP port on localhost, for use in
// tests that need to bind a listener without a fixed address.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
