package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort reserves and immediately releases a free loopback TCP
// port. The port can be taken by someone else before the caller binds it, so
// callers that are able to hold the listener should use ListenLoopback.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// ListenLoopback listens on an ephemeral loopback port and returns the
// listener together with the bound port.
func ListenLoopback() (net.Listener, int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("listening on loopback: %w", err)
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}
