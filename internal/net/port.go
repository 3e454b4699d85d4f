package net

import (
	"fmt"
	"net"
)

// EphemeralAddr returns host:port with a TCP port that was free a moment ago.
func EphemeralAddr(host string) (string, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", fmt.Errorf("listening to acquire port on %s: %w", host, err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}
