// Package common provides utility helpers shared across the exporter.
package common

import (
	"errors"
	"net"
)

// GetFreePort in this case makes the closing of the listener the responsibility
// of the caller to allow for a guarantee that multiple random port allocations
// don't collide.
func GetFreePort() (int, *net.TCPListener, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, nil, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, nil, err
	}

	var tcpAddr *net.TCPAddr

	var ok bool
	if tcpAddr, ok = l.Addr().(*net.TCPAddr); !ok {
		return 0, nil, errors.New("failed type assertion")
	}

	return tcpAddr.Port, l, nil
}
