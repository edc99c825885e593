// Package probe checks whether a TCP port can be bound on the loopback interface.
package probe

import (
	"net"
	"strconv"
)

// LoopbackHost is the interface the sidecar listens on.
const LoopbackHost = "127.0.0.1"

// IsPortAvailable reports whether port is free on 127.0.0.1.
func IsPortAvailable(port int) bool {
	return IsAvailable(LoopbackHost, port)
}

// IsAvailable checks if host:port is free by attempting to listen on it.
// The listener is closed before returning. A free result is best effort:
// another process may take the port before the caller binds it.
func IsAvailable(host string, port int) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false // Port is in use or unreachable
	}
	listener.Close()
	return true
}
