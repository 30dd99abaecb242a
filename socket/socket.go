package socket

import (
	"fmt"
	"net"
)

// Backlog is the listen backlog used for every bound socket. The reference
// implementation passes a small constant to listen(2); net.ListenConfig has
// no equivalent knob, so this only documents the intent.
const Backlog = 5

var listenConfig = net.ListenConfig{Control: Control} //nolint:gochecknoglobals

// BindListen binds a TCP listener on the given port on all interfaces, with
// address reuse enabled, and starts it listening. It corresponds to
// bind_listen(port) -> fd in the socket layer design.
func BindListen(port int) (net.Listener, error) {
	listener, err := listenConfig.Listen(nil, "tcp", fmt.Sprintf(":%d", port)) //nolint:noctx
	if err != nil {
		return nil, fmt.Errorf("could not bind on port %d: %w", port, err)
	}

	return listener, nil
}

// Accept waits for and accepts a single incoming connection on fd.
func Accept(listener net.Listener) (net.Conn, error) {
	conn, err := listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("could not accept connection: %w", err)
	}

	return conn, nil
}

// ConnectHost dials host:port over TCP. It corresponds to
// connect_host(host, port) -> fd.
func ConnectHost(host string, port int) (net.Conn, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s:%d: %w", host, port, err)
	}

	return conn, nil
}

// ConnectAddr dials a preformatted "host:port" address over TCP. It
// corresponds to connect_addr(addr) -> fd.
func ConnectAddr(addr string) (net.Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", addr, err)
	}

	return conn, nil
}
