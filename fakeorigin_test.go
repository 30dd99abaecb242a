package cacheproxy

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	"github.com/mirrorftp/cacheproxy/socket"
)

// fakeOriginAddr is the loopback alias the fake origin binds to, distinct
// from the proxy's own 127.0.0.1 so a passive-mode data listener (which
// reuses the origin's advertised port number) never competes for the same
// address:port pair as the origin's own listening socket.
const fakeOriginAddr = "127.0.0.5"

// fakeOriginListenConfig mirrors socket.BindListen's reuse-address behavior
// but lets the fake origin bind to its own specific loopback alias instead
// of every interface.
var fakeOriginListenConfig = net.ListenConfig{Control: socket.Control} //nolint:gochecknoglobals

// fakeOrigin is a minimal FTP server used only to exercise the proxy in
// tests: it understands just enough of the protocol (USER/PASS/TYPE/PASV/
// PORT/RETR/STOR/QUIT) to drive a real data transfer, passive or active.
type fakeOrigin struct {
	listener net.Listener
	// files holds canned RETR payloads and records STOR uploads, keyed by
	// filename, so a test can assert on what the origin actually received.
	files map[string][]byte
}

func newFakeOrigin(t interface{ Helper() }) *fakeOrigin {
	t.Helper()

	listener, err := fakeOriginListenConfig.Listen(nil, "tcp", fakeOriginAddr+":0") //nolint:noctx
	if err != nil {
		panic(err)
	}

	o := &fakeOrigin{listener: listener, files: map[string][]byte{}}

	go o.acceptLoop()

	return o
}

func (o *fakeOrigin) port() int {
	return o.listener.Addr().(*net.TCPAddr).Port
}

func (o *fakeOrigin) acceptLoop() {
	for {
		conn, err := o.listener.Accept()
		if err != nil {
			return
		}

		go o.serve(conn)
	}
}

func (o *fakeOrigin) serve(conn net.Conn) {
	defer conn.Close()

	fmt.Fprint(conn, "220 fake origin ready\r\n")

	reader := bufio.NewReader(conn)

	var dataConn net.Conn

	dataConnReady := make(chan net.Conn, 1)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		line = strings.TrimRight(line, "\r\n")
		parts := strings.SplitN(line, " ", 2)
		verb := strings.ToUpper(parts[0])
		arg := ""

		if len(parts) == 2 {
			arg = parts[1]
		}

		switch verb {
		case "USER":
			fmt.Fprint(conn, "331 password please\r\n")
		case "PASS":
			fmt.Fprint(conn, "230 logged in\r\n")
		case "TYPE":
			fmt.Fprint(conn, "200 type set\r\n")
		case "PASV":
			dl, perr := fakeOriginListenConfig.Listen(nil, "tcp", fakeOriginAddr+":0") //nolint:noctx
			if perr != nil {
				fmt.Fprint(conn, "425 cannot open passive connection\r\n")

				continue
			}

			go func() {
				c, aerr := dl.Accept()
				dl.Close()

				if aerr == nil {
					dataConnReady <- c
				}
			}()

			p := dl.Addr().(*net.TCPAddr).Port
			fmt.Fprintf(conn, "227 Entering Passive Mode (127,0,0,5,%d,%d)\r\n", p/256, p%256)
		case "PORT":
			tuple, perr := parseTuple(arg)
			if perr != nil {
				fmt.Fprint(conn, "501 bad PORT argument\r\n")

				continue
			}

			c, cerr := net.Dial("tcp", fmt.Sprintf("%s:%d", tuple.host(), tuple.port()))
			if cerr != nil {
				fmt.Fprint(conn, "425 cannot open active connection\r\n")

				continue
			}

			dataConnReady <- c

			fmt.Fprint(conn, "200 PORT command successful\r\n")
		case "RETR":
			fmt.Fprint(conn, "150 opening data connection\r\n")

			dataConn = <-dataConnReady

			if dataConn != nil {
				dataConn.Write(o.files[arg]) //nolint:errcheck
				dataConn.Close()
				dataConn = nil
			}

			fmt.Fprint(conn, "226 transfer complete\r\n")
		case "STOR":
			fmt.Fprint(conn, "150 opening data connection\r\n")

			dataConn = <-dataConnReady

			if dataConn != nil {
				buf := make([]byte, 0, 4096)
				tmp := make([]byte, 2048)

				for {
					n, rerr := dataConn.Read(tmp)
					if n > 0 {
						buf = append(buf, tmp[:n]...)
					}

					if rerr != nil {
						break
					}
				}

				o.files[arg] = buf
				dataConn.Close()
				dataConn = nil
			}

			fmt.Fprint(conn, "226 transfer complete\r\n")
		case "QUIT":
			fmt.Fprint(conn, "221 goodbye\r\n")

			return
		default:
			fmt.Fprint(conn, "500 unknown command\r\n")
		}
	}
}
