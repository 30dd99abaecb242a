package cacheproxy_test

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	gklog "github.com/go-kit/kit/log"
	"github.com/secsy/goftp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/mirrorftp/cacheproxy"
	"github.com/mirrorftp/cacheproxy/cache"
	"github.com/mirrorftp/cacheproxy/internal/gokitlog"
	"github.com/mirrorftp/cacheproxy/socket"
)

// integrationOriginAddr is a loopback alias distinct from the proxy's own
// 127.0.0.1, so the proxy's passive-mode data listener (which reuses the
// origin's advertised port number, spec §4.5, §9 note 2) never competes
// with the origin's own listening socket for the same address:port pair.
const integrationOriginAddr = "127.0.0.6"

// integrationOrigin is a second, self-contained minimal FTP server (kept
// separate from the unit-test fakeOrigin, which lives in the internal test
// package) driven here by a real FTP client library instead of raw sockets.
type integrationOrigin struct {
	listener net.Listener
	files    map[string][]byte
}

func startIntegrationOrigin(t *testing.T) *integrationOrigin {
	t.Helper()

	listenConfig := net.ListenConfig{Control: socket.Control}

	listener, err := listenConfig.Listen(nil, "tcp", integrationOriginAddr+":0") //nolint:noctx
	require.NoError(t, err)

	o := &integrationOrigin{listener: listener, files: map[string][]byte{}}

	t.Cleanup(func() { listener.Close() })

	go o.acceptLoop()

	return o
}

func (o *integrationOrigin) port() int {
	return o.listener.Addr().(*net.TCPAddr).Port
}

func (o *integrationOrigin) acceptLoop() {
	for {
		conn, err := o.listener.Accept()
		if err != nil {
			return
		}

		go o.serve(conn)
	}
}

func (o *integrationOrigin) serve(conn net.Conn) {
	defer conn.Close()

	fmt.Fprint(conn, "220 integration origin ready\r\n")

	reader := bufio.NewReader(conn)

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
		case "PWD":
			fmt.Fprint(conn, "257 \"/\"\r\n")
		case "PASV":
			listenConfig := net.ListenConfig{Control: socket.Control}

			dl, perr := listenConfig.Listen(nil, "tcp", integrationOriginAddr+":0") //nolint:noctx
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
			fmt.Fprintf(conn, "227 Entering Passive Mode (127,0,0,6,%d,%d)\r\n", p/256, p%256)
		case "RETR":
			fmt.Fprint(conn, "150 opening data connection\r\n")

			dataConn := <-dataConnReady
			if dataConn != nil {
				dataConn.Write(o.files[arg]) //nolint:errcheck
				dataConn.Close()
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

// TestGoftpClientRetrievesThroughProxy drives the proxy with a real FTP
// client library end to end: connect, PASV, RETR, verifying the bytes a
// genuine client sees are exactly what the origin served, and that the MISS
// left the artifact cached (spec §8, Scenarios A and B).
func TestGoftpClientRetrievesThroughProxy(t *testing.T) {
	origin := startIntegrationOrigin(t)
	origin.files["greeting.txt"] = []byte("hello from the origin")

	store := cache.NewStore(afero.NewMemMapFs(), "cache")
	require.NoError(t, store.EnsureRoot())

	logger := gokitlog.New(gklog.NewNopLogger())

	proxy := cacheproxy.NewProxy(cacheproxy.Config{
		ListenPort: 0,
		OriginHost: integrationOriginAddr,
		OriginPort: origin.port(),
		ProxyIP:    [4]int{127, 0, 0, 1},
	}, store, logger)

	addr, err := proxy.Listen()
	require.NoError(t, err)

	go proxy.Serve() //nolint:errcheck

	port := addr.(*net.TCPAddr).Port

	client, err := goftp.DialConfig(goftp.Config{
		User:     "anonymous",
		Password: "anonymous",
	}, "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)

	defer client.Close()

	var buf bytes.Buffer

	err = client.Retrieve("greeting.txt", &buf)
	require.NoError(t, err)
	require.Equal(t, "hello from the origin", buf.String())

	require.Eventually(t, func() bool {
		return store.Exists("greeting.txt")
	}, 2*time.Second, 20*time.Millisecond)
}
