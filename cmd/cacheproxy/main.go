// Command cacheproxy runs the transparent, caching FTP proxy: it accepts one
// client command connection at a time and relays it to a single, fixed
// origin FTP server, caching every RETR/STOR artifact under ./cache (spec
// §6, §7).
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	gklog "github.com/go-kit/kit/log"
	"github.com/spf13/afero"

	"github.com/mirrorftp/cacheproxy"
	"github.com/mirrorftp/cacheproxy/cache"
	"github.com/mirrorftp/cacheproxy/internal/gokitlog"
)

const (
	listenPort   = 21
	cacheDirName = "cache"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err) //nolint:forbidigo

		os.Exit(1)
	}
}

func run(args []string) error {
	originHost, proxyIP, err := parseArgs(args)
	if err != nil {
		return err
	}

	logger := gokitlog.New(gklog.NewLogfmtLogger(os.Stderr))

	store := cache.NewStore(afero.NewOsFs(), cacheDirName)
	if err := store.EnsureRoot(); err != nil {
		return fmt.Errorf("could not create cache directory: %w", err)
	}

	proxy := cacheproxy.NewProxy(cacheproxy.Config{
		ListenPort: listenPort,
		OriginHost: originHost,
		ProxyIP:    proxyIP,
	}, store, logger)

	return proxy.ListenAndServe() //nolint:wrapcheck
}

// parseArgs validates the exactly-two-positional-argument contract of the
// reference ("<origin-hostname> <proxy-ip>") and parses the proxy's own
// advertised IPv4 address into octets (spec §6).
func parseArgs(args []string) (originHost string, proxyIP [4]int, err error) {
	if len(args) != 2 {
		return "", proxyIP, cacheproxy.NewArgumentError(
			fmt.Sprintf("usage: cacheproxy <origin-hostname> <proxy-ip>, got %d argument(s)", len(args)),
		)
	}

	originHost = args[0]

	octets := strings.Split(args[1], ".")
	if len(octets) != 4 {
		return "", proxyIP, cacheproxy.NewArgumentError(fmt.Sprintf("proxy-ip %q is not a dotted-quad IPv4 address", args[1]))
	}

	for i, octet := range octets {
		v, convErr := strconv.Atoi(octet)
		if convErr != nil || v < 0 || v > 255 {
			return "", proxyIP, cacheproxy.NewArgumentError(
				fmt.Sprintf("proxy-ip %q is not a dotted-quad IPv4 address", args[1]),
			)
		}

		proxyIP[i] = v
	}

	return originHost, proxyIP, nil
}
