package cacheproxy

import (
	"net"
	"time"

	log "github.com/fclairamb/go-log"

	"github.com/mirrorftp/cacheproxy/cache"
	"github.com/mirrorftp/cacheproxy/reactor"
	"github.com/mirrorftp/cacheproxy/socket"
)

// waitTimeout bounds each reactor.Wait call: the reference's process-wide
// idle timeout across every registered descriptor (spec §4.2, §7). Exceeding
// it is fatal to the process, not just the session (spec Scenario E).
const waitTimeout = 120 * time.Second

// Proxy listens for one FTP client at a time and relays it to a single,
// fixed origin host, caching every RETR/STOR artifact by filename (spec §1,
// §2). A new client accept supersedes whatever session is in flight (spec
// §3 Lifecycles): the reference proxy is explicitly single-session.
type Proxy struct {
	reactor *reactor.Reactor
	cache   *cache.Store
	logger  log.Logger

	originHost string
	originPort int
	proxyIP    [4]int
	listenPort int

	cmdListener   net.Listener
	cmdListenerID int

	session *Session
}

// Config is the fixed set of parameters a Proxy needs to run (spec §6).
type Config struct {
	// ListenPort is the port the proxy accepts client command connections
	// on. The reference always listens on 21.
	ListenPort int
	// OriginHost is the single FTP server every session is relayed to.
	OriginHost string
	// OriginPort is the origin's command port. The reference always
	// connects to 21; tests substitute an ephemeral port.
	OriginPort int
	// ProxyIP is the address advertised in rewritten PORT/227 replies, the
	// address clients and the origin must be able to reach the proxy at.
	ProxyIP [4]int
}

// defaultFTPPort is the standard FTP command port, used when a Config
// leaves OriginPort unset.
const defaultFTPPort = 21

// NewProxy builds a Proxy ready to ListenAndServe.
func NewProxy(cfg Config, store *cache.Store, logger log.Logger) *Proxy {
	originPort := cfg.OriginPort
	if originPort == 0 {
		originPort = defaultFTPPort
	}

	return &Proxy{
		reactor:    reactor.New(),
		cache:      store,
		logger:     logger,
		originHost: cfg.OriginHost,
		originPort: originPort,
		proxyIP:    cfg.ProxyIP,
		listenPort: cfg.ListenPort,
	}
}

// Listen binds the command listener and registers it with the reactor,
// returning its bound address. Split from Serve so tests can discover an
// ephemeral port before the dispatch loop starts running.
func (p *Proxy) Listen() (net.Addr, error) {
	listener, err := socket.BindListen(p.listenPort)
	if err != nil {
		return nil, newNetworkError("could not bind command listener", err)
	}

	p.cmdListener = listener
	p.cmdListenerID = p.reactor.RegisterListener(listener)

	p.logger.Info("proxy listening", "addr", listener.Addr(), "origin", p.originHost)

	return listener.Addr(), nil
}

// Serve runs the dispatch loop until a fatal error occurs (a reactor
// timeout, or a listener failure): the reference treats both as
// process-ending conditions (spec §7). Listen must have been called first.
func (p *Proxy) Serve() error {
	defer p.cmdListener.Close()

	for {
		ev, err := p.reactor.Wait(waitTimeout)
		if err != nil {
			return newNetworkError("reactor wait failed", err)
		}

		if ev.ID == p.cmdListenerID && ev.Err != nil {
			return newNetworkError("command listener accept failed", ev.Err)
		}

		p.dispatch(ev)
	}
}

// ListenAndServe binds the command listener and runs the dispatch loop; see
// Listen and Serve.
func (p *Proxy) ListenAndServe() error {
	if _, err := p.Listen(); err != nil {
		return err
	}

	return p.Serve()
}

func (p *Proxy) dispatch(ev reactor.Event) {
	if ev.ID == p.cmdListenerID {
		p.handleAccept(ev)

		return
	}

	if p.session != nil && p.session.Dispatch(ev) {
		return
	}

	// A stale event from a session already superseded or closed; nothing
	// else can own it, so it's dropped.
}

// handleAccept implements spec §4.5 transition 1: a new client connection
// always supersedes whatever session is in flight.
func (p *Proxy) handleAccept(ev reactor.Event) {
	if ev.Err != nil {
		p.logger.Warn("command listener accept failed", "err", ev.Err)

		return
	}

	if p.session != nil {
		p.logger.Info("new client connection, superseding active session")
		p.session.Close()
		p.session = nil
	}

	session, err := newSession(p.reactor, p.cache, p.logger, ev.Conn, p.originHost, p.originPort, p.proxyIP)
	if err != nil {
		p.logger.Warn("could not start session", "err", err)

		return
	}

	p.session = session
}
