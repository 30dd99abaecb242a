package cacheproxy

import (
	"io"
	"net"

	log "github.com/fclairamb/go-log"

	"github.com/mirrorftp/cacheproxy/cache"
	"github.com/mirrorftp/cacheproxy/reactor"
	"github.com/mirrorftp/cacheproxy/socket"
)

// Mode is the FTP data transfer mode negotiated for the session.
type Mode int

// Transfer modes (spec §3, DATA MODEL).
const (
	ModeActive Mode = iota
	ModePassive
)

// TransferDir is the direction of the most recent RETR/STOR.
type TransferDir int

// Transfer directions (spec §3, DATA MODEL).
const (
	DirDownload TransferDir = iota // RETR
	DirUpload                     // STOR
)

// CacheState is the cache disposition of the in-flight transfer.
type CacheState int

// Cache states (spec §3, DATA MODEL).
const (
	CacheNone CacheState = iota
	CacheHitReplay
	CacheMissRecord
)

// Session is the aggregate of every socket and piece of state associated
// with one client command connection (spec §3). Exactly one Session is
// active at a time; a new client accept supersedes it (spec §3 Lifecycles).
type Session struct {
	reactor *reactor.Reactor
	cache   *cache.Store
	logger  log.Logger

	originHost string
	proxyIP    [4]int

	clientConn net.Conn
	clientID   int
	serverConn net.Conn
	serverID   int

	dataListener   net.Listener
	dataListenerID int
	dataIn         net.Conn
	dataInID       int
	dataOut        net.Conn
	dataOutID      int

	mode              Mode
	awaitingPasvReply bool
	transferDir       TransferDir
	pendingFilename   string
	cacheState        CacheState

	activePeerPort  int
	passivePeerPort int

	appender *cache.Appender
}

// newSession accepts the waiting client connection, immediately opens the
// command connection to the origin, and registers both with the reactor
// (spec §4.5 transition 1).
func newSession(
	r *reactor.Reactor,
	store *cache.Store,
	logger log.Logger,
	clientConn net.Conn,
	originHost string,
	originPort int,
	proxyIP [4]int,
) (*Session, error) {
	serverConn, err := socket.ConnectHost(originHost, originPort)
	if err != nil {
		clientConn.Close()

		return nil, newNetworkError("could not connect to origin command port", err)
	}

	s := &Session{
		reactor:    r,
		cache:      store,
		logger:     logger,
		originHost: originHost,
		proxyIP:    proxyIP,
		clientConn: clientConn,
		serverConn: serverConn,
	}

	s.clientID = r.RegisterConn(clientConn, readBufferSize)
	s.serverID = r.RegisterConn(serverConn, readBufferSize)

	s.logger.Info("session started", "client", clientConn.RemoteAddr(), "origin", originHost)

	return s, nil
}

// Dispatch routes a reactor event to the right handler based on which of the
// session's sockets it came from. It returns false if the event didn't
// belong to this session at all (a stale id from a socket already closed).
func (s *Session) Dispatch(ev reactor.Event) bool {
	switch ev.ID {
	case s.clientID:
		s.handleClientCommand(ev)
	case s.serverID:
		s.handleServerReply(ev)
	case s.dataListenerID:
		s.handleDataListener(ev)
	case s.dataInID:
		s.handleDataSide(ev, s.dataOut)
	case s.dataOutID:
		s.handleDataSide(ev, s.dataIn)
	default:
		return false
	}

	return true
}

// Close tears down every socket owned by the session (spec §3 Lifecycles).
func (s *Session) Close() {
	s.closeData()

	if s.clientConn != nil {
		s.reactor.Unregister(s.clientID)
		s.clientConn.Close()
		s.clientConn = nil
	}

	if s.serverConn != nil {
		s.reactor.Unregister(s.serverID)
		s.serverConn.Close()
		s.serverConn = nil
	}
}

// closeData closes any listener/sockets belonging to the current data
// transfer, clearing the invariant "at most one active data transfer per
// session" (spec §3 Invariants) before a new one starts.
func (s *Session) closeData() {
	if s.dataListener != nil {
		s.reactor.Unregister(s.dataListenerID)
		s.dataListener.Close()
		s.dataListener = nil
	}

	if s.dataIn != nil {
		s.reactor.Unregister(s.dataInID)
		s.dataIn.Close()
		s.dataIn = nil
	}

	if s.dataOut != nil {
		s.reactor.Unregister(s.dataOutID)
		s.dataOut.Close()
		s.dataOut = nil
	}

	if s.appender != nil {
		s.appender.Close()
		s.appender = nil
	}
}

// handleClientCommand implements spec §4.5 transition 2: client->server
// command relay, with PORT/PASV/RETR/STOR interception per §4.4.
func (s *Session) handleClientCommand(ev reactor.Event) {
	if ev.Err != nil {
		s.logger.Info("client disconnected")
		s.Close()

		return
	}

	line := string(ev.Data)
	verb, rest := parseLine(line)

	switch verb {
	case "PORT":
		s.handlePORT(rest)
	case "PASV":
		s.mode = ModePassive
		s.awaitingPasvReply = true
		s.forwardToServer(ev.Data)
	case "RETR":
		s.handleTransferRequest(DirDownload, rest, ev.Data)
	case "STOR":
		s.handleTransferRequest(DirUpload, rest, ev.Data)
	default:
		s.forwardToServer(ev.Data)
	}
}

// handlePORT implements active mode (spec §4.4, §4.5 transition 2). Only the
// classic PORT form is understood, matching the reference; EPRT/IPv6 are
// out of scope (spec Non-goals).
func (s *Session) handlePORT(param string) {
	tuple, err := parseTuple(param)
	if err != nil {
		s.logger.Error("malformed PORT command, closing session", err)
		s.Close()

		return
	}

	s.mode = ModeActive
	s.activePeerPort = tuple.port()

	s.closeData()

	listener, err := socket.BindListen(s.activePeerPort)
	if err != nil {
		s.logger.Error("could not bind active-mode data listener", err)
		s.Close()

		return
	}

	s.dataListener = listener
	s.dataListenerID = s.reactor.RegisterListener(listener)

	rewritten := rewritePORTCommand(s.proxyIP, tuple)
	s.forwardToServer([]byte(rewritten))
}

func (s *Session) handleTransferRequest(dir TransferDir, rest string, raw []byte) {
	filename := cache.SanitizeFilename(rest)

	s.transferDir = dir
	s.pendingFilename = filename

	if s.cache.Exists(filename) {
		s.cacheState = CacheHitReplay
	} else {
		s.cacheState = CacheMissRecord
	}

	// A data connection accepted before this command (a passive client that
	// connects first, or an origin that connects on PORT) is already being
	// spliced; start recording a MISS on it before the origin sends data.
	if s.dataIn != nil && s.dataOut != nil && s.appender == nil {
		s.openMissAppenderIfNeeded()
	}

	// The upstream transfer is always initiated, MISS or HIT, so the cache
	// can be populated on MISS and so the server's reply sequence still
	// drives client-visible state (spec §4.4, §4.5 edge cases).
	s.forwardToServer(raw)
}

func (s *Session) forwardToServer(data []byte) {
	if _, err := s.serverConn.Write(data); err != nil {
		s.logger.Error("write to origin failed", err)
		s.Close()
	}
}

// handleServerReply implements spec §4.5 transition 3: server->client reply
// relay, intercepting only 227 while awaiting one.
func (s *Session) handleServerReply(ev reactor.Event) {
	if ev.Err != nil {
		s.logger.Info("origin disconnected")
		s.Close()

		return
	}

	line := string(ev.Data)

	if s.awaitingPasvReply {
		tuple, ok, err := parse227Reply(line)
		if err != nil {
			s.logger.Error("malformed 227 reply, closing session", err)
			s.Close()

			return
		}

		if ok {
			s.handle227(tuple)

			return
		}
	}

	s.forwardToClient(ev.Data)
}

func (s *Session) handle227(tuple addrTuple) {
	s.passivePeerPort = tuple.port()
	s.awaitingPasvReply = false

	s.closeData()

	listener, err := socket.BindListen(s.passivePeerPort)
	if err != nil {
		s.logger.Error("could not bind passive-mode data listener", err)
		s.Close()

		return
	}

	s.dataListener = listener
	s.dataListenerID = s.reactor.RegisterListener(listener)

	rewritten := rewrite227Reply(s.proxyIP, tuple)
	s.forwardToClient([]byte(rewritten))
}

func (s *Session) forwardToClient(data []byte) {
	if _, err := s.clientConn.Write(data); err != nil {
		s.logger.Error("write to client failed", err)
		s.Close()
	}
}

// handleDataListener implements spec §4.5 transition 4.
func (s *Session) handleDataListener(ev reactor.Event) {
	if ev.Err != nil {
		s.logger.Warn("data listener accept failed", "err", ev.Err)
		s.closeData()

		return
	}

	s.dataIn = ev.Conn

	var err error

	switch s.mode {
	case ModeActive:
		// Semantics preserved from the reference pending clarification
		// (spec §9 open question 1): the outbound leg dials the origin
		// hostname at the client's announced port, not the client itself.
		s.dataOut, err = socket.ConnectHost(s.originHost, s.activePeerPort)
	case ModePassive:
		s.dataOut, err = socket.ConnectHost(s.originHost, s.passivePeerPort)
	}

	if err != nil {
		s.logger.Warn("could not open peer data connection", "err", err)
		s.dataIn.Close()
		s.dataIn = nil
		s.closeListenerOnly()

		return
	}

	if s.cacheState == CacheHitReplay {
		s.replayFromCache()

		return
	}

	s.openMissAppenderIfNeeded()

	s.dataInID = s.reactor.RegisterConn(s.dataIn, readBufferSize)
	s.dataOutID = s.reactor.RegisterConn(s.dataOut, readBufferSize)
}

func (s *Session) closeListenerOnly() {
	if s.dataListener != nil {
		s.reactor.Unregister(s.dataListenerID)
		s.dataListener.Close()
		s.dataListener = nil
	}
}

func (s *Session) openMissAppenderIfNeeded() {
	if s.cacheState != CacheMissRecord {
		return
	}

	appender, err := s.cache.OpenAppend(s.pendingFilename)
	if err != nil {
		s.logger.Warn("cache append-open failed, continuing without recording", "err", err)
		s.cacheState = CacheNone

		return
	}

	s.appender = appender
}

// readerIsDataIn reports whether data_in (rather than data_out) plays the
// "reader" role a cache HIT is replayed to, per transfer direction and mode
// (spec §4.5 transition 4).
func (s *Session) readerIsDataIn() bool {
	if s.transferDir == DirUpload {
		// STOR: bytes flow client -> proxy -> server, so the server-facing
		// socket is the one to feed: data_in in active mode (the server's
		// connection in), data_out in passive mode.
		return s.mode == ModeActive
	}

	// RETR: in passive mode data_in faces the client; in active mode
	// data_out faces the client (data_in is the server's connection in).
	return s.mode == ModePassive
}

// replayFromCache implements the cache HIT fast path: it streams the cached
// artifact to whichever socket faces the reader and discards whatever the
// server sends on the other socket, then closes both (spec §4.5, §9).
func (s *Session) replayFromCache() {
	reader, err := s.cache.OpenRead(s.pendingFilename)
	if err != nil {
		s.logger.Warn("cache open-for-read failed, falling back to splice", "err", err)
		s.cacheState = CacheNone
		s.dataInID = s.reactor.RegisterConn(s.dataIn, readBufferSize)
		s.dataOutID = s.reactor.RegisterConn(s.dataOut, readBufferSize)

		return
	}

	defer reader.Close()

	dest := s.dataOut
	if s.readerIsDataIn() {
		dest = s.dataIn
	}

	buf := make([]byte, readBufferSize)

	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, writeErr := dest.Write(buf[:n]); writeErr != nil {
				s.logger.Warn("cache replay write failed", "err", writeErr)

				break
			}
		}

		if readErr != nil {
			break
		}
	}

	s.cacheState = CacheNone
	s.closeData()
}

// handleDataSide implements spec §4.5 transitions 5 and 6: forward bytes to
// the peer and, on MISS, append them to the cache artifact. Only one side of
// a RETR or STOR ever carries actual payload (the other merely closes), so
// whichever side delivers data here is recorded, with no direction check
// needed.
func (s *Session) handleDataSide(ev reactor.Event, peer net.Conn) {
	if ev.Err != nil {
		if ev.Err != io.EOF {
			s.logger.Info("data connection closed", "err", ev.Err)
		}

		s.cacheState = CacheNone
		s.closeData()

		return
	}

	if _, err := peer.Write(ev.Data); err != nil {
		s.logger.Warn("data forward failed", "err", err)
		s.closeData()

		return
	}

	if s.cacheState != CacheMissRecord || s.appender == nil {
		return
	}

	if err := s.appender.Append(ev.Data); err != nil {
		s.logger.Warn("cache append failed, continuing without recording", "err", err)
		s.cacheState = CacheNone
		s.appender.Close()
		s.appender = nil
	}
}
