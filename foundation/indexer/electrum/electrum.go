// Package electrum provides the client facing protocol server. Requests
// are JSON-RPC 2.0, carried newline delimited over TCP and TLS sockets
// or one message per frame over websockets. Sessions talk to the rest
// of the system only through the state API and the subscription
// registry.
package electrum

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferrumserver/ferrum/foundation/events"
	"github.com/ferrumserver/ferrum/foundation/indexer/admission"
	"github.com/ferrumserver/ferrum/foundation/indexer/registry"
	"github.com/ferrumserver/ferrum/foundation/indexer/state"
	"github.com/gorilla/websocket"
)

// EventHandler defines a function that is called when events occur in
// the processing of client connections.
type EventHandler func(v string, args ...any)

// Config represents the configuration required to construct the server.
type Config struct {
	State     *state.State
	Registry  *registry.Registry
	Admission *admission.Controller
	Version   string
	Banner    string
	Donation  string
	EvHandler EventHandler
}

// Server owns the protocol listeners and the sessions they accept.
type Server struct {
	evHandler EventHandler
	state     *state.State
	registry  *registry.Registry
	admission *admission.Controller
	events    *events.Events
	version   string
	banner    string
	donation  string

	mu        sync.Mutex
	listeners []net.Listener
	servers   []*http.Server
	sessions  map[string]*session
	wg        sync.WaitGroup
	sessionID atomic.Uint64
	down      atomic.Bool
}

// New constructs a server ready to accept listeners.
func New(cfg Config) (*Server, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	switch {
	case cfg.State == nil:
		return nil, errors.New("state not provided")
	case cfg.Registry == nil:
		return nil, errors.New("registry not provided")
	case cfg.Admission == nil:
		return nil, errors.New("admission controller not provided")
	}

	version := cfg.Version
	if version == "" {
		version = "Ferrum unknown"
	}

	banner := cfg.Banner
	if banner == "" {
		banner = "Connected to a Ferrum server"
	}

	srv := Server{
		evHandler: ev,
		state:     cfg.State,
		registry:  cfg.Registry,
		admission: cfg.Admission,
		events:    events.New(),
		version:   version,
		banner:    banner,
		donation:  cfg.Donation,
		sessions:  make(map[string]*session),
	}

	return &srv, nil
}

// Shutdown closes the listeners, disconnects the live sessions, and
// waits for them to finish.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.evHandler("electrum: shutdown: started")
	defer srv.evHandler("electrum: shutdown: completed")

	srv.down.Store(true)

	srv.mu.Lock()
	srv.evHandler("electrum: shutdown: close %d listeners", len(srv.listeners))
	for _, lst := range srv.listeners {
		lst.Close()
	}
	for _, hsv := range srv.servers {
		hsv.Close()
	}

	srv.evHandler("electrum: shutdown: disconnect %d sessions", len(srv.sessions))
	for _, ses := range srv.sessions {
		ses.tr.Close()
	}
	srv.mu.Unlock()

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		srv.events.Shutdown()
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================

// ListenTCP starts accepting plain TCP connections on addr and returns
// the bound address.
func (srv *Server) ListenTCP(addr string) (net.Addr, error) {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp: %w", err)
	}

	srv.addListener(lst)
	go srv.accept(lst, "tcp")

	return lst.Addr(), nil
}

// ListenTLS starts accepting TLS connections on addr using the
// specified certificate pair.
func (srv *Server) ListenTLS(addr string, certFile string, keyFile string) (net.Addr, error) {
	cfg, err := tlsConfig(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	lst, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("listen tls: %w", err)
	}

	srv.addListener(lst)
	go srv.accept(lst, "tls")

	return lst.Addr(), nil
}

// ListenWS starts accepting websocket connections on addr.
func (srv *Server) ListenWS(addr string) (net.Addr, error) {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen ws: %w", err)
	}

	srv.serveHTTP(lst, "ws")

	return lst.Addr(), nil
}

// ListenWSS starts accepting websocket connections over TLS on addr.
func (srv *Server) ListenWSS(addr string, certFile string, keyFile string) (net.Addr, error) {
	cfg, err := tlsConfig(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	lst, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("listen wss: %w", err)
	}

	srv.serveHTTP(lst, "wss")

	return lst.Addr(), nil
}

func tlsConfig(certFile string, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}

	cfg := tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	return &cfg, nil
}

func (srv *Server) addListener(lst net.Listener) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.listeners = append(srv.listeners, lst)
}

// accept runs the accept loop for a socket listener. Each admitted
// connection gets its own goroutine for the life of the session.
func (srv *Server) accept(lst net.Listener, kind string) {
	srv.evHandler("electrum: %s: accept loop started: %s", kind, lst.Addr())
	defer srv.evHandler("electrum: %s: accept loop completed", kind)

	for {
		conn, err := lst.Accept()
		if err != nil {
			if srv.down.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			srv.evHandler("electrum: %s: accept: ERROR: %s", kind, err)
			continue
		}

		go srv.serveConn(conn, kind)
	}
}

// serveConn admits one socket connection and runs its session to
// completion.
func (srv *Server) serveConn(conn net.Conn, kind string) {
	ip := remoteIP(conn.RemoteAddr().String())

	tok, result := srv.admission.TryAccept(ip)
	if result != admission.Accepted {
		srv.refuse(conn, result)
		return
	}

	srv.runSession(newLineTransport(conn), tok, kind)
}

// refuse tells the client why it is being turned away before the socket
// closes. Clients surface this message to the user.
func (srv *Server) refuse(conn net.Conn, result admission.Result) {
	defer conn.Close()

	resp := errorResponse{
		JSONRPC: jsonRPCVersion,
		Error: rpcError{
			Code:    codeLimit,
			Message: fmt.Sprintf("connection refused: %s", result),
		},
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.Write(append(payload, '\n'))
}

// serveHTTP runs an HTTP server on the listener whose only job is
// upgrading requests to websocket sessions.
func (srv *Server) serveHTTP(lst net.Listener, kind string) {
	hsv := http.Server{
		Handler:           srv.wsHandler(kind),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.mu.Lock()
	srv.listeners = append(srv.listeners, lst)
	srv.servers = append(srv.servers, &hsv)
	srv.mu.Unlock()

	go func() {
		srv.evHandler("electrum: %s: accept loop started: %s", kind, lst.Addr())
		defer srv.evHandler("electrum: %s: accept loop completed", kind)

		if err := hsv.Serve(lst); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if !srv.down.Load() {
				srv.evHandler("electrum: %s: serve: ERROR: %s", kind, err)
			}
		}
	}()
}

func (srv *Server) wsHandler(kind string) http.Handler {
	var upgrader websocket.Upgrader
	upgrader.CheckOrigin = func(r *http.Request) bool { return true }

	f := func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r.RemoteAddr)

		tok, result := srv.admission.TryAccept(ip)
		if result != admission.Accepted {
			http.Error(w, fmt.Sprintf("connection refused: %s", result), http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			tok.Release()
			srv.evHandler("electrum: %s: upgrade: ERROR: %s", kind, err)
			return
		}

		srv.runSession(&wsTransport{conn: conn}, tok, kind)
	}

	return http.HandlerFunc(f)
}

// remoteIP strips the port from a remote address. Admission and the
// registry account by host alone.
func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}

	return host
}

// =============================================================================

func (srv *Server) track(ses *session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.sessions[ses.id] = ses
}

func (srv *Server) untrack(ses *session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	delete(srv.sessions, ses.id)
}

// Sessions returns the number of live sessions.
func (srv *Server) Sessions() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	return len(srv.sessions)
}

// ClientInfo describes one connected session for the admin surface.
type ClientInfo struct {
	ID        string    `json:"id"`
	IP        string    `json:"ip"`
	Transport string    `json:"transport"`
	Connected time.Time `json:"connected"`
	Requests  uint64    `json:"requests"`
}

// Clients reports the live sessions in connection order.
func (srv *Server) Clients() []ClientInfo {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	infos := make([]ClientInfo, 0, len(srv.sessions))
	for _, ses := range srv.sessions {
		infos = append(infos, ClientInfo{
			ID:        ses.id,
			IP:        ses.ip,
			Transport: ses.kind,
			Connected: ses.connected,
			Requests:  ses.requests.Load(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Connected.Before(infos[j].Connected)
	})

	return infos
}
