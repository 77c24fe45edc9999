package electrum

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferrumserver/ferrum/foundation/indexer/admission"
	"github.com/gorilla/websocket"
)

// Connection handling limits.
const (
	writeTimeout   = 30 * time.Second
	requestTimeout = 30 * time.Second
)

// errOversized is returned by a transport when a client message exceeds
// the buffer ceiling configured on the state.
var errOversized = errors.New("message exceeds the buffer ceiling")

// =============================================================================

// transport abstracts the framing differences between the socket
// flavors: newline delimited messages over TCP and TLS, one message per
// frame over websockets.
type transport interface {
	ReadMessage(limit int) ([]byte, error)
	WriteMessage(msg []byte, deadline time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// lineTransport frames messages with a trailing newline.
type lineTransport struct {
	conn net.Conn
	rdr  *bufio.Reader
}

func newLineTransport(conn net.Conn) *lineTransport {
	lt := lineTransport{
		conn: conn,
		rdr:  bufio.NewReader(conn),
	}

	return &lt
}

// ReadMessage returns the next line, accumulating reader chunks until
// the delimiter shows up or the line crosses the limit. The limit is
// checked per call so buffer reconfiguration applies to the next read.
func (lt *lineTransport) ReadMessage(limit int) ([]byte, error) {
	var line []byte

	for {
		chunk, err := lt.rdr.ReadSlice('\n')
		line = append(line, chunk...)

		switch {
		case err == nil:
			if len(line) > limit {
				return nil, errOversized
			}
			return bytes.TrimRight(line, "\r\n"), nil

		case errors.Is(err, bufio.ErrBufferFull):
			if len(line) > limit {
				return nil, errOversized
			}

		default:
			return nil, err
		}
	}
}

func (lt *lineTransport) WriteMessage(msg []byte, deadline time.Time) error {
	if err := lt.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')

	if _, err := lt.conn.Write(buf); err != nil {
		return err
	}

	return nil
}

func (lt *lineTransport) RemoteAddr() net.Addr {
	return lt.conn.RemoteAddr()
}

func (lt *lineTransport) Close() error {
	return lt.conn.Close()
}

// wsTransport frames one message per websocket frame.
type wsTransport struct {
	conn *websocket.Conn
}

func (wt *wsTransport) ReadMessage(limit int) ([]byte, error) {
	wt.conn.SetReadLimit(int64(limit))

	_, msg, err := wt.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	return msg, nil
}

func (wt *wsTransport) WriteMessage(msg []byte, deadline time.Time) error {
	if err := wt.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	return wt.conn.WriteMessage(websocket.TextMessage, msg)
}

func (wt *wsTransport) RemoteAddr() net.Addr {
	return wt.conn.RemoteAddr()
}

func (wt *wsTransport) Close() error {
	return wt.conn.Close()
}

// =============================================================================

// session serves a single client connection for its lifetime.
type session struct {
	id        string
	srv       *Server
	tr        transport
	tok       *admission.Conn
	ip        string
	kind      string
	connected time.Time
	requests  atomic.Uint64
	writeMu   sync.Mutex
}

// runSession owns the connection: it wires the session into the
// bookkeeping, pumps requests until the socket fails, and tears
// everything down in order.
func (srv *Server) runSession(tr transport, tok *admission.Conn, kind string) {

	// A connection can slip through accept right as shutdown begins.
	if srv.down.Load() {
		tok.Release()
		tr.Close()
		return
	}

	srv.wg.Add(1)
	defer srv.wg.Done()

	ses := session{
		id:        fmt.Sprintf("session-%d", srv.sessionID.Add(1)),
		srv:       srv,
		tr:        tr,
		tok:       tok,
		ip:        tok.IP(),
		kind:      kind,
		connected: time.Now().UTC(),
	}

	defer func() {
		srv.untrack(&ses)
		tok.Release()
		tr.Close()
		srv.evHandler("electrum: %s: closed", ses.id)
	}()

	queue := srv.events.Acquire(ses.id)
	srv.track(&ses)

	srv.evHandler("electrum: %s: opened: ip[%s] transport[%s]", ses.id, ses.ip, kind)

	// The writer drains queued notifications until the queue closes. A
	// failed write kills the socket so the reader unblocks as well.
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		for msg := range queue {
			if err := ses.write(msg); err != nil {
				srv.evHandler("electrum: %s: notify: %s", ses.id, err)
				tr.Close()
				break
			}
		}
	}()

	ses.read()

	// Stop routing notifications to this session, then close the queue
	// so the writer goroutine exits.
	if dropped := srv.registry.DropConnection(ses.id); dropped > 0 {
		srv.evHandler("electrum: %s: dropped %d subscriptions", ses.id, dropped)
	}
	srv.events.Release(ses.id)
	writer.Wait()
}

// read pumps requests until the connection fails or closes.
func (ses *session) read() {
	for {
		msg, err := ses.tr.ReadMessage(ses.srv.state.MaxBuffer())
		if err != nil {
			switch {
			case errors.Is(err, errOversized):
				ses.srv.evHandler("electrum: %s: %s", ses.id, err)
				ses.writeError(nil, codeInvalidRequest, "request exceeds the server buffer limit")

			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):

			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):

			default:
				ses.srv.evHandler("electrum: %s: read: %s", ses.id, err)
			}
			return
		}

		if len(bytes.TrimSpace(msg)) == 0 {
			continue
		}

		ses.requests.Add(1)
		ses.dispatch(msg)
	}
}

// dispatch parses one request and routes it through the handler table.
func (ses *session) dispatch(msg []byte) {
	var req request
	if err := json.Unmarshal(msg, &req); err != nil {
		ses.writeError(nil, codeParse, "request is not valid JSON")
		return
	}

	if req.Method == "" {
		ses.writeError(req.ID, codeInvalidRequest, "method is required")
		return
	}

	handler, exists := handlers[req.Method]
	if !exists {
		ses.writeError(req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
		return
	}

	result, rpcErr := handler(ses, req.Params)
	if rpcErr != nil {
		ses.writeError(req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	// A completed request is the handshake as far as admission is
	// concerned.
	ses.tok.Ready()

	ses.writeResult(req.ID, result)
}

// write sends one framed message. The mutex keeps responses and pushed
// notifications from interleaving on the wire.
func (ses *session) write(msg []byte) error {
	ses.writeMu.Lock()
	defer ses.writeMu.Unlock()

	return ses.tr.WriteMessage(msg, time.Now().Add(writeTimeout))
}

func (ses *session) writeResult(id json.RawMessage, result any) {
	resp := response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Result:  result,
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		ses.srv.evHandler("electrum: %s: marshal response: %s", ses.id, err)
		return
	}

	if err := ses.write(payload); err != nil {
		ses.tr.Close()
	}
}

func (ses *session) writeError(id json.RawMessage, code int, message string) {
	resp := errorResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error: rpcError{
			Code:    code,
			Message: message,
		},
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}

	if err := ses.write(payload); err != nil {
		ses.tr.Close()
	}
}
