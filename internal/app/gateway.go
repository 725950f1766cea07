package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	v1 "zerv/shared/contracts/realtime/v1"

	"zerv/internal/authsm"
	"zerv/internal/revocation"
	"zerv/internal/rpc"
	"zerv/internal/tokencodec"
	"zerv/internal/usersession"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1      = "zerv.realtime.v1"
	defaultSendQueueSize = 128
	defaultWriteTimeout  = 5 * time.Second
	defaultCloseTimeout  = 1 * time.Second
	heartbeatInterval    = 20 * time.Second
	heartbeatTimeout     = 5 * time.Second
	maxConsecutivePings  = 3
)

// Gateway terminates websocket connections, drives each one's Socket
// Authentication State Machine (authsm.Conn), and dispatches authenticated
// rpc.call envelopes to the RPC Dispatcher.
//
// Grounded on cmd/internal/realtime/ws_gateway.go's accept/writer/heartbeat/
// readLoop shape, generalized from a fixed hello/join/message-send envelope
// switch to authenticate/logout/activity/rpc.call.
type Gateway struct {
	log        *slog.Logger
	manager    *usersession.Manager
	codec      *tokencodec.Codec
	revocation *revocation.Store
	registry   *authsm.Registry
	authOpts   authsm.Options
	dispatcher *rpc.Dispatcher
	activity   activityForwarder

	hub *socketHub

	maxFrameBytes int64
}

// activityForwarder receives opaque client liveness pings (spec §6
// "activity" socket event); zerv logs them, leaving richer telemetry to a
// future metrics layer.
type activityForwarder func(ctx context.Context, origin string, msg json.RawMessage)

// NewGateway constructs a Gateway.
func NewGateway(log *slog.Logger, manager *usersession.Manager, codec *tokencodec.Codec, revocationStore *revocation.Store, registry *authsm.Registry, authOpts authsm.Options, dispatcher *rpc.Dispatcher, maxFrameBytes int64) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if maxFrameBytes <= 0 {
		maxFrameBytes = 100 << 20
	}
	return &Gateway{
		log:           log,
		manager:       manager,
		codec:         codec,
		revocation:    revocationStore,
		registry:      registry,
		authOpts:      authOpts,
		dispatcher:    dispatcher,
		hub:           newSocketHub(),
		maxFrameBytes: maxFrameBytes,
		activity: func(_ context.Context, origin string, msg json.RawMessage) {
			log.Debug("ws.activity", "origin", origin, "bytes", len(msg))
		},
	}
}

// socketHub tracks every live socket process-wide, backing rpc.Broadcaster
// (spec §4.J CallContext.Broadcast/BroadcastAll). Distinct from
// authsm.Registry, which is keyed per-origin for wrong_user/token
// propagation only.
type socketHub struct {
	mu    sync.RWMutex
	conns map[*socket]struct{}
}

func newSocketHub() *socketHub {
	return &socketHub{conns: make(map[*socket]struct{})}
}

func (h *socketHub) add(s *socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[s] = struct{}{}
}

func (h *socketHub) remove(s *socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, s)
}

func (h *socketHub) snapshot() []*socket {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*socket, 0, len(h.conns))
	for s := range h.conns {
		out = append(out, s)
	}
	return out
}

// Broadcast implements rpc.Broadcaster.
func (h *socketHub) Broadcast(ctx context.Context, event string, data any, except rpc.Socket) error {
	for _, s := range h.snapshot() {
		if rpc.Socket(s) == except {
			continue
		}
		_ = s.Emit(ctx, event, data)
	}
	return nil
}

// BroadcastAll implements rpc.Broadcaster.
func (h *socketHub) BroadcastAll(ctx context.Context, event string, data any) error {
	for _, s := range h.snapshot() {
		_ = s.Emit(ctx, event, data)
	}
	return nil
}

// socket is one connected websocket's transport: it implements
// authsm.Transport (Send/Close) and rpc.Socket (UserID/Claims/Emit), bridging
// the Socket Auth SM and the RPC Dispatcher onto the same physical
// connection.
type socket struct {
	sessionID string
	conn      *websocket.Conn
	send      chan v1.Envelope
	done      chan struct{}
	closeOnce sync.Once

	sm *authsm.Conn
}

func newSocket(conn *websocket.Conn, sessionID string) *socket {
	return &socket{
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan v1.Envelope, defaultSendQueueSize),
		done:      make(chan struct{}),
	}
}

// Send implements authsm.Transport.
func (s *socket) Send(ctx context.Context, typ string, payload any) error {
	return s.enqueue(ctx, typ, "", payload)
}

// Close implements authsm.Transport.
func (s *socket) Close(ctx context.Context, reason string) error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(websocket.StatusPolicyViolation, reason)
	})
	return nil
}

// UserID implements rpc.Socket.
func (s *socket) UserID() string { return s.sm.UserID() }

// Claims implements rpc.Socket.
func (s *socket) Claims() map[string]any { return s.sm.Identity().Claims }

// Emit implements rpc.Socket.
func (s *socket) Emit(ctx context.Context, event string, data any) error {
	return s.enqueue(ctx, event, "", data)
}

func (s *socket) sendAck(ctx context.Context, correlationID string, ack v1.RPCAckPayload) error {
	return s.enqueue(ctx, v1.TypeRPCAck, correlationID, ack)
}

func (s *socket) enqueue(ctx context.Context, typ, correlationID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	id := correlationID
	if id == "" {
		id = newRandomHex(10)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: raw}

	select {
	case s.send <- env:
		return nil
	case <-s.done:
		return errors.New("gateway: socket closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleWS upgrades r to a websocket and drives its lifecycle until the peer
// disconnects or a fatal protocol error occurs.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(g.maxFrameBytes)

	sock := newSocket(conn, newRandomHex(10))
	sock.sm = authsm.NewConn(sock, g.manager, g.codec, g.revocation, g.registry, g.authOpts)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.hub.add(sock)
	defer g.hub.remove(sock)

	sock.sm.OnConnect(ctx)

	writerDone := make(chan struct{})
	go g.writeLoop(ctx, sock, writerDone)

	heartbeatDone := make(chan struct{})
	go g.heartbeatLoop(ctx, sock, heartbeatDone)

readLoop:
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			g.logReadErr(sock.sessionID, err)
			break readLoop
		}

		if err := env.Validate(); err != nil {
			_ = sock.enqueue(ctx, v1.TypeError, "", v1.ErrorPayload{Code: "invalid_envelope", Message: err.Error()})
			continue readLoop
		}

		if g.dispatchEnvelope(ctx, sock, env) {
			break readLoop
		}

		if ctx.Err() != nil {
			break readLoop
		}
	}

	sock.sm.Disconnect(ctx)
	_ = sock.Close(ctx, "bye")

	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(defaultCloseTimeout):
	}
}

// dispatchEnvelope handles one inbound envelope. It returns true when the
// read loop must stop (the socket was closed by authsm.fail).
func (g *Gateway) dispatchEnvelope(ctx context.Context, sock *socket, env v1.Envelope) (stop bool) {
	switch env.Type {
	case v1.TypeAuthenticate:
		var p v1.AuthenticatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			_ = sock.enqueue(ctx, v1.TypeError, "", v1.ErrorPayload{Code: "invalid_payload", Message: "invalid authenticate payload"})
			return false
		}
		if err := sock.sm.Authenticate(ctx, p); err != nil {
			return true
		}
		// Go has no client-ack callback; the gateway acks immediately once
		// the authenticated envelope has been handed to the write loop.
		_ = sock.sm.AckAuthenticated(ctx)
		return false

	case v1.TypeLogout:
		sock.sm.Logout(ctx)
		return false

	case v1.TypeActivity:
		if g.activity != nil {
			var p v1.ActivityPayload
			_ = json.Unmarshal(env.Payload, &p)
			g.activity(ctx, sock.sm.Origin(), p.Msg)
		}
		return false

	case v1.TypeRPCCall:
		var p v1.RPCCallPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			_ = sock.sendAck(ctx, env.ID, v1.RPCAckPayload{Code: "Incorrect data format"})
			return false
		}
		authorized := sock.sm.State() == authsm.StateActive
		ack := g.dispatcher.Dispatch(ctx, sock, g.hub, sock.sm.Identity().TenantID, authorized, p)
		_ = sock.sendAck(ctx, env.ID, ack)
		return false

	default:
		_ = sock.enqueue(ctx, v1.TypeError, "", v1.ErrorPayload{Code: "unsupported_type", Message: fmt.Sprintf("unsupported type: %s", env.Type)})
		return false
	}
}

func (g *Gateway) writeLoop(ctx context.Context, sock *socket, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sock.done:
			return
		case env, ok := <-sock.send:
			if !ok {
				return
			}
			if err := writeEnvelope(ctx, sock.conn, env, defaultWriteTimeout); err != nil {
				g.log.Info("ws.write.fail", "session_id", sock.sessionID, "err", err)
				_ = sock.Close(ctx, "write failed")
				return
			}
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, sock *socket, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-sock.done:
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, heartbeatTimeout)
			err := sock.conn.Ping(hbCtx)
			hbCancel()
			if err != nil {
				failures++
				if failures >= maxConsecutivePings {
					_ = sock.Close(ctx, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (g *Gateway) logReadErr(sessionID string, err error) {
	status := websocket.CloseStatus(err)
	switch {
	case status != -1:
		g.log.Info("ws.read.close", "session_id", sessionID, "close_status", status)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		g.log.Info("ws.read.ctx_done", "session_id", sessionID, "err", err)
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		g.log.Info("ws.read.conn_closed", "session_id", sessionID, "err", err)
	default:
		g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
	}
}

func readEnvelope(parent context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(parent)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, d time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func newRandomHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
