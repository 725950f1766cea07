// Package rpc implements the RPC Dispatcher (spec §4.J): a registered route
// table invoked on every call envelope, wrapping the Activity Tracker (D)
// and, for routes marked transactional, the Transaction Manager (I).
//
// Grounded on cmd/internal/realtime/ws_gateway.go's envelope-type switch
// (readLoop dispatching on Envelope.Type), generalized from a fixed set of
// chat message types into an application-registered call table.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	v1 "zerv/shared/contracts/realtime/v1"

	"zerv/internal/activity"
	"zerv/internal/txn"
)

// CallError is the structured application error a Handler returns to drive
// the ack-formatting contract of spec §4.J step 8.
type CallError struct {
	Code        any
	Description string
}

func (e *CallError) Error() string {
	if e.Description != "" {
		return e.Description
	}
	return fmt.Sprintf("%v", e.Code)
}

// Socket is the minimal per-connection surface a call context needs.
// authsm.Conn (wrapped by the application's gateway) satisfies this.
type Socket interface {
	UserID() string
	Claims() map[string]any
	Emit(ctx context.Context, event string, data any) error
}

// Broadcaster fans a message out to peer sockets, excluding or including
// the caller.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, data any, except Socket) error
	BroadcastAll(ctx context.Context, event string, data any) error
}

// Handler implements one registered RPC route.
type Handler func(ctx context.Context, call *CallContext, arg json.RawMessage) (any, error)

// RouteOptions configures a registered route.
type RouteOptions struct {
	// Transactional opens a root transaction before invoking the handler and
	// commits/rolls it back around the handler's result (spec §4.J step 7).
	Transactional bool
}

type route struct {
	handler Handler
	opts    RouteOptions
}

// CallContext is the per-call context bound to a Handler invocation (spec
// §4.J step 6): cloned user claims with tenantId injected, the originating
// socket, broadcast/emit helpers, a log sink, and a lazily-created
// transaction.
type CallContext struct {
	User     map[string]any
	UserID   string
	TenantID string
	Socket   Socket
	IO       Broadcaster

	txPublisher txn.Publisher
	txOnce      sync.Once
	tx          *txn.Transaction

	mu   sync.Mutex
	logs []string
}

func newCallContext(socket Socket, io Broadcaster, tenantID string, txPublisher txn.Publisher) *CallContext {
	user := make(map[string]any, len(socket.Claims())+1)
	for k, v := range socket.Claims() {
		user[k] = v
	}
	user["tenantId"] = tenantID

	return &CallContext{
		User:        user,
		UserID:      socket.UserID(),
		TenantID:    tenantID,
		Socket:      socket,
		IO:          io,
		txPublisher: txPublisher,
	}
}

// Broadcast sends event to every peer socket except the caller's.
func (c *CallContext) Broadcast(ctx context.Context, event string, data any) error {
	if c.IO == nil {
		return nil
	}
	return c.IO.Broadcast(ctx, event, data, c.Socket)
}

// BroadcastAll sends event to every connected socket, including the caller's.
func (c *CallContext) BroadcastAll(ctx context.Context, event string, data any) error {
	if c.IO == nil {
		return nil
	}
	return c.IO.BroadcastAll(ctx, event, data)
}

// Emit sends event directly back to the calling socket.
func (c *CallContext) Emit(ctx context.Context, event string, data any) error {
	return c.Socket.Emit(ctx, event, data)
}

// Log appends text to this call's log sink.
func (c *CallContext) Log(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, text)
}

// Logs returns every line recorded via Log, in order.
func (c *CallContext) Logs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.logs...)
}

// Transaction lazily creates the call's root transaction on first read,
// named "Api Router" (spec §4.J step 6).
func (c *CallContext) Transaction() *txn.Transaction {
	c.txOnce.Do(func() {
		tx, _ := txn.Define(txn.ReuseOrNew, nil, txn.Options{Name: "Api Router"}, txn.Impl{}, c.txPublisher)
		c.tx = tx
	})
	return c.tx
}

// Dispatcher holds the registered route table and drives spec §4.J's
// 8-step dispatch contract.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[string]route

	activities  *activity.Tracker
	txPublisher txn.Publisher
}

// New constructs a Dispatcher. tracker gates dispatch on drain/pause (spec
// §4.D); txPublisher is forwarded to every transactional route's root
// transaction.
func New(tracker *activity.Tracker, txPublisher txn.Publisher) *Dispatcher {
	return &Dispatcher{
		routes:      make(map[string]route),
		activities:  tracker,
		txPublisher: txPublisher,
	}
}

// On registers a route under call. Re-registering a call overwrites it.
func (d *Dispatcher) On(call string, h Handler, opts RouteOptions) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[call] = route{handler: h, opts: opts}
	return d
}

// Dispatch implements spec §4.J's 8-step contract for a single rpc.call
// envelope. authorized reports whether socket carries a verified payload
// (step 3: socket.payload missing ⇒ UNAUTHORIZED).
func (d *Dispatcher) Dispatch(ctx context.Context, socket Socket, io Broadcaster, tenantID string, authorized bool, payload v1.RPCCallPayload) v1.RPCAckPayload {
	// Step 1: paused ⇒ SERVER_UNAVAILABLE.
	if d.activities.Paused() {
		return v1.RPCAckPayload{Code: "SERVER_UNAVAILABLE"}
	}

	// Step 2: malformed argument payload.
	if len(payload.Arg) > 0 && !json.Valid(payload.Arg) {
		return v1.RPCAckPayload{Code: "Incorrect data format"}
	}

	// Step 3: authentication required.
	if !authorized {
		return v1.RPCAckPayload{Code: "UNAUTHORIZED", Data: "Access requires authentication"}
	}

	// Step 4: route lookup.
	d.mu.RLock()
	rt, ok := d.routes[payload.Call]
	d.mu.RUnlock()
	if !ok {
		return v1.RPCAckPayload{Code: "API-UNKNOWN", Data: fmt.Sprintf("Unknown API call [%s]", payload.Call)}
	}

	// Step 5: activity registration.
	act := d.activities.Register(payload.Call, "zerv api", nil)
	if act == nil {
		return v1.RPCAckPayload{Code: "SERVER_UNAVAILABLE"}
	}

	// Step 6: per-call context.
	cc := newCallContext(socket, io, tenantID, d.txPublisher)

	// Steps 7-8: optional transaction wrap, invoke, format the ack.
	result, err := d.invoke(ctx, rt, cc, payload.Arg)
	if err != nil {
		act.Fail(err)
		return formatAckError(payload.Call, err)
	}
	act.Done()
	return v1.RPCAckPayload{Code: 0, Data: result}
}

func (d *Dispatcher) invoke(ctx context.Context, rt route, cc *CallContext, arg json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallError{Description: fmt.Sprintf("panic in call handler: %v", r)}
		}
	}()

	if !rt.opts.Transactional {
		return rt.handler(ctx, cc, arg)
	}

	tx := cc.Transaction()
	execErr := tx.Execute(func(*txn.Transaction) error {
		var innerErr error
		result, innerErr = rt.handler(ctx, cc, arg)
		return innerErr
	})
	return result, execErr
}

// formatAckError implements spec §4.J step 8's three-way ack-error shape.
func formatAckError(call string, err error) v1.RPCAckPayload {
	var ce *CallError
	if errors.As(err, &ce) {
		if ce.Description != "" {
			return v1.RPCAckPayload{Code: ce.Code, Data: ce.Description}
		}
		code := ce.Code
		if code == nil {
			code = "SERVER_ERROR"
		}
		return v1.RPCAckPayload{Code: code, Data: fmt.Sprintf("Backend error while API call [%s]", call)}
	}
	return v1.RPCAckPayload{Code: err.Error()}
}
