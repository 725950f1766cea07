package rpc

import (
	"context"
	"encoding/json"
	"testing"

	v1 "zerv/shared/contracts/realtime/v1"

	"zerv/internal/activity"
)

type fakeSocket struct {
	userID string
	claims map[string]any
	sent   []string
}

func (s *fakeSocket) UserID() string            { return s.userID }
func (s *fakeSocket) Claims() map[string]any    { return s.claims }
func (s *fakeSocket) Emit(_ context.Context, event string, _ any) error {
	s.sent = append(s.sent, event)
	return nil
}

func TestDispatchUnknownRoute(t *testing.T) {
	t.Parallel()
	d := New(activity.NewTracker(), nil)
	socket := &fakeSocket{userID: "u1", claims: map[string]any{}}

	ack := d.Dispatch(context.Background(), socket, nil, "t1", true, v1.RPCCallPayload{Call: "nope"})
	if ack.Code != "API-UNKNOWN" {
		t.Fatalf("Code=%v want API-UNKNOWN", ack.Code)
	}
}

func TestDispatchRequiresAuthentication(t *testing.T) {
	t.Parallel()
	d := New(activity.NewTracker(), nil)
	d.On("ping", func(ctx context.Context, call *CallContext, arg json.RawMessage) (any, error) {
		return "pong", nil
	}, RouteOptions{})
	socket := &fakeSocket{}

	ack := d.Dispatch(context.Background(), socket, nil, "", false, v1.RPCCallPayload{Call: "ping"})
	if ack.Code != "UNAUTHORIZED" {
		t.Fatalf("Code=%v want UNAUTHORIZED", ack.Code)
	}
}

func TestDispatchSuccessAcksZeroCodeWithResult(t *testing.T) {
	t.Parallel()
	d := New(activity.NewTracker(), nil)
	d.On("ping", func(ctx context.Context, call *CallContext, arg json.RawMessage) (any, error) {
		if call.UserID != "u1" {
			t.Fatalf("UserID=%q want u1", call.UserID)
		}
		if call.User["tenantId"] != "t1" {
			t.Fatalf("User[tenantId]=%v want t1", call.User["tenantId"])
		}
		return "pong", nil
	}, RouteOptions{})

	socket := &fakeSocket{userID: "u1", claims: map[string]any{"email": "a@b.com"}}
	ack := d.Dispatch(context.Background(), socket, nil, "t1", true, v1.RPCCallPayload{Call: "ping"})
	if ack.Code != 0 {
		t.Fatalf("Code=%v want 0", ack.Code)
	}
	if ack.Data != "pong" {
		t.Fatalf("Data=%v want pong", ack.Data)
	}
}

func TestDispatchHandlerErrorWithDescription(t *testing.T) {
	t.Parallel()
	d := New(activity.NewTracker(), nil)
	d.On("boom", func(ctx context.Context, call *CallContext, arg json.RawMessage) (any, error) {
		return nil, &CallError{Code: "BAD_INPUT", Description: "missing field x"}
	}, RouteOptions{})

	socket := &fakeSocket{userID: "u1"}
	ack := d.Dispatch(context.Background(), socket, nil, "t1", true, v1.RPCCallPayload{Call: "boom"})
	if ack.Code != "BAD_INPUT" || ack.Data != "missing field x" {
		t.Fatalf("ack=%+v", ack)
	}
}

func TestDispatchGenericErrorFallsBackToBareCode(t *testing.T) {
	t.Parallel()
	d := New(activity.NewTracker(), nil)
	d.On("boom", func(ctx context.Context, call *CallContext, arg json.RawMessage) (any, error) {
		return nil, errPlain
	}, RouteOptions{})

	socket := &fakeSocket{userID: "u1"}
	ack := d.Dispatch(context.Background(), socket, nil, "t1", true, v1.RPCCallPayload{Call: "boom"})
	if ack.Code != errPlain.Error() {
		t.Fatalf("Code=%v want %q", ack.Code, errPlain.Error())
	}
}

func TestDispatchPausedRefusesWithServerUnavailable(t *testing.T) {
	t.Parallel()
	tracker := activity.NewTracker()
	if err := tracker.Pause(context.Background(), 0); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	d := New(tracker, nil)
	d.On("ping", func(ctx context.Context, call *CallContext, arg json.RawMessage) (any, error) {
		return "pong", nil
	}, RouteOptions{})

	socket := &fakeSocket{userID: "u1"}
	ack := d.Dispatch(context.Background(), socket, nil, "t1", true, v1.RPCCallPayload{Call: "ping"})
	if ack.Code != "SERVER_UNAVAILABLE" {
		t.Fatalf("Code=%v want SERVER_UNAVAILABLE", ack.Code)
	}
}

func TestDispatchTransactionalRouteCommitsOnSuccess(t *testing.T) {
	t.Parallel()
	d := New(activity.NewTracker(), nil)
	d.On("write", func(ctx context.Context, call *CallContext, arg json.RawMessage) (any, error) {
		if call.Transaction() == nil {
			t.Fatal("expected a non-nil root transaction for a transactional route")
		}
		return "ok", nil
	}, RouteOptions{Transactional: true})

	socket := &fakeSocket{userID: "u1"}
	ack := d.Dispatch(context.Background(), socket, nil, "t1", true, v1.RPCCallPayload{Call: "write"})
	if ack.Code != 0 {
		t.Fatalf("Code=%v want 0", ack.Code)
	}
}

type plainError struct{ msg string }

func (e *plainError) Error() string { return e.msg }

var errPlain = &plainError{msg: "disk offline"}
