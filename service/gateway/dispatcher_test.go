package gateway

import (
	"context"
	"testing"

	"github.com/quckapp/quckapp-sub001/global"
)

type stubHandler struct {
	event string
	calls int
}

func (h *stubHandler) Event() string { return h.event }

func (h *stubHandler) Handle(ctx context.Context, c *WsConn, env *global.Envelope) error {
	h.calls++
	return nil
}

func TestDispatchRoutesByEvent(t *testing.T) {
	d := NewDispatcher()
	ping := &stubHandler{event: "ping"}
	d.Register(ping)

	if err := d.Dispatch(context.Background(), nil, &global.Envelope{Event: "ping"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ping.calls != 1 {
		t.Fatalf("calls = %d, want 1", ping.calls)
	}
}

func TestDispatchUnknownEventErrors(t *testing.T) {
	d := NewDispatcher()
	d.Register(&stubHandler{event: "ping"})

	if err := d.Dispatch(context.Background(), nil, &global.Envelope{Event: "warp"}); err == nil {
		t.Fatalf("unknown event dispatched without error")
	}
}
