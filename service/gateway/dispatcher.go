package gateway

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/quckapp/quckapp-sub001/global"
)

// Handler processes one client event type.
type Handler interface {
	Event() string
	Handle(ctx context.Context, c *WsConn, env *global.Envelope) error
}

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Event()] = h }

func (d *Dispatcher) Dispatch(ctx context.Context, c *WsConn, env *global.Envelope) error {
	h, ok := d.handlers[env.Event]
	if !ok {
		glog.Infof("no handler for event=%s", env.Event)
		return fmt.Errorf("no handler for event=%s", env.Event)
	}
	return h.Handle(ctx, c, env)
}
