package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/quckapp/quckapp-sub001/global"
	"github.com/quckapp/quckapp-sub001/logger"
	"github.com/quckapp/quckapp-sub001/tools/errs"
	"github.com/quckapp/quckapp-sub001/tools/ids"
	"github.com/quckapp/quckapp-sub001/tools/safe"
)

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.conf.WSReadBuffer,
		WriteBufferSize: s.conf.WSWriteBuffer,
		// token auth happens on the first frame; the upgrade itself is open
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}

// HandleWS upgrades the HTTP request and runs the connection until it dies.
// The socket starts unauthorized; the client has UnauthTTL to send auth.
func (s *Server) HandleWS(c *gin.Context) {
	up := s.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("[gateway] upgrade failed remote=%s err=%v", c.Request.RemoteAddr, err)
		return
	}
	connID := ids.GenerateString()
	wc, err := s.conns.AddUnauth(connID, conn)
	if err != nil {
		logger.Errorf("[gateway] register failed conn=%s err=%v", connID, err)
		_ = conn.Close()
		return
	}
	s.conns.AttachPongHandler(conn, connID)
	safe.SafeGo("gateway.write", func() { s.writePump(wc) })
	s.readLoop(wc)
}

func (s *Server) readLoop(c *WsConn) {
	defer s.Disconnect(c.ID)
	ctx := context.Background()
	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Infof("[gateway] read closed conn=%s user=%s err=%v", c.ID, c.UserID, err)
			}
			return
		}
		env, err := global.ParseEnvelope(raw)
		if err != nil {
			s.SendError(c, errs.ErrPayload.WrapMsg(err.Error()))
			continue
		}
		// pre-auth only the handshake and heartbeat are allowed
		if !c.Authorized && env.Event != global.EventAuth && env.Event != global.EventPing {
			s.SendError(c, errs.ErrAuth.WrapMsg("authenticate first"))
			return
		}
		if err := s.disp.Dispatch(ctx, c, env); err != nil {
			s.SendError(c, err)
			if env.Event == global.EventAuth {
				return
			}
		}
	}
}
