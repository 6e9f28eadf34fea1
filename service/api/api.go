package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quckapp/quckapp-sub001/global"
	"github.com/quckapp/quckapp-sub001/middleware"
	"github.com/quckapp/quckapp-sub001/service/gateway"
	"github.com/quckapp/quckapp-sub001/tools/errs"
	"github.com/quckapp/quckapp-sub001/tools/security"
)

// RegisterRoutes mounts the management API. Everything under /api/v1 needs
// a service token issued by auth-service.
func RegisterRoutes(r *gin.Engine, s *gateway.Server, conf global.Config) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "gateway_id": conf.GatewayID})
	})

	v1 := r.Group("/api/v1", middleware.Auth(security.Options{
		Secret: []byte(conf.JWTSecret),
		Issuer: conf.JWTIssuer,
	}))

	v1.GET("/presence/:user_id", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Tracker().Query(c.Request.Context(), c.Param("user_id")))
	})

	v1.GET("/calls/:id", func(c *gin.Context) {
		snap, err := s.Calls().Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortErr(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	v1.POST("/calls/:id/invite", func(c *gin.Context) {
		var body struct {
			UserID string `json:"user_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.UserID == "" {
			abortErr(c, errs.ErrPayload.WrapMsg("missing user_id"))
			return
		}
		snap, err := s.Calls().Invite(c.Request.Context(), c.Param("id"), middleware.UserID(c), body.UserID)
		if err != nil {
			abortErr(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	v1.POST("/calls/:id/end", func(c *gin.Context) {
		snap, err := s.Calls().End(c.Request.Context(), c.Param("id"), middleware.UserID(c))
		if err != nil {
			abortErr(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	v1.GET("/huddles/:id", func(c *gin.Context) {
		snap, err := s.Huddles().Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortErr(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	v1.GET("/conversations/:id/huddle", func(c *gin.Context) {
		snap, err := s.Huddles().ForConversation(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortErr(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	v1.POST("/huddles/:id/leave", func(c *gin.Context) {
		if err := s.Huddles().Leave(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
			abortErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}

// abortErr maps taxonomy codes onto HTTP statuses.
func abortErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errs.Code(err) {
	case errs.CodePayload:
		status = http.StatusBadRequest
	case errs.CodeAuth:
		status = http.StatusUnauthorized
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeStateConflict, errs.CodeCapacityExceeded:
		status = http.StatusConflict
	case errs.CodeTransientDelivery:
		status = http.StatusBadGateway
	}
	c.AbortWithStatusJSON(status, gin.H{"code": errs.Code(err), "error": err.Error()})
}
