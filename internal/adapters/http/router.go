// Package http exposes the engine's control API to the local UI: REST
// endpoints for call actions and a websocket feed of engine events.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/app"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/config"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/core"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type callRequest struct {
	Remote string `json:"remote" binding:"required"`
}

type trackRequest struct {
	Kind    string `json:"kind" binding:"required"`
	Enabled bool   `json:"enabled"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, eng *app.Engine) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CallSessions", store))
	r.Use(ClientTokenMiddleware())

	api := r.Group("/api")

	api.POST("/register", func(c *gin.Context) {
		handle, err := eng.Register(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"handle": handle})
	})

	api.POST("/call", func(c *gin.Context) {
		var req callRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := eng.Calls.StartCall(c.Request.Context(), domain.Identity(req.Remote)); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"call": eng.Calls.Info()})
	})

	api.POST("/answer", func(c *gin.Context) {
		if err := eng.Calls.Answer(c.Request.Context()); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"call": eng.Calls.Info()})
	})

	api.POST("/reject", func(c *gin.Context) {
		if err := eng.Calls.Reject(c.Request.Context()); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"call": eng.Calls.Info()})
	})

	api.POST("/hangup", func(c *gin.Context) {
		if err := eng.Calls.HangUp(c.Request.Context()); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"call": eng.Calls.Info()})
	})

	api.POST("/track", func(c *gin.Context) {
		var req trackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		kind := core.TrackKind(req.Kind)
		if kind != core.TrackAudio && kind != core.TrackVideo {
			c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be audio or video"})
			return
		}
		if err := eng.Calls.SetTrackEnabled(c.Request.Context(), kind, req.Enabled); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"kind": kind, "enabled": req.Enabled})
	})

	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"identity":     eng.Identity,
			"connectivity": eng.Peers.Status(),
			"call":         eng.Calls.Info(),
		})
	})

	api.GET("/ws/events", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws events endpoint hit")
		streamEvents(ctx, c, eng)
	})

	log.Info().Str("module", "adapters.http").Int("port", cfg.Port).Msg("router setup")
	return r
}

// streamEvents upgrades to a websocket and forwards engine events until
// the client or the server goes away.
func streamEvents(ctx context.Context, c *gin.Context, eng *app.Engine) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := eng.Calls.SubscribeEvents()
	defer cancel()

	// Drain the client side so pings and close frames are processed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-clientGone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("ws events write error")
				return
			}
		}
	}
}

// fail maps engine errors onto HTTP statuses.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrCallAlreadyActive):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNoPendingOffer):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrRelayUnavailable), errors.Is(err, domain.ErrRegistrationFailed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrMediaAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrDeviceUnavailable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
