package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/relay"
)

const claimsKey = "relay_claims"

func newEngine(cfg *config.Config) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	return r
}

// AuthMiddleware accepts the same bearer credential the websocket uses.
func AuthMiddleware(auth *relay.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := auth.Authenticate(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// SetupRelayRouter serves the relay websocket plus a few helper routes and
// wraps everything in CORS for browser clients.
func SetupRelayRouter(ctx context.Context, cfg *config.Config, hub *relay.Hub, auth *relay.Authenticator) http.Handler {
	r := newEngine(cfg)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Browsers cannot set headers on websocket upgrades, so the hub
	// authenticates the token query parameter itself.
	r.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(ctx, c.Writer, c.Request)
	})

	api := r.Group("/api", AuthMiddleware(auth))
	api.GET("/online", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"users": hub.Online()})
	})

	if cfg.Relay.DevTokens {
		log.Warn().Str("module", "http").Msg("development token endpoints enabled")
		dev := r.Group("/api/dev")
		dev.POST("/token", issueToken(auth))
		dev.POST("/notify", notifySocial(hub))
	}

	log.Info().Str("module", "http").Strs("origins", cfg.Relay.AllowedOrigins).Msg("relay router setup")

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.Relay.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(r)
}

type tokenRequest struct {
	UserID   domain.UserID `json:"user_id"`
	Username string        `json:"username"`
}

func issueToken(auth *relay.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		token, err := auth.Issue(req.UserID, req.Username)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}

type notifyRequest struct {
	UserID domain.UserID      `json:"user_id"`
	Event  domain.SocialEvent `json:"event"`
}

func notifySocial(hub *relay.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req notifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		if err := hub.Notify(req.UserID, req.Event); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, relay.ErrUserOffline) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
