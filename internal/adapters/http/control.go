package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/adapters/rtc"
	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/domain"
)

// CallController is the slice of the orchestrator the UI drives.
type CallController interface {
	Snapshot() domain.CallRecord
	Subscribe() (<-chan orch.Update, func())
	RequestCall(ctx context.Context, counterpart domain.Contact, kind domain.CallKind) error
	AcceptIncoming(ctx context.Context) error
	RejectIncoming(ctx context.Context) error
	EndCall(ctx context.Context) error
	ToggleMute(ctx context.Context) error
	ToggleCamera(ctx context.Context) error
	ToggleScreenShare(ctx context.Context) error
	TogglePictureInPicture(ctx context.Context) error
	SendMessage(ctx context.Context, content string) (domain.ChatMessage, error)
}

type callRequest struct {
	UserID   domain.UserID   `json:"user_id"`
	Username string          `json:"username"`
	Avatar   string          `json:"avatar"`
	Kind     domain.CallKind `json:"kind"`
}

type messageRequest struct {
	Content string `json:"content"`
}

// SetupControlRouter exposes the call intents and a server-sent event
// stream of updates to a local UI.
func SetupControlRouter(cfg *config.Config, ctl CallController) *gin.Engine {
	r := newEngine(cfg)
	api := r.Group("/api")

	api.GET("/call", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctl.Snapshot())
	})

	api.POST("/call", func(c *gin.Context) {
		var req callRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		if req.Kind == "" {
			req.Kind = domain.CallAudio
		}
		counterpart := domain.Contact{ID: req.UserID, Username: req.Username, Avatar: req.Avatar}
		respond(c, ctl, ctl.RequestCall(c.Request.Context(), counterpart, req.Kind))
	})

	intents := map[string]func(context.Context) error{
		"accept": ctl.AcceptIncoming,
		"reject": ctl.RejectIncoming,
		"end":    ctl.EndCall,
		"mute":   ctl.ToggleMute,
		"camera": ctl.ToggleCamera,
		"screen": ctl.ToggleScreenShare,
		"pip":    ctl.TogglePictureInPicture,
	}
	for name, fn := range intents {
		api.POST("/call/"+name, func(c *gin.Context) {
			respond(c, ctl, fn(c.Request.Context()))
		})
	}

	api.POST("/messages", func(c *gin.Context) {
		var req messageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		msg, err := ctl.SendMessage(c.Request.Context(), req.Content)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, msg)
	})

	api.GET("/events", func(c *gin.Context) {
		streamUpdates(c, ctl)
	})

	log.Info().Str("module", "http").Int("port", cfg.Control.Port).Msg("control router setup")
	return r
}

func respond(c *gin.Context, ctl CallController, err error) {
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ctl.Snapshot())
}

func streamUpdates(c *gin.Context, ctl CallController) {
	updates, unsubscribe := ctl.Subscribe()
	defer unsubscribe()

	c.SSEvent("update", orch.Update{Record: ctl.Snapshot()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case u, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("update", u)
			return true
		}
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidCallKind),
		errors.Is(err, domain.ErrSelfCall),
		errors.Is(err, domain.ErrUserIDEmpty),
		errors.Is(err, domain.ErrUserIDTooLong),
		errors.Is(err, domain.ErrMessageEmpty),
		errors.Is(err, domain.ErrMessageTooLong):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCallInProgress),
		errors.Is(err, domain.ErrNoIncomingCall),
		errors.Is(err, domain.ErrNoActiveCall),
		errors.Is(err, rtc.ErrDataChannelClosed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrChannelUnavailable),
		errors.Is(err, orch.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}
