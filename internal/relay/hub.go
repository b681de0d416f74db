// Package relay is the development signaling relay: it authenticates one
// websocket per user, forwards webrtc_signal frames between users and
// broadcasts presence. Signal bodies are forwarded without inspection.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/peercall/internal/domain"
)

var ErrUserOffline = errors.New("user offline")

const (
	typeSignal        = "webrtc_signal"
	typePing          = "ping"
	typePong          = "pong"
	typeUserOnline    = "user_online"
	typeUserOffline   = "user_offline"
	typeFriendAdded   = "friend_added"
	typeFriendRemoved = "friend_removed"
)

type inboundFrame struct {
	Type     string          `json:"type"`
	ToUserID domain.UserID   `json:"to_user_id"`
	Signal   json.RawMessage `json:"signal"`
}

type signalFrame struct {
	Type       string          `json:"type"`
	FromUserID domain.UserID   `json:"from_user_id"`
	ToUserID   domain.UserID   `json:"to_user_id"`
	Signal     json.RawMessage `json:"signal"`
}

type presenceFrame struct {
	Type   string        `json:"type"`
	UserID domain.UserID `json:"user_id"`
}

type socialFrame struct {
	Type           string        `json:"type"`
	FriendID       domain.UserID `json:"friend_id"`
	FriendUsername string        `json:"friend_username,omitempty"`
	FriendCode     string        `json:"friend_code,omitempty"`
}

var pongFrame = []byte(`{"type":"pong"}`)

type Options struct {
	ReadLimit  int64
	WriteWait  time.Duration
	IdleWait   time.Duration
	SendBuffer int
	Limiter    *SignalLimiter
}

func (o *Options) defaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.IdleWait <= 0 {
		o.IdleWait = 90 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.Limiter == nil {
		o.Limiter = NewSignalLimiter(0, 1)
	}
}

// Hub keeps at most one connection per user. A newer connection for the
// same user replaces the older one.
type Hub struct {
	auth     *Authenticator
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[domain.UserID]*Conn
	wg    sync.WaitGroup
}

func NewHub(auth *Authenticator, opts Options) *Hub {
	opts.defaults()
	return &Hub{
		auth:  auth,
		opts:  opts,
		conns: make(map[domain.UserID]*Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS authenticates and upgrades r, then serves the connection in the
// background until ctx is done or the peer goes away.
func (h *Hub) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.Authenticate(r)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("remote", r.RemoteAddr).Msg("rejected connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}

	c := newConn(claims.UserID(), claims.Username, ws, h.opts.SendBuffer)
	h.register(c)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.serve(ctx, c)
	}()
}

func (h *Hub) serve(ctx context.Context, c *Conn) {
	defer h.unregister(c)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		c.Close()
		return nil
	})
	g.Go(func() error { return c.writePump(gctx, h.opts.WriteWait) })
	g.Go(func() error { return c.readPump(h.opts.ReadLimit, h.opts.IdleWait, h.handleFrame) })
	err := g.Wait()
	log.Debug().Err(err).Str("module", "relay").Str("user", string(c.id)).Msg("connection finished")
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	old := h.conns[c.id]
	h.conns[c.id] = c
	others := make([]*Conn, 0, len(h.conns))
	for id, o := range h.conns {
		if id != c.id {
			others = append(others, o)
		}
	}
	h.mu.Unlock()

	if old != nil {
		log.Info().Str("module", "relay").Str("user", string(c.id)).Msg("replacing previous connection")
		old.Close()
	}

	// The newcomer learns who is already here before anyone hears of it.
	for _, o := range others {
		h.sendJSON(c, presenceFrame{Type: typeUserOnline, UserID: o.id})
	}
	h.broadcast(presenceFrame{Type: typeUserOnline, UserID: c.id})
	log.Info().Str("module", "relay").Str("user", string(c.id)).Str("username", c.username).Msg("user online")
}

func (h *Hub) unregister(c *Conn) {
	c.Close()
	h.mu.Lock()
	current := h.conns[c.id] == c
	if current {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()
	if !current {
		return
	}
	h.opts.Limiter.Forget(c.id)
	h.broadcast(presenceFrame{Type: typeUserOffline, UserID: c.id})
	log.Info().Str("module", "relay").Str("user", string(c.id)).Msg("user offline")
}

func (h *Hub) handleFrame(c *Conn, data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("user", string(c.id)).Msg("bad json")
		return
	}

	switch f.Type {
	case typePing:
		if err := c.TrySend(pongFrame); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("user", string(c.id)).Msg("pong not sent")
		}
	case typePong:
	case typeSignal:
		h.route(c, f)
	default:
		log.Debug().Str("module", "relay").Str("type", f.Type).Msg("ignored frame")
	}
}

// route forwards the signal body verbatim, stamping the authenticated
// sender so clients cannot spoof from_user_id.
func (h *Hub) route(from *Conn, f inboundFrame) {
	if err := f.ToUserID.Validate(); err != nil || len(f.Signal) == 0 {
		log.Warn().Str("module", "relay").Str("user", string(from.id)).Msg("dropping malformed signal")
		return
	}
	if !h.opts.Limiter.Allow(from.id) {
		log.Warn().Str("module", "relay").Str("user", string(from.id)).Msg("signal rate limited")
		return
	}

	h.mu.RLock()
	to := h.conns[f.ToUserID]
	h.mu.RUnlock()
	if to == nil {
		log.Debug().Str("module", "relay").Str("from", string(from.id)).Str("to", string(f.ToUserID)).Msg("recipient offline, dropping signal")
		return
	}
	h.sendJSON(to, signalFrame{Type: typeSignal, FromUserID: from.id, ToUserID: f.ToUserID, Signal: f.Signal})
}

// Notify pushes a friend list change to one connected user.
func (h *Hub) Notify(uid domain.UserID, ev domain.SocialEvent) error {
	switch ev.Kind {
	case domain.SocialFriendAdded, domain.SocialFriendRemoved:
	default:
		return errors.New("unknown social event kind")
	}
	h.mu.RLock()
	c := h.conns[uid]
	h.mu.RUnlock()
	if c == nil {
		return ErrUserOffline
	}
	return h.sendJSONErr(c, socialFrame{
		Type:           string(ev.Kind),
		FriendID:       ev.FriendID,
		FriendUsername: ev.FriendUsername,
		FriendCode:     ev.FriendCode,
	})
}

// Online lists connected users ordered by id.
func (h *Hub) Online() []domain.Contact {
	h.mu.RLock()
	out := make([]domain.Contact, 0, len(h.conns))
	for id, c := range h.conns {
		out = append(out, domain.Contact{ID: id, Username: c.username})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close drops every connection and waits for their pumps to exit.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
	h.wg.Wait()
}

func (h *Hub) broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("broadcast marshal")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if err := c.TrySend(b); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("user", string(c.id)).Msg("broadcast dropped")
		}
	}
}

func (h *Hub) sendJSON(c *Conn, v any) {
	if err := h.sendJSONErr(c, v); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("user", string(c.id)).Msg("frame dropped")
	}
}

func (h *Hub) sendJSONErr(c *Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.TrySend(b)
}
