package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/relay"
)

type testRelay struct {
	hub  *relay.Hub
	auth *relay.Authenticator
	srv  *httptest.Server
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()
	auth, err := relay.NewAuthenticator("test-secret", 0, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	hub := relay.NewHub(auth, relay.Options{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(ctx, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		hub.Close()
	})
	return &testRelay{hub: hub, auth: auth, srv: srv}
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

// recorder collects everything a Client reports.
type recorder struct {
	mu        sync.Mutex
	envelopes []domain.Envelope
	presence  []domain.PresenceEvent
	social    []domain.SocialEvent
	closed    []ClosedEvent
	opens     atomic.Int32
}

func (r *recorder) attach(c *Client) {
	c.OnEnvelope(func(env domain.Envelope) { r.mu.Lock(); r.envelopes = append(r.envelopes, env); r.mu.Unlock() })
	c.OnPresence(func(ev domain.PresenceEvent) { r.mu.Lock(); r.presence = append(r.presence, ev); r.mu.Unlock() })
	c.OnSocial(func(ev domain.SocialEvent) { r.mu.Lock(); r.social = append(r.social, ev); r.mu.Unlock() })
	c.OnClosed(func(ev ClosedEvent) { r.mu.Lock(); r.closed = append(r.closed, ev); r.mu.Unlock() })
	c.OnOpen(func() { r.opens.Add(1) })
}

func (r *recorder) gotEnvelopes() []domain.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Envelope(nil), r.envelopes...)
}

func (r *recorder) sawOnline(id domain.UserID, online bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.presence {
		if ev.UserID == id && ev.Online == online {
			return true
		}
	}
	return false
}

func (r *recorder) lastClosed() (ClosedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.closed) == 0 {
		return ClosedEvent{}, false
	}
	return r.closed[len(r.closed)-1], true
}

func (r *recorder) closedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closed)
}

func connect(t *testing.T, url string, id domain.UserID, token string, opts Options) (*Client, *recorder) {
	t.Helper()
	opts.URL = url
	c := NewClient(opts)
	rec := &recorder{}
	rec.attach(c)
	require.NoError(t, c.Connect(context.Background(), Identity{UserID: id, Token: token}))
	t.Cleanup(c.Close)
	return c, rec
}

func (r *testRelay) token(t *testing.T, id domain.UserID) string {
	t.Helper()
	tok, err := r.auth.Issue(id, "")
	require.NoError(t, err)
	return tok
}

func TestClientRoundTripThroughRelay(t *testing.T) {
	r := startRelay(t)
	alice, aliceRec := connect(t, wsURL(r.srv), "alice", r.token(t, "alice"), Options{})
	_, bobRec := connect(t, wsURL(r.srv), "bob", r.token(t, "bob"), Options{})

	require.Eventually(t, func() bool { return aliceRec.sawOnline("bob", true) }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return bobRec.sawOnline("alice", true) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Send(domain.NewOffer("alice", "bob", "v=0", domain.CallVideo)))
	require.NoError(t, alice.Send(domain.NewCandidate("alice", "bob", domain.ICECandidate{Candidate: "candidate:1"})))

	require.Eventually(t, func() bool { return len(bobRec.gotEnvelopes()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := bobRec.gotEnvelopes()
	assert.Equal(t, domain.NewOffer("alice", "bob", "v=0", domain.CallVideo), got[0])
	assert.Equal(t, domain.SignalCandidate, got[1].Kind)
	assert.Equal(t, "candidate:1", got[1].Payload.Candidate.Candidate)
}

func TestClientSocialEventsFromRelay(t *testing.T) {
	r := startRelay(t)
	_, rec := connect(t, wsURL(r.srv), "alice", r.token(t, "alice"), Options{})
	require.Eventually(t, func() bool { return rec.opens.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return r.hub.Notify("alice", domain.SocialEvent{Kind: domain.SocialFriendAdded, FriendID: "bob", FriendUsername: "Bob", FriendCode: "B0B"}) == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.social) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.SocialEvent{Kind: domain.SocialFriendAdded, FriendID: "bob", FriendUsername: "Bob", FriendCode: "B0B"}, rec.social[0])
}

func TestClientSendWithoutRelay(t *testing.T) {
	c := NewClient(Options{URL: "ws://127.0.0.1:1"})
	err := c.Send(domain.NewControl("alice", "bob", domain.SignalHangup))
	assert.ErrorIs(t, err, domain.ErrChannelUnavailable)

	err = c.Send(domain.Envelope{RecipientID: "bob", Kind: domain.SignalOffer})
	assert.ErrorIs(t, err, ErrMalformedSignal)
}

func TestClientConnectValidation(t *testing.T) {
	r := startRelay(t)
	c := NewClient(Options{URL: wsURL(r.srv)})
	assert.Error(t, c.Connect(context.Background(), Identity{}))

	require.NoError(t, c.Connect(context.Background(), Identity{UserID: "alice", Token: r.token(t, "alice")}))
	t.Cleanup(c.Close)
	assert.ErrorIs(t, c.Connect(context.Background(), Identity{UserID: "alice"}), ErrAlreadyConnected)
}

func TestClientReconnectsWithBackoff(t *testing.T) {
	r := startRelay(t)
	clk := clock.NewMock()
	policy := app.ExponentialPolicy{Base: time.Second, Max: 4 * time.Second, MaxAttempts: 5}
	c, rec := connect(t, wsURL(r.srv), "alice", r.token(t, "alice"), Options{Clock: clk, Policy: policy})

	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	// drop every relay connection; the client must come back on its own
	r.hub.Close()

	require.Eventually(t, func() bool {
		ev, ok := rec.lastClosed()
		return ok && !ev.Terminal && ev.Attempt == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Send(domain.NewControl("alice", "bob", domain.SignalHangup)), domain.ErrChannelUnavailable)

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return rec.opens.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Connected())
}

func TestClientGivesUpAfterPolicy(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	clk := clock.NewMock()
	policy := app.ExponentialPolicy{Base: time.Second, Max: time.Second, MaxAttempts: 2}
	_, rec := connect(t, url, "alice", "t", Options{Clock: clk, Policy: policy})

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		ev, ok := rec.lastClosed()
		return ok && ev.Terminal
	}, 2*time.Second, 10*time.Millisecond)

	ev, _ := rec.lastClosed()
	assert.True(t, ev.GaveUp)
	assert.Equal(t, 3, rec.closedCount(), "two transient closes then the terminal one")
	assert.Equal(t, int32(0), rec.opens.Load())
}

func TestClientCloseIsTerminal(t *testing.T) {
	r := startRelay(t)
	c, rec := connect(t, wsURL(r.srv), "alice", r.token(t, "alice"), Options{})
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	c.Close()
	ev, ok := rec.lastClosed()
	require.True(t, ok)
	assert.True(t, ev.Terminal)
	assert.False(t, ev.GaveUp)
	assert.False(t, c.Connected())

	c.Close()
}

// rawRelay is a bare websocket endpoint that exposes what the client wrote.
type rawRelay struct {
	srv    *httptest.Server
	frames chan map[string]any
	conns  chan *websocket.Conn
	header chan http.Header
}

func startRawRelay(t *testing.T) *rawRelay {
	t.Helper()
	rr := &rawRelay{
		frames: make(chan map[string]any, 64),
		conns:  make(chan *websocket.Conn, 4),
		header: make(chan http.Header, 4),
	}
	up := websocket.Upgrader{}
	rr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Clone()
		h.Set("X-Query-Token", r.URL.Query().Get("token"))
		rr.header <- h
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rr.conns <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				rr.frames <- m
			}
		}
	}))
	t.Cleanup(rr.srv.Close)
	return rr
}

func (rr *rawRelay) next(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-rr.frames:
			if m["type"] == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s frame", typ)
			return nil
		}
	}
}

func TestClientDialCarriesCredential(t *testing.T) {
	rr := startRawRelay(t)
	connect(t, wsURL(rr.srv), "alice", "tok-123", Options{})

	select {
	case h := <-rr.header:
		assert.Equal(t, "Bearer tok-123", h.Get("Authorization"))
		assert.Equal(t, "tok-123", h.Get("X-Query-Token"))
	case <-time.After(2 * time.Second):
		t.Fatal("client never dialed")
	}
}

func TestClientHeartbeatAndPong(t *testing.T) {
	rr := startRawRelay(t)
	clk := clock.NewMock()
	connect(t, wsURL(rr.srv), "alice", "tok", Options{Clock: clk})

	var ws *websocket.Conn
	select {
	case ws = <-rr.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never dialed")
	}

	// the ticker starts after the connection is up, so keep advancing
	require.Eventually(t, func() bool {
		clk.Add(30 * time.Second)
		for {
			select {
			case m := <-rr.frames:
				if m["type"] == "ping" {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	rr.next(t, "pong")
}

func TestClientDropsMalformedSignal(t *testing.T) {
	rr := startRawRelay(t)
	_, rec := connect(t, wsURL(rr.srv), "alice", "tok", Options{})

	var ws *websocket.Conn
	select {
	case ws = <-rr.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never dialed")
	}

	for _, f := range []string{
		`{"type":"webrtc_signal","from_user_id":"bob","to_user_id":"alice","signal":{"type":"offer"}}`,
		`{"type":"webrtc_signal","from_user_id":"bob","to_user_id":"alice","signal":"oops"}`,
		`garbage`,
		`{"type":"webrtc_signal","from_user_id":"bob","to_user_id":"alice","signal":{"type":"hangup"}}`,
	} {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	require.Eventually(t, func() bool { return len(rec.gotEnvelopes()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.NewControl("bob", "alice", domain.SignalHangup), rec.gotEnvelopes()[0])
}
