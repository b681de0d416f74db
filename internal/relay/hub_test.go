package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/domain"
)

type testRelay struct {
	hub  *Hub
	auth *Authenticator
	srv  *httptest.Server
}

func newTestRelay(t *testing.T, opts Options) *testRelay {
	t.Helper()
	auth, err := NewAuthenticator("test-secret", 0, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(auth, opts)
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

func (r *testRelay) url() string { return "ws" + strings.TrimPrefix(r.srv.URL, "http") }

func (r *testRelay) dial(t *testing.T, id domain.UserID) *websocket.Conn {
	t.Helper()
	tok, err := r.auth.Issue(id, strings.ToUpper(string(id)))
	require.NoError(t, err)
	ws, resp, err := websocket.DefaultDialer.Dial(r.url()+"?token="+tok, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

type frame struct {
	Type           string          `json:"type"`
	FromUserID     string          `json:"from_user_id"`
	ToUserID       string          `json:"to_user_id"`
	UserID         string          `json:"user_id"`
	FriendID       string          `json:"friend_id"`
	FriendUsername string          `json:"friend_username"`
	Signal         json.RawMessage `json:"signal"`
}

// expect reads frames until one matches typ and, when given, user.
func expect(t *testing.T, ws *websocket.Conn, typ, user string) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s %s", typ, user)
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Type != typ {
			continue
		}
		if user != "" && f.UserID != user {
			continue
		}
		return f
	}
}

func expectNothing(t *testing.T, ws *websocket.Conn, typ string) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		require.NotEqual(t, typ, f.Type, "unexpected frame %s", data)
	}
}

func send(t *testing.T, ws *websocket.Conn, v string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(v)))
}

func TestHubRejectsUnauthenticated(t *testing.T) {
	r := newTestRelay(t, Options{})

	_, resp, err := websocket.DefaultDialer.Dial(r.url()+"?token=bogus", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(r.url(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHubPresenceBroadcast(t *testing.T) {
	r := newTestRelay(t, Options{})

	alice := r.dial(t, "alice")
	expect(t, alice, typeUserOnline, "alice")

	bob := r.dial(t, "bob")
	expect(t, bob, typeUserOnline, "alice")
	expect(t, alice, typeUserOnline, "bob")

	assert.Eventually(t, func() bool { return len(r.hub.Online()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []domain.Contact{{ID: "alice", Username: "ALICE"}, {ID: "bob", Username: "BOB"}}, r.hub.Online())

	require.NoError(t, bob.Close())
	expect(t, alice, typeUserOffline, "bob")
	assert.Eventually(t, func() bool { return len(r.hub.Online()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestHubRoutesSignalWithStampedSender(t *testing.T) {
	r := newTestRelay(t, Options{})
	alice := r.dial(t, "alice")
	bob := r.dial(t, "bob")
	expect(t, alice, typeUserOnline, "bob")

	send(t, alice, `{"type":"webrtc_signal","from_user_id":"mallory","to_user_id":"bob","signal":{"type":"offer","sdp":"v=0","call_kind":"video"}}`)

	f := expect(t, bob, typeSignal, "")
	assert.Equal(t, "alice", f.FromUserID)
	assert.Equal(t, "bob", f.ToUserID)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0","call_kind":"video"}`, string(f.Signal))
}

func TestHubDropsSignalToOfflineOrMalformed(t *testing.T) {
	r := newTestRelay(t, Options{})
	alice := r.dial(t, "alice")
	bob := r.dial(t, "bob")
	expect(t, alice, typeUserOnline, "bob")

	send(t, alice, `{"type":"webrtc_signal","to_user_id":"carol","signal":{"type":"hangup"}}`)
	send(t, alice, `{"type":"webrtc_signal","to_user_id":"bob"}`)
	send(t, alice, `{"type":"webrtc_signal","signal":{"type":"hangup"}}`)
	send(t, alice, `not json`)

	expectNothing(t, bob, typeSignal)

	// the connection survives bad input
	send(t, alice, `{"type":"ping"}`)
	expect(t, alice, typePong, "")
}

func TestHubPingPong(t *testing.T) {
	r := newTestRelay(t, Options{})
	alice := r.dial(t, "alice")

	send(t, alice, `{"type":"ping"}`)
	expect(t, alice, typePong, "")
}

func TestHubRateLimitsSignals(t *testing.T) {
	r := newTestRelay(t, Options{Limiter: NewSignalLimiter(0.001, 2)})
	alice := r.dial(t, "alice")
	bob := r.dial(t, "bob")
	expect(t, alice, typeUserOnline, "bob")

	for i := 0; i < 3; i++ {
		send(t, alice, `{"type":"webrtc_signal","to_user_id":"bob","signal":{"type":"hangup"}}`)
	}
	expect(t, bob, typeSignal, "")
	expect(t, bob, typeSignal, "")
	expectNothing(t, bob, typeSignal)
}

func TestHubNewConnectionReplacesOld(t *testing.T) {
	r := newTestRelay(t, Options{})
	bob := r.dial(t, "bob")
	first := r.dial(t, "alice")
	expect(t, bob, typeUserOnline, "alice")

	second := r.dial(t, "alice")
	expect(t, bob, typeUserOnline, "alice")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	expectNothing(t, bob, typeUserOffline)

	send(t, bob, `{"type":"webrtc_signal","to_user_id":"alice","signal":{"type":"busy"}}`)
	f := expect(t, second, typeSignal, "")
	assert.Equal(t, "bob", f.FromUserID)
}

func TestHubNotify(t *testing.T) {
	r := newTestRelay(t, Options{})
	alice := r.dial(t, "alice")
	expect(t, alice, typeUserOnline, "alice")

	err := r.hub.Notify("alice", domain.SocialEvent{Kind: domain.SocialFriendAdded, FriendID: "bob", FriendUsername: "Bob", FriendCode: "B0B"})
	require.NoError(t, err)
	f := expect(t, alice, typeFriendAdded, "")
	assert.Equal(t, "bob", f.FriendID)
	assert.Equal(t, "Bob", f.FriendUsername)

	assert.ErrorIs(t, r.hub.Notify("carol", domain.SocialEvent{Kind: domain.SocialFriendRemoved, FriendID: "bob"}), ErrUserOffline)
	assert.Error(t, r.hub.Notify("alice", domain.SocialEvent{Kind: "poke"}))
}
