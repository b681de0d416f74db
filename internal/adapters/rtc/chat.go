package rtc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/peercall/internal/domain"
)

const ChatChannelLabel = "messages"

var ErrMalformedChat = errors.New("malformed chat message")

type wireChat struct {
	ID        string          `json:"id"`
	SenderID  domain.UserID   `json:"senderId"`
	Content   string          `json:"content"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// EncodeChat renders m with an RFC 3339 timestamp.
func EncodeChat(m domain.ChatMessage) ([]byte, error) {
	ts, err := json.Marshal(m.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireChat{ID: m.ID, SenderID: m.SenderID, Content: m.Content, Timestamp: ts})
}

// DecodeChat accepts RFC 3339 strings and JavaScript millisecond epochs.
func DecodeChat(data []byte) (domain.ChatMessage, error) {
	var w wireChat
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("%w: %v", ErrMalformedChat, err)
	}
	if w.ID == "" {
		return domain.ChatMessage{}, fmt.Errorf("%w: missing id", ErrMalformedChat)
	}
	if len(w.Content) > domain.MaxMessageLen {
		return domain.ChatMessage{}, domain.ErrMessageTooLong
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("%w: %v", ErrMalformedChat, err)
	}
	return domain.ChatMessage{ID: w.ID, SenderID: w.SenderID, Content: w.Content, Timestamp: ts}, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, errors.New("missing timestamp")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		return time.Parse(time.RFC3339Nano, s)
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
