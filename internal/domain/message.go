package domain

import "time"

const MaxMessageLen = 4096

type ChatMessage struct {
	ID        string    `json:"id"`
	SenderID  UserID    `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsLocal   bool      `json:"is_local"`
}
