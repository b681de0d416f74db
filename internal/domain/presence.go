package domain

// PresenceEvent is informational only; call state never depends on it.
type PresenceEvent struct {
	UserID UserID `json:"user_id"`
	Online bool   `json:"online"`
}

type SocialKind string

const (
	SocialFriendAdded   SocialKind = "friend_added"
	SocialFriendRemoved SocialKind = "friend_removed"
)

type SocialEvent struct {
	Kind           SocialKind `json:"kind"`
	FriendID       UserID     `json:"friend_id"`
	FriendUsername string     `json:"friend_username,omitempty"`
	FriendCode     string     `json:"friend_code,omitempty"`
}
