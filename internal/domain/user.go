// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrUsernameTooLong = errors.New("username too long")
)

type UserID string

func (id UserID) Validate() error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}

// Contact is the resolved counterpart identity handed over by the
// account/friends collaborator. The call core never fetches it itself.
type Contact struct {
	ID       UserID `json:"id"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// NewContact is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewContact(id UserID, username string) (Contact, error) {
	if err := id.Validate(); err != nil {
		return Contact{}, err
	}
	if len(username) > MaxUsernameLen {
		return Contact{}, ErrUsernameTooLong
	}
	return Contact{ID: id, Username: username}, nil
}
