package domain

import "errors"

var (
	ErrCallInProgress     = errors.New("call already in progress")
	ErrNoIncomingCall     = errors.New("no incoming call")
	ErrNoActiveCall       = errors.New("no active call")
	ErrSelfCall           = errors.New("cannot call yourself")
	ErrInvalidCallKind    = errors.New("invalid call kind")
	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrMessageEmpty       = errors.New("message empty")
	ErrMessageTooLong     = errors.New("message too long")
)
