package media

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoDevice         = errors.New("no such device")
	ErrDeviceBusy       = errors.New("device in use")
	ErrOverconstrained  = errors.New("constraints cannot be satisfied")
	ErrSecurity         = errors.New("device access blocked")
)

// WarningAudioUnavailable tags a stream that fell back to video only.
const WarningAudioUnavailable = "audio unavailable, continuing video-only"

type Reason string

const (
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonNoDevice         Reason = "no_device"
	ReasonDeviceBusy       Reason = "device_busy"
	ReasonOverconstrained  Reason = "overconstrained"
	ReasonSecurity         Reason = "security"
	ReasonUnknown          Reason = "unknown"
)

// AcquireError is a fatal acquisition failure.
type AcquireError struct {
	Reason Reason
	Err    error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire media (%s): %v", e.Reason, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// UserMessage is the text shown to the user for this failure.
func (e *AcquireError) UserMessage() string {
	switch e.Reason {
	case ReasonPermissionDenied:
		return "Camera/microphone permission denied. Enable permissions in your system settings."
	case ReasonNoDevice:
		return "No camera or microphone found. Check that your devices are connected."
	case ReasonDeviceBusy:
		return "Camera or microphone is already in use by another application."
	case ReasonOverconstrained:
		return "The camera or microphone cannot satisfy the requested settings."
	case ReasonSecurity:
		return "Device access is blocked for security reasons."
	}
	return "Media error: " + e.Err.Error()
}

func classify(err error) Reason {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, ErrNoDevice):
		return ReasonNoDevice
	case errors.Is(err, ErrDeviceBusy):
		return ReasonDeviceBusy
	case errors.Is(err, ErrOverconstrained):
		return ReasonOverconstrained
	case errors.Is(err, ErrSecurity):
		return ReasonSecurity
	}
	return ReasonUnknown
}
