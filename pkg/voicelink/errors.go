package voicelink

import (
	"errors"
	"fmt"
	"time"
)

// Error codes as constants
const (
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeProtocol         = "PROTOCOL_ERROR"
	ErrCodeUpstream         = "UPSTREAM_ERROR"
	ErrCodeUpstreamAdvisory = "UPSTREAM_ADVISORY"
	ErrCodeNotConnected     = "NOT_CONNECTED"
	ErrCodeAudioDevice      = "AUDIO_DEVICE_ERROR"
	ErrCodePlayback         = "PLAYBACK_ERROR"
	ErrCodeConfigInvalid    = "CONFIG_INVALID"
	ErrCodeTimeout          = "TIMEOUT_ERROR"
	ErrCodeUnknown          = "UNKNOWN_ERROR"
)

// ErrNotConnected is returned by operations that require an open channel
// when none exists. Callers decide whether to connect first and retry.
var ErrNotConnected = &Error{
	Message: "realtime channel is not open",
	Code:    ErrCodeNotConnected,
}

// Error is the SDK error type. Code is one of the ErrCode constants;
// Details carries structured context for logging.
type Error struct {
	Message   string
	Code      string
	Details   map[string]interface{}
	Timestamp time.Time
	cause     error
}

func NewError(message, code string) *Error {
	return &Error{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.cause)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// AddDetail attaches structured context and returns e for chaining.
func (e *Error) AddDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Specific error creators with common codes
func NewAuthError(message string) *Error {
	return NewError(message, ErrCodeAuthFailed)
}

func NewPermissionError(message string) *Error {
	return NewError(message, ErrCodePermissionDenied)
}

func NewConnectionError(message string) *Error {
	return NewError(message, ErrCodeConnectionFailed)
}

func NewProtocolError(message string) *Error {
	return NewError(message, ErrCodeProtocol)
}

func NewUpstreamError(message string) *Error {
	return NewError(message, ErrCodeUpstream)
}

// NewAdvisoryError wraps an inbound error event. Advisory errors are
// surfaced to the user but never close the channel.
func NewAdvisoryError(message, upstreamCode string) *Error {
	return NewError(message, ErrCodeUpstreamAdvisory).AddDetail("upstream_code", upstreamCode)
}

func NewAudioError(message string) *Error {
	return NewError(message, ErrCodeAudioDevice)
}

func NewPlaybackError(message string) *Error {
	return NewError(message, ErrCodePlayback)
}

func NewConfigError(message string) *Error {
	return NewError(message, ErrCodeConfigInvalid)
}

// WrapError attaches a code to an arbitrary error.
func WrapError(err error, message, code string) *Error {
	if err == nil {
		return nil
	}
	e := NewError(message, code)
	e.cause = err
	return e
}

// IsErrorCode reports whether err is an *Error carrying code.
func IsErrorCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsAdvisory reports whether err may be surfaced without tearing the
// channel down.
func IsAdvisory(err error) bool {
	return IsErrorCode(err, ErrCodeUpstreamAdvisory) || IsErrorCode(err, ErrCodeProtocol)
}

// IsFatalToConnect reports whether err ends the current connect attempt.
func IsFatalToConnect(err error) bool {
	for _, code := range []string{
		ErrCodeAuthFailed,
		ErrCodePermissionDenied,
		ErrCodeConnectionFailed,
		ErrCodeUpstream,
	} {
		if IsErrorCode(err, code) {
			return true
		}
	}
	return false
}
