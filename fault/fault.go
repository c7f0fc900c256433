// Package fault holds the session error taxonomy and the status codes carried
// by operation completions.
package fault

import (
	"errors"
	"fmt"
)

type Status int32

const (
	StatusSuccess              Status = 0
	StatusFailure              Status = -1
	StatusAlreadyConnected     Status = -2
	StatusParseError           Status = -3
	StatusTimeout              Status = -4
	StatusTransportUnavailable Status = -5
	StatusNotFound             Status = -6
	StatusRejected             Status = -7
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFailure:
		return "Failure"
	case StatusAlreadyConnected:
		return "AlreadyConnected"
	case StatusParseError:
		return "ParseError"
	case StatusTimeout:
		return "Timeout"
	case StatusTransportUnavailable:
		return "TransportUnavailable"
	case StatusNotFound:
		return "NotFound"
	case StatusRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

func (s Status) Kind() Kind {
	switch s {
	case StatusSuccess:
		return KindInvalid
	case StatusAlreadyConnected:
		return KindAlreadyInProgress
	case StatusParseError:
		return KindParseError
	case StatusTimeout:
		return KindTimeout
	case StatusTransportUnavailable:
		return KindTransportUnavailable
	case StatusNotFound:
		return KindNotFound
	case StatusRejected:
		return KindRejected
	default:
		return KindOperationFailed
	}
}

type Kind uint8

const (
	KindInvalid              Kind = 0
	KindAlreadyInProgress    Kind = 1
	KindTimeout              Kind = 2
	KindTransportUnavailable Kind = 3
	KindParseError           Kind = 4
	KindNotFound             Kind = 5
	KindStaleCompletion      Kind = 6
	KindRejected             Kind = 7
	KindOperationFailed      Kind = 8
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "Invalid"
	case KindAlreadyInProgress:
		return "AlreadyInProgress"
	case KindTimeout:
		return "Timeout"
	case KindTransportUnavailable:
		return "TransportUnavailable"
	case KindParseError:
		return "ParseError"
	case KindNotFound:
		return "NotFound"
	case KindStaleCompletion:
		return "StaleCompletion"
	case KindRejected:
		return "Rejected"
	case KindOperationFailed:
		return "OperationFailed"
	default:
		return "Unknown"
	}
}

type Error struct {
	Kind    Kind   `json:"kind"`
	Peer    string `json:"peer,omitempty"`
	Message string `json:"message"`
}

func New(kind Kind, peer string, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Peer:    peer,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *Error) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: peer=%s: %s", e.Kind, e.Peer, e.Message)
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrAlreadyInProgress    = &Error{Kind: KindAlreadyInProgress}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrTransportUnavailable = &Error{Kind: KindTransportUnavailable}
	ErrParseError           = &Error{Kind: KindParseError}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrStaleCompletion      = &Error{Kind: KindStaleCompletion}
	ErrRejected             = &Error{Kind: KindRejected}
	ErrOperationFailed      = &Error{Kind: KindOperationFailed}
)

// StatusOf maps err onto the status code that best describes it.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}

	var e *Error
	if !errors.As(err, &e) {
		return StatusFailure
	}

	switch e.Kind {
	case KindAlreadyInProgress:
		return StatusAlreadyConnected
	case KindTimeout:
		return StatusTimeout
	case KindTransportUnavailable:
		return StatusTransportUnavailable
	case KindParseError:
		return StatusParseError
	case KindNotFound:
		return StatusNotFound
	case KindRejected:
		return StatusRejected
	default:
		return StatusFailure
	}
}
