package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionActive is returned when a session is started while another one is running
	ErrSessionActive = errors.New("a voice session is already active")
	// ErrNoSession is returned when stopping while idle
	ErrNoSession = errors.New("no active voice session")
	// ErrPermissionDenied is returned when the microphone cannot be acquired
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrTokenExpired is returned when the bearer token is already expired
	ErrTokenExpired = errors.New("auth token expired")
	// ErrRecordNotFound is returned when no finished session has the requested ID
	ErrRecordNotFound = errors.New("session record not found")
)

// Messages shown to the user per error category
const (
	PermissionDeniedMessage = "Microphone access was denied. Please allow microphone access and try again."
	ConnectivityMessage     = "Could not connect to the voice server. Please check your connection and try again."
)

// TransportError describes a connect failure or an abrupt close
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError carries a server sent error message
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "server error: " + e.Message
}

// UserMessage maps an error to the text shown to the user
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr.Message
	}
	if errors.Is(err, ErrPermissionDenied) {
		return PermissionDeniedMessage
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return ConnectivityMessage
	}
	return err.Error()
}
