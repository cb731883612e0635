package replhost

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies why an execute call did not produce a value.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorSyntax
	ErrorRuntime
	ErrorMemory
	ErrorFileSystem
	ErrorImport
	ErrorInterrupted
	ErrorTimeout
	ErrorTransport
	ErrorUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "None"
	case ErrorSyntax:
		return "Syntax"
	case ErrorRuntime:
		return "Runtime"
	case ErrorMemory:
		return "Memory"
	case ErrorFileSystem:
		return "FileSystem"
	case ErrorImport:
		return "Import"
	case ErrorInterrupted:
		return "Interrupted"
	case ErrorTimeout:
		return "Timeout"
	case ErrorTransport:
		return "Transport"
	default:
		return "Unknown"
	}
}

// Recoverable reports whether the session can keep serving calls after an
// error of this kind. Memory and FileSystem default to non-recoverable: the
// device is assumed to be in a degraded state until the caller reconnects.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case ErrorMemory, ErrorFileSystem:
		return false
	default:
		return true
	}
}

// Sentinel errors for the taxonomy in SPEC_FULL.md §7. Wrap with fmt.Errorf's
// %w verb at each boundary that adds context; compare with errors.Is against
// these values.
var (
	ErrValidation             = errors.New("replhost: validation rejected")
	ErrProtocolMismatch       = errors.New("replhost: protocol mismatch")
	ErrTimeout                = errors.New("replhost: timeout")
	ErrTransportFailed        = errors.New("replhost: transport failed")
	ErrFlowControlViolation   = errors.New("replhost: flow control violation")
	ErrTransportAbort         = errors.New("replhost: transport abort")
	ErrConnectionFailed       = errors.New("replhost: connection failed")
	ErrReconnectExhausted     = errors.New("replhost: reconnect attempts exhausted")
	ErrCancelled              = errors.New("replhost: cancelled")
	ErrDeviceSyntax           = errors.New("replhost: device syntax error")
	ErrDeviceRuntime          = errors.New("replhost: device runtime error")
	ErrDeviceMemory           = errors.New("replhost: device memory error")
	ErrDeviceFileSystem       = errors.New("replhost: device filesystem error")
	ErrDeviceImport           = errors.New("replhost: device import error")
	ErrDeviceInterrupted      = errors.New("replhost: device interrupted")
	ErrConversionFailed       = errors.New("replhost: conversion failed")
	ErrUnknown                = errors.New("replhost: unknown error")
	ErrInvalidConnectionString = errors.New("replhost: invalid connection string")
	ErrUnsupportedScheme      = errors.New("replhost: unsupported scheme")
	ErrInvalidConfig          = errors.New("replhost: invalid config")
	ErrFileNotFound           = errors.New("replhost: file not found")
	ErrAccessDenied           = errors.New("replhost: access denied")
)

// deviceSentinel maps an ErrorKind to the sentinel raised for a device-side
// failure of that kind. Kinds with no device-side sentinel of their own
// (None, Timeout, Transport, Unknown) map to ErrUnknown.
func deviceSentinel(kind ErrorKind) error {
	switch kind {
	case ErrorSyntax:
		return ErrDeviceSyntax
	case ErrorRuntime:
		return ErrDeviceRuntime
	case ErrorMemory:
		return ErrDeviceMemory
	case ErrorFileSystem:
		return ErrDeviceFileSystem
	case ErrorImport:
		return ErrDeviceImport
	case ErrorInterrupted:
		return ErrDeviceInterrupted
	default:
		return ErrUnknown
	}
}

// SessionError is the concrete error type surfaced across the public API. It
// carries the stable sentinel, the originating component, a timestamp, and a
// free-form context map, per SPEC_FULL.md §7 "Context preservation".
type SessionError struct {
	Code      error
	Component string
	At        time.Time
	Context   map[string]string
}

func (e *SessionError) Error() string {
	if e.Component == "" {
		return e.Code.Error()
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Code.Error())
}

func (e *SessionError) Unwrap() error {
	return e.Code
}

// newSessionError builds a SessionError, truncating the "fragment" context
// entry to 200 bytes as required by §7.
func newSessionError(component string, code error, ctx map[string]string) *SessionError {
	if ctx == nil {
		ctx = map[string]string{}
	}
	if frag, ok := ctx["fragment"]; ok && len(frag) > 200 {
		ctx["fragment"] = frag[:200]
	}
	return &SessionError{
		Code:      code,
		Component: component,
		At:        time.Now(),
		Context:   ctx,
	}
}
