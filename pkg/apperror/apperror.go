// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package apperror defines the closed error taxonomy the controller
// translates card/UI failures into. Every member implements error and
// knows how to render itself as a native-messaging error response.
package apperror

import (
	"encoding/json"
	"fmt"
)

// wireError is the {"error": {"code", "message"}} payload shape.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireResponse struct {
	ID    json.RawMessage `json:"id,omitempty"`
	Error wireError       `json:"error"`
}

// Response renders err as a complete native-messaging error frame body,
// keyed to the original request id (nil when the envelope carried none).
func Response(id json.RawMessage, err error) []byte {
	out, marshalErr := json.Marshal(wireResponse{ID: id, Error: wireError{
		Code:    CodeOf(err),
		Message: err.Error(),
	}})
	if marshalErr != nil {
		// CodeOf/err.Error() never produce unmarshalable content; this
		// path exists only to satisfy the compiler.
		return []byte(`{"error":{"code":"ERR_WEBEID_NATIVE","message":"internal error"}}`)
	}
	return out
}

// FramingError is a wire-format violation. The request cannot be
// answered normally; the process writes a terminal error frame if the
// output stream still accepts one, then exits 2.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "framing error: " + e.Reason }

// CommandHandlerInputDataError is a malformed, missing, or
// out-of-range command argument. The command ends; the caller may
// retry with corrected arguments.
type CommandHandlerInputDataError struct {
	Field   string
	Message string
}

func (e *CommandHandlerInputDataError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ProgrammingError marks an internal invariant violation, such as a
// missing hash-algorithm mapping for a card's declared signature
// algorithm. Logged, surfaced to the caller as a generic failure.
type ProgrammingError struct {
	Detail string
}

func (e *ProgrammingError) Error() string { return "programming error: " + e.Detail }

// Retriable errors are user-recoverable; the UI may offer a retry
// affordance without the extension re-sending the request.
type (
	NoReader struct{}

	NoCard struct{}

	UnknownCard struct{ Reason string }

	CardRemoved struct{}

	PinVerifyDisabled struct{}

	// WrongPin reports a failed PIN verification with RetriesLeft > 0.
	// RetriesLeft == 0 must be promoted to PinBlocked by the caller.
	WrongPin struct{ RetriesLeft int }

	PinTimeout struct{}
)

func (*NoReader) Error() string           { return "no smart card reader found" }
func (*NoCard) Error() string             { return "no eID card found in any reader" }
func (e *UnknownCard) Error() string      { return "unrecognized card: " + e.Reason }
func (*CardRemoved) Error() string        { return "card was removed during the operation" }
func (*PinVerifyDisabled) Error() string  { return "PIN verification is disabled on this card" }
func (e *WrongPin) Error() string {
	if e.RetriesLeft == 1 {
		return "wrong PIN, 1 retry left"
	}
	return fmt.Sprintf("wrong PIN, %d retries left", e.RetriesLeft)
}
func (*PinTimeout) Error() string { return "PIN entry timed out" }

// Terminal errors end the command with no further retry affordance.
type (
	PinBlocked struct{}

	UserCancelled struct{}

	Timeout struct{ Phase string }

	CardCommunicationFailure struct{ Reason string }

	SmartCardServiceUnavailable struct{ Reason string }
)

func (*PinBlocked) Error() string    { return "PIN blocked, no retries remaining" }
func (*UserCancelled) Error() string { return "user cancelled the operation" }
func (e *Timeout) Error() string     { return "timed out waiting for " + e.Phase }
func (e *CardCommunicationFailure) Error() string {
	return "card communication failure: " + e.Reason
}
func (e *SmartCardServiceUnavailable) Error() string {
	return "smart card service unavailable: " + e.Reason
}

// IsRetriable reports whether err belongs to the retriable subset of
// the taxonomy (spec §7): the controller may show it and allow the UI
// to retry without a new request from the extension.
func IsRetriable(err error) bool {
	switch err.(type) {
	case *NoReader, *NoCard, *UnknownCard, *CardRemoved, *PinVerifyDisabled, *WrongPin, *PinTimeout:
		return true
	default:
		return false
	}
}

// CodeOf maps an error to its ERR_WEBEID_* wire code. Unknown error
// types fall back to a generic native-app failure code.
func CodeOf(err error) string {
	switch e := err.(type) {
	case *CommandHandlerInputDataError:
		return "ERR_WEBEID_NATIVE_INVALID_ARGUMENT"
	case *ProgrammingError:
		return "ERR_WEBEID_NATIVE_FATAL"
	case *NoReader:
		return "ERR_WEBEID_NO_SMART_CARD_READERS"
	case *NoCard:
		return "ERR_WEBEID_NO_SMART_CARD"
	case *UnknownCard:
		return "ERR_WEBEID_UNKNOWN_CARD"
	case *CardRemoved:
		return "ERR_WEBEID_CARD_REMOVED"
	case *PinVerifyDisabled:
		return "ERR_WEBEID_PIN_VERIFY_DISABLED"
	case *WrongPin:
		_ = e
		return "ERR_WEBEID_PIN_VERIFY_FAILED"
	case *PinTimeout:
		return "ERR_WEBEID_USER_TIMEOUT"
	case *PinBlocked:
		return "ERR_WEBEID_PIN_BLOCKED"
	case *UserCancelled:
		return "ERR_WEBEID_USER_CANCELLED"
	case *Timeout:
		return "ERR_WEBEID_USER_TIMEOUT"
	case *CardCommunicationFailure:
		return "ERR_WEBEID_NATIVE_FATAL"
	case *SmartCardServiceUnavailable:
		return "ERR_WEBEID_NATIVE_FATAL"
	default:
		return "ERR_WEBEID_NATIVE_FATAL"
	}
}

// PromoteWrongPin converts a WrongPin error with no retries left into
// the terminal PinBlocked error, per spec §7.
func PromoteWrongPin(err *WrongPin) error {
	if err.RetriesLeft <= 0 {
		return &PinBlocked{}
	}
	return err
}
