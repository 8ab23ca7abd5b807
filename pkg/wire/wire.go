// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package wire implements the native-messaging frame format used
// between the browser extension and this helper: a 4-byte
// little-endian length header followed by exactly that many bytes of
// UTF-8 JSON (spec.md §4.1, §6).
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/web-eid/web-eid-app-go/pkg/apperror"
)

// MaxRequestBytes is the largest request frame body accepted.
const MaxRequestBytes = 8 * 1024

// MaxResponseBytes is the largest response frame body written.
const MaxResponseBytes = 1024 * 1024

const headerSize = 4

// Endpoint reads request frames from r and writes response frames to
// w. Stream operations are synchronous: a read never interleaves with
// a write for the same frame, matching the one-request-at-a-time
// contract of spec.md §4.1.
type Endpoint struct {
	r *bufio.Reader
	w *bufio.Writer
}

// New wraps r/w as the native-messaging endpoint. Typically r is
// os.Stdin and w is os.Stdout.
func New(r io.Reader, w io.Writer) *Endpoint {
	return &Endpoint{r: bufio.NewReader(r), w: bufio.NewWriter(w)}
}

// ReadFrame blocks for one request frame. It returns io.EOF when the
// stream ends cleanly at a frame boundary (the browser closed the
// pipe); any other error is a *apperror.FramingError and the caller
// must write a terminal error response if possible, then exit
// non-zero (spec.md §4.1).
func (e *Endpoint) ReadFrame() ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(e.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &apperror.FramingError{Reason: fmt.Sprintf("reading frame header: %v", err)}
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length > MaxRequestBytes {
		return nil, &apperror.FramingError{
			Reason: fmt.Sprintf("request frame of %d bytes exceeds maximum of %d", length, MaxRequestBytes),
		}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(e.r, body); err != nil {
		return nil, &apperror.FramingError{Reason: fmt.Sprintf("reading frame body: %v", err)}
	}

	if !utf8.Valid(body) {
		return nil, &apperror.FramingError{Reason: "frame body is not valid UTF-8"}
	}
	if !json.Valid(body) {
		return nil, &apperror.FramingError{Reason: "frame body is not valid JSON"}
	}
	return body, nil
}

// WriteFrame writes one response frame. Responses larger than
// MaxResponseBytes are a programming error: handlers must not build
// payloads that large.
func (e *Endpoint) WriteFrame(body []byte) error {
	if len(body) > MaxResponseBytes {
		return &apperror.FramingError{
			Reason: fmt.Sprintf("response frame of %d bytes exceeds maximum of %d", len(body), MaxResponseBytes),
		}
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(body)))

	if _, err := e.w.Write(header[:]); err != nil {
		return &apperror.FramingError{Reason: fmt.Sprintf("writing frame header: %v", err)}
	}
	if _, err := e.w.Write(body); err != nil {
		return &apperror.FramingError{Reason: fmt.Sprintf("writing frame body: %v", err)}
	}
	return e.w.Flush()
}
