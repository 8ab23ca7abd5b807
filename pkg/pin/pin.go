// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package pin implements the fixed-capacity, zeroizing PIN buffer
// described in spec.md §4.5 and §9: reserve APDU overhead (5 bytes)
// plus max PIN padding (16 bytes) once, never reallocate, and wipe the
// backing array before the buffer goes out of scope regardless of
// outcome.
package pin

import "fmt"

// WireCapacity is the fixed reservation used on the wire-protocol side:
// 5 bytes of APDU overhead plus 16 bytes of PIN padding, per spec.md
// §4.5.
const WireCapacity = 5 + 16

// MaxContentLength is the hard maximum PIN content length this build
// supports, per spec.md §9 Open Question (b). Append refuses bytes past
// this length rather than growing the buffer. The PKCS#11 facade
// reports this value as every card's PinMaxLength; no card-reported
// PIN length limit is read or checked against it.
const MaxContentLength = 12

// Buffer is a fixed-capacity byte buffer for PIN digits. It never
// reallocates: the backing array is sized to WireCapacity at
// construction and Append fails past MaxContentLength. Buffer is not
// safe for concurrent use; it is owned by exactly one worker for the
// duration of a single PIN-entry step.
type Buffer struct {
	data [WireCapacity]byte
	n    int
}

// New returns an empty buffer ready to receive PIN digits.
func New() *Buffer {
	return &Buffer{}
}

// Append adds v to the buffer. It returns an error if doing so would
// exceed MaxContentLength; the buffer is left unchanged on error.
func (b *Buffer) Append(v byte) error {
	if b.n >= MaxContentLength {
		return fmt.Errorf("pin: content length exceeds maximum of %d", MaxContentLength)
	}
	b.data[b.n] = v
	b.n++
	return nil
}

// AppendString appends each byte of s via Append.
func (b *Buffer) AppendString(s string) error {
	for i := 0; i < len(s); i++ {
		if err := b.Append(s[i]); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of PIN bytes currently held.
func (b *Buffer) Len() int { return b.n }

// Bytes returns the live PIN content. The returned slice aliases the
// buffer's backing array and is only valid until Zero is called; callers
// that need to retain the PIN past that point must not exist — a PIN is
// moved into exactly one signing call and then zeroized.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// Zero overwrites the entire backing array, including bytes beyond the
// current length, and resets the length to zero. Callers must call Zero
// in a defer immediately after constructing a Buffer, so that it runs
// on every exit path (success, card error, cancellation) per spec.md
// §3 invariant (i) and §8 property 4.
func (b *Buffer) Zero() {
	for i := range b.data {
		b.data[i] = 0
	}
	b.n = 0
}
