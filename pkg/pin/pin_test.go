// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package pin

import "testing"

func TestAppendAndBytes(t *testing.T) {
	b := New()
	if err := b.AppendString("1234"); err != nil {
		t.Fatalf("AppendString: %v", err)
	}
	if got, want := string(b.Bytes()), "1234"; got != want {
		t.Fatalf("Bytes() = %q, want %q", got, want)
	}
	if b.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", b.Len())
	}
}

func TestAppendRejectsOverMaxContentLength(t *testing.T) {
	b := New()
	for i := 0; i < MaxContentLength; i++ {
		if err := b.Append('9'); err != nil {
			t.Fatalf("Append(%d): unexpected error %v", i, err)
		}
	}
	if err := b.Append('9'); err == nil {
		t.Fatalf("Append past MaxContentLength should fail")
	}
}

func TestZeroWipesBackingArrayEntirely(t *testing.T) {
	b := New()
	_ = b.AppendString("123456")
	b.Zero()

	if b.Len() != 0 {
		t.Fatalf("Len() after Zero = %d, want 0", b.Len())
	}
	for i, v := range b.data {
		if v != 0 {
			t.Fatalf("backing byte %d = %d, want 0 after Zero", i, v)
		}
	}
}

func TestZeroIsIdempotentAndSafeOnEmptyBuffer(t *testing.T) {
	b := New()
	b.Zero()
	b.Zero()
	if b.Len() != 0 || len(b.Bytes()) != 0 {
		t.Fatalf("empty buffer should stay empty after repeated Zero")
	}
}
