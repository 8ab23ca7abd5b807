// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package applog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// MaskID shortens an opaque id (request id, card serial) for logging
// without revealing all of it.
func MaskID(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "-"
	}
	if len(v) <= 10 {
		return v
	}
	return v[:6] + "..." + v[len(v)-4:]
}

func Digest12(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])[:12]
}

// SecretMeta renders a secret string (PIN, challenge nonce, base64
// digest) as its length and digest only, never the raw value.
func SecretMeta(label string, raw string) string {
	return fmt.Sprintf("%s[len=%d sha12=%s]", label, len(raw), Digest12(raw))
}

// BytesMeta is SecretMeta for raw byte secrets such as a PIN buffer or
// a signature digest.
func BytesMeta(label string, raw []byte) string {
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%s[len=%d sha12=%s]", label, len(raw), hex.EncodeToString(sum[:])[:12])
}

// OptionKeys renders the sorted key set of a command's arguments map,
// for logging shape without logging values.
func OptionKeys(opts map[string]interface{}) string {
	if len(opts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
