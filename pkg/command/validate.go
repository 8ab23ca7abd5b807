// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package command

import (
	"net/url"
	"strings"

	"github.com/web-eid/web-eid-app-go/pkg/apperror"
)

// MinChallengeNonceLength and MaxChallengeNonceLength are the
// required length bounds of spec.md §3: at least 256 bits of entropy,
// base64-encoded (44 chars for 32 bytes), capped at 128 chars.
const (
	MinChallengeNonceLength = 44
	MaxChallengeNonceLength = 128
)

// ValidateChallengeNonce enforces spec.md §3's ChallengeNonce length
// bounds. Semantic validation belongs to the handler, not Parse, per
// spec.md §4.2.
func ValidateChallengeNonce(nonce string) error {
	switch {
	case len(nonce) < MinChallengeNonceLength:
		return &apperror.CommandHandlerInputDataError{
			Field:   "challengeNonce",
			Message: "challengeNonce argument must be at least 44 characters long",
		}
	case len(nonce) > MaxChallengeNonceLength:
		return &apperror.CommandHandlerInputDataError{
			Field:   "challengeNonce",
			Message: "challengeNonce argument cannot be longer than 128 characters",
		}
	default:
		return nil
	}
}

// OriginPolicy lets test/dev builds accept plain http
// origins for specific hosts; production configuration leaves this
// empty so every origin must be https, per spec.md §3.
type OriginPolicy struct {
	AllowedInsecureHosts map[string]struct{}
}

// ValidateOrigin checks that raw is a well-formed URL with an https
// scheme (or an explicitly allow-listed host) and returns its host
// component, per spec.md §3.
func ValidateOrigin(raw string, policy OriginPolicy) (host string, err error) {
	u, parseErr := url.Parse(strings.TrimSpace(raw))
	if parseErr != nil || u.Host == "" {
		return "", &apperror.CommandHandlerInputDataError{
			Field:   "origin",
			Message: "origin argument must be a valid URL",
		}
	}
	if u.Scheme != "https" {
		if _, ok := policy.AllowedInsecureHosts[u.Host]; !ok {
			return "", &apperror.CommandHandlerInputDataError{
				Field:   "origin",
				Message: "origin argument must use the https scheme",
			}
		}
	}
	return u.Host, nil
}

// HashFunction names the recognized digest algorithms of spec.md §3,
// with their expected raw byte length.
type HashFunction string

const (
	SHA256 HashFunction = "SHA-256"
	SHA384 HashFunction = "SHA-384"
	SHA512 HashFunction = "SHA-512"
)

// ExpectedHashLength returns the byte length a digest produced by fn
// must have, or ok=false if fn is not recognized.
func ExpectedHashLength(fn HashFunction) (length int, ok bool) {
	switch fn {
	case SHA256:
		return 32, true
	case SHA384:
		return 48, true
	case SHA512:
		return 64, true
	default:
		return 0, false
	}
}

// ValidateHashLength enforces spec.md §8 property 3: the sign
// handler must reject a hash/hashFunction mismatch before any card
// I/O, as a CommandHandlerInputDataError.
func ValidateHashLength(hash []byte, fn HashFunction) error {
	expected, ok := ExpectedHashLength(fn)
	if !ok {
		return &apperror.CommandHandlerInputDataError{
			Field:   "hashFunction",
			Message: "hashFunction argument must be one of SHA-256, SHA-384, SHA-512",
		}
	}
	if len(hash) != expected {
		return &apperror.CommandHandlerInputDataError{
			Field:   "hash",
			Message: "hash argument length does not match hashFunction",
		}
	}
	return nil
}
