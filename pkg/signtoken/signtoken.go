// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package signtoken builds the AuthenticationToken and SignatureResult
// wire payloads (spec.md §3) and implements the domain-separated hash
// construction of the authenticate command (spec.md §4.5, grounded on
// original_source/.../authenticate.cpp's createSignature).
package signtoken

import (
	"crypto"
	"encoding/base64"

	"github.com/golang-jwt/jwt/v5"

	"github.com/web-eid/web-eid-app-go/pkg/apperror"
)

// Format is the fixed AuthenticationToken.format value, spec.md §3.
const Format = "web-eid:1.0"

// hashForJWSAlgorithm maps a card's declared authentication signature
// algorithm (a JWS name) to the hash algorithm used to build the
// authenticate challenge digest, per spec.md §4.5: RS256/PS256/ES256 ->
// SHA-256, ES384 ->
// SHA-384, ES512 -> SHA-512. Keyed by the canonical JWS signing method
// values from github.com/golang-jwt/jwt/v5 rather than hand-rolled
// string constants, so the algorithm name on the wire and the hash
// selection can never drift apart.
var hashForJWSAlgorithm = map[string]crypto.Hash{
	jwt.SigningMethodRS256.Alg(): jwt.SigningMethodRS256.Hash,
	jwt.SigningMethodPS256.Alg(): jwt.SigningMethodPS256.Hash,
	jwt.SigningMethodES256.Alg(): jwt.SigningMethodES256.Hash,
	jwt.SigningMethodES384.Alg(): jwt.SigningMethodES384.Hash,
	jwt.SigningMethodES512.Alg(): jwt.SigningMethodES512.Hash,
}

// HashForAlgorithm returns the hash algorithm a card's declared JWS
// signature algorithm name implies, or a ProgrammingError if the name
// has no mapping (spec.md §4.5: "Hash algorithm mapping missing").
func HashForAlgorithm(jwsAlgorithm string) (crypto.Hash, error) {
	h, ok := hashForJWSAlgorithm[jwsAlgorithm]
	if !ok {
		return 0, &apperror.ProgrammingError{
			Detail: "hash algorithm mapping missing for signature algorithm " + jwsAlgorithm,
		}
	}
	return h, nil
}

// ChallengeDigest computes hash(hash(origin) || hash(challengeNonce))
// using h, guaranteeing domain separation between the origin and nonce
// fields (spec.md §4.5, §8 property 2): two distinct (origin, nonce)
// pairs never produce the same pre-image, and changing either input
// changes the digest that is ultimately signed.
func ChallengeDigest(h crypto.Hash, origin, challengeNonce string) []byte {
	hasher := h.New()
	hasher.Write([]byte(origin))
	originHash := hasher.Sum(nil)

	hasher = h.New()
	hasher.Write([]byte(challengeNonce))
	nonceHash := hasher.Sum(nil)

	hasher = h.New()
	hasher.Write(originHash)
	hasher.Write(nonceHash)
	return hasher.Sum(nil)
}

// AuthenticationToken is the response payload of the authenticate
// command, spec.md §3 and §6.
type AuthenticationToken struct {
	UnverifiedCertificate string `json:"unverifiedCertificate"`
	Algorithm             string `json:"algorithm"`
	Signature             string `json:"signature"`
	Format                string `json:"format"`
	AppVersion            string `json:"appVersion"`
}

// NewAuthenticationToken renders certificateDER and signature as the
// wire-format AuthenticationToken.
func NewAuthenticationToken(jwsAlgorithm string, certificateDER, signature []byte, appVersion string) AuthenticationToken {
	return AuthenticationToken{
		UnverifiedCertificate: base64.StdEncoding.EncodeToString(certificateDER),
		Algorithm:             jwsAlgorithm,
		Signature:             base64.StdEncoding.EncodeToString(signature),
		Format:                Format,
		AppVersion:            appVersion,
	}
}

// SignatureAlgorithmDescriptor is the {crypto, padding, hash} shape
// used by get-signing-certificate and sign responses, spec.md §6.
type SignatureAlgorithmDescriptor struct {
	Crypto  string `json:"crypto"`
	Padding string `json:"padding,omitempty"`
	Hash    string `json:"hash"`
}

// SignatureResult is the response payload of the sign command,
// spec.md §3 and §6.
type SignatureResult struct {
	Signature          string                       `json:"signature"`
	SignatureAlgorithm SignatureAlgorithmDescriptor `json:"signatureAlgorithm"`
}

// NewSignatureResult renders a raw signature and its algorithm
// descriptor as the wire-format SignatureResult.
func NewSignatureResult(signature []byte, descriptor SignatureAlgorithmDescriptor) SignatureResult {
	return SignatureResult{
		Signature:          base64.StdEncoding.EncodeToString(signature),
		SignatureAlgorithm: descriptor,
	}
}
