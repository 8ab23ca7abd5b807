// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package cardfacade is the card subsystem facade of spec.md §4.3: it
// enumerates readers, tracks insertion/removal, selects eID
// certificates, and exposes authentication/signing primitives over
// PC/SC + PKCS#11. Every operation blocks the calling goroutine;
// callers run it on a worker (pkg/worker), never on the UI/controller
// goroutine.
package cardfacade

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/web-eid/web-eid-app-go/pkg/apperror"
	"github.com/web-eid/web-eid-app-go/pkg/pin"
)

// Purpose selects which PIV/eID key slot a certificate must be usable
// for, spec.md §4.5 "Common: certificate reader".
type Purpose int

const (
	PurposeAuthentication Purpose = iota
	PurposeSigning
)

// ReaderInfo is a live PC/SC reader, spec.md §3.
type ReaderInfo struct {
	Name        string
	CardPresent bool
}

// CardInfo identifies a connected eID card. It is passed by value
// between the controller and a worker (spec.md §9 "Shared ownership of
// CardInfo"): the worker never receives a shared mutable reference, so
// the card-event monitor invalidating a card only affects readers of
// the CancelToken, not readers of the CardInfo value itself.
type CardInfo struct {
	Reader string

	// AuthSignatureAlgorithm and SignSignatureAlgorithm are the JWS
	// algorithm names (RS256, PS256, ES256/384/512) the card declares
	// for its authentication and signing keys respectively, spec.md
	// §4.5.
	AuthSignatureAlgorithm string
	SignSignatureAlgorithm string

	// modulePath and slot together are opaque implementation state
	// (the PKCS#11 module a card was discovered on and its slot within
	// that module); the controller never inspects them. Keeping both
	// rather than a bare slot id matters once more than one PKCS#11
	// module can be loaded at once (spec.md §4.5 chooser): slot ids are
	// only unique within a module, so two modules can each report
	// "slot 0".
	modulePath string
	slot       uint
}

// CardCertificateAndPin is built during certificate reading, spec.md
// §3. PIN fields describe the constraints of the PIN-entry step; the
// PIN buffer itself is populated only inside that step and zeroized on
// exit (spec.md §3 invariant (i)).
type CardCertificateAndPin struct {
	CardInfo CardInfo

	CertificateDER []byte
	Subject        map[string]string

	PinRetriesLeft int
	PinMinLength   int
	PinMaxLength   int

	// PinPadReader is true when the reader has its own PIN pad; in
	// that case the facade performs secure PIN entry itself and the
	// PIN never enters process memory, spec.md §4.3.
	PinPadReader bool
}

// ReaderChangeKind distinguishes the three events monitorEvents emits,
// spec.md §4.3.
type ReaderChangeKind int

const (
	ReaderInserted ReaderChangeKind = iota
	ReaderRemoved
	ReaderSetChanged
)

// ReaderChange is one event from the card-event monitor stream.
type ReaderChange struct {
	Kind   ReaderChangeKind
	Reader string
}

// CancelReason distinguishes why a CancelToken was raised, so a
// facade call interrupted mid-flight can report the error that
// actually matches what happened instead of always reporting
// UserCancelled, spec.md §4.4 "Card-removal during RunningHandler
// cancels the worker and re-enters WaitingForCard with a retriable
// reason".
type CancelReason int32

const (
	CancelReasonUser CancelReason = iota
	CancelReasonCardRemoved
)

// CancelToken is the cooperative cancellation flag of spec.md §4.3
// and §5: the facade checks it between APDU exchanges, never
// preempting mid-exchange.
type CancelToken struct {
	cancelled atomic.Bool
	reason    atomic.Int32
}

// Cancel raises the flag with CancelReasonUser. Safe to call from any
// goroutine.
func (t *CancelToken) Cancel() { t.CancelWithReason(CancelReasonUser) }

// CancelWithReason raises the flag with reason. Safe to call from any
// goroutine, and more than once — only the first call's reason is
// kept.
func (t *CancelToken) CancelWithReason(reason CancelReason) {
	if t.cancelled.CompareAndSwap(false, true) {
		t.reason.Store(int32(reason))
	}
}

// Cancelled reports whether Cancel/CancelWithReason has been called.
func (t *CancelToken) Cancelled() bool { return t.cancelled.Load() }

// Reason reports why the token was cancelled. Meaningless unless
// Cancelled reports true.
func (t *CancelToken) Reason() CancelReason { return CancelReason(t.reason.Load()) }

// ErrorForCancel renders a cancelled token as the error matching its
// CancelReason, so a facade call that notices cancellation mid-flight
// reports CardRemoved rather than UserCancelled when that is what
// actually happened.
func ErrorForCancel(cancel *CancelToken) error {
	if cancel != nil && cancel.Reason() == CancelReasonCardRemoved {
		return &apperror.CardRemoved{}
	}
	return &apperror.UserCancelled{}
}

// Facade is the card subsystem facade interface, spec.md §4.3.
type Facade interface {
	// ListReaders enumerates currently attached PC/SC readers.
	ListReaders(ctx context.Context) ([]ReaderInfo, error)

	// WaitForCard blocks until at least one eID card appears in any
	// reader, the timeout elapses, or cancel is raised. It returns
	// every candidate card found, not just the first: spec.md §4.5
	// requires the controller to present a chooser when more than one
	// is present.
	WaitForCard(ctx context.Context, timeout time.Duration, cancel *CancelToken) ([]CardInfo, error)

	// ReadCertificates reads the certificate usable for purpose from
	// card, along with its PIN constraints.
	ReadCertificates(ctx context.Context, card CardInfo, purpose Purpose, cancel *CancelToken) (CardCertificateAndPin, error)

	// SignWithAuthKey signs digest with card's authentication key.
	// pinBuf is moved into the call: the facade is the last reader of
	// its bytes and the caller must still Zero it afterwards.
	SignWithAuthKey(ctx context.Context, card CardInfo, pinBuf *pin.Buffer, digest []byte, cancel *CancelToken) ([]byte, error)

	// SignWithSigningKey signs digest with card's signing key.
	SignWithSigningKey(ctx context.Context, card CardInfo, pinBuf *pin.Buffer, digest []byte, cancel *CancelToken) ([]byte, error)

	// MonitorEvents returns a channel of reader/card change events.
	// The channel is closed when ctx is done.
	MonitorEvents(ctx context.Context) (<-chan ReaderChange, error)
}
