// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

//go:build !cgo
// +build !cgo

package cardfacade

import (
	"context"
	"time"

	"github.com/web-eid/web-eid-app-go/pkg/apperror"
	"github.com/web-eid/web-eid-app-go/pkg/pin"
)

// PKCS11Facade is the no-cgo fallback: binaries built without cgo
// cannot load a PKCS#11 module at all, so every operation reports
// SmartCardServiceUnavailable rather than silently returning no
// readers. Grounded on the teacher's pkcs11_stub.go /
// pkcs1_pkcs11_stub.go no-cgo build.
type PKCS11Facade struct {
	ModulePaths []string
}

func NewPKCS11Facade() *PKCS11Facade {
	return &PKCS11Facade{}
}

func DefaultModulePaths() []string { return nil }

const noCgoReason = "built without cgo: no PKCS#11 module can be loaded"

func (f *PKCS11Facade) ListReaders(ctx context.Context) ([]ReaderInfo, error) {
	return nil, &apperror.SmartCardServiceUnavailable{Reason: noCgoReason}
}

func (f *PKCS11Facade) WaitForCard(ctx context.Context, timeout time.Duration, cancel *CancelToken) ([]CardInfo, error) {
	return nil, &apperror.SmartCardServiceUnavailable{Reason: noCgoReason}
}

func (f *PKCS11Facade) ReadCertificates(ctx context.Context, card CardInfo, purpose Purpose, cancel *CancelToken) (CardCertificateAndPin, error) {
	return CardCertificateAndPin{}, &apperror.SmartCardServiceUnavailable{Reason: noCgoReason}
}

func (f *PKCS11Facade) SignWithAuthKey(ctx context.Context, card CardInfo, pinBuf *pin.Buffer, digest []byte, cancel *CancelToken) ([]byte, error) {
	return nil, &apperror.SmartCardServiceUnavailable{Reason: noCgoReason}
}

func (f *PKCS11Facade) SignWithSigningKey(ctx context.Context, card CardInfo, pinBuf *pin.Buffer, digest []byte, cancel *CancelToken) ([]byte, error) {
	return nil, &apperror.SmartCardServiceUnavailable{Reason: noCgoReason}
}

func (f *PKCS11Facade) MonitorEvents(ctx context.Context) (<-chan ReaderChange, error) {
	events := make(chan ReaderChange)
	close(events)
	return events, &apperror.SmartCardServiceUnavailable{Reason: noCgoReason}
}
