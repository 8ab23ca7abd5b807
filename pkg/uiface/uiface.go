// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package uiface is the UI facade of spec.md §4.7: a flow of progress,
// card chooser, confirmation, PIN-entry and error screens the
// controller drives over a blocking method call per screen, never
// touching widget state directly.
package uiface

import (
	"github.com/web-eid/web-eid-app-go/pkg/apperror"
	"github.com/web-eid/web-eid-app-go/pkg/cardfacade"
	"github.com/web-eid/web-eid-app-go/pkg/pin"
)

// ProgressState names which step of the command lifecycle the
// progress screen should display, spec.md §4.4's transition names.
type ProgressState int

const (
	WaitingForReader ProgressState = iota
	WaitingForCard
	ReadingCertificate
	RunningHandler
)

func (s ProgressState) String() string {
	switch s {
	case WaitingForReader:
		return "Insert your ID card reader"
	case WaitingForCard:
		return "Insert your ID card"
	case ReadingCertificate:
		return "Reading certificate"
	case RunningHandler:
		return "Communicating with your card"
	default:
		return "Working"
	}
}

// PinPromptInfo carries the PIN-entry screen's constraints, taken
// from cardfacade.CardCertificateAndPin so uiface never imports the
// card facade's session internals.
type PinPromptInfo struct {
	CardholderName string
	RetriesLeft    int
	MinLength      int
	MaxLength      int
}

// UI is the controller-facing facade interface, spec.md §4.7.
type UI interface {
	// ShowProgress updates the progress screen to reflect state. It
	// does not block.
	ShowProgress(state ProgressState)

	// PromptPin blocks until the user submits a PIN or cancels. The
	// bool is false when the user cancelled.
	PromptPin(info PinPromptInfo) (*pin.Buffer, bool)

	// ChooseCard blocks until the user selects one of cards or
	// cancels. The returned int indexes cards; the bool is false when
	// the user cancelled.
	ChooseCard(cards []cardfacade.CardInfo) (int, bool)

	// Confirm blocks on a yes/no prompt describing summary.
	Confirm(summary string) bool

	// ShowError surfaces a retriable error, letting the user retry or
	// cancel the current command.
	ShowError(err error) (retry bool)

	// Close releases the UI and any window it owns.
	Close()
}

// retriableErrorMessage renders err the way ShowError should display
// it, using apperror.IsRetriable to decide whether a retry affordance
// makes sense at all.
func retriableErrorMessage(err error) (message string, offerRetry bool) {
	return err.Error(), apperror.IsRetriable(err)
}
