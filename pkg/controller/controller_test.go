// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package controller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/web-eid/web-eid-app-go/pkg/apperror"
	"github.com/web-eid/web-eid-app-go/pkg/cardfacade"
	"github.com/web-eid/web-eid-app-go/pkg/command"
	"github.com/web-eid/web-eid-app-go/pkg/config"
	"github.com/web-eid/web-eid-app-go/pkg/pin"
	"github.com/web-eid/web-eid-app-go/pkg/uiface"
)

// fakeFacade is a scripted cardfacade.Facade test double: each method
// simply returns whatever the test pre-loaded into the matching field.
type fakeFacade struct {
	readers    []cardfacade.ReaderInfo
	readersErr error

	cards   []cardfacade.CardInfo
	cardErr error

	cert    cardfacade.CardCertificateAndPin
	certErr error

	// signErrs is consumed in order, one per SignWith* call; the last
	// entry repeats once exhausted. A nil entry means success.
	signErrs []error
	signCalls int
}

func (f *fakeFacade) ListReaders(ctx context.Context) ([]cardfacade.ReaderInfo, error) {
	return f.readers, f.readersErr
}

func (f *fakeFacade) WaitForCard(ctx context.Context, timeout time.Duration, cancel *cardfacade.CancelToken) ([]cardfacade.CardInfo, error) {
	return f.cards, f.cardErr
}

func (f *fakeFacade) ReadCertificates(ctx context.Context, card cardfacade.CardInfo, purpose cardfacade.Purpose, cancel *cardfacade.CancelToken) (cardfacade.CardCertificateAndPin, error) {
	return f.cert, f.certErr
}

func (f *fakeFacade) nextSignErr() error {
	i := f.signCalls
	f.signCalls++
	if len(f.signErrs) == 0 {
		return nil
	}
	if i >= len(f.signErrs) {
		i = len(f.signErrs) - 1
	}
	return f.signErrs[i]
}

func (f *fakeFacade) SignWithAuthKey(ctx context.Context, card cardfacade.CardInfo, pinBuf *pin.Buffer, digest []byte, cancel *cardfacade.CancelToken) ([]byte, error) {
	if err := f.nextSignErr(); err != nil {
		return nil, err
	}
	return []byte("signed-auth"), nil
}

func (f *fakeFacade) SignWithSigningKey(ctx context.Context, card cardfacade.CardInfo, pinBuf *pin.Buffer, digest []byte, cancel *cardfacade.CancelToken) ([]byte, error) {
	if err := f.nextSignErr(); err != nil {
		return nil, err
	}
	return []byte("signed-doc"), nil
}

func (f *fakeFacade) MonitorEvents(ctx context.Context) (<-chan cardfacade.ReaderChange, error) {
	ch := make(chan cardfacade.ReaderChange)
	close(ch)
	return ch, nil
}

// fakeUI is a scripted uiface.UI test double driven entirely by
// pre-loaded responses; it never opens a real window.
type fakeUI struct {
	confirmAnswer bool
	pins          []string // consumed in order by PromptPin
	pinIndex      int
	showErrorRetry bool

	chooseIndex      int
	chooseCardCalled bool
	promptPinCalled  bool
}

func (u *fakeUI) ShowProgress(state uiface.ProgressState) {}

func (u *fakeUI) PromptPin(info uiface.PinPromptInfo) (*pin.Buffer, bool) {
	u.promptPinCalled = true
	if u.pinIndex >= len(u.pins) {
		return nil, false
	}
	s := u.pins[u.pinIndex]
	u.pinIndex++
	buf := pin.New()
	_ = buf.AppendString(s)
	return buf, true
}

func (u *fakeUI) ChooseCard(cards []cardfacade.CardInfo) (int, bool) {
	u.chooseCardCalled = true
	if len(cards) == 0 {
		return 0, false
	}
	return u.chooseIndex, true
}

func (u *fakeUI) Confirm(summary string) bool { return u.confirmAnswer }

func (u *fakeUI) ShowError(err error) bool { return u.showErrorRetry }

func (u *fakeUI) Close() {}

func testConfig() config.Config {
	return config.Config{
		WaitForReaderTimeout: 200 * time.Millisecond,
		WaitForCardTimeout:   200 * time.Millisecond,
		PinTimeout:           time.Second,
	}
}

func decodeResponse(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("response is not valid JSON: %v (%s)", err, raw)
	}
	return m
}

func TestStatusReportsVersionWithoutTouchingCards(t *testing.T) {
	facade := &fakeFacade{}
	ui := &fakeUI{}
	c := New(testConfig(), facade, ui)

	raw := c.Run(context.Background(), command.Command{ID: json.RawMessage(`1`), Name: command.Status})
	resp := decodeResponse(t, raw)
	if resp["version"] == "" || resp["version"] == nil {
		t.Fatalf("status response missing version: %v", resp)
	}
	if _, hasError := resp["error"]; hasError {
		t.Fatalf("status response should not carry an error: %v", resp)
	}
}

func TestQuitMarksShouldExit(t *testing.T) {
	c := New(testConfig(), &fakeFacade{}, &fakeUI{})
	c.Run(context.Background(), command.Command{Name: command.Quit})
	if !c.ShouldExit() {
		t.Fatal("ShouldExit() = false after a quit command")
	}
}

func TestAuthenticateSucceedsAndEchoesID(t *testing.T) {
	facade := &fakeFacade{
		readers: []cardfacade.ReaderInfo{{Name: "reader-1", CardPresent: true}},
		cards:   []cardfacade.CardInfo{{Reader: "reader-1", AuthSignatureAlgorithm: "ES256"}},
		cert: cardfacade.CardCertificateAndPin{
			CardInfo:       cardfacade.CardInfo{Reader: "reader-1", AuthSignatureAlgorithm: "ES256"},
			CertificateDER: []byte("der-bytes"),
			Subject:        map[string]string{"CN": "DOE,JANE"},
			PinRetriesLeft: 3,
		},
	}
	ui := &fakeUI{confirmAnswer: true, pins: []string{"1234"}}
	c := New(testConfig(), facade, ui)

	cmd := command.Command{
		ID:   json.RawMessage(`"req-1"`),
		Name: command.Authenticate,
		AuthenticateArgs: command.AuthenticateArgs{
			Origin:         "https://example.com",
			ChallengeNonce: strings.Repeat("a", 44),
		},
	}
	raw := c.Run(context.Background(), cmd)
	resp := decodeResponse(t, raw)
	if resp["id"] != "req-1" {
		t.Fatalf("response id = %v, want req-1", resp["id"])
	}
	if resp["unverifiedCertificate"] != base64.StdEncoding.EncodeToString([]byte("der-bytes")) {
		t.Fatalf("unverifiedCertificate mismatch: %v", resp)
	}
	if resp["algorithm"] != "ES256" {
		t.Fatalf("algorithm = %v, want ES256", resp["algorithm"])
	}
}

func TestAuthenticateRejectsShortChallengeNonce(t *testing.T) {
	c := New(testConfig(), &fakeFacade{}, &fakeUI{})
	cmd := command.Command{
		Name: command.Authenticate,
		AuthenticateArgs: command.AuthenticateArgs{
			Origin:         "https://example.com",
			ChallengeNonce: "short",
		},
	}
	raw := c.Run(context.Background(), cmd)
	resp := decodeResponse(t, raw)
	if _, ok := resp["error"]; !ok {
		t.Fatalf("expected an error response, got %v", resp)
	}
}

func TestAuthenticateRejectsInsecureOrigin(t *testing.T) {
	c := New(testConfig(), &fakeFacade{}, &fakeUI{})
	cmd := command.Command{
		Name: command.Authenticate,
		AuthenticateArgs: command.AuthenticateArgs{
			Origin:         "http://example.com",
			ChallengeNonce: strings.Repeat("a", 44),
		},
	}
	raw := c.Run(context.Background(), cmd)
	resp := decodeResponse(t, raw)
	errObj, ok := resp["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected an error response, got %v", resp)
	}
	if errObj["code"] != "ERR_WEBEID_NATIVE_INVALID_ARGUMENT" {
		t.Fatalf("error code = %v", errObj["code"])
	}
}

func TestSignRejectsHashLengthMismatchBeforeTouchingCards(t *testing.T) {
	facade := &fakeFacade{}
	c := New(testConfig(), facade, &fakeUI{})
	cmd := command.Command{
		Name: command.Sign,
		SignArgs: command.SignArgs{
			Origin:       "https://example.com",
			HashB64:      base64.StdEncoding.EncodeToString([]byte("too-short")),
			HashFunction: "SHA-256",
		},
	}
	raw := c.Run(context.Background(), cmd)
	resp := decodeResponse(t, raw)
	if _, ok := resp["error"]; !ok {
		t.Fatalf("expected an error response, got %v", resp)
	}
	if facade.signCalls != 0 {
		t.Fatalf("facade.SignWith* was called %d times, want 0: hash length must be checked before any card I/O", facade.signCalls)
	}
}

func TestSignSucceedsWithValidHash(t *testing.T) {
	facade := &fakeFacade{
		readers: []cardfacade.ReaderInfo{{Name: "reader-1", CardPresent: true}},
		cards:   []cardfacade.CardInfo{{Reader: "reader-1", SignSignatureAlgorithm: "RS256"}},
		cert: cardfacade.CardCertificateAndPin{
			CardInfo:       cardfacade.CardInfo{Reader: "reader-1", SignSignatureAlgorithm: "RS256"},
			CertificateDER: []byte("der-bytes"),
			Subject:        map[string]string{"CN": "DOE,JANE"},
			PinRetriesLeft: 3,
		},
	}
	ui := &fakeUI{confirmAnswer: true, pins: []string{"1234"}}
	c := New(testConfig(), facade, ui)

	hash := make([]byte, 32)
	cmd := command.Command{
		Name: command.Sign,
		SignArgs: command.SignArgs{
			Origin:       "https://example.com",
			HashB64:      base64.StdEncoding.EncodeToString(hash),
			HashFunction: "SHA-256",
		},
	}
	raw := c.Run(context.Background(), cmd)
	resp := decodeResponse(t, raw)
	if _, ok := resp["error"]; ok {
		t.Fatalf("unexpected error response: %v", resp)
	}
	sigAlg, ok := resp["signatureAlgorithm"].(map[string]interface{})
	if !ok || sigAlg["crypto"] != "RSA" {
		t.Fatalf("signatureAlgorithm = %v", resp["signatureAlgorithm"])
	}
}

func TestWrongPinRetriesThenSucceeds(t *testing.T) {
	facade := &fakeFacade{
		readers: []cardfacade.ReaderInfo{{Name: "reader-1", CardPresent: true}},
		cards:   []cardfacade.CardInfo{{Reader: "reader-1", AuthSignatureAlgorithm: "ES256"}},
		cert: cardfacade.CardCertificateAndPin{
			CardInfo:       cardfacade.CardInfo{Reader: "reader-1", AuthSignatureAlgorithm: "ES256"},
			CertificateDER: []byte("der-bytes"),
			Subject:        map[string]string{"CN": "DOE,JANE"},
			PinRetriesLeft: 3,
		},
		signErrs: []error{&apperror.WrongPin{RetriesLeft: 2}, nil},
	}
	ui := &fakeUI{confirmAnswer: true, pins: []string{"0000", "1234"}, showErrorRetry: true}
	c := New(testConfig(), facade, ui)

	cmd := command.Command{
		Name: command.Authenticate,
		AuthenticateArgs: command.AuthenticateArgs{
			Origin:         "https://example.com",
			ChallengeNonce: strings.Repeat("a", 44),
		},
	}
	raw := c.Run(context.Background(), cmd)
	resp := decodeResponse(t, raw)
	if _, ok := resp["error"]; ok {
		t.Fatalf("unexpected error response after a successful retry: %v", resp)
	}
	if facade.signCalls != 2 {
		t.Fatalf("signCalls = %d, want 2", facade.signCalls)
	}
}

func TestWrongPinWithNoRetriesLeftIsTerminal(t *testing.T) {
	facade := &fakeFacade{
		readers: []cardfacade.ReaderInfo{{Name: "reader-1", CardPresent: true}},
		cards:   []cardfacade.CardInfo{{Reader: "reader-1", AuthSignatureAlgorithm: "ES256"}},
		cert: cardfacade.CardCertificateAndPin{
			CardInfo:       cardfacade.CardInfo{Reader: "reader-1", AuthSignatureAlgorithm: "ES256"},
			CertificateDER: []byte("der-bytes"),
			Subject:        map[string]string{"CN": "DOE,JANE"},
			PinRetriesLeft: 1,
		},
		signErrs: []error{&apperror.WrongPin{RetriesLeft: 0}},
	}
	ui := &fakeUI{confirmAnswer: true, pins: []string{"0000"}, showErrorRetry: true}
	c := New(testConfig(), facade, ui)

	cmd := command.Command{
		Name: command.Authenticate,
		AuthenticateArgs: command.AuthenticateArgs{
			Origin:         "https://example.com",
			ChallengeNonce: strings.Repeat("a", 44),
		},
	}
	raw := c.Run(context.Background(), cmd)
	resp := decodeResponse(t, raw)
	errObj, ok := resp["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a terminal error response, got %v", resp)
	}
	if errObj["code"] != "ERR_WEBEID_PIN_BLOCKED" {
		t.Fatalf("error code = %v, want ERR_WEBEID_PIN_BLOCKED", errObj["code"])
	}
	if facade.signCalls != 1 {
		t.Fatalf("signCalls = %d, want 1: a blocked PIN must not be retried", facade.signCalls)
	}
}

func TestNoReaderReportsRetriableError(t *testing.T) {
	facade := &fakeFacade{}
	c := New(config.Config{WaitForReaderTimeout: 20 * time.Millisecond, WaitForCardTimeout: 20 * time.Millisecond, PinTimeout: time.Second}, facade, &fakeUI{})

	cmd := command.Command{
		Name: command.GetSigningCertificate,
		GetSigningCertificateArgs: command.GetSigningCertificateArgs{
			Origin: "https://example.com",
		},
	}
	raw := c.Run(context.Background(), cmd)
	resp := decodeResponse(t, raw)
	errObj, ok := resp["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected an error response, got %v", resp)
	}
	if errObj["code"] != "ERR_WEBEID_NO_SMART_CARD_READERS" {
		t.Fatalf("error code = %v, want ERR_WEBEID_NO_SMART_CARD_READERS", errObj["code"])
	}
}

// TestCardRemovedDuringSignRestartsFromWaitingForCard exercises
// spec.md §4.4's "Card-removal during RunningHandler cancels the
// worker and re-enters WaitingForCard with a retriable reason": a
// card pulled mid-sign must not simply re-prompt for a PIN against
// the now-dead card handle, it must go all the way back through
// acquireCertificate.
func TestCardRemovedDuringSignRestartsFromWaitingForCard(t *testing.T) {
	facade := &fakeFacade{
		readers: []cardfacade.ReaderInfo{{Name: "reader-1", CardPresent: true}},
		cards:   []cardfacade.CardInfo{{Reader: "reader-1", AuthSignatureAlgorithm: "ES256"}},
		cert: cardfacade.CardCertificateAndPin{
			CardInfo:       cardfacade.CardInfo{Reader: "reader-1", AuthSignatureAlgorithm: "ES256"},
			CertificateDER: []byte("der-bytes"),
			Subject:        map[string]string{"CN": "DOE,JANE"},
			PinRetriesLeft: 3,
		},
		signErrs: []error{&apperror.CardRemoved{}, nil},
	}
	ui := &fakeUI{confirmAnswer: true, pins: []string{"1234", "1234"}}
	c := New(testConfig(), facade, ui)

	cmd := command.Command{
		Name: command.Authenticate,
		AuthenticateArgs: command.AuthenticateArgs{
			Origin:         "https://example.com",
			ChallengeNonce: strings.Repeat("a", 44),
		},
	}
	raw := c.Run(context.Background(), cmd)
	resp := decodeResponse(t, raw)
	if _, ok := resp["error"]; ok {
		t.Fatalf("unexpected error response after re-acquiring a removed card: %v", resp)
	}
	if facade.signCalls != 2 {
		t.Fatalf("signCalls = %d, want 2: CardRemoved must restart acquisition, not just re-prompt the PIN", facade.signCalls)
	}
}

// TestMultipleCardsPresentsChooser exercises spec.md §4.5: when more
// than one candidate card is found, the controller must ask the UI
// facade to choose rather than silently picking the first one.
func TestMultipleCardsPresentsChooser(t *testing.T) {
	chosen := cardfacade.CardInfo{Reader: "reader-2", AuthSignatureAlgorithm: "ES256"}
	facade := &fakeFacade{
		readers: []cardfacade.ReaderInfo{{Name: "reader-1", CardPresent: true}, {Name: "reader-2", CardPresent: true}},
		cards: []cardfacade.CardInfo{
			{Reader: "reader-1", AuthSignatureAlgorithm: "ES256"},
			chosen,
		},
		cert: cardfacade.CardCertificateAndPin{
			CardInfo:       chosen,
			CertificateDER: []byte("der-bytes"),
			Subject:        map[string]string{"CN": "DOE,JANE"},
			PinRetriesLeft: 3,
		},
	}
	ui := &fakeUI{confirmAnswer: true, pins: []string{"1234"}, chooseIndex: 1}
	c := New(testConfig(), facade, ui)

	cmd := command.Command{
		Name: command.Authenticate,
		AuthenticateArgs: command.AuthenticateArgs{
			Origin:         "https://example.com",
			ChallengeNonce: strings.Repeat("a", 44),
		},
	}
	raw := c.Run(context.Background(), cmd)
	resp := decodeResponse(t, raw)
	if _, ok := resp["error"]; ok {
		t.Fatalf("unexpected error response: %v", resp)
	}
	if !ui.chooseCardCalled {
		t.Fatal("ChooseCard was never called despite multiple candidate cards")
	}
}

// TestPinPadReaderSkipsPinPrompt exercises spec.md §4.3/§4.5: a
// PIN-pad reader's secure entry is invoked directly and the UI's
// PromptPin dialog must never be shown.
func TestPinPadReaderSkipsPinPrompt(t *testing.T) {
	facade := &fakeFacade{
		readers: []cardfacade.ReaderInfo{{Name: "reader-1", CardPresent: true}},
		cards:   []cardfacade.CardInfo{{Reader: "reader-1", AuthSignatureAlgorithm: "ES256"}},
		cert: cardfacade.CardCertificateAndPin{
			CardInfo:       cardfacade.CardInfo{Reader: "reader-1", AuthSignatureAlgorithm: "ES256"},
			CertificateDER: []byte("der-bytes"),
			Subject:        map[string]string{"CN": "DOE,JANE"},
			PinRetriesLeft: 3,
			PinPadReader:   true,
		},
	}
	ui := &fakeUI{confirmAnswer: true}
	c := New(testConfig(), facade, ui)

	cmd := command.Command{
		Name: command.Authenticate,
		AuthenticateArgs: command.AuthenticateArgs{
			Origin:         "https://example.com",
			ChallengeNonce: strings.Repeat("a", 44),
		},
	}
	raw := c.Run(context.Background(), cmd)
	resp := decodeResponse(t, raw)
	if _, ok := resp["error"]; ok {
		t.Fatalf("unexpected error response: %v", resp)
	}
	if ui.promptPinCalled {
		t.Fatal("PromptPin was called for a PIN-pad reader")
	}
}

func TestUserCancellingConfirmationEndsTheCommand(t *testing.T) {
	facade := &fakeFacade{
		readers: []cardfacade.ReaderInfo{{Name: "reader-1", CardPresent: true}},
		cards:   []cardfacade.CardInfo{{Reader: "reader-1"}},
		cert:    cardfacade.CardCertificateAndPin{CardInfo: cardfacade.CardInfo{Reader: "reader-1"}},
	}
	ui := &fakeUI{confirmAnswer: false}
	c := New(testConfig(), facade, ui)

	cmd := command.Command{
		Name: command.GetSigningCertificate,
		GetSigningCertificateArgs: command.GetSigningCertificateArgs{
			Origin: "https://example.com",
		},
	}
	raw := c.Run(context.Background(), cmd)
	resp := decodeResponse(t, raw)
	errObj, ok := resp["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected an error response, got %v", resp)
	}
	if errObj["code"] != "ERR_WEBEID_USER_CANCELLED" {
		t.Fatalf("error code = %v, want ERR_WEBEID_USER_CANCELLED", errObj["code"])
	}
}
