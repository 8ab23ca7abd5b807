// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package controller implements the command controller state machine
// of spec.md §4.4: for each incoming command it drives card discovery,
// certificate selection, user confirmation, PIN entry, and the
// cryptographic operation, guaranteeing exactly one response per
// accepted request.
package controller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/web-eid/web-eid-app-go/pkg/apperror"
	"github.com/web-eid/web-eid-app-go/pkg/cardfacade"
	"github.com/web-eid/web-eid-app-go/pkg/command"
	"github.com/web-eid/web-eid-app-go/pkg/config"
	"github.com/web-eid/web-eid-app-go/pkg/pin"
	"github.com/web-eid/web-eid-app-go/pkg/signtoken"
	"github.com/web-eid/web-eid-app-go/pkg/uiface"
	"github.com/web-eid/web-eid-app-go/pkg/version"
	"github.com/web-eid/web-eid-app-go/pkg/worker"
)

// state names the controller's position in spec.md §4.4's diagram.
// It exists for logging and the at-most-one-worker debug assertion,
// not for dispatch: dispatch is a flat sequence of method calls per
// command, matching the teacher's flat ProtocolState-driven
// process*Request style (cmd/gui/websocket_service.go) rather than a
// type-per-state hierarchy.
type state int

const (
	stateIdle state = iota
	stateWaitingForReader
	stateWaitingForCard
	stateReadingCertificate
	stateConfirmingWithUser
	stateRunningHandler
	stateWriting
	stateFailingTerminal
	stateExited
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateWaitingForReader:
		return "WaitingForReader"
	case stateWaitingForCard:
		return "WaitingForCard"
	case stateReadingCertificate:
		return "ReadingCertificate"
	case stateConfirmingWithUser:
		return "ConfirmingWithUser"
	case stateRunningHandler:
		return "RunningHandler"
	case stateWriting:
		return "Writing"
	case stateFailingTerminal:
		return "FailingTerminal"
	case stateExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// Controller owns the card facade, UI facade, configuration, and the
// single in-flight worker for the process's lifetime. One Controller
// serves every command sequentially; spec.md §3 invariant (ii) — at
// most one in-flight worker — is enforced by runOnWorker's debug
// assertion.
type Controller struct {
	cfg    config.Config
	facade cardfacade.Facade
	ui     uiface.UI

	state state
	quit  bool

	// mu guards worker and activeReader, the two fields also read by
	// HandleReaderChange from the card-event monitor's own goroutine
	// (cmd/webeid-host wires StartCardEventMonitor independently of
	// Run's goroutine). Every other field is touched only from the
	// single goroutine that calls Run, per spec.md §5's one-request-
	// at-a-time contract.
	mu           sync.Mutex
	worker       *worker.RunWorker
	activeReader string
}

// New builds a Controller ready to serve commands.
func New(cfg config.Config, facade cardfacade.Facade, ui uiface.UI) *Controller {
	return &Controller{cfg: cfg, facade: facade, ui: ui, state: stateIdle}
}

// ShouldExit reports whether the last Run call processed a quit
// command; cmd/webeid-host's main loop checks this after every Run to
// decide whether to keep reading frames.
func (c *Controller) ShouldExit() bool { return c.quit }

func (c *Controller) transition(s state) {
	log.Printf("[controller] %s -> %s", c.state, s)
	c.state = s
}

// Run is the single entry point, called once per accepted request. It
// never returns before exactly one response has been produced
// (spec.md §8 property 1): every return path below ends in a
// marshaled response body.
func (c *Controller) Run(ctx context.Context, cmd command.Command) json.RawMessage {
	correlationID := uuid.New()
	log.Printf("[controller] correlation=%s command=%s", correlationID, cmd.Name)
	defer c.setActiveReader("")
	switch cmd.Name {
	case command.Status:
		return c.handleStatus(cmd)
	case command.Quit:
		return c.handleQuit(cmd)
	case command.Authenticate:
		return c.handleAuthenticate(ctx, cmd)
	case command.GetSigningCertificate:
		return c.handleGetSigningCertificate(ctx, cmd)
	case command.Sign:
		return c.handleSign(ctx, cmd)
	default:
		return apperror.Response(cmd.ID, &apperror.ProgrammingError{Detail: fmt.Sprintf("unhandled command %q reached the controller", cmd.Name)})
	}
}

func (c *Controller) handleStatus(cmd command.Command) json.RawMessage {
	c.transition(stateWriting)
	defer c.transition(stateIdle)
	return withID(cmd.ID, map[string]string{"version": version.CurrentVersion})
}

func (c *Controller) handleQuit(cmd command.Command) json.RawMessage {
	c.quit = true
	c.mu.Lock()
	w := c.worker
	c.mu.Unlock()
	if w != nil {
		w.Cancel()
	}
	c.transition(stateExited)
	return withID(cmd.ID, map[string]string{})
}

func (c *Controller) handleAuthenticate(ctx context.Context, cmd command.Command) json.RawMessage {
	if err := command.ValidateChallengeNonce(cmd.AuthenticateArgs.ChallengeNonce); err != nil {
		return c.fail(cmd.ID, err)
	}
	if _, err := command.ValidateOrigin(cmd.AuthenticateArgs.Origin, c.cfg.OriginPolicy); err != nil {
		return c.fail(cmd.ID, err)
	}
	origin := cmd.AuthenticateArgs.Origin

	cert, signature, err := c.acquireCertificateAndSign(ctx, cardfacade.PurposeAuthentication,
		func(cert cardfacade.CardCertificateAndPin) ([]byte, error) {
			hash, err := signtoken.HashForAlgorithm(cert.CardInfo.AuthSignatureAlgorithm)
			if err != nil {
				return nil, err
			}
			return signtoken.ChallengeDigest(hash, origin, cmd.AuthenticateArgs.ChallengeNonce), nil
		},
		c.facade.SignWithAuthKey)
	if err != nil {
		return c.fail(cmd.ID, err)
	}

	c.transition(stateWriting)
	defer c.transition(stateIdle)
	appVersion := fmt.Sprintf(version.AppVersionURLTemplate, version.CurrentVersion)
	token := signtoken.NewAuthenticationToken(cert.CardInfo.AuthSignatureAlgorithm, cert.CertificateDER, signature, appVersion)
	return withID(cmd.ID, token)
}

func (c *Controller) handleGetSigningCertificate(ctx context.Context, cmd command.Command) json.RawMessage {
	if _, err := command.ValidateOrigin(cmd.GetSigningCertificateArgs.Origin, c.cfg.OriginPolicy); err != nil {
		return c.fail(cmd.ID, err)
	}

	cert, err := c.acquireCertificate(ctx, cardfacade.PurposeSigning)
	if err != nil {
		return c.fail(cmd.ID, err)
	}

	c.transition(stateWriting)
	defer c.transition(stateIdle)
	payload := map[string]interface{}{
		"certificate":                  base64.StdEncoding.EncodeToString(cert.CertificateDER),
		"supportedSignatureAlgorithms": supportedSignatureAlgorithms(cert.CardInfo.SignSignatureAlgorithm),
	}
	return withID(cmd.ID, payload)
}

func (c *Controller) handleSign(ctx context.Context, cmd command.Command) json.RawMessage {
	if _, err := command.ValidateOrigin(cmd.SignArgs.Origin, c.cfg.OriginPolicy); err != nil {
		return c.fail(cmd.ID, err)
	}
	hashFn := command.HashFunction(cmd.SignArgs.HashFunction)
	hash, err := base64.StdEncoding.DecodeString(cmd.SignArgs.HashB64)
	if err != nil {
		return c.fail(cmd.ID, &apperror.CommandHandlerInputDataError{Field: "hash", Message: "hash argument must be base64-encoded"})
	}
	if err := command.ValidateHashLength(hash, hashFn); err != nil {
		return c.fail(cmd.ID, err)
	}

	cert, signature, err := c.acquireCertificateAndSign(ctx, cardfacade.PurposeSigning,
		func(cardfacade.CardCertificateAndPin) ([]byte, error) { return hash, nil },
		c.facade.SignWithSigningKey)
	if err != nil {
		return c.fail(cmd.ID, err)
	}

	c.transition(stateWriting)
	defer c.transition(stateIdle)
	descriptor := descriptorForJWSAlgorithm(cert.CardInfo.SignSignatureAlgorithm, hashFn)
	return withID(cmd.ID, signtoken.NewSignatureResult(signature, descriptor))
}

// fail renders err as the command's terminal response, matching
// spec.md §4.4's FailingTerminal -> Writing(error) -> Exited path
// (the process itself does not exit; only the command session does).
func (c *Controller) fail(id json.RawMessage, err error) json.RawMessage {
	c.transition(stateFailingTerminal)
	c.transition(stateWriting)
	defer c.transition(stateIdle)
	log.Printf("[controller] command failed: %v", err)
	return apperror.Response(id, err)
}

// acquireCertificate implements spec.md §4.5's "common: certificate
// reader" step: wait for a reader, wait for a card, read the
// certificate for purpose, then confirm with the user before any
// cryptographic operation proceeds. Card removal while reading the
// certificate is retriable in place (spec.md §4.4): it re-enters
// WaitingForCard rather than surfacing as a failure, since no PIN or
// worker state has been committed yet at this step.
func (c *Controller) acquireCertificate(ctx context.Context, purpose cardfacade.Purpose) (cardfacade.CardCertificateAndPin, error) {
	for {
		c.transition(stateWaitingForReader)
		c.ui.ShowProgress(uiface.WaitingForReader)
		if err := c.waitForReader(ctx); err != nil {
			return cardfacade.CardCertificateAndPin{}, err
		}

		c.transition(stateWaitingForCard)
		c.ui.ShowProgress(uiface.WaitingForCard)
		card, err := c.waitForCard(ctx)
		if err != nil {
			return cardfacade.CardCertificateAndPin{}, err
		}
		c.setActiveReader(card.Reader)

		c.transition(stateReadingCertificate)
		c.ui.ShowProgress(uiface.ReadingCertificate)
		result := c.runOnWorker(ctx, func(ctx context.Context, cancel *cardfacade.CancelToken) (interface{}, error) {
			return c.facade.ReadCertificates(ctx, card, purpose, cancel)
		})
		if result.Err != nil {
			if _, removed := result.Err.(*apperror.CardRemoved); removed {
				continue
			}
			return cardfacade.CardCertificateAndPin{}, result.Err
		}
		cert := result.Value.(cardfacade.CardCertificateAndPin)

		c.transition(stateConfirmingWithUser)
		if !c.ui.Confirm(confirmationSummary(cert)) {
			return cardfacade.CardCertificateAndPin{}, &apperror.UserCancelled{}
		}
		return cert, nil
	}
}

// acquireCertificateAndSign wraps acquireCertificate and signWithPIN
// with the retry spec.md §4.4 requires for card removal during
// RunningHandler: signWithPIN reports CardRemoved rather than looping
// on a stale card handle, and this loop re-enters WaitingForCard by
// calling acquireCertificate again, exactly as if the command were
// starting over.
func (c *Controller) acquireCertificateAndSign(
	ctx context.Context,
	purpose cardfacade.Purpose,
	buildDigest func(cardfacade.CardCertificateAndPin) ([]byte, error),
	sign signCall,
) (cardfacade.CardCertificateAndPin, []byte, error) {
	for {
		cert, err := c.acquireCertificate(ctx, purpose)
		if err != nil {
			return cardfacade.CardCertificateAndPin{}, nil, err
		}
		digest, err := buildDigest(cert)
		if err != nil {
			return cardfacade.CardCertificateAndPin{}, nil, err
		}
		signature, err := c.signWithPIN(ctx, cert, digest, sign)
		if err == nil {
			return cert, signature, nil
		}
		if _, removed := err.(*apperror.CardRemoved); removed {
			continue
		}
		return cardfacade.CardCertificateAndPin{}, nil, err
	}
}

func (c *Controller) setActiveReader(reader string) {
	c.mu.Lock()
	c.activeReader = reader
	c.mu.Unlock()
}

// HandleReaderChange reacts to a hardware event reported by the
// card-event monitor (spec.md §2, §4.6): if the reader backing the
// command currently in flight loses its card, the in-flight worker is
// cancelled with CancelReasonCardRemoved right away instead of
// waiting for its next blocking APDU call to discover the card is
// gone on its own.
func (c *Controller) HandleReaderChange(ev cardfacade.ReaderChange) {
	if ev.Kind != cardfacade.ReaderRemoved {
		return
	}
	c.mu.Lock()
	w := c.worker
	active := c.activeReader
	c.mu.Unlock()
	if w == nil || active == "" || ev.Reader != active {
		return
	}
	w.CancelWithReason(cardfacade.CancelReasonCardRemoved)
}

func confirmationSummary(cert cardfacade.CardCertificateAndPin) string {
	name := cert.Subject["CN"]
	if name == "" {
		name = cert.CardInfo.Reader
	}
	return fmt.Sprintf("Use the eID certificate for %s?", name)
}

func (c *Controller) waitForReader(ctx context.Context) error {
	result := c.runOnWorker(ctx, func(ctx context.Context, cancel *cardfacade.CancelToken) (interface{}, error) {
		deadline := time.Now().Add(c.cfg.WaitForReaderTimeout)
		for {
			if cancel.Cancelled() {
				return nil, cardfacade.ErrorForCancel(cancel)
			}
			readers, err := c.facade.ListReaders(ctx)
			if err == nil && len(readers) > 0 {
				return nil, nil
			}
			if time.Now().After(deadline) {
				return nil, &apperror.NoReader{}
			}
			time.Sleep(300 * time.Millisecond)
		}
	})
	return result.Err
}

// waitForCard blocks for a candidate card and, per spec.md §4.5,
// presents a chooser through the UI facade when more than one is
// found. A single candidate is used without prompting.
func (c *Controller) waitForCard(ctx context.Context) (cardfacade.CardInfo, error) {
	result := c.runOnWorker(ctx, func(ctx context.Context, cancel *cardfacade.CancelToken) (interface{}, error) {
		return c.facade.WaitForCard(ctx, c.cfg.WaitForCardTimeout, cancel)
	})
	if result.Err != nil {
		return cardfacade.CardInfo{}, result.Err
	}
	cards := result.Value.([]cardfacade.CardInfo)
	if len(cards) == 0 {
		return cardfacade.CardInfo{}, &apperror.NoCard{}
	}
	if len(cards) == 1 {
		return cards[0], nil
	}
	index, ok := c.ui.ChooseCard(cards)
	if !ok {
		return cardfacade.CardInfo{}, &apperror.UserCancelled{}
	}
	return cards[index], nil
}

// signCall is the shape shared by Facade.SignWithAuthKey and
// Facade.SignWithSigningKey, letting handleAuthenticate/handleSign
// share one PIN-retry loop.
type signCall func(ctx context.Context, card cardfacade.CardInfo, pinBuf *pin.Buffer, digest []byte, cancel *cardfacade.CancelToken) ([]byte, error)

// signWithPIN implements spec.md §4.4's ConfirmingWithUser <->
// RunningHandler PIN-retry cycle: prompt, sign, and on WrongPin with
// retries remaining, show the error and loop; on retries exhausted,
// PromoteWrongPin yields the terminal PinBlocked. The PIN buffer is
// always zeroized before the worker closure returns, regardless of
// outcome (spec.md §3 invariant (i), §8 property 4).
//
// For a PIN-pad reader (spec.md §4.3, §4.5) the PIN dialog is skipped
// entirely: an empty buffer is handed to sign, and the facade invokes
// the reader's own secure PIN entry instead of using buffer contents.
//
// A *apperror.CardRemoved from sign is returned immediately rather
// than retried here: the card handle it was signing with no longer
// exists, so spec.md §4.4 requires the caller to restart from
// WaitingForCard, not to re-prompt for a PIN against a dead card.
func (c *Controller) signWithPIN(ctx context.Context, cert cardfacade.CardCertificateAndPin, digest []byte, sign signCall) ([]byte, error) {
	retriesLeft := cert.PinRetriesLeft
	for {
		var pinBuf *pin.Buffer
		if cert.PinPadReader {
			pinBuf = pin.New()
		} else {
			c.transition(stateConfirmingWithUser)
			var err error
			pinBuf, err = c.promptPinWithTimeout(uiface.PinPromptInfo{
				CardholderName: cert.Subject["CN"],
				RetriesLeft:    retriesLeft,
				MinLength:      cert.PinMinLength,
				MaxLength:      cert.PinMaxLength,
			})
			if err != nil {
				if apperror.IsRetriable(err) {
					if !c.ui.ShowError(err) {
						return nil, &apperror.UserCancelled{}
					}
					continue
				}
				return nil, err
			}
		}

		c.transition(stateRunningHandler)
		c.ui.ShowProgress(uiface.RunningHandler)
		result := c.runOnWorker(ctx, func(ctx context.Context, cancel *cardfacade.CancelToken) (interface{}, error) {
			defer pinBuf.Zero()
			return sign(ctx, cert.CardInfo, pinBuf, digest, cancel)
		})

		if result.Err == nil {
			return result.Value.([]byte), nil
		}

		if _, removed := result.Err.(*apperror.CardRemoved); removed {
			return nil, result.Err
		}

		if wrongPin, ok := result.Err.(*apperror.WrongPin); ok {
			promoted := apperror.PromoteWrongPin(wrongPin)
			if _, stillRetriable := promoted.(*apperror.WrongPin); !stillRetriable {
				return nil, promoted
			}
			retriesLeft = wrongPin.RetriesLeft
			if !c.ui.ShowError(promoted) {
				return nil, &apperror.UserCancelled{}
			}
			continue
		}

		if apperror.IsRetriable(result.Err) {
			if !c.ui.ShowError(result.Err) {
				return nil, &apperror.UserCancelled{}
			}
			continue
		}

		return nil, result.Err
	}
}

// promptPinWithTimeout races the blocking UI PIN prompt against the
// configured PIN entry deadline (spec.md §5), since uiface.UI.PromptPin
// itself carries no timeout concept. A timeout yields the retriable
// apperror.PinTimeout, handled by the caller exactly like any other
// retriable card error.
func (c *Controller) promptPinWithTimeout(info uiface.PinPromptInfo) (*pin.Buffer, error) {
	type promptResult struct {
		buf *pin.Buffer
		ok  bool
	}
	resultCh := make(chan promptResult, 1)
	go func() {
		buf, ok := c.ui.PromptPin(info)
		resultCh <- promptResult{buf: buf, ok: ok}
	}()
	select {
	case r := <-resultCh:
		if !r.ok {
			return nil, &apperror.UserCancelled{}
		}
		return r.buf, nil
	case <-time.After(c.cfg.PinTimeout):
		return nil, &apperror.PinTimeout{}
	}
}

// runOnWorker starts fn on a fresh run-worker and blocks for its
// result. The debug assertion below is spec.md §8 property 6: the
// controller must never have two run-workers in flight. Since
// runOnWorker always waits for completion before returning, and
// clears c.worker in its own defer, a non-nil c.worker observed here
// can only mean a caller reentered Run concurrently, which violates
// the one-request-at-a-time contract of spec.md §5. c.worker is
// guarded by mu because HandleReaderChange reads it from the
// card-event monitor's own goroutine.
func (c *Controller) runOnWorker(ctx context.Context, fn worker.Run) worker.Result {
	c.mu.Lock()
	if c.worker != nil {
		c.mu.Unlock()
		panic("controller: attempted to start a second run-worker while one is in flight")
	}
	w := worker.Start(ctx, fn)
	c.worker = w
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.worker = nil
		c.mu.Unlock()
	}()
	return <-w.Done()
}

func withID(id json.RawMessage, payload interface{}) json.RawMessage {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperror.Response(id, &apperror.ProgrammingError{Detail: "response payload could not be marshaled: " + err.Error()})
	}
	if id == nil {
		return body
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return apperror.Response(id, &apperror.ProgrammingError{Detail: "response payload is not a JSON object: " + err.Error()})
	}
	fields["id"] = id
	out, err := json.Marshal(fields)
	if err != nil {
		return apperror.Response(id, &apperror.ProgrammingError{Detail: "response payload could not be re-marshaled: " + err.Error()})
	}
	return out
}

func supportedSignatureAlgorithms(jwsAlgorithm string) []signtoken.SignatureAlgorithmDescriptor {
	return []signtoken.SignatureAlgorithmDescriptor{
		descriptorForJWSAlgorithm(jwsAlgorithm, "" /* hash taken from the algorithm itself */),
	}
}

func descriptorForJWSAlgorithm(jwsAlgorithm string, hashFn command.HashFunction) signtoken.SignatureAlgorithmDescriptor {
	hashName := string(hashFn)
	switch jwsAlgorithm {
	case "RS256":
		if hashName == "" {
			hashName = "SHA-256"
		}
		return signtoken.SignatureAlgorithmDescriptor{Crypto: "RSA", Padding: "PKCS1", Hash: hashName}
	case "PS256":
		if hashName == "" {
			hashName = "SHA-256"
		}
		return signtoken.SignatureAlgorithmDescriptor{Crypto: "RSA", Padding: "PSS", Hash: hashName}
	case "ES256":
		if hashName == "" {
			hashName = "SHA-256"
		}
		return signtoken.SignatureAlgorithmDescriptor{Crypto: "ECDSA", Hash: hashName}
	case "ES384":
		if hashName == "" {
			hashName = "SHA-384"
		}
		return signtoken.SignatureAlgorithmDescriptor{Crypto: "ECDSA", Hash: hashName}
	case "ES512":
		if hashName == "" {
			hashName = "SHA-512"
		}
		return signtoken.SignatureAlgorithmDescriptor{Crypto: "ECDSA", Hash: hashName}
	default:
		return signtoken.SignatureAlgorithmDescriptor{Crypto: "unknown", Hash: hashName}
	}
}
