// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

//go:build cgo
// +build cgo

package cardfacade

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/miekg/pkcs11"

	"github.com/web-eid/web-eid-app-go/pkg/apperror"
	"github.com/web-eid/web-eid-app-go/pkg/pin"
)

// pkcs11PrefixForHash are the PKCS#1 v1.5 DigestInfo prefixes CKM_RSA_PKCS
// requires the caller to prepend, since the mechanism performs padding
// only, not hashing. Grounded on pkcs11_crypto_signer_cgo.go's
// pkcs1Prefix table from the teacher.
var pkcs11PrefixForHash = map[crypto.Hash][]byte{
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// PKCS11Facade is the default Facade, backed by whichever PKCS#11
// module on the host exposes the inserted eID card. Grounded on
// pkg/certstore/pkcs11.go's module-path walk and
// pkg/signer/pkcs11_crypto_signer_cgo.go's SignInit/Sign shape.
type PKCS11Facade struct {
	// ModulePaths restricts the module search to these paths. When
	// empty, DefaultModulePaths() is used.
	ModulePaths []string
}

// NewPKCS11Facade returns a facade searching the platform's default
// PKCS#11 module locations.
func NewPKCS11Facade() *PKCS11Facade {
	return &PKCS11Facade{}
}

// DefaultModulePaths lists the well-known OpenSC/eID middleware module
// locations per platform, generalized from the teacher's
// normalizePKCS11ModulePaths (Linux OpenSC paths only) to also cover
// the module names the teacher's certstore/windows.go and
// certstore/nonlinux.go implied but never wired into PKCS#11.
func DefaultModulePaths() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			`C:\Windows\System32\opensc-pkcs11.dll`,
			`C:\Program Files\OpenSC Project\OpenSC\pkcs11\opensc-pkcs11.dll`,
		}
	case "darwin":
		return []string{
			"/Library/OpenSC/lib/opensc-pkcs11.so",
			"/usr/local/lib/opensc-pkcs11.so",
			"/opt/homebrew/lib/opensc-pkcs11.so",
		}
	default:
		return []string{
			"/usr/lib/opensc-pkcs11.so",
			"/usr/lib/x86_64-linux-gnu/opensc-pkcs11.so",
			"/usr/lib64/opensc-pkcs11.so",
			"/usr/lib/pkcs11/opensc-pkcs11.so",
			"/usr/local/lib/opensc-pkcs11.so",
		}
	}
}

func (f *PKCS11Facade) modulePaths() []string {
	if len(f.ModulePaths) > 0 {
		return f.ModulePaths
	}
	return DefaultModulePaths()
}

// openModule is a successfully initialized PKCS#11 module together
// with the path it was loaded from. Keeping the path alongside the
// context lets WaitForCard stamp each discovered CardInfo with the
// exact module it came from, since slot ids are only unique within a
// single module: two independently loaded modules can each report
// "slot 0", so a bare slot id cannot safely identify a card once more
// than one module is live at a time (spec.md §4.5 chooser).
type openModule struct {
	path string
	ctx  *pkcs11.Ctx
}

// openModules opens every configured module path that exists on disk,
// returning the ones that initialized successfully. Callers must
// Finalize each returned context.
func (f *PKCS11Facade) openModules() []openModule {
	var modules []openModule
	for _, path := range f.modulePaths() {
		p, err := f.openModuleAt(path)
		if err != nil {
			continue
		}
		modules = append(modules, openModule{path: path, ctx: p})
	}
	return modules
}

// openModuleAt opens exactly one module path, used both by
// openModules and by withSession to reopen the specific module a
// CardInfo was discovered on.
func (f *PKCS11Facade) openModuleAt(path string) (*pkcs11.Ctx, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	p := pkcs11.New(path)
	if p == nil {
		return nil, fmt.Errorf("pkcs11: failed to load module %s", path)
	}
	if err := p.Initialize(); err != nil {
		log.Printf("[cardfacade] initializing PKCS#11 module %s: %v", path, err)
		return nil, err
	}
	return p, nil
}

func (f *PKCS11Facade) ListReaders(ctx context.Context) ([]ReaderInfo, error) {
	var readers []ReaderInfo
	for _, m := range f.openModules() {
		slots, err := m.ctx.GetSlotList(false)
		if err == nil {
			for _, slot := range slots {
				info, err := m.ctx.GetSlotInfo(slot)
				if err != nil {
					continue
				}
				present := info.Flags&pkcs11.CKF_TOKEN_PRESENT != 0
				readers = append(readers, ReaderInfo{
					Name:        strings.TrimSpace(info.SlotDescription),
					CardPresent: present,
				})
			}
		}
		m.ctx.Finalize()
	}
	return readers, nil
}

// WaitForCard collects every candidate card present across every
// configured module, spec.md §4.5: the controller decides whether to
// auto-select a single candidate or present a chooser for more than
// one.
func (f *PKCS11Facade) WaitForCard(ctx context.Context, timeout time.Duration, cancel *CancelToken) ([]CardInfo, error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 300 * time.Millisecond

	for {
		if cancel != nil && cancel.Cancelled() {
			return nil, ErrorForCancel(cancel)
		}
		select {
		case <-ctx.Done():
			return nil, &apperror.UserCancelled{}
		default:
		}

		modules := f.openModules()
		if len(modules) == 0 {
			if time.Now().After(deadline) {
				return nil, &apperror.NoReader{}
			}
			time.Sleep(pollInterval)
			continue
		}

		var cards []CardInfo
		for _, m := range modules {
			slots, err := m.ctx.GetSlotList(true)
			if err == nil {
				for _, slot := range slots {
					info, err := m.ctx.GetSlotInfo(slot)
					if err != nil {
						continue
					}
					cards = append(cards, CardInfo{
						Reader:     strings.TrimSpace(info.SlotDescription),
						modulePath: m.path,
						slot:       slot,
					})
				}
			}
			m.ctx.Finalize()
		}
		if len(cards) > 0 {
			return cards, nil
		}

		if time.Now().After(deadline) {
			return nil, &apperror.NoCard{}
		}
		time.Sleep(pollInterval)
	}
}

// withSession reopens the exact module+slot a CardInfo was discovered
// on and runs fn against a fresh session. Reopening by exact module
// path rather than re-probing every configured module by slot id
// avoids the slot-collision hazard described on openModule.
func (f *PKCS11Facade) withSession(card CardInfo, fn func(p *pkcs11.Ctx, session pkcs11.SessionHandle) error) error {
	p, err := f.openModuleAt(card.modulePath)
	if err != nil {
		return &apperror.CardRemoved{}
	}
	defer p.Finalize()

	session, err := p.OpenSession(card.slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return &apperror.CardRemoved{}
	}
	defer p.CloseSession(session)

	return fn(p, session)
}

func (f *PKCS11Facade) ReadCertificates(ctx context.Context, card CardInfo, purpose Purpose, cancel *CancelToken) (CardCertificateAndPin, error) {
	var result CardCertificateAndPin
	err := f.withSession(card, func(p *pkcs11.Ctx, session pkcs11.SessionHandle) error {
		if cancel != nil && cancel.Cancelled() {
			return ErrorForCancel(cancel)
		}

		if err := p.FindObjectsInit(session, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		}); err != nil {
			return &apperror.CardCommunicationFailure{Reason: err.Error()}
		}
		objects, _, err := p.FindObjects(session, 8)
		p.FindObjectsFinal(session)
		if err != nil || len(objects) == 0 {
			return &apperror.UnknownCard{Reason: "no certificate object found"}
		}

		// Prefer the certificate whose label hints at the requested
		// purpose; fall back to the first certificate found.
		obj := objects[0]
		wantLabel := "authentication"
		if purpose == PurposeSigning {
			wantLabel = "signing"
		}
		for _, candidate := range objects {
			attrs, err := p.GetAttributeValue(session, candidate, []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
			})
			if err == nil && len(attrs) > 0 && strings.Contains(strings.ToLower(string(attrs[0].Value)), wantLabel) {
				obj = candidate
				break
			}
		}

		attrs, err := p.GetAttributeValue(session, obj, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		})
		if err != nil || len(attrs) == 0 {
			return &apperror.CardCommunicationFailure{Reason: "reading certificate value failed"}
		}
		der := attrs[0].Value
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return &apperror.UnknownCard{Reason: "certificate is not valid DER: " + err.Error()}
		}

		algo, err := jwsAlgorithmForPublicKey(cert.PublicKey)
		if err != nil {
			return err
		}
		if purpose == PurposeAuthentication {
			card.AuthSignatureAlgorithm = algo
		} else {
			card.SignSignatureAlgorithm = algo
		}

		result = CardCertificateAndPin{
			CardInfo:       card,
			CertificateDER: der,
			Subject:        subjectFields(cert),
			PinRetriesLeft: pinRetriesLeft(p, session),
			PinMinLength:   4,
			PinMaxLength:   pin.MaxContentLength,
			PinPadReader:   isPinPadReader(p, session),
		}
		return nil
	})
	return result, err
}

func subjectFields(cert *x509.Certificate) map[string]string {
	out := make(map[string]string, 4)
	if cert.Subject.CommonName != "" {
		out["CN"] = cert.Subject.CommonName
	}
	if len(cert.Subject.Organization) > 0 {
		out["O"] = cert.Subject.Organization[0]
	}
	if len(cert.Subject.Country) > 0 {
		out["C"] = cert.Subject.Country[0]
	}
	return out
}

func jwsAlgorithmForPublicKey(pub crypto.PublicKey) (string, error) {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return "RS256", nil
	case *ecdsa.PublicKey:
		switch key.Curve.Params().BitSize {
		case 256:
			return "ES256", nil
		case 384:
			return "ES384", nil
		case 521:
			return "ES512", nil
		default:
			return "", &apperror.ProgrammingError{Detail: "unsupported EC curve bit size"}
		}
	default:
		return "", &apperror.ProgrammingError{Detail: "unsupported public key type on card certificate"}
	}
}

// readTokenInfo reads the TokenInfo for the slot backing session,
// shared by pinRetriesLeft and isPinPadReader so both derive their
// answer from the same flags read.
func readTokenInfo(p *pkcs11.Ctx, session pkcs11.SessionHandle) (pkcs11.TokenInfo, bool) {
	sessionInfo, err := p.GetSessionInfo(session)
	if err != nil {
		return pkcs11.TokenInfo{}, false
	}
	tokenInfo, err := p.GetTokenInfo(sessionInfo.SlotID)
	if err != nil {
		return pkcs11.TokenInfo{}, false
	}
	return tokenInfo, true
}

// pinRetriesLeft best-effort reads the remaining PIN attempts from
// token info flags; PKCS#11 does not expose an exact counter
// uniformly across middlewares, so a conservative default is returned
// when unavailable.
func pinRetriesLeft(p *pkcs11.Ctx, session pkcs11.SessionHandle) int {
	tokenInfo, ok := readTokenInfo(p, session)
	if !ok {
		return 3
	}
	switch {
	case tokenInfo.Flags&pkcs11.CKF_USER_PIN_LOCKED != 0:
		return 0
	case tokenInfo.Flags&pkcs11.CKF_USER_PIN_FINAL_TRY != 0:
		return 1
	case tokenInfo.Flags&pkcs11.CKF_USER_PIN_COUNT_LOW != 0:
		return 2
	default:
		return 3
	}
}

// isPinPadReader reports whether the token declares a protected
// authentication path (CKF_PROTECTED_AUTHENTICATION_PATH): the reader
// has its own secure PIN pad, and PIN entry must go through C_Login
// with an empty PIN rather than through the host's PIN buffer,
// spec.md §4.3, §4.5.
func isPinPadReader(p *pkcs11.Ctx, session pkcs11.SessionHandle) bool {
	tokenInfo, ok := readTokenInfo(p, session)
	if !ok {
		return false
	}
	return tokenInfo.Flags&pkcs11.CKF_PROTECTED_AUTHENTICATION_PATH != 0
}

func (f *PKCS11Facade) sign(ctx context.Context, card CardInfo, pinBuf *pin.Buffer, digest []byte, cancel *CancelToken, algorithm string) ([]byte, error) {
	var signature []byte
	err := f.withSession(card, func(p *pkcs11.Ctx, session pkcs11.SessionHandle) error {
		if cancel != nil && cancel.Cancelled() {
			return ErrorForCancel(cancel)
		}

		switch {
		case isPinPadReader(p, session):
			// C_Login is still called, but with an empty PIN: that is
			// the PKCS#11 convention for CKF_PROTECTED_AUTHENTICATION_PATH
			// tokens, and it is what triggers the reader's own secure
			// entry. The PIN never enters process memory, spec.md §4.3.
			loginErr := p.Login(session, pkcs11.CKU_USER, "")
			if loginErr != nil && loginErr != pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
				return translatePKCS11LoginError(loginErr, session, p)
			}
			defer p.Logout(session)
		case pinBuf.Len() > 0:
			loginErr := p.Login(session, pkcs11.CKU_USER, string(pinBuf.Bytes()))
			if loginErr != nil && loginErr != pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
				return translatePKCS11LoginError(loginErr, session, p)
			}
			defer p.Logout(session)
		}

		keyObj, pub, err := findPrivateKey(p, session)
		if err != nil {
			return err
		}

		var toSign []byte
		switch key := pub.(type) {
		case *rsa.PublicKey:
			hash, err := signtokenHashFor(algorithm)
			if err != nil {
				return err
			}
			// The DigestInfo must name the hash that produced digest; for
			// the sign command that is the caller's hashFunction, which can
			// differ from the hash the card's algorithm implies.
			for _, h := range []crypto.Hash{crypto.SHA256, crypto.SHA384, crypto.SHA512} {
				if h.Size() == len(digest) {
					hash = h
				}
			}
			prefix, ok := pkcs11PrefixForHash[hash]
			if !ok {
				return &apperror.ProgrammingError{Detail: fmt.Sprintf("no PKCS#1 prefix for hash %v", hash)}
			}
			toSign = append(append([]byte{}, prefix...), digest...)
			if err := p.SignInit(session, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}, keyObj); err != nil {
				return &apperror.CardCommunicationFailure{Reason: err.Error()}
			}
		case *ecdsa.PublicKey:
			_ = key
			toSign = digest
			if err := p.SignInit(session, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}, keyObj); err != nil {
				return &apperror.CardCommunicationFailure{Reason: err.Error()}
			}
		default:
			return &apperror.ProgrammingError{Detail: "unsupported private key type"}
		}

		sig, err := p.Sign(session, toSign)
		if err != nil {
			return &apperror.CardCommunicationFailure{Reason: err.Error()}
		}
		signature = sig
		return nil
	})
	return signature, err
}

func signtokenHashFor(jwsAlgorithm string) (crypto.Hash, error) {
	switch jwsAlgorithm {
	case "RS256", "PS256", "ES256":
		return crypto.SHA256, nil
	case "ES384":
		return crypto.SHA384, nil
	case "ES512":
		return crypto.SHA512, nil
	default:
		return 0, &apperror.ProgrammingError{Detail: "hash algorithm mapping missing for signature algorithm " + jwsAlgorithm}
	}
}

func translatePKCS11LoginError(err error, session pkcs11.SessionHandle, p *pkcs11.Ctx) error {
	pkcsErr, ok := err.(pkcs11.Error)
	if !ok {
		return &apperror.CardCommunicationFailure{Reason: err.Error()}
	}
	switch pkcsErr {
	case pkcs11.CKR_PIN_INCORRECT:
		return &apperror.WrongPin{RetriesLeft: pinRetriesLeft(p, session)}
	case pkcs11.CKR_PIN_LOCKED:
		return &apperror.PinBlocked{}
	default:
		return &apperror.CardCommunicationFailure{Reason: err.Error()}
	}
}

func findPrivateKey(p *pkcs11.Ctx, session pkcs11.SessionHandle) (pkcs11.ObjectHandle, crypto.PublicKey, error) {
	if err := p.FindObjectsInit(session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
	}); err != nil {
		return 0, nil, &apperror.CardCommunicationFailure{Reason: err.Error()}
	}
	objects, _, err := p.FindObjects(session, 4)
	p.FindObjectsFinal(session)
	if err != nil || len(objects) == 0 {
		return 0, nil, &apperror.UnknownCard{Reason: "no private key object found"}
	}
	keyType, err := p.GetAttributeValue(session, objects[0], []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
	})
	if err != nil || len(keyType) == 0 {
		return 0, nil, &apperror.CardCommunicationFailure{Reason: "reading private key type failed"}
	}
	switch string(keyType[0].Value) {
	case string(pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA).Value):
		return objects[0], &rsa.PublicKey{}, nil
	case string(pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC).Value):
		return objects[0], &ecdsa.PublicKey{}, nil
	default:
		return 0, nil, &apperror.ProgrammingError{Detail: "unsupported private key type"}
	}
}

func (f *PKCS11Facade) SignWithAuthKey(ctx context.Context, card CardInfo, pinBuf *pin.Buffer, digest []byte, cancel *CancelToken) ([]byte, error) {
	return f.sign(ctx, card, pinBuf, digest, cancel, card.AuthSignatureAlgorithm)
}

func (f *PKCS11Facade) SignWithSigningKey(ctx context.Context, card CardInfo, pinBuf *pin.Buffer, digest []byte, cancel *CancelToken) ([]byte, error) {
	return f.sign(ctx, card, pinBuf, digest, cancel, card.SignSignatureAlgorithm)
}

func (f *PKCS11Facade) MonitorEvents(ctx context.Context) (<-chan ReaderChange, error) {
	events := make(chan ReaderChange, 8)
	go func() {
		defer close(events)
		var lastReaders []ReaderInfo
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				current, err := f.ListReaders(ctx)
				if err != nil {
					continue
				}
				diffReaderState(lastReaders, current, events)
				lastReaders = current
			}
		}
	}()
	return events, nil
}

func diffReaderState(previous, current []ReaderInfo, out chan<- ReaderChange) {
	prevByName := make(map[string]ReaderInfo, len(previous))
	for _, r := range previous {
		prevByName[r.Name] = r
	}
	seen := make(map[string]struct{}, len(current))
	for _, r := range current {
		seen[r.Name] = struct{}{}
		prev, existed := prevByName[r.Name]
		switch {
		case !existed:
			out <- ReaderChange{Kind: ReaderSetChanged, Reader: r.Name}
		case !prev.CardPresent && r.CardPresent:
			out <- ReaderChange{Kind: ReaderInserted, Reader: r.Name}
		case prev.CardPresent && !r.CardPresent:
			out <- ReaderChange{Kind: ReaderRemoved, Reader: r.Name}
		}
	}
	for _, r := range previous {
		if _, ok := seen[r.Name]; !ok {
			out <- ReaderChange{Kind: ReaderSetChanged, Reader: r.Name}
		}
	}
}
