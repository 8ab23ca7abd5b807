// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package config resolves process-wide configuration from CLI flags
// and environment variables, in the teacher's getEnvInt precedence
// style (pkg/signer/signer.go): a flag, if set, wins; otherwise an
// environment variable; otherwise a hard-coded default.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/web-eid/web-eid-app-go/pkg/cardfacade"
	"github.com/web-eid/web-eid-app-go/pkg/command"
)

// Defaults per spec.md §5 / §9 Open Question (a).
const (
	DefaultWaitForReaderTimeout = 30 * time.Second
	DefaultWaitForCardTimeout   = 30 * time.Second
	DefaultPinTimeout           = 60 * time.Second
)

// Config is the resolved process-wide configuration, spec.md §3
// "Config".
type Config struct {
	// BrowserID is the positional browser-identifier argument native
	// messaging passes to every helper invocation, spec.md §6.
	BrowserID string

	WaitForReaderTimeout time.Duration
	WaitForCardTimeout   time.Duration
	PinTimeout           time.Duration

	// UIBackend names the windowing backend to request, read from
	// WEBEID_UI_BACKEND. No other package reads this field, so it does
	// not change which backend the gio window uses.
	UIBackend string

	// PKCS11ModulePaths overrides cardfacade.DefaultModulePaths when
	// non-empty, generalized from the teacher's
	// normalizePKCS11ModulePaths resolution order.
	PKCS11ModulePaths []string

	// OriginPolicy allows specific non-https origins through, for
	// local extension development only.
	OriginPolicy command.OriginPolicy
}

func getEnvDuration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func getEnvPathList(name string) []string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, string(os.PathListSeparator)) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvCommaList(name string) []string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Flags groups the CLI flag values Resolve layers on top of
// environment variables and defaults. Callers build this from
// flag.FlagSet in cmd/webeid-host so config stays independent of the
// flag package's global state.
type Flags struct {
	BrowserID                string
	WaitForReaderTimeoutMs   int
	WaitForReaderTimeoutSet  bool
	WaitForCardTimeoutMs     int
	WaitForCardTimeoutSet    bool
	PinTimeoutMs             int
	PinTimeoutSet            bool
	AllowInsecureOriginHosts string
}

// Resolve builds a Config from flags, then WEBEID_* environment
// variables, then built-in defaults, in that precedence order.
func Resolve(f Flags) Config {
	cfg := Config{
		BrowserID:            f.BrowserID,
		WaitForReaderTimeout: getEnvDuration("WEBEID_WAIT_FOR_READER_TIMEOUT_MS", DefaultWaitForReaderTimeout),
		WaitForCardTimeout:   getEnvDuration("WEBEID_WAIT_FOR_CARD_TIMEOUT_MS", DefaultWaitForCardTimeout),
		PinTimeout:           getEnvDuration("WEBEID_PIN_TIMEOUT_MS", DefaultPinTimeout),
		UIBackend:            strings.TrimSpace(os.Getenv("WEBEID_UI_BACKEND")),
		PKCS11ModulePaths:    getEnvPathList("WEBEID_PKCS11_MODULE_PATHS"),
	}

	if f.WaitForReaderTimeoutSet {
		cfg.WaitForReaderTimeout = time.Duration(f.WaitForReaderTimeoutMs) * time.Millisecond
	}
	if f.WaitForCardTimeoutSet {
		cfg.WaitForCardTimeout = time.Duration(f.WaitForCardTimeoutMs) * time.Millisecond
	}
	if f.PinTimeoutSet {
		cfg.PinTimeout = time.Duration(f.PinTimeoutMs) * time.Millisecond
	}

	hosts := map[string]struct{}{}
	for _, h := range strings.Split(f.AllowInsecureOriginHosts, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			hosts[h] = struct{}{}
		}
	}
	for _, h := range getEnvCommaList("WEBEID_ALLOW_INSECURE_ORIGIN_HOSTS") {
		hosts[h] = struct{}{}
	}
	if len(hosts) > 0 {
		cfg.OriginPolicy = command.OriginPolicy{AllowedInsecureHosts: hosts}
	}

	return cfg
}

// ModulePaths resolves the PKCS#11 module search path, falling back
// to cardfacade's platform defaults when the config carries none.
func (c Config) ModulePaths() []string {
	if len(c.PKCS11ModulePaths) > 0 {
		return c.PKCS11ModulePaths
	}
	return cardfacade.DefaultModulePaths()
}
