// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package version

const (
	// CurrentVersion is the app version reported by the status command
	// (spec.md §6) and embedded in AuthenticationToken.appVersion.
	CurrentVersion = "2.5.0"

	// AppVersionURLTemplate matches the format the original C++
	// implementation uses for AuthenticationToken.appVersion.
	AppVersionURLTemplate = "https://web-eid.eu/web-eid-app/releases/%s"
)

var (
	// Overridable at build time with -ldflags:
	// -X github.com/web-eid/web-eid-app-go/pkg/version.BuildCommit=<hash>
	// -X github.com/web-eid/web-eid-app-go/pkg/version.BuildDate=<YYYY-MM-DDTHH:MM:SSZ>
	BuildCommit = "local"
	BuildDate   = "unknown"
)
