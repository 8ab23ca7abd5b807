// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"gioui.org/app"

	"github.com/web-eid/web-eid-app-go/pkg/applog"
	"github.com/web-eid/web-eid-app-go/pkg/apperror"
	"github.com/web-eid/web-eid-app-go/pkg/cardfacade"
	"github.com/web-eid/web-eid-app-go/pkg/command"
	"github.com/web-eid/web-eid-app-go/pkg/config"
	"github.com/web-eid/web-eid-app-go/pkg/controller"
	"github.com/web-eid/web-eid-app-go/pkg/uiface"
	"github.com/web-eid/web-eid-app-go/pkg/version"
	"github.com/web-eid/web-eid-app-go/pkg/wire"
	"github.com/web-eid/web-eid-app-go/pkg/worker"
)

// Exit codes per spec.md §6: 0 on a clean quit, 1 on a startup
// failure before the frame loop can run, 2 on a framing error once
// the loop is up.
const (
	exitOK             = 0
	exitStartupFailure = 1
	exitFramingFailure = 2
)

func main() {
	versionFlag := flag.Bool("version", false, "print the version and exit")
	waitForReaderMs := flag.Int("wait-for-reader-timeout-ms", 0, "override the reader-detection timeout in milliseconds")
	waitForCardMs := flag.Int("wait-for-card-timeout-ms", 0, "override the card-detection timeout in milliseconds")
	pinTimeoutMs := flag.Int("pin-timeout-ms", 0, "override the PIN entry timeout in milliseconds")
	allowInsecureOrigins := flag.String("allow-insecure-origin-hosts", "", "comma-separated host:port list allowed to use http origins, for local extension development")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.CurrentVersion)
		return
	}

	// Native messaging invokes this helper with exactly one positional
	// argument, the calling browser extension's id (spec.md §6).
	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: webeid-host <browser-extension-id>")
		os.Exit(exitStartupFailure)
	}
	browserID := args[0]

	logPath, err := applog.Init("webeid-host")
	if err != nil {
		log.Printf("persistent logging unavailable: %v", err)
	} else {
		log.Printf("logging to %s", logPath)
	}
	log.Printf("starting webeid-host %s for browser id %s", version.CurrentVersion, browserID)

	cfg := config.Resolve(config.Flags{
		BrowserID:                browserID,
		WaitForReaderTimeoutMs:   *waitForReaderMs,
		WaitForReaderTimeoutSet:  *waitForReaderMs > 0,
		WaitForCardTimeoutMs:     *waitForCardMs,
		WaitForCardTimeoutSet:    *waitForCardMs > 0,
		PinTimeoutMs:             *pinTimeoutMs,
		PinTimeoutSet:            *pinTimeoutMs > 0,
		AllowInsecureOriginHosts: *allowInsecureOrigins,
	})

	facade := cardfacade.NewPKCS11Facade()
	facade.ModulePaths = cfg.ModulePaths()

	gio := uiface.NewGioUI("Web eID")
	ctrl := controller.New(cfg, facade, gio)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The frame reader/writer and the gio UI each run on their own
	// goroutine so the true platform main goroutine is left free to
	// pump app.Main(), the same split the teacher's main.go uses
	// between its window loop and its protocol-handling goroutine.
	// runFrameLoop calls os.Exit itself once the session ends, rather
	// than waiting for app.Main to return: nothing in this process
	// closes the window on its own, so app.Main would otherwise block
	// forever after the native messaging pipe is done.
	go runFrameLoop(ctx, ctrl, gio)

	// The card-event monitor (spec.md §2, §4.6) runs for the process's
	// whole lifetime, independent of any single command: it lets the
	// controller cancel an in-flight worker as soon as the card it
	// depends on disappears, instead of waiting for that worker's next
	// blocking APDU call to discover it on its own.
	monitor := worker.StartCardEventMonitor(ctx, facade)
	go forwardReaderChanges(monitor, ctrl)

	go func() {
		if err := gio.Run(); err != nil {
			log.Printf("UI loop exited: %v", err)
		}
		cancel()
	}()

	app.Main()
}

// forwardReaderChanges drives the controller's HandleReaderChange from
// the card-event monitor until its event stream closes.
func forwardReaderChanges(monitor *worker.CardEventMonitor, ctrl *controller.Controller) {
	for ev := range monitor.Events() {
		ctrl.HandleReaderChange(ev)
	}
}

// runFrameLoop reads one native-messaging frame at a time, dispatches
// it to the controller, and writes back exactly one response frame,
// per spec.md §4.1/§4.2. It runs until the stream closes, a framing
// error occurs, or the controller processes a quit command.
func runFrameLoop(ctx context.Context, ctrl *controller.Controller, gio *uiface.GioUI) {
	defer gio.Close()

	endpoint := wire.New(os.Stdin, os.Stdout)
	for {
		body, err := endpoint.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Printf("browser closed the native messaging pipe")
				os.Exit(exitOK)
			}
			log.Printf("framing error: %v", err)
			_ = endpoint.WriteFrame(apperror.Response(nil, err))
			os.Exit(exitFramingFailure)
		}

		cmd, parseErr := command.Parse(body)
		var response []byte
		if parseErr != nil {
			response = apperror.Response(cmd.ID, parseErr)
		} else {
			response = ctrl.Run(ctx, cmd)
		}

		if err := endpoint.WriteFrame(response); err != nil {
			log.Printf("failed writing response frame: %v", err)
			os.Exit(exitFramingFailure)
		}

		if ctrl.ShouldExit() {
			os.Exit(exitOK)
		}
	}
}
