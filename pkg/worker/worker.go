// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package worker runs blocking card I/O off the controller goroutine
// and reports back over a channel, the message-passing shape of
// spec.md §5: the controller does no card I/O itself and waits for the
// worker's result on that channel, and at most one run-worker is ever
// in flight for a given controller.
package worker

import (
	"context"

	"github.com/web-eid/web-eid-app-go/pkg/cardfacade"
)

// Result is what a run-worker reports back on completion, exactly
// once, on Done.
type Result struct {
	Value interface{}
	Err   error
}

// Run is a single piece of blocking card work submitted to a
// run-worker. It receives a fresh CancelToken and must check it
// between card round trips, never preemptively.
type Run func(ctx context.Context, cancel *cardfacade.CancelToken) (interface{}, error)

// RunWorker executes fn on its own goroutine and reports the result
// on Done exactly once. Cancel raises the cooperative cancellation
// flag fn was handed; it does not forcibly stop the goroutine.
// Grounded on the fire-goroutine/report-over-channel shape used
// throughout the teacher's websocket/service-manager request
// handling, generalized into a small typed mailbox instead of ad hoc
// channels per call site.
type RunWorker struct {
	done   chan Result
	cancel *cardfacade.CancelToken
}

// Start launches fn on a new goroutine and returns immediately. The
// caller must eventually receive from Done, even after calling
// Cancel, since the goroutine always sends exactly one Result.
func Start(ctx context.Context, fn Run) *RunWorker {
	w := &RunWorker{
		done:   make(chan Result, 1),
		cancel: &cardfacade.CancelToken{},
	}
	go func() {
		value, err := fn(ctx, w.cancel)
		w.done <- Result{Value: value, Err: err}
	}()
	return w
}

// Done is the channel the worker's single Result arrives on.
func (w *RunWorker) Done() <-chan Result { return w.done }

// Cancel raises the cooperative cancellation flag fn was started
// with, with cardfacade.CancelReasonUser. Safe to call at most once
// or many times, from any goroutine.
func (w *RunWorker) Cancel() { w.cancel.Cancel() }

// CancelWithReason raises the flag with a specific reason, letting a
// caller outside the worker (the card-event monitor) distinguish a
// hardware-driven cancellation from a user-driven one.
func (w *RunWorker) CancelWithReason(reason cardfacade.CancelReason) {
	w.cancel.CancelWithReason(reason)
}

// CardEventMonitor is the single long-lived goroutine that turns a
// cardfacade.Facade's MonitorEvents stream into controller-consumable
// events for the lifetime of ctx. Grounded on the same goroutine+
// channel shape as RunWorker, but persistent rather than one-shot.
type CardEventMonitor struct {
	events <-chan cardfacade.ReaderChange
}

// StartCardEventMonitor begins forwarding facade's reader/card change
// events until ctx is cancelled. If the facade cannot be monitored
// (e.g. the no-cgo stub), Events still returns a channel, which is
// simply closed immediately.
func StartCardEventMonitor(ctx context.Context, facade cardfacade.Facade) *CardEventMonitor {
	events, err := facade.MonitorEvents(ctx)
	if err != nil {
		closed := make(chan cardfacade.ReaderChange)
		close(closed)
		return &CardEventMonitor{events: closed}
	}
	return &CardEventMonitor{events: events}
}

// Events is the forwarded reader/card change stream. It closes when
// the monitor's context is done.
func (m *CardEventMonitor) Events() <-chan cardfacade.ReaderChange { return m.events }
