// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/web-eid/web-eid-app-go/pkg/cardfacade"
	"github.com/web-eid/web-eid-app-go/pkg/pin"
)

func TestRunWorkerReportsValueOnSuccess(t *testing.T) {
	w := Start(context.Background(), func(ctx context.Context, cancel *cardfacade.CancelToken) (interface{}, error) {
		return 42, nil
	})

	select {
	case res := <-w.Done():
		if res.Err != nil || res.Value != 42 {
			t.Fatalf("Result = %+v, want {42, nil}", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for worker result")
	}
}

func TestRunWorkerReportsError(t *testing.T) {
	wantErr := errors.New("card communication failure")
	w := Start(context.Background(), func(ctx context.Context, cancel *cardfacade.CancelToken) (interface{}, error) {
		return nil, wantErr
	})

	res := <-w.Done()
	if res.Err != wantErr {
		t.Fatalf("Result.Err = %v, want %v", res.Err, wantErr)
	}
}

func TestRunWorkerCancelIsObservedByRun(t *testing.T) {
	observed := make(chan bool, 1)
	w := Start(context.Background(), func(ctx context.Context, cancel *cardfacade.CancelToken) (interface{}, error) {
		for i := 0; i < 100; i++ {
			if cancel.Cancelled() {
				observed <- true
				return nil, nil
			}
			time.Sleep(time.Millisecond)
		}
		observed <- false
		return nil, nil
	})

	w.Cancel()
	<-w.Done()
	if !<-observed {
		t.Fatal("Run never observed Cancel()")
	}
}

func TestRunWorkerCancelWithReasonIsObservedByRun(t *testing.T) {
	observed := make(chan cardfacade.CancelReason, 1)
	w := Start(context.Background(), func(ctx context.Context, cancel *cardfacade.CancelToken) (interface{}, error) {
		for i := 0; i < 100; i++ {
			if cancel.Cancelled() {
				observed <- cancel.Reason()
				return nil, nil
			}
			time.Sleep(time.Millisecond)
		}
		observed <- cardfacade.CancelReasonUser
		return nil, nil
	})

	w.CancelWithReason(cardfacade.CancelReasonCardRemoved)
	<-w.Done()
	if got := <-observed; got != cardfacade.CancelReasonCardRemoved {
		t.Fatalf("observed cancel reason = %v, want CancelReasonCardRemoved", got)
	}
}

// forwardingFacade is a minimal cardfacade.Facade test double whose
// MonitorEvents just returns a caller-supplied channel, used to
// verify StartCardEventMonitor forwards events without alteration.
type forwardingFacade struct {
	events chan cardfacade.ReaderChange
}

func (f *forwardingFacade) ListReaders(ctx context.Context) ([]cardfacade.ReaderInfo, error) {
	return nil, nil
}

func (f *forwardingFacade) WaitForCard(ctx context.Context, timeout time.Duration, cancel *cardfacade.CancelToken) ([]cardfacade.CardInfo, error) {
	return nil, nil
}

func (f *forwardingFacade) ReadCertificates(ctx context.Context, card cardfacade.CardInfo, purpose cardfacade.Purpose, cancel *cardfacade.CancelToken) (cardfacade.CardCertificateAndPin, error) {
	return cardfacade.CardCertificateAndPin{}, nil
}

func (f *forwardingFacade) SignWithAuthKey(ctx context.Context, card cardfacade.CardInfo, pinBuf *pin.Buffer, digest []byte, cancel *cardfacade.CancelToken) ([]byte, error) {
	return nil, nil
}

func (f *forwardingFacade) SignWithSigningKey(ctx context.Context, card cardfacade.CardInfo, pinBuf *pin.Buffer, digest []byte, cancel *cardfacade.CancelToken) ([]byte, error) {
	return nil, nil
}

func (f *forwardingFacade) MonitorEvents(ctx context.Context) (<-chan cardfacade.ReaderChange, error) {
	return f.events, nil
}

func TestStartCardEventMonitorForwardsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	facade := &forwardingFacade{events: make(chan cardfacade.ReaderChange, 1)}
	facade.events <- cardfacade.ReaderChange{Kind: cardfacade.ReaderInserted, Reader: "reader-1"}

	mon := StartCardEventMonitor(ctx, facade)
	select {
	case ev := <-mon.Events():
		if ev.Reader != "reader-1" || ev.Kind != cardfacade.ReaderInserted {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded event")
	}
}
