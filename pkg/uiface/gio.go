// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package uiface

import (
	"fmt"
	"image/color"

	"gioui.org/app"
	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/unit"
	"gioui.org/widget"
	"gioui.org/widget/material"

	"github.com/web-eid/web-eid-app-go/pkg/cardfacade"
	"github.com/web-eid/web-eid-app-go/pkg/pin"
)

// screen names which widget set Layout currently draws. The
// controller never touches these directly: it only ever sends a
// request over one of the typed channels below and blocks for the
// matching response, the same signal/slot-to-message-passing
// re-architecture the teacher's single-threaded UI struct underwent
// for the card-facing flow.
type screen int

const (
	screenIdle screen = iota
	screenProgress
	screenChooser
	screenPin
	screenConfirm
	screenError
)

type chooserRequest struct {
	cards []cardfacade.CardInfo
	resp  chan chooserResponse
}

type chooserResponse struct {
	index     int
	cancelled bool
}

type pinRequest struct {
	info PinPromptInfo
	resp chan pinResponse
}

type pinResponse struct {
	buf       *pin.Buffer
	cancelled bool
}

type confirmRequest struct {
	summary string
	resp    chan bool
}

type errorRequest struct {
	message    string
	offerRetry bool
	resp       chan bool
}

// GioUI is the gioui.org-backed UI facade, narrowing the teacher's
// file-signing dashboard (`cmd/gui/ui.go`'s `UI` struct and frame
// loop) into a progress/chooser/PIN-entry flow. Every exported method
// blocks the calling (controller) goroutine; the frame loop goroutine
// started by Run owns all widget state and never shares it outside
// the request/response channels below.
type GioUI struct {
	window *app.Window
	theme  *material.Theme

	progress  chan ProgressState
	chooser   chan chooserRequest
	pinPrompt chan pinRequest
	confirm   chan confirmRequest
	showError chan errorRequest
	closeCh   chan struct{}
}

// NewGioUI creates the window and UI state but does not start the
// frame loop; call Run on its own goroutine, matching the teacher's
// `go func() { ... loop(w, ui) ... }()` launch in `cmd/gui/main.go`.
func NewGioUI(title string) *GioUI {
	w := new(app.Window)
	w.Option(app.Title(title), app.Size(unit.Dp(420), unit.Dp(320)))
	return &GioUI{
		window:    w,
		theme:     material.NewTheme(),
		progress:  make(chan ProgressState, 4),
		chooser:   make(chan chooserRequest),
		pinPrompt: make(chan pinRequest),
		confirm:   make(chan confirmRequest),
		showError: make(chan errorRequest),
		closeCh:   make(chan struct{}),
	}
}

// Run pumps the gio event loop until the window is destroyed or
// Close is called. It must run on its own goroutine; spec.md §5
// reserves the actual `app.Main()` platform pump for the process's
// true main goroutine. Window events arrive on their own forwarding
// goroutine so that a pending `window.Event()` call never stalls
// delivery of a ShowProgress/PromptPin/etc. request, matching the
// message-passing discipline spec.md §9 requires everywhere else.
func (ui *GioUI) Run() error {
	state := &gioState{screen: screenIdle}
	var ops op.Ops

	windowEvents := make(chan interface{})
	go func() {
		for {
			e := ui.window.Event()
			windowEvents <- e
			if _, ok := e.(app.DestroyEvent); ok {
				return
			}
		}
	}()

	for {
		select {
		case <-ui.closeCh:
			return nil
		case s := <-ui.progress:
			state.screen = screenProgress
			state.progressState = s
			ui.window.Invalidate()
		case req := <-ui.chooser:
			state.screen = screenChooser
			state.chooserReq = &req
			state.cardClicks = make([]widget.Clickable, len(req.cards))
			ui.window.Invalidate()
		case req := <-ui.pinPrompt:
			state.screen = screenPin
			state.pinReq = &req
			state.pinEditor = widget.Editor{SingleLine: true, Mask: '*', Submit: true}
			ui.window.Invalidate()
		case req := <-ui.confirm:
			state.screen = screenConfirm
			state.confirmReq = &req
			ui.window.Invalidate()
		case req := <-ui.showError:
			state.screen = screenError
			state.errorReq = &req
			ui.window.Invalidate()
		case e := <-windowEvents:
			switch e := e.(type) {
			case app.DestroyEvent:
				return e.Err
			case app.FrameEvent:
				gtx := app.NewContext(&ops, e)
				ui.layout(gtx, state)
				e.Frame(gtx.Ops)
			}
		}
	}
}

// Close stops Run's loop, unblocking Run. It does not close the window
// itself.
func (ui *GioUI) Close() {
	select {
	case <-ui.closeCh:
	default:
		close(ui.closeCh)
	}
}

func (ui *GioUI) ShowProgress(state ProgressState) {
	ui.progress <- state
}

func (ui *GioUI) ChooseCard(cards []cardfacade.CardInfo) (int, bool) {
	resp := make(chan chooserResponse, 1)
	ui.chooser <- chooserRequest{cards: cards, resp: resp}
	r := <-resp
	return r.index, !r.cancelled
}

func (ui *GioUI) PromptPin(info PinPromptInfo) (*pin.Buffer, bool) {
	resp := make(chan pinResponse, 1)
	ui.pinPrompt <- pinRequest{info: info, resp: resp}
	r := <-resp
	return r.buf, !r.cancelled
}

func (ui *GioUI) Confirm(summary string) bool {
	resp := make(chan bool, 1)
	ui.confirm <- confirmRequest{summary: summary, resp: resp}
	return <-resp
}

func (ui *GioUI) ShowError(err error) bool {
	message, offerRetry := retriableErrorMessage(err)
	resp := make(chan bool, 1)
	ui.showError <- errorRequest{message: message, offerRetry: offerRetry, resp: resp}
	return <-resp
}

// gioState is the frame loop's private widget state, mirroring the
// teacher's `UI` struct fields but scoped to one screen at a time
// instead of a persistent multi-tab dashboard.
type gioState struct {
	screen screen

	progressState ProgressState

	chooserReq *chooserRequest
	cardClicks []widget.Clickable
	btnCancel  widget.Clickable

	pinReq    *pinRequest
	pinEditor widget.Editor
	btnSubmit widget.Clickable

	confirmReq *confirmRequest
	btnYes     widget.Clickable
	btnNo      widget.Clickable

	errorReq  *errorRequest
	btnRetry  widget.Clickable
	btnGiveUp widget.Clickable
}

func (ui *GioUI) layout(gtx layout.Context, state *gioState) layout.Dimensions {
	return layout.UniformInset(unit.Dp(16)).Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		switch state.screen {
		case screenChooser:
			return ui.layoutChooser(gtx, state)
		case screenPin:
			return ui.layoutPin(gtx, state)
		case screenConfirm:
			return ui.layoutConfirm(gtx, state)
		case screenError:
			return ui.layoutError(gtx, state)
		case screenProgress:
			return ui.layoutProgress(gtx, state)
		default:
			return layout.Dimensions{}
		}
	})
}

func (ui *GioUI) layoutProgress(gtx layout.Context, state *gioState) layout.Dimensions {
	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Rigid(material.H6(ui.theme, state.progressState.String()).Layout),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.UniformInset(unit.Dp(8)).Layout(gtx, material.Loader(ui.theme).Layout)
		}),
	)
}

func (ui *GioUI) layoutChooser(gtx layout.Context, state *gioState) layout.Dimensions {
	req := state.chooserReq
	for i := range req.cards {
		if state.cardClicks[i].Clicked(gtx) {
			req.resp <- chooserResponse{index: i}
			state.screen = screenIdle
			state.chooserReq = nil
			return layout.Dimensions{}
		}
	}
	if state.btnCancel.Clicked(gtx) {
		req.resp <- chooserResponse{cancelled: true}
		state.screen = screenIdle
		state.chooserReq = nil
		return layout.Dimensions{}
	}

	children := []layout.FlexChild{
		layout.Rigid(material.H6(ui.theme, "Choose your eID card").Layout),
	}
	for i, card := range req.cards {
		label := card.Reader
		children = append(children, layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.UniformInset(unit.Dp(4)).Layout(gtx, material.Button(ui.theme, &state.cardClicks[i], label).Layout)
		}))
	}
	children = append(children, layout.Rigid(func(gtx layout.Context) layout.Dimensions {
		btn := material.Button(ui.theme, &state.btnCancel, "Cancel")
		btn.Background = color.NRGBA{R: 150, G: 150, B: 150, A: 255}
		return btn.Layout(gtx)
	}))
	return layout.Flex{Axis: layout.Vertical}.Layout(gtx, children...)
}

func (ui *GioUI) layoutPin(gtx layout.Context, state *gioState) layout.Dimensions {
	req := state.pinReq
	if state.btnSubmit.Clicked(gtx) || state.pinEditor.Submit {
		buf := pin.New()
		var submitErr error
		for _, r := range state.pinEditor.Text() {
			if err := buf.Append(byte(r)); err != nil {
				submitErr = err
				break
			}
		}
		state.pinEditor.SetText("")
		if submitErr == nil {
			req.resp <- pinResponse{buf: buf}
			state.screen = screenIdle
			state.pinReq = nil
			return layout.Dimensions{}
		}
		buf.Zero()
	}
	if state.btnCancel.Clicked(gtx) {
		req.resp <- pinResponse{cancelled: true}
		state.screen = screenIdle
		state.pinReq = nil
		return layout.Dimensions{}
	}

	title := fmt.Sprintf("Enter PIN for %s", req.info.CardholderName)
	subtitle := fmt.Sprintf("%d retries left", req.info.RetriesLeft)
	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Rigid(material.H6(ui.theme, title).Layout),
		layout.Rigid(material.Body2(ui.theme, subtitle).Layout),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.UniformInset(unit.Dp(8)).Layout(gtx, material.Editor(ui.theme, &state.pinEditor, "PIN").Layout)
		}),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.Flex{Axis: layout.Horizontal}.Layout(gtx,
				layout.Rigid(material.Button(ui.theme, &state.btnSubmit, "OK").Layout),
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					return layout.Spacer{Width: unit.Dp(8)}.Layout(gtx)
				}),
				layout.Rigid(material.Button(ui.theme, &state.btnCancel, "Cancel").Layout),
			)
		}),
	)
}

func (ui *GioUI) layoutConfirm(gtx layout.Context, state *gioState) layout.Dimensions {
	req := state.confirmReq
	if state.btnYes.Clicked(gtx) {
		req.resp <- true
		state.screen = screenIdle
		state.confirmReq = nil
		return layout.Dimensions{}
	}
	if state.btnNo.Clicked(gtx) {
		req.resp <- false
		state.screen = screenIdle
		state.confirmReq = nil
		return layout.Dimensions{}
	}
	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Rigid(material.Body1(ui.theme, req.summary).Layout),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.Flex{Axis: layout.Horizontal}.Layout(gtx,
				layout.Rigid(material.Button(ui.theme, &state.btnYes, "Confirm").Layout),
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					return layout.Spacer{Width: unit.Dp(8)}.Layout(gtx)
				}),
				layout.Rigid(material.Button(ui.theme, &state.btnNo, "Cancel").Layout),
			)
		}),
	)
}

func (ui *GioUI) layoutError(gtx layout.Context, state *gioState) layout.Dimensions {
	req := state.errorReq
	if state.btnRetry.Clicked(gtx) {
		req.resp <- true
		state.screen = screenIdle
		state.errorReq = nil
		return layout.Dimensions{}
	}
	if state.btnGiveUp.Clicked(gtx) {
		req.resp <- false
		state.screen = screenIdle
		state.errorReq = nil
		return layout.Dimensions{}
	}

	msg := material.Body1(ui.theme, req.message)
	msg.Color = color.NRGBA{R: 200, G: 0, B: 0, A: 255}

	children := []layout.FlexChild{layout.Rigid(msg.Layout)}
	if req.offerRetry {
		children = append(children, layout.Rigid(material.Button(ui.theme, &state.btnRetry, "Retry").Layout))
	}
	children = append(children, layout.Rigid(material.Button(ui.theme, &state.btnGiveUp, "Close").Layout))
	return layout.Flex{Axis: layout.Vertical}.Layout(gtx, children...)
}
