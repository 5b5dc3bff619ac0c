package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"feedbackmic/internal/bootstrap"
	"feedbackmic/internal/domain"
	"feedbackmic/internal/usecase"
)

const (
	eventStep      = "feedbackmic:step"
	eventRecording = "feedbackmic:recording"
	eventPartial   = "feedbackmic:partial"
	eventAI        = "feedbackmic:ai"
	eventSpeaking  = "feedbackmic:speaking"
	eventNotice    = "feedbackmic:notice"
	eventResult    = "feedbackmic:result"
	eventError     = "feedbackmic:error"
)

// App is the Wails application root.
type App struct {
	ctx context.Context

	services bootstrap.Services
	flow     *usecase.FlowController
	bootErr  error
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(ctx, a, bootstrap.Options{})
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.services = services
	a.flow = services.Flow
}

func (a *App) shutdown(context.Context) {
	a.services.Close()
}

// Initialize starts the journey from the token in the scanned QR link.
func (a *App) Initialize(qrToken string) (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.flow.Initialize(a.ctx, usecase.Entry{QRToken: qrToken}); err != nil {
		return a.flow.Status(), err
	}
	return a.flow.Status(), nil
}

// VerifyTransaction confirms the purchase the customer typed in.
func (a *App) VerifyTransaction(transactionID string, amount float64) (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	err := a.flow.VerifyTransaction(a.ctx, domain.TransactionVerification{
		TransactionID: transactionID,
		Amount:        amount,
		Timestamp:     time.Now(),
	})
	return a.flow.Status(), err
}

// StartRecording leaves the intro and opens the microphone.
func (a *App) StartRecording() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	err := a.flow.BeginRecording(a.ctx)
	return a.flow.Status(), err
}

// StopRecording finishes capture; upload and scoring continue in the
// background and end with a result or error event.
func (a *App) StopRecording() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	err := a.flow.StopRecording()
	return a.flow.Status(), err
}

// Retry starts over from the last token, or from the session when the
// journey began from handed-over session data.
func (a *App) Retry() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.flow.Retry(a.ctx); err != nil {
		return a.flow.Status(), err
	}
	if status := a.flow.Status(); status.Step == domain.FlowStepLoading {
		session := a.flow.Session()
		if session.ID != "" {
			err := a.flow.Initialize(a.ctx, usecase.Entry{Session: &session})
			return a.flow.Status(), err
		}
	}
	return a.flow.Status(), nil
}

// SetHidden reports page visibility from the webview.
func (a *App) SetHidden(hidden bool) {
	if a.services.Visibility != nil {
		a.services.Visibility.SetHidden(hidden)
	}
}

// GetStatus returns the current journey status.
func (a *App) GetStatus() domain.Status {
	if a.flow == nil {
		if a.bootErr != nil {
			return domain.Status{Step: domain.FlowStepError, Recording: domain.RecordingStateIdle, Message: a.bootErr.Error()}
		}
		return domain.Status{Step: domain.FlowStepLoading, Recording: domain.RecordingStateIdle}
	}
	return a.flow.Status()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}
	if a.flow == nil {
		return map[string]string{}
	}

	cfg := a.services.Config
	caps := a.services.Capabilities
	container := "pcm"
	if caps.PreferredContainer != nil {
		container = caps.PreferredContainer.MIMEType
	}
	return map[string]string{
		"api":            cfg.API.BaseURL,
		"websocket":      cfg.API.WebSocketURL,
		"language":       caps.Fingerprint.Language,
		"container":      container,
		"iosFamily":      strconv.FormatBool(caps.IOSFamily),
		"memoryPressure": strconv.FormatBool(caps.MemoryPressure),
		"rulesFile":      cfg.Rules.Path,
		"audioInput":     cfg.Audio.InputDevice,
		"maxDuration":    cfg.Recording.MaxDuration.String(),
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.flow == nil {
		return errors.New("application is not initialized")
	}
	return nil
}

func (a *App) emit(name string, payload any) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, name, payload)
}

// FlowStepChanged emits journey transitions to the frontend.
func (a *App) FlowStepChanged(step domain.FlowStep, reason domain.FlowReason) {
	a.emit(eventStep, map[string]string{
		"step":    string(step),
		"reason":  string(reason),
		"message": stepMessage(step),
	})
}

func (a *App) RecordingStateChanged(state domain.RecordingState, elapsed time.Duration) {
	a.emit(eventRecording, map[string]any{
		"state":   string(state),
		"elapsed": int(elapsed / time.Second),
		"clock":   formatElapsed(elapsed),
	})
}

func (a *App) PartialTranscript(text string) {
	a.emit(eventPartial, map[string]string{"text": text})
}

func (a *App) AIResponse(text string) {
	a.emit(eventAI, map[string]string{"text": text})
}

func (a *App) AISpeaking(active bool) {
	a.emit(eventSpeaking, map[string]bool{"active": active})
}

func (a *App) Notice(message string) {
	a.emit(eventNotice, map[string]string{"message": message})
}

func (a *App) ResultReady(result domain.FeedbackResult) {
	a.emit(eventResult, result)
}

// SessionError emits user-facing failures. The flow already supplies
// Swedish text; the code title is a fallback for empty details.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	a.emit(eventError, map[string]string{
		"code":    string(code),
		"title":   errorTitle(code),
		"message": errorMessage(code, detail),
	})
}

func stepMessage(step domain.FlowStep) string {
	switch step {
	case domain.FlowStepLoading:
		return "Laddar..."
	case domain.FlowStepVerification:
		return "Bekräfta ditt köp"
	case domain.FlowStepIntro:
		return "Berätta om ditt besök"
	case domain.FlowStepRecording:
		return "Spelar in"
	case domain.FlowStepProcessing:
		return "Analyserar din feedback..."
	case domain.FlowStepResult:
		return "Tack för din feedback!"
	case domain.FlowStepError:
		return "Något gick fel"
	default:
		return ""
	}
}

func errorTitle(code domain.ErrorCode) string {
	switch code {
	case domain.ErrorCodeInvalidEntry:
		return "Ogiltig länk"
	case domain.ErrorCodePermission:
		return "Mikrofon nekad"
	case domain.ErrorCodeDevice:
		return "Mikrofonfel"
	case domain.ErrorCodeNetwork:
		return "Nätverksfel"
	case domain.ErrorCodeProtocol:
		return "Serverfel"
	case domain.ErrorCodeTimeout:
		return "Tidsgräns överskriden"
	case domain.ErrorCodeResource:
		return "Lågt minne"
	case domain.ErrorCodePlayback:
		return "Uppspelningsfel"
	case domain.ErrorCodeStartup:
		return "Start misslyckades"
	default:
		return "Fel"
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	if detail != "" {
		return detail
	}
	if code == "" {
		return "Okänt fel"
	}
	return errorTitle(code)
}

// formatElapsed renders the recording clock as m:ss.
func formatElapsed(elapsed time.Duration) string {
	seconds := int(elapsed / time.Second)
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
