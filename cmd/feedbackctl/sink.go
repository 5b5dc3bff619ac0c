package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"feedbackmic/internal/domain"
	"feedbackmic/internal/ports"
)

// terminalSink prints journey events and signals when the journey ends in
// a result or an error step.
type terminalSink struct {
	mu  sync.Mutex
	out io.Writer

	done   chan struct{}
	once   sync.Once
	result *domain.FeedbackResult
	failed string
}

var _ ports.EventSink = (*terminalSink)(nil)

func newTerminalSink(out io.Writer) *terminalSink {
	return &terminalSink{out: out, done: make(chan struct{})}
}

// Done is closed once a result or a failure was reported after the
// journey left its entry steps.
func (s *terminalSink) Done() <-chan struct{} {
	return s.done
}

func (s *terminalSink) Outcome() (*domain.FeedbackResult, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.failed
}

func (s *terminalSink) println(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, line)
}

func (s *terminalSink) finish() {
	s.once.Do(func() { close(s.done) })
}

func (s *terminalSink) FlowStepChanged(step domain.FlowStep, reason domain.FlowReason) {
	s.println(stepStyle.Render(fmt.Sprintf("→ %s (%s)", step, reason)))
	if step == domain.FlowStepError {
		s.finish()
	}
}

func (s *terminalSink) RecordingStateChanged(state domain.RecordingState, elapsed time.Duration) {
	// Recording ticks every second; print one line per ten.
	if state == domain.RecordingStateRecording && elapsed > 0 && elapsed%(10*time.Second) >= time.Second {
		return
	}
	s.println(field("inspelning", fmt.Sprintf("%s %s", state, elapsed.Truncate(time.Second))))
}

func (s *terminalSink) SessionError(code domain.ErrorCode, message string) {
	s.mu.Lock()
	s.failed = message
	s.mu.Unlock()
	s.println(errorStyle.Render(fmt.Sprintf("[%s] %s", code, message)))
}

func (s *terminalSink) AISpeaking(active bool) {
	if active {
		s.println(aiStyle.Render("♪ AI talar"))
	}
}

func (s *terminalSink) Notice(message string) {
	s.println(noticeStyle.Render(message))
}

func (s *terminalSink) PartialTranscript(text string) {
	s.println(partialStyle.Render(text))
}

func (s *terminalSink) AIResponse(text string) {
	s.println(aiStyle.Render("AI: " + text))
}

func (s *terminalSink) ResultReady(result domain.FeedbackResult) {
	s.mu.Lock()
	s.result = &result
	s.mu.Unlock()
	s.println(renderResult(result))
	s.finish()
}

func renderResult(result domain.FeedbackResult) string {
	lines := []string{
		titleStyle.Render("Tack för din feedback!"),
		field("session", result.SessionID),
		field("kvalitet", strconv.FormatFloat(result.QualityScore, 'f', 0, 64)),
		field("belöning", fmt.Sprintf("%.2f kr (%.1f%%)", result.RewardAmount, result.RewardPercentage)),
	}
	if result.Summary != "" {
		lines = append(lines, field("sammanfattning", result.Summary))
	}
	return resultStyle.Render(strings.Join(lines, "\n"))
}
