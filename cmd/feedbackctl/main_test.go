package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedbackmic/internal/audio"
	"feedbackmic/internal/devgateway"
	"feedbackmic/internal/domain"
	"feedbackmic/internal/gateway"
)

func startGateway(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := devgateway.DefaultConfig()
	cfg.ProcessingPolls = 1
	srv := httptest.NewServer(devgateway.New(cfg).Handler())
	t.Cleanup(srv.Close)

	t.Setenv("HOME", t.TempDir())
	t.Setenv("FEEDBACK_CONFIG_FILE", "")
	t.Setenv("FEEDBACK_API_URL", srv.URL)
	t.Setenv("FEEDBACK_LOG_LEVEL", "error")
	return srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStoreCodeValidate(t *testing.T) {
	startGateway(t)

	out, err := execute(t, "store-code", "validate", devgateway.DemoStoreCode)
	require.NoError(t, err)
	assert.Contains(t, out, "ICA Nära Hornstull")
	assert.Contains(t, out, "store-1")

	_, err = execute(t, "store-code", "validate", "000000")
	require.Error(t, err)
	assert.Equal(t, "Okänd butikskod", domain.ServerMessage(err))
}

func TestStoreCodeVerifyAndSession(t *testing.T) {
	startGateway(t)

	out, err := execute(t, "store-code", "verify", devgateway.DemoStoreCode, "--amount", "129.50", "--time", "2026-10-17T12:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "129.50 kr")

	_, err = execute(t, "store-code", "verify", devgateway.DemoStoreCode, "--time", "yesterday", "--amount", "10")
	require.Error(t, err)

	out, err = execute(t, "store-code", "session", devgateway.DemoStoreCode)
	require.NoError(t, err)
	assert.Contains(t, out, string(domain.SessionStatusPending))
}

func TestStatusAndPoll(t *testing.T) {
	srv := startGateway(t)

	out, err := execute(t, "status", "demo-session")
	require.NoError(t, err)
	assert.Contains(t, out, string(domain.SessionStatusPending))

	client := gateway.NewClient(srv.URL, 5*time.Second)
	wav, err := audio.EncodeWAV(make([]int16, 1600), 16000)
	require.NoError(t, err)
	require.NoError(t, client.SubmitFeedback(context.Background(), "demo-session", domain.AudioArtifact{
		Data:     wav,
		MIMEType: "audio/wav",
		Duration: 40 * time.Second,
	}))

	out, err = execute(t, "poll", "demo-session", "--interval", "10ms", "--max-attempts", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Tack för din feedback!")
	assert.Contains(t, out, "75")
}

func TestRunRequiresEntry(t *testing.T) {
	startGateway(t)

	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--token or --store-code")

	_, err = execute(t, "run", "--token", "a", "--store-code", "b")
	require.Error(t, err)
}

func TestTerminalSinkFinishesOnResult(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	sink := newTerminalSink(&out)
	sink.FlowStepChanged(domain.FlowStepProcessing, domain.FlowReasonUploading)
	sink.PartialTranscript("hej")

	select {
	case <-sink.Done():
		t.Fatal("sink finished before a result")
	default:
	}

	sink.ResultReady(domain.FeedbackResult{SessionID: "s-1", QualityScore: 80, RewardAmount: 6.4, RewardPercentage: 6.4})
	sink.ResultReady(domain.FeedbackResult{SessionID: "s-2"})

	<-sink.Done()
	result, failure := sink.Outcome()
	require.NotNil(t, result)
	assert.Equal(t, "s-2", result.SessionID)
	assert.Empty(t, failure)
	assert.Contains(t, out.String(), "6.40 kr")
	assert.Contains(t, out.String(), "hej")
}

func TestTerminalSinkFinishesOnError(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	sink := newTerminalSink(&out)
	sink.SessionError(domain.ErrorCodeTimeout, "Bearbetningen tog för lång tid.")
	sink.FlowStepChanged(domain.FlowStepError, domain.FlowReasonFailed)

	<-sink.Done()
	result, failure := sink.Outcome()
	assert.Nil(t, result)
	assert.Equal(t, "Bearbetningen tog för lång tid.", failure)
	assert.True(t, strings.Contains(out.String(), "[timeout]"))
}

func TestWaitForStop(t *testing.T) {
	t.Parallel()

	started := time.Now()
	waitForStop(context.Background(), strings.NewReader(""), 20*time.Millisecond, nil)
	assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)

	waitForStop(context.Background(), strings.NewReader("\n"), 0, nil)

	done := make(chan struct{})
	close(done)
	stdin, writer := io.Pipe()
	defer writer.Close()
	waitForStop(context.Background(), stdin, 0, done)
}
