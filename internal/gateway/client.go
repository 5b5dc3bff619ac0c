// Package gateway talks to the feedback API gateway over REST.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"feedbackmic/internal/domain"
	"feedbackmic/internal/metrics"
)

const maxResponseBytes = 4 << 20

// Client implements ports.Gateway.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type scanRequest struct {
	Token             string                   `json:"token"`
	DeviceFingerprint domain.DeviceFingerprint `json:"deviceFingerprint"`
}

// ScanQR exchanges a QR token and device fingerprint for session data.
func (c *Client) ScanQR(ctx context.Context, token string, fingerprint domain.DeviceFingerprint) (domain.Session, error) {
	return postJSON[domain.Session](ctx, c, "qr_scan", "/api/qr/scan", scanRequest{Token: token, DeviceFingerprint: fingerprint})
}

// VerifyTransaction confirms the purchase for a session.
func (c *Client) VerifyTransaction(ctx context.Context, sessionID string, verification domain.TransactionVerification) (domain.Session, error) {
	path := "/api/feedback/verify-transaction/" + url.PathEscape(sessionID)
	return postJSON[domain.Session](ctx, c, "verify_transaction", path, verification)
}

// SubmitFeedback uploads the finalized recording as multipart form data.
func (c *Client) SubmitFeedback(ctx context.Context, sessionID string, artifact domain.AudioArtifact) error {
	started := time.Now()
	defer func() { metrics.UploadDuration.Observe(time.Since(started).Seconds()) }()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreatePart(audioPartHeader(artifact.MIMEType))
	if err != nil {
		return errors.Wrap(err, "failed to build upload form")
	}
	if _, err := part.Write(artifact.Data); err != nil {
		return errors.Wrap(err, "failed to build upload form")
	}
	if err := form.WriteField("duration", strconv.Itoa(artifact.DurationSeconds())); err != nil {
		return errors.Wrap(err, "failed to build upload form")
	}
	if err := form.Close(); err != nil {
		return errors.Wrap(err, "failed to build upload form")
	}

	path := "/api/feedback/submit/" + url.PathEscape(sessionID)
	_, err = do[json.RawMessage](ctx, c, "submit_feedback", http.MethodPost, path, form.FormDataContentType(), &body)
	return err
}

// FeedbackStatus reads the processing status of a submitted session.
func (c *Client) FeedbackStatus(ctx context.Context, sessionID string) (domain.FeedbackStatus, error) {
	path := "/api/feedback/status/" + url.PathEscape(sessionID)
	return do[domain.FeedbackStatus](ctx, c, "feedback_status", http.MethodGet, path, "", nil)
}

// ValidateStoreCode resolves a printed store code.
func (c *Client) ValidateStoreCode(ctx context.Context, storeCode string) (domain.StoreInfo, error) {
	return postJSON[domain.StoreInfo](ctx, c, "simple_validate", "/api/simple-verification/validate", map[string]string{"storeCode": storeCode})
}

// CreateSimpleVerification stores a purchase confirmed through a store code.
func (c *Client) CreateSimpleVerification(ctx context.Context, verification domain.SimpleVerification) (domain.SimpleVerificationReceipt, error) {
	return postJSON[domain.SimpleVerificationReceipt](ctx, c, "simple_create", "/api/simple-verification/create", verification)
}

// CreateSimpleSession opens a feedback session from a store code.
func (c *Client) CreateSimpleSession(ctx context.Context, storeCode string) (domain.Session, error) {
	return postJSON[domain.Session](ctx, c, "simple_session", "/api/qr/create-simple-session", map[string]string{"storeCode": storeCode})
}

func postJSON[T any](ctx context.Context, c *Client, endpoint string, path string, payload any) (T, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		var zero T
		return zero, errors.Wrap(err, "failed to encode request")
	}
	return do[T](ctx, c, endpoint, http.MethodPost, path, "application/json", bytes.NewReader(encoded))
}

func do[T any](ctx context.Context, c *Client, endpoint string, method string, path string, contentType string, body io.Reader) (T, error) {
	var zero T

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return zero, errors.Wrap(err, "failed to build request")
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.GatewayRequests.WithLabelValues(endpoint, "network_error").Inc()
		return zero, errors.Wrapf(err, "%s request failed", endpoint)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.GatewayRequests.WithLabelValues(endpoint, "network_error").Inc()
		return zero, errors.Wrapf(err, "failed to read %s response", endpoint)
	}

	out, err := decodeResponse[T](resp.StatusCode, raw)
	if err != nil {
		metrics.GatewayRequests.WithLabelValues(endpoint, "error").Inc()
		log.Warn().Err(err).Str("endpoint", endpoint).Str("request_id", requestID).Int("status", resp.StatusCode).Msg("gateway request rejected")
		return zero, err
	}
	metrics.GatewayRequests.WithLabelValues(endpoint, "ok").Inc()
	log.Debug().Str("endpoint", endpoint).Str("request_id", requestID).Msg("gateway request succeeded")
	return out, nil
}

func audioPartHeader(mimeType string) map[string][]string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	filename := "feedback.webm"
	switch {
	case strings.HasPrefix(mimeType, "audio/wav"):
		filename = "feedback.wav"
	case strings.HasPrefix(mimeType, "audio/ogg"):
		filename = "feedback.ogg"
	}
	return map[string][]string{
		"Content-Disposition": {`form-data; name="audio"; filename="` + filename + `"`},
		"Content-Type":        {mimeType},
	}
}
