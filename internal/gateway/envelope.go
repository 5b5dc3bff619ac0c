package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// APIError is a non-success gateway response. Message is the
// server-provided text and may be empty.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway request failed with status %d: %s", e.StatusCode, e.Message)
}

// ServerMessage returns the text the gateway sent, possibly empty.
func (e *APIError) ServerMessage() string {
	return e.Message
}

type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
}

// decodeResponse normalizes {success,data,error:{message}} and the bare
// {error:"..."} convention into (T, error).
func decodeResponse[T any](statusCode int, body []byte) (T, error) {
	var out T

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if statusCode >= 400 {
			return out, &APIError{StatusCode: statusCode}
		}
		return out, errors.Wrap(err, "malformed gateway response")
	}

	message := errorMessage(env.Error)
	failed := statusCode >= 400 || message != "" || (env.Success != nil && !*env.Success)
	if failed {
		return out, &APIError{StatusCode: statusCode, Message: message}
	}

	payload := body
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		payload = env.Data
	} else if env.Success != nil {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, errors.Wrap(err, "malformed gateway payload")
	}
	return out, nil
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var structured struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &structured); err == nil {
		return strings.TrimSpace(structured.Message)
	}
	return ""
}
