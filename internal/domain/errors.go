package domain

import "errors"

var (
	ErrInvalidEntry      = errors.New("neither qr token nor session data present")
	ErrPollTimeout       = errors.New("feedback processing timed out")
	ErrProcessingFailed  = errors.New("feedback processing failed")
	ErrInvalidTransition = errors.New("operation not allowed in current step")
)

// ServerMessage returns the server-provided text carried by err, or "".
func ServerMessage(err error) string {
	var carrier interface{ ServerMessage() string }
	if errors.As(err, &carrier) {
		return carrier.ServerMessage()
	}
	return ""
}
