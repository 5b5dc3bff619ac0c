package domain

import "time"

// FlowStep models the customer journey from QR scan to result.
type FlowStep string

const (
	FlowStepLoading      FlowStep = "loading"
	FlowStepVerification FlowStep = "verification"
	FlowStepIntro        FlowStep = "intro"
	FlowStepRecording    FlowStep = "recording"
	FlowStepProcessing   FlowStep = "processing"
	FlowStepResult       FlowStep = "result"
	FlowStepError        FlowStep = "error"
)

// FlowReason provides a structured reason for journey transitions.
type FlowReason string

const (
	FlowReasonStarted             FlowReason = "started"
	FlowReasonTokenValidated      FlowReason = "token_validated"
	FlowReasonAlreadyVerified     FlowReason = "already_verified"
	FlowReasonTransactionVerified FlowReason = "transaction_verified"
	FlowReasonRecordingStarted    FlowReason = "recording_started"
	FlowReasonUploading           FlowReason = "uploading"
	FlowReasonResultReady         FlowReason = "result_ready"
	FlowReasonRetry               FlowReason = "retry"
	FlowReasonFailed              FlowReason = "failed"
)

// RecordingState is owned by the capture engine. Paused is declared for
// completeness and never entered.
type RecordingState string

const (
	RecordingStateIdle       RecordingState = "idle"
	RecordingStateRequesting RecordingState = "requesting"
	RecordingStateRecording  RecordingState = "recording"
	RecordingStatePaused     RecordingState = "paused"
	RecordingStateCompleted  RecordingState = "completed"
	RecordingStateError      RecordingState = "error"
)

// SessionStatus is the lifecycle status held by the gateway.
type SessionStatus string

const (
	SessionStatusPending             SessionStatus = "pending"
	SessionStatusTransactionVerified SessionStatus = "transaction_verified"
	SessionStatusProcessing          SessionStatus = "processing"
	SessionStatusCompleted           SessionStatus = "completed"
	SessionStatusFailed              SessionStatus = "failed"
	SessionStatusFraudFlagged        SessionStatus = "fraud_flagged"
)

// ErrorCode identifies the class of a user-facing failure.
type ErrorCode string

const (
	ErrorCodeInvalidEntry ErrorCode = "invalid_entry"
	ErrorCodePermission   ErrorCode = "permission"
	ErrorCodeDevice       ErrorCode = "device"
	ErrorCodeNetwork      ErrorCode = "network"
	ErrorCodeProtocol     ErrorCode = "protocol"
	ErrorCodeTimeout      ErrorCode = "timeout"
	ErrorCodeResource     ErrorCode = "resource"
	ErrorCodePlayback     ErrorCode = "playback"
	ErrorCodeStartup      ErrorCode = "startup"
)

// ControlKind names the JSON control messages sent over the realtime socket.
type ControlKind string

const (
	ControlStartRecording ControlKind = "start_recording"
	ControlStopRecording  ControlKind = "stop_recording"
	ControlKeepAlive      ControlKind = "keepalive"
	ControlBackgroundMode ControlKind = "background_mode"
)

// Session identifies one customer feedback interaction.
type Session struct {
	ID                  string        `json:"sessionId"`
	BusinessName        string        `json:"businessName,omitempty"`
	MaxRewardPercentage *float64      `json:"maxRewardPercentage,omitempty"`
	TransactionID       string        `json:"transactionId,omitempty"`
	TransactionAmount   float64       `json:"transactionAmount,omitempty"`
	TransactionVerified bool          `json:"transactionVerified,omitempty"`
	Status              SessionStatus `json:"status,omitempty"`
	StoreCode           string        `json:"storeCode,omitempty"`
}

// Merge copies every non-zero field of other into s.
func (s *Session) Merge(other Session) {
	if other.ID != "" {
		s.ID = other.ID
	}
	if other.BusinessName != "" {
		s.BusinessName = other.BusinessName
	}
	if other.MaxRewardPercentage != nil {
		value := *other.MaxRewardPercentage
		s.MaxRewardPercentage = &value
	}
	if other.TransactionID != "" {
		s.TransactionID = other.TransactionID
	}
	if other.TransactionAmount != 0 {
		s.TransactionAmount = other.TransactionAmount
	}
	if other.TransactionVerified {
		s.TransactionVerified = true
	}
	if other.Status != "" {
		s.Status = other.Status
	}
	if other.StoreCode != "" {
		s.StoreCode = other.StoreCode
	}
}

// IsVerified reports whether the purchase was already verified upstream.
func (s Session) IsVerified() bool {
	return s.Status == SessionStatusTransactionVerified
}

// TransactionVerification is the purchase data a customer confirms.
type TransactionVerification struct {
	TransactionID string    `json:"transactionId"`
	Amount        float64   `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
}

// AudioArtifact is the single finalized recording handed to the uploader.
type AudioArtifact struct {
	Data     []byte
	MIMEType string
	Duration time.Duration
}

// DurationSeconds returns the whole-second duration reported to the gateway.
func (a AudioArtifact) DurationSeconds() int {
	return int(a.Duration / time.Second)
}

// DeviceFingerprint is sent with QR validation for fraud heuristics.
type DeviceFingerprint struct {
	UserAgent        string `json:"userAgent"`
	ScreenResolution string `json:"screenResolution"`
	Timezone         string `json:"timezone"`
	Language         string `json:"language"`
	Platform         string `json:"platform"`
	CookieEnabled    bool   `json:"cookieEnabled"`
	DoNotTrack       bool   `json:"doNotTrack"`
	TouchSupport     bool   `json:"touchSupport"`
}

// FeedbackResult is the terminal payload of backend processing.
type FeedbackResult struct {
	SessionID        string   `json:"sessionId"`
	QualityScore     float64  `json:"qualityScore"`
	RewardAmount     float64  `json:"rewardAmount"`
	RewardPercentage float64  `json:"rewardPercentage"`
	Transcript       string   `json:"transcript,omitempty"`
	Summary          string   `json:"summary,omitempty"`
	Categories       []string `json:"categories,omitempty"`
}

// FeedbackStatus is one poll response of the status endpoint.
type FeedbackStatus struct {
	Status       SessionStatus   `json:"status"`
	Result       *FeedbackResult `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Status summarizes the current runtime status for the UI.
type Status struct {
	Step       FlowStep       `json:"step"`
	Recording  RecordingState `json:"recording"`
	AISpeaking bool           `json:"aiSpeaking"`
	SessionID  string         `json:"sessionId,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// StoreInfo identifies a store resolved from a printed store code.
type StoreInfo struct {
	StoreID      string `json:"storeId"`
	StoreName    string `json:"storeName,omitempty"`
	BusinessName string `json:"businessName,omitempty"`
}

// SimpleVerification is the store-code alternative to QR verification.
type SimpleVerification struct {
	StoreCode      string    `json:"storeCode"`
	PurchaseTime   time.Time `json:"purchaseTime"`
	PurchaseAmount float64   `json:"purchaseAmount"`
	PhoneNumber    string    `json:"phoneNumber,omitempty"`
}

// SimpleVerificationReceipt acknowledges a stored simple verification.
type SimpleVerificationReceipt struct {
	VerificationID string `json:"verificationId"`
	SessionID      string `json:"sessionId,omitempty"`
}
