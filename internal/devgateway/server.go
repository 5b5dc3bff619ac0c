// Package devgateway is a local stand-in for the feedback API gateway and
// voice socket. It returns canned scores and scripted voice events so the
// client can be exercised without the real backend.
package devgateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"feedbackmic/internal/domain"
)

const (
	DemoToken         = "demo"
	DemoVerifiedToken = "demo-verified"
	DemoStoreCode     = "123456"
)

type Config struct {
	// ProcessingPolls is how many status polls report processing before
	// the outcome is returned.
	ProcessingPolls int
	// Outcome is the terminal status reported after processing.
	Outcome domain.SessionStatus
	// ScriptDelay separates scripted voice socket events.
	ScriptDelay time.Duration
	// PartialEvery sends a partial transcript after this many audio frames.
	PartialEvery int
}

func DefaultConfig() Config {
	return Config{
		ProcessingPolls: 2,
		Outcome:         domain.SessionStatusCompleted,
		ScriptDelay:     150 * time.Millisecond,
		PartialEvery:    4,
	}
}

type Server struct {
	cfg      Config
	echo     *echo.Echo
	upgrader websocket.Upgrader

	mu       sync.Mutex
	tokens   map[string]string
	sessions map[string]*stubSession
	stores   map[string]domain.StoreInfo
}

type stubSession struct {
	session    domain.Session
	submitted  bool
	audioBytes int
	duration   int
	polls      int
	frames     int
}

func New(cfg Config) *Server {
	defaults := DefaultConfig()
	if cfg.ProcessingPolls < 0 {
		cfg.ProcessingPolls = 0
	}
	if cfg.Outcome == "" {
		cfg.Outcome = defaults.Outcome
	}
	if cfg.ScriptDelay < 0 {
		cfg.ScriptDelay = 0
	}
	if cfg.PartialEvery <= 0 {
		cfg.PartialEvery = defaults.PartialEvery
	}

	s := &Server{
		cfg:      cfg,
		echo:     echo.New(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		tokens:   make(map[string]string),
		sessions: make(map[string]*stubSession),
		stores:   make(map[string]domain.StoreInfo),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug().Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Msg("dev gateway request")
			return nil
		},
	}))
	s.routes()
	s.seed()
	return s
}

func (s *Server) routes() {
	api := s.echo.Group("/api")
	api.POST("/qr/scan", s.scanQR)
	api.POST("/qr/create-simple-session", s.createSimpleSession)
	api.POST("/feedback/verify-transaction/:sessionId", s.verifyTransaction)
	api.POST("/feedback/submit/:sessionId", s.submitFeedback)
	api.GET("/feedback/status/:sessionId", s.feedbackStatus)
	api.POST("/simple-verification/validate", s.validateStore)
	api.POST("/simple-verification/create", s.createSimpleVerification)
	s.echo.GET("/ws", s.voiceSocket)
}

func (s *Server) seed() {
	maxReward := 8.0
	s.AddToken(DemoToken, domain.Session{
		ID:                  "demo-session",
		BusinessName:        "Kaffebaren Södermalm",
		MaxRewardPercentage: &maxReward,
		Status:              domain.SessionStatusPending,
	})
	s.AddToken(DemoVerifiedToken, domain.Session{
		ID:                  "demo-verified-session",
		BusinessName:        "Kaffebaren Södermalm",
		MaxRewardPercentage: &maxReward,
		Status:              domain.SessionStatusTransactionVerified,
		TransactionVerified: true,
	})
	s.AddStore(DemoStoreCode, domain.StoreInfo{StoreID: "store-1", StoreName: "ICA Nära Hornstull", BusinessName: "ICA"})
}

// Handler exposes the routes for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	log.Info().Str("addr", addr).Msg("dev gateway listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// AddToken registers a QR token resolving to session.
func (s *Server) AddToken(token string, session domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = session.ID
	s.sessions[session.ID] = &stubSession{session: session}
}

func (s *Server) AddStore(code string, info domain.StoreInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[code] = info
}

// Session returns the stub's view of a session.
func (s *Server) Session(id string) (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stub, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	return stub.session, true
}

// AudioFrames returns how many binary frames the voice socket received for id.
func (s *Server) AudioFrames(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stub, ok := s.sessions[id]; ok {
		return stub.frames
	}
	return 0
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
}

func ok(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func fail(c echo.Context, status int, message string) error {
	return c.JSON(status, envelope{Success: false, Error: &errorBody{Message: message}})
}

// failBare uses the {error:"..."} convention of the simple-verification
// endpoints.
func failBare(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}

func (s *Server) lookup(c echo.Context) (*stubSession, error) {
	id := c.Param("sessionId")
	stub, found := s.sessions[id]
	if !found {
		return nil, fail(c, http.StatusNotFound, "Sessionen hittades inte")
	}
	return stub, nil
}

type scanRequest struct {
	Token             string                   `json:"token"`
	DeviceFingerprint domain.DeviceFingerprint `json:"deviceFingerprint"`
}

func (s *Server) scanQR(c echo.Context) error {
	var body scanRequest
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, "Ogiltig förfrågan")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, found := s.tokens[strings.TrimSpace(body.Token)]
	if !found {
		return fail(c, http.StatusNotFound, "Ogiltig eller utgången QR-kod")
	}
	log.Debug().Str("session_id", id).Str("user_agent", body.DeviceFingerprint.UserAgent).Msg("qr token scanned")
	return ok(c, s.sessions[id].session)
}

func (s *Server) verifyTransaction(c echo.Context) error {
	var body domain.TransactionVerification
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, "Ogiltig förfrågan")
	}
	if strings.TrimSpace(body.TransactionID) == "" || body.Amount <= 0 {
		return fail(c, http.StatusBadRequest, "Transaktions-ID och belopp krävs")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stub, err := s.lookup(c)
	if stub == nil {
		return err
	}
	stub.session.TransactionID = body.TransactionID
	stub.session.TransactionAmount = body.Amount
	stub.session.TransactionVerified = true
	stub.session.Status = domain.SessionStatusTransactionVerified
	return ok(c, stub.session)
}

func (s *Server) submitFeedback(c echo.Context) error {
	file, err := c.FormFile("audio")
	if err != nil {
		return fail(c, http.StatusBadRequest, "Ljudfil saknas")
	}
	duration, _ := strconv.Atoi(c.FormValue("duration"))

	s.mu.Lock()
	defer s.mu.Unlock()
	stub, lookupErr := s.lookup(c)
	if stub == nil {
		return lookupErr
	}
	stub.submitted = true
	stub.audioBytes = int(file.Size)
	stub.duration = duration
	stub.polls = 0
	stub.session.Status = domain.SessionStatusProcessing
	log.Info().Str("session_id", stub.session.ID).Int64("bytes", file.Size).Int("duration", duration).Msg("feedback received")
	return ok(c, map[string]string{"sessionId": stub.session.ID, "status": string(domain.SessionStatusProcessing)})
}

func (s *Server) feedbackStatus(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stub, err := s.lookup(c)
	if stub == nil {
		return err
	}
	if !stub.submitted {
		return ok(c, domain.FeedbackStatus{Status: stub.session.Status})
	}

	stub.polls++
	if stub.polls <= s.cfg.ProcessingPolls {
		return ok(c, domain.FeedbackStatus{Status: domain.SessionStatusProcessing})
	}

	stub.session.Status = s.cfg.Outcome
	switch s.cfg.Outcome {
	case domain.SessionStatusCompleted:
		result := cannedResult(stub)
		return ok(c, domain.FeedbackStatus{Status: domain.SessionStatusCompleted, Result: &result})
	case domain.SessionStatusFraudFlagged:
		return ok(c, domain.FeedbackStatus{Status: s.cfg.Outcome, ErrorMessage: "Feedbacken flaggades för granskning"})
	default:
		return ok(c, domain.FeedbackStatus{Status: s.cfg.Outcome, ErrorMessage: "Ljudet kunde inte tolkas"})
	}
}

// cannedResult scores longer recordings higher, capped at 90.
func cannedResult(stub *stubSession) domain.FeedbackResult {
	score := 55 + float64(min(stub.duration, 70))/2
	maxReward := 8.0
	if stub.session.MaxRewardPercentage != nil {
		maxReward = *stub.session.MaxRewardPercentage
	}
	percentage := maxReward * score / 100
	return domain.FeedbackResult{
		SessionID:        stub.session.ID,
		QualityScore:     score,
		RewardPercentage: percentage,
		RewardAmount:     stub.session.TransactionAmount * percentage / 100,
		Summary:          "Kunden var nöjd med servicen men tyckte att kön var lång.",
		Categories:       []string{"service", "väntetid"},
	}
}

func (s *Server) validateStore(c echo.Context) error {
	var body struct {
		StoreCode string `json:"storeCode"`
	}
	if err := c.Bind(&body); err != nil {
		return failBare(c, http.StatusBadRequest, "Ogiltig förfrågan")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	store, found := s.stores[strings.TrimSpace(body.StoreCode)]
	if !found {
		return failBare(c, http.StatusNotFound, "Okänd butikskod")
	}
	return c.JSON(http.StatusOK, store)
}

func (s *Server) createSimpleVerification(c echo.Context) error {
	var body domain.SimpleVerification
	if err := c.Bind(&body); err != nil {
		return failBare(c, http.StatusBadRequest, "Ogiltig förfrågan")
	}
	if body.PurchaseAmount <= 0 {
		return failBare(c, http.StatusBadRequest, "Köpbelopp krävs")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	store, found := s.stores[body.StoreCode]
	if !found {
		return failBare(c, http.StatusNotFound, "Okänd butikskod")
	}
	session := s.newSimpleSession(body.StoreCode, store)
	session.TransactionAmount = body.PurchaseAmount
	session.TransactionVerified = true
	session.Status = domain.SessionStatusTransactionVerified
	s.sessions[session.ID].session = session

	return c.JSON(http.StatusOK, domain.SimpleVerificationReceipt{VerificationID: uuid.NewString(), SessionID: session.ID})
}

func (s *Server) createSimpleSession(c echo.Context) error {
	var body struct {
		StoreCode string `json:"storeCode"`
	}
	if err := c.Bind(&body); err != nil {
		return failBare(c, http.StatusBadRequest, "Ogiltig förfrågan")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	store, found := s.stores[strings.TrimSpace(body.StoreCode)]
	if !found {
		return failBare(c, http.StatusNotFound, "Okänd butikskod")
	}
	return c.JSON(http.StatusOK, s.newSimpleSession(body.StoreCode, store))
}

// newSimpleSession registers a pending session. Callers hold s.mu.
func (s *Server) newSimpleSession(code string, store domain.StoreInfo) domain.Session {
	session := domain.Session{
		ID:           uuid.NewString(),
		BusinessName: store.BusinessName,
		StoreCode:    code,
		Status:       domain.SessionStatusPending,
	}
	s.sessions[session.ID] = &stubSession{session: session}
	return session
}
