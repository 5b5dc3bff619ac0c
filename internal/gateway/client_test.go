package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedbackmic/internal/domain"
)

func TestDecodeResponseEnvelopes(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		want    domain.Session
		wantErr string
	}{
		{
			name:   "success envelope",
			status: http.StatusOK,
			body:   `{"success":true,"data":{"sessionId":"s1","businessName":"ICA Maxi"}}`,
			want:   domain.Session{ID: "s1", BusinessName: "ICA Maxi"},
		},
		{
			name:   "bare payload",
			status: http.StatusOK,
			body:   `{"sessionId":"s2","status":"transaction_verified"}`,
			want:   domain.Session{ID: "s2", Status: domain.SessionStatusTransactionVerified},
		},
		{
			name:    "structured error",
			status:  http.StatusBadRequest,
			body:    `{"success":false,"error":{"code":"INVALID_TOKEN","message":"QR-koden har gått ut"}}`,
			wantErr: "QR-koden har gått ut",
		},
		{
			name:    "string error",
			status:  http.StatusNotFound,
			body:    `{"error":"Session hittades inte"}`,
			wantErr: "Session hittades inte",
		},
		{
			name:    "success false with ok status",
			status:  http.StatusOK,
			body:    `{"success":false,"error":{"message":"Nekad"}}`,
			wantErr: "Nekad",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeResponse[domain.Session](tc.status, []byte(tc.body))
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tc.wantErr, domain.ServerMessage(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeResponseNonJSONFailure(t *testing.T) {
	_, err := decodeResponse[domain.Session](http.StatusBadGateway, []byte("<html>bad gateway</html>"))
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Empty(t, domain.ServerMessage(err))
}

func TestScanQRSendsFingerprintAndRequestID(t *testing.T) {
	var gotPath, gotRequestID string
	var gotBody scanRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRequestID = r.Header.Get("X-Request-ID")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, `{"success":true,"data":{"sessionId":"abc","businessName":"Coop Forum","status":"pending"}}`)
	}))
	defer srv.Close()

	fp := domain.DeviceFingerprint{UserAgent: "feedbackmic/1.0", Language: "sv-SE", Timezone: "Europe/Stockholm"}
	session, err := NewClient(srv.URL+"/", time.Second).ScanQR(context.Background(), "tok-1", fp)
	require.NoError(t, err)

	assert.Equal(t, "/api/qr/scan", gotPath)
	_, parseErr := uuid.Parse(gotRequestID)
	assert.NoError(t, parseErr)
	assert.Equal(t, "tok-1", gotBody.Token)
	assert.Equal(t, fp, gotBody.DeviceFingerprint)
	assert.Equal(t, "abc", session.ID)
	assert.Equal(t, "Coop Forum", session.BusinessName)
}

func TestSubmitFeedbackMultipart(t *testing.T) {
	type upload struct {
		path     string
		filename string
		mime     string
		data     []byte
		duration string
	}
	received := make(chan upload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var u upload
		u.path = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			u.duration = r.FormValue("duration")
			if file, header, err := r.FormFile("audio"); err == nil {
				u.filename = header.Filename
				u.mime = header.Header.Get("Content-Type")
				u.data, _ = io.ReadAll(file)
				file.Close()
			}
		}
		received <- u
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	artifact := domain.AudioArtifact{Data: []byte("RIFF....WAVE"), MIMEType: "audio/wav", Duration: 45*time.Second + 700*time.Millisecond}
	require.NoError(t, client.SubmitFeedback(context.Background(), "sess-9", artifact))

	u := <-received
	assert.Equal(t, "/api/feedback/submit/sess-9", u.path)
	assert.Equal(t, "feedback.wav", u.filename)
	assert.Equal(t, "audio/wav", u.mime)
	assert.Equal(t, artifact.Data, u.data)
	assert.Equal(t, "45", u.duration)
}

func TestAudioPartFilename(t *testing.T) {
	assert.Contains(t, audioPartHeader("audio/webm;codecs=opus")["Content-Disposition"][0], "feedback.webm")
	assert.Contains(t, audioPartHeader("audio/ogg;codecs=opus")["Content-Disposition"][0], "feedback.ogg")
	assert.Equal(t, "application/octet-stream", audioPartHeader("")["Content-Type"][0])
}

func TestSimpleVerificationEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/simple-verification/validate", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["storeCode"] != "123456" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"success":false,"error":{"message":"Okänd butikskod"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"success":true,"data":{"storeId":"st-1","storeName":"ICA Maxi Lindhagen","businessName":"ICA"}}`)
	})
	mux.HandleFunc("/api/simple-verification/create", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":true,"data":{"verificationId":"v-1","sessionId":"s-1"}}`)
	})
	mux.HandleFunc("/api/qr/create-simple-session", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":true,"data":{"sessionId":"s-1","storeCode":"123456"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	ctx := context.Background()

	store, err := client.ValidateStoreCode(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, "ICA Maxi Lindhagen", store.StoreName)

	_, err = client.ValidateStoreCode(ctx, "000000")
	require.Error(t, err)
	assert.Equal(t, "Okänd butikskod", domain.ServerMessage(err))

	receipt, err := client.CreateSimpleVerification(ctx, domain.SimpleVerification{StoreCode: "123456", PurchaseAmount: 249, PurchaseTime: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "v-1", receipt.VerificationID)

	session, err := client.CreateSimpleSession(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, "s-1", session.ID)
	assert.Equal(t, "123456", session.StoreCode)
}

func TestRequestHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL, 5*time.Second).FeedbackStatus(ctx, "s")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
