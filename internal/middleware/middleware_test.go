package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
)

const secret = "test-secret"

func echoUser(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(GetUserID(r.Context()) + "|" + strings.Join(GetScopes(r.Context()), ",")))
}

func TestAuth(t *testing.T) {
	h := Auth(secret)(http.HandlerFunc(echoUser))

	token, err := IssueToken(secret, "alice", []string{ScopeRead}, time.Minute)
	require.NoError(t, err)
	expired, err := IssueToken(secret, "alice", nil, -time.Minute)
	require.NoError(t, err)
	forged, err := IssueToken("other-secret", "mallory", nil, time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{"valid bearer", "Bearer " + token, "", http.StatusOK, "alice|inbox:read"},
		{"lowercase scheme", "bearer " + token, "", http.StatusOK, "alice|inbox:read"},
		{"query token", "", "?access_token=" + token, http.StatusOK, "alice|inbox:read"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic " + token, "", http.StatusUnauthorized, ""},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized, ""},
		{"wrong secret", "Bearer " + forged, "", http.StatusUnauthorized, ""},
		{"none algorithm", "Bearer " + none, "", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestRequireScope(t *testing.T) {
	h := Auth(secret)(RequireScope(ScopeWrite)(http.HandlerFunc(echoUser)))

	reader, _ := IssueToken(secret, "reader", []string{ScopeRead}, time.Minute)
	writer, _ := IssueToken(secret, "writer", []string{ScopeRead, ScopeWrite}, time.Minute)

	for token, status := range map[string]int{reader: http.StatusForbidden, writer: http.StatusOK} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, status, rec.Code)
	}
}

func TestLoggingSetsCorrelationID(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Logging(logger.Nop()))
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, ok := w.(http.Flusher)
		assert.True(t, ok)
		w.Write([]byte(GetCorrelationID(r.Context())))
	})

	req := httptest.NewRequest(http.MethodGet, "/items/1", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "corr-1", rec.Body.String())
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/2", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, rec.Header().Get("X-Correlation-ID"), rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}

func TestValidation(t *testing.T) {
	assert.NoError(t, ValidateMessageContent("hello"))
	assert.Error(t, ValidateMessageContent(" \n"))
	assert.Error(t, ValidateMessageContent(strings.Repeat("a", maxContentLength+1)))
	assert.Error(t, ValidateMessageContent("\xff"))

	assert.NoError(t, ValidateConversationID("0190b6a4-7e1c-7cc2-8f0a-3b8f1d0e9a11"))
	assert.Error(t, ValidateConversationID("not-an-id"))

	assert.NoError(t, ValidateAddresses([]string{"0x00000000000000000000000000000000000000aA"}))
	assert.Error(t, ValidateAddresses(nil))
	assert.Error(t, ValidateAddresses([]string{"0x123"}))

	state, err := ValidateConsentState(" Denied ")
	require.NoError(t, err)
	assert.Equal(t, model.ConsentDenied, state)
	_, err = ValidateConsentState("unknown")
	assert.Error(t, err)
}
