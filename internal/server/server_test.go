package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/accproxy/accproxy/internal/config"
)

func newTestServer(masterKey string) *Server {
	cfg := &config.Config{}
	cfg.Auth.MasterKey = masterKey
	cfg.Auth.KeyPrefix = "acc_"
	cfg.CORS.AllowedOrigins = []string{"*"}
	cfg.CORS.AllowedMethods = []string{"GET", "POST"}
	cfg.CORS.AllowedHeaders = []string{"*"}
	return &Server{cfg: cfg, logger: zap.NewNop()}
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestServer("master").buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAdminRequiresMasterKey(t *testing.T) {
	router := newTestServer("s3cret").buildRouter()

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{name: "no key", want: http.StatusUnauthorized},
		{name: "wrong key", header: map[string]string{"x-acc-master-key": "nope"}, want: http.StatusUnauthorized},
		{name: "wrong bearer", header: map[string]string{"Authorization": "Bearer nope"}, want: http.StatusUnauthorized},
		// Valid key reaches the handler, which rejects the missing
		// user_id filter instead of the credential.
		{name: "valid header key", header: map[string]string{"x-acc-master-key": "s3cret"}, want: http.StatusBadRequest},
		{name: "valid bearer key", header: map[string]string{"Authorization": "Bearer s3cret"}, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/analytics/requests", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAdminDisabledWithoutMasterKey(t *testing.T) {
	router := newTestServer("").buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/admin/users/", nil)
	req.Header.Set("x-acc-master-key", "anything")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
