package acceptor

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/batchfabric/batchengine/internal/batching"
	"github.com/batchfabric/batchengine/internal/compression"
)

func newTestAcceptor(t *testing.T) *Acceptor {
	t.Helper()
	logger := zaptest.NewLogger(t)
	compressor := compression.New(compression.DefaultConfig(), logger)
	batcher := batching.New(batching.DefaultConfig(), compressor, nil, logger)
	return New(DefaultConfig(), batcher, logger)
}

func TestServeHTTPRejectsMissingAPIKey(t *testing.T) {
	a := newTestAcceptor(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	a.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHTTPRejectsUnknownAPIKey(t *testing.T) {
	a := newTestAcceptor(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws?apiKey=unknown", nil)
	a.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthorizeAPIKeyAdmitsKey(t *testing.T) {
	a := newTestAcceptor(t)
	a.AuthorizeAPIKey("valid-key")
	assert.True(t, a.apiKeyValid("valid-key"))
	assert.False(t, a.apiKeyValid("other-key"))
}

func TestActiveConnectionsStartsAtZero(t *testing.T) {
	a := newTestAcceptor(t)
	assert.Equal(t, 0, a.ActiveConnections())
}
