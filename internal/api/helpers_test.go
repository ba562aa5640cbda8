package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/npezzotti/go-erd/internal/config"
	"github.com/npezzotti/go-erd/internal/database"
	"github.com/npezzotti/go-erd/internal/server"
	"github.com/npezzotti/go-erd/internal/stats"
	"github.com/npezzotti/go-erd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

func newTestApp(t *testing.T, db database.Repository, ds *server.DiagramServer, su stats.StatsProvider) *App {
	t.Helper()
	return NewApp(http.NewServeMux(), testutil.TestLogger(t), ds, db, su, &config.Config{
		ServerAddr:     "localhost:8080",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	})
}

// roomRequest builds a request for a /api/rooms/{id} route as userId.
func roomRequest(method, target, roomId string, userId int, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.SetPathValue("id", roomId)
	if userId > 0 {
		req = req.WithContext(WithUserId(req.Context(), userId))
	}
	return req
}

func assertApiError(t *testing.T, rr *httptest.ResponseRecorder, expected *ApiError) {
	t.Helper()
	var apiErr ApiError
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr), "failed to decode error response")
	assert.Equal(t, expected.StatusCode, rr.Code, "expected status code to match")
	assert.Equal(t, expected.StatusCode, apiErr.StatusCode)
	assert.Equal(t, expected.Message, apiErr.Message)
}

// findCookie returns the named cookie set on the response, or nil.
func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}
