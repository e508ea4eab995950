package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
}

func preflight(origin string) *http.Request {
	req := httptest.NewRequest(http.MethodOptions, "/api/credential", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	return req
}

func TestCORS_WildcardDoesNotAllowCredentials(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	CORS([]string{"*"})(okHandler()).ServeHTTP(w, preflight("https://evil.example"))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://evil.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORS_ExplicitOrigin(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()

	CORS([]string{"https://app.example"})(okHandler()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))
}

func TestCORS_UnknownOrigin(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	CORS([]string{"https://app.example"})(okHandler()).ServeHTTP(w, preflight("https://other.example"))

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestCORS_PreflightAllowsScannerHeaders(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	CORS([]string{"https://app.example"})(okHandler()).ServeHTTP(w, preflight("https://app.example"))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PUT")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Amobagan-Session-ID")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Last-Event-ID")
	assert.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_PlainOptionsReachesHandler(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodOptions, "/api/profile", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()

	CORS([]string{"https://app.example"})(okHandler()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
}
