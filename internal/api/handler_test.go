package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Cybrite/project-amobagan/internal/identity"
	"github.com/Cybrite/project-amobagan/internal/metrics"
	"github.com/Cybrite/project-amobagan/internal/store"
	"github.com/Cybrite/project-amobagan/internal/stream"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUserID = "anon_0123456789abcdef0123456789abcdef"

// fakeAnalysisService accepts analysis connections and runs script for every
// request it reads.
type fakeAnalysisService struct {
	srv    *httptest.Server
	dials  atomic.Int32
	script func(ctx context.Context, conn *websocket.Conn, req stream.AnalysisRequest)
	closed chan struct{}

	mu       sync.Mutex
	tokens   []string
	requests []stream.AnalysisRequest
}

func newFakeAnalysisService(t *testing.T, script func(ctx context.Context, conn *websocket.Conn, req stream.AnalysisRequest)) *fakeAnalysisService {
	t.Helper()

	f := &fakeAnalysisService{script: script, closed: make(chan struct{}, 16)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAnalysisService) serve(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get(stream.TokenQueryParam)
	if token == "" || token == "revoked" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	f.dials.Add(1)
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() {
		conn.CloseNow()
		f.closed <- struct{}{}
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req stream.AnalysisRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()
		if f.script != nil {
			f.script(ctx, conn, req)
		}
	}
}

func (f *fakeAnalysisService) URL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeAnalysisService) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func (f *fakeAnalysisService) Requests() []stream.AnalysisRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stream.AnalysisRequest(nil), f.requests...)
}

func frame(ctx context.Context, conn *websocket.Conn, typ, content string) {
	data, _ := json.Marshal(map[string]any{"type": typ, "content": content})
	_ = conn.Write(ctx, websocket.MessageText, data)
}

type testRelay struct {
	handler *Handler
	repo    store.Repository
	metrics *metrics.Metrics
	server  *httptest.Server
}

func newTestRelay(t *testing.T, backendURL string, mutate func(*Options)) *testRelay {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	cfg := stream.DefaultConfig()
	if backendURL != "" {
		cfg.URL = backendURL
	}
	cfg.DialTimeout = 2 * time.Second
	cfg.IdleTimeout = 0

	m := metrics.New(prometheus.NewRegistry())
	opts := Options{
		Repo:               repo,
		Metrics:            m,
		Stream:             cfg,
		RateLimitPerMinute: 100,
		Keepalive:          time.Minute,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h := NewHandler(opts)

	r := chi.NewRouter()
	r.Use(identity.Middleware(repo, true))
	NewHealthHandler(repo).RegisterHealth(r)
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return &testRelay{handler: h, repo: repo, metrics: m, server: srv}
}

// do sends a request as testUserID from the default browser session.
func (tr *testRelay) do(t *testing.T, method, path, body string, header http.Header) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, tr.server.URL+path, reader)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: identity.AnonCookieName, Value: testUserID})
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (tr *testRelay) putCredential(t *testing.T, token string) {
	t.Helper()

	resp := tr.do(t, http.MethodPut, "/api/credential", "", http.Header{"Authorization": {"Bearer " + token}})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type sseMessage struct {
	Event string
	Data  string
}

// readSSE collects events until a complete or error event or EOF. Pings are
// skipped.
func readSSE(t *testing.T, body io.Reader) []sseMessage {
	t.Helper()

	var (
		out     []sseMessage
		current sseMessage
	)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Event == "" {
				continue
			}
			if current.Event != EventPing {
				out = append(out, current)
			}
			if current.Event == EventComplete || current.Event == EventError {
				return out
			}
			current = sseMessage{}
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return out
}

func eventNames(msgs []sseMessage) []string {
	names := make([]string, 0, len(msgs))
	for _, m := range msgs {
		names = append(names, m.Event)
	}
	return names
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "bar", got["foo"])
}

func TestStreamError_MapsKinds(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{stream.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
		{stream.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
		{stream.ErrTransport, http.StatusBadGateway, "transport"},
		{stream.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		StreamError(w, tt.err)

		assert.Equal(t, tt.status, w.Code)
		var got map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		assert.Equal(t, tt.kind, got["kind"])
		assert.NotEmpty(t, got["error"])
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	tr := newTestRelay(t, "", nil)
	resp := tr.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeBody(t, resp, &got)
	assert.Equal(t, "healthy", got.Status)
	assert.Equal(t, "ok", got.Checks["database"])
}
