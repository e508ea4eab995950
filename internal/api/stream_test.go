package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Cybrite/project-amobagan/internal/identity"
	"github.com/Cybrite/project-amobagan/internal/stream"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const finalMarkup = `<p>Oat milk is a good fit.</p>` +
	`<div id="nutritionalInfos">Protein, Fiber</div>` +
	`<div id="transcript_summary">A solid choice for your goals.</div>`

func completingScript(ctx context.Context, conn *websocket.Conn, _ stream.AnalysisRequest) {
	frame(ctx, conn, stream.TypeStreamChunk, "<p>Oat milk")
	frame(ctx, conn, stream.TypeStreamChunk, " is a good fit.</p>")
	frame(ctx, conn, stream.TypeStreamComplete, finalMarkup)
}

func TestStreamAnalysis_RelaysEventsAndPersists(t *testing.T) {
	t.Parallel()

	backend := newFakeAnalysisService(t, completingScript)
	tr := newTestRelay(t, backend.URL(), nil)
	tr.putCredential(t, "tok-1")

	profile := `{"name":"Asha","health_goals":["heart_health"],"nutrition_priorities":["protein"]}`
	require.Equal(t, http.StatusOK, tr.do(t, http.MethodPut, "/api/profile", profile, nil).StatusCode)

	resp := tr.do(t, http.MethodGet, "/api/analysis/stream?barcode=%200123456789012%20", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	msgs := readSSE(t, resp.Body)
	assert.Equal(t, []string{EventSession, EventFirstChunk, EventChunk, EventChunk, EventComplete}, eventNames(msgs))

	var chunk chunkPayload
	require.NoError(t, json.Unmarshal([]byte(msgs[2].Data), &chunk))
	assert.Equal(t, "<p>Oat milk", chunk.Text)

	var done CompletePayload
	require.NoError(t, json.Unmarshal([]byte(msgs[4].Data), &done))
	assert.Equal(t, finalMarkup, done.Text)
	assert.Equal(t, "0123456789012", done.Barcode)
	assert.Equal(t, []string{"Protein", "Fiber"}, done.Tags)
	assert.Equal(t, "A solid choice for your goals.", done.Summary)
	require.NotEmpty(t, done.AnalysisID)

	var session map[string]string
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Data), &session))
	assert.Equal(t, done.AnalysisID, session["session_id"])

	assert.Equal(t, []string{"tok-1"}, backend.Tokens())
	reqs := backend.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "0123456789012", reqs[0].Barcode)
	require.NotNil(t, reqs[0].UserPreferences)
	assert.Equal(t, "Asha", reqs[0].UserPreferences.UserName)
	assert.Equal(t, []string{"protein"}, reqs[0].UserPreferences.NutritionPriorities)

	stored := tr.do(t, http.MethodGet, "/api/analysis/"+done.AnalysisID, "", nil)
	require.Equal(t, http.StatusOK, stored.StatusCode)
	var got struct {
		Text string   `json:"text"`
		Tags []string `json:"tags"`
	}
	decodeBody(t, stored, &got)
	assert.Equal(t, finalMarkup, got.Text)
	assert.Equal(t, []string{"Protein", "Fiber"}, got.Tags)

	assert.Equal(t, 1.0, testutil.ToFloat64(tr.metrics.SessionsStarted))
	assert.Equal(t, 2.0, testutil.ToFloat64(tr.metrics.ChunksReceived))
}

func TestStreamAnalysis_NoCredentialFailsClosed(t *testing.T) {
	t.Parallel()

	backend := newFakeAnalysisService(t, completingScript)
	tr := newTestRelay(t, backend.URL(), nil)

	resp := tr.do(t, http.MethodGet, "/api/analysis/stream?barcode=123", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var got map[string]string
	decodeBody(t, resp, &got)
	assert.Equal(t, "unauthenticated", got["kind"])
	assert.Zero(t, backend.dials.Load())
}

func TestStreamAnalysis_RejectedCredential(t *testing.T) {
	t.Parallel()

	backend := newFakeAnalysisService(t, completingScript)
	tr := newTestRelay(t, backend.URL(), nil)
	tr.putCredential(t, "revoked")

	resp := tr.do(t, http.MethodGet, "/api/analysis/stream?barcode=123", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamAnalysis_DurableCredentialPreferred(t *testing.T) {
	t.Parallel()

	backend := newFakeAnalysisService(t, completingScript)
	tr := newTestRelay(t, backend.URL(), nil)
	tr.putCredential(t, "session-token")
	resp := tr.do(t, http.MethodPut, "/api/credential?persist=true", "", http.Header{"Authorization": {"Bearer durable-token"}})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	readSSE(t, tr.do(t, http.MethodGet, "/api/analysis/stream?barcode=123", "", nil).Body)

	assert.Equal(t, []string{"durable-token"}, backend.Tokens())
}

func TestStreamAnalysis_MissingBarcode(t *testing.T) {
	t.Parallel()

	tr := newTestRelay(t, "", nil)
	for _, q := range []string{"", "?barcode=", "?barcode=%20%20"} {
		resp := tr.do(t, http.MethodGet, "/api/analysis/stream"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestStreamAnalysis_RateLimited(t *testing.T) {
	t.Parallel()

	tr := newTestRelay(t, "", func(o *Options) { o.RateLimitPerMinute = 1 })

	first := tr.do(t, http.MethodGet, "/api/analysis/stream?barcode=123", "", nil)
	assert.Equal(t, http.StatusUnauthorized, first.StatusCode)

	second := tr.do(t, http.MethodGet, "/api/analysis/stream?barcode=123", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestStreamAnalysis_ServerErrorFrame(t *testing.T) {
	t.Parallel()

	backend := newFakeAnalysisService(t, func(ctx context.Context, conn *websocket.Conn, _ stream.AnalysisRequest) {
		frame(ctx, conn, stream.TypeStreamChunk, "partial")
		frame(ctx, conn, stream.TypeError, "product not found")
	})
	tr := newTestRelay(t, backend.URL(), nil)
	tr.putCredential(t, "tok")

	msgs := readSSE(t, tr.do(t, http.MethodGet, "/api/analysis/stream?barcode=999", "", nil).Body)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, EventError, last.Event)

	var got errorPayload
	require.NoError(t, json.Unmarshal([]byte(last.Data), &got))
	assert.Equal(t, "protocol", got.Kind)
	assert.Equal(t, "product not found", got.Message)

	list := tr.do(t, http.MethodGet, "/api/analysis", "", nil)
	var analyses []map[string]any
	decodeBody(t, list, &analyses)
	assert.Empty(t, analyses)
}

func TestStreamAnalysis_ServerDropIsTransport(t *testing.T) {
	t.Parallel()

	backend := newFakeAnalysisService(t, func(ctx context.Context, conn *websocket.Conn, _ stream.AnalysisRequest) {
		frame(ctx, conn, stream.TypeStreamChunk, "partial")
		conn.CloseNow()
	})
	tr := newTestRelay(t, backend.URL(), nil)
	tr.putCredential(t, "tok")

	msgs := readSSE(t, tr.do(t, http.MethodGet, "/api/analysis/stream?barcode=1", "", nil).Body)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Equal(t, EventError, last.Event)

	var got errorPayload
	require.NoError(t, json.Unmarshal([]byte(last.Data), &got))
	assert.Equal(t, "transport", got.Kind)
}

func TestStreamAnalysis_BrowserDisconnectClosesUpstream(t *testing.T) {
	t.Parallel()

	backend := newFakeAnalysisService(t, func(ctx context.Context, conn *websocket.Conn, _ stream.AnalysisRequest) {
		frame(ctx, conn, stream.TypeStreamChunk, "thinking")
	})
	tr := newTestRelay(t, backend.URL(), nil)
	tr.putCredential(t, "tok")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tr.server.URL+"/api/analysis/stream?barcode=1", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: identity.AnonCookieName, Value: testUserID})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "event: "+EventChunk) {
			break
		}
	}
	cancel()

	select {
	case <-backend.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream connection was not closed after the browser left")
	}
	assert.Eventually(t, func() bool { return tr.handler.clients.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamAnalysis_NewStreamSupersedesTab(t *testing.T) {
	t.Parallel()

	backend := newFakeAnalysisService(t, func(ctx context.Context, conn *websocket.Conn, req stream.AnalysisRequest) {
		if req.Barcode == "first" {
			// Never completes.
			frame(ctx, conn, stream.TypeStreamChunk, "slow")
			return
		}
		completingScript(ctx, conn, req)
	})
	tr := newTestRelay(t, backend.URL(), nil)
	tr.putCredential(t, "tok")

	first := tr.do(t, http.MethodGet, "/api/analysis/stream?barcode=first", "", nil)
	firstEvents := make(chan []sseMessage, 1)
	go func() { firstEvents <- readSSE(t, first.Body) }()

	require.Eventually(t, func() bool { return tr.handler.clients.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	second := readSSE(t, tr.do(t, http.MethodGet, "/api/analysis/stream?barcode=second", "", nil).Body)
	assert.Equal(t, EventComplete, second[len(second)-1].Event)

	select {
	case msgs := <-firstEvents:
		require.NotEmpty(t, msgs)
		last := msgs[len(msgs)-1]
		require.Equal(t, EventError, last.Event)
		var got errorPayload
		require.NoError(t, json.Unmarshal([]byte(last.Data), &got))
		assert.Equal(t, "cancelled", got.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("superseded stream did not end")
	}
}

func TestStreamAnalysis_Keepalive(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	backend := newFakeAnalysisService(t, func(ctx context.Context, conn *websocket.Conn, req stream.AnalysisRequest) {
		select {
		case <-release:
		case <-ctx.Done():
			return
		}
		completingScript(ctx, conn, req)
	})
	tr := newTestRelay(t, backend.URL(), func(o *Options) { o.Keepalive = 20 * time.Millisecond })
	tr.putCredential(t, "tok")

	resp := tr.do(t, http.MethodGet, "/api/analysis/stream?barcode=1", "", nil)
	scanner := bufio.NewScanner(resp.Body)
	pinged := false
	for scanner.Scan() {
		if scanner.Text() == "event: "+EventPing {
			pinged = true
			break
		}
	}
	close(release)
	assert.True(t, pinged)
}
