package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Cybrite/project-amobagan/internal/domain"
	"github.com/Cybrite/project-amobagan/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) store.Repository {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

type captured struct {
	Caller
	called bool
}

func captureHandler(c *captured) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Caller = FromContext(r.Context())
		c.called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_IssuesAnonymousIdentity(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)
	var got captured
	h := Middleware(repo, true)(captureHandler(&got))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/profile", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Regexp(t, anonIDPattern, got.UserID)
	assert.Equal(t, DefaultSessionIDValue, got.SessionID)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, AnonCookieName, cookies[0].Name)
	assert.Equal(t, got.UserID, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.False(t, cookies[0].Secure)

	require.NotNil(t, got.User)
	assert.Equal(t, "anon-"+got.UserID[len(got.UserID)-8:], got.User.Username)
	assert.Equal(t, []string{}, got.User.Preferences.HealthGoals)
	assert.Equal(t, []string{}, got.User.Preferences.DietaryPreferences)
	assert.Equal(t, []string{}, got.User.Preferences.NutritionPriorities)
	assert.Nil(t, got.User.StreamPreferences())

	user, err := repo.GetUser(context.Background(), got.UserID)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, got.User.Username, user.Username)
}

func TestMiddleware_ReusesCookieAndSessionHeader(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)
	var got captured
	h := Middleware(repo, false)(captureHandler(&got))

	id := "anon_0123456789abcdef0123456789abcdef"
	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	req.Header.Set(SessionHeaderName, "tab-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, id, got.UserID)
	assert.Equal(t, "tab-1", got.SessionID)
	assert.True(t, w.Result().Cookies()[0].Secure)
}

func TestMiddleware_RejectsForgedCookie(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)
	var got captured
	h := Middleware(repo, true)(captureHandler(&got))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "admin"})
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.NotEqual(t, "admin", got.UserID)
	assert.Regexp(t, anonIDPattern, got.UserID)
}

func TestMiddleware_TouchesLastSeen(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)
	ctx := context.Background()
	id := "anon_ffffffffffffffffffffffffffffffff"
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, repo.UpsertUser(ctx, &domain.User{
		UserID: id, Username: "anon-ffffffff", LastSeenAt: stale, CreatedAt: stale, UpdatedAt: stale,
	}))

	var got captured
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	Middleware(repo, true)(captureHandler(&got)).ServeHTTP(httptest.NewRecorder(), req)

	user, err := repo.GetUser(ctx, id)
	require.NoError(t, err)
	assert.True(t, user.LastSeenAt.After(stale.Add(30*time.Minute)))
	assert.Equal(t, user.LastSeenAt.Unix(), got.User.LastSeenAt.Unix())
}

func TestMiddleware_LoadsStoredProfile(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)
	ctx := context.Background()
	id := "anon_eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	now := time.Now()
	require.NoError(t, repo.UpsertUser(ctx, &domain.User{
		UserID: id, Username: "anon-eeeeeeee", LastSeenAt: now, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, repo.UpdatePreferences(ctx, id, domain.Preferences{NutritionPriorities: []string{"protein"}}))

	var got captured
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	Middleware(repo, true)(captureHandler(&got)).ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got.User)
	assert.Equal(t, []string{"protein"}, got.User.Preferences.NutritionPriorities)
	assert.Equal(t, []string{}, got.User.Preferences.HealthGoals)
	p := got.User.StreamPreferences()
	require.NotNil(t, p)
	assert.Equal(t, []string{"protein"}, p.NutritionPriorities)
}

func TestMiddleware_RejectsMalformedSessionID(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)
	for _, bad := range []string{"bad id", "<script>", strings.Repeat("a", 129)} {
		var got captured
		req := httptest.NewRequest(http.MethodGet, "/api/analysis/stream", nil)
		req.Header.Set(SessionHeaderName, bad)
		w := httptest.NewRecorder()
		Middleware(repo, true)(captureHandler(&got)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
		assert.JSONEq(t, `{"error":"invalid session id"}`, w.Body.String())
		assert.False(t, got.called, bad)
	}
}

func TestFromContext_Default(t *testing.T) {
	t.Parallel()

	c := FromContext(context.Background())
	assert.Empty(t, c.UserID)
	assert.Equal(t, DefaultSessionIDValue, c.SessionID)
	assert.Nil(t, c.User)

	ctx := NewContext(context.Background(), Caller{UserID: "u1", SessionID: "tab"})
	assert.Equal(t, "tab", FromContext(ctx).SessionID)
}

func TestSessionIDFromRequest(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":            DefaultSessionIDValue,
		"   ":         DefaultSessionIDValue,
		"tab-42":      "tab-42",
		" tab.1:a_b ": "tab.1:a_b",
	}
	for in, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(SessionHeaderName, in)
		got, err := sessionIDFromRequest(req)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/analysis/stream?session_id=tab-9", nil)
	got, err := sessionIDFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "tab-9", got)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeaderName, "bad id")
	_, err = sessionIDFromRequest(req)
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestDeviceID(t *testing.T) {
	t.Parallel()

	fresh := func() string {
		id, err := deviceID(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		return id
	}
	a, b := fresh(), fresh()
	assert.Regexp(t, anonIDPattern, a)
	assert.NotEqual(t, a, b)
}
