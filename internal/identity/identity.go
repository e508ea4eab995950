// Package identity resolves which device and which browser tab a relay
// request comes from, and loads that device's nutrition profile.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/Cybrite/project-amobagan/internal/domain"
	"github.com/google/uuid"
)

const (
	AnonCookieName        = "amobagan_anon_id"
	SessionHeaderName     = "X-Amobagan-Session-ID"
	SessionQueryParam     = "session_id"
	DefaultSessionIDValue = "default"
	anonCookieMaxAge      = 30 * 24 * time.Hour
	lastSeenResolution    = 5 * time.Minute
)

// ErrInvalidSessionID is returned for a tab session id the relay cannot key
// credentials and upstream clients by.
var ErrInvalidSessionID = errors.New("invalid session id")

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// UserStore is the part of the repository the middleware reads and writes.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// Caller is the device and browser tab behind a request. Session-scoped
// credentials and upstream analysis clients are keyed by UserID and
// SessionID together, so two tabs of one device never share a stream.
type Caller struct {
	UserID    string
	SessionID string
	// User is loaded once per request. Its profile slices are never nil.
	User *domain.User
}

type callerKey struct{}

// NewContext returns ctx carrying c.
func NewContext(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// FromContext returns the caller installed by Middleware. Outside the
// middleware it yields an empty caller on the default tab.
func FromContext(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok {
		return c
	}
	return Caller{SessionID: DefaultSessionIDValue}
}

// Middleware resolves the Caller of every request: the anonymous device
// cookie (issued on first contact), the tab session id and the stored user
// with its profile. A malformed session id is rejected with 400 rather than
// folded onto the default tab.
func Middleware(users UserStore, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID, err := sessionIDFromRequest(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}

			userID, err := deviceID(r)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to establish anonymous identity")
				return
			}
			setDeviceCookie(w, userID, !isDev)

			user, err := loadUser(r.Context(), users, userID, time.Now())
			if err != nil {
				slog.Error("Failed to load user", "user_id", userID, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to load user")
				return
			}

			ctx := NewContext(r.Context(), Caller{UserID: userID, SessionID: sessionID, User: user})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// deviceID returns the anonymous id from the request cookie, or a fresh one
// when the cookie is missing or malformed.
func deviceID(r *http.Request) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && anonIDPattern.MatchString(c.Value) {
		return c.Value, nil
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return "anon_" + strings.ReplaceAll(id.String(), "-", ""), nil
}

// setDeviceCookie issues or refreshes the sliding device cookie.
func setDeviceCookie(w http.ResponseWriter, userID string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    userID,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// sessionIDFromRequest reads the tab id from the header, or from the query
// for EventSource requests that cannot set headers.
func sessionIDFromRequest(r *http.Request) (string, error) {
	sid := strings.TrimSpace(r.Header.Get(SessionHeaderName))
	if sid == "" {
		sid = strings.TrimSpace(r.URL.Query().Get(SessionQueryParam))
	}
	if sid == "" {
		return DefaultSessionIDValue, nil
	}
	if !sessionIDPattern.MatchString(sid) {
		return "", ErrInvalidSessionID
	}
	return sid, nil
}

// loadUser returns the stored user, creating it with an empty profile on
// first contact. Last-seen is only written once per lastSeenResolution.
func loadUser(ctx context.Context, users UserStore, userID string, now time.Time) (*domain.User, error) {
	user, err := users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if user == nil {
		user = &domain.User{
			UserID:     userID,
			Username:   "anon-" + userID[len(userID)-8:],
			LastSeenAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := users.UpsertUser(ctx, user); err != nil {
			return nil, err
		}
	} else if now.Sub(user.LastSeenAt) > lastSeenResolution {
		if err := users.UpdateLastSeen(ctx, userID, now); err != nil {
			slog.Warn("Failed to update last seen", "user_id", userID, "error", err)
		} else {
			user.LastSeenAt = now
		}
	}

	seedProfile(&user.Preferences)
	return user, nil
}

// seedProfile replaces nil lists so an unset profile serializes as empty
// arrays, which is what the onboarding form expects.
func seedProfile(p *domain.Preferences) {
	if p.HealthGoals == nil {
		p.HealthGoals = []string{}
	}
	if p.DietaryPreferences == nil {
		p.DietaryPreferences = []string{}
	}
	if p.NutritionPriorities == nil {
		p.NutritionPriorities = []string{}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
