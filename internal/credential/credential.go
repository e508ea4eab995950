// Package credential resolves the bearer credential used to open analysis
// connections. Sources are consulted in order: the durable per-user store
// first, then the session-scoped store. When neither yields a credential the
// chain fails closed; there is no built-in fallback token.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNoCredential is returned when no source holds a credential.
var ErrNoCredential = errors.New("no credential available")

// Source is one place a credential may be stored.
type Source interface {
	// Lookup returns the stored credential, or ErrNoCredential if absent.
	Lookup(ctx context.Context) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (string, error)

// Lookup implements Source.
func (f SourceFunc) Lookup(ctx context.Context) (string, error) { return f(ctx) }

// Chain consults its sources in order and returns the first credential found.
// It implements stream.CredentialResolver.
type Chain []Source

// Resolve returns the first non-empty credential. A source failing with an
// error other than ErrNoCredential stops the chain.
func (c Chain) Resolve(ctx context.Context) (string, error) {
	for i, src := range c {
		if src == nil {
			continue
		}
		token, err := src.Lookup(ctx)
		if errors.Is(err, ErrNoCredential) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("credential source %d: %w", i, err)
		}
		if token = strings.TrimSpace(token); token != "" {
			return token, nil
		}
	}
	return "", ErrNoCredential
}

// Static returns a source holding a fixed credential. An empty token behaves
// as an absent credential.
func Static(token string) Source {
	return SourceFunc(func(context.Context) (string, error) {
		if strings.TrimSpace(token) == "" {
			return "", ErrNoCredential
		}
		return token, nil
	})
}

// DurableStore is the persistent per-user credential store.
type DurableStore interface {
	GetCredential(ctx context.Context, userID string) (string, error)
}

// Durable returns a source reading userID's credential from store.
func Durable(store DurableStore, userID string) Source {
	return SourceFunc(func(ctx context.Context) (string, error) {
		if store == nil || userID == "" {
			return "", ErrNoCredential
		}
		token, err := store.GetCredential(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("load durable credential: %w", err)
		}
		if token == "" {
			return "", ErrNoCredential
		}
		return token, nil
	})
}

// SessionStore holds credentials that live only as long as the process,
// keyed by user and browser session.
type SessionStore struct {
	mu     sync.RWMutex
	tokens map[string]map[string]string
}

// NewSessionStore creates an empty session-scoped store.
func NewSessionStore() *SessionStore {
	return &SessionStore{tokens: make(map[string]map[string]string)}
}

// Put stores token for the user's session.
func (s *SessionStore) Put(userID, sessionID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions, ok := s.tokens[userID]
	if !ok {
		sessions = make(map[string]string)
		s.tokens[userID] = sessions
	}
	sessions[sessionID] = token
}

// Get returns the token for the user's session, if any.
func (s *SessionStore) Get(userID, sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[userID][sessionID]
	return token, ok
}

// Delete removes the token for the user's session.
func (s *SessionStore) Delete(userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessions, ok := s.tokens[userID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(s.tokens, userID)
		}
	}
}

// Source returns a source reading the given user's session credential.
func (s *SessionStore) Source(userID, sessionID string) Source {
	return SourceFunc(func(context.Context) (string, error) {
		if s == nil {
			return "", ErrNoCredential
		}
		token, ok := s.Get(userID, sessionID)
		if !ok || token == "" {
			return "", ErrNoCredential
		}
		return token, nil
	})
}

// ForUser builds the standard chain for a relay user: durable, then session.
func ForUser(durable DurableStore, sessions *SessionStore, userID, sessionID string) Chain {
	return Chain{
		Durable(durable, userID),
		sessions.Source(userID, sessionID),
	}
}
