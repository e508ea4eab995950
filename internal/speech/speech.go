// Package speech turns completed analyses into audio.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Cybrite/project-amobagan/internal/nutrition"
	"github.com/Cybrite/project-amobagan/internal/stream"
)

// ErrEmptyText is returned when there is nothing to speak.
var ErrEmptyText = errors.New("no text to synthesize")

// Audio is synthesized speech.
type Audio struct {
	Data        []byte `json:"-"`
	ContentType string `json:"content_type"`
	Format      string `json:"format"`
	SampleRate  int    `json:"sample_rate,omitempty"`
}

// Synthesizer converts text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*Audio, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider  string // "elevenlabs", "local" or "" for disabled
	APIKey    string
	VoiceID   string
	BaseURL   string
	CacheSize int
	CacheTTL  time.Duration
}

// New builds the configured provider wrapped in a cache. It returns nil, nil
// when speech is disabled.
func New(cfg Config, observer CacheObserver) (Synthesizer, error) {
	var provider Synthesizer
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "":
		return nil, nil
	case "elevenlabs":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("elevenlabs provider requires an API key")
		}
		provider = NewElevenLabs(cfg.APIKey, cfg.VoiceID, cfg.BaseURL, nil)
	case "local":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("local provider requires a base URL")
		}
		provider = NewLocal(cfg.BaseURL, 0, nil)
	default:
		return nil, fmt.Errorf("unknown speech provider %q", cfg.Provider)
	}
	return NewCached(provider, cfg.CacheSize, cfg.CacheTTL, observer), nil
}

// SpeakArtifact synthesizes the spoken summary of a completed analysis.
func SpeakArtifact(ctx context.Context, s Synthesizer, a stream.Artifact) (*Audio, error) {
	details, err := nutrition.ParseArtifact(a)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(details.Summary) == "" {
		return nil, ErrEmptyText
	}
	return s.Synthesize(ctx, details.Summary)
}
