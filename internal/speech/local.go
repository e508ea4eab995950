package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Local synthesizes speech with the self-hosted TTS service.
type Local struct {
	baseURL   string
	speakerID int
	client    *http.Client
}

// NewLocal creates a provider for the TTS service at baseURL.
func NewLocal(baseURL string, speakerID int, client *http.Client) *Local {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &Local{
		baseURL:   strings.TrimRight(baseURL, "/"),
		speakerID: speakerID,
		client:    client,
	}
}

type localRequest struct {
	Text      string `json:"text"`
	SpeakerID int    `json:"speaker_id"`
}

type localResponse struct {
	AudioBase64 string `json:"audio_base64"`
	SampleRate  int    `json:"sample_rate"`
	Format      string `json:"format"`
	Error       string `json:"error"`
}

// Synthesize implements Synthesizer.
func (l *Local) Synthesize(ctx context.Context, text string) (*Audio, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	body, err := json.Marshal(localRequest{Text: text, SpeakerID: l.speakerID})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/synthesize_json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	var out localResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAudioBytes*2)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tts response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts service returned %d: %s", resp.StatusCode, out.Error)
	}

	data, err := base64.StdEncoding.DecodeString(out.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	format := out.Format
	if format == "" {
		format = "wav"
	}
	return &Audio{
		Data:        data,
		ContentType: "audio/" + format,
		Format:      format,
		SampleRate:  out.SampleRate,
	}, nil
}
