package domain

import (
	"time"

	"github.com/Cybrite/project-amobagan/internal/stream"
)

// Analysis is a completed analysis kept so it can be spoken or consumed
// after its stream has ended.
type Analysis struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Barcode    string     `json:"barcode"`
	Text       string     `json:"text"`
	Tags       []string   `json:"tags"`
	Summary    string     `json:"summary"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewAnalysis records a completed artifact for userID. Analyses are only
// ever built from an Artifact, so every stored row holds final text.
func NewAnalysis(userID string, a stream.Artifact, tags []string, summary string) *Analysis {
	return &Analysis{
		ID:        a.SessionID(),
		UserID:    userID,
		Barcode:   a.Barcode(),
		Text:      a.Text(),
		Tags:      tags,
		Summary:   summary,
		CreatedAt: a.CompletedAt(),
	}
}

// Consumed returns true if the analysis was already marked as consumed.
func (a *Analysis) Consumed() bool {
	return a.ConsumedAt != nil
}

// Artifact rebuilds the stream artifact the analysis was stored from.
func (a *Analysis) Artifact() (stream.Artifact, error) {
	return stream.RestoreArtifact(a.ID, a.Barcode, a.Text, a.CreatedAt)
}

// NutritionalStatus is a per-user counter for one nutritional element.
type NutritionalStatus struct {
	UserID    string    `json:"user_id"`
	Element   string    `json:"element"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}
