package nutrition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Cybrite/project-amobagan/internal/store"
	"github.com/Cybrite/project-amobagan/internal/stream"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	// ErrNoElements is returned when the analysis names no nutritional element.
	ErrNoElements = errors.New("analysis has no nutritional elements")
	// ErrUnknownUser is returned when the consuming user does not exist.
	ErrUnknownUser = errors.New("user not found")
)

// Recorder forwards a consumption to an external service.
type Recorder interface {
	Record(ctx context.Context, creds stream.CredentialResolver, elements []string) error
}

// Consumption is the outcome of MarkConsumed.
type Consumption struct {
	AnalysisID string    `json:"analysis_id"`
	Elements   []string  `json:"elements"`
	Skipped    []string  `json:"skipped"`
	Forwarded  bool      `json:"forwarded"`
	ConsumedAt time.Time `json:"consumed_at"`
}

// Tracker records that a user consumed an analyzed product.
type Tracker struct {
	repo     store.Repository
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewTracker creates a tracker. recorder may be nil to keep counts local only.
func NewTracker(repo store.Repository, recorder Recorder, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		repo:     repo,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// MarkConsumed counts the artifact's nutritional elements that match the
// user's nutrition priorities. Taking an Artifact means only completed
// analyses can be consumed. Each analysis can be consumed once; the remote
// forward is best effort and does not undo the local record.
func (t *Tracker) MarkConsumed(ctx context.Context, userID string, artifact stream.Artifact, creds stream.CredentialResolver) (*Consumption, error) {
	details, err := ParseArtifact(artifact)
	if err != nil {
		return nil, err
	}
	if len(details.Elements) == 0 {
		return nil, ErrNoElements
	}

	user, err := t.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, ErrUnknownUser
	}

	matched, skipped := FilterByPriorities(details.Elements, user.Preferences.NutritionPriorities)
	at := t.now()
	if err := t.repo.MarkConsumed(ctx, userID, artifact.SessionID(), matched, at); err != nil {
		return nil, err
	}

	c := &Consumption{
		AnalysisID: artifact.SessionID(),
		Elements:   matched,
		Skipped:    skipped,
		ConsumedAt: at,
	}
	t.logger.Info("Consumption recorded",
		"user_id", userID,
		"analysis_id", c.AnalysisID,
		"elements", matched,
		"skipped", len(skipped),
	)

	if t.recorder != nil && len(matched) > 0 {
		if err := t.recorder.Record(ctx, creds, matched); err != nil {
			t.logger.Warn("Failed to forward consumption", "user_id", userID, "error", err)
		} else {
			c.Forwarded = true
		}
	}
	return c, nil
}

// FilterByPriorities title-cases elements and splits them into those matching
// a priority (case-insensitive substring either way) and the rest.
func FilterByPriorities(elements, priorities []string) (matched, skipped []string) {
	title := cases.Title(language.Und)
	matched = []string{}
	for _, element := range elements {
		normalized := title.String(strings.ToLower(strings.TrimSpace(element)))
		if normalized == "" {
			continue
		}
		if matchesPriority(element, priorities) {
			matched = append(matched, normalized)
		} else {
			skipped = append(skipped, normalized)
		}
	}
	return matched, skipped
}

func matchesPriority(element string, priorities []string) bool {
	e := strings.ToLower(strings.TrimSpace(element))
	for _, p := range priorities {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.Contains(p, e) || strings.Contains(e, p) {
			return true
		}
	}
	return false
}
