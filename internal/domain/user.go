// Package domain contains core domain types for the nutrition analysis relay.
package domain

import (
	"strings"
	"time"

	"github.com/Cybrite/project-amobagan/internal/stream"
)

// User represents a relay user and their stored profile.
type User struct {
	UserID      string      `json:"user_id"`
	Username    string      `json:"username"`
	Preferences Preferences `json:"preferences"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Preferences is the dietary and health profile collected during onboarding.
type Preferences struct {
	Name                string   `json:"name,omitempty"`
	HealthGoals         []string `json:"health_goals"`
	DietaryPreferences  []string `json:"dietary_preferences"`
	NutritionPriorities []string `json:"nutrition_priorities"`
}

// IsEmpty returns true if no preference has been set.
func (p Preferences) IsEmpty() bool {
	return strings.TrimSpace(p.Name) == "" &&
		len(p.HealthGoals) == 0 &&
		len(p.DietaryPreferences) == 0 &&
		len(p.NutritionPriorities) == 0
}

// StreamPreferences converts the profile into the request preference set.
// An empty profile yields nil so the request omits user_preferences.
func (u *User) StreamPreferences() *stream.Preferences {
	if u == nil || u.Preferences.IsEmpty() {
		return nil
	}
	p := u.Preferences
	return &stream.Preferences{
		HealthGoals:         p.HealthGoals,
		DietaryPreferences:  p.DietaryPreferences,
		NutritionPriorities: p.NutritionPriorities,
		UserName:            strings.TrimSpace(p.Name),
	}
}
