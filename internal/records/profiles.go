package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ScentProfile is the user's answers to the preferences quiz.
type ScentProfile struct {
	Vibe       string   `json:"vibe"`
	Scene      string   `json:"scene"`
	Elements   []string `json:"elements"`
	Loved      string   `json:"loved,omitempty"`
	Disliked   string   `json:"disliked,omitempty"`
	Sillage    string   `json:"sillage,omitempty"`
	Longevity  string   `json:"longevity,omitempty"`
	Additional string   `json:"additional,omitempty"`
}

// Validate checks the required quiz answers.
func (p ScentProfile) Validate() error {
	var missing []string
	if strings.TrimSpace(p.Vibe) == "" {
		missing = append(missing, "vibe")
	}
	if strings.TrimSpace(p.Scene) == "" {
		missing = append(missing, "scene")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Document renders the profile as the free text stored in the user's
// profile document, which is what the concierge sees at retrieval.
func (p ScentProfile) Document() string {
	var sb strings.Builder
	line := func(label, v string) {
		if v = strings.TrimSpace(v); v != "" {
			fmt.Fprintf(&sb, "%s: %s\n", label, v)
		}
	}
	line("Vibe", p.Vibe)
	line("Scene", p.Scene)
	line("Preferred elements", strings.Join(p.Elements, ", "))
	line("Loves", p.Loved)
	line("Dislikes", p.Disliked)
	line("Sillage preference", p.Sillage)
	line("Longevity preference", p.Longevity)
	line("Additional notes", p.Additional)
	return strings.TrimRight(sb.String(), "\n")
}

// StoredProfile is a ScentProfile with its owner and write time.
type StoredProfile struct {
	UserID    string       `json:"user_id"`
	Profile   ScentProfile `json:"profile"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// GetProfile returns the user's scent profile, or ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, userID string) (*StoredProfile, error) {
	var raw, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT profile, updated_at FROM scent_profiles WHERE user_id = ?`, userID,
	).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	sp := &StoredProfile{UserID: userID}
	if err := json.Unmarshal([]byte(raw), &sp.Profile); err != nil {
		return nil, fmt.Errorf("decode profile for %s: %w", userID, err)
	}
	sp.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return sp, nil
}

// UpsertProfile replaces the user's scent profile.
func (s *Store) UpsertProfile(ctx context.Context, userID string, p ScentProfile) (*StoredProfile, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Elements == nil {
		p.Elements = []string{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scent_profiles (user_id, profile, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			profile = excluded.profile,
			updated_at = excluded.updated_at
	`, userID, string(raw), now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("upsert profile: %w", err)
	}

	s.logger.Debug("scent profile saved", "user_id", userID)
	return &StoredProfile{UserID: userID, Profile: p, UpdatedAt: now}, nil
}

// DeleteProfile removes the user's scent profile, or returns ErrNotFound.
func (s *Store) DeleteProfile(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scent_profiles WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
