// Package models contains data structures for the application's domain models.
package models

import (
	"time"

	"gorm.io/gorm"
)

// Post lifecycle status values. A post holds exactly one at any time.
const (
	StatusDraft     = "draft"
	StatusScheduled = "scheduled"
	StatusPosting   = "posting"
	StatusPosted    = "posted"
	StatusFailed    = "failed"
)

// Post is the unit of scheduled work: one record per LinkedIn post the user
// wants published by the automation agent.
type Post struct {
	ID uint `gorm:"primaryKey" json:"id"`
	// TrackingID is minted client-side before the store ID exists and is used
	// to correlate agent events that arrive before persistence completes.
	TrackingID string `gorm:"index" json:"tracking_id,omitempty"`
	UserID     uint   `gorm:"not null;index" json:"user_id"`

	Content  string `gorm:"type:text;not null" json:"content"`
	ImageURL string `json:"image_url,omitempty"`

	Status        string     `gorm:"not null;default:draft;index" json:"status"`
	ScheduledTime *time.Time `gorm:"index" json:"scheduled_time,omitempty"`
	PostedAt      *time.Time `json:"posted_at,omitempty"`

	// Retry bookkeeping. RetryCount only increases; it resets to zero only via
	// an explicit user retry, which also clears LastError and NextRetryAt.
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// Publication evidence, write-once per publish cycle.
	LinkedInPostID  string `json:"linkedin_post_id,omitempty"`
	LinkedInPostURL string `json:"linkedin_post_url,omitempty"`

	// Engagement telemetry, written only by the sanitizer pipeline.
	ViewsCount    int        `json:"views_count"`
	LikesCount    int        `json:"likes_count"`
	CommentsCount int        `json:"comments_count"`
	SharesCount   int        `json:"shares_count"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Terminal reports whether the post is in a state from which no automatic
// transition occurs (failed remains terminal until a user retry).
func (p *Post) Terminal() bool {
	return p.Status == StatusPosted || p.Status == StatusFailed
}

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s string) bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusPosting, StatusPosted, StatusFailed:
		return true
	}
	return false
}

// AgentSession is the credential bundle relayed to the automation agent on
// sign-in, token refresh, and whenever the agent signals it is ready.
type AgentSession struct {
	UserID       uint   `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// PostFilter narrows repository list queries.
type PostFilter struct {
	UserID uint
	Status string
	// Inclusive scheduled-time window; zero values mean unbounded.
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
