// Package service implements the user-facing operations over posts; handlers
// stay thin and all validation lives here.
package service

import (
	"context"
	"strings"
	"time"

	"linkpilot/internal/lifecycle"
	"linkpilot/internal/models"
	"linkpilot/internal/repository"
	"linkpilot/internal/timeparse"

	"github.com/google/uuid"
)

const maxContentLen = 3000 // LinkedIn's visible post limit

// PostService coordinates the repository, the lifecycle controller, and the
// schedule-time parser.
type PostService struct {
	repo  repository.PostRepository
	ctrl  *lifecycle.Controller
	civil *time.Location
	clock func() time.Time
}

// NewPostService creates a PostService. civil is the fixed timezone used to
// interpret user-facing schedule times.
func NewPostService(repo repository.PostRepository, ctrl *lifecycle.Controller, civil *time.Location) *PostService {
	return &PostService{
		repo:  repo,
		ctrl:  ctrl,
		civil: civil,
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// CreatePostInput carries a new post. ScheduleAt is free text ("tomorrow
// morning", "in 2 hours") or a structured instant; empty means draft.
type CreatePostInput struct {
	UserID     uint
	Content    string
	ImageURL   string
	ScheduleAt string
	// TrackingID is client-minted for pre-persistence correlation; one is
	// assigned here when the client did not provide one.
	TrackingID string
}

// UpdatePostInput edits content while a post is still draft or scheduled.
type UpdatePostInput struct {
	UserID   uint
	PostID   uint
	Content  string
	ImageURL string
}

// CreatePost persists a new post as draft, or as scheduled when ScheduleAt
// resolves to a future instant.
func (s *PostService) CreatePost(ctx context.Context, in CreatePostInput) (*models.Post, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, models.NewValidationError("Content is required")
	}
	if len(content) > maxContentLen {
		return nil, models.NewValidationError("Content too long (max 3000 characters)")
	}

	trackingID := in.TrackingID
	if trackingID == "" {
		trackingID = uuid.NewString()
	}

	post := &models.Post{
		UserID:     in.UserID,
		TrackingID: trackingID,
		Content:    content,
		ImageURL:   in.ImageURL,
		Status:     models.StatusDraft,
	}
	if err := s.repo.Create(ctx, post); err != nil {
		return nil, err
	}

	if in.ScheduleAt == "" {
		return post, nil
	}
	return s.SchedulePost(ctx, in.UserID, post.ID, in.ScheduleAt)
}

// SchedulePost parses the schedule time and moves the post to scheduled.
func (s *PostService) SchedulePost(ctx context.Context, userID, postID uint, scheduleAt string) (*models.Post, error) {
	if _, err := s.owned(ctx, userID, postID); err != nil {
		return nil, err
	}

	at, err := timeparse.Parse(scheduleAt, s.clock(), s.civil)
	if err != nil {
		return nil, models.NewValidationError("Could not understand the schedule time")
	}
	return s.ctrl.Schedule(ctx, postID, at)
}

// CancelSchedule returns a scheduled post to draft.
func (s *PostService) CancelSchedule(ctx context.Context, userID, postID uint) (*models.Post, error) {
	if _, err := s.owned(ctx, userID, postID); err != nil {
		return nil, err
	}
	return s.ctrl.Cancel(ctx, postID)
}

// RetryPost re-enters scheduled from failed. retryAt is optional free text;
// empty retries as soon as the due scanner runs.
func (s *PostService) RetryPost(ctx context.Context, userID, postID uint, retryAt string) (*models.Post, error) {
	if _, err := s.owned(ctx, userID, postID); err != nil {
		return nil, err
	}

	var at time.Time
	if retryAt != "" {
		parsed, err := timeparse.Parse(retryAt, s.clock(), s.civil)
		if err != nil {
			return nil, models.NewValidationError("Could not understand the retry time")
		}
		at = parsed
	}
	return s.ctrl.Retry(ctx, postID, at)
}

// PostNow dispatches a post to the agent immediately.
func (s *PostService) PostNow(ctx context.Context, userID, postID uint) (*models.Post, error) {
	post, err := s.owned(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	if post.Status == models.StatusDraft {
		// POST_NOW on a draft implies consent to publish; route through
		// scheduled so the transition table stays the single authority.
		if _, err := s.ctrl.Schedule(ctx, postID, s.clock().Add(time.Second)); err != nil {
			return nil, err
		}
	}
	return s.ctrl.Dispatch(ctx, postID)
}

// UpdatePost edits content for a post that has not started publishing.
func (s *PostService) UpdatePost(ctx context.Context, in UpdatePostInput) (*models.Post, error) {
	post, err := s.owned(ctx, in.UserID, in.PostID)
	if err != nil {
		return nil, err
	}
	if post.Status != models.StatusDraft && post.Status != models.StatusScheduled {
		return nil, models.NewValidationError("only draft or scheduled posts can be edited")
	}

	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, models.NewValidationError("Content is required")
	}
	if len(content) > maxContentLen {
		return nil, models.NewValidationError("Content too long (max 3000 characters)")
	}

	return s.repo.Update(ctx, in.PostID, map[string]any{
		"content":   content,
		"image_url": in.ImageURL,
	})
}

// DeletePost removes a post. Deletion is always a user action; incoming
// events for the deleted id are subsequently logged and discarded by the
// controller.
func (s *PostService) DeletePost(ctx context.Context, userID, postID uint) error {
	if _, err := s.owned(ctx, userID, postID); err != nil {
		return err
	}
	return s.repo.Delete(ctx, postID)
}

// GetPost returns one post scoped to its owner.
func (s *PostService) GetPost(ctx context.Context, userID, postID uint) (*models.Post, error) {
	return s.owned(ctx, userID, postID)
}

// ListPosts returns the user's posts, optionally narrowed by status and
// scheduled-time range.
func (s *PostService) ListPosts(ctx context.Context, filter models.PostFilter) ([]*models.Post, error) {
	if filter.UserID == 0 {
		return nil, models.NewValidationError("user scope is required")
	}
	if filter.Status != "" && !models.ValidStatus(filter.Status) {
		return nil, models.NewValidationError("unknown status filter")
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	return s.repo.List(ctx, filter)
}

func (s *PostService) owned(ctx context.Context, userID, postID uint) (*models.Post, error) {
	post, err := s.repo.GetByID(ctx, postID)
	if err != nil {
		return nil, models.NewNotFoundError("post", postID)
	}
	if post.UserID != userID {
		return nil, models.NewNotFoundError("post", postID)
	}
	return post, nil
}
