// Package repository provides data access layer implementations for the application.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"linkpilot/internal/models"
	"linkpilot/internal/notifications"

	"gorm.io/gorm"
)

// Change-notification types carried on the posts:user:<id> Redis channel.
const (
	ChangePostUpdated = "post_changed"
	ChangePostDeleted = "post_deleted"
)

// ChangeMessage is the store-subscription push emitted after every write.
// Consumers reconcile by full-record replace on id.
type ChangeMessage struct {
	Type string       `json:"type"`
	Post *models.Post `json:"post,omitempty"`
	ID   uint         `json:"id,omitempty"`
}

// PostRepository defines the interface for post data operations.
type PostRepository interface {
	Create(ctx context.Context, post *models.Post) error
	GetByID(ctx context.Context, id uint) (*models.Post, error)
	GetByTrackingID(ctx context.Context, trackingID string) (*models.Post, error)
	// Update replaces the named fields and returns the stored record.
	// Mutation is whole-record or named-field replace, never a numeric
	// increment, so repeated application is idempotent.
	Update(ctx context.Context, id uint, fields map[string]any) (*models.Post, error)
	Delete(ctx context.Context, id uint) error
	List(ctx context.Context, filter models.PostFilter) ([]*models.Post, error)
	// ListDue returns scheduled posts whose scheduled_time is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Post, error)
	// ListWorkingSet returns the user's recently active posts for poll
	// reconciliation.
	ListWorkingSet(ctx context.Context, userID uint) ([]*models.Post, error)
	// ListPosted returns published posts eligible for telemetry refresh.
	ListPosted(ctx context.Context, limit int) ([]*models.Post, error)
}

// postRepository implements PostRepository over GORM. Every successful write
// publishes a store-subscription push through the notifier.
type postRepository struct {
	db       *gorm.DB
	notifier *notifications.Notifier
}

// NewPostRepository creates a new post repository. notifier may be nil in
// tests; writes then skip change publication.
func NewPostRepository(db *gorm.DB, notifier *notifications.Notifier) PostRepository {
	return &postRepository{db: db, notifier: notifier}
}

func (r *postRepository) Create(ctx context.Context, post *models.Post) error {
	if err := r.db.WithContext(ctx).Create(post).Error; err != nil {
		return err
	}
	r.publishChange(ctx, post)
	return nil
}

func (r *postRepository) GetByID(ctx context.Context, id uint) (*models.Post, error) {
	var post models.Post
	err := r.db.WithContext(ctx).First(&post, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrPostNotFound
	}
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (r *postRepository) GetByTrackingID(ctx context.Context, trackingID string) (*models.Post, error) {
	if trackingID == "" {
		return nil, models.ErrPostNotFound
	}
	var post models.Post
	err := r.db.WithContext(ctx).Where("tracking_id = ?", trackingID).First(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrPostNotFound
	}
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (r *postRepository) Update(ctx context.Context, id uint, fields map[string]any) (*models.Post, error) {
	res := r.db.WithContext(ctx).Model(&models.Post{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, models.ErrPostNotFound
	}

	post, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.publishChange(ctx, post)
	return post, nil
}

func (r *postRepository) Delete(ctx context.Context, id uint) error {
	post, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Delete(&models.Post{}, id).Error; err != nil {
		return err
	}
	r.publishDeletion(ctx, post.UserID, id)
	return nil
}

func (r *postRepository) List(ctx context.Context, filter models.PostFilter) ([]*models.Post, error) {
	q := r.db.WithContext(ctx).Model(&models.Post{})
	if filter.UserID != 0 {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if !filter.From.IsZero() {
		q = q.Where("scheduled_time >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		q = q.Where("scheduled_time <= ?", filter.To)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var posts []*models.Post
	err := q.Order("created_at DESC").Find(&posts).Error
	return posts, err
}

func (r *postRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Post, error) {
	var posts []*models.Post
	q := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_time IS NOT NULL AND scheduled_time <= ?", models.StatusScheduled, now).
		Order("scheduled_time ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&posts).Error
	return posts, err
}

func (r *postRepository) ListWorkingSet(ctx context.Context, userID uint) ([]*models.Post, error) {
	var posts []*models.Post
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(200).
		Find(&posts).Error
	return posts, err
}

func (r *postRepository) ListPosted(ctx context.Context, limit int) ([]*models.Post, error) {
	var posts []*models.Post
	q := r.db.WithContext(ctx).
		Where("status = ?", models.StatusPosted).
		Order("posted_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&posts).Error
	return posts, err
}

func (r *postRepository) publishChange(ctx context.Context, post *models.Post) {
	r.publish(ctx, post.UserID, ChangeMessage{Type: ChangePostUpdated, Post: post})
}

func (r *postRepository) publishDeletion(ctx context.Context, userID, id uint) {
	r.publish(ctx, userID, ChangeMessage{Type: ChangePostDeleted, ID: id})
}

func (r *postRepository) publish(ctx context.Context, userID uint, msg ChangeMessage) {
	if r.notifier == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("failed to marshal %s notification: %v", msg.Type, err)
		return
	}
	if err := r.notifier.PublishPostChange(ctx, userID, string(data)); err != nil {
		log.Printf("failed to publish %s for user %d: %v", msg.Type, userID, err)
	}
}
