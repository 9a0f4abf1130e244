package repository

import (
	"context"
	"testing"
	"time"

	"linkpilot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPost(t *testing.T, repo PostRepository, status string) *models.Post {
	t.Helper()
	post := &models.Post{
		UserID:     1,
		TrackingID: "trk-" + status + "-" + time.Now().Format("150405.000000"),
		Content:    "test content",
		Status:     status,
	}
	require.NoError(t, repo.Create(context.Background(), post))
	return post
}

func TestPostCRUD(t *testing.T) {
	truncatePosts(t)
	repo := NewPostRepository(testDB, nil)
	ctx := context.Background()

	post := newTestPost(t, repo, models.StatusDraft)
	require.NotZero(t, post.ID)

	got, err := repo.GetByID(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, "test content", got.Content)
	assert.Equal(t, models.StatusDraft, got.Status)

	byTracking, err := repo.GetByTrackingID(ctx, post.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, post.ID, byTracking.ID)

	require.NoError(t, repo.Delete(ctx, post.ID))
	_, err = repo.GetByID(ctx, post.ID)
	assert.ErrorIs(t, err, models.ErrPostNotFound)
}

func TestGetMissingPost(t *testing.T) {
	truncatePosts(t)
	repo := NewPostRepository(testDB, nil)

	_, err := repo.GetByID(context.Background(), 9999)
	assert.ErrorIs(t, err, models.ErrPostNotFound)

	_, err = repo.GetByTrackingID(context.Background(), "")
	assert.ErrorIs(t, err, models.ErrPostNotFound)
}

func TestUpdateReplacesNamedFields(t *testing.T) {
	truncatePosts(t)
	repo := NewPostRepository(testDB, nil)
	ctx := context.Background()

	post := newTestPost(t, repo, models.StatusDraft)

	at := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	updated, err := repo.Update(ctx, post.ID, map[string]any{
		"status":         models.StatusScheduled,
		"scheduled_time": &at,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, updated.Status)
	require.NotNil(t, updated.ScheduledTime)
	assert.WithinDuration(t, at, *updated.ScheduledTime, time.Second)

	// Repeating the same update is a no-op on the outcome.
	again, err := repo.Update(ctx, post.ID, map[string]any{
		"status":         models.StatusScheduled,
		"scheduled_time": &at,
	})
	require.NoError(t, err)
	assert.Equal(t, updated.Status, again.Status)
	assert.WithinDuration(t, *updated.ScheduledTime, *again.ScheduledTime, time.Second)
}

func TestUpdateMissingPost(t *testing.T) {
	truncatePosts(t)
	repo := NewPostRepository(testDB, nil)

	_, err := repo.Update(context.Background(), 4242, map[string]any{"status": models.StatusFailed})
	assert.ErrorIs(t, err, models.ErrPostNotFound)
}

func TestListFilters(t *testing.T) {
	truncatePosts(t)
	repo := NewPostRepository(testDB, nil)
	ctx := context.Background()

	newTestPost(t, repo, models.StatusDraft)
	scheduled := newTestPost(t, repo, models.StatusScheduled)

	other := &models.Post{UserID: 2, Content: "someone else", Status: models.StatusDraft}
	require.NoError(t, repo.Create(ctx, other))

	mine, err := repo.List(ctx, models.PostFilter{UserID: 1})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	onlyScheduled, err := repo.List(ctx, models.PostFilter{UserID: 1, Status: models.StatusScheduled})
	require.NoError(t, err)
	require.Len(t, onlyScheduled, 1)
	assert.Equal(t, scheduled.ID, onlyScheduled[0].ID)
}

func TestListDueOrdersByScheduledTime(t *testing.T) {
	truncatePosts(t)
	repo := NewPostRepository(testDB, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	later := newTestPost(t, repo, models.StatusScheduled)
	laterAt := now.Add(-time.Minute)
	_, err := repo.Update(ctx, later.ID, map[string]any{"scheduled_time": &laterAt})
	require.NoError(t, err)

	earlier := newTestPost(t, repo, models.StatusScheduled)
	earlierAt := now.Add(-time.Hour)
	_, err = repo.Update(ctx, earlier.ID, map[string]any{"scheduled_time": &earlierAt})
	require.NoError(t, err)

	future := newTestPost(t, repo, models.StatusScheduled)
	futureAt := now.Add(time.Hour)
	_, err = repo.Update(ctx, future.ID, map[string]any{"scheduled_time": &futureAt})
	require.NoError(t, err)

	// Drafts without a scheduled time never show up as due.
	newTestPost(t, repo, models.StatusDraft)

	due, err := repo.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, earlier.ID, due[0].ID)
	assert.Equal(t, later.ID, due[1].ID)
}

func TestListPostedForTelemetry(t *testing.T) {
	truncatePosts(t)
	repo := NewPostRepository(testDB, nil)
	ctx := context.Background()

	posted := newTestPost(t, repo, models.StatusPosted)
	newTestPost(t, repo, models.StatusFailed)

	got, err := repo.ListPosted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, posted.ID, got[0].ID)
}

func TestListWorkingSetScopedToUser(t *testing.T) {
	truncatePosts(t)
	repo := NewPostRepository(testDB, nil)
	ctx := context.Background()

	mine := newTestPost(t, repo, models.StatusPosting)
	other := &models.Post{UserID: 2, Content: "other", Status: models.StatusPosting}
	require.NoError(t, repo.Create(ctx, other))

	got, err := repo.ListWorkingSet(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mine.ID, got[0].ID)
}
