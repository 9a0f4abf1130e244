package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"linkpilot/internal/bridge"
	"linkpilot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRepo is an in-memory PostRepository for controller tests.
type memRepo struct {
	mu     sync.Mutex
	posts  map[uint]*models.Post
	nextID uint
}

func newMemRepo() *memRepo {
	return &memRepo{posts: make(map[uint]*models.Post), nextID: 1}
}

func (r *memRepo) Create(_ context.Context, post *models.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	post.ID = r.nextID
	r.nextID++
	post.CreatedAt = time.Now().UTC()
	post.UpdatedAt = post.CreatedAt
	cp := *post
	r.posts[post.ID] = &cp
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id uint) (*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return nil, models.ErrPostNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) GetByTrackingID(_ context.Context, trackingID string) (*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if trackingID == "" {
		return nil, models.ErrPostNotFound
	}
	for _, p := range r.posts {
		if p.TrackingID == trackingID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, models.ErrPostNotFound
}

func (r *memRepo) Update(_ context.Context, id uint, fields map[string]any) (*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return nil, models.ErrPostNotFound
	}
	applyFields(p, fields)
	cp := *p
	return &cp, nil
}

func (r *memRepo) Delete(_ context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.posts[id]; !ok {
		return models.ErrPostNotFound
	}
	delete(r.posts, id)
	return nil
}

func (r *memRepo) List(_ context.Context, filter models.PostFilter) ([]*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Post
	for _, p := range r.posts {
		if filter.UserID != 0 && p.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Post
	for _, p := range r.posts {
		if p.Status != models.StatusScheduled || p.ScheduledTime == nil {
			continue
		}
		if p.ScheduledTime.After(now) {
			continue
		}
		cp := *p
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) ListWorkingSet(_ context.Context, userID uint) ([]*models.Post, error) {
	return r.List(context.Background(), models.PostFilter{UserID: userID})
}

func (r *memRepo) ListPosted(_ context.Context, limit int) ([]*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Post
	for _, p := range r.posts {
		if p.Status != models.StatusPosted {
			continue
		}
		cp := *p
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func applyFields(p *models.Post, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "status":
			p.Status = v.(string)
		case "scheduled_time":
			p.ScheduledTime = asTimePtr(v)
		case "posted_at":
			p.PostedAt = asTimePtr(v)
		case "next_retry_at":
			p.NextRetryAt = asTimePtr(v)
		case "last_synced_at":
			p.LastSyncedAt = asTimePtr(v)
		case "last_error":
			if v == nil {
				p.LastError = nil
			} else {
				s := v.(string)
				p.LastError = &s
			}
		case "retry_count":
			p.RetryCount = v.(int)
		case "linkedin_post_id":
			p.LinkedInPostID = v.(string)
		case "linkedin_post_url":
			p.LinkedInPostURL = v.(string)
		case "content":
			p.Content = v.(string)
		case "image_url":
			p.ImageURL = v.(string)
		case "views_count":
			p.ViewsCount = v.(int)
		case "likes_count":
			p.LikesCount = v.(int)
		case "comments_count":
			p.CommentsCount = v.(int)
		case "shares_count":
			p.SharesCount = v.(int)
		}
	}
	p.UpdatedAt = time.Now().UTC()
}

func asTimePtr(v any) *time.Time {
	if v == nil {
		return nil
	}
	return v.(*time.Time)
}

// stubSender records outbound commands and can fail on demand.
type stubSender struct {
	mu        sync.Mutex
	scheduled int
	posted    int
	err       error
}

func (s *stubSender) SchedulePosts(uint, []bridge.PostPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled++
	return s.err
}

func (s *stubSender) PostNow(uint, bridge.PostPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posted++
	return s.err
}

func seedPost(t *testing.T, repo *memRepo, status string) *models.Post {
	t.Helper()
	post := &models.Post{
		UserID:     1,
		TrackingID: "trk-1",
		Content:    "hello world",
		Status:     status,
	}
	require.NoError(t, repo.Create(context.Background(), post))
	return post
}

func TestScheduleRejectsPastTime(t *testing.T) {
	repo := newMemRepo()
	ctrl := New(repo, &stubSender{}, 5*time.Minute)
	post := seedPost(t, repo, models.StatusDraft)

	_, err := ctrl.Schedule(context.Background(), post.ID, time.Now().UTC().Add(-time.Minute))
	assert.Error(t, err)

	stored, err := repo.GetByID(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, stored.Status)
}

func TestScheduleMovesDraftToScheduled(t *testing.T) {
	repo := newMemRepo()
	sender := &stubSender{}
	ctrl := New(repo, sender, 5*time.Minute)
	post := seedPost(t, repo, models.StatusDraft)

	at := time.Now().UTC().Add(time.Hour)
	updated, err := ctrl.Schedule(context.Background(), post.ID, at)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, updated.Status)
	require.NotNil(t, updated.ScheduledTime)
	assert.WithinDuration(t, at, *updated.ScheduledTime, time.Second)
	assert.Equal(t, 1, sender.scheduled)
}

func TestScheduleSurvivesUnavailableAgent(t *testing.T) {
	repo := newMemRepo()
	ctrl := New(repo, &stubSender{err: models.ErrChannelUnavailable}, 5*time.Minute)
	post := seedPost(t, repo, models.StatusDraft)

	updated, err := ctrl.Schedule(context.Background(), post.ID, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, updated.Status)
}

func TestDispatchIsOptimistic(t *testing.T) {
	repo := newMemRepo()
	sender := &stubSender{}
	ctrl := New(repo, sender, 5*time.Minute)
	post := seedPost(t, repo, models.StatusScheduled)

	updated, err := ctrl.Dispatch(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPosting, updated.Status)
	assert.Equal(t, 1, sender.posted)
}

func TestDispatchRecordsSendFailureOnRecord(t *testing.T) {
	repo := newMemRepo()
	ctrl := New(repo, &stubSender{err: models.ErrChannelUnavailable}, 5*time.Minute)
	post := seedPost(t, repo, models.StatusScheduled)

	updated, err := ctrl.Dispatch(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updated.Status)
	require.NotNil(t, updated.LastError)
	assert.Equal(t, models.ErrChannelUnavailable.Error(), *updated.LastError)
}

func TestHandleEventPublishedIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	ctrl := New(repo, &stubSender{}, 5*time.Minute)
	post := seedPost(t, repo, models.StatusPosting)

	ev := bridge.Event{
		Type:       bridge.EventPostPublished,
		PostID:     post.ID,
		PostURL:    "https://www.linkedin.com/feed/update/urn:li:activity:1",
		PlatformID: "urn:li:activity:1",
	}
	ctrl.HandleEvent(context.Background(), ev)

	first, err := repo.GetByID(context.Background(), post.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPosted, first.Status)
	require.NotNil(t, first.PostedAt)

	// A duplicate delivery is dropped without mutation.
	ctrl.HandleEvent(context.Background(), ev)

	second, err := repo.GetByID(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.PostedAt, second.PostedAt)
	assert.Equal(t, first.LinkedInPostURL, second.LinkedInPostURL)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestHandleEventStrayFailureAfterPublishIsDropped(t *testing.T) {
	repo := newMemRepo()
	ctrl := New(repo, &stubSender{}, 5*time.Minute)
	post := seedPost(t, repo, models.StatusPosted)

	ctrl.HandleEvent(context.Background(), bridge.Event{
		Type:   bridge.EventPostFailed,
		PostID: post.ID,
		Error:  "late failure",
	})

	stored, err := repo.GetByID(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPosted, stored.Status)
	assert.Nil(t, stored.LastError)
}

func TestHandleEventUnknownPostIsDropped(t *testing.T) {
	repo := newMemRepo()
	ctrl := New(repo, &stubSender{}, 5*time.Minute)

	// Must not panic or error; the event is logged and discarded.
	ctrl.HandleEvent(context.Background(), bridge.Event{
		Type:   bridge.EventPostPublished,
		PostID: 999,
	})
}

func TestHandleEventResolvesByTrackingID(t *testing.T) {
	repo := newMemRepo()
	ctrl := New(repo, &stubSender{}, 5*time.Minute)
	post := seedPost(t, repo, models.StatusPosting)

	ctrl.HandleEvent(context.Background(), bridge.Event{
		Type:       bridge.EventPostPublished,
		TrackingID: post.TrackingID,
	})

	stored, err := repo.GetByID(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPosted, stored.Status)
}

func TestHandleEventStartingFromScheduled(t *testing.T) {
	repo := newMemRepo()
	ctrl := New(repo, &stubSender{}, 5*time.Minute)
	post := seedPost(t, repo, models.StatusScheduled)

	ctrl.HandleEvent(context.Background(), bridge.Event{
		Type:   bridge.EventPostStarting,
		PostID: post.ID,
	})

	stored, err := repo.GetByID(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPosting, stored.Status)
}

func TestHandleEventRetryingReplacesCount(t *testing.T) {
	repo := newMemRepo()
	ctrl := New(repo, &stubSender{}, 5*time.Minute)
	post := seedPost(t, repo, models.StatusPosting)

	ev := bridge.Event{Type: bridge.EventPostRetrying, PostID: post.ID}
	ctrl.HandleEvent(context.Background(), ev)
	ctrl.HandleEvent(context.Background(), ev)

	stored, err := repo.GetByID(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RetryCount)
}

func TestRetryOnlyFromFailed(t *testing.T) {
	repo := newMemRepo()
	ctrl := New(repo, &stubSender{}, 5*time.Minute)
	post := seedPost(t, repo, models.StatusScheduled)

	_, err := ctrl.Retry(context.Background(), post.ID, time.Time{})
	assert.Error(t, err)
}

func TestRetryResetsBookkeepingAndEvidence(t *testing.T) {
	repo := newMemRepo()
	ctrl := New(repo, &stubSender{}, 5*time.Minute)
	post := seedPost(t, repo, models.StatusFailed)

	lastErr := "element not found"
	_, err := repo.Update(context.Background(), post.ID, map[string]any{
		"retry_count":       3,
		"last_error":        lastErr,
		"linkedin_post_id":  "urn:li:activity:9",
		"linkedin_post_url": "https://example.com/9",
	})
	require.NoError(t, err)

	updated, err := ctrl.Retry(context.Background(), post.ID, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, updated.Status)
	assert.Equal(t, 0, updated.RetryCount)
	assert.Nil(t, updated.LastError)
	assert.Nil(t, updated.NextRetryAt)
	assert.Empty(t, updated.LinkedInPostID)
	assert.Empty(t, updated.LinkedInPostURL)
}

func TestSuperviseTimeoutsFailsStalledPosting(t *testing.T) {
	repo := newMemRepo()
	ctrl := New(repo, &stubSender{}, 5*time.Minute)

	base := time.Now().UTC()
	ctrl.SetClock(func() time.Time { return base })

	post := seedPost(t, repo, models.StatusScheduled)
	_, err := ctrl.Dispatch(context.Background(), post.ID)
	require.NoError(t, err)

	// Inside the window nothing happens.
	ctrl.SetClock(func() time.Time { return base.Add(4 * time.Minute) })
	ctrl.SuperviseTimeouts(context.Background())
	stored, err := repo.GetByID(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPosting, stored.Status)

	// Past the window the attempt is failed synthetically.
	ctrl.SetClock(func() time.Time { return base.Add(6 * time.Minute) })
	ctrl.SuperviseTimeouts(context.Background())
	stored, err = repo.GetByID(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, models.ErrPublishTimeout.Error(), *stored.LastError)
}

func TestDispatchDueSkipsFuturePosts(t *testing.T) {
	repo := newMemRepo()
	sender := &stubSender{}
	ctrl := New(repo, sender, 5*time.Minute)

	due := seedPost(t, repo, models.StatusScheduled)
	past := time.Now().UTC().Add(-time.Minute)
	_, err := repo.Update(context.Background(), due.ID, map[string]any{"scheduled_time": &past})
	require.NoError(t, err)

	future := seedPost(t, repo, models.StatusScheduled)
	later := time.Now().UTC().Add(time.Hour)
	_, err = repo.Update(context.Background(), future.ID, map[string]any{"scheduled_time": &later})
	require.NoError(t, err)

	ctrl.DispatchDue(context.Background())

	dueStored, err := repo.GetByID(context.Background(), due.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPosting, dueStored.Status)

	futureStored, err := repo.GetByID(context.Background(), future.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, futureStored.Status)
}
