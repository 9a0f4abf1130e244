// Package lifecycle owns the post state machine. The controller is the single
// authority allowed to request a state transition be persisted; every other
// component feeds it events and accepts its decisions.
package lifecycle

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"linkpilot/internal/bridge"
	"linkpilot/internal/middleware"
	"linkpilot/internal/models"
	"linkpilot/internal/repository"
)

// Sender is the outbound half of the agent bridge used by the controller.
type Sender interface {
	SchedulePosts(userID uint, posts []bridge.PostPayload) error
	PostNow(userID uint, post bridge.PostPayload) error
}

// Controller applies the transition table and decides what gets persisted.
type Controller struct {
	repo  repository.PostRepository
	agent Sender
	clock func() time.Time

	publishTimeout time.Duration

	// inflight tracks optimistic dispatches for the supervisory timeout.
	mu       sync.Mutex
	inflight map[uint]time.Time
}

// New creates a Controller. publishTimeout bounds how long a post may remain
// in `posting` without a terminal event before it is failed synthetically.
func New(repo repository.PostRepository, agent Sender, publishTimeout time.Duration) *Controller {
	return &Controller{
		repo:           repo,
		agent:          agent,
		clock:          func() time.Time { return time.Now().UTC() },
		publishTimeout: publishTimeout,
		inflight:       make(map[uint]time.Time),
	}
}

// SetClock overrides the time source. Tests only.
func (c *Controller) SetClock(clock func() time.Time) { c.clock = clock }

// Allowed reports whether the transition table permits applying the given
// event kind to a post currently in status. Duplicate terminal events and
// stray out-of-order deliveries map to false and are dropped by the caller.
func Allowed(status, eventType string) bool {
	switch eventType {
	case bridge.EventPostScheduled:
		// Agent acknowledgment of a queued post; informational, any state.
		return status == models.StatusScheduled
	case bridge.EventPostStarting, bridge.EventPostFilling:
		// The agent may begin an attempt from its own queue without a local
		// optimistic dispatch, so scheduled -> posting is reachable here too.
		return status == models.StatusScheduled || status == models.StatusPosting
	case bridge.EventPostPublished, bridge.EventPostSuccess,
		bridge.EventPostFailed, bridge.EventPostURLFailed,
		bridge.EventPostRetrying:
		return status == models.StatusPosting
	}
	return false
}

// Schedule moves draft -> scheduled. The instant must be strictly in the
// future at the moment of scheduling.
func (c *Controller) Schedule(ctx context.Context, postID uint, at time.Time) (*models.Post, error) {
	post, err := c.repo.GetByID(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.Status != models.StatusDraft && post.Status != models.StatusScheduled {
		return nil, models.NewValidationError("only draft posts can be scheduled")
	}
	now := c.clock()
	if !at.After(now) {
		return nil, models.NewValidationError("scheduled time must be in the future")
	}

	utc := at.UTC()
	updated, err := c.repo.Update(ctx, postID, map[string]any{
		"status":         models.StatusScheduled,
		"scheduled_time": &utc,
	})
	if err != nil {
		return nil, err
	}

	// Best-effort hand-off to the agent's local queue; the due scanner is
	// the fallback when no agent is attached right now.
	if err := c.agent.SchedulePosts(updated.UserID, []bridge.PostPayload{payloadFor(updated)}); err != nil {
		if !errors.Is(err, models.ErrChannelUnavailable) && !errors.Is(err, models.ErrRequiresRefresh) {
			log.Printf("lifecycle: schedule relay for post %d failed: %v", postID, err)
		}
	}
	return updated, nil
}

// Cancel moves scheduled -> draft and clears the scheduled time.
func (c *Controller) Cancel(ctx context.Context, postID uint) (*models.Post, error) {
	post, err := c.repo.GetByID(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.Status != models.StatusScheduled {
		return nil, models.NewValidationError("only scheduled posts can be cancelled")
	}
	return c.repo.Update(ctx, postID, map[string]any{
		"status":         models.StatusDraft,
		"scheduled_time": nil,
	})
}

// Dispatch moves scheduled -> posting optimistically, the moment the publish
// command is handed to the agent and before any acknowledgment. The next real
// event reconciles the record; the supervisory timeout catches silence.
func (c *Controller) Dispatch(ctx context.Context, postID uint) (*models.Post, error) {
	post, err := c.repo.GetByID(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.Status != models.StatusScheduled {
		return nil, models.NewValidationError("only scheduled posts can be dispatched")
	}

	updated, err := c.repo.Update(ctx, postID, map[string]any{
		"status": models.StatusPosting,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.inflight[postID] = c.clock()
	c.mu.Unlock()

	if err := c.agent.PostNow(updated.UserID, payloadFor(updated)); err != nil {
		// Bridge failures are recorded on the record, never thrown, so the
		// stored state and the observed state cannot diverge.
		return c.fail(ctx, postID, err.Error())
	}
	return updated, nil
}

// DispatchDue dispatches every scheduled post whose time has come.
func (c *Controller) DispatchDue(ctx context.Context) {
	due, err := c.repo.ListDue(ctx, c.clock(), 50)
	if err != nil {
		log.Printf("lifecycle: due scan failed: %v", err)
		return
	}
	for _, post := range due {
		if _, err := c.Dispatch(ctx, post.ID); err != nil {
			log.Printf("lifecycle: dispatch of post %d failed: %v", post.ID, err)
		}
	}
}

// Retry is the only path from failed back to scheduled. It is user-initiated,
// resets retry bookkeeping, and clears publication evidence so the next
// attempt can set it fresh.
func (c *Controller) Retry(ctx context.Context, postID uint, at time.Time) (*models.Post, error) {
	post, err := c.repo.GetByID(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.Status != models.StatusFailed {
		return nil, models.NewValidationError("only failed posts can be retried")
	}
	now := c.clock()
	if at.IsZero() || !at.After(now) {
		at = now.Add(time.Minute)
	}
	utc := at.UTC()

	return c.repo.Update(ctx, postID, map[string]any{
		"status":            models.StatusScheduled,
		"scheduled_time":    &utc,
		"retry_count":       0,
		"last_error":        nil,
		"next_retry_at":     nil,
		"linkedin_post_id":  "",
		"linkedin_post_url": "",
	})
}

// HandleEvent applies one inbound agent event. The post is matched by id
// first, tracking id as fallback (covering the window between optimistic
// local creation and store-confirmed id assignment). Events that contradict
// the transition table, reference deleted posts, or re-apply a satisfied
// terminal state are logged and dropped, never surfaced as errors.
func (c *Controller) HandleEvent(ctx context.Context, ev bridge.Event) {
	switch ev.Type {
	case bridge.EventPostScheduled, bridge.EventPostStarting, bridge.EventPostFilling,
		bridge.EventPostPublished, bridge.EventPostSuccess,
		bridge.EventPostFailed, bridge.EventPostURLFailed, bridge.EventPostRetrying:
	default:
		return
	}

	post, err := c.resolve(ctx, ev)
	if err != nil {
		log.Printf("lifecycle: dropping %s for unknown post (id=%d tracking=%q)", ev.Type, ev.PostID, ev.TrackingID)
		return
	}

	if !Allowed(post.Status, ev.Type) {
		middleware.DroppedTransitions.Inc()
		log.Printf("lifecycle: dropping %s for post %d in status %s: %v", ev.Type, post.ID, post.Status, models.ErrInvalidTransition)
		return
	}

	switch ev.Type {
	case bridge.EventPostScheduled:
		// Agent confirmed the queue entry; nothing to persist.

	case bridge.EventPostStarting, bridge.EventPostFilling:
		if post.Status == models.StatusScheduled {
			if _, err := c.repo.Update(ctx, post.ID, map[string]any{"status": models.StatusPosting}); err != nil {
				log.Printf("lifecycle: persisting %s for post %d failed: %v", ev.Type, post.ID, err)
				return
			}
			c.mu.Lock()
			c.inflight[post.ID] = c.clock()
			c.mu.Unlock()
		}

	case bridge.EventPostPublished, bridge.EventPostSuccess:
		now := c.clock()
		fields := map[string]any{
			"status":    models.StatusPosted,
			"posted_at": &now,
		}
		// Publication evidence is write-once per publish cycle.
		if post.LinkedInPostURL == "" && ev.PostURL != "" {
			fields["linkedin_post_url"] = ev.PostURL
		}
		if post.LinkedInPostID == "" && ev.PlatformID != "" {
			fields["linkedin_post_id"] = ev.PlatformID
		}
		if _, err := c.repo.Update(ctx, post.ID, fields); err != nil {
			log.Printf("lifecycle: persisting publish of post %d failed: %v", post.ID, err)
			return
		}
		c.clearInflight(post.ID)

	case bridge.EventPostFailed, bridge.EventPostURLFailed:
		reason := ev.Error
		if reason == "" {
			reason = models.ErrPublishFailed.Error()
		}
		if _, err := c.fail(ctx, post.ID, reason); err != nil {
			log.Printf("lifecycle: persisting failure of post %d failed: %v", post.ID, err)
		}

	case bridge.EventPostRetrying:
		// Replace with the computed value; never a relative increment.
		if _, err := c.repo.Update(ctx, post.ID, map[string]any{
			"retry_count": post.RetryCount + 1,
		}); err != nil {
			log.Printf("lifecycle: persisting retry count of post %d failed: %v", post.ID, err)
		}
	}
}

// SuperviseTimeouts fails every posting post whose attempt has outlived the
// publish window. Without this a lost terminal event would leave the record
// stuck in `posting` and the retry clock could never start.
func (c *Controller) SuperviseTimeouts(ctx context.Context) {
	now := c.clock()

	posts, err := c.repo.List(ctx, models.PostFilter{Status: models.StatusPosting})
	if err != nil {
		log.Printf("lifecycle: timeout scan failed: %v", err)
		return
	}

	for _, post := range posts {
		c.mu.Lock()
		started, tracked := c.inflight[post.ID]
		c.mu.Unlock()
		if !tracked {
			// Dispatched by a previous process; age by last update.
			started = post.UpdatedAt
		}
		if now.Sub(started) < c.publishTimeout {
			continue
		}
		log.Printf("lifecycle: post %d exceeded publish window, failing: %v", post.ID, models.ErrPublishTimeout)
		if _, err := c.fail(ctx, post.ID, models.ErrPublishTimeout.Error()); err != nil {
			log.Printf("lifecycle: persisting timeout of post %d failed: %v", post.ID, err)
		}
	}
}

func (c *Controller) fail(ctx context.Context, postID uint, reason string) (*models.Post, error) {
	c.clearInflight(postID)
	return c.repo.Update(ctx, postID, map[string]any{
		"status":     models.StatusFailed,
		"last_error": reason,
	})
}

func (c *Controller) clearInflight(postID uint) {
	c.mu.Lock()
	delete(c.inflight, postID)
	c.mu.Unlock()
}

func (c *Controller) resolve(ctx context.Context, ev bridge.Event) (*models.Post, error) {
	if ev.PostID != 0 {
		if post, err := c.repo.GetByID(ctx, ev.PostID); err == nil {
			return post, nil
		}
	}
	return c.repo.GetByTrackingID(ctx, ev.TrackingID)
}

func payloadFor(post *models.Post) bridge.PostPayload {
	return bridge.PostPayload{
		ID:            post.ID,
		TrackingID:    post.TrackingID,
		Content:       post.Content,
		ScheduledTime: post.ScheduledTime,
		ImageURL:      post.ImageURL,
	}
}
