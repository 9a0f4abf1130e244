// Package observer merges three update sources (agent bridge events, store
// subscription pushes, and a fixed-interval poll) into one authoritative
// in-memory view of the user's posts. A single goroutine owns the view; the
// three feeders only enqueue.
package observer

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"linkpilot/internal/bridge"
	"linkpilot/internal/lifecycle"
	"linkpilot/internal/middleware"
	"linkpilot/internal/models"
	"linkpilot/internal/notifications"
	"linkpilot/internal/repository"
)

// Source identifies which channel produced an update. Priority is by
// freshness of first-hand signal: push > store > poll.
type Source string

// Update sources in priority order.
const (
	SourcePush  Source = "push"
	SourceStore Source = "store"
	SourcePoll  Source = "poll"
)

// Reconcile merges one incoming record into the last known view of the same
// post. It is pure: no I/O, no clock. Store pushes and polls are full-record
// replace-on-id, with one guard: a poll may never regress a terminal state
// back to a non-terminal one, since polls can race the push that finished
// the post.
func Reconcile(current, incoming *models.Post, source Source) *models.Post {
	if incoming == nil {
		return current
	}
	if current == nil {
		return incoming
	}
	if source == SourcePoll && current.Terminal() && !incoming.Terminal() {
		return current
	}
	return incoming
}

type update struct {
	source  Source
	userID  uint
	event   *bridge.Event
	post    *models.Post
	deleted uint
}

// Observer runs the reconciliation loop.
type Observer struct {
	repo     repository.PostRepository
	ctrl     *lifecycle.Controller
	interval time.Duration

	updates chan update
	refresh chan struct{}

	mu    sync.RWMutex
	view  map[uint]*models.Post
	users map[uint]struct{}
}

// New creates an Observer polling at the given interval.
func New(repo repository.PostRepository, ctrl *lifecycle.Controller, interval time.Duration) *Observer {
	return &Observer{
		repo:     repo,
		ctrl:     ctrl,
		interval: interval,
		updates:  make(chan update, 256),
		refresh:  make(chan struct{}, 1),
		view:     make(map[uint]*models.Post),
		users:    make(map[uint]struct{}),
	}
}

// Wire attaches the observer's feeders: inbound bridge events and the Redis
// store-subscription channel. A nil notifier leaves only the push and poll
// feeders, which is how a Redis-less single instance runs.
func (o *Observer) Wire(ctx context.Context, br *bridge.Bridge, notifier *notifications.Notifier) error {
	br.Subscribe(func(userID uint, ev bridge.Event) {
		e := ev
		o.enqueue(update{source: SourcePush, userID: userID, event: &e})
	})

	if notifier == nil {
		return nil
	}

	return notifier.StartPatternSubscriber(ctx, func(channel, payload string) {
		userID, ok := notifications.UserIDFromChannel(channel)
		if !ok {
			log.Printf("observer: ignoring message on unexpected channel %s", channel)
			return
		}
		var msg repository.ChangeMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			log.Printf("observer: bad store push for user %d: %v", userID, err)
			return
		}
		switch msg.Type {
		case repository.ChangePostUpdated:
			o.enqueue(update{source: SourceStore, userID: userID, post: msg.Post})
		case repository.ChangePostDeleted:
			o.enqueue(update{source: SourceStore, userID: userID, deleted: msg.ID})
		}
	})
}

// Run owns the view until ctx is cancelled. All mutation happens here.
func (o *Observer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-o.updates:
			o.apply(ctx, u)
		case <-ticker.C:
			o.poll(ctx)
		case <-o.refresh:
			o.poll(ctx)
		}
	}
}

// RefreshNow triggers an opportunistic poll outside the fixed interval, e.g.
// when a client regains focus and asks for a resync.
func (o *Observer) RefreshNow() {
	select {
	case o.refresh <- struct{}{}:
	default:
	}
}

// Snapshot returns the current view of one user's posts.
func (o *Observer) Snapshot(userID uint) []*models.Post {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var posts []*models.Post
	for _, p := range o.view {
		if p.UserID == userID {
			posts = append(posts, p)
		}
	}
	return posts
}

// Get returns the current view of a single post.
func (o *Observer) Get(postID uint) (*models.Post, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.view[postID]
	return p, ok
}

func (o *Observer) enqueue(u update) {
	select {
	case o.updates <- u:
	default:
		log.Printf("observer: update queue full, dropping %s update", u.source)
	}
}

func (o *Observer) apply(ctx context.Context, u update) {
	middleware.ObserverMerges.WithLabelValues(string(u.source)).Inc()

	if u.userID != 0 {
		o.mu.Lock()
		o.users[u.userID] = struct{}{}
		o.mu.Unlock()
	}

	switch {
	case u.event != nil:
		o.applyEvent(ctx, *u.event)
	case u.deleted != 0:
		o.mu.Lock()
		delete(o.view, u.deleted)
		o.mu.Unlock()
	case u.post != nil:
		o.merge(u.post, u.source)
	}
}

// applyEvent folds a bridge event into the view immediately, since push
// carries the freshest first-hand signal, then hands it to the controller,
// the only component allowed to persist a transition.
func (o *Observer) applyEvent(ctx context.Context, ev bridge.Event) {
	if projected := o.project(ev); projected != nil {
		o.merge(projected, SourcePush)
	}
	o.ctrl.HandleEvent(ctx, ev)
}

// project synthesizes the post-event view record for a lifecycle event, or
// nil when the event carries nothing view-worthy.
func (o *Observer) project(ev bridge.Event) *models.Post {
	if ev.PostID == 0 {
		return nil
	}
	o.mu.RLock()
	current, ok := o.view[ev.PostID]
	o.mu.RUnlock()
	if !ok {
		return nil
	}
	if !lifecycle.Allowed(current.Status, ev.Type) {
		return nil
	}

	next := *current
	switch ev.Type {
	case bridge.EventPostStarting, bridge.EventPostFilling:
		next.Status = models.StatusPosting
	case bridge.EventPostPublished, bridge.EventPostSuccess:
		next.Status = models.StatusPosted
		now := ev.ReceivedAt
		next.PostedAt = &now
		if next.LinkedInPostURL == "" {
			next.LinkedInPostURL = ev.PostURL
		}
		if next.LinkedInPostID == "" {
			next.LinkedInPostID = ev.PlatformID
		}
	case bridge.EventPostFailed, bridge.EventPostURLFailed:
		next.Status = models.StatusFailed
		reason := ev.Error
		if reason == "" {
			reason = models.ErrPublishFailed.Error()
		}
		next.LastError = &reason
	default:
		return nil
	}
	return &next
}

func (o *Observer) merge(incoming *models.Post, source Source) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.view[incoming.ID] = Reconcile(o.view[incoming.ID], incoming, source)
	o.users[incoming.UserID] = struct{}{}
}

// poll refetches every known user's working set and reconciles by
// replace-on-id. It is the fallback covering missed pushes; the Reconcile
// guard keeps it from regressing terminal states.
func (o *Observer) poll(ctx context.Context) {
	o.mu.RLock()
	users := make([]uint, 0, len(o.users))
	for id := range o.users {
		users = append(users, id)
	}
	o.mu.RUnlock()

	for _, userID := range users {
		posts, err := o.repo.ListWorkingSet(ctx, userID)
		if err != nil {
			log.Printf("observer: poll for user %d failed: %v", userID, err)
			continue
		}
		for _, p := range posts {
			middleware.ObserverMerges.WithLabelValues(string(SourcePoll)).Inc()
			o.merge(p, SourcePoll)
		}
	}
}

// Track registers a user for poll coverage before any event names them.
func (o *Observer) Track(userID uint) {
	o.mu.Lock()
	o.users[userID] = struct{}{}
	o.mu.Unlock()
}
