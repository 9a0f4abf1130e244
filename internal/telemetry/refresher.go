package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"linkpilot/internal/bridge"
	"linkpilot/internal/models"
	"linkpilot/internal/repository"

	"github.com/robfig/cron/v3"
)

// AnalyticsRequester is the scoped analytics round trip exposed by the
// bridge.
type AnalyticsRequester interface {
	RequestAnalytics(ctx context.Context, userID uint, targetURL string) (bridge.Event, error)
}

// Pipeline is the only writer of engagement counters. Every value passes
// through Sanitize before it reaches durable storage.
type Pipeline struct {
	repo repository.PostRepository
}

// NewPipeline creates the telemetry write path.
func NewPipeline(repo repository.PostRepository) *Pipeline {
	return &Pipeline{repo: repo}
}

// Apply sanitizes and persists one set of raw counters for a post. Counters
// absent from the payload keep their stored value.
func (p *Pipeline) Apply(ctx context.Context, postID uint, counters map[string]any) error {
	if postID == 0 {
		return models.ErrPostNotFound
	}
	if len(counters) == 0 {
		return nil
	}

	now := time.Now().UTC()
	fields := map[string]any{"last_synced_at": &now}
	for key, column := range counterColumns {
		if raw, ok := counters[key]; ok {
			fields[column] = Sanitize(raw)
		}
	}

	_, err := p.repo.Update(ctx, postID, fields)
	return err
}

// HandleEvent folds unsolicited analyticsUpdated pushes into the store.
func (p *Pipeline) HandleEvent(ctx context.Context, ev bridge.Event) {
	if ev.Type != bridge.EventAnalyticsUpdated {
		return
	}
	postID := ev.PostID
	if postID == 0 {
		post, err := p.repo.GetByTrackingID(ctx, ev.TrackingID)
		if err != nil {
			log.Printf("telemetry: dropping analytics for unknown post (tracking=%q)", ev.TrackingID)
			return
		}
		postID = post.ID
	}
	if err := p.Apply(ctx, postID, ev.Counters); err != nil {
		log.Printf("telemetry: applying analytics for post %d failed: %v", postID, err)
	}
}

var counterColumns = map[string]string{
	"views":    "views_count",
	"likes":    "likes_count",
	"comments": "comments_count",
	"shares":   "shares_count",
}

// Refresher drives the periodic engagement refresh over the agent.
type Refresher struct {
	repo     repository.PostRepository
	agent    AnalyticsRequester
	pipeline *Pipeline
	cron     *cron.Cron

	// interItemDelay is a deliberate rate limit against the upstream
	// telemetry source, not a performance knob. Posts are processed strictly
	// one at a time.
	interItemDelay time.Duration
	batchLimit     int
}

// NewRefresher creates a Refresher. The cron entry is added by Start.
func NewRefresher(repo repository.PostRepository, agent AnalyticsRequester, pipeline *Pipeline) *Refresher {
	return &Refresher{
		repo:           repo,
		agent:          agent,
		pipeline:       pipeline,
		cron:           cron.New(),
		interItemDelay: 5 * time.Second,
		batchLimit:     100,
	}
}

// Start schedules the refresh job. spec is a standard 5-field cron
// expression, e.g. "0 */2 * * *" for every two hours.
func (r *Refresher) Start(spec string) error {
	_, err := r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		log.Println("[telemetry] starting engagement refresh")
		start := time.Now()
		if err := r.RefreshAll(ctx); err != nil {
			log.Printf("[telemetry] refresh failed: %v", err)
			return
		}
		log.Printf("[telemetry] refresh completed in %v", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("failed to schedule telemetry refresh: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the cron and waits for a running job to finish.
func (r *Refresher) Stop() context.Context {
	return r.cron.Stop()
}

// RefreshAll walks the published posts one at a time with the mandatory
// inter-item delay. It must not be parallelized.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	posts, err := r.repo.ListPosted(ctx, r.batchLimit)
	if err != nil {
		return err
	}

	for i, post := range posts {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.interItemDelay):
			}
		}

		ev, err := r.agent.RequestAnalytics(ctx, post.UserID, post.LinkedInPostURL)
		if err != nil {
			if errors.Is(err, models.ErrChannelUnavailable) || errors.Is(err, models.ErrRequiresRefresh) {
				// No agent to ask; the rest of the batch will fail the same way.
				return err
			}
			log.Printf("[telemetry] analytics for post %d failed: %v", post.ID, err)
			continue
		}

		if err := r.pipeline.Apply(ctx, post.ID, ev.Counters); err != nil {
			log.Printf("[telemetry] persisting analytics for post %d failed: %v", post.ID, err)
		}
	}

	return nil
}
