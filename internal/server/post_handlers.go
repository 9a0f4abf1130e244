package server

import (
	"strconv"
	"time"

	"linkpilot/internal/models"
	"linkpilot/internal/service"

	"github.com/gofiber/fiber/v2"
)

// CreatePostRequest is the body for POST /api/posts.
type CreatePostRequest struct {
	Content    string `json:"content"`
	ImageURL   string `json:"image_url"`
	ScheduleAt string `json:"schedule_at"`
	TrackingID string `json:"tracking_id"`
}

// UpdatePostRequest is the body for PUT /api/posts/:id.
type UpdatePostRequest struct {
	Content  string `json:"content"`
	ImageURL string `json:"image_url"`
}

// ScheduleRequest carries a free-text or structured schedule time.
type ScheduleRequest struct {
	ScheduleAt string `json:"schedule_at"`
}

// SessionRequest is the body for POST /api/agent/session.
type SessionRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func currentUserID(c *fiber.Ctx) uint {
	return c.Locals("userID").(uint)
}

func postIDParam(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return 0, models.NewValidationError("invalid post id")
	}
	return uint(id), nil
}

// CreatePost handles POST /api/posts.
func (s *Server) CreatePost(c *fiber.Ctx) error {
	var req CreatePostRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	post, err := s.postService.CreatePost(c.UserContext(), service.CreatePostInput{
		UserID:     currentUserID(c),
		Content:    req.Content,
		ImageURL:   req.ImageURL,
		ScheduleAt: req.ScheduleAt,
		TrackingID: req.TrackingID,
	})
	if err != nil {
		return models.RespondWithError(c, models.HTTPStatus(err), err)
	}

	s.observer.Track(post.UserID)
	return c.Status(fiber.StatusCreated).JSON(post)
}

// GetPosts handles GET /api/posts with optional status and time filters.
func (s *Server) GetPosts(c *fiber.Ctx) error {
	filter := models.PostFilter{
		UserID: currentUserID(c),
		Status: c.Query("status"),
		Limit:  c.QueryInt("limit", 50),
		Offset: c.QueryInt("offset", 0),
	}
	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filter.From = t
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = t
		}
	}

	posts, err := s.postService.ListPosts(c.UserContext(), filter)
	if err != nil {
		return models.RespondWithError(c, models.HTTPStatus(err), err)
	}
	return c.JSON(fiber.Map{"posts": posts})
}

// GetPost handles GET /api/posts/:id.
func (s *Server) GetPost(c *fiber.Ctx) error {
	id, err := postIDParam(c)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, err)
	}
	post, err := s.postService.GetPost(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return models.RespondWithError(c, models.HTTPStatus(err), err)
	}
	return c.JSON(post)
}

// UpdatePost handles PUT /api/posts/:id.
func (s *Server) UpdatePost(c *fiber.Ctx) error {
	id, err := postIDParam(c)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, err)
	}
	var req UpdatePostRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	post, err := s.postService.UpdatePost(c.UserContext(), service.UpdatePostInput{
		UserID:   currentUserID(c),
		PostID:   id,
		Content:  req.Content,
		ImageURL: req.ImageURL,
	})
	if err != nil {
		return models.RespondWithError(c, models.HTTPStatus(err), err)
	}
	return c.JSON(post)
}

// DeletePost handles DELETE /api/posts/:id.
func (s *Server) DeletePost(c *fiber.Ctx) error {
	id, err := postIDParam(c)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, err)
	}
	if err := s.postService.DeletePost(c.UserContext(), currentUserID(c), id); err != nil {
		return models.RespondWithError(c, models.HTTPStatus(err), err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SchedulePost handles POST /api/posts/:id/schedule.
func (s *Server) SchedulePost(c *fiber.Ctx) error {
	id, err := postIDParam(c)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, err)
	}
	var req ScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	post, err := s.postService.SchedulePost(c.UserContext(), currentUserID(c), id, req.ScheduleAt)
	if err != nil {
		return models.RespondWithError(c, models.HTTPStatus(err), err)
	}
	return c.JSON(post)
}

// CancelSchedule handles POST /api/posts/:id/cancel.
func (s *Server) CancelSchedule(c *fiber.Ctx) error {
	id, err := postIDParam(c)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, err)
	}
	post, err := s.postService.CancelSchedule(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return models.RespondWithError(c, models.HTTPStatus(err), err)
	}
	return c.JSON(post)
}

// RetryPost handles POST /api/posts/:id/retry.
func (s *Server) RetryPost(c *fiber.Ctx) error {
	id, err := postIDParam(c)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, err)
	}
	var req ScheduleRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	post, err := s.postService.RetryPost(c.UserContext(), currentUserID(c), id, req.ScheduleAt)
	if err != nil {
		return models.RespondWithError(c, models.HTTPStatus(err), err)
	}
	return c.JSON(post)
}

// PostNow handles POST /api/posts/:id/publish.
func (s *Server) PostNow(c *fiber.Ctx) error {
	id, err := postIDParam(c)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, err)
	}
	post, err := s.postService.PostNow(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return models.RespondWithError(c, models.HTTPStatus(err), err)
	}
	return c.JSON(post)
}

// GetPostView handles GET /api/view/posts: the observer's merged live view.
func (s *Server) GetPostView(c *fiber.Ctx) error {
	userID := currentUserID(c)
	s.observer.Track(userID)
	return c.JSON(fiber.Map{"posts": s.observer.Snapshot(userID)})
}

// RefreshView handles POST /api/view/refresh: an opportunistic resync ahead
// of the fixed poll interval, e.g. when a client regains focus.
func (s *Server) RefreshView(c *fiber.Ctx) error {
	s.observer.Track(currentUserID(c))
	s.observer.RefreshNow()
	return c.SendStatus(fiber.StatusAccepted)
}

// GetAgentStatus handles GET /api/agent/status.
func (s *Server) GetAgentStatus(c *fiber.Ctx) error {
	return c.JSON(s.bridge.Status(currentUserID(c)))
}

// SetAgentSession handles POST /api/agent/session: stores the credential
// bundle and relays it to the agent if one is attached.
func (s *Server) SetAgentSession(c *fiber.Ctx) error {
	var req SessionRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	if req.AccessToken == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("access_token is required"))
	}

	userID := currentUserID(c)
	session := models.AgentSession{
		UserID:       userID,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
	}
	s.sessions.Put(session)

	// Best effort; the bridge re-relays on the next agent `connected`.
	relayed := s.bridge.SendSession(userID, session) == nil
	return c.JSON(fiber.Map{"stored": true, "relayed": relayed})
}

// ScrapeAnalytics handles POST /api/agent/analytics/:id: an on-demand
// engagement refresh for one published post.
func (s *Server) ScrapeAnalytics(c *fiber.Ctx) error {
	id, err := postIDParam(c)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, err)
	}
	userID := currentUserID(c)

	post, err := s.postService.GetPost(c.UserContext(), userID, id)
	if err != nil {
		return models.RespondWithError(c, models.HTTPStatus(err), err)
	}
	if post.Status != models.StatusPosted {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("analytics are only available for published posts"))
	}

	ev, err := s.bridge.RequestAnalytics(c.UserContext(), userID, post.LinkedInPostURL)
	if err != nil {
		wrapped := models.NewUnavailableError("analytics request failed", err)
		return models.RespondWithError(c, models.HTTPStatus(wrapped), wrapped)
	}
	if err := s.pipeline.Apply(c.UserContext(), post.ID, ev.Counters); err != nil {
		return models.RespondWithError(c, models.HTTPStatus(err), err)
	}

	updated, err := s.postService.GetPost(c.UserContext(), userID, id)
	if err != nil {
		return models.RespondWithError(c, models.HTTPStatus(err), err)
	}
	return c.JSON(updated)
}
