package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"linkpilot/internal/config"
	"linkpilot/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testServer *Server

func TestMain(m *testing.M) {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Printf("Server tests skipped: sqlite unavailable: %v", err)
		os.Exit(0)
	}
	if err := db.AutoMigrate(&models.Post{}); err != nil {
		log.Fatalf("migrating test schema: %v", err)
	}

	cfg := &config.Config{
		Port:                    "0",
		JWTSecret:               "server-test-secret",
		Env:                     "test",
		CivilOffsetMinutes:      330,
		PollIntervalSeconds:     10,
		PublishTimeoutSeconds:   300,
		AnalyticsTimeoutSeconds: 1,
	}

	testServer, err = NewServerWithDeps(cfg, db, nil)
	if err != nil {
		log.Fatalf("building test server: %v", err)
	}

	os.Exit(m.Run())
}

func newTestApp() *fiber.App {
	app := fiber.New()
	testServer.SetupRoutes(app)
	return app
}

func authToken(t *testing.T, userID uint) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": fmt.Sprintf("%d", userID),
	})
	signed, err := token.SignedString([]byte(testServer.config.JWTSecret))
	require.NoError(t, err)
	return signed
}

func doJSON(t *testing.T, app *fiber.App, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodePost(t *testing.T, resp *http.Response) models.Post {
	t.Helper()
	var post models.Post
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&post))
	return post
}

func TestPostsRequireAuth(t *testing.T) {
	app := newTestApp()
	resp := doJSON(t, app, http.MethodGet, "/api/posts/", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAndFetchPost(t *testing.T) {
	app := newTestApp()
	token := authToken(t, 1)

	resp := doJSON(t, app, http.MethodPost, "/api/posts/", token, CreatePostRequest{
		Content: "hello from the test suite",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	created := decodePost(t, resp)
	assert.Equal(t, models.StatusDraft, created.Status)
	assert.NotEmpty(t, created.TrackingID)

	resp = doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/posts/%d", created.ID), token, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	fetched := decodePost(t, resp)
	assert.Equal(t, created.ID, fetched.ID)

	// Another user cannot see it.
	otherToken := authToken(t, 2)
	resp = doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/posts/%d", created.ID), otherToken, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestCreatePostValidation(t *testing.T) {
	app := newTestApp()
	token := authToken(t, 1)

	resp := doJSON(t, app, http.MethodPost, "/api/posts/", token, CreatePostRequest{Content: "  "})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestScheduleCancelRoundTrip(t *testing.T) {
	app := newTestApp()
	token := authToken(t, 1)

	resp := doJSON(t, app, http.MethodPost, "/api/posts/", token, CreatePostRequest{
		Content: "schedule me",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	created := decodePost(t, resp)

	resp = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/posts/%d/schedule", created.ID), token,
		ScheduleRequest{ScheduleAt: "in 2 hours"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	scheduled := decodePost(t, resp)
	assert.Equal(t, models.StatusScheduled, scheduled.Status)
	require.NotNil(t, scheduled.ScheduledTime)

	resp = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/posts/%d/cancel", created.ID), token, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	cancelled := decodePost(t, resp)
	assert.Equal(t, models.StatusDraft, cancelled.Status)
	assert.Nil(t, cancelled.ScheduledTime)
}

func TestScheduleRejectsUnparsableTime(t *testing.T) {
	app := newTestApp()
	token := authToken(t, 1)

	resp := doJSON(t, app, http.MethodPost, "/api/posts/", token, CreatePostRequest{Content: "x"})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	created := decodePost(t, resp)

	resp = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/posts/%d/schedule", created.ID), token,
		ScheduleRequest{ScheduleAt: "whenever the vibes are right"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAgentStatusDisconnected(t *testing.T) {
	app := newTestApp()
	token := authToken(t, 1)

	resp := doJSON(t, app, http.MethodGet, "/api/agent/status", token, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, false, status["connected"])
}

func TestAgentSessionStoredWithoutAgent(t *testing.T) {
	app := newTestApp()
	token := authToken(t, 1)

	resp := doJSON(t, app, http.MethodPost, "/api/agent/session", token,
		SessionRequest{AccessToken: "tok-123"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["stored"])
	assert.Equal(t, false, body["relayed"])

	session, ok := testServer.sessions.Get(1)
	require.True(t, ok)
	assert.Equal(t, "tok-123", session.AccessToken)
}

func TestViewRefreshAccepted(t *testing.T) {
	app := newTestApp()
	token := authToken(t, 1)

	resp := doJSON(t, app, http.MethodPost, "/api/view/refresh", token, nil)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
}
