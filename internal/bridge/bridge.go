package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"linkpilot/internal/middleware"
	"linkpilot/internal/models"
	"linkpilot/internal/notifications"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// EventHandler receives every decoded inbound event. Handlers run on the
// agent connection's read goroutine and must not block.
type EventHandler func(userID uint, ev Event)

// SessionSource resolves the credential bundle to relay when an agent signals
// it is ready. The agent may attach after the page has already authenticated.
type SessionSource func(userID uint) (models.AgentSession, bool)

// AgentStatus is a snapshot of one user's agent connection.
type AgentStatus struct {
	Connected       bool      `json:"connected"`
	Version         string    `json:"version,omitempty"`
	RequiresRefresh bool      `json:"requires_refresh"`
	QueueDepth      int       `json:"queue_depth"`
	ConnectedAt     time.Time `json:"connected_at,omitempty"`
}

type agentState struct {
	client          *notifications.Client
	version         string
	requiresRefresh bool
	queueDepth      int
	connectedAt     time.Time
}

// Bridge is the websocket hub for automation-agent connections: one agent per
// user, outbound commands, inbound event fanout, and bounded analytics
// request/response correlation.
type Bridge struct {
	mu     sync.RWMutex
	agents map[uint]*agentState

	pendingMu sync.Mutex
	pending   map[string]chan Event

	handlersMu sync.RWMutex
	handlers   []EventHandler

	sessions         SessionSource
	analyticsTimeout time.Duration
}

// New creates a Bridge. analyticsTimeout bounds every SCRAPE_ANALYTICS round
// trip.
func New(analyticsTimeout time.Duration) *Bridge {
	return &Bridge{
		agents:           make(map[uint]*agentState),
		pending:          make(map[string]chan Event),
		analyticsTimeout: analyticsTimeout,
	}
}

// Name returns a human-readable identifier for this hub.
func (b *Bridge) Name() string { return "agent bridge" }

// SetSessionSource installs the credential resolver used for agent-ready
// relays.
func (b *Bridge) SetSessionSource(s SessionSource) {
	b.sessions = s
}

// Subscribe registers a handler for all inbound events.
func (b *Bridge) Subscribe(h EventHandler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Register attaches an agent websocket for userID. A reconnecting agent
// replaces the previous connection; the stale one is closed.
func (b *Bridge) Register(userID uint, conn *websocket.Conn) *notifications.Client {
	client := notifications.NewClient(b, conn, userID)
	client.IncomingHandler = b.handleIncoming

	b.mu.Lock()
	if prev, ok := b.agents[userID]; ok && prev.client != nil {
		log.Printf("agent bridge: replacing stale agent connection for user %d", userID)
		_ = prev.client.Conn.Close()
	}
	b.agents[userID] = &agentState{client: client, connectedAt: time.Now().UTC()}
	b.mu.Unlock()

	return client
}

// UnregisterClient removes a client from the hub.
func (b *Bridge) UnregisterClient(client *notifications.Client) {
	b.mu.Lock()
	state, ok := b.agents[client.UserID]
	if ok && state.client == client {
		delete(b.agents, client.UserID)
	} else {
		ok = false
	}
	b.mu.Unlock()

	if ok {
		b.dispatch(client.UserID, Event{Type: EventDisconnected, ReceivedAt: time.Now().UTC()})
	}
}

// Connected reports whether userID has a responding agent.
func (b *Bridge) Connected(userID uint) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.agents[userID]
	return ok
}

// Status returns a snapshot of the user's agent connection state.
func (b *Bridge) Status(userID uint) AgentStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, ok := b.agents[userID]
	if !ok {
		return AgentStatus{}
	}
	return AgentStatus{
		Connected:       true,
		Version:         state.version,
		RequiresRefresh: state.requiresRefresh,
		QueueDepth:      state.queueDepth,
		ConnectedAt:     state.connectedAt,
	}
}

// RequiresRefresh reports whether the agent invalidated its session; all
// outbound commands are suppressed until the hosting page reloads.
func (b *Bridge) RequiresRefresh(userID uint) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, ok := b.agents[userID]
	return ok && state.requiresRefresh
}

// SchedulePosts sends a batch of post payloads to the user's agent.
func (b *Bridge) SchedulePosts(userID uint, posts []PostPayload) error {
	return b.send(userID, CmdSchedulePosts, schedulePayload{Posts: posts})
}

// PostNow instructs the agent to publish a single post immediately.
func (b *Bridge) PostNow(userID uint, post PostPayload) error {
	return b.send(userID, CmdPostNow, post)
}

// SendSession relays the credential bundle to the agent. Called on sign-in,
// on token refresh, and automatically when the agent signals ready.
func (b *Bridge) SendSession(userID uint, session models.AgentSession) error {
	return b.send(userID, CmdSetAuth, sessionPayload{Session: session})
}

// RequestAnalytics performs a bounded SCRAPE_ANALYTICS round trip correlated
// by request id. A request with no matching response within the configured
// timeout resolves to models.ErrAnalyticsTimeout, never an indefinite wait.
func (b *Bridge) RequestAnalytics(ctx context.Context, userID uint, targetURL string) (Event, error) {
	requestID := uuid.NewString()

	ch := make(chan Event, 1)
	b.pendingMu.Lock()
	b.pending[requestID] = ch
	b.pendingMu.Unlock()

	release := func() {
		b.pendingMu.Lock()
		delete(b.pending, requestID)
		b.pendingMu.Unlock()
	}

	if err := b.send(userID, CmdScrapeAnalytics, analyticsRequestPayload{
		RequestID: requestID,
		TargetURL: targetURL,
	}); err != nil {
		release()
		return Event{}, err
	}

	timer := time.NewTimer(b.analyticsTimeout)
	defer timer.Stop()

	select {
	case ev := <-ch:
		release()
		return ev, nil
	case <-timer.C:
		release()
		return Event{}, fmt.Errorf("request %s: %w", requestID, models.ErrAnalyticsTimeout)
	case <-ctx.Done():
		release()
		return Event{}, ctx.Err()
	}
}

func (b *Bridge) send(userID uint, kind string, payload any) error {
	b.mu.RLock()
	state, ok := b.agents[userID]
	var client *notifications.Client
	var refresh bool
	if ok {
		client = state.client
		refresh = state.requiresRefresh
	}
	b.mu.RUnlock()

	if !ok || client == nil {
		return models.ErrChannelUnavailable
	}
	if refresh {
		return models.ErrRequiresRefresh
	}

	data, err := encodeCommand(kind, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	client.TrySend(data)
	return nil
}

// handleIncoming decodes one frame from the agent and routes it: connection
// state updates stay in the bridge, analytics responses resolve their pending
// request, everything fans out to subscribers.
func (b *Bridge) handleIncoming(c *notifications.Client, data []byte) {
	ev, ok := ParseEvent(data)
	if !ok {
		return
	}
	middleware.BridgeEvents.WithLabelValues(ev.Type).Inc()

	switch ev.Type {
	case EventConnected:
		b.mu.Lock()
		if state, ok := b.agents[c.UserID]; ok {
			state.version = ev.AgentVersion
			state.requiresRefresh = false
		}
		b.mu.Unlock()
		b.relaySession(c.UserID)

	case EventRequiresRefresh:
		log.Printf("agent bridge: user %d agent invalidated, suppressing commands until reload", c.UserID)
		b.mu.Lock()
		if state, ok := b.agents[c.UserID]; ok {
			state.requiresRefresh = true
		}
		b.mu.Unlock()

	case EventQueueUpdated:
		b.mu.Lock()
		if state, ok := b.agents[c.UserID]; ok {
			state.queueDepth = ev.QueueDepth
		}
		b.mu.Unlock()
		middleware.AgentQueueDepth.Set(float64(ev.QueueDepth))

	case EventAnalyticsResult:
		b.pendingMu.Lock()
		ch, ok := b.pending[ev.RequestID]
		b.pendingMu.Unlock()
		if ok {
			select {
			case ch <- ev:
			default:
			}
		}
	}

	b.dispatch(c.UserID, ev)
}

func (b *Bridge) dispatch(userID uint, ev Event) {
	b.handlersMu.RLock()
	handlers := b.handlers
	b.handlersMu.RUnlock()
	for _, h := range handlers {
		h(userID, ev)
	}
}

func (b *Bridge) relaySession(userID uint) {
	if b.sessions == nil {
		return
	}
	session, ok := b.sessions(userID)
	if !ok {
		return
	}
	if err := b.SendSession(userID, session); err != nil {
		log.Printf("agent bridge: session relay to user %d failed: %v", userID, err)
	}
}

// Shutdown gracefully closes all agent connections.
func (b *Bridge) Shutdown(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for userID, state := range b.agents {
		if state.client == nil || state.client.Conn == nil {
			continue
		}
		if err := state.client.Conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")); err != nil {
			log.Printf("failed to write close message for agent of user %d: %v", userID, err)
		}
		if err := state.client.Conn.Close(); err != nil {
			log.Printf("failed to close agent websocket for user %d: %v", userID, err)
		}
	}
	b.agents = make(map[uint]*agentState)
	return nil
}
