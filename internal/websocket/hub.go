package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"presence-backend/internal/metrics"
	"presence-backend/internal/models"
	"presence-backend/internal/services"
)

const defaultEndTimeout = 5 * time.Second

// Engine is the part of the session tracker the hub drives.
type Engine interface {
	RecordActivity(ctx context.Context, ev services.ActivityEvent) (*models.RealTimeSession, error)
	EndSession(ctx context.Context, userID, sessionID uuid.UUID, at time.Time, reason string) (*models.RealTimeSession, error)
}

// binding ties one live connection to the (user, session) it reports for.
type binding struct {
	connID    string
	userID    uuid.UUID
	sessionID uuid.UUID
	lastSeen  time.Time
	client    *client
}

// Hub is the live presence gateway. It keeps a process-local directory of
// connections purely to answer presence queries and fan out messages; the
// activity store stays the source of truth.
type Hub struct {
	engine  Engine
	auth    services.Authenticator
	redis   *redis.Client
	clock   quartz.Clock
	logger  slog.Logger
	metrics *metrics.Metrics

	endTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	bindings    map[string]*binding
	groups      map[uuid.UUID]map[string]*binding
	cancelFuncs map[uuid.UUID]context.CancelFunc
}

type HubOption func(*Hub)

func WithClock(c quartz.Clock) HubOption {
	return func(h *Hub) { h.clock = c }
}

// WithRedis fans user messages out through Redis pub/sub so every instance
// holding a connection for the user delivers them.
func WithRedis(c *redis.Client) HubOption {
	return func(h *Hub) { h.redis = c }
}

func NewHub(engine Engine, auth services.Authenticator, logger slog.Logger, m *metrics.Metrics, opts ...HubOption) *Hub {
	if m == nil {
		m = metrics.New(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		engine:      engine,
		auth:        auth,
		clock:       quartz.NewReal(),
		logger:      logger.Named("hub"),
		metrics:     m,
		endTimeout:  defaultEndTimeout,
		ctx:         ctx,
		cancel:      cancel,
		bindings:    make(map[string]*binding),
		groups:      make(map[uuid.UUID]map[string]*binding),
		cancelFuncs: make(map[uuid.UUID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnConnect authenticates credential and, on success, binds conn under
// connID. A rejected credential leaves no state behind.
func (h *Hub) OnConnect(ctx context.Context, connID string, conn Conn, credential string) (*services.Identity, error) {
	id, err := h.auth.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	if err := h.attach(ctx, connID, conn, id); err != nil {
		return nil, err
	}
	return id, nil
}

// attach binds an already authenticated connection. When the credential
// carries no session id, one is minted here and used for the life of the
// connection.
func (h *Hub) attach(ctx context.Context, connID string, conn Conn, id *services.Identity) error {
	sessionID := id.SessionID
	if sessionID == uuid.Nil {
		sessionID = uuid.New()
	}
	now := h.clock.Now()

	if _, err := h.engine.RecordActivity(ctx, services.ActivityEvent{
		UserID:    id.UserID,
		SessionID: sessionID,
		At:        now,
	}); err != nil {
		h.logger.Warn(ctx, "record connect activity",
			slog.F("user_id", id.UserID),
			slog.F("session_id", sessionID),
			slog.Error(err),
		)
	}

	b := &binding{
		connID:    connID,
		userID:    id.UserID,
		sessionID: sessionID,
		lastSeen:  now,
		client:    newClient(conn),
	}

	h.mu.Lock()
	if _, exists := h.bindings[connID]; exists {
		h.mu.Unlock()
		return fmt.Errorf("connection %s already bound", connID)
	}
	h.bindings[connID] = b
	group, ok := h.groups[id.UserID]
	if !ok {
		group = make(map[string]*binding)
		h.groups[id.UserID] = group
	}
	group[connID] = b
	if len(group) == 1 && h.redis != nil {
		subCtx, cancel := context.WithCancel(h.ctx)
		h.cancelFuncs[id.UserID] = cancel
		go h.subscribeToPubSub(subCtx, id.UserID)
	}
	total := len(group)
	h.mu.Unlock()

	h.metrics.LiveConnections.Inc()
	h.logger.Info(ctx, "websocket connected",
		slog.F("user_id", id.UserID),
		slog.F("session_id", sessionID),
		slog.F("connections", total),
	)

	_ = b.client.send(models.WSMessage{
		Type: models.WSTypeAuthenticated,
		Payload: models.AuthenticatedEvent{
			ConnectionID: connID,
			UserID:       id.UserID,
			SessionID:    sessionID,
		},
	})
	h.broadcastRoster()
	return nil
}

// OnHeartbeat records activity for a bound connection and is a no-op for an
// unknown one.
func (h *Hub) OnHeartbeat(ctx context.Context, connID string, pageView bool) error {
	now := h.clock.Now()

	h.mu.Lock()
	b, ok := h.bindings[connID]
	if ok {
		b.lastSeen = now
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}

	_, err := h.engine.RecordActivity(ctx, services.ActivityEvent{
		UserID:    b.userID,
		SessionID: b.sessionID,
		At:        now,
		PageView:  pageView,
	})
	return err
}

// OnDisconnect ends the connection's session unless another live connection
// still reports for it. Calling it twice, or for an unknown connection, is
// harmless.
func (h *Hub) OnDisconnect(ctx context.Context, connID, reason string) error {
	return h.disconnect(ctx, connID, reason, nil)
}

// OnExplicitLogout ends the session, tells the client and closes the
// connection.
func (h *Hub) OnExplicitLogout(ctx context.Context, connID string) error {
	return h.disconnect(ctx, connID, models.EndReasonLogout, &models.WSMessage{Type: models.WSTypeLoggedOut})
}

func (h *Hub) disconnect(ctx context.Context, connID, reason string, farewell *models.WSMessage) error {
	b, shared := h.take(connID)
	if b == nil {
		return nil
	}
	h.metrics.LiveConnections.Dec()

	var endErr error
	if !shared {
		// The session must be closed even if the caller's context is already
		// gone, which is the normal case for a dropped connection.
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.endTimeout)
		_, endErr = h.engine.EndSession(endCtx, b.userID, b.sessionID, h.clock.Now(), reason)
		cancel()
		if endErr != nil {
			h.logger.Error(ctx, "end session on disconnect",
				slog.F("user_id", b.userID),
				slog.F("session_id", b.sessionID),
				slog.Error(endErr),
			)
		}
	}

	if farewell != nil {
		_ = b.client.send(*farewell)
	}
	b.client.close()

	h.logger.Info(ctx, "websocket disconnected",
		slog.F("user_id", b.userID),
		slog.F("reason", reason),
		slog.F("shared", shared),
	)
	h.broadcastRoster()
	return endErr
}

// take removes the binding for connID and reports whether another live
// connection still carries the same (user, session).
func (h *Hub) take(connID string) (*binding, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.bindings[connID]
	if !ok {
		return nil, false
	}
	delete(h.bindings, connID)

	group := h.groups[b.userID]
	delete(group, connID)
	shared := false
	for _, other := range group {
		if other.sessionID == b.sessionID {
			shared = true
			break
		}
	}
	if len(group) == 0 {
		delete(h.groups, b.userID)
		if cancel, ok := h.cancelFuncs[b.userID]; ok {
			cancel()
			delete(h.cancelFuncs, b.userID)
		}
	}
	return b, shared
}

// HandleMessage dispatches one client frame.
func (h *Hub) HandleMessage(ctx context.Context, connID string, data []byte) error {
	var msg models.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode websocket message: %w", err)
	}

	switch msg.Type {
	case models.WSTypeHeartbeat:
		return h.OnHeartbeat(ctx, connID, false)
	case models.WSTypePageView:
		return h.OnHeartbeat(ctx, connID, true)
	case models.WSTypeLogout:
		return h.OnExplicitLogout(ctx, connID)
	default:
		h.logger.Debug(ctx, "ignoring websocket message", slog.F("type", msg.Type))
		return nil
	}
}

// Roster lists connected users on this instance, one entry per user with
// the most recent activity across their connections.
func (h *Hub) Roster() models.Roster {
	h.mu.RLock()
	users := make([]models.RosterEntry, 0, len(h.groups))
	for userID, group := range h.groups {
		var last time.Time
		for _, b := range group {
			if b.lastSeen.After(last) {
				last = b.lastSeen
			}
		}
		users = append(users, models.RosterEntry{UserID: userID, LastActivity: last})
	}
	h.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		if users[i].LastActivity.Equal(users[j].LastActivity) {
			return users[i].UserID.String() < users[j].UserID.String()
		}
		return users[i].LastActivity.After(users[j].LastActivity)
	})
	return models.Roster{Count: len(users), Users: users}
}

// IsConnected reports whether connID is currently bound.
func (h *Hub) IsConnected(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.bindings[connID]
	return ok
}

func (h *Hub) broadcastRoster() {
	msg := models.WSMessage{Type: models.WSTypeRoster, Payload: h.Roster()}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	for _, c := range h.clients(nil) {
		_ = c.write(data)
	}
}

// NotifyUser delivers msg to every connection of userID. With Redis it goes
// through the user's channel so other instances deliver too.
func (h *Hub) NotifyUser(ctx context.Context, userID uuid.UUID, msg models.WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if h.redis != nil {
		if err := h.redis.Publish(ctx, userChannel(userID), data).Err(); err != nil {
			return fmt.Errorf("publish to %s: %w", userChannel(userID), err)
		}
		return nil
	}
	h.deliver(userID, data)
	return nil
}

func (h *Hub) subscribeToPubSub(ctx context.Context, userID uuid.UUID) {
	pubsub := h.redis.Subscribe(ctx, userChannel(userID))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.deliver(userID, []byte(msg.Payload))
		}
	}
}

func (h *Hub) deliver(userID uuid.UUID, data []byte) {
	for _, c := range h.clients(&userID) {
		_ = c.write(data)
	}
}

// clients snapshots the clients of one user, or of everyone when userID is
// nil, so writes happen outside the directory lock.
func (h *Hub) clients(userID *uuid.UUID) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*client
	if userID != nil {
		for _, b := range h.groups[*userID] {
			out = append(out, b.client)
		}
		return out
	}
	for _, b := range h.bindings {
		out = append(out, b.client)
	}
	return out
}

// Close disconnects every bound connection, ending their sessions, and stops
// all subscriptions.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.RLock()
	ids := make([]string, 0, len(h.bindings))
	for id := range h.bindings {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := h.disconnect(ctx, id, models.EndReasonDisconnect, nil); err != nil {
			errs = append(errs, err)
		}
	}
	h.cancel()
	return errors.Join(errs...)
}

func userChannel(userID uuid.UUID) string {
	return "user_updates:" + userID.String()
}
