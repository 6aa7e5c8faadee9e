package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence-backend/internal/metrics"
	"presence-backend/internal/models"
	"presence-backend/internal/repository"
	"presence-backend/internal/services"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// fakeConn records every frame written to it.
type fakeConn struct {
	mu     sync.Mutex
	frames []frame
	closed bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Type)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) last(typ string) (frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Type == typ {
			return c.frames[i], true
		}
	}
	return frame{}, false
}

// stubAuth maps credentials straight to identities.
type stubAuth map[string]*services.Identity

func (a stubAuth) Authenticate(_ context.Context, credential string) (*services.Identity, error) {
	if id, ok := a[credential]; ok {
		if !id.IsActive {
			return nil, &services.ForbiddenError{Message: "Account is deactivated"}
		}
		return id, nil
	}
	return nil, &services.UnauthorizedError{Message: "Invalid token"}
}

type hubFixture struct {
	hub     *Hub
	store   *repository.MemoryActivityStore
	clock   *quartz.Mock
	metrics *metrics.Metrics
}

func newHubFixture(t *testing.T, auth services.Authenticator, opts ...HubOption) *hubFixture {
	t.Helper()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
	clock := quartz.NewMock(t)
	clock.Set(t0)
	store := repository.NewMemoryActivityStore()
	m := metrics.New(nil)
	tracker := services.NewTracker(store, nil, services.TrackerConfig{
		PauseThreshold:    10 * time.Minute,
		ForceEndThreshold: 30 * time.Minute,
	}, logger, m, services.WithTrackerClock(clock))

	hub := NewHub(tracker, auth, logger, m, append([]HubOption{WithClock(clock)}, opts...)...)
	t.Cleanup(func() { _ = hub.Close(context.Background()) })
	return &hubFixture{hub: hub, store: store, clock: clock, metrics: m}
}

func (f *hubFixture) row(t *testing.T, userID, sessionID uuid.UUID) *models.RealTimeSession {
	t.Helper()
	rows, err := f.store.ListSessionsForDay(context.Background(), userID, models.Day(t0, time.UTC))
	require.NoError(t, err)
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].SessionID == sessionID {
			return rows[i]
		}
	}
	return nil
}

func TestOnConnect_RejectsBadCredential(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t, stubAuth{})
	conn := &fakeConn{}

	_, err := f.hub.OnConnect(context.Background(), "c1", conn, "garbage")
	var unauthorized *services.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
	assert.False(t, f.hub.IsConnected("c1"))
	assert.Empty(t, conn.types())
	assert.Zero(t, f.hub.Roster().Count)

	active, err := f.store.ListActiveSessions(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestOnConnect_BindsAndRecordsActivity(t *testing.T) {
	t.Parallel()
	userID, sessionID := uuid.New(), uuid.New()
	f := newHubFixture(t, stubAuth{"tok": {UserID: userID, SessionID: sessionID, IsActive: true}})
	conn := &fakeConn{}

	id, err := f.hub.OnConnect(context.Background(), "c1", conn, "tok")
	require.NoError(t, err)
	assert.Equal(t, userID, id.UserID)
	assert.True(t, f.hub.IsConnected("c1"))
	assert.Equal(t, []string{models.WSTypeAuthenticated, models.WSTypeRoster}, conn.types())

	row := f.row(t, userID, sessionID)
	require.NotNil(t, row)
	assert.True(t, row.IsActive)
	assert.Equal(t, t0, row.StartTime)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.LiveConnections))

	_, err = f.hub.OnConnect(context.Background(), "c1", &fakeConn{}, "tok")
	require.Error(t, err)
}

func TestOnConnect_MintsSessionID(t *testing.T) {
	t.Parallel()
	userID := uuid.New()
	f := newHubFixture(t, stubAuth{"tok": {UserID: userID, IsActive: true}})
	conn := &fakeConn{}

	_, err := f.hub.OnConnect(context.Background(), "c1", conn, "tok")
	require.NoError(t, err)

	fr, ok := conn.last(models.WSTypeAuthenticated)
	require.True(t, ok)
	var ev models.AuthenticatedEvent
	require.NoError(t, json.Unmarshal(fr.Payload, &ev))
	assert.NotEqual(t, uuid.Nil, ev.SessionID)
	assert.NotNil(t, f.row(t, userID, ev.SessionID))
}

// Connect, heartbeat, long silence, heartbeat, disconnect.
func TestHub_ImplicitResumeThenDisconnect(t *testing.T) {
	t.Parallel()
	userID, sessionID := uuid.New(), uuid.New()
	f := newHubFixture(t, stubAuth{"tok": {UserID: userID, SessionID: sessionID, IsActive: true}})
	ctx := context.Background()

	_, err := f.hub.OnConnect(ctx, "c1", &fakeConn{}, "tok")
	require.NoError(t, err)

	f.clock.Advance(60 * time.Second)
	require.NoError(t, f.hub.OnHeartbeat(ctx, "c1", false))
	f.clock.Advance(240 * time.Second)
	require.NoError(t, f.hub.OnHeartbeat(ctx, "c1", true))
	f.clock.Advance(900 * time.Second)
	require.NoError(t, f.hub.OnHeartbeat(ctx, "c1", false))

	row := f.row(t, userID, sessionID)
	assert.EqualValues(t, 900, row.AccumulatedPausedSeconds)
	assert.Equal(t, 1, row.ResumeCount)
	assert.Equal(t, 1, row.PageViewCount)

	f.clock.Advance(60 * time.Second)
	require.NoError(t, f.hub.OnDisconnect(ctx, "c1", models.EndReasonDisconnect))

	row = f.row(t, userID, sessionID)
	assert.False(t, row.IsActive)
	assert.EqualValues(t, 1260, *row.DurationSeconds)
	assert.Equal(t, models.EndReasonDisconnect, row.EndReason)
	assert.Zero(t, testutil.ToFloat64(f.metrics.LiveConnections))
}

func TestOnHeartbeat_UnknownConnectionIsNoop(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t, stubAuth{})

	require.NoError(t, f.hub.OnHeartbeat(context.Background(), "nope", true))
	active, err := f.store.ListActiveSessions(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestOnDisconnect_SharedSessionStaysOpen(t *testing.T) {
	t.Parallel()
	userID, sessionID := uuid.New(), uuid.New()
	f := newHubFixture(t, stubAuth{"tok": {UserID: userID, SessionID: sessionID, IsActive: true}})
	ctx := context.Background()

	_, err := f.hub.OnConnect(ctx, "tab1", &fakeConn{}, "tok")
	require.NoError(t, err)
	_, err = f.hub.OnConnect(ctx, "tab2", &fakeConn{}, "tok")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.hub.OnDisconnect(ctx, "tab1", models.EndReasonDisconnect))
	assert.True(t, f.row(t, userID, sessionID).IsActive)
	assert.Equal(t, 1, f.hub.Roster().Count)

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.hub.OnDisconnect(ctx, "tab2", models.EndReasonDisconnect))
	row := f.row(t, userID, sessionID)
	assert.False(t, row.IsActive)
	assert.EqualValues(t, 60, *row.DurationSeconds)
	assert.Zero(t, f.hub.Roster().Count)

	// A second disconnect for the same connection is harmless.
	require.NoError(t, f.hub.OnDisconnect(ctx, "tab2", models.EndReasonDisconnect))
}

func TestOnExplicitLogout(t *testing.T) {
	t.Parallel()
	userID, sessionID := uuid.New(), uuid.New()
	f := newHubFixture(t, stubAuth{"tok": {UserID: userID, SessionID: sessionID, IsActive: true}})
	ctx := context.Background()
	conn := &fakeConn{}

	_, err := f.hub.OnConnect(ctx, "c1", conn, "tok")
	require.NoError(t, err)
	f.clock.Advance(45 * time.Second)

	require.NoError(t, f.hub.HandleMessage(ctx, "c1", []byte(`{"type":"logout"}`)))
	assert.False(t, f.hub.IsConnected("c1"))
	assert.True(t, conn.isClosed())
	_, ok := conn.last(models.WSTypeLoggedOut)
	assert.True(t, ok)

	row := f.row(t, userID, sessionID)
	assert.Equal(t, models.EndReasonLogout, row.EndReason)
	assert.EqualValues(t, 45, *row.DurationSeconds)

	// Frames after logout do nothing.
	require.NoError(t, f.hub.HandleMessage(ctx, "c1", []byte(`{"type":"heartbeat"}`)))
}

func TestHandleMessage(t *testing.T) {
	t.Parallel()
	userID, sessionID := uuid.New(), uuid.New()
	f := newHubFixture(t, stubAuth{"tok": {UserID: userID, SessionID: sessionID, IsActive: true}})
	ctx := context.Background()
	_, err := f.hub.OnConnect(ctx, "c1", &fakeConn{}, "tok")
	require.NoError(t, err)

	require.Error(t, f.hub.HandleMessage(ctx, "c1", []byte(`{not json`)))
	require.NoError(t, f.hub.HandleMessage(ctx, "c1", []byte(`{"type":"mystery"}`)))
	require.NoError(t, f.hub.HandleMessage(ctx, "c1", []byte(`{"type":"page_view"}`)))
	assert.Equal(t, 1, f.row(t, userID, sessionID).PageViewCount)
}

func TestRoster_OrderedByRecentActivity(t *testing.T) {
	t.Parallel()
	alice, bob := uuid.New(), uuid.New()
	f := newHubFixture(t, stubAuth{
		"alice": {UserID: alice, SessionID: uuid.New(), IsActive: true},
		"bob":   {UserID: bob, SessionID: uuid.New(), IsActive: true},
	})
	ctx := context.Background()

	_, err := f.hub.OnConnect(ctx, "a", &fakeConn{}, "alice")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.hub.OnConnect(ctx, "b", &fakeConn{}, "bob")
	require.NoError(t, err)

	roster := f.hub.Roster()
	require.Equal(t, 2, roster.Count)
	assert.Equal(t, bob, roster.Users[0].UserID)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.hub.OnHeartbeat(ctx, "a", false))
	roster = f.hub.Roster()
	assert.Equal(t, alice, roster.Users[0].UserID)
	assert.Equal(t, t0.Add(2*time.Minute), roster.Users[0].LastActivity)
}

func TestNotifyUser_Local(t *testing.T) {
	t.Parallel()
	userID := uuid.New()
	f := newHubFixture(t, stubAuth{"tok": {UserID: userID, SessionID: uuid.New(), IsActive: true}})
	ctx := context.Background()
	mine, other := &fakeConn{}, &fakeConn{}

	_, err := f.hub.OnConnect(ctx, "c1", mine, "tok")
	require.NoError(t, err)
	f.hub.mu.Lock()
	f.hub.bindings["c2"] = &binding{connID: "c2", userID: uuid.New(), client: newClient(other)}
	f.hub.mu.Unlock()

	require.NoError(t, f.hub.NotifyUser(ctx, userID, models.WSMessage{Type: models.WSTypeSessionTimeout}))
	_, ok := mine.last(models.WSTypeSessionTimeout)
	assert.True(t, ok)
	_, ok = other.last(models.WSTypeSessionTimeout)
	assert.False(t, ok)

	f.hub.mu.Lock()
	delete(f.hub.bindings, "c2")
	f.hub.mu.Unlock()
}

func TestNotifyUser_ThroughRedis(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	userID := uuid.New()
	f := newHubFixture(t, stubAuth{"tok": {UserID: userID, SessionID: uuid.New(), IsActive: true}}, WithRedis(rdb))
	ctx := context.Background()
	conn := &fakeConn{}
	_, err := f.hub.OnConnect(ctx, "c1", conn, "tok")
	require.NoError(t, err)

	// The subscription starts asynchronously; keep publishing until it lands.
	require.Eventually(t, func() bool {
		_ = f.hub.NotifyUser(ctx, userID, models.WSMessage{Type: models.WSTypeSessionTimeout})
		_, ok := conn.last(models.WSTypeSessionTimeout)
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestClose_EndsLiveSessions(t *testing.T) {
	t.Parallel()
	userID, sessionID := uuid.New(), uuid.New()
	f := newHubFixture(t, stubAuth{"tok": {UserID: userID, SessionID: sessionID, IsActive: true}})
	ctx := context.Background()
	conn := &fakeConn{}
	_, err := f.hub.OnConnect(ctx, "c1", conn, "tok")
	require.NoError(t, err)

	require.NoError(t, f.hub.Close(ctx))
	assert.True(t, conn.isClosed())
	assert.False(t, f.row(t, userID, sessionID).IsActive)
}

type failingEngine struct{}

func (failingEngine) RecordActivity(context.Context, services.ActivityEvent) (*models.RealTimeSession, error) {
	return nil, &services.StoreUnavailableError{Op: "get active session", Err: errors.New("down")}
}

func (failingEngine) EndSession(context.Context, uuid.UUID, uuid.UUID, time.Time, string) (*models.RealTimeSession, error) {
	return nil, &services.StoreUnavailableError{Op: "end session", Err: errors.New("down")}
}

// A store outage does not stop the connection from binding or closing.
func TestHub_StoreUnavailable(t *testing.T) {
	t.Parallel()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	hub := NewHub(failingEngine{}, stubAuth{"tok": {UserID: uuid.New(), SessionID: uuid.New(), IsActive: true}}, logger, nil)
	ctx := context.Background()
	conn := &fakeConn{}

	_, err := hub.OnConnect(ctx, "c1", conn, "tok")
	require.NoError(t, err)
	assert.True(t, hub.IsConnected("c1"))

	err = hub.OnDisconnect(ctx, "c1", models.EndReasonDisconnect)
	var unavailable *services.StoreUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.False(t, hub.IsConnected("c1"))
	assert.True(t, conn.isClosed())
	require.NoError(t, hub.Close(ctx))
}

func TestHandleWebSocket(t *testing.T) {
	t.Parallel()
	userID, sessionID := uuid.New(), uuid.New()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	store := repository.NewMemoryActivityStore()
	tracker := services.NewTracker(store, nil, services.TrackerConfig{
		PauseThreshold:    10 * time.Minute,
		ForceEndThreshold: 30 * time.Minute,
	}, logger, nil)
	hub := NewHub(tracker, stubAuth{
		"tok":      {UserID: userID, SessionID: sessionID, IsActive: true},
		"disabled": {UserID: uuid.New(), IsActive: false},
	}, logger, nil)
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := gws.DefaultDialer.Dial(wsURL+"?token=bad", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = gws.DefaultDialer.Dial(wsURL+"?token=disabled", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := gws.DefaultDialer.Dial(wsURL+"?token=tok", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg frame
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, models.WSTypeAuthenticated, msg.Type)

	require.NoError(t, conn.WriteJSON(models.WSMessage{Type: models.WSTypeLogout}))
	for msg.Type != models.WSTypeLoggedOut {
		require.NoError(t, conn.ReadJSON(&msg))
	}

	rows, err := store.ListSessionsForDay(context.Background(), userID, models.Day(time.Now(), time.UTC))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.EndReasonLogout, rows[0].EndReason)
}
