package dispatch

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

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openeats/realtime/internal/domain"
	"github.com/openeats/realtime/internal/registry"
)

// --- In-memory fakes ---

type fakeSubRepo struct {
	byChannel map[string][]uuid.UUID
	err       error
}

func (f *fakeSubRepo) Subscribe(context.Context, uuid.UUID, []string) ([]string, error) {
	return nil, nil
}

func (f *fakeSubRepo) Unsubscribe(context.Context, uuid.UUID, []string) ([]string, error) {
	return nil, nil
}

func (f *fakeSubRepo) Channels(context.Context, uuid.UUID) ([]string, error) {
	return nil, nil
}

func (f *fakeSubRepo) LiveConnectionsForChannel(_ context.Context, channel string) ([]uuid.UUID, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byChannel[channel], nil
}

type fakeConnRepo struct {
	byUser map[uuid.UUID][]uuid.UUID
	err    error
}

func (f *fakeConnRepo) Insert(context.Context, *domain.Connection) error      { return nil }
func (f *fakeConnRepo) Authenticate(context.Context, uuid.UUID, uuid.UUID, string) error {
	return nil
}
func (f *fakeConnRepo) TouchActivity(context.Context, uuid.UUID) error    { return nil }
func (f *fakeConnRepo) MarkDisconnected(context.Context, uuid.UUID) error { return nil }
func (f *fakeConnRepo) ListLive(context.Context) ([]domain.Connection, error) {
	return nil, nil
}
func (f *fakeConnRepo) MarkStaleDisconnected(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeConnRepo) LiveByUser(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byUser[userID], nil
}

type fakeNotifRepo struct {
	mu        sync.Mutex
	inserted  []domain.Notification
	insertErr error
}

func (f *fakeNotifRepo) Insert(_ context.Context, n *domain.Notification) (*domain.Notification, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n.ID = uuid.New()
	n.CreatedAt = time.Now()
	f.inserted = append(f.inserted, *n)
	return n, nil
}

func (f *fakeNotifRepo) ListByUser(context.Context, uuid.UUID, *domain.NotificationStatus, int) ([]domain.Notification, error) {
	return nil, nil
}
func (f *fakeNotifRepo) CountUnread(context.Context, uuid.UUID) (int64, error) { return 0, nil }
func (f *fakeNotifRepo) MarkRead(context.Context, uuid.UUID, uuid.UUID) error  { return nil }
func (f *fakeNotifRepo) Archive(context.Context, uuid.UUID, uuid.UUID) error   { return nil }
func (f *fakeNotifRepo) Delete(context.Context, uuid.UUID, uuid.UUID) error    { return nil }

func (f *fakeNotifRepo) rows() []domain.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Notification(nil), f.inserted...)
}

type fakeInvalidator struct {
	mu    sync.Mutex
	users []uuid.UUID
}

func (f *fakeInvalidator) Invalidate(_ context.Context, userID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
}

// --- Test helpers ---

type liveClient struct {
	connectionID uuid.UUID
	client       *ws.Conn
}

// newLiveClients registers n websocket connections in reg and returns both ends.
func newLiveClients(t *testing.T, reg *registry.Registry, n int) []liveClient {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	serverConns := make(chan *ws.Conn, n)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConns <- conn
	}))
	t.Cleanup(server.Close)

	clients := make([]liveClient, 0, n)
	for i := 0; i < n; i++ {
		client, _, err := ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })

		connectionID := uuid.New()
		_, err = reg.Register(connectionID, <-serverConns, nil)
		require.NoError(t, err)
		clients = append(clients, liveClient{connectionID: connectionID, client: client})
	}
	return clients
}

func readEvent(t *testing.T, client *ws.Conn) notificationEvent {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	var event notificationEvent
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

var (
	manager  = domain.Sender{ID: uuid.New(), Role: domain.RoleManager}
	customer = domain.Sender{ID: uuid.New(), Role: domain.RoleCustomer}
)

func payload() domain.Payload {
	return domain.Payload{Type: "order_update", Title: "Order ready", Message: "Pick up at counter"}
}

// --- Tests ---

func TestPublishToChannel_DeliversToAllLiveSubscribers(t *testing.T) {
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)
	clients := newLiveClients(t, reg, 2)

	subs := &fakeSubRepo{byChannel: map[string][]uuid.UUID{
		"orders": {clients[0].connectionID, clients[1].connectionID},
	}}
	notifs := &fakeNotifRepo{}
	d := NewDispatcher(reg, subs, &fakeConnRepo{}, notifs, nil, clockwork.NewRealClock())

	delivered, err := d.PublishToChannel(context.Background(), manager, "orders", payload())
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	for _, c := range clients {
		event := readEvent(t, c.client)
		assert.Equal(t, "notification", event.Type)
		assert.Equal(t, "orders", event.Channel)
		assert.Equal(t, "Order ready", event.Title)
		assert.Equal(t, manager.ID, event.Sender.ID)
	}

	assert.Empty(t, notifs.rows(), "channel broadcasts must not persist rows")
}

func TestPublishToChannel_SkipsDisconnectedConnection(t *testing.T) {
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)
	clients := newLiveClients(t, reg, 2)

	subs := &fakeSubRepo{byChannel: map[string][]uuid.UUID{
		"orders": {clients[0].connectionID, clients[1].connectionID},
	}}
	d := NewDispatcher(reg, subs, &fakeConnRepo{}, &fakeNotifRepo{}, nil, clockwork.NewRealClock())

	reg.Unregister(clients[0].connectionID)

	delivered, err := d.PublishToChannel(context.Background(), manager, "orders", payload())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestPublishToChannel_DeduplicatesResolvedTargets(t *testing.T) {
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)
	clients := newLiveClients(t, reg, 1)

	subs := &fakeSubRepo{byChannel: map[string][]uuid.UUID{
		"orders": {clients[0].connectionID, clients[0].connectionID},
	}}
	d := NewDispatcher(reg, subs, &fakeConnRepo{}, &fakeNotifRepo{}, nil, clockwork.NewRealClock())

	delivered, err := d.PublishToChannel(context.Background(), manager, "orders", payload())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestPublishToChannel_ZeroSubscribersIsNotAnError(t *testing.T) {
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)

	d := NewDispatcher(reg, &fakeSubRepo{}, &fakeConnRepo{}, &fakeNotifRepo{}, nil, clockwork.NewRealClock())

	delivered, err := d.PublishToChannel(context.Background(), manager, "orders", payload())
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
}

func TestPublishToChannel_RequiresElevatedRole(t *testing.T) {
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)

	d := NewDispatcher(reg, &fakeSubRepo{}, &fakeConnRepo{}, &fakeNotifRepo{}, nil, clockwork.NewRealClock())

	_, err := d.PublishToChannel(context.Background(), customer, "orders", payload())
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestPublishToChannel_NilRegistry(t *testing.T) {
	d := NewDispatcher(nil, &fakeSubRepo{}, &fakeConnRepo{}, &fakeNotifRepo{}, nil, clockwork.NewRealClock())

	_, err := d.PublishToChannel(context.Background(), manager, "orders", payload())
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestPublishToUser_OfflineUserStillGetsRow(t *testing.T) {
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)

	notifs := &fakeNotifRepo{}
	userID := uuid.New()
	d := NewDispatcher(reg, &fakeSubRepo{}, &fakeConnRepo{}, notifs, nil, clockwork.NewRealClock())

	delivered, err := d.PublishToUser(context.Background(), manager, userID, payload())
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)

	rows := notifs.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, userID, rows[0].UserID)
	assert.Equal(t, domain.StatusUnread, rows[0].Status)
}

func TestPublishToUser_DeliversToLiveConnections(t *testing.T) {
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)
	clients := newLiveClients(t, reg, 2)

	userID := uuid.New()
	conns := &fakeConnRepo{byUser: map[uuid.UUID][]uuid.UUID{
		userID: {clients[0].connectionID, clients[1].connectionID},
	}}
	notifs := &fakeNotifRepo{}
	invalidator := &fakeInvalidator{}
	d := NewDispatcher(reg, &fakeSubRepo{}, conns, notifs, invalidator, clockwork.NewRealClock())

	delivered, err := d.PublishToUser(context.Background(), manager, userID, payload())
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Len(t, notifs.rows(), 1, "exactly one row per call regardless of live count")
	assert.Equal(t, []uuid.UUID{userID}, invalidator.users)
}

func TestPublishToUser_SelfAlwaysAllowed(t *testing.T) {
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)

	notifs := &fakeNotifRepo{}
	d := NewDispatcher(reg, &fakeSubRepo{}, &fakeConnRepo{}, notifs, nil, clockwork.NewRealClock())

	_, err := d.PublishToUser(context.Background(), customer, customer.ID, payload())
	require.NoError(t, err)
	assert.Len(t, notifs.rows(), 1)
}

func TestPublishToUser_OtherUserRequiresElevatedRole(t *testing.T) {
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)

	notifs := &fakeNotifRepo{}
	d := NewDispatcher(reg, &fakeSubRepo{}, &fakeConnRepo{}, notifs, nil, clockwork.NewRealClock())

	_, err := d.PublishToUser(context.Background(), customer, uuid.New(), payload())
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Empty(t, notifs.rows())
}

func TestPublishToUser_PersistenceFailureSendsNothing(t *testing.T) {
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)
	clients := newLiveClients(t, reg, 1)

	userID := uuid.New()
	conns := &fakeConnRepo{byUser: map[uuid.UUID][]uuid.UUID{
		userID: {clients[0].connectionID},
	}}
	notifs := &fakeNotifRepo{insertErr: errors.New("db down")}
	d := NewDispatcher(reg, &fakeSubRepo{}, conns, notifs, nil, clockwork.NewRealClock())

	delivered, err := d.PublishToUser(context.Background(), manager, userID, payload())
	require.Error(t, err)
	assert.Equal(t, 0, delivered)

	require.NoError(t, clients[0].client.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, readErr := clients[0].client.ReadMessage()
	assert.Error(t, readErr, "no frame may reach the client when the insert fails")
}

func TestPublishToUser_ResolutionFailureSurfacedAfterPersist(t *testing.T) {
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)

	resolveErr := errors.New("db down")
	userID := uuid.New()
	notifs := &fakeNotifRepo{}
	d := NewDispatcher(reg, &fakeSubRepo{}, &fakeConnRepo{err: resolveErr}, notifs, nil, clockwork.NewRealClock())

	delivered, err := d.PublishToUser(context.Background(), manager, userID, payload())
	assert.ErrorIs(t, err, resolveErr)
	assert.Equal(t, 0, delivered)
	assert.Len(t, notifs.rows(), 1, "the row stays durable even when resolution fails")
}

func TestPublishToChannel_ResolutionFailureSurfaced(t *testing.T) {
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)

	resolveErr := errors.New("db down")
	d := NewDispatcher(reg, &fakeSubRepo{err: resolveErr}, &fakeConnRepo{}, &fakeNotifRepo{}, nil, clockwork.NewRealClock())

	_, err := d.PublishToChannel(context.Background(), manager, "orders", payload())
	assert.ErrorIs(t, err, resolveErr)
}

func TestPublishToUsers_OneRowPerUserAndSummedCounts(t *testing.T) {
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)
	clients := newLiveClients(t, reg, 3)

	u1, u2 := uuid.New(), uuid.New()
	conns := &fakeConnRepo{byUser: map[uuid.UUID][]uuid.UUID{
		u1: {clients[0].connectionID, clients[1].connectionID},
		u2: {clients[2].connectionID},
	}}
	notifs := &fakeNotifRepo{}
	d := NewDispatcher(reg, &fakeSubRepo{}, conns, notifs, nil, clockwork.NewRealClock())

	delivered, err := d.PublishToUsers(context.Background(), manager, []uuid.UUID{u1, u2, u1}, payload())
	require.NoError(t, err)
	assert.Equal(t, 3, delivered)
	assert.Len(t, notifs.rows(), 2, "duplicate user ids collapse to one row each")
}

func TestPublishToUsers_ForbiddenTargetRejectsWholeBatch(t *testing.T) {
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)

	notifs := &fakeNotifRepo{}
	d := NewDispatcher(reg, &fakeSubRepo{}, &fakeConnRepo{}, notifs, nil, clockwork.NewRealClock())

	_, err := d.PublishToUsers(context.Background(), customer, []uuid.UUID{customer.ID, uuid.New()}, payload())
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Empty(t, notifs.rows())
}

func TestPublishToChannel_RejectsInvalidPayload(t *testing.T) {
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)

	d := NewDispatcher(reg, &fakeSubRepo{}, &fakeConnRepo{}, &fakeNotifRepo{}, nil, clockwork.NewRealClock())

	_, err := d.PublishToChannel(context.Background(), manager, "orders", domain.Payload{Type: "x"})
	assert.Error(t, err)
}
