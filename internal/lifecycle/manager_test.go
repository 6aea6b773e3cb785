package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
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

type fakeConnRepo struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*domain.Connection
	insertErr error
	touched   map[uuid.UUID]int
}

func newFakeConnRepo() *fakeConnRepo {
	return &fakeConnRepo{
		rows:    make(map[uuid.UUID]*domain.Connection),
		touched: make(map[uuid.UUID]int),
	}
}

func (f *fakeConnRepo) Insert(_ context.Context, conn *domain.Connection) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	conn.ConnectedAt = now
	conn.LastActivity = now
	copied := *conn
	f.rows[conn.ConnectionID] = &copied
	return nil
}

func (f *fakeConnRepo) Authenticate(_ context.Context, connectionID, userID uuid.UUID, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[connectionID]
	if !ok || row.DisconnectedAt != nil {
		return domain.ErrConnectionNotFound
	}
	row.UserID = &userID
	row.DeviceID = deviceID
	return nil
}

func (f *fakeConnRepo) TouchActivity(_ context.Context, connectionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[connectionID]
	if !ok || row.DisconnectedAt != nil {
		return domain.ErrConnectionNotFound
	}
	row.LastActivity = time.Now()
	f.touched[connectionID]++
	return nil
}

func (f *fakeConnRepo) MarkDisconnected(_ context.Context, connectionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[connectionID]
	if ok && row.DisconnectedAt == nil {
		now := time.Now()
		row.DisconnectedAt = &now
	}
	return nil
}

func (f *fakeConnRepo) LiveByUser(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for _, row := range f.rows {
		if row.UserID != nil && *row.UserID == userID && row.DisconnectedAt == nil {
			ids = append(ids, row.ConnectionID)
		}
	}
	return ids, nil
}

func (f *fakeConnRepo) ListLive(_ context.Context) ([]domain.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Connection
	for _, row := range f.rows {
		if row.DisconnectedAt == nil {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeConnRepo) MarkStaleDisconnected(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, row := range f.rows {
		if row.DisconnectedAt == nil && row.LastActivity.Before(cutoff) {
			now := time.Now()
			row.DisconnectedAt = &now
			n++
		}
	}
	return n, nil
}

func (f *fakeConnRepo) get(connectionID uuid.UUID) *domain.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[connectionID]
}

type fakeSubRepo struct {
	mu       sync.Mutex
	channels map[uuid.UUID]map[string]struct{}
	err      error
}

func newFakeSubRepo() *fakeSubRepo {
	return &fakeSubRepo{channels: make(map[uuid.UUID]map[string]struct{})}
}

func (f *fakeSubRepo) Subscribe(_ context.Context, connectionID uuid.UUID, channels []string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.channels[connectionID]
	if !ok {
		set = make(map[string]struct{})
		f.channels[connectionID] = set
	}
	for _, ch := range channels {
		set[ch] = struct{}{}
	}
	return sortedKeys(set), nil
}

func (f *fakeSubRepo) Unsubscribe(_ context.Context, connectionID uuid.UUID, channels []string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.channels[connectionID]
	for _, ch := range channels {
		delete(set, ch)
	}
	return sortedKeys(set), nil
}

func (f *fakeSubRepo) Channels(_ context.Context, connectionID uuid.UUID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.channels[connectionID]), nil
}

func (f *fakeSubRepo) LiveConnectionsForChannel(_ context.Context, channel string) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for id, set := range f.channels {
		if _, ok := set[channel]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// --- Tests ---

func testManager(t *testing.T) (*Manager, *fakeConnRepo, *fakeSubRepo, *registry.Registry) {
	t.Helper()
	reg := registry.New(clockwork.NewRealClock())
	t.Cleanup(reg.Stop)
	conns := newFakeConnRepo()
	subs := newFakeSubRepo()
	return NewManager(reg, conns, subs, clockwork.NewRealClock()), conns, subs, reg
}

// dialPair returns the server side of a fresh websocket connection.
func dialPair(t *testing.T) *ws.Conn {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conns := make(chan *ws.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conns <- conn
	}))
	t.Cleanup(server.Close)

	client, _, err := ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return <-conns
}

func TestOpen_InsertsRowAndRegisters(t *testing.T) {
	mgr, conns, _, reg := testManager(t)
	serverConn := dialPair(t)

	connectionID, handle, err := mgr.Open(context.Background(), serverConn, ConnMeta{
		DeviceID:  "web",
		IPAddress: "10.0.0.1",
	})
	require.NoError(t, err)
	assert.NotNil(t, handle)

	row := conns.get(connectionID)
	require.NotNil(t, row)
	assert.Nil(t, row.DisconnectedAt)

	_, ok := reg.Get(connectionID)
	assert.True(t, ok)
}

func TestOpen_PersistenceFailureRejectsConnect(t *testing.T) {
	mgr, conns, _, reg := testManager(t)
	conns.insertErr = errors.New("insert failed")
	serverConn := dialPair(t)

	_, _, err := mgr.Open(context.Background(), serverConn, ConnMeta{DeviceID: "web"})
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestAuthenticate_Idempotent(t *testing.T) {
	mgr, conns, _, _ := testManager(t)
	serverConn := dialPair(t)

	connectionID, _, err := mgr.Open(context.Background(), serverConn, ConnMeta{DeviceID: "web"})
	require.NoError(t, err)

	userID := uuid.New()
	require.NoError(t, mgr.Authenticate(context.Background(), connectionID, userID, "app"))
	require.NoError(t, mgr.Authenticate(context.Background(), connectionID, userID, "app"))

	row := conns.get(connectionID)
	require.NotNil(t, row.UserID)
	assert.Equal(t, userID, *row.UserID)
	assert.Equal(t, "app", row.DeviceID)
}

func TestSubscribe_DeduplicatesChannels(t *testing.T) {
	mgr, _, _, _ := testManager(t)
	serverConn := dialPair(t)

	connectionID, _, err := mgr.Open(context.Background(), serverConn, ConnMeta{DeviceID: "web"})
	require.NoError(t, err)

	subscribed, err := mgr.Subscribe(context.Background(), connectionID, []string{"a", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, subscribed)
}

func TestSubscribe_IdempotentUnion(t *testing.T) {
	mgr, _, _, _ := testManager(t)
	serverConn := dialPair(t)

	connectionID, _, err := mgr.Open(context.Background(), serverConn, ConnMeta{DeviceID: "web"})
	require.NoError(t, err)

	_, err = mgr.Subscribe(context.Background(), connectionID, []string{"orders"})
	require.NoError(t, err)
	subscribed, err := mgr.Subscribe(context.Background(), connectionID, []string{"orders", "news"})
	require.NoError(t, err)
	assert.Equal(t, []string{"news", "orders"}, subscribed)
}

func TestSubscribe_RejectsInvalidChannel(t *testing.T) {
	mgr, _, _, _ := testManager(t)
	serverConn := dialPair(t)

	connectionID, _, err := mgr.Open(context.Background(), serverConn, ConnMeta{DeviceID: "web"})
	require.NoError(t, err)

	_, err = mgr.Subscribe(context.Background(), connectionID, []string{"   "})
	assert.Error(t, err)
}

func TestUnsubscribe_UnheldChannelIsNoOp(t *testing.T) {
	mgr, _, _, _ := testManager(t)
	serverConn := dialPair(t)

	connectionID, _, err := mgr.Open(context.Background(), serverConn, ConnMeta{DeviceID: "web"})
	require.NoError(t, err)

	_, err = mgr.Subscribe(context.Background(), connectionID, []string{"orders", "news"})
	require.NoError(t, err)

	remaining, err := mgr.Unsubscribe(context.Background(), connectionID, []string{"ratings"})
	require.NoError(t, err)
	assert.Equal(t, []string{"news", "orders"}, remaining)
}

func TestSubscribe_PersistenceFailureSurfaced(t *testing.T) {
	mgr, _, subs, reg := testManager(t)
	serverConn := dialPair(t)

	connectionID, _, err := mgr.Open(context.Background(), serverConn, ConnMeta{DeviceID: "web"})
	require.NoError(t, err)

	subs.err = errors.New("db down")
	_, err = mgr.Subscribe(context.Background(), connectionID, []string{"orders"})
	require.Error(t, err)

	// Registry state is not rolled back on persistence failure.
	_, ok := reg.Get(connectionID)
	assert.True(t, ok)
}

func TestClose_SafeToInvokeTwice(t *testing.T) {
	mgr, conns, _, reg := testManager(t)
	serverConn := dialPair(t)

	connectionID, _, err := mgr.Open(context.Background(), serverConn, ConnMeta{DeviceID: "web"})
	require.NoError(t, err)

	mgr.Close(context.Background(), connectionID)
	first := conns.get(connectionID).DisconnectedAt
	require.NotNil(t, first)

	mgr.Close(context.Background(), connectionID)
	assert.Equal(t, first, conns.get(connectionID).DisconnectedAt)
	assert.Equal(t, 0, reg.Len())
}

func TestOpenDetached_CreatesRowAndSubscriptions(t *testing.T) {
	mgr, conns, _, reg := testManager(t)

	connectionID, subscribed, err := mgr.OpenDetached(context.Background(), ConnMeta{DeviceID: "web"}, []string{"orders", "orders", "news"})
	require.NoError(t, err)
	assert.Equal(t, []string{"news", "orders"}, subscribed)

	require.NotNil(t, conns.get(connectionID))
	_, ok := reg.Get(connectionID)
	assert.False(t, ok, "detached connection must not be live")
}
