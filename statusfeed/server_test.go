package statusfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/connectivity"
)

func startFeed(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer(nil, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Stop()
		srv.Close()
	})
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestNewClientReceivesCurrentStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, url := startFeed(t)

	s.PublishStatus(connectivity.Status{State: connectivity.StateOnlineIdle, IsOnline: true, SyncProgress: 100})

	conn := dial(t, ctx, url)
	msg := readMessage(t, ctx, conn)
	require.Equal(t, MessageTypeStatus, msg.Type)

	var st map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &st))
	require.Equal(t, "online-idle", st["state"])
	require.Equal(t, true, st["isOnline"])
	require.EqualValues(t, 100, st["syncProgress"])
}

func TestNotificationsReachAllClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, url := startFeed(t)

	a := dial(t, ctx, url)
	b := dial(t, ctx, url)
	require.Eventually(t, func() bool { return s.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	var notifier connectivity.Notifier = s
	notifier.Notify("Synced 2 pending changes.", connectivity.SeveritySuccess)

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, ctx, conn)
		require.Equal(t, MessageTypeNotification, msg.Type)
		var data NotificationData
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		require.Equal(t, "Synced 2 pending changes.", data.Message)
		require.Equal(t, connectivity.SeveritySuccess, data.Severity)
	}
}

func TestFollowPublishesUpdates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, url := startFeed(t)

	conn := dial(t, ctx, url)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	updates := make(chan connectivity.Status, 2)
	updates <- connectivity.Status{State: connectivity.StateOffline, PendingSync: true}
	updates <- connectivity.Status{State: connectivity.StateOnlineSyncing, IsOnline: true, PendingSync: true}
	close(updates)
	s.Follow(ctx, updates)

	first := readMessage(t, ctx, conn)
	second := readMessage(t, ctx, conn)
	require.Contains(t, string(first.Data), `"state":"offline"`)
	require.Contains(t, string(second.Data), `"state":"online-syncing"`)
}

func TestClientDisconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, url := startFeed(t)

	conn, _, err := websocket.Dial(ctx, url+"/ws", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return s.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	s := NewServer(nil, nil)
	defer s.Stop()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.EqualValues(t, 0, body["clients"])
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	s := NewServer(cfg, nil)
	require.NoError(t, s.Start())
	require.NotEqual(t, "127.0.0.1:0", s.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.Zero(t, s.ClientCount())
}
