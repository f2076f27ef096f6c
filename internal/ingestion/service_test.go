package ingestion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testPool = "0xeaae66c72513796363181e0d3954a15a0a64cc22"

type recordingHandler struct {
	mu     sync.Mutex
	events []*SyncEvent
}

func (h *recordingHandler) HandleSync(ctx context.Context, ev *SyncEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func syncLog(pool, tx, logIndex string, removed bool) *LogEntry {
	return &LogEntry{
		Address: pool,
		Topics:  []string{SyncEventTopic.Hex()},
		Data: "0x" +
			"00000000000000000000000000000000000000000000000000000000000f4240" +
			"00000000000000000000000000000000000000000000000000000000000f4240",
		BlockNumber:     "0x10",
		TransactionHash: tx,
		LogIndex:        logIndex,
		Removed:         removed,
	}
}

func syncNotification(t *testing.T, sub string, entry *LogEntry) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"subscription": sub, "result": entry})
	require.NoError(t, err)
	return raw
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestService(t *testing.T, url string, h SyncHandler) *Service {
	t.Helper()
	svc, err := NewService(url, []string{strings.ToUpper(testPool[:2]) + testPool[2:]}, h, 16, nil)
	require.NoError(t, err)
	return svc
}

// TestProcessLogDeliversTrackedSync verifies a tracked pool's log reaches the handler once.
func TestProcessLogDeliversTrackedSync(t *testing.T) {
	h := &recordingHandler{}
	svc := newTestService(t, "", h)
	ctx := context.Background()

	svc.processLog(ctx, syncLog(testPool, "0xaa", "0x1", false))
	svc.processLog(ctx, syncLog(testPool, "0xaa", "0x1", false))
	svc.processLog(ctx, syncLog(testPool, "0xaa", "0x2", false))

	require.Equal(t, 2, h.count(), "the redelivered log is dropped")
	require.Equal(t, uint64(0x10), svc.LastBlockNumber())
	require.Equal(t, int64(1_000_000), h.events[0].Reserve0.Int64())
}

// TestProcessLogSkipsUntrackedAndRemoved verifies foreign pools and reorged logs are ignored.
func TestProcessLogSkipsUntrackedAndRemoved(t *testing.T) {
	h := &recordingHandler{}
	svc := newTestService(t, "", h)
	ctx := context.Background()

	svc.processLog(ctx, syncLog("0x9999999999999999999999999999999999999999", "0xbb", "0x0", false))
	svc.processLog(ctx, syncLog(testPool, "0xcc", "0x0", true))
	svc.processLog(ctx, &LogEntry{Address: testPool})

	require.Zero(t, h.count())
	require.True(t, svc.IsTracked(strings.ToUpper(testPool)))
	require.Equal(t, 1, svc.TrackedPoolCount())
}

// TestRunSubscribesAndStreams runs the service against an in-process node.
func TestRunSubscribesAndStreams(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan map[string]any, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req

		_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": "0xsub"})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"broken"`))
		for _, idx := range []string{"0x0", "0x0", "0x1"} {
			_ = conn.WriteJSON(map[string]any{
				"jsonrpc": "2.0",
				"method":  "eth_subscription",
				"params":  syncNotification(t, "0xsub", syncLog(testPool, "0xdd", idx, false)),
			})
		}
		// A stale subscription's log must not reach the handler.
		_ = conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "eth_subscription",
			"params":  syncNotification(t, "0xold", syncLog(testPool, "0xee", "0x0", false)),
		})

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	h := &recordingHandler{}
	svc := newTestService(t, wsURL(srv), h)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	req := <-subscribed
	require.Equal(t, "eth_subscribe", req["method"])
	params := req["params"].([]any)
	require.Equal(t, "logs", params[0])
	filter := params[1].(map[string]any)
	require.Equal(t, []any{testPool}, filter["address"])
	require.Equal(t, []any{[]any{SyncEventTopic.Hex()}}, filter["topics"])

	require.Eventually(t, func() bool { return h.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
	require.Equal(t, 2, h.count())
}

// TestRunKeepsRetryingUnreachableNode verifies Run redials past any number of failures and
// ends only when its context is cancelled.
func TestRunKeepsRetryingUnreachableNode(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "node down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc := newTestService(t, wsURL(srv), &recordingHandler{})
	svc.backoff = func(int) time.Duration { return time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return dials.Load() > 25 }, 5*time.Second, 5*time.Millisecond)
	select {
	case err := <-errCh:
		t.Fatalf("Run gave up while the context was live: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

// TestRunRedialsAfterRejectedSubscription treats a subscribe error as a failed session.
func TestRunRedialsAfterRejectedSubscription(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var sessions atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		sessions.Add(1)

		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"id":      req["id"],
			"error":   map[string]any{"code": -32601, "message": "logs subscriptions unsupported"},
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	svc := newTestService(t, wsURL(srv), &recordingHandler{})
	svc.backoff = func(int) time.Duration { return time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return sessions.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

// TestCalculateBackoff verifies exponential growth with a cap that holds for long outages.
func TestCalculateBackoff(t *testing.T) {
	require.Equal(t, 2*time.Second, calculateBackoff(1))
	require.Equal(t, 16*time.Second, calculateBackoff(4))
	require.Equal(t, maxBackoff, calculateBackoff(8))
	require.Equal(t, maxBackoff, calculateBackoff(70))
	require.Equal(t, maxBackoff, calculateBackoff(1_000_000))
}
