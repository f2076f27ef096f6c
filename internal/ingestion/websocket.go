package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	logBuffer      = 256
)

var errSessionClosed = errors.New("session closed")

// rpcFrame is any JSON-RPC frame a node sends on a subscription socket.
type rpcFrame struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type logNotification struct {
	Subscription string   `json:"subscription"`
	Result       LogEntry `json:"result"`
}

// session is one WebSocket connection to a node carrying a single Sync log subscription.
// Logs are delivered on Logs in the order the node sent them.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	nextID      atomic.Int64
	subscribeID int64
	subID       atomic.Pointer[string]

	logs      chan *LogEntry
	closed    chan struct{}
	closeOnce sync.Once
}

// dialSession opens a connection to url with keepalive deadlines armed.
func dialSession(ctx context.Context, url string) (*session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	return &session{
		conn:   conn,
		logs:   make(chan *LogEntry, logBuffer),
		closed: make(chan struct{}),
	}, nil
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// subscribeSync asks the node for Sync logs emitted by pools. The node's answer is handled
// by readLoop.
func (s *session) subscribeSync(pools []string) error {
	id := s.nextID.Add(1)
	s.subscribeID = id

	filter := map[string]any{
		"address": pools,
		"topics":  []any{[]string{SyncEventTopic.Hex()}},
	}
	if err := s.write(id, "eth_subscribe", []any{"logs", filter}); err != nil {
		return fmt.Errorf("writing subscribe request: %w", err)
	}

	log.Info().Int64("id", id).Int("pools", len(pools)).Msg("Sent Sync subscription request")
	return nil
}

// unsubscribe drops the confirmed subscription, if any. Best effort.
func (s *session) unsubscribe() error {
	sub := s.subscription()
	if sub == "" {
		return nil
	}
	return s.write(s.nextID.Add(1), "eth_unsubscribe", []any{sub})
}

func (s *session) subscription() string {
	if p := s.subID.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *session) write(id int64, method string, params []any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
}

func (s *session) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// readLoop reads frames until the connection fails, the subscription is rejected or ctx
// is done. A full log buffer blocks the reader rather than dropping reserve updates.
func (s *session) readLoop(ctx context.Context) error {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return errSessionClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("websocket closed by node: %w", err)
			}
			return fmt.Errorf("reading message: %w", err)
		}

		var frame rpcFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Warn().Err(err).Msg("Failed to parse frame")
			continue
		}

		entry, err := s.handleFrame(&frame)
		if err != nil {
			return err
		}
		if entry == nil {
			continue
		}

		select {
		case s.logs <- entry:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return errSessionClosed
		}
	}
}

// handleFrame returns the log carried by a notification of the active subscription.
func (s *session) handleFrame(frame *rpcFrame) (*LogEntry, error) {
	if frame.ID != nil {
		if *frame.ID != s.subscribeID {
			return nil, nil
		}
		if frame.Error != nil {
			return nil, fmt.Errorf("subscription rejected: %d %s", frame.Error.Code, frame.Error.Message)
		}
		var sub string
		if err := json.Unmarshal(frame.Result, &sub); err != nil || sub == "" {
			return nil, fmt.Errorf("subscription response carries no id: %s", string(frame.Result))
		}
		s.subID.Store(&sub)
		log.Info().Str("subscription_id", sub).Msg("Subscription confirmed")
		return nil, nil
	}

	if frame.Method != "eth_subscription" || frame.Params == nil {
		return nil, nil
	}

	var n logNotification
	if err := json.Unmarshal(frame.Params, &n); err != nil {
		log.Warn().Err(err).Msg("Failed to parse notification")
		return nil, nil
	}
	if active := s.subscription(); n.Subscription != active {
		log.Warn().
			Str("subscription_id", n.Subscription).
			Str("active", active).
			Msg("Notification for unknown subscription, dropping")
		return nil, nil
	}
	return &n.Result, nil
}

// pingLoop keeps the connection alive until the session closes.
func (s *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				log.Warn().Err(err).Msg("Ping failed")
			}
		}
	}
}
