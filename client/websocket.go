package client

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StatusWatcher keeps a websocket open to the backend and nudges subscribers
// whenever the queue may have changed. Nudges only shorten polling waits, the
// HTTP queue endpoint stays the source of truth.
type StatusWatcher struct {
	WebSocketURL string
	Dialer       websocket.Dialer

	// Exponential backoff configuration
	BaseDelay time.Duration // The initial delay, e.g., 1 second
	MaxDelay  time.Duration // The maximum delay, e.g., 1 minute

	logger      *zap.Logger
	mu          sync.Mutex
	subscribers map[int]chan struct{}
	nextSub     int
	retryCount  int
	connected   bool
	remaining   int
}

// NewStatusWatcher creates a watcher for the backend the client talks to
func (c *ComfyClient) NewStatusWatcher() *StatusWatcher {
	wsURL := c.baseURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	return &StatusWatcher{
		WebSocketURL: wsURL + "/ws?clientId=" + c.clientid,
		Dialer:       *websocket.DefaultDialer,
		BaseDelay:    time.Second,
		MaxDelay:     time.Minute,
		logger:       c.logger.Named("ws"),
		subscribers:  make(map[int]chan struct{}),
	}
}

// Subscribe returns a channel that receives a value whenever the queue may
// have changed. The channel is buffered so bursts collapse into one nudge.
func (w *StatusWatcher) Subscribe() (<-chan struct{}, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSub
	w.nextSub++
	ch := make(chan struct{}, 1)
	w.subscribers[id] = ch
	return ch, func() {
		w.mu.Lock()
		delete(w.subscribers, id)
		w.mu.Unlock()
	}
}

// Connected reports whether the websocket is currently open
func (w *StatusWatcher) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// QueueRemaining is the last queue size reported by the backend
func (w *StatusWatcher) QueueRemaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remaining
}

// Run connects and reads messages until ctx is cancelled, reconnecting with
// exponential backoff whenever the connection drops.
func (w *StatusWatcher) Run(ctx context.Context) {
	for {
		conn, _, err := w.Dialer.DialContext(ctx, w.WebSocketURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := w.getReconnectDelay()
			w.logger.Warn("websocket connection attempt failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		w.mu.Lock()
		w.connected = true
		w.retryCount = 0
		w.mu.Unlock()
		w.logger.Info("websocket connected", zap.String("url", w.WebSocketURL))

		w.handleMessages(ctx, conn)

		w.mu.Lock()
		w.connected = false
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		// a dropped connection may have hidden a completion
		w.broadcast()
	}
}

// Handle incoming WebSocket messages
func (w *StatusWatcher) handleMessages(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer func() {
		stop()
		conn.Close()
	}()

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			// binary frames carry previews
			continue
		}
		w.OnMessage(message)
	}
}

// OnMessage handles one text frame from the backend
func (w *StatusWatcher) OnMessage(message []byte) {
	msg := &WSStatusMessage{}
	if err := json.Unmarshal(message, msg); err != nil {
		w.logger.Debug("ignoring malformed websocket message", zap.Error(err))
		return
	}

	switch d := msg.Data.(type) {
	case *WSMessageDataStatus:
		w.mu.Lock()
		w.remaining = d.Status.ExecInfo.QueueRemaining
		w.mu.Unlock()
	case *WSMessageExecutionError:
		w.logger.Warn("prompt execution failed",
			zap.String("prompt_id", d.PromptID),
			zap.String("node_type", d.NodeType),
			zap.String("exception", d.ExceptionMessage))
	}

	if msg.signalsProgress() {
		w.logger.Debug("queue progress", zap.String("type", msg.Type), zap.String("prompt_id", msg.promptID()))
		w.broadcast()
	}
}

func (w *StatusWatcher) broadcast() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// exponential backoff calculation
func (w *StatusWatcher) getReconnectDelay() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Calculate the delay as BaseDelay * 2^(RetryCount), capped at MaxDelay
	delay := w.BaseDelay * time.Duration(math.Pow(2, float64(w.retryCount)))
	if delay > w.MaxDelay || delay <= 0 {
		delay = w.MaxDelay
	}
	w.retryCount++
	return delay
}
