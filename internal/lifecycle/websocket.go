package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Reconnect backoff for the websocket feed.
const (
	reconnectInitBackoff = 1 * time.Second
	reconnectMaxBackoff  = 30 * time.Second
	reconnectBackoffMult = 2
)

// Message is one frame of the app-state feed.
type Message struct {
	State string `json:"state"`
}

// WebsocketSource follows an app-state feed served by the host app's bridge.
// Each text frame is a JSON Message. The connection is re-dialed with
// exponential backoff until ctx is canceled.
type WebsocketSource struct {
	url    string
	logger *slog.Logger

	initBackoff time.Duration
	maxBackoff  time.Duration
}

// NewWebsocketSource returns a source for the feed at url (ws:// or wss://).
func NewWebsocketSource(url string, logger *slog.Logger) *WebsocketSource {
	return &WebsocketSource{
		url:         url,
		logger:      logger,
		initBackoff: reconnectInitBackoff,
		maxBackoff:  reconnectMaxBackoff,
	}
}

// Run implements Source.
func (w *WebsocketSource) Run(ctx context.Context, emit func(State)) error {
	backoff := w.initBackoff

	for {
		received, err := w.follow(ctx, emit)
		if ctx.Err() != nil {
			return nil
		}

		if received {
			backoff = w.initBackoff
		}

		w.logger.Warn("lifecycle: feed disconnected",
			slog.String("url", w.url),
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff),
		)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		backoff = min(backoff*reconnectBackoffMult, w.maxBackoff)
	}
}

// follow reads one connection until it fails. received reports whether any
// frame arrived, which resets the reconnect backoff.
func (w *WebsocketSource) follow(ctx context.Context, emit func(State)) (received bool, err error) {
	conn, _, err := websocket.Dial(ctx, w.url, nil)
	if err != nil {
		return false, fmt.Errorf("lifecycle: dialing %s: %w", w.url, err)
	}
	defer conn.CloseNow()

	w.logger.Info("lifecycle: feed connected", slog.String("url", w.url))

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return received, errors.New("lifecycle: feed closed by peer")
			}

			return received, err
		}

		received = true

		st, ok, err := ParseState(msg.State)
		if err != nil {
			w.logger.Warn("lifecycle: ignoring frame", slog.String("error", err.Error()))
			continue
		}

		if !ok {
			continue
		}

		w.logger.Debug("lifecycle: state received", slog.String("state", string(st)))
		emit(st)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
