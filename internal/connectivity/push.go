package connectivity

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	dialRetryBase = time.Second
	dialRetryCap  = time.Minute
)

// pushMessage is the wire shape of a server hint. Unknown types are
// ignored so the server can add message kinds without breaking old
// clients.
type pushMessage struct {
	Type string `json:"type"`
}

// PushListener keeps a websocket open to the backend's sync-hint stream.
// Any message proves reachability; a message of type "sync" additionally
// kicks a drain. The listener is best-effort: the periodic probe remains
// the source of truth when the socket is down.
type PushListener struct {
	url     string
	monitor *Monitor
	onHint  func()
	logger  *slog.Logger
}

// NewPushListener wires the hint stream at url into the monitor. onHint
// is invoked for every sync hint; pass the coordinator's drain kick.
func NewPushListener(url string, monitor *Monitor, onHint func(), logger *slog.Logger) *PushListener {
	if logger == nil {
		logger = slog.Default()
	}

	return &PushListener{url: url, monitor: monitor, onHint: onHint, logger: logger}
}

// Run dials and reads until ctx is cancelled, reconnecting with
// exponential backoff after any failure. Returns ctx.Err().
func (p *PushListener) Run(ctx context.Context) error {
	delay := dialRetryBase

	for {
		if err := p.listen(ctx); err != nil && ctx.Err() == nil {
			p.logger.Debug("push channel closed", slog.String("error", err.Error()))
		}

		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}

		delay *= 2
		if delay > dialRetryCap {
			delay = dialRetryCap
		}
	}
}

// listen holds one websocket session until the read loop fails.
func (p *PushListener) listen(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, p.url, nil)
	if err != nil {
		return err
	}

	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		// A live server frame is proof of reachability.
		p.monitor.SetOnline(true)

		var msg pushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Debug("malformed push message", slog.String("error", err.Error()))

			continue
		}

		if msg.Type == "sync" && p.onHint != nil {
			p.onHint()
		}
	}
}
