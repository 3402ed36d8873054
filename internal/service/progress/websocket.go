package progress

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kapu/outlier-scout-go/internal/domain"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Bridge streams one analysis' progress events to a browser over a websocket.
type Bridge struct {
	broadcaster Broadcaster
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

func NewBridge(broadcaster Broadcaster, logger *zap.Logger) *Bridge {
	return &Bridge{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve upgrades the request and forwards events until a terminal event is
// sent or the client goes away. snapshot, when set, is written first so a late
// subscriber starts from the persisted state instead of nothing.
func (br *Bridge) Serve(w http.ResponseWriter, r *http.Request, analysisID string, snapshot *domain.ProgressEvent) error {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// subscribe before the handshake completes so nothing published after the
	// client sees the upgrade is missed
	sub, err := br.broadcaster.Subscribe(ctx, analysisID)
	if err != nil {
		http.Error(w, "progress unavailable", http.StatusServiceUnavailable)
		return err
	}
	defer sub.Close()

	conn, err := br.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	br.logger.Debug("Progress websocket opened", zap.String("analysis_id", analysisID))

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if snapshot != nil {
		if err := br.write(conn, *snapshot); err != nil {
			return err
		}
		if snapshot.IsTerminal() {
			return br.closeNormally(conn)
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				return br.closeNormally(conn)
			}
			if err := br.write(conn, event); err != nil {
				return err
			}
			if event.IsTerminal() {
				return br.closeNormally(conn)
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		}
	}
}

func (br *Bridge) write(conn *websocket.Conn, event domain.ProgressEvent) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

func (br *Bridge) closeNormally(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
