package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/botline/internal/model/chat"
	chatService "github.com/zhouzirui/botline/internal/service/chat"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 16 << 10
)

// inboundMessage 客户端发来的WebSocket消息
type inboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// outgoingMessage 推送给客户端的WebSocket消息
type outgoingMessage struct {
	Type     string         `json:"type"`
	Snapshot *chat.Snapshot `json:"snapshot,omitempty"`
	Entry    *chat.Entry    `json:"entry,omitempty"`
	State    chat.State     `json:"state,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// handleWebSocket 双向通道：服务端推送日志事件，客户端发送文本或重置指令
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	widget, ok := h.lookup(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.logger.With(zap.String("session_id", widget.ID))
	log.Info("websocket connected")
	defer log.Info("websocket disconnected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := widget.Log().Subscribe(ctx)
	replies := make(chan outgoingMessage, 8)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return h.readLoop(ctx, conn, widget, replies)
	})
	group.Go(func() error {
		return h.writeLoop(ctx, conn, widget, events, replies)
	})

	if err := group.Wait(); err != nil && !isExpectedClose(err) {
		log.Warn("websocket closed with error", zap.Error(err))
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, widget *chatService.Widget, replies chan<- outgoingMessage) error {
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if !h.chatSvc.Touch(widget.ID) {
			return chatService.ErrSessionNotFound
		}

		var reply *outgoingMessage
		switch strings.ToLower(msg.Type) {
		case "text":
			// Failures are also recorded as system entries in the log.
			if _, err := widget.Send(ctx, msg.Text); err != nil {
				reply = &outgoingMessage{Type: "error", Error: err.Error()}
			}
		case "reset":
			widget.Reset()
			if _, err := widget.Connect(ctx); err != nil {
				reply = &outgoingMessage{Type: "error", Error: err.Error()}
			}
		case "connect":
			if _, err := widget.Connect(ctx); err != nil {
				reply = &outgoingMessage{Type: "error", Error: err.Error()}
			}
		default:
			reply = &outgoingMessage{Type: "error", Error: "unsupported message type: " + msg.Type}
		}

		if reply == nil {
			continue
		}
		select {
		case replies <- *reply:
		case <-ctx.Done():
			return nil
		}
	}
}

// writeLoop 是连接上唯一的写者
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, widget *chatService.Widget, events <-chan chat.Event, replies <-chan outgoingMessage) error {
	// Closing the connection unblocks the reader.
	defer conn.Close()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	snapshot := widget.Snapshot()
	if err := writeJSON(conn, outgoingMessage{Type: "snapshot", Snapshot: &snapshot}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return nil
		case event, open := <-events:
			if !open {
				// 会话已关闭
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(wsWriteWait))
				return nil
			}
			if err := writeJSON(conn, outgoingMessage{Type: string(event.Type), Entry: event.Entry, State: event.State}); err != nil {
				return err
			}
		case reply := <-replies:
			if err := writeJSON(conn, reply); err != nil {
				return err
			}
		case <-ticker.C:
			if !h.chatSvc.Touch(widget.ID) {
				return chatService.ErrSessionNotFound
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return err
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, msg outgoingMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}

func isExpectedClose(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, chatService.ErrSessionNotFound) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
