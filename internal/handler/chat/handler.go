package chat

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/botline/internal/pkg/logger"
	chatService "github.com/zhouzirui/botline/internal/service/chat"
	"github.com/zhouzirui/botline/pkg/utils"
)

const defaultHeartbeat = 15 * time.Second

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc   *chatService.Service
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	heartbeat time.Duration
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, log *zap.Logger) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		logger:  logger.OrNop(log).Named("chat_handler"),
		upgrader: websocket.Upgrader{
			// Origin checks happen in the CORS middleware.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		heartbeat: defaultHeartbeat,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/chat/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.handleGetSession)
			r.Delete("/", h.handleDeleteSession)
			r.Post("/connect", h.handleConnect)
			r.Post("/messages", h.handleSendMessage)
			r.Post("/reset", h.handleReset)
			r.Get("/events", h.handleEvents)
			r.Get("/ws", h.handleWebSocket)
		})
	})
}

// handleCreateSession 挂载一个聊天界面并立即连接。连接失败仍返回201，失败原因在日志条目里。
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		VariantID string `json:"variantId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	widget, err := h.chatSvc.CreateSession(r.Context(), payload.VariantID)
	if err != nil {
		if errors.Is(err, chatService.ErrVariantNotFound) {
			utils.RespondError(w, http.StatusBadRequest, "variant not found")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if _, err := widget.Connect(r.Context()); err != nil {
		h.logger.Warn("initial connect failed", zap.String("session_id", widget.ID), zap.Error(err))
	}

	utils.RespondJSON(w, http.StatusCreated, widget.Snapshot())
}

// handleGetSession 返回会话快照
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	widget, ok := h.lookup(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, widget.Snapshot())
}

// handleDeleteSession 关闭会话
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConnect 手动重连
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	widget, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if _, err := widget.Connect(r.Context()); err != nil {
		respondChatError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, widget.Snapshot())
}

// handleSendMessage 发送用户消息，成功时返回乐观追加的条目
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	widget, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	activity, err := widget.Send(r.Context(), payload.Text)
	if err != nil {
		respondChatError(w, err)
		return
	}

	response := map[string]any{"activityId": activity.ID}
	if entry, found := widget.Log().FindByActivityID(activity.ID); found {
		response["entry"] = entry
	}
	utils.RespondJSON(w, http.StatusAccepted, response)
}

// handleReset 清空会话并重新连接
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	widget, ok := h.lookup(w, r)
	if !ok {
		return
	}

	widget.Reset()
	if _, err := widget.Connect(r.Context()); err != nil {
		if errors.Is(err, chatService.ErrClosed) {
			respondChatError(w, err)
			return
		}
		h.logger.Warn("reconnect after reset failed", zap.String("session_id", widget.ID), zap.Error(err))
	}
	utils.RespondJSON(w, http.StatusOK, widget.Snapshot())
}

// handleEvents 以SSE推送日志事件，先发送一次完整快照
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	widget, ok := h.lookup(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	events := widget.Log().Subscribe(ctx)

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEEvent(w, flusher, "snapshot", widget.Snapshot()); err != nil {
		return
	}

	h.logger.Debug("sse stream opened", zap.String("session_id", widget.ID))
	defer h.logger.Debug("sse stream closed", zap.String("session_id", widget.ID))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, string(event.Type), event); err != nil {
				return
			}
		case <-ticker.C:
			// 打开的流保持会话存活
			if !h.chatSvc.Touch(widget.ID) {
				return
			}
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*chatService.Widget, bool) {
	widget, err := h.chatSvc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return widget, true
}

// respondChatError 将会话错误映射为HTTP状态码
func respondChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatService.ErrEmptyMessage):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chatService.ErrNotConnected), errors.Is(err, chatService.ErrAlreadyConnected):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chatService.ErrClosed):
		utils.RespondError(w, http.StatusNotFound, chatService.ErrSessionNotFound.Error())
	case errors.Is(err, chatService.ErrConnectionFailure), errors.Is(err, chatService.ErrSendFailure):
		utils.RespondError(w, http.StatusBadGateway, err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}
