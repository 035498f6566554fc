package token

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	model "github.com/zhouzirui/botline/internal/model/directline"
	"github.com/zhouzirui/botline/internal/pkg/logger"
	"github.com/zhouzirui/botline/internal/service/directline"
	"github.com/zhouzirui/botline/pkg/utils"
)

const generateFailed = "Failed to generate Direct Line token"

// Options 控制每个客户端IP的限流
type Options struct {
	// RatePerSecond 为 0 时不限流
	RatePerSecond float64
	Burst         int
	// LimiterIdle 闲置多久后回收某个IP的令牌桶，默认十分钟
	LimiterIdle time.Duration
}

// Handler 为聊天界面签发短期 Direct Line token，secret 只留在服务端
type Handler struct {
	tokens   directline.TokenSource
	opts     Options
	limiters *cache.Cache
	logger   *zap.Logger
}

// New 创建token处理器
func New(tokens directline.TokenSource, opts Options, log *zap.Logger) *Handler {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.LimiterIdle <= 0 {
		opts.LimiterIdle = 10 * time.Minute
	}
	return &Handler{
		tokens:   tokens,
		opts:     opts,
		limiters: cache.New(opts.LimiterIdle, opts.LimiterIdle/2),
		logger:   logger.OrNop(log).Named("token"),
	}
}

// RegisterRoutes 注册token相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/directline/token", h.handleGenerate)
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.allow(ip) {
		h.logger.Warn("token rate limit exceeded", zap.String("client_ip", ip))
		utils.RespondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var payload model.TokenRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.tokens.Token(r.Context(), payload.User)
	if err != nil {
		status := directline.StatusCode(err)
		if status == 0 {
			status = http.StatusInternalServerError
		}
		h.logger.Error("token generation failed", zap.Int("status", status), zap.Error(err))
		utils.RespondError(w, status, generateFailed)
		return
	}

	h.logger.Info("token issued",
		zap.String("conversation_id", resp.ConversationID),
		zap.String("client_ip", ip))
	utils.RespondJSON(w, http.StatusOK, model.IssuedToken{
		Token:          resp.Token,
		ConversationID: resp.ConversationID,
		ExpiresIn:      resp.ExpiresIn,
	})
}

// allow 按IP取令牌桶，闲置超过LimiterIdle后回收
func (h *Handler) allow(ip string) bool {
	if h.opts.RatePerSecond <= 0 {
		return true
	}
	if value, ok := h.limiters.Get(ip); ok {
		limiter := value.(*rate.Limiter)
		// 每次命中都续期，活跃的客户端不会拿回满桶
		h.limiters.SetDefault(ip, limiter)
		return limiter.Allow()
	}
	limiter := rate.NewLimiter(rate.Limit(h.opts.RatePerSecond), h.opts.Burst)
	if err := h.limiters.Add(ip, limiter, cache.DefaultExpiration); err != nil {
		// Lost the race to another request from the same client.
		if value, ok := h.limiters.Get(ip); ok {
			limiter = value.(*rate.Limiter)
		}
	}
	return limiter.Allow()
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
