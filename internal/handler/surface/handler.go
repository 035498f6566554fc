package surface

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/botline/internal/model/surface"
	"github.com/zhouzirui/botline/pkg/utils"
)

// Handler 聊天界面变体的HTTP处理器
type Handler struct {
	variants surface.Store
}

// New 创建变体处理器
func New(variants surface.Store) *Handler {
	return &Handler{
		variants: variants,
	}
}

// RegisterRoutes 注册变体相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/variants", h.handleListVariants)
	r.Get("/variants/{variantID}", h.handleGetVariant)
}

// handleListVariants 列出所有变体
func (h *Handler) handleListVariants(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.variants.List())
}

func (h *Handler) handleGetVariant(w http.ResponseWriter, r *http.Request) {
	variant, ok := h.variants.FindByID(chi.URLParam(r, "variantID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "variant not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, variant)
}
