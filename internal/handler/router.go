package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/botline/internal/handler/chat"
	"github.com/zhouzirui/botline/internal/handler/surface"
	"github.com/zhouzirui/botline/internal/handler/token"
	middlewarePkg "github.com/zhouzirui/botline/internal/middleware"
	surfaceModel "github.com/zhouzirui/botline/internal/model/surface"
	chatService "github.com/zhouzirui/botline/internal/service/chat"
	"github.com/zhouzirui/botline/internal/service/directline"
	"github.com/zhouzirui/botline/pkg/utils"
)

// Deps collects what the HTTP layer needs.
type Deps struct {
	Tokens         directline.TokenSource
	TokenRate      token.Options
	Variants       surfaceModel.Store
	Chat           *chatService.Service
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		// Token minting for surfaces that talk to Direct Line themselves
		token.New(deps.Tokens, deps.TokenRate, deps.Logger).RegisterRoutes(api)

		surface.New(deps.Variants).RegisterRoutes(api)

		if deps.Chat != nil {
			chat.New(deps.Chat, deps.Logger).RegisterRoutes(api)
		}
	})

	return r
}
