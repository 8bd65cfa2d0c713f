package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	avatarHandler "github.com/ad56740051/ZJ-SHUZIREN/internal/handler/avatar"
	liveHandler "github.com/ad56740051/ZJ-SHUZIREN/internal/handler/live"
	middlewarePkg "github.com/ad56740051/ZJ-SHUZIREN/internal/middleware"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/service/ai"
	avatarService "github.com/ad56740051/ZJ-SHUZIREN/internal/service/avatar"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/service/dialogue"
	liveService "github.com/ad56740051/ZJ-SHUZIREN/internal/service/live"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/transport"
	"github.com/ad56740051/ZJ-SHUZIREN/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(
	registry *avatarService.Registry,
	dialer transport.Dialer,
	aiSvc *ai.Service,
	driver *dialogue.Driver,
	upstreamFactory liveService.UpstreamFactory,
	tts liveService.Synthesizer,
	ttsVoice, ttsLanguage string,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	// 空指针不能直接塞进接口，否则chat指令会误判为可用。
	var chat avatarHandler.ChatService
	if aiSvc != nil {
		chat = aiSvc
	}
	avatarH := avatarHandler.New(registry, dialer, chat, driver)

	r.Route("/api", func(api chi.Router) {
		avatarH.RegisterRoutes(api)

		// 实时多模态对话只有在上游配置可用时才开放。
		if upstreamFactory != nil {
			liveH := liveHandler.New(upstreamFactory, tts, ttsVoice, ttsLanguage)
			liveH.RegisterRoutes(api)
		}

		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondData(w, map[string]int{"sessions": registry.Len()})
		})
	})

	return r
}
