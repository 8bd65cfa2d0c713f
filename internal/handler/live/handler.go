package live

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ad56740051/ZJ-SHUZIREN/internal/service/live"
)

// Handler 实时多模态对话的WebSocket入口。
type Handler struct {
	factory  live.UpstreamFactory
	tts      live.Synthesizer
	voice    string
	language string
	table    *live.Table
	upgrader websocket.Upgrader
}

// New 创建实时对话处理器。tts为nil时只下发文本事件。
func New(factory live.UpstreamFactory, tts live.Synthesizer, voice, language string) *Handler {
	return &Handler{
		factory:  factory,
		tts:      tts,
		voice:    voice,
		language: language,
		table:    live.NewTable(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册实时对话路由。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{clientID}", h.handleWebSocket)
}

// ActiveSessions 返回存活的代理会话数。
func (h *Handler) ActiveSessions() int {
	return h.table.Len()
}

// handleWebSocket 升级连接并为其运行一条专属的代理会话。
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[live] upgrade failed: %v", err)
		return
	}

	clientID := chi.URLParam(r, "clientID")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	proxy := live.NewProxy(clientID, live.NewWSChannel(conn), h.factory, h.tts, h.voice, h.language)
	h.table.Put(clientID, proxy)
	defer h.table.Remove(clientID)

	log.Printf("[live] client %s connected, %d active", clientID, h.table.Len())
	if err := proxy.Run(r.Context()); err != nil {
		log.Printf("[live] client %s terminated: %v", clientID, err)
		return
	}
	log.Printf("[live] client %s closed", clientID)
}
