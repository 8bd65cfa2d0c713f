package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	avatarservice "github.com/ad56740051/ZJ-SHUZIREN/internal/service/avatar"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/service/dialogue"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/transport"
	"github.com/ad56740051/ZJ-SHUZIREN/pkg/utils"
)

// maxAudioUploadBytes 限制单次音频注入的大小。
const maxAudioUploadBytes = 32 << 20

// chatTimeout 单次大模型播报任务的兜底超时。
const chatTimeout = 120 * time.Second

// ChatService 提供chat指令背后的大模型对话能力。
type ChatService interface {
	StreamingEnabled() bool
	GenerateResponse(ctx context.Context, sessionID string, history []*schema.Message, userMessage string) (*schema.Message, error)
	StreamResponse(ctx context.Context, history []*schema.Message, userMessage string) (*schema.StreamReader[*schema.Message], error)
}

// Handler 数字人会话的HTTP控制面。
type Handler struct {
	registry *avatarservice.Registry
	dialer   transport.Dialer
	chat     ChatService
	driver   *dialogue.Driver

	historyMu sync.Mutex
	history   map[string][]*schema.Message
}

// New 创建数字人控制处理器。chat可以为nil，表示chat指令不可用。
func New(registry *avatarservice.Registry, dialer transport.Dialer, chat ChatService, driver *dialogue.Driver) *Handler {
	return &Handler{
		registry: registry,
		dialer:   dialer,
		chat:     chat,
		driver:   driver,
		history:  make(map[string][]*schema.Message),
	}
}

// RegisterRoutes 注册数字人控制路由。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/offer", h.handleOffer)
	r.Post("/human", h.handleHuman)
	r.Post("/humanaudio", h.handleHumanAudio)
	r.Post("/set_audiotype", h.handleSetAudioType)
	r.Post("/record", h.handleRecord)
	r.Post("/is_speaking", h.handleIsSpeaking)
	r.Post("/set_static_video", h.handleSetStaticVideo)
}

// handleOffer 接纳新会话并完成WebRTC协商。
func (h *Handler) handleOffer(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionid"`
		SDP       string `json:"sdp"`
		Type      string `json:"type"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondFail(w, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.SDP) == "" {
		utils.RespondFail(w, "sdp is required")
		return
	}

	session, err := h.registry.Admit(r.Context(), payload.SessionID)
	if err != nil {
		if errors.Is(err, avatarservice.ErrAdmissionRejected) {
			log.Printf("[avatar] admission rejected, %d sessions active", h.registry.Len())
			utils.RespondFail(w, "reached max sessions")
			return
		}
		utils.RespondFail(w, err.Error())
		return
	}

	peer, err := h.dialer.NewPeer(r.Context())
	if err != nil {
		h.registry.Remove(session.ID())
		utils.RespondFail(w, "create peer failed: "+err.Error())
		return
	}

	sessionID := session.ID()
	peer.OnStateChange(func(state transport.State) {
		session.HandleTransportState(state)
		if state.Terminal() {
			h.registry.Remove(sessionID)
			h.dropHistory(sessionID)
		}
	})
	session.BindPeer(peer)

	answer, err := peer.Answer(r.Context(), payload.SDP)
	if err != nil {
		h.registry.Remove(sessionID)
		utils.RespondFail(w, "negotiate failed: "+err.Error())
		return
	}

	log.Printf("[avatar] session %s admitted, %d active", sessionID, h.registry.Len())
	utils.RespondData(w, map[string]string{
		"sessionid": sessionID,
		"sdp":       answer,
		"type":      "answer",
	})
}

// handleHuman 处理文本指令：echo直接播报，chat走大模型，interrupt打断当前播报。
func (h *Handler) handleHuman(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionid"`
		Type      string `json:"type"`
		Text      string `json:"text"`
		Interrupt bool   `json:"interrupt"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondFail(w, "invalid request body")
		return
	}

	session, err := h.registry.Lookup(payload.SessionID)
	if err != nil {
		utils.RespondFail(w, "session not found")
		return
	}

	if payload.Interrupt {
		if err := session.FlushTalk(); err != nil {
			utils.RespondFail(w, err.Error())
			return
		}
	}

	switch payload.Type {
	case "echo":
		if strings.TrimSpace(payload.Text) == "" {
			utils.RespondFail(w, "text is required")
			return
		}
		if err := session.PutText(payload.Text); err != nil {
			utils.RespondFail(w, err.Error())
			return
		}
	case "chat":
		if h.chat == nil {
			utils.RespondFail(w, "chat unavailable")
			return
		}
		if strings.TrimSpace(payload.Text) == "" {
			utils.RespondFail(w, "text is required")
			return
		}
		// 大模型播报是长任务，立即返回，后台分句驱动渲染器。
		go h.runChat(session, payload.Text)
	case "":
		if !payload.Interrupt {
			utils.RespondFail(w, "type is required")
			return
		}
	default:
		utils.RespondFail(w, "unknown type "+payload.Type)
		return
	}

	utils.RespondOK(w)
}

// runChat 生成回复并送入渲染器。流式模式下边生成边分句，
// 非流式模式下整轮生成后一次性播报。
func (h *Handler) runChat(session *avatarservice.Session, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), chatTimeout)
	defer cancel()

	sessionID := session.ID()
	history := h.snapshotHistory(sessionID)

	if !h.chat.StreamingEnabled() {
		response, err := h.chat.GenerateResponse(ctx, sessionID, history, text)
		if err != nil {
			log.Printf("[avatar] %s: chat generate failed: %v", sessionID, err)
			return
		}
		if err := session.PutText(response.Content); err != nil {
			log.Printf("[avatar] %s: chat put text failed: %v", sessionID, err)
			return
		}
		h.appendHistory(sessionID, schema.UserMessage(text), schema.AssistantMessage(response.Content, nil))
		return
	}

	stream, err := h.chat.StreamResponse(ctx, history, text)
	if err != nil {
		log.Printf("[avatar] %s: chat stream failed: %v", sessionID, err)
		return
	}

	var reply strings.Builder
	sink := dialogue.SinkFunc(func(chunk string) error {
		reply.WriteString(chunk)
		return session.PutText(chunk)
	})

	if err := h.driver.Drive(ctx, stream, sink); err != nil {
		log.Printf("[avatar] %s: chat drive failed: %v", sessionID, err)
		return
	}

	h.appendHistory(sessionID, schema.UserMessage(text), schema.AssistantMessage(reply.String(), nil))
}

// handleHumanAudio 注入预录音频。
func (h *Handler) handleHumanAudio(w http.ResponseWriter, r *http.Request) {
	sessionID := r.FormValue("sessionid")
	session, err := h.registry.Lookup(sessionID)
	if err != nil {
		utils.RespondFail(w, "session not found")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		utils.RespondFail(w, "file is required")
		return
	}
	defer file.Close()

	// 多读一个字节以区分刚好达到上限和超出上限。
	data, err := io.ReadAll(io.LimitReader(file, maxAudioUploadBytes+1))
	if err != nil {
		utils.RespondFail(w, "read audio failed")
		return
	}
	if len(data) > maxAudioUploadBytes {
		utils.RespondFail(w, "audio exceeds size limit")
		return
	}

	if err := session.PutAudioFile(data); err != nil {
		if errors.Is(err, avatarservice.ErrInvalidInput) {
			utils.RespondFail(w, "audio payload is empty")
			return
		}
		utils.RespondFail(w, err.Error())
		return
	}

	utils.RespondOK(w)
}

// handleSetAudioType 切换动画状态。
func (h *Handler) handleSetAudioType(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionid"`
		AudioType int    `json:"audiotype"`
		Reinit    bool   `json:"reinit"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondFail(w, "invalid request body")
		return
	}

	session, err := h.registry.Lookup(payload.SessionID)
	if err != nil {
		utils.RespondFail(w, "session not found")
		return
	}

	if err := session.SetAudioType(payload.AudioType, payload.Reinit); err != nil {
		utils.RespondFail(w, err.Error())
		return
	}

	utils.RespondOK(w)
}

// handleRecord 控制录制的开始与结束。
func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionid"`
		Type      string `json:"type"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondFail(w, "invalid request body")
		return
	}

	session, err := h.registry.Lookup(payload.SessionID)
	if err != nil {
		utils.RespondFail(w, "session not found")
		return
	}

	switch payload.Type {
	case "start_record":
		err = session.StartRecording()
	case "end_record":
		err = session.StopRecording()
	default:
		utils.RespondFail(w, "unknown record type "+payload.Type)
		return
	}
	if err != nil {
		utils.RespondFail(w, err.Error())
		return
	}

	utils.RespondOK(w)
}

// handleIsSpeaking 查询渲染器是否正在播报。
func (h *Handler) handleIsSpeaking(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionid"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondFail(w, "invalid request body")
		return
	}

	session, err := h.registry.Lookup(payload.SessionID)
	if err != nil {
		utils.RespondFail(w, "session not found")
		return
	}

	utils.RespondData(w, session.IsSpeaking())
}

// handleSetStaticVideo 控制兜底静态视频。
func (h *Handler) handleSetStaticVideo(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionid"`
		Type      string `json:"type"`
		Path      string `json:"path"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondFail(w, "invalid request body")
		return
	}

	session, err := h.registry.Lookup(payload.SessionID)
	if err != nil {
		utils.RespondFail(w, "session not found")
		return
	}

	switch payload.Type {
	case "start":
		if strings.TrimSpace(payload.Path) == "" {
			utils.RespondFail(w, "path is required")
			return
		}
		err = session.LoadStaticVideo(payload.Path)
	case "stop":
		err = session.DisableStaticVideo()
	default:
		utils.RespondFail(w, "unknown type "+payload.Type)
		return
	}
	if err != nil {
		utils.RespondFail(w, err.Error())
		return
	}

	utils.RespondOK(w)
}

func (h *Handler) snapshotHistory(sessionID string) []*schema.Message {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	return append([]*schema.Message(nil), h.history[sessionID]...)
}

func (h *Handler) appendHistory(sessionID string, messages ...*schema.Message) {
	h.historyMu.Lock()
	h.history[sessionID] = append(h.history[sessionID], messages...)
	h.historyMu.Unlock()
}

func (h *Handler) dropHistory(sessionID string) {
	h.historyMu.Lock()
	delete(h.history, sessionID)
	h.historyMu.Unlock()
}
