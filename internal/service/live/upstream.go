package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ad56740051/ZJ-SHUZIREN/internal/config"
)

// Upstream 抽象一条持久的上游多模态会话。实现保证Setup只发送一次，
// 且在收到上游确认之前不会有任何轮次流量。
type Upstream interface {
	// Connect 建立连接，发送setup消息并等待一条确认。只允许调用一次。
	Connect() error
	// SendAudio 转发一段base64编码的PCM音频。
	SendAudio(base64PCM string) error
	// SendImage 转发一帧base64编码的JPEG图像。
	SendImage(base64JPEG string) error
	// SendText 作为完整的用户轮次发送文本。
	SendText(text string) error
	// Receive 阻塞读取下一条上游消息。
	Receive() ([]byte, error)
	// Close 关闭连接，幂等。
	Close() error
}

// UpstreamFactory 按客户端配置创建上游会话。
type UpstreamFactory func(clientCfg ClientConfig) Upstream

// GeminiSession 通过WebSocket对接Gemini BidiGenerateContent实时接口。
type GeminiSession struct {
	cfg       config.LiveConfig
	clientCfg ClientConfig
	dialer    *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closeOnce sync.Once
	closeErr  error
}

// NewGeminiSession 创建未连接的上游会话。
func NewGeminiSession(cfg config.LiveConfig, clientCfg ClientConfig) *GeminiSession {
	return &GeminiSession{
		cfg:       cfg,
		clientCfg: clientCfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

type setupMessage struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"response_modalities"`
		} `json:"generation_config"`
		SystemInstruction struct {
			Parts []setupPart `json:"parts"`
		} `json:"system_instruction"`
	} `json:"setup"`
}

type setupPart struct {
	Text string `json:"text"`
}

// Connect 拨号上游，发送一次setup并等待确认。确认超时或失败时连接被关闭。
func (g *GeminiSession) Connect() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.connected {
		return errors.New("upstream already connected")
	}

	uri := fmt.Sprintf("%s?key=%s", g.cfg.Endpoint, g.cfg.APIKey)
	header := http.Header{}
	header.Set("Content-Type", "application/json")

	conn, _, err := g.dialer.Dial(uri, header)
	if err != nil {
		return fmt.Errorf("dial upstream failed: %w", err)
	}

	setup := setupMessage{}
	setup.Setup.Model = "models/" + g.cfg.Model
	setup.Setup.GenerationConfig.ResponseModalities = []string{"TEXT"}
	setup.Setup.SystemInstruction.Parts = []setupPart{{Text: g.cfg.SystemPrompt}}

	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		return fmt.Errorf("send setup failed: %w", err)
	}

	// 轮次流量开始前必须等到一条setup确认。
	conn.SetReadDeadline(time.Now().Add(g.cfg.HandshakeTimeout))
	_, ack, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("await setup ack failed: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	log.Printf("[upstream] setup acknowledged, %d bytes", len(ack))

	g.conn = conn
	g.connected = true
	return nil
}

type realtimeInput struct {
	RealtimeInput struct {
		MediaChunks []mediaChunk `json:"media_chunks"`
	} `json:"realtime_input"`
}

type mediaChunk struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

// SendAudio 以realtime_input转发16-bit PCM音频。
func (g *GeminiSession) SendAudio(base64PCM string) error {
	return g.sendMedia(base64PCM, "audio/pcm")
}

// SendImage 以realtime_input转发JPEG图像。
func (g *GeminiSession) SendImage(base64JPEG string) error {
	return g.sendMedia(base64JPEG, "image/jpeg")
}

func (g *GeminiSession) sendMedia(data, mimeType string) error {
	payload := realtimeInput{}
	payload.RealtimeInput.MediaChunks = []mediaChunk{{Data: data, MimeType: mimeType}}
	return g.writeJSON(payload)
}

type clientContent struct {
	ClientContent struct {
		Turns        []contentTurn `json:"turns"`
		TurnComplete bool          `json:"turn_complete"`
	} `json:"client_content"`
}

type contentTurn struct {
	Role  string      `json:"role"`
	Parts []setupPart `json:"parts"`
}

// SendText 把文本作为完整的用户轮次发送。
func (g *GeminiSession) SendText(text string) error {
	payload := clientContent{}
	payload.ClientContent.Turns = []contentTurn{{
		Role:  "user",
		Parts: []setupPart{{Text: text}},
	}}
	payload.ClientContent.TurnComplete = true
	return g.writeJSON(payload)
}

func (g *GeminiSession) writeJSON(v any) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return errors.New("upstream not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal upstream payload failed: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Receive 阻塞等待下一条上游消息。
func (g *GeminiSession) Receive() ([]byte, error) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return nil, errors.New("upstream not connected")
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("upstream read failed: %w", err)
	}
	return data, nil
}

// Close 关闭上游连接，幂等。
func (g *GeminiSession) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		conn := g.conn
		g.conn = nil
		g.mu.Unlock()
		if conn != nil {
			g.closeErr = conn.Close()
		}
	})
	return g.closeErr
}
