package renderer

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ad56740051/ZJ-SHUZIREN/internal/service/avatar"
)

const (
	dialTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	// readTimeout 必须大于pingInterval，pong会顺延它。
	readTimeout = 90 * time.Second
)

// Bridge 通过WebSocket把渲染指令转发给外部渲染进程。
// 每个会话独占一条连接，渲染进程按固定帧率产出音视频帧。
type Bridge struct {
	sessionID string
	conn      *websocket.Conn

	writeMu  sync.Mutex
	speaking atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type bridgeCommand struct {
	Cmd       string `json:"cmd"`
	Text      string `json:"text,omitempty"`
	Data      string `json:"data,omitempty"`
	AudioType int    `json:"audioType,omitempty"`
	Reinit    bool   `json:"reinit,omitempty"`
	Path      string `json:"path,omitempty"`
}

type bridgeEvent struct {
	Event string `json:"event"`
	Value bool   `json:"value"`
}

// Dial 为指定会话建立渲染器连接。
func Dial(ctx context.Context, endpoint, sessionID string) (*Bridge, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid renderer endpoint: %w", err)
	}
	q := u.Query()
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()

	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial renderer failed: %w", err)
	}

	b := &Bridge{
		sessionID: sessionID,
		conn:      conn,
		done:      make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	go b.readLoop()
	go b.pingLoop()
	return b, nil
}

// NewFactory 返回以固定端点构建渲染器的工厂。
func NewFactory(endpoint string) avatar.Factory {
	return func(ctx context.Context, sessionID string) (avatar.Renderer, error) {
		return Dial(ctx, endpoint, sessionID)
	}
}

// readLoop 消费渲染进程上报的状态事件，维护播报标志。
// 读超时由pong处理器顺延，渲染进程失联时循环会以超时退出。
func (b *Bridge) readLoop() {
	for {
		var event bridgeEvent
		if err := b.conn.ReadJSON(&event); err != nil {
			select {
			case <-b.done:
			default:
				log.Printf("[renderer] %s: state stream ended: %v", b.sessionID, err)
			}
			return
		}
		b.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if event.Event == "speaking" {
			b.speaking.Store(event.Value)
		}
	}
}

// pingLoop 定期发送ping保活，失败即停止。
func (b *Bridge) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.writeMu.Lock()
			b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := b.conn.WriteMessage(websocket.PingMessage, nil)
			b.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (b *Bridge) send(cmd bridgeCommand) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := b.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("renderer command %s failed: %w", cmd.Cmd, err)
	}
	return nil
}

// PutText 送入一段待播报文本。
func (b *Bridge) PutText(text string) error {
	return b.send(bridgeCommand{Cmd: "put_text", Text: text})
}

// PutAudioFile 送入预录音频。
func (b *Bridge) PutAudioFile(data []byte) error {
	return b.send(bridgeCommand{Cmd: "put_audio", Data: base64.StdEncoding.EncodeToString(data)})
}

// FlushTalk 丢弃排队未播放的语音。
func (b *Bridge) FlushTalk() error {
	return b.send(bridgeCommand{Cmd: "flush"})
}

// SetAudioType 切换动画状态。
func (b *Bridge) SetAudioType(audioType int, reinit bool) error {
	return b.send(bridgeCommand{Cmd: "set_audio_type", AudioType: audioType, Reinit: reinit})
}

// StartRecording 开始录制。
func (b *Bridge) StartRecording() error {
	return b.send(bridgeCommand{Cmd: "start_recording"})
}

// StopRecording 结束录制。
func (b *Bridge) StopRecording() error {
	return b.send(bridgeCommand{Cmd: "stop_recording"})
}

// IsSpeaking 返回渲染进程最近上报的播报状态。
func (b *Bridge) IsSpeaking() bool {
	return b.speaking.Load()
}

// LoadStaticVideo 载入兜底静态视频。
func (b *Bridge) LoadStaticVideo(path string) error {
	return b.send(bridgeCommand{Cmd: "load_static_video", Path: path})
}

// DisableStaticVideo 关闭兜底静态视频。
func (b *Bridge) DisableStaticVideo() error {
	return b.send(bridgeCommand{Cmd: "disable_static_video"})
}

// Close 关闭连接，幂等。
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.closeErr = b.conn.Close()
	})
	return b.closeErr
}
