package live

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind 客户端入站消息的封闭类型集合，新增消息种类需要同时扩展解码与分发。
type Kind int

const (
	KindConfig Kind = iota
	KindPing
	KindAudio
	KindImage
	KindText
)

// String 返回消息类型的线上名称。
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindPing:
		return "ping"
	case KindAudio:
		return "audio"
	case KindImage:
		return "image"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// ClientConfig 客户端在首条config消息中声明的会话选项。
type ClientConfig struct {
	GoogleSearch       bool `json:"googleSearch"`
	AllowInterruptions bool `json:"allowInterruptions"`
}

// InboundMessage 解码后的客户端消息。Data 为audio/image的base64载荷或text的原文。
type InboundMessage struct {
	Kind   Kind
	Data   string
	Config ClientConfig
}

// ErrMissingData 消息缺少必需的data字段。
var ErrMissingData = errors.New("message missing data field")

type inboundEnvelope struct {
	Type   string          `json:"type"`
	Data   string          `json:"data"`
	Config json.RawMessage `json:"config"`
}

// DecodeInbound 解析一条客户端消息。解码失败属于瞬态错误，
// 调用方应记录日志后继续读取下一条消息。
func DecodeInbound(raw []byte) (InboundMessage, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return InboundMessage{}, fmt.Errorf("invalid json: %w", err)
	}

	switch env.Type {
	case "config":
		msg := InboundMessage{Kind: KindConfig}
		if len(env.Config) > 0 {
			if err := json.Unmarshal(env.Config, &msg.Config); err != nil {
				return InboundMessage{}, fmt.Errorf("invalid config payload: %w", err)
			}
		}
		return msg, nil
	case "ping":
		return InboundMessage{Kind: KindPing}, nil
	case "audio", "image", "text":
		if env.Data == "" {
			return InboundMessage{}, fmt.Errorf("%s: %w", env.Type, ErrMissingData)
		}
		kind := KindAudio
		switch env.Type {
		case "image":
			kind = KindImage
		case "text":
			kind = KindText
		}
		return InboundMessage{Kind: kind, Data: env.Data}, nil
	default:
		return InboundMessage{}, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// TextEvent 下发给客户端的增量文本。
type TextEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewTextEvent 构造文本事件。
func NewTextEvent(text string) TextEvent {
	return TextEvent{Type: "text", Text: text}
}

// AudioEvent 一轮回复的完整合成音频，hex编码的PCM。
type AudioEvent struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// NewAudioEvent 构造音频事件。
func NewAudioEvent(hexData string) AudioEvent {
	return AudioEvent{Type: "audio", Data: hexData}
}

// TurnCompleteEvent 标记一轮回复结束。
type TurnCompleteEvent struct {
	Type string `json:"type"`
	Data bool   `json:"data"`
}

// NewTurnCompleteEvent 构造轮次完成事件。
func NewTurnCompleteEvent() TurnCompleteEvent {
	return TurnCompleteEvent{Type: "turn_complete", Data: true}
}

// ErrorEvent 连接关闭前尽力送达的错误说明。
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorEvent 构造错误事件。
func NewErrorEvent(message string) ErrorEvent {
	return ErrorEvent{Type: "error", Message: message}
}

// ProtocolError 客户端违反协议：首条消息不是config，或消息无法按协议解释。
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Reason
}

// ConnectionError 任一侧连接建立或读写失败。
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return "connection failed: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }
