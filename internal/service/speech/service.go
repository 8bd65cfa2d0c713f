package speech

import (
	"context"

	"github.com/ad56740051/ZJ-SHUZIREN/internal/model/speech"
)

// Service 语音合成核心业务逻辑
type Service struct {
	config    *speech.SpeechConfig
	ttsClient *VolcengineTTSClient
}

// NewService 创建语音合成服务实例
func NewService(config *speech.SpeechConfig) *Service {
	return &Service{
		config:    config,
		ttsClient: NewVolcengineTTSClient(config),
	}
}

// SynthesizeSpeech 文字转语音 - 使用WebSocket协议
func (s *Service) SynthesizeSpeech(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	return s.ttsClient.SynthesizeSpeechWS(ctx, req)
}

// SynthesizeToBuffer 文字转语音（返回字节数组）
func (s *Service) SynthesizeToBuffer(ctx context.Context, sessionID, text, voice, language string) (*speech.TTSResponse, error) {
	req := &speech.TTSRequest{
		SessionID: sessionID,
		Text:      text,
		Voice:     voice,
		Language:  language,
	}

	return s.SynthesizeSpeech(ctx, req)
}
