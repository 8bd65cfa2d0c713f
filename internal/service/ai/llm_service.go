package ai

import (
	"context"
	"fmt"
	"log"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/ad56740051/ZJ-SHUZIREN/internal/config"
)

// Service 封装大模型对话能力，为数字人会话生成可朗读的回复。
type Service struct {
	cfg   config.AIConfig
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewService 创建AI服务实例。
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		cfg:   cfg,
		chain: runnable,
	}, nil
}

// StreamingEnabled 指示是否开启流式输出。
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// GenerateResponse 为一次用户输入生成完整回复。
func (s *Service) GenerateResponse(ctx context.Context, sessionID string, history []*schema.Message, userMessage string) (*schema.Message, error) {
	input := s.buildChainInput(history, userMessage)

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to run AI chain: %w", err)
	}

	log.Printf("[ai] generated response for session=%s, length=%d", sessionID, len(response.Content))
	return response, nil
}

// StreamResponse 以流式方式生成回复，供分句驱动数字人消费。
func (s *Service) StreamResponse(ctx context.Context, history []*schema.Message, userMessage string) (*schema.StreamReader[*schema.Message], error) {
	if !s.StreamingEnabled() {
		return nil, fmt.Errorf("streaming disabled in configuration")
	}

	input := s.buildChainInput(history, userMessage)

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}

	return stream, nil
}

func (s *Service) buildChainInput(history []*schema.Message, userMessage string) map[string]any {
	return map[string]any{
		"system":  s.cfg.SystemPrompt,
		"history": trimHistory(history),
		"query":   userMessage,
	}
}

// trimHistory 截断过长的多轮历史，只保留最近的若干条。
func trimHistory(history []*schema.Message) []*schema.Message {
	const historyLimit = 10

	if len(history) == 0 {
		return nil
	}
	if len(history) > historyLimit {
		return history[len(history)-historyLimit:]
	}
	return history
}
