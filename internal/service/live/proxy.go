package live

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	speechmodel "github.com/ad56740051/ZJ-SHUZIREN/internal/model/speech"
)

// ProxyState 表示一条代理会话的生命周期阶段。
type ProxyState int32

const (
	// StateAwaitingConfig 等待客户端的首条配置消息。
	StateAwaitingConfig ProxyState = iota
	// StateHandshaking 正在建立上游连接。
	StateHandshaking
	// StateStreaming 双向泵送中，当前没有未完成的模型轮次。
	StateStreaming
	// StateTurnAccumulating 已收到模型轮次的首个片段，正在累积。
	StateTurnAccumulating
	// StateClosed 正常关闭。
	StateClosed
	// StateErrored 因错误终止。
	StateErrored
)

func (s ProxyState) String() string {
	switch s {
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateTurnAccumulating:
		return "turn_accumulating"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// errClientGone 标记客户端主动断开，属于正常的会话结束。
var errClientGone = errors.New("client disconnected")

// ClientChannel 抽象与浏览器客户端之间的消息通道。
// WriteEvent必须可以被并发调用。
type ClientChannel interface {
	ReadMessage() ([]byte, error)
	WriteEvent(v any) error
	Close() error
}

// Synthesizer 把一轮完整的回复文本合成为音频。
type Synthesizer interface {
	SynthesizeToBuffer(ctx context.Context, sessionID, text, voice, language string) (*speechmodel.TTSResponse, error)
}

// Proxy 在单个客户端连接与其专属上游会话之间双向转发。
// 每条客户端连接对应一个Proxy实例，Run返回即生命周期结束。
type Proxy struct {
	id          string
	client      ClientChannel
	newUpstream UpstreamFactory
	tts         Synthesizer
	voice       string
	language    string

	mu       sync.Mutex
	state    ProxyState
	upstream Upstream
	turn     strings.Builder
	pumpErr  error

	closeOnce sync.Once
}

// NewProxy 创建一条尚未运行的代理会话。tts可以为nil，表示禁用语音合成。
func NewProxy(id string, client ClientChannel, factory UpstreamFactory, tts Synthesizer, voice, language string) *Proxy {
	return &Proxy{
		id:          id,
		client:      client,
		newUpstream: factory,
		tts:         tts,
		voice:       voice,
		language:    language,
		state:       StateAwaitingConfig,
	}
}

// State 返回当前生命周期阶段。
func (p *Proxy) State() ProxyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Proxy) setState(s ProxyState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Run 驱动整条会话：配置握手、上游建连、双向泵送，直到任一侧终止。
// 返回时两侧连接都已关闭。
func (p *Proxy) Run(ctx context.Context) error {
	defer p.closeTransports()

	cfg, err := p.awaitConfig()
	if err != nil {
		p.setState(StateErrored)
		p.reportError(err)
		return err
	}

	p.setState(StateHandshaking)
	upstream := p.newUpstream(cfg)
	if err := upstream.Connect(); err != nil {
		p.setState(StateErrored)
		err = &ConnectionError{Err: err}
		p.reportError(err)
		return err
	}
	p.mu.Lock()
	p.upstream = upstream
	p.state = StateStreaming
	p.mu.Unlock()
	log.Printf("[proxy] %s: upstream connected, streaming", p.id)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.pumpInbound() })
	g.Go(func() error { return p.pumpOutbound(gctx) })
	// 任一泵退出后先尽力把故障告知客户端，再关闭两侧连接，
	// 解除另一侧的阻塞读。关闭之后客户端通道不再可写。
	g.Go(func() error {
		<-gctx.Done()
		if err := p.failure(); err != nil && !isExpectedShutdown(err) {
			p.reportError(err)
		}
		p.closeTransports()
		return nil
	})

	err = g.Wait()
	if err != nil && !isExpectedShutdown(err) {
		p.setState(StateErrored)
		return err
	}
	p.setState(StateClosed)
	return nil
}

// awaitConfig 读取并校验首条客户端消息。首条消息不是config即协议违规。
func (p *Proxy) awaitConfig() (ClientConfig, error) {
	raw, err := p.client.ReadMessage()
	if err != nil {
		return ClientConfig{}, &ConnectionError{Err: err}
	}
	msg, err := DecodeInbound(raw)
	if err != nil {
		return ClientConfig{}, &ProtocolError{Reason: fmt.Sprintf("invalid first message: %v", err)}
	}
	if msg.Kind != KindConfig {
		return ClientConfig{}, &ProtocolError{Reason: fmt.Sprintf("first message must be config, got %s", msg.Kind)}
	}
	return msg.Config, nil
}

// recordFailure 记录首个终止泵的错误，供看护协程在关闭通道前上报。
func (p *Proxy) recordFailure(err error) error {
	p.mu.Lock()
	if p.pumpErr == nil {
		p.pumpErr = err
	}
	p.mu.Unlock()
	return err
}

func (p *Proxy) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pumpErr
}

// pumpInbound 把客户端消息转发到上游。解码失败的消息记录后丢弃，
// 连接错误才终止泵。
func (p *Proxy) pumpInbound() error {
	for {
		raw, err := p.client.ReadMessage()
		if err != nil {
			return p.recordFailure(fmt.Errorf("%w: %v", errClientGone, err))
		}
		msg, err := DecodeInbound(raw)
		if err != nil {
			log.Printf("[proxy] %s: drop inbound message: %v", p.id, err)
			continue
		}

		switch msg.Kind {
		case KindPing:
			// 心跳只为保活，不转发。
		case KindAudio:
			err = p.upstream.SendAudio(msg.Data)
		case KindImage:
			err = p.upstream.SendImage(msg.Data)
		case KindText:
			err = p.upstream.SendText(msg.Data)
		case KindConfig:
			log.Printf("[proxy] %s: drop duplicate config message", p.id)
		}
		if err != nil {
			return p.recordFailure(&ConnectionError{Err: fmt.Errorf("upstream write: %w", err)})
		}
	}
}

// pumpOutbound 读取上游消息，把文本片段即时转发给客户端并累积整轮，
// 轮次结束时合成音频。
func (p *Proxy) pumpOutbound(ctx context.Context) error {
	for {
		raw, err := p.upstream.Receive()
		if err != nil {
			return p.recordFailure(&ConnectionError{Err: fmt.Errorf("upstream read: %w", err)})
		}

		fragments, turnDone, err := parseServerContent(raw)
		if err != nil {
			log.Printf("[proxy] %s: drop upstream message: %v", p.id, err)
			continue
		}

		for _, text := range fragments {
			if text == "" {
				continue
			}
			p.mu.Lock()
			p.turn.WriteString(text)
			if p.state == StateStreaming {
				p.state = StateTurnAccumulating
			}
			p.mu.Unlock()
			if err := p.client.WriteEvent(NewTextEvent(text)); err != nil {
				return p.recordFailure(&ConnectionError{Err: fmt.Errorf("client write: %w", err)})
			}
		}

		if turnDone {
			if err := p.finishTurn(ctx); err != nil {
				return err
			}
		}
	}
}

// finishTurn 在模型轮次结束时合成整轮文本并通知客户端。
// 合成失败只记录日志，轮次完成事件照常发出。
func (p *Proxy) finishTurn(ctx context.Context) error {
	p.mu.Lock()
	text := p.turn.String()
	p.turn.Reset()
	if p.state == StateTurnAccumulating {
		p.state = StateStreaming
	}
	p.mu.Unlock()

	if text != "" && p.tts != nil {
		resp, err := p.tts.SynthesizeToBuffer(ctx, p.id, text, p.voice, p.language)
		if err != nil {
			log.Printf("[proxy] %s: synthesize turn failed: %v", p.id, err)
		} else if len(resp.AudioData) > 0 {
			event := NewAudioEvent(hex.EncodeToString(resp.AudioData))
			if err := p.client.WriteEvent(event); err != nil {
				return p.recordFailure(&ConnectionError{Err: fmt.Errorf("client write: %w", err)})
			}
		}
	}

	if err := p.client.WriteEvent(NewTurnCompleteEvent()); err != nil {
		return p.recordFailure(&ConnectionError{Err: fmt.Errorf("client write: %w", err)})
	}
	return nil
}

// reportError 尽力把错误告知客户端，失败时静默。
func (p *Proxy) reportError(err error) {
	_ = p.client.WriteEvent(NewErrorEvent(err.Error()))
}

// closeTransports 关闭两侧连接，幂等。
func (p *Proxy) closeTransports() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		upstream := p.upstream
		p.mu.Unlock()
		if upstream != nil {
			_ = upstream.Close()
		}
		_ = p.client.Close()
	})
}

// isExpectedShutdown 判断错误是否只是正常关闭的回响：
// 客户端主动断开或外部取消都不算故障。
func isExpectedShutdown(err error) bool {
	if errors.Is(err, errClientGone) || errors.Is(err, context.Canceled) {
		return true
	}
	var connErr *ConnectionError
	return errors.As(err, &connErr) && errors.Is(connErr.Err, context.Canceled)
}

type serverPart struct {
	Text string `json:"text"`
}

type serverEnvelope struct {
	ServerContent *struct {
		ModelTurn *struct {
			Parts []serverPart `json:"parts"`
		} `json:"modelTurn"`
		Parts              []serverPart `json:"parts"`
		TurnComplete       bool         `json:"turnComplete"`
		GenerationComplete bool         `json:"generationComplete"`
	} `json:"serverContent"`
}

// parseServerContent 提取一条上游消息中的文本片段与轮次结束标记。
// 片段既可能在serverContent.modelTurn.parts也可能直接在serverContent.parts。
func parseServerContent(raw []byte) (fragments []string, turnDone bool, err error) {
	var env serverEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("malformed upstream payload: %w", err)
	}
	if env.ServerContent == nil {
		return nil, false, nil
	}

	parts := env.ServerContent.Parts
	if env.ServerContent.ModelTurn != nil {
		parts = env.ServerContent.ModelTurn.Parts
	}
	for _, part := range parts {
		fragments = append(fragments, part.Text)
	}
	turnDone = env.ServerContent.TurnComplete || env.ServerContent.GenerationComplete
	return fragments, turnDone, nil
}
