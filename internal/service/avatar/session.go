package avatar

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ad56740051/ZJ-SHUZIREN/internal/transport"
)

var (
	// ErrInvalidInput 输入载荷非法（如空音频）。
	ErrInvalidInput = errors.New("invalid input")
	// ErrSessionClosed 会话已进入终态。
	ErrSessionClosed = errors.New("session closed")
)

// Session 表示一条端到端的数字人会话：独占一个渲染器句柄，
// 跟踪传输连接状态与录制状态。所有渲染器指令经由会话串行下发。
type Session struct {
	id        string
	createdAt time.Time

	mu        sync.Mutex
	renderer  Renderer
	peer      transport.Peer
	connState transport.State
	recording bool

	releaseOnce sync.Once
}

func newSession(id string, renderer Renderer) *Session {
	return &Session{
		id:        id,
		createdAt: time.Now().UTC(),
		renderer:  renderer,
		connState: transport.StateConnecting,
	}
}

// ID 返回会话标识。
func (s *Session) ID() string { return s.id }

// CreatedAt 返回会话创建时间。
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// ConnState 返回当前镜像的传输连接状态。
func (s *Session) ConnState() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

// BindPeer 绑定传输端点，由注册表在会话建立时调用一次。
func (s *Session) BindPeer(peer transport.Peer) {
	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()
}

// HandleTransportState 由传输层状态事件驱动会话状态迁移。
// Failed与Closed为终态并触发渲染器释放。
func (s *Session) HandleTransportState(state transport.State) {
	s.mu.Lock()
	if s.connState.Terminal() {
		s.mu.Unlock()
		return
	}
	s.connState = state
	s.mu.Unlock()

	if state.Terminal() {
		log.Printf("[session] %s transport %s, releasing renderer", s.id, state)
		s.release()
	}
}

// PutText 下发一段合成播报指令。
func (s *Session) PutText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connState.Terminal() {
		return ErrSessionClosed
	}
	return s.renderer.PutText(text)
}

// PutAudioFile 注入预录音频直接播放，空载荷视为非法输入。
func (s *Session) PutAudioFile(data []byte) error {
	if len(data) == 0 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connState.Terminal() {
		return ErrSessionClosed
	}
	return s.renderer.PutAudioFile(data)
}

// FlushTalk 丢弃排队未播的语音与画面，用于用户抢话打断。
// 只影响尚未渲染的输出，不撤回已送达内容。
func (s *Session) FlushTalk() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connState.Terminal() {
		return ErrSessionClosed
	}
	return s.renderer.FlushTalk()
}

// SetAudioType 切换动画状态。
func (s *Session) SetAudioType(audioType int, reinit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connState.Terminal() {
		return ErrSessionClosed
	}
	return s.renderer.SetAudioType(audioType, reinit)
}

// StartRecording 开启录制。重复开启是无害的。
func (s *Session) StartRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connState.Terminal() {
		return ErrSessionClosed
	}
	if s.recording {
		return nil
	}
	if err := s.renderer.StartRecording(); err != nil {
		return err
	}
	s.recording = true
	return nil
}

// StopRecording 结束录制。未在录制时为空操作而非错误。
func (s *Session) StopRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connState.Terminal() {
		return ErrSessionClosed
	}
	if !s.recording {
		return nil
	}
	if err := s.renderer.StopRecording(); err != nil {
		return err
	}
	s.recording = false
	return nil
}

// Recording 返回录制状态快照。
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// IsSpeaking 返回渲染器播报状态快照。
func (s *Session) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connState.Terminal() {
		return false
	}
	return s.renderer.IsSpeaking()
}

// LoadStaticVideo 载入静态兜底视频。
func (s *Session) LoadStaticVideo(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connState.Terminal() {
		return ErrSessionClosed
	}
	return s.renderer.LoadStaticVideo(path)
}

// DisableStaticVideo 关闭静态兜底视频。
func (s *Session) DisableStaticVideo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connState.Terminal() {
		return ErrSessionClosed
	}
	return s.renderer.DisableStaticVideo()
}

// Close 显式关闭会话，幂等。渲染器恰好释放一次。
func (s *Session) Close() {
	s.mu.Lock()
	if !s.connState.Terminal() {
		s.connState = transport.StateClosed
	}
	s.mu.Unlock()
	s.release()
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		peer := s.peer
		renderer := s.renderer
		s.mu.Unlock()

		if peer != nil {
			if err := peer.Close(); err != nil {
				log.Printf("[session] %s close peer failed: %v", s.id, err)
			}
		}
		if err := renderer.Close(); err != nil {
			log.Printf("[session] %s close renderer failed: %v", s.id, err)
		}
	})
}
