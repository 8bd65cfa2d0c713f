package transport

import "context"

// State 表示一条实时传输连接的生命周期状态。
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateFailed
	StateClosed
)

// String 返回状态的可读名称。
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal 表示状态是否为终态。
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Peer 抽象一条客户端实时连接。媒体轨道与编解码协商属于渲染器一侧，
// 本层只关心offer/answer交换和连接状态事件。
type Peer interface {
	// Answer 接受客户端offer并返回本端answer SDP。
	Answer(ctx context.Context, offerSDP string) (string, error)
	// OnStateChange 注册状态变化回调，必须在Answer之前调用。
	OnStateChange(fn func(State))
	// Close 关闭底层连接，幂等。
	Close() error
}

// Dialer 为每个新会话创建传输端点。
type Dialer interface {
	NewPeer(ctx context.Context) (Peer, error)
}
