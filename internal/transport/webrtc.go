package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// WebRTCDialer 基于pion实现Dialer。
type WebRTCDialer struct {
	config webrtc.Configuration
}

// NewWebRTCDialer 创建WebRTC拨号器。stunServers 为空时使用纯host候选。
func NewWebRTCDialer(stunServers []string) *WebRTCDialer {
	cfg := webrtc.Configuration{}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return &WebRTCDialer{config: cfg}
}

// NewPeer 创建一条新的PeerConnection。
func (d *WebRTCDialer) NewPeer(_ context.Context) (Peer, error) {
	pc, err := webrtc.NewPeerConnection(d.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection failed: %w", err)
	}
	return &webrtcPeer{pc: pc}, nil
}

type webrtcPeer struct {
	pc        *webrtc.PeerConnection
	closeOnce sync.Once
	closeErr  error
}

// OnStateChange 把pion的连接状态映射到本层状态机。
// Disconnected可能自行恢复，按Connecting上报而不是终态。
func (p *webrtcPeer) OnStateChange(fn func(State)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			fn(StateConnected)
		case webrtc.PeerConnectionStateFailed:
			fn(StateFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(StateClosed)
		case webrtc.PeerConnectionStateNew,
			webrtc.PeerConnectionStateConnecting,
			webrtc.PeerConnectionStateDisconnected:
			fn(StateConnecting)
		}
	})
}

// Answer 应用远端offer并生成answer，等待ICE候选收集完成后返回完整SDP。
func (p *webrtcPeer) Answer(ctx context.Context, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description failed: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer failed: %w", err)
	}

	gatherDone := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description failed: %w", err)
	}

	select {
	case <-gatherDone:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("local description unavailable after gathering")
	}
	return local.SDP, nil
}

func (p *webrtcPeer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}
