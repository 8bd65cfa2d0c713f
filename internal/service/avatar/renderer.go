package avatar

import "context"

// Renderer 抽象外部的数字人渲染器，消费文本/音频指令，
// 以固定帧率产出音视频帧。帧传输与口型合成不在本层范围内。
type Renderer interface {
	// PutText 送入一段待合成播报的文本。
	PutText(text string) error
	// PutAudioFile 送入预录音频直接播放。
	PutAudioFile(data []byte) error
	// FlushTalk 立即丢弃排队但尚未播放的语音与画面。
	FlushTalk() error
	// SetAudioType 切换待机/播报动画状态，reinit 强制重置渲染器状态。
	SetAudioType(audioType int, reinit bool) error
	// StartRecording 开始录制输出。
	StartRecording() error
	// StopRecording 结束录制输出。
	StopRecording() error
	// IsSpeaking 返回渲染器当前是否在播报。
	IsSpeaking() bool
	// LoadStaticVideo 载入兜底静态视频。
	LoadStaticVideo(path string) error
	// DisableStaticVideo 关闭兜底静态视频。
	DisableStaticVideo() error
	// Close 释放渲染器资源。
	Close() error
}

// Factory 为指定会话构建渲染器。构建可能很慢（模型加载、显存分配），
// 调用方必须通过BuildPool而不是直接在请求路径上执行。
type Factory func(ctx context.Context, sessionID string) (Renderer, error)
