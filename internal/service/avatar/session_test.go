package avatar

import (
	"errors"
	"sync"
	"testing"

	"github.com/ad56740051/ZJ-SHUZIREN/internal/transport"
)

// fakeRenderer 记录指令顺序与释放次数。
type fakeRenderer struct {
	mu        sync.Mutex
	commands  []string
	closed    int
	speaking  bool
	recording bool
	putErr    error
}

func (f *fakeRenderer) record(cmd string) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
}

func (f *fakeRenderer) PutText(text string) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.record("text:" + text)
	return nil
}

func (f *fakeRenderer) PutAudioFile(data []byte) error {
	f.record("audio")
	return nil
}

func (f *fakeRenderer) FlushTalk() error {
	f.record("flush")
	return nil
}

func (f *fakeRenderer) SetAudioType(audioType int, reinit bool) error {
	f.record("audiotype")
	return nil
}

func (f *fakeRenderer) StartRecording() error {
	f.recording = true
	f.record("start_record")
	return nil
}

func (f *fakeRenderer) StopRecording() error {
	f.recording = false
	f.record("stop_record")
	return nil
}

func (f *fakeRenderer) IsSpeaking() bool { return f.speaking }

func (f *fakeRenderer) LoadStaticVideo(path string) error {
	f.record("static:" + path)
	return nil
}

func (f *fakeRenderer) DisableStaticVideo() error {
	f.record("static_off")
	return nil
}

func (f *fakeRenderer) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func TestSessionCommandsAppliedInCallOrder(t *testing.T) {
	r := &fakeRenderer{}
	sess := newSession("s1", r)

	if err := sess.PutText("你好。"); err != nil {
		t.Fatalf("put text: %v", err)
	}
	if err := sess.PutAudioFile([]byte{1, 2, 3}); err != nil {
		t.Fatalf("put audio: %v", err)
	}
	if err := sess.FlushTalk(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	want := []string{"text:你好。", "audio", "flush"}
	if len(r.commands) != len(want) {
		t.Fatalf("command count mismatch: %v", r.commands)
	}
	for i := range want {
		if r.commands[i] != want[i] {
			t.Fatalf("command %d = %q, want %q", i, r.commands[i], want[i])
		}
	}
}

func TestPutAudioFileRejectsEmptyPayload(t *testing.T) {
	sess := newSession("s1", &fakeRenderer{})
	if err := sess.PutAudioFile(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStopRecordingWhenIdleIsNoop(t *testing.T) {
	r := &fakeRenderer{}
	sess := newSession("s1", r)

	if err := sess.StopRecording(); err != nil {
		t.Fatalf("stop recording should be a no-op, got %v", err)
	}
	if len(r.commands) != 0 {
		t.Fatalf("renderer should not be touched, got %v", r.commands)
	}

	if err := sess.StartRecording(); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	if !sess.Recording() {
		t.Fatalf("expected recording state on")
	}
	if err := sess.StopRecording(); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	if sess.Recording() {
		t.Fatalf("expected recording state off")
	}
}

func TestCloseReleasesRendererExactlyOnce(t *testing.T) {
	r := &fakeRenderer{}
	sess := newSession("s1", r)

	sess.Close()
	sess.Close()

	if r.closed != 1 {
		t.Fatalf("renderer released %d times, want 1", r.closed)
	}
	if sess.ConnState() != transport.StateClosed {
		t.Fatalf("expected closed state, got %s", sess.ConnState())
	}
	if err := sess.PutText("hi"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed after close, got %v", err)
	}
}

func TestTransportFailureReleasesRenderer(t *testing.T) {
	r := &fakeRenderer{}
	sess := newSession("s1", r)

	sess.HandleTransportState(transport.StateConnected)
	if sess.ConnState() != transport.StateConnected {
		t.Fatalf("expected connected, got %s", sess.ConnState())
	}

	sess.HandleTransportState(transport.StateFailed)
	if r.closed != 1 {
		t.Fatalf("renderer released %d times, want 1", r.closed)
	}

	// 终态之后的状态事件被忽略。
	sess.HandleTransportState(transport.StateConnected)
	if sess.ConnState() != transport.StateFailed {
		t.Fatalf("terminal state must be sticky, got %s", sess.ConnState())
	}
	if r.closed != 1 {
		t.Fatalf("renderer released %d times after extra event, want 1", r.closed)
	}
}
