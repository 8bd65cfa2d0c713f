package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	"github.com/ad56740051/ZJ-SHUZIREN/internal/analysis/segment"
	avatarservice "github.com/ad56740051/ZJ-SHUZIREN/internal/service/avatar"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/service/dialogue"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/transport"
)

type fakeRenderer struct {
	mu       sync.Mutex
	texts    []string
	audio    [][]byte
	speaking bool
}

func (f *fakeRenderer) PutText(text string) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeRenderer) PutAudioFile(data []byte) error {
	f.mu.Lock()
	f.audio = append(f.audio, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeRenderer) FlushTalk() error                { return nil }
func (f *fakeRenderer) SetAudioType(int, bool) error    { return nil }
func (f *fakeRenderer) StartRecording() error           { return nil }
func (f *fakeRenderer) StopRecording() error            { return nil }
func (f *fakeRenderer) IsSpeaking() bool                { return f.speaking }
func (f *fakeRenderer) LoadStaticVideo(string) error    { return nil }
func (f *fakeRenderer) DisableStaticVideo() error       { return nil }
func (f *fakeRenderer) Close() error                    { return nil }

type fakePeer struct {
	answer string
}

func (p *fakePeer) Answer(_ context.Context, offerSDP string) (string, error) {
	return p.answer, nil
}

func (p *fakePeer) OnStateChange(func(transport.State)) {}
func (p *fakePeer) Close() error                        { return nil }

type fakeDialer struct{}

func (d *fakeDialer) NewPeer(context.Context) (transport.Peer, error) {
	return &fakePeer{answer: "v=0 answer"}, nil
}

type fakeChat struct {
	streaming bool

	mu      sync.Mutex
	invoked []string
}

func (f *fakeChat) StreamingEnabled() bool { return f.streaming }

func (f *fakeChat) GenerateResponse(_ context.Context, _ string, _ []*schema.Message, userMessage string) (*schema.Message, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, userMessage)
	f.mu.Unlock()
	return schema.AssistantMessage("今天天气晴朗，适合出门散步。", nil), nil
}

func (f *fakeChat) StreamResponse(_ context.Context, _ []*schema.Message, _ string) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](2)
	go func() {
		defer sw.Close()
		sw.Send(schema.AssistantMessage("今天天气晴朗，", nil), nil)
		sw.Send(schema.AssistantMessage("适合出门散步。", nil), nil)
	}()
	return sr, nil
}

func newTestRouter(t *testing.T, maxSessions int) (*chi.Mux, *fakeRenderer) {
	return newChatTestRouter(t, maxSessions, nil)
}

func newChatTestRouter(t *testing.T, maxSessions int, chat ChatService) (*chi.Mux, *fakeRenderer) {
	t.Helper()

	rend := &fakeRenderer{}
	factory := func(ctx context.Context, sessionID string) (avatarservice.Renderer, error) {
		return rend, nil
	}
	registry := avatarservice.NewRegistry(maxSessions, factory, avatarservice.NewBuildPool(1))
	t.Cleanup(registry.CloseAll)

	h := New(registry, &fakeDialer{}, chat, dialogue.NewDriver(segment.New()))
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r, rend
}

// waitForTexts 等待后台播报任务把至少n段文本送到渲染器。
func waitForTexts(t *testing.T, rend *fakeRenderer, n int) []string {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		rend.mu.Lock()
		texts := append([]string(nil), rend.texts...)
		rend.mu.Unlock()
		if len(texts) >= n {
			return texts
		}
		if time.Now().After(deadline) {
			t.Fatalf("renderer texts = %v, want at least %d", texts, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func postJSON(t *testing.T, router http.Handler, path string, body any) map[string]any {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("%s: status = %d, want 200", path, rec.Code)
	}

	var envelope map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("%s: decode response: %v", path, err)
	}
	return envelope
}

func openSession(t *testing.T, router http.Handler) string {
	t.Helper()

	envelope := postJSON(t, router, "/offer", map[string]any{"sdp": "v=0 offer", "type": "offer"})
	if envelope["code"].(float64) != 0 {
		t.Fatalf("offer failed: %v", envelope)
	}
	data := envelope["data"].(map[string]any)
	if data["sdp"] != "v=0 answer" || data["type"] != "answer" {
		t.Fatalf("unexpected offer answer: %v", data)
	}
	return data["sessionid"].(string)
}

func TestOfferRejectsMissingSDP(t *testing.T) {
	router, _ := newTestRouter(t, 1)

	envelope := postJSON(t, router, "/offer", map[string]any{"type": "offer"})
	if envelope["code"].(float64) != -1 {
		t.Fatalf("expected failure envelope, got %v", envelope)
	}
}

func TestOfferEnforcesMaxSessions(t *testing.T) {
	router, _ := newTestRouter(t, 1)

	openSession(t, router)

	envelope := postJSON(t, router, "/offer", map[string]any{"sdp": "v=0 offer", "type": "offer"})
	if envelope["code"].(float64) != -1 {
		t.Fatalf("second offer should be rejected, got %v", envelope)
	}
	if envelope["msg"] != "err" {
		t.Fatalf("msg = %v, want err", envelope["msg"])
	}
	if !strings.Contains(envelope["data"].(string), "max sessions") {
		t.Fatalf("unexpected rejection reason: %v", envelope["data"])
	}
}

func TestHumanEchoForwardsText(t *testing.T) {
	router, rend := newTestRouter(t, 1)
	sessionID := openSession(t, router)

	envelope := postJSON(t, router, "/human", map[string]any{
		"sessionid": sessionID,
		"type":      "echo",
		"text":      "你好，数字人。",
	})
	if envelope["code"].(float64) != 0 {
		t.Fatalf("echo failed: %v", envelope)
	}

	rend.mu.Lock()
	defer rend.mu.Unlock()
	if len(rend.texts) != 1 || rend.texts[0] != "你好，数字人。" {
		t.Fatalf("renderer texts = %v", rend.texts)
	}
}

func TestHumanUnknownSession(t *testing.T) {
	router, _ := newTestRouter(t, 1)

	envelope := postJSON(t, router, "/human", map[string]any{
		"sessionid": "missing",
		"type":      "echo",
		"text":      "hello",
	})
	if envelope["code"].(float64) != -1 {
		t.Fatalf("expected failure for unknown session, got %v", envelope)
	}
}

func TestHumanChatStreamsSegments(t *testing.T) {
	chat := &fakeChat{streaming: true}
	router, rend := newChatTestRouter(t, 1, chat)
	sessionID := openSession(t, router)

	envelope := postJSON(t, router, "/human", map[string]any{
		"sessionid": sessionID,
		"type":      "chat",
		"text":      "今天适合做什么？",
	})
	if envelope["code"].(float64) != 0 {
		t.Fatalf("chat failed: %v", envelope)
	}

	texts := waitForTexts(t, rend, 1)
	if texts[0] != "今天天气晴朗，适合出门散步。" {
		t.Fatalf("renderer texts = %v", texts)
	}
}

func TestHumanChatInvokesWhenStreamingDisabled(t *testing.T) {
	chat := &fakeChat{streaming: false}
	router, rend := newChatTestRouter(t, 1, chat)
	sessionID := openSession(t, router)

	envelope := postJSON(t, router, "/human", map[string]any{
		"sessionid": sessionID,
		"type":      "chat",
		"text":      "今天适合做什么？",
	})
	if envelope["code"].(float64) != 0 {
		t.Fatalf("chat failed: %v", envelope)
	}

	texts := waitForTexts(t, rend, 1)
	if texts[0] != "今天天气晴朗，适合出门散步。" {
		t.Fatalf("renderer texts = %v", texts)
	}

	chat.mu.Lock()
	defer chat.mu.Unlock()
	if len(chat.invoked) != 1 || chat.invoked[0] != "今天适合做什么？" {
		t.Fatalf("invoked = %v, want single non-stream call", chat.invoked)
	}
}

func TestHumanAudioUpload(t *testing.T) {
	router, rend := newTestRouter(t, 1)
	sessionID := openSession(t, router)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("sessionid", sessionID); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := writer.CreateFormFile("file", "clip.pcm")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/humanaudio", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var envelope map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope["code"].(float64) != 0 {
		t.Fatalf("humanaudio failed: %v", envelope)
	}

	rend.mu.Lock()
	defer rend.mu.Unlock()
	if len(rend.audio) != 1 || len(rend.audio[0]) != 3 {
		t.Fatalf("renderer audio = %v", rend.audio)
	}
}

func TestHumanAudioRejectsOversizedUpload(t *testing.T) {
	router, rend := newTestRouter(t, 1)
	sessionID := openSession(t, router)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("sessionid", sessionID); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := writer.CreateFormFile("file", "big.pcm")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(make([]byte, maxAudioUploadBytes+1)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/humanaudio", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var envelope map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope["code"].(float64) != -1 {
		t.Fatalf("oversized upload should fail, got %v", envelope)
	}
	if !strings.Contains(envelope["data"].(string), "size limit") {
		t.Fatalf("unexpected rejection reason: %v", envelope["data"])
	}

	rend.mu.Lock()
	defer rend.mu.Unlock()
	if len(rend.audio) != 0 {
		t.Fatalf("oversized audio reached renderer: %d clips", len(rend.audio))
	}
}

func TestRecordLifecycle(t *testing.T) {
	router, _ := newTestRouter(t, 1)
	sessionID := openSession(t, router)

	start := postJSON(t, router, "/record", map[string]any{"sessionid": sessionID, "type": "start_record"})
	if start["code"].(float64) != 0 {
		t.Fatalf("start_record failed: %v", start)
	}

	end := postJSON(t, router, "/record", map[string]any{"sessionid": sessionID, "type": "end_record"})
	if end["code"].(float64) != 0 {
		t.Fatalf("end_record failed: %v", end)
	}

	bad := postJSON(t, router, "/record", map[string]any{"sessionid": sessionID, "type": "pause"})
	if bad["code"].(float64) != -1 {
		t.Fatalf("unknown record type should fail, got %v", bad)
	}
}

func TestIsSpeaking(t *testing.T) {
	router, rend := newTestRouter(t, 1)
	sessionID := openSession(t, router)

	rend.speaking = true
	envelope := postJSON(t, router, "/is_speaking", map[string]any{"sessionid": sessionID})
	if envelope["code"].(float64) != 0 {
		t.Fatalf("is_speaking failed: %v", envelope)
	}
	if envelope["data"] != true {
		t.Fatalf("is_speaking data = %v, want true", envelope["data"])
	}
}

func TestSetStaticVideo(t *testing.T) {
	router, _ := newTestRouter(t, 1)
	sessionID := openSession(t, router)

	missing := postJSON(t, router, "/set_static_video", map[string]any{"sessionid": sessionID, "type": "start"})
	if missing["code"].(float64) != -1 {
		t.Fatalf("start without path should fail, got %v", missing)
	}

	start := postJSON(t, router, "/set_static_video", map[string]any{
		"sessionid": sessionID,
		"type":      "start",
		"path":      "/data/idle.mp4",
	})
	if start["code"].(float64) != 0 {
		t.Fatalf("start static video failed: %v", start)
	}

	stop := postJSON(t, router, "/set_static_video", map[string]any{"sessionid": sessionID, "type": "stop"})
	if stop["code"].(float64) != 0 {
		t.Fatalf("stop static video failed: %v", stop)
	}
}

func TestSetAudioType(t *testing.T) {
	router, _ := newTestRouter(t, 1)
	sessionID := openSession(t, router)

	envelope := postJSON(t, router, "/set_audiotype", map[string]any{
		"sessionid": sessionID,
		"audiotype": 1,
		"reinit":    true,
	})
	if envelope["code"].(float64) != 0 {
		t.Fatalf("set_audiotype failed: %v", envelope)
	}
}
