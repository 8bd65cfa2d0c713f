package dialogue

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/ad56740051/ZJ-SHUZIREN/internal/analysis/segment"
)

func streamOf(deltas ...string) *schema.StreamReader[*schema.Message] {
	sr, sw := schema.Pipe[*schema.Message](len(deltas))
	go func() {
		defer sw.Close()
		for _, delta := range deltas {
			sw.Send(schema.AssistantMessage(delta, nil), nil)
		}
	}()
	return sr
}

type recordingSink struct {
	chunks []string
	failAt int // 第N次调用返回错误，0表示不失败
	err    error
}

func (s *recordingSink) PutText(text string) error {
	if s.failAt > 0 && len(s.chunks)+1 >= s.failAt {
		return s.err
	}
	s.chunks = append(s.chunks, text)
	return nil
}

func TestDriveForwardsChunksInOrder(t *testing.T) {
	driver := NewDriver(segment.New())
	sink := &recordingSink{}

	deltas := []string{"你的名字叫春儿，英文名", "Chuner。你今年十八岁，", "来自南宋奉贤！结尾"}
	if err := driver.Drive(context.Background(), streamOf(deltas...), sink); err != nil {
		t.Fatalf("drive failed: %v", err)
	}

	joined := strings.Join(sink.chunks, "")
	if joined != strings.Join(deltas, "") {
		t.Fatalf("forwarded text differs from stream:\n got %q\nwant %q", joined, strings.Join(deltas, ""))
	}
	if len(sink.chunks) == 0 {
		t.Fatalf("expected chunks to be forwarded")
	}
	if sink.chunks[len(sink.chunks)-1] != "结尾" {
		t.Fatalf("final flush chunk missing, got %v", sink.chunks)
	}
}

func TestDriveFlushesFinalChunkBelowThreshold(t *testing.T) {
	driver := NewDriver(segment.New())
	sink := &recordingSink{}

	if err := driver.Drive(context.Background(), streamOf("好的。"), sink); err != nil {
		t.Fatalf("drive failed: %v", err)
	}
	if len(sink.chunks) != 1 || sink.chunks[0] != "好的。" {
		t.Fatalf("expected single flushed chunk, got %v", sink.chunks)
	}
}

func TestDriveAbortsWhenSinkFails(t *testing.T) {
	driver := NewDriver(&segment.Segmenter{MinChunkRunes: 2})
	sinkErr := errors.New("renderer gone")
	sink := &recordingSink{failAt: 2, err: sinkErr}

	err := driver.Drive(context.Background(), streamOf("第一句话说完了。第二句话也说完了。第三句话还在说。"), sink)
	if err == nil || !errors.Is(err, sinkErr) {
		t.Fatalf("expected sink error to surface, got %v", err)
	}
	// 已转发的块不撤回。
	if len(sink.chunks) != 1 {
		t.Fatalf("expected exactly one forwarded chunk before abort, got %v", sink.chunks)
	}
}

func TestDriveStopsOnCancelledContext(t *testing.T) {
	driver := NewDriver(segment.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := driver.Drive(ctx, streamOf("这些文字不会被消费"), &recordingSink{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
