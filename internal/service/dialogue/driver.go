package dialogue

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/schema"

	"github.com/ad56740051/ZJ-SHUZIREN/internal/analysis/segment"
)

// Sink 接收切分后的语句块，通常是会话的下行消息入口。
type Sink interface {
	PutText(text string) error
}

// SinkFunc 允许用函数直接充当Sink。
type SinkFunc func(text string) error

// PutText 实现Sink。
func (f SinkFunc) PutText(text string) error { return f(text) }

// Driver 消费一次模型回复流，把增量文本切分后按序推给Sink。
// 每个聊天轮次使用一个Driver调用，不跨轮次保留状态。
type Driver struct {
	segmenter *segment.Segmenter
}

// NewDriver 创建对话驱动器。segmenter 为 nil 时使用默认切分器。
func NewDriver(segmenter *segment.Segmenter) *Driver {
	if segmenter == nil {
		segmenter = segment.New()
	}
	return &Driver{segmenter: segmenter}
}

// Drive 逐增量消费回复流：每收到一段delta立即切分并转发所有完整语句块,
// 流结束时冲刷剩余文本。Sink失败会中止剩余流消费并把错误返回给调用方，
// 已经转发的语句块不会被撤回。
func (d *Driver) Drive(ctx context.Context, stream *schema.StreamReader[*schema.Message], sink Sink) error {
	defer stream.Close()

	var carry string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reply stream recv failed: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		var ready []string
		ready, carry = d.segmenter.Segment(carry, chunk.Content)
		for _, text := range ready {
			if err := sink.PutText(text); err != nil {
				return fmt.Errorf("sink rejected chunk: %w", err)
			}
		}
	}

	if final, ok := d.segmenter.Flush(carry); ok {
		if err := sink.PutText(final); err != nil {
			return fmt.Errorf("sink rejected final chunk: %w", err)
		}
	}

	return nil
}
