package avatar

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// DefaultBuildWorkers 渲染器构建的默认并发上限。
const DefaultBuildWorkers = 2

// BuildPool 用有界信号量约束渲染器构建等重型任务的并发度，
// 避免慢速构建拖垮为其他会话服务的调度。等待受调用方上下文约束。
type BuildPool struct {
	sem *semaphore.Weighted
}

// NewBuildPool 创建构建池。workers 小于1时使用默认值。
func NewBuildPool(workers int) *BuildPool {
	if workers < 1 {
		workers = DefaultBuildWorkers
	}
	return &BuildPool{sem: semaphore.NewWeighted(int64(workers))}
}

// Do 在池内执行fn。池满时排队等待，上下文取消则放弃。
func (p *BuildPool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("build pool wait aborted: %w", err)
	}
	defer p.sem.Release(1)
	return fn()
}
