package avatar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrAdmissionRejected 会话数已达上限，请求被立即拒绝而非排队。
	ErrAdmissionRejected = errors.New("session limit reached")
	// ErrSessionNotFound 会话不存在。
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists 指定的会话标识已被占用。
	ErrSessionExists = errors.New("session id already exists")
)

// Registry 管理全部在线会话：准入控制、查找与拆除。
// 表的所有变更由同一把锁串行化，读取可来自任意会话泵。
type Registry struct {
	maxSessions int
	factory     Factory
	pool        *BuildPool

	mu       sync.RWMutex
	sessions map[string]*Session
	pending  map[string]struct{}
}

// NewRegistry 创建会话注册表。maxSessions 小于1时按1处理。
func NewRegistry(maxSessions int, factory Factory, pool *BuildPool) *Registry {
	if maxSessions < 1 {
		maxSessions = 1
	}
	if pool == nil {
		pool = NewBuildPool(DefaultBuildWorkers)
	}
	return &Registry{
		maxSessions: maxSessions,
		factory:     factory,
		pool:        pool,
		sessions:    make(map[string]*Session),
		pending:     make(map[string]struct{}),
	}
}

// Admit 尝试建立新会话。已达上限时立即返回ErrAdmissionRejected，
// 不会触发渲染器构建。名额在慢速构建期间同样被占用，
// 会话只有在渲染器就绪后才对Lookup可见。
func (r *Registry) Admit(ctx context.Context, requestedID string) (*Session, error) {
	id, err := r.reserve(requestedID)
	if err != nil {
		return nil, err
	}

	renderer, err := r.buildRenderer(ctx, id)
	if err != nil {
		r.unreserve(id)
		return nil, fmt.Errorf("renderer build failed: %w", err)
	}

	sess := newSession(id, renderer)

	r.mu.Lock()
	delete(r.pending, id)
	r.sessions[id] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	log.Printf("[registry] session %s admitted (%d/%d live)", id, count, r.maxSessions)
	return sess, nil
}

func (r *Registry) reserve(requestedID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions)+len(r.pending) >= r.maxSessions {
		return "", ErrAdmissionRejected
	}

	id := requestedID
	if id == "" {
		for {
			id = uuid.NewString()
			if !r.occupied(id) {
				break
			}
		}
	} else if r.occupied(id) {
		return "", ErrSessionExists
	}

	r.pending[id] = struct{}{}
	return id, nil
}

func (r *Registry) occupied(id string) bool {
	if _, ok := r.sessions[id]; ok {
		return true
	}
	_, ok := r.pending[id]
	return ok
}

func (r *Registry) unreserve(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Registry) buildRenderer(ctx context.Context, id string) (Renderer, error) {
	var renderer Renderer
	err := r.pool.Do(ctx, func() error {
		built, buildErr := r.factory(ctx, id)
		if buildErr != nil {
			return buildErr
		}
		renderer = built
		return nil
	})
	return renderer, err
}

// Lookup 按标识查找会话。
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Remove 移除并关闭会话。会话已处于终态时调用同样安全。
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		sess.Close()
		log.Printf("[registry] session %s removed", id)
	}
}

// Len 返回当前在线会话数。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll 关闭并移除全部会话，用于进程退出。
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		sessions = append(sessions, sess)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
