package live

import "sync"

// Table 跟踪当前存活的代理会话，按客户端ID索引。
type Table struct {
	mu      sync.Mutex
	proxies map[string]*Proxy
}

// NewTable 创建空的会话表。
func NewTable() *Table {
	return &Table{proxies: make(map[string]*Proxy)}
}

// Put 登记一条代理会话。同ID的旧会话被覆盖。
func (t *Table) Put(id string, p *Proxy) {
	t.mu.Lock()
	t.proxies[id] = p
	t.mu.Unlock()
}

// Get 返回指定ID的代理会话。
func (t *Table) Get(id string) (*Proxy, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.proxies[id]
	return p, ok
}

// Remove 注销一条代理会话。ID不存在时为空操作。
func (t *Table) Remove(id string) {
	t.mu.Lock()
	delete(t.proxies, id)
	t.mu.Unlock()
}

// Len 返回存活会话数。
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.proxies)
}
