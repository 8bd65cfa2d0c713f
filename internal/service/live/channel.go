package live

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WSChannel 把gorilla连接适配为ClientChannel。
// gorilla的连接只允许一个并发写入方，这里用互斥锁串行化写事件。
type WSChannel struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWSChannel 包装一条已完成升级的WebSocket连接。
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

// ReadMessage 阻塞读取下一条客户端消息。
func (c *WSChannel) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// WriteEvent 以JSON下发一条事件，可并发调用。
func (c *WSChannel) WriteEvent(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Close 关闭连接，幂等。
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
