package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Connection 表示一个WebSocket会话
type Connection struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Hub    *Hub

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection 创建会话；conn 可以为 nil（仅用于进程内订阅）
func NewConnection(hub *Hub, conn *websocket.Conn, userID string) *Connection {
	return &Connection{
		ID:     uuid.NewString(),
		UserID: userID,
		Conn:   conn,
		Hub:    hub,
		send:   make(chan []byte, hub.config.MessageBufferSize),
		done:   make(chan struct{}),
	}
}

// Frames 出站队列，只读
func (c *Connection) Frames() <-chan []byte { return c.send }

// Done is closed once the session is torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// enqueue never blocks; false means the queue is full or the session is gone.
func (c *Connection) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.Conn != nil {
			_ = c.Conn.Close()
		}
	})
}

// newUpgrader 根据配置创建WebSocket升级器
func newUpgrader(cfg *Config) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			// 控制台与 API 同源部署，鉴权由中间件完成
			return true
		},
		EnableCompression: cfg.EnableCompression,
	}
}

// ServeWebSocket upgrades the request, subscribes the session and runs its
// loops until either side closes.
func ServeWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request, userID string) {
	upgrader := newUpgrader(hub.config)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Errorf("WebSocket升级失败: %v", err)
		return
	}

	if hub.config.EnableCompression {
		conn.EnableWriteCompression(true)
		if hub.config.CompressionLevel != 0 {
			_ = conn.SetCompressionLevel(hub.config.CompressionLevel)
		}
	}

	connection := NewConnection(hub, conn, userID)
	if err := hub.Subscribe(connection); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		connection.close()
		return
	}

	go connection.writePump()
	connection.readPump(r.Context())
}

// readPump 读取消息，退出时注销会话
func (c *Connection) readPump(parent context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer func() {
		cancel()
		c.Hub.Unsubscribe(c)
	}()

	cfg := c.Hub.config
	c.Conn.SetReadLimit(int64(cfg.MaxMessageSize))
	_ = c.Conn.SetReadDeadline(time.Now().Add(cfg.ConnectionTimeout))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(cfg.ConnectionTimeout))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.Debugf("WebSocket读取错误: %s: %v", c.ID, err)
			}
			return
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(cfg.ConnectionTimeout))
		c.Hub.Dispatch(ctx, c, message)
	}
}

// writePump 发送消息，每帧一个 JSON 文档
func (c *Connection) writePump() {
	cfg := c.Hub.config
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval * time.Second
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.Hub.Unsubscribe(c)
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
