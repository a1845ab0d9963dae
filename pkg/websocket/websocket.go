package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Message 定义WebSocket应答/定向消息结构
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// SnapshotFunc returns the full state frame a session starts from.
type SnapshotFunc func() interface{}

// QueryHandler answers client requests. Command handles bare string requests
// such as "getGuards"; Query handles structured table queries.
type QueryHandler interface {
	Command(ctx context.Context, name string) (interface{}, error)
	Query(ctx context.Context, raw json.RawMessage) (interface{}, error)
}

// Observer receives hub counters; *metrics.Metrics satisfies it.
type Observer interface {
	SetSessions(n int)
	RecordDroppedSession()
	RecordBroadcast(kind string)
}

var (
	ErrHubClosed       = errors.New(ErrConnectionClosed)
	ErrTooManySessions = errors.New(ErrConnectionLimitExceeded)
	errUnknownRequest  = errors.New(ErrInvalidMessageType)
	errNoQueryHandler  = errors.New("queries are not served by this hub")
)

// broadcast kinds, as reported to the Observer
const (
	broadcastKindState  = "state"
	broadcastKindBeat   = "heartbeat"
	broadcastKindDirect = "direct"
)

// HubOptions 可选依赖
type HubOptions struct {
	Snapshot SnapshotFunc
	Queries  QueryHandler
	Observer Observer
}

// Hub 管理所有WebSocket会话
//
// Publish, Refresh and Subscribe serialize on sendMu so a session sees its
// snapshot first and every later frame in publish order. Nothing here writes to
// a socket; each Connection's write loop does that.
type Hub struct {
	config *Config
	opts   HubOptions

	sendMu sync.Mutex

	mu sync.RWMutex
	// 注册的连接
	connections map[string]*Connection
	// 用户ID到连接的映射
	userConnections map[string]map[string]*Connection
	closed          bool
}

// NewHub 创建新的Hub实例
func NewHub(config *Config, opts HubOptions) *Hub {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MessageBufferSize <= 0 {
		config.MessageBufferSize = DefaultMessageBufferSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		config:          config,
		opts:            opts,
		connections:     make(map[string]*Connection),
		userConnections: make(map[string]map[string]*Connection),
	}
}

// Config returns the hub configuration.
func (h *Hub) Config() *Config { return h.config }

// Subscribe registers conn and queues the current snapshot as its first frame.
func (h *Hub) Subscribe(conn *Connection) error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if int64(len(h.connections)) >= h.config.MaxConnections {
		h.mu.Unlock()
		logrus.Warnf("达到最大连接数限制: %d", h.config.MaxConnections)
		return ErrTooManySessions
	}
	h.connections[conn.ID] = conn
	if conn.UserID != "" {
		if h.userConnections[conn.UserID] == nil {
			h.userConnections[conn.UserID] = make(map[string]*Connection)
		}
		h.userConnections[conn.UserID][conn.ID] = conn
	}
	n := len(h.connections)
	h.mu.Unlock()

	h.observeSessions(n)
	logrus.Infof("WebSocket连接已注册: %s, 用户: %s, 当前连接数: %d", conn.ID, conn.UserID, n)

	if h.opts.Snapshot != nil {
		data, err := json.Marshal(h.opts.Snapshot())
		if err != nil {
			logrus.Errorf("快照序列化失败: %v", err)
			return nil
		}
		h.deliver(conn, data)
	}
	return nil
}

// Unsubscribe removes conn and closes it. Safe to call more than once.
func (h *Hub) Unsubscribe(conn *Connection) {
	h.mu.Lock()
	_, ok := h.connections[conn.ID]
	if ok {
		delete(h.connections, conn.ID)
		if users := h.userConnections[conn.UserID]; users != nil {
			delete(users, conn.ID)
			if len(users) == 0 {
				delete(h.userConnections, conn.UserID)
			}
		}
	}
	n := len(h.connections)
	h.mu.Unlock()

	conn.close()
	if ok {
		h.observeSessions(n)
		logrus.Infof("WebSocket连接已注销: %s, 当前连接数: %d", conn.ID, n)
	}
}

// Publish queues v as one frame for every session. It never blocks on a slow
// session: a full queue drops that session.
func (h *Hub) Publish(v interface{}) {
	h.broadcast(v, broadcastKindState)
}

// Refresh pushes a full snapshot to every session, masking any frame a
// console may have missed.
func (h *Hub) Refresh() {
	if h.opts.Snapshot == nil {
		return
	}
	h.broadcast(nil, broadcastKindBeat)
}

func (h *Hub) broadcast(v interface{}, kind string) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	if kind == broadcastKindBeat {
		v = h.opts.Snapshot()
	}
	data, err := json.Marshal(v)
	if err != nil {
		logrus.Errorf("消息序列化失败: %v", err)
		return
	}
	for _, conn := range h.sessions() {
		h.deliver(conn, data)
	}
	if h.opts.Observer != nil {
		h.opts.Observer.RecordBroadcast(kind)
	}
}

// SendToUser queues msg for every session of userID and reports how many
// sessions it reached.
func (h *Hub) SendToUser(userID string, msg *Message) int {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logrus.Errorf("消息序列化失败: %v", err)
		return 0
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.userConnections[userID]))
	for _, conn := range h.userConnections[userID] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		h.deliver(conn, data)
	}
	if h.opts.Observer != nil && len(targets) > 0 {
		h.opts.Observer.RecordBroadcast(broadcastKindDirect)
	}
	return len(targets)
}

// Dispatch answers one inbound frame. The reply goes to conn only.
func (h *Hub) Dispatch(ctx context.Context, conn *Connection, raw []byte) {
	reply := h.handle(ctx, raw)
	if reply.Timestamp == 0 {
		reply.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(reply)
	if err != nil {
		logrus.Errorf("应答序列化失败: %v", err)
		return
	}
	h.sendMu.Lock()
	h.deliver(conn, data)
	h.sendMu.Unlock()
}

func (h *Hub) handle(ctx context.Context, raw []byte) *Message {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var name string
		if err := json.Unmarshal([]byte(trimmed), &name); err != nil {
			return errorMessage(err)
		}
		if h.opts.Queries == nil {
			return errorMessage(errNoQueryHandler)
		}
		data, err := h.opts.Queries.Command(ctx, name)
		if err != nil {
			return errorMessage(err)
		}
		return &Message{Type: name, Data: data}
	}

	var probe struct {
		Type  string `json:"type"`
		Table string `json:"table"`
	}
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		logrus.Debugf("消息解析失败: %v", err)
		return errorMessage(errors.New(ErrInvalidMessageData))
	}
	switch {
	case probe.Type == MessageTypePing:
		return &Message{Type: MessageTypePong}
	case probe.Table != "":
		if h.opts.Queries == nil {
			return errorMessage(errNoQueryHandler)
		}
		data, err := h.opts.Queries.Query(ctx, json.RawMessage(trimmed))
		if err != nil {
			return errorMessage(err)
		}
		return &Message{Type: MessageTypeQuery, Data: data}
	}
	return errorMessage(errUnknownRequest)
}

func errorMessage(err error) *Message {
	return &Message{Type: MessageTypeError, Data: err.Error()}
}

// deliver must run under sendMu. A session whose queue is full is dropped.
func (h *Hub) deliver(conn *Connection, data []byte) {
	if conn.enqueue(data) {
		return
	}
	logrus.Warnf("连接 %s 发送缓冲区已满，断开", conn.ID)
	if h.opts.Observer != nil {
		h.opts.Observer.RecordDroppedSession()
	}
	h.Unsubscribe(conn)
}

func (h *Hub) sessions() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		out = append(out, conn)
	}
	return out
}

func (h *Hub) observeSessions(n int) {
	if h.opts.Observer != nil {
		h.opts.Observer.SetSessions(n)
	}
}

// GetConnectionCount 获取当前连接数
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetUserConnections 获取用户的连接数
func (h *Hub) GetUserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userConnections[userID])
}

// Close 关闭Hub，断开所有连接
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	for _, conn := range h.sessions() {
		h.Unsubscribe(conn)
	}
	logrus.Info("WebSocket Hub已关闭")
}
