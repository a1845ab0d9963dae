package sse

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"GuardDispatch/pkg/websocket"

	"github.com/gin-gonic/gin"
)

// RouteStream read-only live state over server-sent events
const RouteStream = "/sse/state"

// Stream 为不能使用 WebSocket 的大屏/代理环境提供只读推送。
// 每个客户端是 Hub 上的一个无 socket 会话，收到的帧与 WebSocket 会话一致。
type Stream struct {
	hub      *websocket.Hub
	interval time.Duration
	retryMs  int

	quit     chan struct{}
	quitOnce sync.Once
}

func NewStream(hub *websocket.Hub, interval time.Duration) *Stream {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Stream{hub: hub, interval: interval, retryMs: 5000, quit: make(chan struct{})}
}

// Close ends every open stream; they never go idle, so http.Server.Shutdown
// would otherwise wait on them until its deadline.
func (s *Stream) Close() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// RegisterRoutes mounts the stream; auth guards it like the WebSocket upgrade.
func (s *Stream) RegisterRoutes(r gin.IRouter, auth ...gin.HandlerFunc) {
	r.GET(RouteStream, append(auth, s.Serve)...)
}

func (s *Stream) Serve(c *gin.Context) {
	if _, ok := c.Writer.(http.Flusher); !ok {
		c.Status(http.StatusInternalServerError)
		return
	}
	conn := websocket.NewConnection(s.hub, nil, "")
	if err := s.hub.Subscribe(conn); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": err.Error()})
		return
	}
	defer s.hub.Unsubscribe(conn)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	fmt.Fprintf(c.Writer, "retry: %d\n\n", s.retryMs)
	c.Writer.Flush()

	ping := time.NewTicker(s.interval)
	defer ping.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-conn.Done():
			return false
		case <-s.quit:
			return false
		case <-c.Request.Context().Done():
			return false
		case <-ping.C:
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
		case data := <-conn.Frames():
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		return true
	})
}
