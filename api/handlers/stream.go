package handlers

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/graphflow/workflow"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// =============================================================================
// 📡 运行事件广播
// =============================================================================

// DefaultSubscriberBuffer 每个订阅者的事件缓冲
const DefaultSubscriberBuffer = 64

// EventBroker 按线程把运行事件分发给订阅者。它实现 workflow.Observer，
// 作为 Runner 的观察者注册。订阅者消费过慢时事件被丢弃，运行不会阻塞。
type EventBroker struct {
	mu      sync.RWMutex
	subs    map[string]map[chan workflow.Event]struct{}
	buffer  int
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewEventBroker 创建事件广播器，buffer <= 0 时使用默认缓冲
func NewEventBroker(buffer int, logger *zap.Logger) *EventBroker {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBroker{
		subs:   make(map[string]map[chan workflow.Event]struct{}),
		buffer: buffer,
		logger: logger.With(zap.String("component", "event_broker")),
	}
}

// Subscribe 订阅线程的事件，包括其子图线程（outer::name）的事件。
// 返回的取消函数可重复调用，调用后通道被关闭。
func (b *EventBroker) Subscribe(threadID string) (<-chan workflow.Event, func()) {
	ch := make(chan workflow.Event, b.buffer)

	b.mu.Lock()
	set, ok := b.subs[threadID]
	if !ok {
		set = make(map[chan workflow.Event]struct{})
		b.subs[threadID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, threadID)
			}
			close(ch)
		})
	}
}

// OnEvent 实现 workflow.Observer
func (b *EventBroker) OnEvent(_ context.Context, ev workflow.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliver(ev.ThreadID, ev)
	// 子图线程 outer::inner::... 的事件同时投递给每一级外层线程
	id := ev.ThreadID
	for {
		i := strings.LastIndex(id, "::")
		if i < 0 {
			return
		}
		id = id[:i]
		b.deliver(id, ev)
		// 分支内的子图挂在 outer#i 下，再上一级是 outer
		if branchOf, ok := trimBranch(id); ok {
			id = branchOf
			b.deliver(id, ev)
		}
	}
}

// trimBranch 去掉扇出分支后缀 #<n>
func trimBranch(id string) (string, bool) {
	i := strings.LastIndex(id, "#")
	if i <= 0 || i == len(id)-1 {
		return id, false
	}
	for _, c := range id[i+1:] {
		if c < '0' || c > '9' {
			return id, false
		}
	}
	return id[:i], true
}

func (b *EventBroker) deliver(threadID string, ev workflow.Event) {
	for ch := range b.subs[threadID] {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber buffer full, dropping event",
				zap.String("thread_id", threadID),
				zap.String("event_type", string(ev.Type)))
		}
	}
}

// Subscribers 返回线程当前的订阅者数量
func (b *EventBroker) Subscribers(threadID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[threadID])
}

// Dropped 返回因缓冲已满被丢弃的事件数
func (b *EventBroker) Dropped() int64 {
	return b.dropped.Load()
}

// =============================================================================
// 🔌 WebSocket 事件流 Handler
// =============================================================================

// StreamHandler 通过 websocket 推送线程的运行事件
type StreamHandler struct {
	broker         *EventBroker
	originPatterns []string
	writeTimeout   time.Duration
	logger         *zap.Logger
}

// NewStreamHandler 创建事件流处理器。originPatterns 为空时只接受同源连接。
func NewStreamHandler(broker *EventBroker, originPatterns []string, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		broker:         broker,
		originPatterns: originPatterns,
		writeTimeout:   5 * time.Second,
		logger:         logger.With(zap.String("component", "stream_handler")),
	}
}

// Register 挂载事件流路由
func (h *StreamHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/threads/{id}/events", h.HandleEvents)
}

// HandleEvents 升级为 websocket 并持续推送事件，直到客户端断开
// @Summary 线程事件流
// @Tags 线程
// @Param id path string true "线程 ID"
// @Success 101 "websocket 连接，每条消息是一个 workflow.Event JSON"
// @Router /v1/threads/{id}/events [get]
func (h *StreamHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		// Accept 已写出错误响应
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	events, cancel := h.broker.Subscribe(threadID)
	defer cancel()

	h.logger.Info("event stream opened",
		zap.String("thread_id", threadID),
		zap.String("remote_addr", r.RemoteAddr))

	// 客户端不发送数据，CloseRead 在对端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("event stream closed", zap.String("thread_id", threadID))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.write(ctx, conn, ev); err != nil {
				h.logger.Debug("event stream write failed",
					zap.String("thread_id", threadID),
					zap.Error(err))
				return
			}
		}
	}
}

func (h *StreamHandler) write(ctx context.Context, conn *websocket.Conn, ev workflow.Event) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
