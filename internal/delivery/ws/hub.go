// Package ws는 방 토픽을 WebSocket 클라이언트 사이에 중계하는 릴레이 허브입니다.
//
// 허브는 문서 내용을 해석하지 않습니다. 클라이언트가 구독한 토픽으로
// 발행된 페이로드를 같은 토픽의 다른 구독자에게 그대로 전달합니다.
// Backbone이 설정되면 여러 릴레이 인스턴스가 같은 방을 공유합니다.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"diagramsync/collab/crdtpubsub"
	"diagramsync/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// Options는 허브 설정입니다.
type Options struct {
	// MessagesPerSecond, Burst는 연결별 수신 프레임 제한입니다. 0이면 제한하지 않습니다.
	MessagesPerSecond float64
	Burst             int
	// MaxMessageBytes는 수신 프레임의 최대 크기입니다.
	MaxMessageBytes int64
	// Backbone은 다른 릴레이 인스턴스와 토픽을 공유하는 채널입니다. nil이면 로컬에서만 중계합니다.
	Backbone crdtpubsub.PubSub
	Metrics  *metrics.Relay
	Logger   *zap.Logger
}

// envelope는 Backbone을 거치는 페이로드와 발신자입니다.
type envelope struct {
	Sender string `json:"sender"`
	Data   []byte `json:"data"`
}

// Hub 구조체는 토픽별 구독자를 관리하는 릴레이입니다.
type Hub struct {
	id       string
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Relay
	upgrader websocket.Upgrader

	mutex   sync.RWMutex
	topics  map[string]map[*client]struct{}
	clients map[*client]struct{}
	closed  bool
	nextID  uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub는 새로운 허브를 생성합니다.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRelay(nil)
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 1 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Hub{
		id:      id,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("hub_id", id)),
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // 모든 오리진 허용
			},
		},
		topics:  make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ServeHTTP는 WebSocket 연결을 업그레이드하고 클라이언트 처리를 시작합니다.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}
	h.mutex.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	c := h.register(conn, r.URL.Query().Get("room"))
	if c == nil {
		_ = conn.Close()
		return
	}
	go c.writeLoop()
	c.readLoop()
}

// Close는 모든 연결을 닫고 Backbone 구독을 해제합니다.
func (h *Hub) Close() error {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mutex.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.cancel()
	return nil
}

// ClientCount는 현재 연결 수를 반환합니다.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(conn *websocket.Conn, room string) *client {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return nil
	}

	h.nextID++
	c := &client{
		hub:    h,
		id:     h.id + "/" + uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		topics: make(map[string]struct{}),
		done:   make(chan struct{}),
		logger: h.logger.With(zap.Uint64("conn", h.nextID), zap.String("room", room)),
	}
	if h.opts.MessagesPerSecond > 0 {
		burst := h.opts.Burst
		if burst <= 0 {
			burst = int(h.opts.MessagesPerSecond)
		}
		c.limiter = rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), burst)
	}
	h.clients[c] = struct{}{}
	h.metrics.Connections.Inc()
	c.logger.Debug("client connected")
	return c
}

func (h *Hub) unregister(c *client) {
	h.mutex.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, c)
	var emptied []string
	for topic := range c.topics {
		if subs := h.topics[topic]; subs != nil {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.topics, topic)
				emptied = append(emptied, topic)
			}
		}
	}
	h.metrics.Topics.Set(float64(len(h.topics)))
	h.mutex.Unlock()

	h.metrics.Connections.Dec()
	for _, topic := range emptied {
		h.leaveBackbone(topic)
	}
	c.logger.Debug("client disconnected")
}

// subscribe는 클라이언트를 토픽에 등록합니다. 토픽의 첫 구독자면 Backbone에도 구독합니다.
func (h *Hub) subscribe(c *client, topic string) error {
	h.mutex.Lock()
	if _, ok := c.topics[topic]; ok {
		h.mutex.Unlock()
		return nil
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*client]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
	c.topics[topic] = struct{}{}
	h.metrics.Topics.Set(float64(len(h.topics)))
	h.mutex.Unlock()

	if ok || h.opts.Backbone == nil {
		return nil
	}
	return h.opts.Backbone.Subscribe(h.ctx, topic, h.id, h.fromBackbone)
}

func (h *Hub) unsubscribe(c *client, topic string) {
	h.mutex.Lock()
	if _, ok := c.topics[topic]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(c.topics, topic)
	subs := h.topics[topic]
	delete(subs, c)
	emptied := len(subs) == 0
	if emptied {
		delete(h.topics, topic)
	}
	h.metrics.Topics.Set(float64(len(h.topics)))
	h.mutex.Unlock()

	if emptied {
		h.leaveBackbone(topic)
	}
}

func (h *Hub) leaveBackbone(topic string) {
	if h.opts.Backbone == nil {
		return
	}
	if err := h.opts.Backbone.Unsubscribe(context.Background(), topic, h.id); err != nil {
		h.logger.Debug("failed to leave backbone topic", zap.String("topic", topic), zap.Error(err))
	}
}

// publish는 페이로드를 발신자를 제외한 구독자에게 전달합니다.
func (h *Hub) publish(sender *client, topic string, data []byte) error {
	if h.opts.Backbone != nil {
		payload, err := json.Marshal(envelope{Sender: sender.id, Data: data})
		if err != nil {
			return errors.Wrap(err, "failed to marshal envelope")
		}
		return h.opts.Backbone.Publish(h.ctx, topic, payload)
	}
	h.deliver(sender.id, topic, data)
	return nil
}

// fromBackbone은 Backbone에서 받은 페이로드를 로컬 구독자에게 전달합니다.
func (h *Hub) fromBackbone(ctx context.Context, topic string, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return errors.Wrap(err, "failed to unmarshal envelope")
	}
	h.deliver(env.Sender, topic, env.Data)
	return nil
}

func (h *Hub) deliver(senderID, topic string, data []byte) {
	frame, err := json.Marshal(crdtpubsub.Frame{Op: crdtpubsub.FrameMessage, Topic: topic, Data: data})
	if err != nil {
		h.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}

	h.mutex.RLock()
	targets := make([]*client, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		if c.id != senderID {
			targets = append(targets, c)
		}
	}
	h.mutex.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// client 구조체는 허브에 연결된 WebSocket 클라이언트입니다.
type client struct {
	hub     *Hub
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	logger  *zap.Logger

	// topics는 hub.mutex로 보호됩니다.
	topics map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// readLoop는 WebSocket 메시지 수신 루프입니다.
func (c *client) readLoop() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		// 속도 제한 확인
		if c.limiter != nil && !c.limiter.Allow() {
			c.hub.metrics.RateLimited.Inc()
			c.hub.metrics.FramesDropped.WithLabelValues("rate_limited").Inc()
			continue
		}

		var frame crdtpubsub.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.hub.metrics.FramesDropped.WithLabelValues("malformed").Inc()
			c.logger.Warn("Failed to parse relay frame", zap.Error(err))
			continue
		}
		c.hub.metrics.FramesIn.WithLabelValues(string(frame.Op)).Inc()

		if err := c.handleFrame(frame); err != nil {
			c.logger.Warn("Failed to handle relay frame",
				zap.String("op", string(frame.Op)),
				zap.String("topic", frame.Topic),
				zap.Error(err))
		}
	}
}

// handleFrame은 프레임 종류에 따라 처리합니다.
func (c *client) handleFrame(frame crdtpubsub.Frame) error {
	if frame.Topic == "" {
		return errors.New("topic is required")
	}
	switch frame.Op {
	case crdtpubsub.FrameSubscribe:
		return c.hub.subscribe(c, frame.Topic)
	case crdtpubsub.FrameUnsubscribe:
		c.hub.unsubscribe(c, frame.Topic)
		return nil
	case crdtpubsub.FramePublish:
		return c.hub.publish(c, frame.Topic, frame.Data)
	default:
		return errors.Errorf("unknown frame op: %s", frame.Op)
	}
}

// enqueue는 전송 대기열에 프레임을 넣습니다. 대기열이 가득 찬 느린 클라이언트는 연결을 끊습니다.
func (c *client) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
		c.hub.metrics.FramesOut.Inc()
	default:
		c.hub.metrics.FramesDropped.WithLabelValues("slow_consumer").Inc()
		c.logger.Warn("dropping slow client")
		c.close()
	}
}

// writeLoop는 전송 대기열과 ping을 처리합니다. gorilla/websocket의 단일 writer입니다.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// close는 클라이언트를 종료 상태로 만듭니다. 연결은 writeLoop가 닫습니다.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
