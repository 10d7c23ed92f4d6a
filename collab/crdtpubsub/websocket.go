package crdtpubsub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"diagramsync/collab/common"
)

const wsWriteTimeout = 10 * time.Second

// WebSocketOptions는 릴레이 클라이언트 설정입니다.
type WebSocketOptions struct {
	// URL은 릴레이 엔드포인트입니다. 예: ws://localhost:8080/ws
	URL string
	// Header는 핸드셰이크에 추가할 헤더입니다.
	Header http.Header
	// InitialBackoff, MaxBackoff는 재연결 간격을 제한합니다.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *zap.Logger
}

// WebSocketPubSub는 릴레이 서버에 연결하는 PubSub 구현체입니다.
// 연결이 끊기면 지수 백오프로 재연결하고 구독을 복원합니다.
type WebSocketPubSub struct {
	opts   WebSocketOptions
	dialer *websocket.Dialer
	logger *zap.Logger

	mutex     sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	handlers  map[string]map[string]SubscriberFunc
	listeners map[int]func(bool)
	nextID    int

	// writeMu는 gorilla/websocket의 단일 writer 제약을 보장합니다.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// DialWebSocket은 릴레이에 연결하고 수신 루프를 시작합니다.
func DialWebSocket(ctx context.Context, opts WebSocketOptions) (*WebSocketPubSub, error) {
	if opts.URL == "" {
		return nil, errors.New("relay url is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}

	ps := &WebSocketPubSub{
		opts:      opts,
		dialer:    websocket.DefaultDialer,
		logger:    opts.Logger.With(zap.String("relay", opts.URL)),
		handlers:  make(map[string]map[string]SubscriberFunc),
		listeners: make(map[int]func(bool)),
		done:      make(chan struct{}),
	}

	conn, _, err := ps.dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial relay")
	}
	ps.conn = conn
	ps.connected = true
	ps.ctx, ps.cancel = context.WithCancel(context.Background())

	go ps.run(conn)
	return ps, nil
}

// Publish는 토픽에 데이터를 발행합니다. 연결이 끊긴 동안에는 ErrOffline을 반환합니다.
func (ps *WebSocketPubSub) Publish(ctx context.Context, topic string, data []byte) error {
	return ps.writeFrame(Frame{Op: FramePublish, Topic: topic, Data: data})
}

// Subscribe는 토픽 구독을 등록합니다. 토픽의 첫 구독자일 때만 릴레이에 알립니다.
func (ps *WebSocketPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error {
	ps.mutex.Lock()
	if ps.closed {
		ps.mutex.Unlock()
		return errors.Wrap(common.ErrClosed, "pubsub")
	}
	subs, ok := ps.handlers[topic]
	if !ok {
		subs = make(map[string]SubscriberFunc)
		ps.handlers[topic] = subs
	}
	if _, dup := subs[subscriberID]; dup {
		ps.mutex.Unlock()
		return errors.Errorf("already subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}
	subs[subscriberID] = handler
	first := !ok
	ps.mutex.Unlock()

	if !first {
		return nil
	}
	// 오프라인이면 재연결 시 resubscribe에서 복원됩니다.
	if err := ps.writeFrame(Frame{Op: FrameSubscribe, Topic: topic}); err != nil && !errors.Is(err, ErrOffline) {
		return err
	}
	return nil
}

// Unsubscribe는 토픽 구독을 해제합니다.
func (ps *WebSocketPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	ps.mutex.Lock()
	subs, ok := ps.handlers[topic]
	if !ok {
		ps.mutex.Unlock()
		return errors.Errorf("not subscribed to topic: %s", topic)
	}
	if _, ok := subs[subscriberID]; !ok {
		ps.mutex.Unlock()
		return errors.Errorf("not subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}
	delete(subs, subscriberID)
	last := len(subs) == 0
	if last {
		delete(ps.handlers, topic)
	}
	ps.mutex.Unlock()

	if !last {
		return nil
	}
	if err := ps.writeFrame(Frame{Op: FrameUnsubscribe, Topic: topic}); err != nil && !errors.Is(err, ErrOffline) {
		return err
	}
	return nil
}

// OnConnectionChange는 연결 상태 변경 리스너를 등록합니다.
func (ps *WebSocketPubSub) OnConnectionChange(fn func(connected bool)) func() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	id := ps.nextID
	ps.nextID++
	ps.listeners[id] = fn
	return func() {
		ps.mutex.Lock()
		defer ps.mutex.Unlock()
		delete(ps.listeners, id)
	}
}

// Connected는 현재 릴레이와 연결되어 있는지 반환합니다.
func (ps *WebSocketPubSub) Connected() bool {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	return ps.connected
}

// Close는 연결을 닫고 재연결 루프를 종료합니다.
func (ps *WebSocketPubSub) Close() error {
	ps.mutex.Lock()
	if ps.closed {
		ps.mutex.Unlock()
		return nil
	}
	ps.closed = true
	conn := ps.conn
	ps.mutex.Unlock()

	ps.cancel()
	if conn != nil {
		ps.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ps.writeMu.Unlock()
		_ = conn.Close()
	}
	<-ps.done
	return nil
}

// run은 수신 루프와 재연결을 반복합니다.
func (ps *WebSocketPubSub) run(conn *websocket.Conn) {
	defer close(ps.done)

	for {
		ps.receiveLoop(conn)
		ps.setConnected(nil, false)

		if ps.ctx.Err() != nil {
			return
		}

		next, err := ps.reconnect()
		if err != nil {
			return
		}
		conn = next
		ps.resubscribe()
		ps.notify(true)
	}
}

// receiveLoop는 WebSocket 메시지 수신 루프입니다.
func (ps *WebSocketPubSub) receiveLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ps.ctx.Err() == nil {
				ps.logger.Warn("relay connection lost", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			ps.logger.Warn("failed to parse relay frame", zap.Error(err))
			continue
		}
		if frame.Op != FrameMessage {
			continue
		}

		ps.mutex.Lock()
		handlers := make([]SubscriberFunc, 0, len(ps.handlers[frame.Topic]))
		for _, h := range ps.handlers[frame.Topic] {
			handlers = append(handlers, h)
		}
		ps.mutex.Unlock()

		for _, h := range handlers {
			if err := h(ps.ctx, frame.Topic, frame.Data); err != nil {
				ps.logger.Warn("failed to handle message",
					zap.String("topic", frame.Topic),
					zap.Error(err))
			}
		}
	}
}

// reconnect는 성공하거나 Close될 때까지 지수 백오프로 재연결합니다.
func (ps *WebSocketPubSub) reconnect() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ps.opts.InitialBackoff
	b.MaxInterval = ps.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()
		select {
		case <-ps.ctx.Done():
			return nil, ps.ctx.Err()
		case <-time.After(wait):
		}

		conn, _, err := ps.dialer.DialContext(ps.ctx, ps.opts.URL, ps.opts.Header)
		if err != nil {
			ps.logger.Debug("relay reconnect failed",
				zap.Int("attempt", attempt),
				zap.Duration("next_wait", wait),
				zap.Error(err))
			continue
		}

		if !ps.setConnected(conn, true) {
			_ = conn.Close()
			return nil, common.ErrClosed
		}
		ps.logger.Info("relay reconnected", zap.Int("attempt", attempt))
		return conn, nil
	}
}

func (ps *WebSocketPubSub) resubscribe() {
	ps.mutex.Lock()
	topics := make([]string, 0, len(ps.handlers))
	for topic := range ps.handlers {
		topics = append(topics, topic)
	}
	ps.mutex.Unlock()

	for _, topic := range topics {
		if err := ps.writeFrame(Frame{Op: FrameSubscribe, Topic: topic}); err != nil {
			ps.logger.Warn("failed to restore subscription", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// setConnected는 연결 상태를 갱신합니다. 이미 닫힌 경우 false를 반환합니다.
func (ps *WebSocketPubSub) setConnected(conn *websocket.Conn, connected bool) bool {
	ps.mutex.Lock()
	if ps.closed && connected {
		ps.mutex.Unlock()
		return false
	}
	was := ps.connected
	ps.connected = connected
	if conn != nil {
		ps.conn = conn
	}
	ps.mutex.Unlock()

	if was && !connected {
		ps.notify(false)
	}
	return true
}

func (ps *WebSocketPubSub) notify(connected bool) {
	ps.mutex.Lock()
	listeners := make([]func(bool), 0, len(ps.listeners))
	for _, fn := range ps.listeners {
		listeners = append(listeners, fn)
	}
	ps.mutex.Unlock()

	for _, fn := range listeners {
		fn(connected)
	}
}

// writeFrame은 프레임을 직렬화해 전송합니다.
func (ps *WebSocketPubSub) writeFrame(frame Frame) error {
	ps.mutex.Lock()
	if ps.closed {
		ps.mutex.Unlock()
		return errors.Wrap(common.ErrClosed, "pubsub")
	}
	conn, connected := ps.conn, ps.connected
	ps.mutex.Unlock()
	if !connected {
		return ErrOffline
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "failed to marshal frame")
	}

	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}
