package crdtsync

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"diagramsync/collab/awareness"
	"diagramsync/collab/common"
	"diagramsync/collab/crdt"
	"diagramsync/collab/crdtpubsub"
)

const (
	// DefaultSyncTimeout는 응답하는 피어가 없을 때 혼자라고 판단하기까지의 대기 시간입니다.
	DefaultSyncTimeout = time.Second

	publishTimeout = 5 * time.Second
	drainTimeout   = 2 * time.Second
)

// Option은 Provider 설정 함수입니다.
type Option func(*Provider)

// WithLogger는 로거를 설정합니다.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSyncTimeout은 sync_step2 응답 대기 시간을 설정합니다.
func WithSyncTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.syncTimeout = d
		}
	}
}

// WithResyncInterval은 주기적으로 sync_step1을 다시 보내 유실된 메시지를 복구합니다.
// 0이면 비활성화됩니다.
func WithResyncInterval(d time.Duration) Option {
	return func(p *Provider) {
		p.resyncInterval = d
	}
}

// WithAwareness는 접속자 정보를 룸의 awareness 토픽에 연결합니다.
func WithAwareness(a *awareness.Awareness) Option {
	return func(p *Provider) {
		p.awareness = a
	}
}

type outbound struct {
	topic string
	data  []byte
}

// Provider는 문서를 룸 채널과 동기화하는 Adapter 구현체입니다.
//
// 연결 시 상태 벡터(sync_step1)를 브로드캐스트하고, 피어는 요청자에게 없는
// 업데이트(sync_step2)와 자신의 상태 벡터로 응답합니다. 이후 모든 비원격
// 트랜잭션은 update 메시지로 전파됩니다.
type Provider struct {
	roomID         string
	doc            *crdt.Document
	channel        crdtpubsub.PubSub
	awareness      *awareness.Awareness
	logger         *zap.Logger
	syncTimeout    time.Duration
	resyncInterval time.Duration
	docTopic       string
	awareTopic     string

	mu          sync.Mutex
	sid         common.SessionID
	status      Status
	started     bool
	closed      bool
	firstSynced bool
	syncedCh    chan struct{}
	firstSyncFn []func()
	statusFns   map[int]func(Status)
	nextID      int
	syncTimer   *time.Timer
	cleanups    []func()

	// inflight는 실행 중인 수신 핸들러가 공유 잠금으로, Close가 배타 잠금으로 잡습니다.
	inflight sync.RWMutex

	outMu     sync.Mutex
	outQueue  []outbound
	outSignal chan struct{}
	outClosed bool
	outDone   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewProvider는 새 Provider를 생성합니다. Connect 전까지 아무 메시지도 보내지 않습니다.
func NewProvider(roomID string, doc *crdt.Document, channel crdtpubsub.PubSub, opts ...Option) *Provider {
	p := &Provider{
		roomID:      roomID,
		doc:         doc,
		channel:     channel,
		logger:      zap.NewNop(),
		syncTimeout: DefaultSyncTimeout,
		docTopic:    crdtpubsub.DocTopic(roomID),
		awareTopic:  crdtpubsub.AwarenessTopic(roomID),
		status:      StatusDisconnected,
		syncedCh:    make(chan struct{}),
		statusFns:   make(map[int]func(Status)),
		outSignal:   make(chan struct{}, 1),
		outDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("room_id", roomID))
	return p
}

// RoomID는 룸 식별자를 반환합니다.
func (p *Provider) RoomID() string {
	return p.roomID
}

// Awareness는 접속자 정보를 반환합니다. 설정되지 않았으면 nil입니다.
func (p *Provider) Awareness() *awareness.Awareness {
	return p.awareness
}

// Connect는 룸 토픽을 구독하고 초기 교환을 시작합니다.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.Wrap(common.ErrClosed, "provider")
	}
	if p.started {
		p.mu.Unlock()
		return errors.New("provider already connected")
	}
	p.started = true
	p.sid = p.doc.SessionID()
	p.ctx, p.cancel = context.WithCancel(context.Background())
	subscriberID := p.sid.String()
	p.mu.Unlock()

	go p.sendLoop()
	p.setStatus(StatusConnecting)

	if err := p.channel.Subscribe(p.ctx, p.docTopic, subscriberID, p.handleDoc); err != nil {
		p.setStatus(StatusDisconnected)
		return errors.Wrap(err, "failed to subscribe to room")
	}
	p.addCleanup(func() {
		if err := p.channel.Unsubscribe(context.Background(), p.docTopic, subscriberID); err != nil {
			p.logger.Debug("unsubscribe failed", zap.String("topic", p.docTopic), zap.Error(err))
		}
	})

	if p.awareness != nil {
		if err := p.channel.Subscribe(p.ctx, p.awareTopic, subscriberID, p.handleAwareness); err != nil {
			// presence is best-effort and never blocks document sync
			p.logger.Warn("failed to subscribe to awareness", zap.Error(err))
		} else {
			p.addCleanup(func() {
				_ = p.channel.Unsubscribe(context.Background(), p.awareTopic, subscriberID)
			})
		}
		p.addCleanup(p.awareness.OnLocalUpdate(p.publishAwareness))
		go p.awareness.Run(p.ctx)
	}

	p.addCleanup(p.doc.Observe(p.onDocChange))

	if notifier, ok := p.channel.(crdtpubsub.ConnectionNotifier); ok {
		p.addCleanup(notifier.OnConnectionChange(p.onConnectionChange))
	}

	if p.resyncInterval > 0 {
		go p.periodicSync()
	}

	p.beginSync()
	if p.awareness != nil {
		p.publishAwareness(p.awareness.LocalUpdate())
	}
	return nil
}

// Close는 옵저버를 해제하고 퇴장을 알린 뒤 구독을 종료합니다.
// 처리 중인 수신 메시지가 끝날 때까지 기다리며, Close 이후 도착하는 메시지는 무시됩니다.
// 수신 콜백(OnFirstSync, OnStatus) 안에서 호출하면 안 됩니다.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	if p.syncTimer != nil {
		p.syncTimer.Stop()
	}
	cleanups := p.cleanups
	p.cleanups = nil
	p.mu.Unlock()

	// 이미 문서에 적용 중인 원격 업데이트를 기다립니다.
	p.inflight.Lock()
	p.inflight.Unlock()

	if !started {
		p.setStatusForce(StatusDisconnected)
		return nil
	}

	if p.awareness != nil {
		p.awareness.Leave()
	}

	// 리스너를 채널보다 먼저 해제합니다.
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}

	p.closeOutbox()
	p.cancel()
	p.setStatusForce(StatusDisconnected)
	p.logger.Debug("provider closed")
	return nil
}

// Status는 현재 상태를 반환합니다.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Synced는 현재 동기화된 상태인지 반환합니다.
func (p *Provider) Synced() bool {
	return p.Status() == StatusSynced
}

// OnStatus는 상태 변경 리스너를 등록합니다.
func (p *Provider) OnStatus(fn func(Status)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.statusFns[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.statusFns, id)
	}
}

// OnFirstSync는 첫 동기화 시 한 번 호출될 함수를 등록합니다.
// 이미 동기화된 경우 즉시 호출됩니다.
func (p *Provider) OnFirstSync(fn func()) {
	p.mu.Lock()
	if p.firstSynced {
		p.mu.Unlock()
		fn()
		return
	}
	p.firstSyncFn = append(p.firstSyncFn, fn)
	p.mu.Unlock()
}

// WaitSynced는 첫 동기화가 끝날 때까지 기다립니다.
func (p *Provider) WaitSynced(ctx context.Context) error {
	select {
	case <-p.syncedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginSync는 sync_step1을 브로드캐스트하고 응답 타이머를 시작합니다.
func (p *Provider) beginSync() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.syncTimer != nil {
		p.syncTimer.Stop()
	}
	p.syncTimer = time.AfterFunc(p.syncTimeout, func() {
		p.logger.Debug("no sync reply, assuming alone in room")
		p.markSynced()
	})
	sid := p.sid
	p.mu.Unlock()

	p.send(&SyncMessage{Type: MessageTypeSyncStep1, From: sid, StateVector: p.doc.StateVector()})
}

func (p *Provider) markSynced() {
	p.mu.Lock()
	if p.closed || p.status == StatusSynced {
		p.mu.Unlock()
		return
	}
	if p.syncTimer != nil {
		p.syncTimer.Stop()
	}
	var firstFns []func()
	if !p.firstSynced {
		p.firstSynced = true
		close(p.syncedCh)
		firstFns = p.firstSyncFn
		p.firstSyncFn = nil
	}
	fns := p.transitionLocked(StatusSynced)
	p.mu.Unlock()

	for _, fn := range fns {
		fn(StatusSynced)
	}
	for _, fn := range firstFns {
		fn()
	}
}

func (p *Provider) onConnectionChange(connected bool) {
	if !connected {
		p.logger.Info("room channel lost")
		p.setStatus(StatusDisconnected)
		if p.awareness != nil {
			p.awareness.RemoveAll()
		}
		return
	}

	p.logger.Info("room channel restored, resyncing")
	p.setStatus(StatusConnecting)
	p.beginSync()
	if p.awareness != nil {
		p.publishAwareness(p.awareness.LocalUpdate())
	}
}

func (p *Provider) periodicSync() {
	ticker := time.NewTicker(p.resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			sid, status := p.sid, p.status
			p.mu.Unlock()
			if status == StatusSynced {
				p.send(&SyncMessage{Type: MessageTypeSyncStep1, From: sid, StateVector: p.doc.StateVector()})
			}
		}
	}
}

// onDocChange는 원격이 아닌 모든 커밋을 update 메시지로 전파합니다.
func (p *Provider) onDocChange(cs *crdt.ChangeSet) {
	if cs.Reset || cs.Update == nil || cs.Origin.IsRemote() {
		return
	}
	p.send(&SyncMessage{
		Type:    MessageTypeUpdate,
		From:    cs.Update.Session,
		Updates: []*crdt.Update{cs.Update},
	})
}

// handleDoc은 문서 토픽의 메시지를 처리합니다.
func (p *Provider) handleDoc(ctx context.Context, topic string, data []byte) error {
	msg, err := DecodeMessage(data)
	if err != nil {
		p.logger.Warn("dropping malformed sync message", zap.Error(err))
		return nil
	}

	p.inflight.RLock()
	defer p.inflight.RUnlock()

	p.mu.Lock()
	closed, sid := p.closed, p.sid
	p.mu.Unlock()
	if closed || msg.From == sid || !msg.IsFor(sid) {
		return nil
	}

	switch msg.Type {
	case MessageTypeSyncStep1:
		to := msg.From
		local := p.doc.StateVector()
		p.send(&SyncMessage{
			Type:        MessageTypeSyncStep2,
			From:        sid,
			To:          &to,
			StateVector: local,
			Updates:     p.doc.UpdatesSince(msg.StateVector),
		})
		// 요청자에게만 있는 업데이트가 있으면 우리 상태 벡터를 돌려보냅니다.
		if msg.StateVector.HasUpdates(local) {
			p.send(&SyncMessage{Type: MessageTypeSyncStep1, From: sid, To: &to, StateVector: local})
		}
		// 브로드캐스트된 step1은 (재)접속한 피어이므로 접속자 정보도 다시 알립니다.
		if msg.To == nil && p.awareness != nil {
			p.publishAwareness(p.awareness.LocalUpdate())
		}

	case MessageTypeSyncStep2:
		p.applyUpdates(msg)
		p.markSynced()

	case MessageTypeUpdate:
		p.applyUpdates(msg)
	}
	return nil
}

func (p *Provider) applyUpdates(msg *SyncMessage) {
	for _, u := range msg.Updates {
		if _, err := p.doc.ApplyUpdate(u, common.RemoteOrigin(msg.From)); err != nil {
			p.logger.Warn("failed to apply remote update",
				zap.String("from", msg.From.String()),
				zap.Uint64("seq", u.Seq),
				zap.Error(err))
		}
	}
}

func (p *Provider) handleAwareness(ctx context.Context, topic string, data []byte) error {
	u, err := awareness.DecodeUpdate(data)
	if err != nil {
		p.logger.Debug("dropping malformed awareness update", zap.Error(err))
		return nil
	}

	p.inflight.RLock()
	defer p.inflight.RUnlock()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil
	}

	change := p.awareness.Apply(u)
	if len(change.Added) > 0 {
		// 새 참여자가 우리를 알 수 있도록 다시 알립니다.
		p.publishAwareness(p.awareness.LocalUpdate())
	}
	return nil
}

func (p *Provider) publishAwareness(u awareness.Update) {
	data, err := u.Encode()
	if err != nil {
		p.logger.Warn("failed to encode awareness update", zap.Error(err))
		return
	}
	p.enqueue(outbound{topic: p.awareTopic, data: data})
}

func (p *Provider) send(msg *SyncMessage) {
	data, err := EncodeMessage(msg)
	if err != nil {
		p.logger.Error("failed to encode sync message", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}
	p.enqueue(outbound{topic: p.docTopic, data: data})
}

// enqueue는 커밋 순서를 유지한 채 비동기로 발행합니다.
func (p *Provider) enqueue(item outbound) {
	p.outMu.Lock()
	if p.outClosed {
		p.outMu.Unlock()
		return
	}
	p.outQueue = append(p.outQueue, item)
	p.outMu.Unlock()

	select {
	case p.outSignal <- struct{}{}:
	default:
	}
}

func (p *Provider) sendLoop() {
	defer close(p.outDone)

	for range p.outSignal {
		for {
			p.outMu.Lock()
			if len(p.outQueue) == 0 {
				closed := p.outClosed
				p.outMu.Unlock()
				if closed {
					return
				}
				break
			}
			item := p.outQueue[0]
			p.outQueue = p.outQueue[1:]
			p.outMu.Unlock()

			ctx, cancel := context.WithTimeout(p.ctx, publishTimeout)
			err := p.channel.Publish(ctx, item.topic, item.data)
			cancel()
			if err != nil {
				if errors.Is(err, crdtpubsub.ErrOffline) {
					p.logger.Debug("offline, message will be recovered on resync", zap.String("topic", item.topic))
				} else {
					p.logger.Warn("failed to publish", zap.String("topic", item.topic), zap.Error(err))
				}
			}
		}
	}
}

func (p *Provider) closeOutbox() {
	p.outMu.Lock()
	p.outClosed = true
	p.outMu.Unlock()

	select {
	case p.outSignal <- struct{}{}:
	default:
	}

	select {
	case <-p.outDone:
	case <-time.After(drainTimeout):
		p.logger.Warn("timed out draining outgoing messages")
	}
}

func (p *Provider) addCleanup(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanups = append(p.cleanups, fn)
}

func (p *Provider) setStatus(status Status) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	fns := p.transitionLocked(status)
	p.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

func (p *Provider) setStatusForce(status Status) {
	p.mu.Lock()
	fns := p.transitionLocked(status)
	p.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

// transitionLocked는 상태를 바꾸고 알릴 리스너 목록을 반환합니다.
func (p *Provider) transitionLocked(status Status) []func(Status) {
	if p.status == status {
		return nil
	}
	p.logger.Debug("sync status changed",
		zap.String("from", string(p.status)),
		zap.String("to", string(status)))
	p.status = status

	fns := make([]func(Status), 0, len(p.statusFns))
	for _, fn := range p.statusFns {
		fns = append(fns, fn)
	}
	return fns
}
