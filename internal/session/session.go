package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/service"
	"sudooom.im.sync/pkg/proto"
)

const (
	actionBufferSize = 256
	eventBufferSize  = 64
	notifiedCapacity = 512
)

// Broadcaster 广播频道成员
type Broadcaster interface {
	Broadcast(event string, payload any) error
	Leave()
}

// ChannelJoiner 加入广播频道，listener 只会收到他人的广播
type ChannelJoiner func(key string, listener func(proto.BroadcastEnvelope)) (Broadcaster, error)

// TypingChannelKey 会话输入状态的广播频道
func TypingChannelKey(conversationId string) string {
	return "typing:" + conversationId
}

// Options 会话依赖
type Options struct {
	SessionId string
	UserId    string

	Inbox     *service.InboxAggregator
	Identity  *service.IdentityResolver
	Messages  *service.MessageStore
	Feed      service.ChangeFeed
	Presence  *service.PresenceTracker // 可选
	Typing    *service.TypingManager
	Debouncer *service.TypingDebouncer
	Gate      *service.NotificationGate
	Join      ChannelJoiner // 可选，为空时不收发输入状态
}

// Session 单个用户连接的同步会话
// 全部可变状态只在 run 协程中读写，外部调用通过 actions 投递
type Session struct {
	id     string
	userId string

	inbox     *service.InboxAggregator
	identity  *service.IdentityResolver
	messages  *service.MessageStore
	router    *service.EventRouter // 当前逻辑会话
	alerts    *service.EventRouter // 收件箱全部会话，仅用于通知
	presence  *service.PresenceTracker
	typing    *service.TypingManager
	debouncer *service.TypingDebouncer
	gate      *service.NotificationGate
	join      ChannelJoiner

	actions chan func()
	events  chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	once    sync.Once
	logger  *slog.Logger

	// 以下字段仅由 run 协程访问
	threads        []model.LogicalThread
	inboxLoading   bool
	inboxDirty     bool
	alertIds       []string
	stopInbox      func()
	generation     uint64
	active         *model.LogicalThread
	activeIds      []string
	timeline       *service.Timeline
	loading        bool
	viewing        model.ViewingState
	typingChannels map[string]Broadcaster
	notified       map[string]struct{}
	notifiedOrder  []string
}

// New 创建会话，需调用 Start 后才开始同步
func New(opts Options) *Session {
	if opts.SessionId == "" {
		opts.SessionId = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:             opts.SessionId,
		userId:         opts.UserId,
		inbox:          opts.Inbox,
		identity:       opts.Identity,
		messages:       opts.Messages,
		router:         service.NewEventRouter(opts.Feed),
		alerts:         service.NewEventRouter(opts.Feed),
		presence:       opts.Presence,
		typing:         opts.Typing,
		debouncer:      opts.Debouncer,
		gate:           opts.Gate,
		join:           opts.Join,
		actions:        make(chan func(), actionBufferSize),
		events:         make(chan Event, eventBufferSize),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		logger:         slog.Default().With("sessionId", opts.SessionId, "userId", opts.UserId),
		viewing:        model.ViewingState{Visible: true},
		typingChannels: make(map[string]Broadcaster),
		notified:       make(map[string]struct{}),
	}
}

// Id 会话 ID
func (s *Session) Id() string {
	return s.id
}

// UserId 会话所属用户
func (s *Session) UserId() string {
	return s.userId
}

// Events 视图事件流，会话关闭后关闭
func (s *Session) Events() <-chan Event {
	return s.events
}

// Start 启动事件循环，加入在线频道，订阅收件箱信号并加载收件箱
// 在线频道与信号订阅失败只记录日志，会话继续以降级模式运行
func (s *Session) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run()

	// 清除输入状态可能发生在事件循环内部，这里不能阻塞
	s.typing.OnChange(func(conversationId string) {
		s.tryPost(func() { s.onTypingChanged(conversationId) })
	})
	s.typing.Start()

	if s.presence != nil {
		s.presence.OnSnapshot(func(online []string) {
			s.post(func() {
				s.emit(Event{Type: EventPresence, Online: online})
			})
		})
		if err := s.presence.Join(ctx, s.userId); err != nil {
			s.post(func() { s.emitError(err) })
		}
	}

	stop, err := s.router.WatchInbox(s.userId, func(ev proto.ConversationChanged) {
		s.post(s.refreshInbox)
	})
	if err != nil {
		s.post(func() { s.emitError(err) })
	}

	s.post(func() {
		s.stopInbox = stop
		s.refreshInbox()
	})

	s.logger.Info("Session started")
}

// Close 停止会话并释放全部订阅，重复调用无副作用
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel()
		if !s.started.Load() {
			close(s.events)
			return
		}
		<-s.done

		if s.stopInbox != nil {
			s.stopInbox()
		}
		s.router.Unwatch()
		s.alerts.Unwatch()
		s.typing.Stop()
		s.leaveTypingChannels()

		if s.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			s.presence.Leave(ctx)
			cancel()
		}

		close(s.events)
		s.logger.Info("Session closed")
	})
}

// SelectThread 打开逻辑会话，返回本次选择的代号
func (s *Session) SelectThread(ctx context.Context, key string) (uint64, error) {
	var gen uint64
	var err error
	if doErr := s.do(ctx, func() { gen, err = s.selectThread(key) }); doErr != nil {
		return 0, doErr
	}
	return gen, err
}

// Send 向当前逻辑会话发送消息，先插入本地回显，写入成功后替换为权威记录
func (s *Session) Send(ctx context.Context, content string, metadata model.Metadata) (*model.Message, error) {
	clientMsgId := uuid.NewString()

	var conversationId string
	var gen uint64
	err := s.do(ctx, func() {
		if s.active == nil {
			return
		}
		conversationId = s.active.PrimaryId
		gen = s.generation
		s.timeline.InsertLocal(model.Message{
			ConversationId: conversationId,
			SenderId:       s.userId,
			Content:        content,
			CreatedAt:      time.Now(),
			Metadata:       metadata,
			ClientMsgId:    clientMsgId,
		})
		s.emitTimeline()
	})
	if err != nil {
		return nil, err
	}
	if conversationId == "" {
		return nil, apperrors.ErrInvalidParams
	}

	msg, sendErr := s.messages.Send(ctx, conversationId, s.userId, content, metadata, clientMsgId)
	s.post(func() {
		if gen != s.generation {
			return
		}
		if sendErr != nil {
			s.timeline.RemoveLocal(clientMsgId)
		} else if msg != nil {
			s.timeline.Insert(*msg)
		}
		s.emitTimeline()
	})
	s.debouncer.Reset(conversationId)

	return msg, sendErr
}

// Edit 修改本人发送的消息，成功后立即更新时间线
func (s *Session) Edit(ctx context.Context, messageId, content string) (*model.Message, error) {
	msg, err := s.messages.Edit(ctx, messageId, s.userId, content)
	if err != nil {
		return nil, err
	}

	s.post(func() {
		if s.timeline == nil {
			return
		}
		if _, ok := s.timeline.Get(msg.Id); ok && s.timeline.Update(*msg) {
			s.emitTimeline()
		}
	})
	return msg, nil
}

// Resync 重新加载收件箱和当前逻辑会话，用于补齐断线期间错过的变更
// 当前代次不变，重新加载的消息与时间线合并
func (s *Session) Resync() {
	s.tryPost(s.resync)
}

func (s *Session) resync() {
	s.refreshInbox()
	if s.active == nil || s.activeIds == nil {
		return
	}

	gen, ids := s.generation, s.activeIds
	go func() {
		msgs, err := s.messages.LoadThread(s.ctx, ids)
		s.post(func() { s.onLoaded(gen, msgs, err) })
	}()
}

// SignalTyping 广播本地输入状态，节流间隔内的重复调用直接忽略
func (s *Session) SignalTyping(ctx context.Context) error {
	var channel Broadcaster
	var conversationId string
	if err := s.do(ctx, func() {
		if s.active == nil {
			return
		}
		conversationId = s.active.PrimaryId
		channel = s.typingChannels[conversationId]
	}); err != nil {
		return err
	}

	if channel == nil || !s.debouncer.Allow(conversationId) {
		return nil
	}
	return channel.Broadcast(proto.EventTyping, proto.TypingPayload{
		ConversationId: conversationId,
		UserId:         s.userId,
	})
}

// SetVisible 上报应用前后台状态
func (s *Session) SetVisible(visible bool) {
	s.post(func() { s.viewing.Visible = visible })
}

// UpdateSettings 修改通知偏好
func (s *Session) UpdateSettings(ctx context.Context, settings model.NotificationSettings) error {
	return s.gate.UpdateSettings(ctx, settings)
}

// Settings 当前通知偏好
func (s *Session) Settings() model.NotificationSettings {
	return s.gate.Settings()
}

// Threads 当前收件箱
func (s *Session) Threads(ctx context.Context) ([]model.LogicalThread, error) {
	var out []model.LogicalThread
	err := s.do(ctx, func() {
		out = append([]model.LogicalThread(nil), s.threads...)
	})
	return out, err
}

// Timeline 当前逻辑会话的消息
func (s *Session) Timeline(ctx context.Context) ([]model.Message, error) {
	var out []model.Message
	err := s.do(ctx, func() {
		if s.timeline != nil {
			out = s.timeline.Messages()
		}
	})
	return out, err
}

// Generation 当前选择代号
func (s *Session) Generation(ctx context.Context) (uint64, error) {
	var gen uint64
	err := s.do(ctx, func() { gen = s.generation })
	return gen, err
}

// HandleBroadcast 处理他人的广播（由广播频道回调）
func (s *Session) HandleBroadcast(env proto.BroadcastEnvelope) {
	if env.Event != proto.EventTyping {
		return
	}
	var payload proto.TypingPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.logger.Warn("Invalid typing payload", "channel", env.Channel, "error", err)
		return
	}
	if payload.ConversationId == "" || payload.UserId == "" || payload.UserId == s.userId {
		return
	}
	s.typing.Signal(payload.ConversationId, payload.UserId)
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.actions:
			fn()
		}
	}
}

// post 投递到事件循环；会话关闭后丢弃
func (s *Session) post(fn func()) bool {
	select {
	case s.actions <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// tryPost 非阻塞投递，队列满时转交给新协程
func (s *Session) tryPost(fn func()) {
	select {
	case s.actions <- fn:
	default:
		go s.post(fn)
	}
}

// do 在事件循环中执行并等待完成
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() {
		fn()
		close(finished)
	}) {
		return apperrors.ErrSessionClosed
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return apperrors.ErrSessionClosed
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("Event buffer full, dropping event", "type", ev.Type)
	}
}

func (s *Session) emitError(err error) {
	s.emit(Event{Type: EventError, Error: errorInfo(err)})
}

func (s *Session) emitTimeline() {
	ev := Event{Type: EventTimeline, Generation: s.generation, Loading: s.loading}
	if s.active != nil {
		ev.ThreadKey = s.active.Key
	}
	if s.timeline != nil {
		ev.Messages = s.timeline.Messages()
	}
	s.emit(ev)
}

func (s *Session) emitInbox() {
	s.emit(Event{Type: EventInbox, Threads: append([]model.LogicalThread(nil), s.threads...)})
}

func (s *Session) emitTyping() {
	ev := Event{Type: EventTyping, Typing: []string{}}
	if s.active != nil {
		ev.ThreadKey = s.active.Key
		ev.Typing = s.typing.Typing(s.activeIds...)
	}
	s.emit(ev)
}

// ============== 收件箱 ==============

// refreshInbox 重新加载收件箱；加载中再次触发时合并为一次后续加载
func (s *Session) refreshInbox() {
	if s.inboxLoading {
		s.inboxDirty = true
		return
	}
	s.inboxLoading = true

	go func() {
		threads, err := s.inbox.Load(s.ctx, s.userId)
		s.post(func() { s.applyInbox(threads, err) })
	}()
}

func (s *Session) applyInbox(threads []model.LogicalThread, err error) {
	s.inboxLoading = false
	if err != nil {
		s.emitError(err)
	}
	if err == nil || threads != nil {
		s.threads = threads
	}
	s.emitInbox()
	s.watchAlerts()

	if s.active != nil {
		if th, ok := service.FindThread(s.threads, s.active.Key); ok {
			merged := union(s.activeIds, th.ConversationIds)
			if s.activeIds != nil && !sameIds(merged, s.activeIds) {
				// 出现了新的底层会话，重新订阅并加载
				s.logger.Info("Active thread gained conversations, reselecting",
					"threadKey", th.Key,
					"conversationIds", merged)
				s.selectThread(th.Key)
			} else {
				primary := *th
				s.active = &primary
			}
		}
	}

	if s.inboxDirty {
		s.inboxDirty = false
		s.refreshInbox()
	}
}

// watchAlerts 订阅收件箱全部会话，用于非当前会话的通知
func (s *Session) watchAlerts() {
	var all []string
	for i := range s.threads {
		all = append(all, s.threads[i].ConversationIds...)
	}
	all = union(all, nil)
	if sameIds(all, s.alertIds) {
		return
	}
	s.alertIds = all

	if len(all) == 0 {
		s.alerts.Unwatch()
		return
	}
	if err := s.alerts.Watch(all, alertSink{s}); err != nil {
		s.alertIds = nil
		s.emitError(err)
	}
}

func (s *Session) onAlert(msg model.Message) {
	if _, seen := s.notified[msg.Id]; seen {
		return
	}
	s.remember(msg.Id)

	key, ok := service.ThreadKeyOf(s.threads, msg.ConversationId)
	if !ok {
		// 收件箱尚未包含该会话
		key = msg.ConversationId
		s.refreshInbox()
	}

	var sender *model.User
	if th, found := service.FindThread(s.threads, key); found {
		for i := range th.Participants {
			if th.Participants[i].Id == msg.SenderId {
				sender = &th.Participants[i]
				break
			}
		}
	}

	intent := s.gate.Evaluate(&msg, key, s.userId, s.viewing, sender)
	if !intent.Any() {
		return
	}
	s.emit(Event{Type: EventNotification, ThreadKey: key, Notification: &intent})
}

func (s *Session) remember(messageId string) {
	if len(s.notifiedOrder) >= notifiedCapacity {
		delete(s.notified, s.notifiedOrder[0])
		s.notifiedOrder = s.notifiedOrder[1:]
	}
	s.notified[messageId] = struct{}{}
	s.notifiedOrder = append(s.notifiedOrder, messageId)
}

// ============== 当前逻辑会话 ==============

// selectThread 递增代号并丢弃旧会话的订阅，之后到达的旧结果一律忽略
func (s *Session) selectThread(key string) (uint64, error) {
	s.generation++
	gen := s.generation

	s.router.Unwatch()
	s.leaveTypingChannels()

	th, ok := service.FindThread(s.threads, key)
	if !ok {
		s.active = nil
		s.activeIds = nil
		s.timeline = nil
		s.loading = false
		s.viewing.ThreadKey = ""
		s.emitTimeline()
		return gen, apperrors.ErrInvalidParams
	}

	thread := *th
	s.active = &thread
	s.activeIds = nil
	s.timeline = service.NewTimeline()
	s.loading = true
	s.viewing.ThreadKey = key
	s.emitTimeline()
	s.emitTyping()

	go func() {
		ids := s.identity.ResolveThread(s.ctx, s.userId, &thread)
		s.post(func() { s.onResolved(gen, ids) })
	}()

	return gen, nil
}

func (s *Session) onResolved(gen uint64, ids []string) {
	if gen != s.generation {
		s.logger.Debug("Discarding stale identity result", "generation", gen, "current", s.generation)
		return
	}
	s.activeIds = ids
	s.active.ConversationIds = union(s.active.ConversationIds, ids)

	// 先订阅再加载，加载期间到达的消息由时间线合并
	if err := s.router.Watch(ids, threadSink{s, gen}); err != nil {
		s.emitError(err)
	}
	s.joinTypingChannels(ids)

	go func() {
		msgs, err := s.messages.LoadThread(s.ctx, ids)
		s.post(func() { s.onLoaded(gen, msgs, err) })
	}()
}

func (s *Session) onLoaded(gen uint64, msgs []model.Message, err error) {
	if gen != s.generation {
		s.logger.Debug("Discarding stale thread load", "generation", gen, "current", s.generation)
		return
	}
	s.loading = false
	if err != nil {
		s.emitError(err)
		s.emitTimeline()
		return
	}

	s.timeline.Load(msgs)
	s.emitTimeline()

	// 只有仍为当前选择的加载结果才标记已读
	ids := s.activeIds
	go s.messages.MarkRead(s.ctx, ids, s.userId)

	for i := range s.threads {
		if s.threads[i].Key == s.active.Key {
			s.threads[i].UnreadCount = 0
		}
	}
	s.emitInbox()
}

func (s *Session) onInsert(gen uint64, msg model.Message) {
	if gen != s.generation || s.timeline == nil {
		return
	}
	if s.timeline.Insert(msg) {
		s.typing.Clear(msg.ConversationId, msg.SenderId)
		s.emitTimeline()
	}
}

func (s *Session) onUpdate(gen uint64, msg model.Message) {
	if gen != s.generation || s.timeline == nil {
		return
	}
	if s.timeline.Update(msg) {
		s.emitTimeline()
	}
}

func (s *Session) onTypingChanged(conversationId string) {
	if s.active == nil || !contains(s.activeIds, conversationId) {
		return
	}
	s.emitTyping()
}

func (s *Session) joinTypingChannels(ids []string) {
	if s.join == nil {
		return
	}
	for _, id := range ids {
		if _, ok := s.typingChannels[id]; ok {
			continue
		}
		channel, err := s.join(TypingChannelKey(id), s.HandleBroadcast)
		if err != nil {
			s.logger.Warn("Failed to join typing channel", "conversationId", id, "error", err)
			continue
		}
		s.typingChannels[id] = channel
	}
}

func (s *Session) leaveTypingChannels() {
	for id, channel := range s.typingChannels {
		channel.Leave()
		delete(s.typingChannels, id)
	}
}

// threadSink 把当前会话的变更投递回事件循环，附带选择代号
type threadSink struct {
	s   *Session
	gen uint64
}

func (t threadSink) OnInsert(msg model.Message) {
	t.s.post(func() { t.s.onInsert(t.gen, msg) })
}

func (t threadSink) OnUpdate(msg model.Message) {
	t.s.post(func() { t.s.onUpdate(t.gen, msg) })
}

type alertSink struct {
	s *Session
}

func (a alertSink) OnInsert(msg model.Message) {
	a.s.post(func() { a.s.onAlert(msg) })
}

func (a alertSink) OnUpdate(model.Message) {}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok || id == "" {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func sameIds(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
