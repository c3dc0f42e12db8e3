package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"termchat/internal/metrics"

	"github.com/google/uuid"
)

// Hub 管理频道级别的 Topic，实现延迟创建与并发安全。
type Hub struct {
	mu     sync.RWMutex
	topics map[uint]*Topic
}

func NewHub() *Hub { return &Hub{topics: make(map[uint]*Topic)} }

// GetTopic 若频道的 Topic 未初始化则懒加载一个。
func (h *Hub) GetTopic(channelID uint) *Topic {
	h.mu.RLock()
	t := h.topics[channelID]
	h.mu.RUnlock()
	if t != nil {
		return t
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	t = h.topics[channelID]
	if t != nil {
		return t
	}
	t = NewTopic(channelID)
	h.topics[channelID] = t
	go t.run()
	return t
}

// Broadcast 向指定频道的所有订阅者投递事件。
func (h *Hub) Broadcast(channelID uint, ev Event) {
	h.GetTopic(channelID).Broadcast(ev)
}

// BroadcastSite 向所有频道投递站点级事件（site ban／unban）。
func (h *Hub) BroadcastSite(ev Event) {
	h.mu.RLock()
	topics := make([]*Topic, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	h.mu.RUnlock()
	for _, t := range topics {
		t.Broadcast(ev)
	}
}

// Online 返回频道当前订阅者数量，供 REST 接口复用。
func (h *Hub) Online(channelID uint) int {
	h.mu.RLock()
	t := h.topics[channelID]
	h.mu.RUnlock()
	if t == nil {
		return 0
	}
	return t.Online()
}

// Subscriber 是 Topic 的一个订阅端，事件经由 Events 通道送达。
type Subscriber struct {
	ID     string
	Events chan Event
}

func NewSubscriber() *Subscriber {
	return &Subscriber{ID: uuid.NewString(), Events: make(chan Event, 256)}
}

type trackOp struct {
	subID string
	entry PresenceEntry
}

// Topic 对应一个频道的实时会话：事件广播 + 在场跟踪。
type Topic struct {
	channelID   uint
	subscribers map[*Subscriber]bool
	presence    map[string]PresenceEntry // keyed by subscriber id
	register    chan *Subscriber
	unregister  chan *Subscriber
	broadcast   chan Event
	track       chan trackOp
	untrack     chan string
	online      int32
}

func NewTopic(channelID uint) *Topic {
	return &Topic{
		channelID:   channelID,
		subscribers: make(map[*Subscriber]bool),
		presence:    make(map[string]PresenceEntry),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan Event, 256),
		track:       make(chan trackOp, 64),
		untrack:     make(chan string, 64),
	}
}

func (t *Topic) run() {
	for {
		select {
		case s := <-t.register:
			t.subscribers[s] = true
			atomic.StoreInt32(&t.online, int32(len(t.subscribers)))
			metrics.RealtimeSubscribers.Inc()
		case s := <-t.unregister:
			if _, ok := t.subscribers[s]; ok {
				delete(t.subscribers, s)
				close(s.Events)
				atomic.StoreInt32(&t.online, int32(len(t.subscribers)))
				metrics.RealtimeSubscribers.Dec()
			}
			if entry, ok := t.presence[s.ID]; ok {
				delete(t.presence, s.ID)
				t.fanout(Event{ID: uuid.NewString(), Kind: EventPresenceLeave, ChannelID: t.channelID, TargetID: entry.UserID})
				t.fanout(t.syncEvent())
			}
		case op := <-t.track:
			t.presence[op.subID] = op.entry
			t.fanout(Event{ID: uuid.NewString(), Kind: EventPresenceJoin, ChannelID: t.channelID, TargetID: op.entry.UserID, Text: op.entry.Username})
			t.fanout(t.syncEvent())
		case subID := <-t.untrack:
			if entry, ok := t.presence[subID]; ok {
				delete(t.presence, subID)
				t.fanout(Event{ID: uuid.NewString(), Kind: EventPresenceLeave, ChannelID: t.channelID, TargetID: entry.UserID})
				t.fanout(t.syncEvent())
			}
		case ev := <-t.broadcast:
			t.fanout(ev)
		}
	}
}

// fanout 把事件送进每个订阅者的通道，写不进去的订阅者直接摘除。
func (t *Topic) fanout(ev Event) {
	for s := range t.subscribers {
		select {
		case s.Events <- ev:
		default:
			close(s.Events)
			delete(t.subscribers, s)
			delete(t.presence, s.ID)
			atomic.StoreInt32(&t.online, int32(len(t.subscribers)))
			metrics.RealtimeSubscribers.Dec()
		}
	}
}

// syncEvent 生成权威的在场快照事件，join/leave 只是提示，sync 永远胜出。
func (t *Topic) syncEvent() Event {
	entries := make([]PresenceEntry, 0, len(t.presence))
	for _, e := range t.presence {
		entries = append(entries, e)
	}
	return Event{ID: uuid.NewString(), Kind: EventPresenceSync, ChannelID: t.channelID, Presence: entries}
}

// Subscribe 注册订阅者并返回它，订阅者自此开始收到该频道事件。
func (t *Topic) Subscribe(s *Subscriber) {
	t.register <- s
}

// Unsubscribe 摘除订阅者并关闭其事件通道，同时清掉它的在场记录。
func (t *Topic) Unsubscribe(s *Subscriber) {
	t.unregister <- s
}

// Track 宣告订阅者的在场身份，随后触发一次权威 sync。
func (t *Topic) Track(s *Subscriber, userID uint, username string) {
	t.track <- trackOp{subID: s.ID, entry: PresenceEntry{
		SessionID: s.ID,
		UserID:    userID,
		Username:  username,
		ChannelID: t.channelID,
		JoinedAt:  time.Now(),
	}}
}

// Untrack 撤销在场宣告，但保留订阅。
func (t *Topic) Untrack(s *Subscriber) {
	t.untrack <- s.ID
}

func (t *Topic) Broadcast(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	t.broadcast <- ev
}

func (t *Topic) Online() int { return int(atomic.LoadInt32(&t.online)) }

func (t *Topic) ChannelID() uint { return t.channelID }
