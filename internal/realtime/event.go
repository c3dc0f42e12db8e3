package realtime

import "time"

// EventKind 标记事件类型，会话状态机据此在单一循环里分发。
type EventKind string

const (
	// EventMessage 是广播路径投递的新消息。
	EventMessage EventKind = "message"
	// EventMessageRow 是行变更路径投递的同一条消息，作为广播丢失时的兜底。
	// 两条路径按消息 id 去重。
	EventMessageRow     EventKind = "message_row"
	EventModeration     EventKind = "moderation"
	EventBan            EventKind = "ban"
	EventUnban          EventKind = "unban"
	EventSiteBan        EventKind = "site_ban"
	EventSiteUnban      EventKind = "site_unban"
	EventMotd           EventKind = "motd"
	EventTopic          EventKind = "topic"
	EventChannelDeleted EventKind = "channel_deleted"
	EventPresenceSync   EventKind = "presence_sync"
	EventPresenceJoin   EventKind = "presence_join"
	EventPresenceLeave  EventKind = "presence_leave"
)

// MessagePayload 是消息事件携带的消息数据。
type MessagePayload struct {
	ID        uint      `json:"id"`
	ChannelID uint      `json:"channel_id"`
	UserID    uint      `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// PresenceEntry 是某个实时会话在频道内的在场记录。
// 同一用户多开标签页时会出现多条，sync 时由消费方按 user id 去重。
type PresenceEntry struct {
	SessionID string    `json:"session_id"`
	UserID    uint      `json:"user_id"`
	Username  string    `json:"username"`
	ChannelID uint      `json:"channel_id"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Event 是实时层对外的统一事件，按 Kind 解释各字段。
type Event struct {
	ID        string          `json:"event_id"`
	Kind      EventKind       `json:"kind"`
	ChannelID uint            `json:"channel_id,omitempty"`
	Message   *MessagePayload `json:"message,omitempty"`
	TargetID  uint            `json:"target_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Presence  []PresenceEntry `json:"presence,omitempty"`
}
