package session

import (
	"termchat/internal/directory"
	"termchat/internal/realtime"
)

// UI 帧类型。
const (
	FrameDirectory = "directory"
	FrameJoining   = "joining"
	FrameJoined    = "joined"
	FrameFailed    = "failed"
	FrameMessage   = "message"
	FrameSystem    = "system"
	FramePresence  = "presence"
	FrameMembers   = "members"
	FrameTopic     = "topic"
	FrameMotd      = "motd"
	FrameAddress   = "address"
	FrameDeleted   = "channel_deleted"
	FrameSuggest   = "suggest"
)

// Frame 是推送给展示层的一帧，按 Type 解释字段。
type Frame struct {
	Type        string                    `json:"type"`
	ChannelID   uint                      `json:"channel_id,omitempty"`
	Channel     string                    `json:"channel,omitempty"`
	Topic       string                    `json:"topic,omitempty"`
	Motd        string                    `json:"motd,omitempty"`
	Text        string                    `json:"text,omitempty"`
	Role        string                    `json:"role,omitempty"`
	Message     *realtime.MessagePayload  `json:"message,omitempty"`
	Messages    []realtime.MessagePayload `json:"messages,omitempty"`
	Members     []MemberView              `json:"members,omitempty"`
	Presence    []PresenceUser            `json:"presence,omitempty"`
	Directory   []directory.CategoryView  `json:"directory,omitempty"`
	Suggestions []string                  `json:"suggestions,omitempty"`
}
