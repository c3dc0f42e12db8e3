package session

import (
	"context"
	"time"

	"termchat/internal/realtime"
	"termchat/internal/roles"

	"github.com/rs/zerolog/log"
)

// runEvents 消费一个订阅者的事件流直到通道关闭。
// 所有实时事件都经 handleEvent 单点分发，状态迁移集中可审计。
func (s *Session) runEvents(sub *realtime.Subscriber) {
	for ev := range sub.Events {
		s.handleEvent(ev)
	}
}

// handleEvent 是实时事件的唯一分发点。处理器一律写成幂等的 upsert 风格，
// 重入或重复投递不会破坏状态。
func (s *Session) handleEvent(ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventMessage, realtime.EventMessageRow:
		s.handleMessage(ev)
	case realtime.EventModeration:
		s.refreshMembers(ev.ChannelID)
	case realtime.EventBan:
		s.setBanFlag(ev, true)
	case realtime.EventUnban:
		s.setBanFlag(ev, false)
	case realtime.EventSiteBan:
		s.setSiteBanFlag(ev, true)
	case realtime.EventSiteUnban:
		s.setSiteBanFlag(ev, false)
	case realtime.EventMotd:
		s.mu.Lock()
		s.motd = ev.Text
		s.mu.Unlock()
		s.push(Frame{Type: FrameMotd, ChannelID: ev.ChannelID, Motd: ev.Text})
	case realtime.EventTopic:
		s.mu.Lock()
		s.channelTopic = ev.Text
		s.mu.Unlock()
		s.push(Frame{Type: FrameTopic, ChannelID: ev.ChannelID, Topic: ev.Text})
	case realtime.EventChannelDeleted:
		s.mu.Lock()
		if s.currentID == ev.ChannelID {
			s.state = Idle
			s.messages = nil
			s.seenIDs = make(map[uint]struct{})
			s.presence = nil
			s.pendingDelete = nil
		}
		s.mu.Unlock()
		s.push(Frame{Type: FrameDeleted, ChannelID: ev.ChannelID})
	case realtime.EventPresenceSync:
		s.handlePresenceSync(ev)
	case realtime.EventPresenceJoin, realtime.EventPresenceLeave:
		// join/leave 只是提示，完整 sync 紧随其后且永远胜出。
	}
}

// handleMessage 合并广播路径与行变更路径的消息，按 id 恰好处理一次。
func (s *Session) handleMessage(ev realtime.Event) {
	if ev.Message == nil {
		return
	}
	msg := *ev.Message
	s.mu.Lock()
	if s.currentID != msg.ChannelID {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seenIDs[msg.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seenIDs[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.push(Frame{Type: FrameMessage, ChannelID: msg.ChannelID, Message: &msg})
}

// refreshMembers 在 moderation 事件后重新拉成员与角色并重算本人生效角色。
func (s *Session) refreshMembers(channelID uint) {
	s.mu.Lock()
	if s.currentID != channelID {
		s.mu.Unlock()
		return
	}
	identity := s.identity
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	members, err := s.store.Members(ctx, channelID)
	if err != nil {
		log.Warn().Err(err).Uint("channel_id", channelID).Msg("refresh members")
		return
	}
	roleRows, err := s.store.RolesByChannel(ctx, channelID)
	if err != nil {
		log.Warn().Err(err).Uint("channel_id", channelID).Msg("refresh roles")
		return
	}

	s.mu.Lock()
	if s.currentID != channelID {
		s.mu.Unlock()
		return
	}
	s.members = members
	s.roleRows = roleRows
	if identity != nil {
		for _, m := range members {
			if m.UserID == identity.UserID {
				s.effective = roles.Resolve(m.LegacyRole, m.Role)
				break
			}
		}
	}
	views := s.memberViewsLocked()
	role := s.effective.RoleName
	s.mu.Unlock()
	s.push(Frame{Type: FrameMembers, ChannelID: channelID, Members: views, Role: role})
}

// setBanFlag 依据广播维护本地频道封禁缓存，省掉每次发送前的回查。
func (s *Session) setBanFlag(ev realtime.Event, banned bool) {
	s.mu.Lock()
	mine := s.identity != nil && s.identity.UserID == ev.TargetID && s.currentID == ev.ChannelID
	if mine {
		s.banned = banned
	}
	s.mu.Unlock()
	if mine && banned {
		s.PushSystem("you have been banned from this channel: " + ev.Text)
	}
	if mine && !banned {
		s.PushSystem("you have been unbanned from this channel")
	}
}

func (s *Session) setSiteBanFlag(ev realtime.Event, banned bool) {
	s.mu.Lock()
	mine := s.identity != nil && s.identity.UserID == ev.TargetID
	if mine {
		s.siteBanned = banned
	}
	s.mu.Unlock()
	if mine && banned {
		s.PushSystem("you have been banned site-wide: " + ev.Text)
	}
}

// handlePresenceSync 摊平快照、按 user id 去重（多标签页），
// 再从最近一次成员加载里补上各自的角色。
func (s *Session) handlePresenceSync(ev realtime.Event) {
	s.mu.Lock()
	if s.currentID != ev.ChannelID {
		s.mu.Unlock()
		return
	}
	roleByUser := make(map[uint]roles.Effective, len(s.members))
	for _, m := range s.members {
		roleByUser[m.UserID] = roles.Resolve(m.LegacyRole, m.Role)
	}
	seen := make(map[uint]struct{}, len(ev.Presence))
	out := make([]PresenceUser, 0, len(ev.Presence))
	for _, e := range ev.Presence {
		if _, dup := seen[e.UserID]; dup {
			continue
		}
		seen[e.UserID] = struct{}{}
		pu := PresenceUser{UserID: e.UserID, Username: e.Username, RoleName: "Member", Color: "gray"}
		if eff, ok := roleByUser[e.UserID]; ok {
			pu.RoleName = eff.RoleName
			pu.Color = eff.Color
		}
		out = append(out, pu)
	}
	s.presence = out
	s.mu.Unlock()
	s.push(Frame{Type: FramePresence, ChannelID: ev.ChannelID, Presence: out})
}
