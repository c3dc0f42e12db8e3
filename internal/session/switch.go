package session

import (
	"context"
	"time"

	"termchat/internal/directory"
	"termchat/internal/metrics"
	"termchat/internal/models"
	"termchat/internal/realtime"
	"termchat/internal/roles"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// defaultHistoryPageSize 是未配置时切换频道拉取的消息页大小。
const defaultHistoryPageSize = 50

// SwitchChannel 驱动一次完整的加入流程：Idle/任意态 → Joining → Joined|Failed。
// 每次调用都从 Joining 重新开始，残留的待确认删除一律丢弃。
func (s *Session) SwitchChannel(ctx context.Context, channelID uint, updateAddress bool) error {
	// 1. 从已加载目录解析频道名，找不到时进入定义好的降级名。
	s.mu.Lock()
	name := directory.FindChannel(s.dir, channelID)
	if name == "" {
		name = "unknown-channel"
	}

	// 2. 管理频道按 id 直连也要重查权限，防止越权进入。
	if name == directory.AdminChannel && !s.identity.Privileged() {
		s.mu.Unlock()
		metrics.ChannelSwitchesTotal.WithLabelValues("denied").Inc()
		return ErrAccessDenied
	}

	// 3. 地址片段记录频道名，可逆且幂等，对服务端状态无副作用。
	if updateAddress {
		s.address = name
	}

	// 4. 进入 Joining：清空消息、在场、本地系统消息缓冲与待确认删除，
	// 防止上一个频道的确认泄漏到新频道。
	s.state = Joining
	s.messages = nil
	s.seenIDs = make(map[uint]struct{})
	s.presence = nil
	s.members = nil
	s.roleRows = nil
	s.pendingDelete = nil
	s.channelTopic = ""
	s.motd = ""
	identity := s.identity
	historyLimit := s.historyLimit
	s.mu.Unlock()

	if updateAddress {
		s.push(Frame{Type: FrameAddress, Channel: name})
	}
	s.push(Frame{Type: FrameJoining, ChannelID: channelID, Channel: name})

	// 5. 进入即视为读过该频道的全部提及：发后不理，本地计数立即清零。
	if identity != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.store.MarkMentionsRead(ctx, channelID, identity.UserID); err != nil {
				log.Warn().Err(err).Uint("channel_id", channelID).Msg("mark mentions read")
			}
		}()
		s.clearMentionCounter(channelID)
	}

	// 6. 并行拉元数据与历史。失败时进入 Failed，但仍把目标频道记为当前，
	// 保证界面始终指向一个可寻址的频道（降级态，用户可重试）。
	var (
		channel *models.Channel
		history []models.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		channel, err = s.store.ChannelByID(gctx, channelID)
		return err
	})
	g.Go(func() (err error) {
		history, err = s.store.History(gctx, channelID, historyLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		s.mu.Lock()
		s.state = Failed
		s.currentID = channelID
		s.currentName = name
		s.mu.Unlock()
		metrics.ChannelSwitchesTotal.WithLabelValues("failed").Inc()
		s.push(Frame{Type: FrameFailed, ChannelID: channelID, Channel: name})
		return err
	}

	// 无权限的调用方目录里本就没有管理频道，第 2 步按目录名的检查会落空，
	// 这里必须再按库里的权威频道名复查一次，否则按 id 直连即可越权。
	if channel.Name == directory.AdminChannel && !identity.Privileged() {
		s.mu.Lock()
		s.state = Idle
		s.mu.Unlock()
		metrics.ChannelSwitchesTotal.WithLabelValues("denied").Inc()
		return ErrAccessDenied
	}

	// 7. 登录用户在进入时落成员行：仅刷新水位，不动既有自定义角色。
	var member *models.ChannelMember
	if identity != nil {
		var err error
		member, err = s.store.UpsertMembership(ctx, channelID, identity.UserID, identity.Username)
		if err != nil {
			log.Error().Err(err).Uint("channel_id", channelID).Msg("upsert membership")
		}
	}

	// 8. 加载成员与角色，推导本人生效角色与权限集。
	members, err := s.store.Members(ctx, channelID)
	if err != nil {
		log.Error().Err(err).Uint("channel_id", channelID).Msg("load members")
	}
	roleRows, err := s.store.RolesByChannel(ctx, channelID)
	if err != nil {
		log.Error().Err(err).Uint("channel_id", channelID).Msg("load roles")
	}
	effective := roles.Resolve("member", nil)
	if member != nil {
		for _, m := range members {
			if m.UserID == identity.UserID {
				effective = roles.Resolve(m.LegacyRole, m.Role)
				break
			}
		}
	}

	// 初始封禁旗标查一次库，之后只靠广播事件维护本地缓存。
	var banned, siteBanned bool
	if identity != nil {
		if banned, err = s.store.IsBanned(ctx, channelID, identity.UserID); err != nil {
			log.Warn().Err(err).Msg("check ban")
		}
		if siteBanned, err = s.store.IsSiteBanned(ctx, identity.UserID); err != nil {
			log.Warn().Err(err).Msg("check site ban")
		}
	}

	// 9. 先关旧实时会话再开新的。拆与建不保证先后完成，短暂的双投递
	// 由消息 id 去重兜底。
	oldSub, oldTopic := s.detachRealtime()
	if oldTopic != nil && oldSub != nil {
		oldTopic.Unsubscribe(oldSub)
	}
	sub := realtime.NewSubscriber()
	topic := s.hub.GetTopic(channelID)
	topic.Subscribe(sub)
	go s.runEvents(sub)
	// 订阅已确认，登录用户随即宣告在场。
	if identity != nil {
		topic.Track(sub, identity.UserID, identity.Username)
	}

	// 10. 到这里成员/角色已就绪、订阅已建立，才把当前频道交给 UI，
	// 避免切换过程中的视觉抖动。
	s.mu.Lock()
	s.sub, s.topic = sub, topic
	s.state = Joined
	s.currentID = channelID
	s.currentName = name
	s.channelTopic = channel.Topic
	s.motd = channel.Motd
	s.members = members
	s.roleRows = roleRows
	s.effective = effective
	s.banned = banned
	s.siteBanned = siteBanned
	msgs := make([]realtime.MessagePayload, 0, len(history))
	for _, m := range history {
		s.seenIDs[m.ID] = struct{}{}
		msgs = append(msgs, realtime.MessagePayload{
			ID:        m.ID,
			ChannelID: m.ChannelID,
			UserID:    m.UserID,
			Username:  m.Username,
			Content:   m.Content,
			Type:      m.Type,
			CreatedAt: m.CreatedAt,
		})
	}
	s.messages = msgs
	memberViews := s.memberViewsLocked()
	s.mu.Unlock()

	metrics.ChannelSwitchesTotal.WithLabelValues("joined").Inc()
	s.push(Frame{
		Type:      FrameJoined,
		ChannelID: channelID,
		Channel:   name,
		Topic:     channel.Topic,
		Motd:      channel.Motd,
		Role:      effective.RoleName,
		Messages:  msgs,
		Members:   memberViews,
	})
	return nil
}

func (s *Session) detachRealtime() (*realtime.Subscriber, *realtime.Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, topic := s.sub, s.topic
	s.sub, s.topic = nil, nil
	return sub, topic
}

// clearMentionCounter 把目录视图里该频道的未读提及清零。
func (s *Session) clearMentionCounter(channelID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ci := range s.dir {
		for i := range s.dir[ci].Channels {
			if s.dir[ci].Channels[i].ID == channelID {
				s.dir[ci].Channels[i].UnreadMentions = 0
			}
		}
	}
}

// memberViewsLocked 由成员行推导展示行，调用方需持锁。
func (s *Session) memberViewsLocked() []MemberView {
	out := make([]MemberView, 0, len(s.members))
	for _, m := range s.members {
		eff := roles.Resolve(m.LegacyRole, m.Role)
		out = append(out, MemberView{
			UserID:   m.UserID,
			Username: m.Username,
			RoleName: eff.RoleName,
			Color:    eff.Color,
		})
	}
	return out
}
