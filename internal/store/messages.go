package store

import (
	"context"
	"regexp"
	"strings"

	"termchat/internal/metrics"
	"termchat/internal/models"
	"termchat/internal/realtime"

	"github.com/google/uuid"
)

// History 取频道最近 limit 条消息，按 id 降序查询后反转为时间升序。
func (s *Store) History(ctx context.Context, channelID uint, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var msgs []models.Message
	if err := s.db.WithContext(ctx).Where("channel_id = ?", channelID).Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_.-]+)`)

// InsertMessage 写入消息行，生成 @ 提及，随后沿两条路径投递：
// 广播事件和行变更事件各一次，接收端按消息 id 去重。
func (s *Store) InsertMessage(ctx context.Context, channelID, userID uint, username, content string) (*models.Message, error) {
	msg := models.Message{
		ChannelID: channelID,
		UserID:    userID,
		Username:  username,
		Content:   content,
		Type:      "message",
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, err
	}
	if err := s.createMentions(ctx, &msg); err != nil {
		// 提及失败不影响消息本身
		_ = err
	}
	metrics.MessagesTotal.Inc()

	payload := &realtime.MessagePayload{
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Content:   msg.Content,
		Type:      msg.Type,
		CreatedAt: msg.CreatedAt,
	}
	s.hub.Broadcast(channelID, realtime.Event{ID: uuid.NewString(), Kind: realtime.EventMessage, ChannelID: channelID, Message: payload})
	s.hub.Broadcast(channelID, realtime.Event{ID: uuid.NewString(), Kind: realtime.EventMessageRow, ChannelID: channelID, Message: payload})
	return &msg, nil
}

// createMentions 解析 @username，命中频道成员（作者除外）时落一条未读提及。
func (s *Store) createMentions(ctx context.Context, msg *models.Message) error {
	matches := mentionPattern.FindAllStringSubmatch(msg.Content, -1)
	if len(matches) == 0 {
		return nil
	}
	names := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		name := strings.ToLower(m[1])
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	var members []models.ChannelMember
	if err := s.db.WithContext(ctx).
		Where("channel_id = ? AND LOWER(username) IN ?", msg.ChannelID, names).
		Find(&members).Error; err != nil {
		return err
	}
	mentions := make([]models.Mention, 0, len(members))
	for _, m := range members {
		if m.UserID == msg.UserID {
			continue
		}
		mentions = append(mentions, models.Mention{
			MessageID: msg.ID,
			ChannelID: msg.ChannelID,
			UserID:    m.UserID,
		})
	}
	if len(mentions) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&mentions).Error
}

// UnreadCounts 按成员行的 last_seen 水位统计各频道未读消息数，排除本人发言。
func (s *Store) UnreadCounts(ctx context.Context, userID uint) (map[uint]int, error) {
	memberships, err := s.MembershipsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[uint]int, len(memberships))
	for _, m := range memberships {
		var count int64
		err := s.db.WithContext(ctx).Model(&models.Message{}).
			Where("channel_id = ? AND created_at > ? AND user_id <> ?", m.ChannelID, m.LastSeenAt, userID).
			Count(&count).Error
		if err != nil {
			return nil, err
		}
		out[m.ChannelID] = int(count)
	}
	return out, nil
}

// UnreadMentionCounts 统计各频道里发给该用户的未读提及数。
func (s *Store) UnreadMentionCounts(ctx context.Context, userID uint) (map[uint]int, error) {
	type row struct {
		ChannelID uint
		N         int
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.Mention{}).
		Select("channel_id, COUNT(*) as n").
		Where("user_id = ? AND read = ?", userID, false).
		Group("channel_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint]int, len(rows))
	for _, r := range rows {
		out[r.ChannelID] = r.N
	}
	return out, nil
}

// MarkMentionsRead 把该用户在频道内的全部提及标为已读。
func (s *Store) MarkMentionsRead(ctx context.Context, channelID, userID uint) error {
	return s.db.WithContext(ctx).Model(&models.Mention{}).
		Where("channel_id = ? AND user_id = ? AND read = ?", channelID, userID, false).
		Update("read", true).Error
}
