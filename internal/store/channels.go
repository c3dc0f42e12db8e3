package store

import (
	"context"
	"errors"

	"termchat/internal/models"
	"termchat/internal/realtime"
	"termchat/internal/roles"

	"gorm.io/gorm"
)

// Categories 按名称升序返回全部持久化分类。
func (s *Store) Categories(ctx context.Context) ([]models.Category, error) {
	var cats []models.Category
	if err := s.db.WithContext(ctx).Order("name asc").Find(&cats).Error; err != nil {
		return nil, err
	}
	return cats, nil
}

// CategorizedChannels 返回所有挂在某个分类下的频道，按名称升序。
func (s *Store) CategorizedChannels(ctx context.Context) ([]models.Channel, error) {
	var chans []models.Channel
	if err := s.db.WithContext(ctx).Where("category_id IS NOT NULL").Order("name asc").Find(&chans).Error; err != nil {
		return nil, err
	}
	return chans, nil
}

// UncategorizedChannels 返回无分类频道，exclude 中的名字被排除。
func (s *Store) UncategorizedChannels(ctx context.Context, exclude []string) ([]models.Channel, error) {
	q := s.db.WithContext(ctx).Where("category_id IS NULL")
	if len(exclude) > 0 {
		q = q.Where("name NOT IN ?", exclude)
	}
	var chans []models.Channel
	if err := q.Order("name asc").Find(&chans).Error; err != nil {
		return nil, err
	}
	return chans, nil
}

// ChannelsByName 按名字集合查询频道。
func (s *Store) ChannelsByName(ctx context.Context, names []string) ([]models.Channel, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var chans []models.Channel
	if err := s.db.WithContext(ctx).Where("name IN ?", names).Find(&chans).Error; err != nil {
		return nil, err
	}
	return chans, nil
}

// AllChannels 返回全部频道，按名称升序。
func (s *Store) AllChannels(ctx context.Context, limit int) ([]models.Channel, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	var chans []models.Channel
	if err := s.db.WithContext(ctx).Order("name asc").Limit(limit).Find(&chans).Error; err != nil {
		return nil, err
	}
	return chans, nil
}

// ChannelsByID 按 id 集合查询频道。
func (s *Store) ChannelsByID(ctx context.Context, ids []uint) ([]models.Channel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var chans []models.Channel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("name asc").Find(&chans).Error; err != nil {
		return nil, err
	}
	return chans, nil
}

func (s *Store) ChannelByID(ctx context.Context, id uint) (*models.Channel, error) {
	var ch models.Channel
	if err := s.db.WithContext(ctx).First(&ch, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChannelNotFound
		}
		return nil, err
	}
	return &ch, nil
}

func (s *Store) ChannelByName(ctx context.Context, name string) (*models.Channel, error) {
	var ch models.Channel
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&ch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChannelNotFound
		}
		return nil, err
	}
	return &ch, nil
}

// CreateChannel 建频道并预置三个系统角色，创建者成为 owner 成员。
func (s *Store) CreateChannel(ctx context.Context, name string, createdBy uint, creatorName string) (*models.Channel, error) {
	ch := models.Channel{Name: name, CreatedBy: createdBy}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&ch).Error; err != nil {
			return err
		}
		seeded := roles.SeedRoles(ch.ID)
		if err := tx.Create(&seeded).Error; err != nil {
			return err
		}
		member := models.ChannelMember{
			ChannelID:  ch.ID,
			UserID:     createdBy,
			Username:   creatorName,
			LegacyRole: "owner",
			Subscribed: true,
			Active:     true,
		}
		return tx.Create(&member).Error
	})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// UpdateTopic 更新频道主题并广播，其他会话无需重新拉取。
func (s *Store) UpdateTopic(ctx context.Context, channelID uint, topic string) error {
	if err := s.db.WithContext(ctx).Model(&models.Channel{}).Where("id = ?", channelID).Update("topic", topic).Error; err != nil {
		return err
	}
	s.hub.Broadcast(channelID, realtime.Event{Kind: realtime.EventTopic, ChannelID: channelID, Text: topic})
	return nil
}

// UpdateMotd 更新每日公告并广播。
func (s *Store) UpdateMotd(ctx context.Context, channelID uint, motd string) error {
	if err := s.db.WithContext(ctx).Model(&models.Channel{}).Where("id = ?", channelID).Update("motd", motd).Error; err != nil {
		return err
	}
	s.hub.Broadcast(channelID, realtime.Event{Kind: realtime.EventMotd, ChannelID: channelID, Text: motd})
	return nil
}

// DeleteChannelCascade 按依赖顺序级联删除：消息 → 成员 → 角色 → 封禁 → 频道。
// 尽力而为：任一步失败立即返回错误，已删除的部分不回滚。
func (s *Store) DeleteChannelCascade(ctx context.Context, channelID uint) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("channel_id = ?", channelID).Delete(&models.Mention{}).Error; err != nil {
		return err
	}
	if err := db.Where("channel_id = ?", channelID).Delete(&models.Message{}).Error; err != nil {
		return err
	}
	if err := db.Where("channel_id = ?", channelID).Delete(&models.ChannelMember{}).Error; err != nil {
		return err
	}
	if err := db.Where("channel_id = ?", channelID).Delete(&models.Role{}).Error; err != nil {
		return err
	}
	if err := db.Where("channel_id = ?", channelID).Delete(&models.Ban{}).Error; err != nil {
		return err
	}
	if err := db.Delete(&models.Channel{}, channelID).Error; err != nil {
		return err
	}
	s.hub.Broadcast(channelID, realtime.Event{Kind: realtime.EventChannelDeleted, ChannelID: channelID})
	return nil
}
