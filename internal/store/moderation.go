package store

import (
	"context"
	"errors"

	"termchat/internal/models"
	"termchat/internal/realtime"

	"gorm.io/gorm"
)

// BanUser 插入封禁行并广播。成员行保留，被封禁用户仍可读。
func (s *Store) BanUser(ctx context.Context, channelID, userID, bannedBy uint, reason string) error {
	ban := models.Ban{ChannelID: channelID, UserID: userID, BannedBy: bannedBy, Reason: reason}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Ban{}).Where("channel_id = ? AND user_id = ?", channelID, userID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil // 已封禁，幂等
		}
		return tx.Create(&ban).Error
	})
	if err != nil {
		return err
	}
	s.hub.Broadcast(channelID, realtime.Event{Kind: realtime.EventBan, ChannelID: channelID, TargetID: userID, Text: reason})
	return nil
}

// UnbanUser 删除封禁行并广播。
func (s *Store) UnbanUser(ctx context.Context, channelID, userID uint) error {
	if err := s.db.WithContext(ctx).Where("channel_id = ? AND user_id = ?", channelID, userID).Delete(&models.Ban{}).Error; err != nil {
		return err
	}
	s.hub.Broadcast(channelID, realtime.Event{Kind: realtime.EventUnban, ChannelID: channelID, TargetID: userID})
	return nil
}

func (s *Store) IsBanned(ctx context.Context, channelID, userID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Ban{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).Count(&count).Error
	return count > 0, err
}

// SiteBanUser 全站封禁：阻止目标在任何频道发言，广播到所有活跃频道。
func (s *Store) SiteBanUser(ctx context.Context, userID, bannedBy uint, reason string) error {
	sb := models.SiteBan{UserID: userID, BannedBy: bannedBy, Reason: reason}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.SiteBan{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		return tx.Create(&sb).Error
	})
	if err != nil {
		return err
	}
	s.hub.BroadcastSite(realtime.Event{Kind: realtime.EventSiteBan, TargetID: userID, Text: reason})
	return nil
}

func (s *Store) SiteUnbanUser(ctx context.Context, userID uint) error {
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.SiteBan{}).Error; err != nil {
		return err
	}
	s.hub.BroadcastSite(realtime.Event{Kind: realtime.EventSiteUnban, TargetID: userID})
	return nil
}

func (s *Store) IsSiteBanned(ctx context.Context, userID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.SiteBan{}).Where("user_id = ?", userID).Count(&count).Error
	return count > 0, err
}

func (s *Store) UserByName(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) UserByID(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// Usernames 返回全站用户名（管理频道里 @ 补全用）。
func (s *Store) Usernames(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	var names []string
	err := s.db.WithContext(ctx).Model(&models.User{}).Order("username asc").Limit(limit).Pluck("username", &names).Error
	if err != nil {
		return nil, err
	}
	return names, nil
}

// SetSitePrivilege 改写站点权限旗标（is_site_moderator / is_site_admin）。
func (s *Store) SetSitePrivilege(ctx context.Context, userID uint, column string, value bool) error {
	switch column {
	case "is_site_moderator", "is_site_admin":
	default:
		return errors.New("invalid privilege column")
	}
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
