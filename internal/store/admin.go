package store

import (
	"context"

	"termchat/internal/models"
)

// SiteStats 是管理频道 stats 命令的读出结果。
type SiteStats struct {
	Users    int64
	Channels int64
	Messages int64
	SiteBans int64
	Reports  int64
}

func (s *Store) Stats(ctx context.Context) (*SiteStats, error) {
	db := s.db.WithContext(ctx)
	var st SiteStats
	if err := db.Model(&models.User{}).Count(&st.Users).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Channel{}).Count(&st.Channels).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Message{}).Count(&st.Messages).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.SiteBan{}).Count(&st.SiteBans).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.AdminReport{}).Where("resolved = ?", false).Count(&st.Reports).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

// OpenReports 返回未处理的举报，最新在前。
func (s *Store) OpenReports(ctx context.Context, limit int) ([]models.AdminReport, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var reports []models.AdminReport
	err := s.db.WithContext(ctx).Where("resolved = ?", false).Order("id desc").Limit(limit).Find(&reports).Error
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// LogAdminAction 把管理动作写进审计日志，失败只记日志不阻断命令。
func (s *Store) LogAdminAction(ctx context.Context, actorID uint, action string, targetID uint, detail string) error {
	entry := models.AdminLog{ActorID: actorID, Action: action, TargetID: targetID, Detail: detail}
	return s.db.WithContext(ctx).Create(&entry).Error
}

// DeleteAccount 级联删除账号：消息保留（历史可读），其余关联行清除，
// 最后删用户行本身。与频道级联一样是尽力而为。
func (s *Store) DeleteAccount(ctx context.Context, userID uint) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("user_id = ?", userID).Delete(&models.Mention{}).Error; err != nil {
		return err
	}
	if err := db.Where("user_id = ?", userID).Delete(&models.ChannelMember{}).Error; err != nil {
		return err
	}
	if err := db.Where("user_id = ?", userID).Delete(&models.Ban{}).Error; err != nil {
		return err
	}
	if err := db.Where("user_id = ?", userID).Delete(&models.RefreshToken{}).Error; err != nil {
		return err
	}
	return db.Delete(&models.User{}, userID).Error
}
