package store

import (
	"context"
	"errors"
	"strings"

	"termchat/internal/models"
	"termchat/internal/realtime"
	"termchat/internal/roles"

	"gorm.io/gorm"
)

// RolesByChannel 返回频道全部角色（含系统角色）。
func (s *Store) RolesByChannel(ctx context.Context, channelID uint) ([]models.Role, error) {
	var rs []models.Role
	if err := s.db.WithContext(ctx).Where("channel_id = ?", channelID).Order("is_system desc, name asc").Find(&rs).Error; err != nil {
		return nil, err
	}
	return rs, nil
}

// RoleByName 按名字（不区分大小写）查频道内角色。
func (s *Store) RoleByName(ctx context.Context, channelID uint, name string) (*models.Role, error) {
	var r models.Role
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND LOWER(name) = ?", channelID, strings.ToLower(name)).
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, err
	}
	return &r, nil
}

// CreateRole 新建自定义角色。保留名和频道内已占用的名字/颜色均拒绝。
func (s *Store) CreateRole(ctx context.Context, channelID uint, name, color string, perms roles.Permissions) (*models.Role, error) {
	if roles.IsReserved(name) {
		return nil, ErrReservedRoleName
	}
	role := models.Role{
		ChannelID:         channelID,
		Name:              name,
		Color:             strings.ToLower(color),
		CanKick:           perms.CanKick,
		CanBan:            perms.CanBan,
		CanManageRoles:    perms.CanManageRoles,
		CanManageChannel:  perms.CanManageChannel,
		CanDeleteMessages: perms.CanDeleteMessages,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Role{}).
			Where("channel_id = ? AND LOWER(name) = ?", channelID, strings.ToLower(name)).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateRole
		}
		if err := tx.Model(&models.Role{}).
			Where("channel_id = ? AND color = ?", channelID, role.Color).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateColor
		}
		return tx.Create(&role).Error
	})
	if err != nil {
		return nil, err
	}
	s.hub.Broadcast(channelID, realtime.Event{Kind: realtime.EventModeration, ChannelID: channelID})
	return &role, nil
}

// DeleteRole 删除自定义角色：先把持有者全部降回基础 Member 再删行。
func (s *Store) DeleteRole(ctx context.Context, channelID uint, name string) error {
	if roles.IsReserved(name) {
		return ErrReservedRoleName
	}
	role, err := s.RoleByName(ctx, channelID, name)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrReservedRoleName
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ChannelMember{}).
			Where("channel_id = ? AND role_id = ?", channelID, role.ID).
			Updates(map[string]interface{}{"role_id": nil, "legacy_role": "member"}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Role{}, role.ID).Error
	})
	if err != nil {
		return err
	}
	s.hub.Broadcast(channelID, realtime.Event{Kind: realtime.EventModeration, ChannelID: channelID})
	return nil
}

// UsedRoleColors 返回频道内已被占用的颜色。
func (s *Store) UsedRoleColors(ctx context.Context, channelID uint) ([]string, error) {
	var colors []string
	err := s.db.WithContext(ctx).Model(&models.Role{}).
		Where("channel_id = ?", channelID).
		Pluck("color", &colors).Error
	if err != nil {
		return nil, err
	}
	return colors, nil
}
