package store

import (
	"context"
	"errors"
	"time"

	"termchat/internal/models"
	"termchat/internal/realtime"

	"gorm.io/gorm"
)

// MembershipsByUser 返回用户的全部成员行。
func (s *Store) MembershipsByUser(ctx context.Context, userID uint) ([]models.ChannelMember, error) {
	var ms []models.ChannelMember
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&ms).Error; err != nil {
		return nil, err
	}
	return ms, nil
}

// SubscribedChannelIDs 返回用户打了订阅标记的频道 id。
func (s *Store) SubscribedChannelIDs(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.ChannelMember{}).
		Where("user_id = ? AND subscribed = ?", userID, true).
		Pluck("channel_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// SetSubscribed 置位/复位订阅标记。成员行不存在时以默认 member 角色创建，
// 已存在时原地更新，绝不产生第二行（幂等）。
func (s *Store) SetSubscribed(ctx context.Context, channelID, userID uint, username string, subscribed bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m models.ChannelMember
		err := tx.Where("channel_id = ? AND user_id = ?", channelID, userID).First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if !subscribed {
				return nil
			}
			m = models.ChannelMember{
				ChannelID:  channelID,
				UserID:     userID,
				Username:   username,
				LegacyRole: "member",
				Subscribed: true,
				LastSeenAt: time.Now(),
			}
			return tx.Create(&m).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&m).Update("subscribed", subscribed).Error
	})
}

// UpsertMembership 在进入频道时调用：不存在则以默认 member 创建，
// 存在则只刷新 last_seen/active，不触碰既有的自定义角色指派。
func (s *Store) UpsertMembership(ctx context.Context, channelID, userID uint, username string) (*models.ChannelMember, error) {
	var m models.ChannelMember
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("channel_id = ? AND user_id = ?", channelID, userID).First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			m = models.ChannelMember{
				ChannelID:  channelID,
				UserID:     userID,
				Username:   username,
				LegacyRole: "member",
				Active:     true,
				LastSeenAt: time.Now(),
			}
			return tx.Create(&m).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&m).Updates(map[string]interface{}{
			"active":       true,
			"username":     username,
			"last_seen_at": time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// TouchLastSeen 刷新成员的已读水位，离开频道时调用。
func (s *Store) TouchLastSeen(ctx context.Context, channelID, userID uint) error {
	return s.db.WithContext(ctx).Model(&models.ChannelMember{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Updates(map[string]interface{}{"active": false, "last_seen_at": time.Now()}).Error
}

// Members 返回频道全部成员，带各自的自定义角色行。
func (s *Store) Members(ctx context.Context, channelID uint) ([]Member, error) {
	var rows []models.ChannelMember
	if err := s.db.WithContext(ctx).Where("channel_id = ?", channelID).Order("username asc").Find(&rows).Error; err != nil {
		return nil, err
	}

	// 批量带出自定义角色
	roleIDs := make([]uint, 0, len(rows))
	seen := make(map[uint]struct{}, len(rows))
	for _, m := range rows {
		if m.RoleID == nil {
			continue
		}
		if _, ok := seen[*m.RoleID]; ok {
			continue
		}
		seen[*m.RoleID] = struct{}{}
		roleIDs = append(roleIDs, *m.RoleID)
	}
	rolesByID := make(map[uint]*models.Role, len(roleIDs))
	if len(roleIDs) > 0 {
		var rs []models.Role
		if err := s.db.WithContext(ctx).Where("id IN ?", roleIDs).Find(&rs).Error; err != nil {
			return nil, err
		}
		for i := range rs {
			rolesByID[rs[i].ID] = &rs[i]
		}
	}

	out := make([]Member, 0, len(rows))
	for _, m := range rows {
		mem := Member{ChannelMember: m}
		if m.RoleID != nil {
			mem.Role = rolesByID[*m.RoleID]
		}
		out = append(out, mem)
	}
	return out, nil
}

// MemberOf 返回单个成员行。
func (s *Store) MemberOf(ctx context.Context, channelID, userID uint) (*Member, error) {
	var m models.ChannelMember
	if err := s.db.WithContext(ctx).Where("channel_id = ? AND user_id = ?", channelID, userID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	out := Member{ChannelMember: m}
	if m.RoleID != nil {
		var r models.Role
		if err := s.db.WithContext(ctx).First(&r, *m.RoleID).Error; err == nil {
			out.Role = &r
		}
	}
	return &out, nil
}

// SetLegacyRole 改写成员的 legacy 角色（mod/unmod），清除自定义角色指派并广播。
func (s *Store) SetLegacyRole(ctx context.Context, channelID, userID uint, role string) error {
	res := s.db.WithContext(ctx).Model(&models.ChannelMember{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Updates(map[string]interface{}{"legacy_role": role, "role_id": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrMemberNotFound
	}
	s.hub.Broadcast(channelID, realtime.Event{Kind: realtime.EventModeration, ChannelID: channelID, TargetID: userID})
	return nil
}

// AssignRole 指派自定义角色（roleID 为空表示回落到内置角色 legacy），随后广播。
func (s *Store) AssignRole(ctx context.Context, channelID, userID uint, roleID *uint, legacy string) error {
	res := s.db.WithContext(ctx).Model(&models.ChannelMember{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Updates(map[string]interface{}{"role_id": roleID, "legacy_role": legacy})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrMemberNotFound
	}
	s.hub.Broadcast(channelID, realtime.Event{Kind: realtime.EventModeration, ChannelID: channelID, TargetID: userID})
	return nil
}
