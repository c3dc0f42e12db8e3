package store

import (
	"errors"

	"termchat/internal/models"
	"termchat/internal/realtime"

	"gorm.io/gorm"
)

// 数据层通用错误，调用方可据此映射到系统消息或 HTTP 状态码。
var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrMemberNotFound   = errors.New("member not found")
	ErrRoleNotFound     = errors.New("role not found")
	ErrReservedRoleName = errors.New("reserved role name")
	ErrDuplicateRole    = errors.New("role name already used in channel")
	ErrDuplicateColor   = errors.New("role color already used in channel")
)

// Store 是唯一的数据权威：所有写入先落库，需要让其他会话
// 感知的变更随后经 hub 广播，写与通知收敛在同一个接口里。
type Store struct {
	db  *gorm.DB
	hub *realtime.Hub
}

func New(db *gorm.DB, hub *realtime.Hub) *Store {
	return &Store{db: db, hub: hub}
}

// Member 是成员行加上其自定义角色（可空）的读出结果。
type Member struct {
	models.ChannelMember
	Role *models.Role
}
