package models

import "time"

type User struct {
	ID              uint   `gorm:"primaryKey"`
	Username        string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash    string `gorm:"not null"`
	IsSiteModerator bool   `gorm:"not null;default:false"`
	IsSiteAdmin     bool   `gorm:"not null;default:false"`
	IsSiteOwner     bool   `gorm:"not null;default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Category struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:64;not null"`
	Position  int    `gorm:"not null;default:0"`
	CreatedAt time.Time
}

type Channel struct {
	ID         uint   `gorm:"primaryKey"`
	Name       string `gorm:"uniqueIndex;size:64;not null"` // lowercase slug
	Topic      string `gorm:"size:256"`
	Motd       string `gorm:"size:512"`
	CategoryID *uint  `gorm:"index"`
	CreatedBy  uint   `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ChannelMember 关联用户与频道，(user, channel) 至多一行。
type ChannelMember struct {
	ID         uint   `gorm:"primaryKey"`
	ChannelID  uint   `gorm:"uniqueIndex:idx_member_chan_user;not null"`
	UserID     uint   `gorm:"uniqueIndex:idx_member_chan_user;not null"`
	Username   string `gorm:"size:64;not null"`
	LegacyRole string `gorm:"size:16;not null;default:'member'"` // owner, moderator, admin, member
	RoleID     *uint  `gorm:"index"`                             // 指向自定义 Role，可空
	Subscribed bool   `gorm:"not null;default:false"`
	Active     bool   `gorm:"not null;default:false"`
	LastSeenAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Role 是频道内的命名权限集，Owner/Moderator/Member 为系统保留。
type Role struct {
	ID                uint   `gorm:"primaryKey"`
	ChannelID         uint   `gorm:"uniqueIndex:idx_role_chan_name;not null"`
	Name              string `gorm:"uniqueIndex:idx_role_chan_name;size:32;not null"`
	Color             string `gorm:"size:16;not null"`
	IsSystem          bool   `gorm:"not null;default:false"`
	CanKick           bool   `gorm:"not null;default:false"`
	CanBan            bool   `gorm:"not null;default:false"`
	CanManageRoles    bool   `gorm:"not null;default:false"`
	CanManageChannel  bool   `gorm:"not null;default:false"`
	CanDeleteMessages bool   `gorm:"not null;default:false"`
	CreatedAt         time.Time
}

// Ban 只阻止发言，被封禁用户仍保留成员身份与读取权限。
type Ban struct {
	ID        uint   `gorm:"primaryKey"`
	ChannelID uint   `gorm:"uniqueIndex:idx_ban_chan_user;not null"`
	UserID    uint   `gorm:"uniqueIndex:idx_ban_chan_user;not null"`
	BannedBy  uint   `gorm:"not null"`
	Reason    string `gorm:"size:256"`
	CreatedAt time.Time
}

type SiteBan struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"uniqueIndex;not null"`
	BannedBy  uint   `gorm:"not null"`
	Reason    string `gorm:"size:256"`
	CreatedAt time.Time
}

type Message struct {
	ID        uint   `gorm:"primaryKey"`
	ChannelID uint   `gorm:"index:idx_msg_channel;not null"`
	UserID    uint   `gorm:"index;not null"`
	Username  string `gorm:"size:64;not null"`
	Content   string `gorm:"type:text;not null"`
	Type      string `gorm:"size:16;not null;default:'message'"` // message, system
	CreatedAt time.Time
}

// Mention 在消息内容命中 @username 的频道成员时生成，按接收者记录已读状态。
type Mention struct {
	ID        uint `gorm:"primaryKey"`
	MessageID uint `gorm:"index;not null"`
	ChannelID uint `gorm:"index:idx_mention_chan_user;not null"`
	UserID    uint `gorm:"index:idx_mention_chan_user;not null"`
	Read      bool `gorm:"not null;default:false"`
	CreatedAt time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

type AdminLog struct {
	ID        uint   `gorm:"primaryKey"`
	ActorID   uint   `gorm:"index;not null"`
	Action    string `gorm:"size:64;not null"`
	TargetID  uint   `gorm:"index"`
	Detail    string `gorm:"size:512"`
	CreatedAt time.Time
}

type AdminReport struct {
	ID         uint   `gorm:"primaryKey"`
	ReporterID uint   `gorm:"index;not null"`
	TargetID   uint   `gorm:"index;not null"`
	ChannelID  uint   `gorm:"index"`
	Reason     string `gorm:"size:512"`
	Resolved   bool   `gorm:"not null;default:false"`
	CreatedAt  time.Time
}
