package roles

import (
	"sort"
	"strings"

	"termchat/internal/models"
)

// SystemRole 是封闭的系统角色枚举，历史数据里的散串只在边界处归一化一次。
type SystemRole int

const (
	Member SystemRole = iota
	Moderator
	Owner
)

func (r SystemRole) String() string {
	switch r {
	case Owner:
		return "Owner"
	case Moderator:
		return "Moderator"
	default:
		return "Member"
	}
}

// Permissions 是频道内角色携带的权限集合。
type Permissions struct {
	CanKick           bool `json:"can_kick"`
	CanBan            bool `json:"can_ban"`
	CanManageRoles    bool `json:"can_manage_roles"`
	CanManageChannel  bool `json:"can_manage_channel"`
	CanDeleteMessages bool `json:"can_delete_messages"`
}

// Effective 描述一个成员最终生效的角色：要么是系统角色，要么指向自定义 Role。
type Effective struct {
	System   SystemRole
	Custom   *models.Role // 非空时覆盖 System
	Legacy   string       // 归一化前的原始串，仅用于展示/日志
	Perms    Permissions
	RoleName string
	Color    string
}

// Normalize 把存量的 legacy 角色串归一化为系统角色。
// owner→Owner，moderator/admin→Moderator，其余一律 Member。
func Normalize(legacy string) SystemRole {
	switch strings.ToLower(strings.TrimSpace(legacy)) {
	case "owner":
		return Owner
	case "moderator", "admin":
		return Moderator
	default:
		return Member
	}
}

// SystemPerms 返回系统角色的内置权限集。
// legacy owner 仅合成 kick/ban/manage-roles 三项，与历史行为保持一致。
func SystemPerms(r SystemRole) Permissions {
	switch r {
	case Owner:
		return Permissions{CanKick: true, CanBan: true, CanManageRoles: true}
	case Moderator:
		return Permissions{CanKick: true, CanBan: true, CanDeleteMessages: true}
	default:
		return Permissions{}
	}
}

// Resolve 计算成员的生效角色：优先自定义 Role，否则回落到归一化的系统角色。
func Resolve(legacy string, custom *models.Role) Effective {
	if custom != nil {
		return Effective{
			System: Normalize(legacy),
			Custom: custom,
			Legacy: legacy,
			Perms: Permissions{
				CanKick:           custom.CanKick,
				CanBan:            custom.CanBan,
				CanManageRoles:    custom.CanManageRoles,
				CanManageChannel:  custom.CanManageChannel,
				CanDeleteMessages: custom.CanDeleteMessages,
			},
			RoleName: custom.Name,
			Color:    custom.Color,
		}
	}
	sys := Normalize(legacy)
	return Effective{
		System:   sys,
		Legacy:   legacy,
		Perms:    SystemPerms(sys),
		RoleName: sys.String(),
		Color:    systemColor(sys),
	}
}

func systemColor(r SystemRole) string {
	switch r {
	case Owner:
		return "red"
	case Moderator:
		return "yellow"
	default:
		return "gray"
	}
}

// IsReserved 判断角色名是否与系统角色同名（不区分大小写）。
func IsReserved(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "owner", "moderator", "member":
		return true
	}
	return false
}

// palette 是 createrole 可用的终端安全色。
var palette = []string{
	"red", "green", "yellow", "blue", "magenta", "cyan",
	"orange", "purple", "teal", "pink", "lime", "white",
}

// Colors 返回调色板副本，排除 inUse 中已被占用的颜色。
func Colors(inUse []string) []string {
	used := make(map[string]struct{}, len(inUse))
	for _, c := range inUse {
		used[strings.ToLower(c)] = struct{}{}
	}
	out := make([]string, 0, len(palette))
	for _, c := range palette {
		if _, ok := used[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// ValidColor 判断颜色是否在调色板内。
func ValidColor(color string) bool {
	color = strings.ToLower(strings.TrimSpace(color))
	i := sort.SearchStrings(sortedPalette, color)
	return i < len(sortedPalette) && sortedPalette[i] == color
}

var sortedPalette = func() []string {
	s := append([]string(nil), palette...)
	sort.Strings(s)
	return s
}()

// SeedRoles 返回新频道应预置的三个系统角色行。
func SeedRoles(channelID uint) []models.Role {
	return []models.Role{
		{ChannelID: channelID, Name: "Owner", Color: "red", IsSystem: true,
			CanKick: true, CanBan: true, CanManageRoles: true, CanManageChannel: true, CanDeleteMessages: true},
		{ChannelID: channelID, Name: "Moderator", Color: "yellow", IsSystem: true,
			CanKick: true, CanBan: true, CanDeleteMessages: true},
		{ChannelID: channelID, Name: "Member", Color: "gray", IsSystem: true},
	}
}
