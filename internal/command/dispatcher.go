package command

import (
	"context"
	"strings"

	"termchat/internal/directory"
	"termchat/internal/metrics"
	"termchat/internal/models"
	"termchat/internal/roles"
	"termchat/internal/session"
	"termchat/internal/store"
)

// Store 是命令执行需要的全部数据层操作。
type Store interface {
	UserByName(ctx context.Context, username string) (*models.User, error)
	MemberOf(ctx context.Context, channelID, userID uint) (*store.Member, error)
	BanUser(ctx context.Context, channelID, userID, bannedBy uint, reason string) error
	UnbanUser(ctx context.Context, channelID, userID uint) error
	SetLegacyRole(ctx context.Context, channelID, userID uint, role string) error
	AssignRole(ctx context.Context, channelID, userID uint, roleID *uint, legacy string) error
	RoleByName(ctx context.Context, channelID uint, name string) (*models.Role, error)
	CreateRole(ctx context.Context, channelID uint, name, color string, perms roles.Permissions) (*models.Role, error)
	DeleteRole(ctx context.Context, channelID uint, name string) error
	UpdateTopic(ctx context.Context, channelID uint, topic string) error
	UpdateMotd(ctx context.Context, channelID uint, motd string) error
	DeleteChannelCascade(ctx context.Context, channelID uint) error
	SiteBanUser(ctx context.Context, userID, bannedBy uint, reason string) error
	SiteUnbanUser(ctx context.Context, userID uint) error
	SetSitePrivilege(ctx context.Context, userID uint, column string, value bool) error
	Stats(ctx context.Context) (*store.SiteStats, error)
	OpenReports(ctx context.Context, limit int) ([]models.AdminReport, error)
	LogAdminAction(ctx context.Context, actorID uint, action string, targetID uint, detail string) error
}

// Dispatcher 解析消息框里的斜杠命令，逐条做权限闸门并执行对应变更。
type Dispatcher struct {
	store Store
}

func NewDispatcher(st Store) *Dispatcher {
	return &Dispatcher{store: st}
}

// 站点权限档位：site moderator < site admin < site owner。
const (
	tierNone = iota
	tierModerator
	tierAdmin
	tierOwner
)

func siteTier(id *session.Identity) int {
	switch {
	case id == nil:
		return tierNone
	case id.SiteOwner:
		return tierOwner
	case id.SiteAdmin:
		return tierAdmin
	case id.SiteModerator:
		return tierModerator
	default:
		return tierNone
	}
}

// Handle 处理一条用户输入。返回 true 表示已被消费（命令或删除确认），
// false 表示应当作普通聊天消息继续发送。
func (d *Dispatcher) Handle(ctx context.Context, sess *session.Session, input string) bool {
	input = strings.TrimSpace(input)
	if input == "" {
		return true
	}

	// 两阶段删除的确认优先于一切：只有原请求者在原频道的下一条
	// 字面 y/n 会消费它，请求者的其他输入直接作废待确认状态。
	if d.consumeDeleteConfirmation(ctx, sess, input) {
		return true
	}

	if !strings.HasPrefix(input, "/") {
		return false
	}

	fields := strings.Fields(input[1:])
	if len(fields) == 0 {
		sess.PushSystem("empty command, try /help")
		return true
	}
	// 命令记号不区分大小写，参数保留原样。
	name := strings.ToLower(fields[0])
	args := fields[1:]

	spec, ok := catalogue[name]
	if !ok {
		// 未知命令明确拒绝，而不是悄悄当聊天发出去。
		sess.PushSystem("unknown command: /" + name)
		metrics.CommandsTotal.WithLabelValues(name, "unknown").Inc()
		return true
	}

	if !spec.allowed(sess) {
		sess.PushSystem("you don't have permission to use /" + name)
		metrics.CommandsTotal.WithLabelValues(name, "denied").Inc()
		return true
	}
	if len(args) < spec.minArgs {
		sess.PushSystem("usage: " + spec.usage)
		metrics.CommandsTotal.WithLabelValues(name, "usage").Inc()
		return true
	}

	if err := spec.run(d, ctx, sess, args); err != nil {
		sess.PushSystem("/" + name + " failed: " + err.Error())
		metrics.CommandsTotal.WithLabelValues(name, "error").Inc()
		return true
	}
	metrics.CommandsTotal.WithLabelValues(name, "ok").Inc()
	return true
}

// consumeDeleteConfirmation 处理两阶段删除的第二阶段。
func (d *Dispatcher) consumeDeleteConfirmation(ctx context.Context, sess *session.Session, input string) bool {
	pending := sess.PendingDeleteState()
	if pending == nil {
		return false
	}
	id := sess.Identity()
	channelID, _ := sess.Current()
	if id == nil || id.UserID != pending.RequestedBy || channelID != pending.ChannelID {
		// 别人的输入不消费待确认状态
		return false
	}
	switch strings.ToLower(input) {
	case "y":
		sess.ClearPendingDelete()
		if err := d.store.DeleteChannelCascade(ctx, pending.ChannelID); err != nil {
			// 级联删除是尽力而为：报告失败但不回滚已删部分
			sess.PushSystem("channel delete failed: " + err.Error())
			return true
		}
		sess.PushSystem("channel deleted")
		return true
	case "n":
		sess.ClearPendingDelete()
		sess.PushSystem("channel delete cancelled")
		return true
	default:
		// 任何其他输入静默作废待确认状态，消息照常发送
		sess.ClearPendingDelete()
		return false
	}
}

// gate 辅助：生效角色与站点档位。

func isOwner(sess *session.Session) bool {
	return sess.Effective().System == roles.Owner && sess.Identity() != nil
}

func canModerate(sess *session.Session) bool {
	eff := sess.Effective()
	return sess.Identity() != nil && (eff.Perms.CanManageChannel || eff.System != roles.Member)
}

func canBan(sess *session.Session) bool {
	return sess.Identity() != nil && sess.Effective().Perms.CanBan
}

func canManageRoles(sess *session.Session) bool {
	eff := sess.Effective()
	return sess.Identity() != nil && (eff.Perms.CanManageRoles || eff.System == roles.Owner)
}

// inAdminChannel 判定当前会话是否位于保留的管理频道。
func inAdminChannel(sess *session.Session) bool {
	_, name := sess.Current()
	return name == directory.AdminChannel
}

func adminGate(minTier int) func(*session.Session) bool {
	return func(sess *session.Session) bool {
		return inAdminChannel(sess) && siteTier(sess.Identity()) >= minTier
	}
}

func anyone(sess *session.Session) bool { return true }

// commandSpec 把一个命令绑定到它的权限闸门与执行体。
type commandSpec struct {
	usage   string
	minArgs int
	allowed func(*session.Session) bool
	run     func(d *Dispatcher, ctx context.Context, sess *session.Session, args []string) error
}

// catalogue 是全部命令及其 1:1 的闸门/变更映射。
// help 要遍历 catalogue 列出可用命令，放在 init 里赋值以切断初始化环。
var catalogue map[string]commandSpec

func init() {
	catalogue = map[string]commandSpec{
		"help":  {usage: "/help", allowed: anyone, run: (*Dispatcher).cmdHelp},
		"info":  {usage: "/info", allowed: anyone, run: (*Dispatcher).cmdInfo},
		"roles": {usage: "/roles", allowed: isOwner, run: (*Dispatcher).cmdRoles},

		"ban":   {usage: "/ban <user> [reason]", minArgs: 1, allowed: canBan, run: (*Dispatcher).cmdBan},
		"unban": {usage: "/unban <user>", minArgs: 1, allowed: canBan, run: (*Dispatcher).cmdUnban},
		"mod":   {usage: "/mod <user>", minArgs: 1, allowed: isOwner, run: (*Dispatcher).cmdMod},
		"unmod": {usage: "/unmod <user>", minArgs: 1, allowed: isOwner, run: (*Dispatcher).cmdUnmod},

		"setrole":    {usage: "/setrole <user> <role>", minArgs: 2, allowed: canManageRoles, run: (*Dispatcher).cmdSetRole},
		"createrole": {usage: "/createrole <name> [color]", minArgs: 1, allowed: isOwner, run: (*Dispatcher).cmdCreateRole},
		"deleterole": {usage: "/deleterole <name>", minArgs: 1, allowed: isOwner, run: (*Dispatcher).cmdDeleteRole},

		"topic":  {usage: "/topic <text>", minArgs: 1, allowed: canModerate, run: (*Dispatcher).cmdTopic},
		"motd":   {usage: "/motd <text>", minArgs: 1, allowed: isOwner, run: (*Dispatcher).cmdMotd},
		"delete": {usage: "/delete", allowed: isOwner, run: (*Dispatcher).cmdDelete},

		"siteban":   {usage: "/siteban <user> [reason]", minArgs: 1, allowed: adminGate(tierModerator), run: (*Dispatcher).cmdSiteBan},
		"siteunban": {usage: "/siteunban <user>", minArgs: 1, allowed: adminGate(tierModerator), run: (*Dispatcher).cmdSiteUnban},
		"lookup":    {usage: "/lookup <user>", minArgs: 1, allowed: adminGate(tierModerator), run: (*Dispatcher).cmdLookup},
		"stats":     {usage: "/stats", allowed: adminGate(tierModerator), run: (*Dispatcher).cmdStats},
		"reports":   {usage: "/reports", allowed: adminGate(tierModerator), run: (*Dispatcher).cmdReports},

		"siteadmin":       {usage: "/siteadmin <user>", minArgs: 1, allowed: adminGate(tierOwner), run: (*Dispatcher).cmdSiteAdmin},
		"demoteadmin":     {usage: "/demoteadmin <user>", minArgs: 1, allowed: adminGate(tierOwner), run: (*Dispatcher).cmdDemoteAdmin},
		"sitemoderator":   {usage: "/sitemoderator <user>", minArgs: 1, allowed: adminGate(tierAdmin), run: (*Dispatcher).cmdSiteModerator},
		"demotemoderator": {usage: "/demotemoderator <user>", minArgs: 1, allowed: adminGate(tierAdmin), run: (*Dispatcher).cmdDemoteModerator},
	}
}
