package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"termchat/internal/roles"
	"termchat/internal/session"
	"termchat/internal/store"
)

// resolveMember 按用户名（大小写不敏感）在当前频道成员里找人。
func resolveMember(sess *session.Session, username string) (*store.Member, error) {
	username = strings.ToLower(strings.TrimPrefix(username, "@"))
	for _, m := range sess.Members() {
		if strings.ToLower(m.Username) == username {
			mm := m
			return &mm, nil
		}
	}
	return nil, errors.New("no such member: " + username)
}

func (d *Dispatcher) cmdHelp(ctx context.Context, sess *session.Session, args []string) error {
	names := make([]string, 0, len(catalogue))
	for name, spec := range catalogue {
		if spec.allowed(sess) {
			names = append(names, "/"+name)
		}
	}
	sort.Strings(names)
	sess.PushSystem("available commands: " + strings.Join(names, " "))
	return nil
}

func (d *Dispatcher) cmdInfo(ctx context.Context, sess *session.Session, args []string) error {
	_, name := sess.Current()
	members := sess.Members()
	eff := sess.Effective()
	sess.PushSystem(fmt.Sprintf("channel %s · %d members · your role: %s", name, len(members), eff.RoleName))
	return nil
}

func (d *Dispatcher) cmdRoles(ctx context.Context, sess *session.Session, args []string) error {
	rows := sess.Roles()
	if len(rows) == 0 {
		sess.PushSystem("no roles loaded")
		return nil
	}
	parts := make([]string, 0, len(rows))
	for _, r := range rows {
		parts = append(parts, fmt.Sprintf("%s(%s)", r.Name, r.Color))
	}
	sess.PushSystem("roles: " + strings.Join(parts, " "))
	return nil
}

// cmdBan 插入封禁行并广播。成员行不动，被封禁者保留读取权限。
func (d *Dispatcher) cmdBan(ctx context.Context, sess *session.Session, args []string) error {
	target, err := resolveMember(sess, args[0])
	if err != nil {
		return err
	}
	reason := strings.Join(args[1:], " ")
	channelID, _ := sess.Current()
	if err := d.store.BanUser(ctx, channelID, target.UserID, sess.Identity().UserID, reason); err != nil {
		return err
	}
	sess.PushSystem("banned " + target.Username)
	return nil
}

func (d *Dispatcher) cmdUnban(ctx context.Context, sess *session.Session, args []string) error {
	target, err := resolveMember(sess, args[0])
	if err != nil {
		return err
	}
	channelID, _ := sess.Current()
	if err := d.store.UnbanUser(ctx, channelID, target.UserID); err != nil {
		return err
	}
	sess.PushSystem("unbanned " + target.Username)
	return nil
}

// cmdMod 把成员的 legacy 角色翻成 moderator。
func (d *Dispatcher) cmdMod(ctx context.Context, sess *session.Session, args []string) error {
	target, err := resolveMember(sess, args[0])
	if err != nil {
		return err
	}
	channelID, _ := sess.Current()
	if err := d.store.SetLegacyRole(ctx, channelID, target.UserID, "moderator"); err != nil {
		return err
	}
	sess.PushSystem(target.Username + " is now a moderator")
	return nil
}

func (d *Dispatcher) cmdUnmod(ctx context.Context, sess *session.Session, args []string) error {
	target, err := resolveMember(sess, args[0])
	if err != nil {
		return err
	}
	channelID, _ := sess.Current()
	if err := d.store.SetLegacyRole(ctx, channelID, target.UserID, "member"); err != nil {
		return err
	}
	sess.PushSystem(target.Username + " is no longer a moderator")
	return nil
}

// cmdSetRole 指派内置角色名或自定义角色，未知角色名拒绝。
func (d *Dispatcher) cmdSetRole(ctx context.Context, sess *session.Session, args []string) error {
	target, err := resolveMember(sess, args[0])
	if err != nil {
		return err
	}
	roleName := args[1]
	channelID, _ := sess.Current()

	if roles.IsReserved(roleName) {
		// 内置角色走 legacy 字段
		legacy := strings.ToLower(roleName)
		if err := d.store.AssignRole(ctx, channelID, target.UserID, nil, legacy); err != nil {
			return err
		}
		sess.PushSystem(target.Username + " is now " + roleName)
		return nil
	}

	role, err := d.store.RoleByName(ctx, channelID, roleName)
	if err != nil {
		return errors.New("unknown role: " + roleName)
	}
	if err := d.store.AssignRole(ctx, channelID, target.UserID, &role.ID, target.LegacyRole); err != nil {
		return err
	}
	sess.PushSystem(target.Username + " is now " + role.Name)
	return nil
}

// cmdCreateRole 建自定义角色：保留名、重名、撞色、非法色都拒绝。
func (d *Dispatcher) cmdCreateRole(ctx context.Context, sess *session.Session, args []string) error {
	name := args[0]
	color := "white"
	if len(args) > 1 {
		color = strings.ToLower(args[1])
	}
	if roles.IsReserved(name) {
		return errors.New("role name is reserved: " + name)
	}
	if !roles.ValidColor(color) {
		return errors.New("unknown color: " + color)
	}
	channelID, _ := sess.Current()
	role, err := d.store.CreateRole(ctx, channelID, name, color, roles.Permissions{})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRole) {
			return errors.New("role name already in use: " + name)
		}
		if errors.Is(err, store.ErrDuplicateColor) {
			return errors.New("color already in use: " + color)
		}
		return err
	}
	sess.PushSystem("created role " + role.Name + " (" + role.Color + ")")
	return nil
}

// cmdDeleteRole 删自定义角色，持有者先回落到基础 Member。
func (d *Dispatcher) cmdDeleteRole(ctx context.Context, sess *session.Session, args []string) error {
	name := args[0]
	if roles.IsReserved(name) {
		return errors.New("role name is reserved: " + name)
	}
	channelID, _ := sess.Current()
	if err := d.store.DeleteRole(ctx, channelID, name); err != nil {
		return err
	}
	sess.PushSystem("deleted role " + name)
	return nil
}

// cmdTopic 更新频道主题；写库后经广播镜像回本地，无需重新拉取。
func (d *Dispatcher) cmdTopic(ctx context.Context, sess *session.Session, args []string) error {
	topic := strings.Join(args, " ")
	channelID, _ := sess.Current()
	if err := d.store.UpdateTopic(ctx, channelID, topic); err != nil {
		return err
	}
	sess.PushSystem("topic updated")
	return nil
}

func (d *Dispatcher) cmdMotd(ctx context.Context, sess *session.Session, args []string) error {
	motd := strings.Join(args, " ")
	channelID, _ := sess.Current()
	if err := d.store.UpdateMotd(ctx, channelID, motd); err != nil {
		return err
	}
	sess.PushSystem("message of the day updated")
	return nil
}

// cmdDelete 只做第一阶段：挂起待确认状态，等请求者的下一条 y/n。
func (d *Dispatcher) cmdDelete(ctx context.Context, sess *session.Session, args []string) error {
	_, name := sess.Current()
	sess.ArmDelete()
	sess.PushSystem("really delete " + name + " and all its messages? reply y or n")
	return nil
}
