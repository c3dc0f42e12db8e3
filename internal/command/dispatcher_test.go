package command

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"termchat/internal/directory"
	"termchat/internal/models"
	"termchat/internal/realtime"
	"termchat/internal/roles"
	"termchat/internal/session"
	"termchat/internal/store"

	"github.com/stretchr/testify/require"
)

// sessionBackend 为测试会话提供内存数据，legacy 角色按频道/用户可配。
type sessionBackend struct {
	mu      sync.Mutex
	members map[uint][]store.Member
	roles   map[uint][]models.Role
}

func newSessionBackend() *sessionBackend {
	return &sessionBackend{
		members: map[uint][]store.Member{
			1: {
				{ChannelMember: models.ChannelMember{ChannelID: 1, UserID: 42, Username: "alice", LegacyRole: "member"}},
				{ChannelMember: models.ChannelMember{ChannelID: 1, UserID: 9, Username: "bob", LegacyRole: "member"}},
			},
			6: {
				{ChannelMember: models.ChannelMember{ChannelID: 6, UserID: 42, Username: "alice", LegacyRole: "member"}},
			},
		},
		roles: map[uint][]models.Role{
			1: {
				{ID: 1, ChannelID: 1, Name: "Owner", Color: "red", IsSystem: true},
				{ID: 2, ChannelID: 1, Name: "Moderator", Color: "yellow", IsSystem: true},
				{ID: 3, ChannelID: 1, Name: "Member", Color: "gray", IsSystem: true},
				{ID: 4, ChannelID: 1, Name: "vip", Color: "teal"},
			},
		},
	}
}

func (b *sessionBackend) setRole(channelID, userID uint, legacy string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.members[channelID] {
		if m.UserID == userID {
			b.members[channelID][i].LegacyRole = legacy
		}
	}
}

var backendChannels = map[uint]*models.Channel{
	1: {ID: 1, Name: "main"},
	6: {ID: 6, Name: "administration"},
}

func (b *sessionBackend) ChannelByID(ctx context.Context, id uint) (*models.Channel, error) {
	ch, ok := backendChannels[id]
	if !ok {
		return nil, store.ErrChannelNotFound
	}
	cp := *ch
	return &cp, nil
}

func (b *sessionBackend) History(ctx context.Context, channelID uint, limit int) ([]models.Message, error) {
	return nil, nil
}

func (b *sessionBackend) UpsertMembership(ctx context.Context, channelID, userID uint, username string) (*models.ChannelMember, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.members[channelID] {
		if m.UserID == userID {
			cp := m.ChannelMember
			return &cp, nil
		}
	}
	m := models.ChannelMember{ChannelID: channelID, UserID: userID, Username: username, LegacyRole: "member"}
	b.members[channelID] = append(b.members[channelID], store.Member{ChannelMember: m})
	return &m, nil
}

func (b *sessionBackend) TouchLastSeen(ctx context.Context, channelID, userID uint) error { return nil }

func (b *sessionBackend) Members(ctx context.Context, channelID uint) ([]store.Member, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.Member(nil), b.members[channelID]...), nil
}

func (b *sessionBackend) RolesByChannel(ctx context.Context, channelID uint) ([]models.Role, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roles[channelID], nil
}

func (b *sessionBackend) MarkMentionsRead(ctx context.Context, channelID, userID uint) error {
	return nil
}

func (b *sessionBackend) IsBanned(ctx context.Context, channelID, userID uint) (bool, error) {
	return false, nil
}

func (b *sessionBackend) IsSiteBanned(ctx context.Context, userID uint) (bool, error) {
	return false, nil
}

func (b *sessionBackend) InsertMessage(ctx context.Context, channelID, userID uint, username, content string) (*models.Message, error) {
	return &models.Message{ID: 1, ChannelID: channelID, UserID: userID, Username: username, Content: content}, nil
}

func (b *sessionBackend) Categories(ctx context.Context) ([]models.Category, error) { return nil, nil }

func (b *sessionBackend) CategorizedChannels(ctx context.Context) ([]models.Channel, error) {
	return nil, nil
}

func (b *sessionBackend) UncategorizedChannels(ctx context.Context, exclude []string) ([]models.Channel, error) {
	return nil, nil
}

func (b *sessionBackend) ChannelsByName(ctx context.Context, names []string) ([]models.Channel, error) {
	var out []models.Channel
	for _, name := range names {
		for _, ch := range backendChannels {
			if ch.Name == name {
				out = append(out, *ch)
			}
		}
	}
	return out, nil
}

func (b *sessionBackend) UnreadCounts(ctx context.Context, userID uint) (map[uint]int, error) {
	return nil, nil
}

func (b *sessionBackend) UnreadMentionCounts(ctx context.Context, userID uint) (map[uint]int, error) {
	return nil, nil
}

func (b *sessionBackend) SubscribedChannelIDs(ctx context.Context, userID uint) ([]uint, error) {
	return nil, nil
}

func (b *sessionBackend) SetSubscribed(ctx context.Context, channelID, userID uint, username string, subscribed bool) error {
	return nil
}

// fakeCmdStore 记录命令触发的数据层调用。
type fakeCmdStore struct {
	mu    sync.Mutex
	users map[string]*models.User

	bans           []uint
	unbans         []uint
	legacyRoles    map[uint]string
	assignedRole   *uint
	assignedLegacy string
	createdRoles   []string
	deletedRoles   []string
	topics         []string
	motds          []string
	deletedChans   []uint
	siteBans       []uint
	siteUnbans     []uint
	privileges     map[string]bool // column -> value (last call)
	auditActions   []string

	roleByNameErr error
	createRoleErr error
}

func newFakeCmdStore() *fakeCmdStore {
	return &fakeCmdStore{
		users: map[string]*models.User{
			"bob":   {ID: 9, Username: "bob"},
			"alice": {ID: 42, Username: "alice"},
		},
		legacyRoles: map[uint]string{},
		privileges:  map[string]bool{},
	}
}

func (f *fakeCmdStore) UserByName(ctx context.Context, username string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeCmdStore) MemberOf(ctx context.Context, channelID, userID uint) (*store.Member, error) {
	return nil, store.ErrMemberNotFound
}

func (f *fakeCmdStore) BanUser(ctx context.Context, channelID, userID, bannedBy uint, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans = append(f.bans, userID)
	return nil
}

func (f *fakeCmdStore) UnbanUser(ctx context.Context, channelID, userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbans = append(f.unbans, userID)
	return nil
}

func (f *fakeCmdStore) SetLegacyRole(ctx context.Context, channelID, userID uint, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.legacyRoles[userID] = role
	return nil
}

func (f *fakeCmdStore) AssignRole(ctx context.Context, channelID, userID uint, roleID *uint, legacy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignedRole = roleID
	f.assignedLegacy = legacy
	return nil
}

func (f *fakeCmdStore) RoleByName(ctx context.Context, channelID uint, name string) (*models.Role, error) {
	if f.roleByNameErr != nil {
		return nil, f.roleByNameErr
	}
	if name == "vip" {
		return &models.Role{ID: 4, ChannelID: channelID, Name: "vip", Color: "teal"}, nil
	}
	return nil, store.ErrRoleNotFound
}

func (f *fakeCmdStore) CreateRole(ctx context.Context, channelID uint, name, color string, perms roles.Permissions) (*models.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createRoleErr != nil {
		return nil, f.createRoleErr
	}
	f.createdRoles = append(f.createdRoles, name)
	return &models.Role{ChannelID: channelID, Name: name, Color: color}, nil
}

func (f *fakeCmdStore) DeleteRole(ctx context.Context, channelID uint, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedRoles = append(f.deletedRoles, name)
	return nil
}

func (f *fakeCmdStore) UpdateTopic(ctx context.Context, channelID uint, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeCmdStore) UpdateMotd(ctx context.Context, channelID uint, motd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.motds = append(f.motds, motd)
	return nil
}

func (f *fakeCmdStore) DeleteChannelCascade(ctx context.Context, channelID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedChans = append(f.deletedChans, channelID)
	return nil
}

func (f *fakeCmdStore) SiteBanUser(ctx context.Context, userID, bannedBy uint, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.siteBans = append(f.siteBans, userID)
	return nil
}

func (f *fakeCmdStore) SiteUnbanUser(ctx context.Context, userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.siteUnbans = append(f.siteUnbans, userID)
	return nil
}

func (f *fakeCmdStore) SetSitePrivilege(ctx context.Context, userID uint, column string, value bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.privileges[column] = value
	return nil
}

func (f *fakeCmdStore) Stats(ctx context.Context) (*store.SiteStats, error) {
	return &store.SiteStats{Users: 2, Channels: 2}, nil
}

func (f *fakeCmdStore) OpenReports(ctx context.Context, limit int) ([]models.AdminReport, error) {
	return nil, nil
}

func (f *fakeCmdStore) LogAdminAction(ctx context.Context, actorID uint, action string, targetID uint, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditActions = append(f.auditActions, action)
	return nil
}

// joinedSession 构造一个已加入目标频道的会话，alice 的频道角色可配。
func joinedSession(t *testing.T, backend *sessionBackend, identity *session.Identity, channelID uint) *session.Session {
	t.Helper()
	sess := session.New(backend, directory.NewService(backend), realtime.NewHub(), identity)
	t.Cleanup(sess.Close)
	ctx := context.Background()
	require.NoError(t, sess.LoadDirectory(ctx))
	require.NoError(t, sess.SwitchChannel(ctx, channelID, false))
	return sess
}

func aliceIdentity() *session.Identity {
	return &session.Identity{UserID: 42, Username: "alice"}
}

func drainSystem(sess *session.Session) []string {
	var out []string
	for {
		select {
		case f := <-sess.Out():
			if f.Type == session.FrameSystem {
				out = append(out, f.Text)
			}
		default:
			return out
		}
	}
}

func requireSystemContains(t *testing.T, sess *session.Session, substr string) {
	t.Helper()
	for _, text := range drainSystem(sess) {
		if strings.Contains(text, substr) {
			return
		}
	}
	t.Fatalf("no system message containing %q", substr)
}

func TestHandle_PlainMessagePassesThrough(t *testing.T) {
	backend := newSessionBackend()
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	d := NewDispatcher(newFakeCmdStore())

	require.False(t, d.Handle(context.Background(), sess, "hello there"))
}

// /help 在运行期遍历 catalogue 自身，依赖 init 完成的赋值。
func TestHandle_HelpListsAllowedCommands(t *testing.T) {
	backend := newSessionBackend()
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	d := NewDispatcher(newFakeCmdStore())

	require.True(t, d.Handle(context.Background(), sess, "/help"))
	var help string
	for _, m := range drainSystem(sess) {
		if strings.HasPrefix(m, "available commands:") {
			help = m
		}
	}
	require.Contains(t, help, "/help")
	require.Contains(t, help, "/info")
	// 普通成员在普通频道看不到管理命令。
	require.NotContains(t, help, "/siteban")
	require.NotContains(t, help, "/ban")
}

func TestHandle_UnknownCommand(t *testing.T) {
	backend := newSessionBackend()
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	d := NewDispatcher(newFakeCmdStore())

	require.True(t, d.Handle(context.Background(), sess, "/frobnicate now"))
	requireSystemContains(t, sess, "unknown command: /frobnicate")
}

func TestHandle_GateDeniesMember(t *testing.T) {
	backend := newSessionBackend()
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	st := newFakeCmdStore()
	d := NewDispatcher(st)

	require.True(t, d.Handle(context.Background(), sess, "/ban bob spam"))
	require.Empty(t, st.bans)
	requireSystemContains(t, sess, "permission")
}

func TestHandle_BanAsOwner(t *testing.T) {
	backend := newSessionBackend()
	backend.setRole(1, 42, "owner")
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	st := newFakeCmdStore()
	d := NewDispatcher(st)

	require.True(t, d.Handle(context.Background(), sess, "/ban bob spamming links"))
	require.Equal(t, []uint{9}, st.bans)
	requireSystemContains(t, sess, "banned bob")
}

func TestHandle_CommandNameCaseInsensitive(t *testing.T) {
	backend := newSessionBackend()
	backend.setRole(1, 42, "owner")
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	st := newFakeCmdStore()
	d := NewDispatcher(st)

	require.True(t, d.Handle(context.Background(), sess, "/BAN bob"))
	require.Equal(t, []uint{9}, st.bans)
}

func TestHandle_UsageOnMissingArgs(t *testing.T) {
	backend := newSessionBackend()
	backend.setRole(1, 42, "owner")
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	st := newFakeCmdStore()
	d := NewDispatcher(st)

	require.True(t, d.Handle(context.Background(), sess, "/ban"))
	require.Empty(t, st.bans)
	requireSystemContains(t, sess, "usage: /ban")
}

func TestHandle_ModUnmod(t *testing.T) {
	backend := newSessionBackend()
	backend.setRole(1, 42, "owner")
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	st := newFakeCmdStore()
	d := NewDispatcher(st)

	ctx := context.Background()
	require.True(t, d.Handle(ctx, sess, "/mod bob"))
	require.Equal(t, "moderator", st.legacyRoles[9])
	require.True(t, d.Handle(ctx, sess, "/unmod @bob"))
	require.Equal(t, "member", st.legacyRoles[9])
}

func TestHandle_SetRoleReserved(t *testing.T) {
	backend := newSessionBackend()
	backend.setRole(1, 42, "owner")
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	st := newFakeCmdStore()
	d := NewDispatcher(st)

	require.True(t, d.Handle(context.Background(), sess, "/setrole bob Moderator"))
	require.Nil(t, st.assignedRole)
	require.Equal(t, "moderator", st.assignedLegacy)
}

func TestHandle_SetRoleCustom(t *testing.T) {
	backend := newSessionBackend()
	backend.setRole(1, 42, "owner")
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	st := newFakeCmdStore()
	d := NewDispatcher(st)

	require.True(t, d.Handle(context.Background(), sess, "/setrole bob vip"))
	require.NotNil(t, st.assignedRole)
	require.Equal(t, uint(4), *st.assignedRole)
}

func TestHandle_SetRoleUnknown(t *testing.T) {
	backend := newSessionBackend()
	backend.setRole(1, 42, "owner")
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	st := newFakeCmdStore()
	st.roleByNameErr = errors.New("nope")
	d := NewDispatcher(st)

	require.True(t, d.Handle(context.Background(), sess, "/setrole bob ghost"))
	require.Nil(t, st.assignedRole)
	requireSystemContains(t, sess, "unknown role: ghost")
}

func TestHandle_CreateRoleValidation(t *testing.T) {
	backend := newSessionBackend()
	backend.setRole(1, 42, "owner")
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	st := newFakeCmdStore()
	d := NewDispatcher(st)

	ctx := context.Background()
	require.True(t, d.Handle(ctx, sess, "/createrole Owner"))
	requireSystemContains(t, sess, "reserved")
	require.True(t, d.Handle(ctx, sess, "/createrole vip mauve"))
	requireSystemContains(t, sess, "unknown color")
	require.Empty(t, st.createdRoles)

	require.True(t, d.Handle(ctx, sess, "/createrole vip teal"))
	require.Equal(t, []string{"vip"}, st.createdRoles)

	// 同名二次创建由数据层拒绝，只回报系统消息。
	st.createRoleErr = store.ErrDuplicateRole
	require.True(t, d.Handle(ctx, sess, "/createrole vip blue"))
	requireSystemContains(t, sess, "already in use")
	require.Equal(t, []string{"vip"}, st.createdRoles)

	st.createRoleErr = store.ErrDuplicateColor
	require.True(t, d.Handle(ctx, sess, "/createrole helper teal"))
	requireSystemContains(t, sess, "already in use")
	require.Equal(t, []string{"vip"}, st.createdRoles)
}

func TestTwoPhaseDelete_Confirm(t *testing.T) {
	backend := newSessionBackend()
	backend.setRole(1, 42, "owner")
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	st := newFakeCmdStore()
	d := NewDispatcher(st)

	ctx := context.Background()
	require.True(t, d.Handle(ctx, sess, "/delete"))
	require.NotNil(t, sess.PendingDeleteState())
	require.Empty(t, st.deletedChans)

	require.True(t, d.Handle(ctx, sess, "y"))
	require.Equal(t, []uint{1}, st.deletedChans)
	require.Nil(t, sess.PendingDeleteState())
}

func TestTwoPhaseDelete_Cancel(t *testing.T) {
	backend := newSessionBackend()
	backend.setRole(1, 42, "owner")
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	st := newFakeCmdStore()
	d := NewDispatcher(st)

	ctx := context.Background()
	require.True(t, d.Handle(ctx, sess, "/delete"))
	require.True(t, d.Handle(ctx, sess, "N"))
	require.Empty(t, st.deletedChans)
	require.Nil(t, sess.PendingDeleteState())
}

func TestTwoPhaseDelete_OtherInputDiscardsPending(t *testing.T) {
	backend := newSessionBackend()
	backend.setRole(1, 42, "owner")
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	st := newFakeCmdStore()
	d := NewDispatcher(st)

	ctx := context.Background()
	require.True(t, d.Handle(ctx, sess, "/delete"))
	// 请求者的任何其他输入静默作废待确认，并照常当消息发送。
	require.False(t, d.Handle(ctx, sess, "actually never mind"))
	require.Empty(t, st.deletedChans)
	require.Nil(t, sess.PendingDeleteState())

	// 作废之后再输入 y 只是普通消息。
	require.False(t, d.Handle(ctx, sess, "y"))
	require.Empty(t, st.deletedChans)
}

func TestAdminCommands_RequireAdminChannel(t *testing.T) {
	backend := newSessionBackend()
	identity := &session.Identity{UserID: 42, Username: "alice", SiteModerator: true}
	sess := joinedSession(t, backend, identity, 1)
	st := newFakeCmdStore()
	d := NewDispatcher(st)

	// 站点协管在普通频道里也不能用站点命令。
	require.True(t, d.Handle(context.Background(), sess, "/siteban bob"))
	require.Empty(t, st.siteBans)
	requireSystemContains(t, sess, "permission")
}

func TestAdminCommands_SiteBanInAdminChannel(t *testing.T) {
	backend := newSessionBackend()
	identity := &session.Identity{UserID: 42, Username: "alice", SiteModerator: true}
	sess := joinedSession(t, backend, identity, 6)
	st := newFakeCmdStore()
	d := NewDispatcher(st)

	ctx := context.Background()
	require.True(t, d.Handle(ctx, sess, "/siteban bob ban evasion"))
	require.Equal(t, []uint{9}, st.siteBans)
	require.Equal(t, []string{"siteban"}, st.auditActions)

	require.True(t, d.Handle(ctx, sess, "/siteunban bob"))
	require.Equal(t, []uint{9}, st.siteUnbans)
}

func TestAdminCommands_TierLadder(t *testing.T) {
	backend := newSessionBackend()
	st := newFakeCmdStore()
	d := NewDispatcher(st)
	ctx := context.Background()

	// site moderator 不够格提拔 moderator（需要 admin）。
	mod := &session.Identity{UserID: 42, Username: "alice", SiteModerator: true}
	sess := joinedSession(t, backend, mod, 6)
	require.True(t, d.Handle(ctx, sess, "/sitemoderator bob"))
	require.Empty(t, st.privileges)

	// site admin 可以提拔 moderator，但动不了 admin（需要 owner）。
	admin := &session.Identity{UserID: 42, Username: "alice", SiteAdmin: true}
	sess = joinedSession(t, backend, admin, 6)
	require.True(t, d.Handle(ctx, sess, "/sitemoderator bob"))
	require.True(t, st.privileges["is_site_moderator"])
	require.True(t, d.Handle(ctx, sess, "/siteadmin bob"))
	_, touched := st.privileges["is_site_admin"]
	require.False(t, touched)

	// site owner 全部放行。
	owner := &session.Identity{UserID: 42, Username: "alice", SiteOwner: true}
	sess = joinedSession(t, backend, owner, 6)
	require.True(t, d.Handle(ctx, sess, "/siteadmin bob"))
	require.True(t, st.privileges["is_site_admin"])
	require.True(t, d.Handle(ctx, sess, "/demoteadmin bob"))
	require.False(t, st.privileges["is_site_admin"])
}

func TestHandle_TopicAndMotd(t *testing.T) {
	backend := newSessionBackend()
	backend.setRole(1, 42, "moderator")
	sess := joinedSession(t, backend, aliceIdentity(), 1)
	st := newFakeCmdStore()
	d := NewDispatcher(st)

	ctx := context.Background()
	require.True(t, d.Handle(ctx, sess, "/topic all things go"))
	require.Equal(t, []string{"all things go"}, st.topics)

	// motd 只有频道 owner 能改。
	require.True(t, d.Handle(ctx, sess, "/motd welcome"))
	require.Empty(t, st.motds)
	requireSystemContains(t, sess, "permission")
}
