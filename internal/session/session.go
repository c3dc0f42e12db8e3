package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"termchat/internal/directory"
	"termchat/internal/models"
	"termchat/internal/realtime"
	"termchat/internal/roles"
	"termchat/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// State 是单次频道切换的会话状态。
type State int

const (
	Idle State = iota
	Joining
	Joined
	Failed
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

var (
	ErrAccessDenied     = errors.New("access denied")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrBanned           = errors.New("banned from channel")
	ErrSiteBanned       = errors.New("site banned")
)

// Identity 是会话绑定的登录身份，匿名旁观时为 nil。
type Identity struct {
	UserID        uint
	Username      string
	SiteModerator bool
	SiteAdmin     bool
	SiteOwner     bool
}

// Privileged 判断是否达到站点管理员档位（moderator 及以上）。
func (id *Identity) Privileged() bool {
	return id != nil && (id.SiteModerator || id.SiteAdmin || id.SiteOwner)
}

// Store 是会话状态机对数据层的全部依赖，测试时以内存假件替换。
type Store interface {
	ChannelByID(ctx context.Context, id uint) (*models.Channel, error)
	History(ctx context.Context, channelID uint, limit int) ([]models.Message, error)
	UpsertMembership(ctx context.Context, channelID, userID uint, username string) (*models.ChannelMember, error)
	TouchLastSeen(ctx context.Context, channelID, userID uint) error
	Members(ctx context.Context, channelID uint) ([]store.Member, error)
	RolesByChannel(ctx context.Context, channelID uint) ([]models.Role, error)
	MarkMentionsRead(ctx context.Context, channelID, userID uint) error
	IsBanned(ctx context.Context, channelID, userID uint) (bool, error)
	IsSiteBanned(ctx context.Context, userID uint) (bool, error)
	InsertMessage(ctx context.Context, channelID, userID uint, username, content string) (*models.Message, error)
}

// MemberView 是成员列表的展示行。
type MemberView struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	RoleName string `json:"role"`
	Color    string `json:"color"`
}

// PresenceUser 是去重后的在场用户，角色来自最近一次成员加载。
type PresenceUser struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	RoleName string `json:"role"`
	Color    string `json:"color"`
}

// PendingDelete 是两阶段频道删除的待确认状态。
type PendingDelete struct {
	ChannelID   uint
	RequestedBy uint
	ArmedAt     time.Time
}

// Session 持有一个连接的全部频道会话状态：登录后创建，退出时整体销毁，
// 不依赖任何包级可变量。
type Session struct {
	ID string

	store        Store
	dirSvc       *directory.Service
	hub          *realtime.Hub
	identity     *Identity
	historyLimit int

	out chan Frame

	mu           sync.Mutex
	state        State
	currentID    uint
	currentName  string
	address      string
	channelTopic string
	motd         string

	sub   *realtime.Subscriber
	topic *realtime.Topic

	messages []realtime.MessagePayload
	seenIDs  map[uint]struct{}
	members  []store.Member
	roleRows []models.Role
	presence []PresenceUser

	effective  roles.Effective
	banned     bool
	siteBanned bool

	pendingDelete *PendingDelete

	dir []directory.CategoryView
}

// New 创建会话。identity 为 nil 时是匿名旁观会话。
func New(st Store, dirSvc *directory.Service, hub *realtime.Hub, identity *Identity) *Session {
	return &Session{
		ID:           uuid.NewString(),
		store:        st,
		dirSvc:       dirSvc,
		hub:          hub,
		identity:     identity,
		historyLimit: defaultHistoryPageSize,
		out:          make(chan Frame, 256),
		state:        Idle,
		seenIDs:      make(map[uint]struct{}),
		effective:    roles.Resolve("member", nil),
	}
}

// SetHistoryLimit 覆盖切频道时拉取的历史页大小，非正值保持默认。
func (s *Session) SetHistoryLimit(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.historyLimit = n
	s.mu.Unlock()
}

// Out 返回发往 UI 的帧通道。
func (s *Session) Out() <-chan Frame { return s.out }

// Identity 返回会话身份，匿名时为 nil。
func (s *Session) Identity() *Identity { return s.identity }

// State 返回当前会话状态。
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current 返回当前频道 id 与名字。Failed 状态下仍然指向最后一次切换的目标。
func (s *Session) Current() (uint, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID, s.currentName
}

// Address 返回可分享地址片段（频道名而非 id）。
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// Effective 返回当前频道内的生效角色。
func (s *Session) Effective() roles.Effective {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effective
}

// Members 返回最近一次加载的成员列表副本。
func (s *Session) Members() []store.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Member(nil), s.members...)
}

// Roles 返回最近一次加载的角色列表副本。
func (s *Session) Roles() []models.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Role(nil), s.roleRows...)
}

// Presence 返回去重后的在场用户副本。
func (s *Session) Presence() []PresenceUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PresenceUser(nil), s.presence...)
}

// Messages 返回当前缓冲的消息副本。
func (s *Session) Messages() []realtime.MessagePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.MessagePayload(nil), s.messages...)
}

// Banned 返回本地缓存的封禁旗标（频道级, 站点级）。
func (s *Session) Banned() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banned, s.siteBanned
}

// Directory 返回最近一次加载的目录。
func (s *Session) Directory() []directory.CategoryView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// PendingDeleteState 返回当前待确认的删除，拷贝出来避免外部改写。
func (s *Session) PendingDeleteState() *PendingDelete {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingDelete == nil {
		return nil
	}
	cp := *s.pendingDelete
	return &cp
}

// ArmDelete 启动两阶段删除，记录频道、请求者与时间。
func (s *Session) ArmDelete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil || s.currentID == 0 {
		return
	}
	s.pendingDelete = &PendingDelete{
		ChannelID:   s.currentID,
		RequestedBy: s.identity.UserID,
		ArmedAt:     time.Now(),
	}
}

// ClearPendingDelete 丢弃待确认状态。
func (s *Session) ClearPendingDelete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingDelete = nil
}

// LoadDirectory 拉取目录并缓存到会话，随后推给 UI。
func (s *Session) LoadDirectory(ctx context.Context) error {
	var userID uint
	if s.identity != nil {
		userID = s.identity.UserID
	}
	dir, err := s.dirSvc.Load(ctx, userID, s.identity.Privileged())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.dir = dir
	s.mu.Unlock()
	s.push(Frame{Type: FrameDirectory, Directory: dir})
	return nil
}

// SendMessage 发送聊天消息。封禁旗标走本地缓存，不在每次发送前回查数据库。
func (s *Session) SendMessage(ctx context.Context, content string) error {
	if s.identity == nil {
		return ErrNotAuthenticated
	}
	s.mu.Lock()
	channelID := s.currentID
	banned, siteBanned := s.banned, s.siteBanned
	s.mu.Unlock()
	if channelID == 0 {
		return errors.New("no active channel")
	}
	if siteBanned {
		return ErrSiteBanned
	}
	if banned {
		return ErrBanned
	}
	_, err := s.store.InsertMessage(ctx, channelID, s.identity.UserID, s.identity.Username, content)
	return err
}

// PushSystem 在本地物化一条系统消息，不落库也不广播。
func (s *Session) PushSystem(text string) {
	s.push(Frame{Type: FrameSystem, Text: text})
}

// Push 直接向 UI 投递一帧，走与其余帧相同的通道以保证写端单一。
func (s *Session) Push(f Frame) {
	s.push(f)
}

// Close 拆除实时订阅并记录离开水位。
func (s *Session) Close() {
	s.mu.Lock()
	sub, topic := s.sub, s.topic
	channelID := s.currentID
	s.sub, s.topic = nil, nil
	s.mu.Unlock()

	if topic != nil && sub != nil {
		topic.Unsubscribe(sub)
	}
	if s.identity != nil && channelID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.TouchLastSeen(ctx, channelID, s.identity.UserID); err != nil {
			log.Warn().Err(err).Uint("channel_id", channelID).Msg("touch last seen")
		}
	}
}

// push 尽力投递一帧，UI 消费不过来时丢弃而不是阻塞会话。
func (s *Session) push(f Frame) {
	select {
	case s.out <- f:
	default:
	}
}
