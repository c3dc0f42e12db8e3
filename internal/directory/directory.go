package directory

import (
	"context"
	"sort"

	"termchat/internal/models"

	"golang.org/x/sync/errgroup"
)

// UniversalChannels 是始终置顶展示的固定频道名单，PinnedChannel 排第一。
var UniversalChannels = []string{"main", "help", "random", "dev", "off-topic"}

const (
	PinnedChannel = "main"
	// AdminChannel 是保留的管理频道名，仅站点管理人员可见可进。
	AdminChannel = "administration"

	universalCategory     = "universal"
	adminCategory         = "administration"
	uncategorizedCategory = "uncategorized"
)

// Store 是目录同步器对数据层的全部依赖。
type Store interface {
	Categories(ctx context.Context) ([]models.Category, error)
	CategorizedChannels(ctx context.Context) ([]models.Channel, error)
	UncategorizedChannels(ctx context.Context, exclude []string) ([]models.Channel, error)
	ChannelsByName(ctx context.Context, names []string) ([]models.Channel, error)
	UnreadCounts(ctx context.Context, userID uint) (map[uint]int, error)
	UnreadMentionCounts(ctx context.Context, userID uint) (map[uint]int, error)
	SubscribedChannelIDs(ctx context.Context, userID uint) ([]uint, error)
	SetSubscribed(ctx context.Context, channelID, userID uint, username string, subscribed bool) error
}

// ChannelView 是目录里单个频道的视图，带未读注记。
type ChannelView struct {
	ID             uint   `json:"id"`
	Name           string `json:"name"`
	Topic          string `json:"topic"`
	Unread         int    `json:"unread"`
	UnreadMentions int    `json:"unread_mentions"`
	Subscribed     bool   `json:"subscribed"`
}

// CategoryView 是目录里的一个分组，伪分类与真实分类同构。
type CategoryView struct {
	Name     string        `json:"name"`
	Channels []ChannelView `json:"channels"`
}

// Service 负责拼装有序的频道目录。
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Load 并行拉取目录所需的全部数据并拼装视图。
// 任何一路失败整个加载作废，不展示不完整的伪分类排序。
// userID 为 0 表示匿名访问：未读与订阅注记全部为零值。
func (s *Service) Load(ctx context.Context, userID uint, privileged bool) ([]CategoryView, error) {
	var (
		categories    []models.Category
		categorized   []models.Channel
		uncategorized []models.Channel
		universal     []models.Channel
		unread        map[uint]int
		mentions      map[uint]int
		subscribed    []uint
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		categories, err = s.store.Categories(gctx)
		return err
	})
	g.Go(func() (err error) {
		categorized, err = s.store.CategorizedChannels(gctx)
		return err
	})
	g.Go(func() (err error) {
		exclude := append([]string{}, UniversalChannels...)
		if !privileged {
			exclude = append(exclude, AdminChannel)
		}
		uncategorized, err = s.store.UncategorizedChannels(gctx, exclude)
		return err
	})
	g.Go(func() (err error) {
		universal, err = s.store.ChannelsByName(gctx, UniversalChannels)
		return err
	})
	if userID != 0 {
		g.Go(func() (err error) {
			unread, err = s.store.UnreadCounts(gctx, userID)
			return err
		})
		g.Go(func() (err error) {
			mentions, err = s.store.UnreadMentionCounts(gctx, userID)
			return err
		})
		g.Go(func() (err error) {
			subscribed, err = s.store.SubscribedChannelIDs(gctx, userID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	subs := make(map[uint]struct{}, len(subscribed))
	for _, id := range subscribed {
		subs[id] = struct{}{}
	}
	view := func(ch models.Channel) ChannelView {
		_, isSub := subs[ch.ID]
		return ChannelView{
			ID:             ch.ID,
			Name:           ch.Name,
			Topic:          ch.Topic,
			Unread:         unread[ch.ID],
			UnreadMentions: mentions[ch.ID],
			Subscribed:     isSub,
		}
	}

	out := make([]CategoryView, 0, len(categories)+3)

	// universal 永远第一，固定频道置顶、其余按名字排。
	sortUniversal(universal)
	uni := CategoryView{Name: universalCategory, Channels: make([]ChannelView, 0, len(universal))}
	for _, ch := range universal {
		uni.Channels = append(uni.Channels, view(ch))
	}
	out = append(out, uni)

	// administration 伪分类只对站点管理人员可见。
	if privileged {
		if admins, err := s.store.ChannelsByName(ctx, []string{AdminChannel}); err == nil && len(admins) > 0 {
			cat := CategoryView{Name: adminCategory, Channels: []ChannelView{view(admins[0])}}
			out = append(out, cat)
		} else if err != nil {
			return nil, err
		}
	}

	// 命名分类按名字排序，各自的频道也按名字排序。
	byCategory := make(map[uint][]models.Channel, len(categories))
	for _, ch := range categorized {
		if ch.CategoryID == nil {
			continue
		}
		byCategory[*ch.CategoryID] = append(byCategory[*ch.CategoryID], ch)
	}
	for _, cat := range categories {
		chans := byCategory[cat.ID]
		sort.Slice(chans, func(i, j int) bool { return chans[i].Name < chans[j].Name })
		cv := CategoryView{Name: cat.Name, Channels: make([]ChannelView, 0, len(chans))}
		for _, ch := range chans {
			cv.Channels = append(cv.Channels, view(ch))
		}
		out = append(out, cv)
	}

	// 无分类频道收尾。
	sort.Slice(uncategorized, func(i, j int) bool { return uncategorized[i].Name < uncategorized[j].Name })
	misc := CategoryView{Name: uncategorizedCategory, Channels: make([]ChannelView, 0, len(uncategorized))}
	for _, ch := range uncategorized {
		misc.Channels = append(misc.Channels, view(ch))
	}
	out = append(out, misc)

	return out, nil
}

func sortUniversal(chans []models.Channel) {
	sort.Slice(chans, func(i, j int) bool {
		if chans[i].Name == PinnedChannel {
			return true
		}
		if chans[j].Name == PinnedChannel {
			return false
		}
		return chans[i].Name < chans[j].Name
	})
}

// Subscribe 打订阅标记，幂等。
func (s *Service) Subscribe(ctx context.Context, channelID, userID uint, username string) error {
	return s.store.SetSubscribed(ctx, channelID, userID, username, true)
}

// Unsubscribe 清订阅标记，幂等。
func (s *Service) Unsubscribe(ctx context.Context, channelID, userID uint, username string) error {
	return s.store.SetSubscribed(ctx, channelID, userID, username, false)
}

// FindChannel 在已加载的目录里按 id 找频道名，找不到返回空串。
func FindChannel(dir []CategoryView, channelID uint) string {
	for _, cat := range dir {
		for _, ch := range cat.Channels {
			if ch.ID == channelID {
				return ch.Name
			}
		}
	}
	return ""
}
