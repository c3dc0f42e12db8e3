package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"termchat/internal/auth"
	"termchat/internal/command"
	"termchat/internal/config"
	"termchat/internal/directory"
	"termchat/internal/realtime"
	"termchat/internal/session"
	"termchat/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Inbound 是浏览器经 websocket 发来的一帧。
type Inbound struct {
	Type          string `json:"type"` // directory, switch, message, suggest, subscribe, unsubscribe
	ChannelID     uint   `json:"channel_id"`
	Channel       string `json:"channel"` // 地址片段携带的频道名
	Content       string `json:"content"`
	UpdateAddress bool   `json:"update_address"`
}

// ServeWS 建立 websocket 连接并为其创建一个会话：
// 可带 token（完整身份）也可匿名旁观。
func ServeWS(cfg config.Config, db *gorm.DB, st *store.Store, hub *realtime.Hub, dirSvc *directory.Service, disp *command.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		// token 走 Authorization 头或 query 参数，匿名则成为旁观会话
		authz := c.GetHeader("Authorization")
		token := c.Query("token")
		if token == "" && len(authz) > 7 && (authz[:7] == "Bearer " || authz[:7] == "bearer ") {
			token = authz[7:]
		}
		var identity *session.Identity
		if token != "" {
			user, err := auth.UserFromToken(db, cfg.JWTSecret, token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			identity = &session.Identity{
				UserID:        user.ID,
				Username:      user.Username,
				SiteModerator: user.IsSiteModerator,
				SiteAdmin:     user.IsSiteAdmin,
				SiteOwner:     user.IsSiteOwner,
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		sess := session.New(st, dirSvc, hub, identity)
		sess.SetHistoryLimit(cfg.HistoryPageSize)
		client := &wsClient{
			conn: conn,
			sess: sess,
			disp: disp,
			st:   st,
			// 每连接的发送限速，独立于 HTTP 层的滑动窗口
			lim: rate.NewLimiter(rate.Every(time.Second/5), 10),
		}
		go client.writePump()
		client.readPump()
	}
}

type wsClient struct {
	conn *websocket.Conn
	sess *session.Session
	disp *command.Dispatcher
	st   *store.Store
	lim  *rate.Limiter
}

func (c *wsClient) readPump() {
	defer func() {
		c.sess.Close()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		c.handle(in)
	}
}

func (c *wsClient) handle(in Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch in.Type {
	case "directory":
		if err := c.sess.LoadDirectory(ctx); err != nil {
			log.Error().Err(err).Msg("load directory")
			c.sess.PushSystem("failed to load channel directory")
		}
	case "switch":
		channelID := in.ChannelID
		// 地址片段只携带频道名，先解析回 id
		if channelID == 0 && in.Channel != "" {
			ch, err := c.st.ChannelByName(ctx, in.Channel)
			if err != nil {
				c.sess.PushSystem("no such channel: " + in.Channel)
				return
			}
			channelID = ch.ID
		}
		if err := c.sess.SwitchChannel(ctx, channelID, in.UpdateAddress); err != nil {
			if errors.Is(err, session.ErrAccessDenied) {
				c.sess.PushSystem("access denied")
				return
			}
			c.sess.PushSystem("failed to join channel, try again")
		}
	case "message":
		if !c.lim.Allow() {
			c.sess.PushSystem("slow down")
			return
		}
		if c.disp.Handle(ctx, c.sess, in.Content) {
			return
		}
		if err := c.sess.SendMessage(ctx, in.Content); err != nil {
			switch {
			case errors.Is(err, session.ErrSiteBanned):
				c.sess.PushSystem("you are banned site-wide and cannot send messages")
			case errors.Is(err, session.ErrBanned):
				c.sess.PushSystem("you are banned from this channel and cannot send messages")
			case errors.Is(err, session.ErrNotAuthenticated):
				c.sess.PushSystem("log in to send messages")
			default:
				c.sess.PushSystem("failed to send message")
			}
		}
	case "suggest":
		var global []string
		if _, name := c.sess.Current(); name == directory.AdminChannel {
			if names, err := c.st.Usernames(ctx, 200); err == nil {
				global = names
			}
		}
		sugg := command.Suggest(c.sess, in.Content, global)
		c.sess.Push(session.Frame{Type: session.FrameSuggest, Suggestions: sugg})
	case "subscribe", "unsubscribe":
		id := c.sess.Identity()
		if id == nil {
			c.sess.PushSystem("log in to subscribe to channels")
			return
		}
		var err error
		if in.Type == "subscribe" {
			err = c.st.SetSubscribed(ctx, in.ChannelID, id.UserID, id.Username, true)
		} else {
			err = c.st.SetSubscribed(ctx, in.ChannelID, id.UserID, id.Username, false)
		}
		if err != nil {
			log.Error().Err(err).Uint("channel_id", in.ChannelID).Msg("toggle subscription")
			c.sess.PushSystem("failed to update subscription")
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case f, ok := <-c.sess.Out():
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			b, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
