package server

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"termchat/internal/auth"
	"termchat/internal/config"
	"termchat/internal/directory"
	"termchat/internal/models"
	"termchat/internal/realtime"
	"termchat/internal/roles"
	"termchat/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Handler 聚合所有 HTTP handler，依赖注入数据层与目录服务。
type Handler struct {
	cfg    config.Config
	db     *gorm.DB
	store  *store.Store
	dirSvc *directory.Service
	hub    *realtime.Hub
}

func NewHandler(cfg config.Config, db *gorm.DB, st *store.Store, dirSvc *directory.Service, hub *realtime.Hub) *Handler {
	return &Handler{cfg: cfg, db: db, store: st, dirSvc: dirSvc, hub: hub}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	var count int64
	if err := h.db.Model(&models.User{}).Where("username = ?", req.Username).Count(&count).Error; err != nil {
		log.Error().Err(err).Str("username", req.Username).Msg("register count")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	if count > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Error().Err(err).Str("username", req.Username).Msg("register hash password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	user := models.User{Username: req.Username, PasswordHash: hash}
	if err := h.db.Create(&user).Error; err != nil {
		log.Error().Err(err).Str("username", req.Username).Msg("register create user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": user.ID, "username": user.Username})
}

// Login 校验用户名密码并签发 token 对。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	var user models.User
	if err := h.db.Where("username = ?", req.Username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login query user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	if !auth.VerifyPassword(user.PasswordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	at, err := auth.GenerateAccessToken(user.ID, h.cfg.JWTSecret, h.cfg.AccessTokenTTLMinutes)
	if err != nil {
		log.Error().Err(err).Uint("user_id", user.ID).Msg("login generate access token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		log.Error().Err(err).Uint("user_id", user.ID).Msg("login generate refresh token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	exp := time.Now().Add(time.Duration(h.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(h.db, user.ID, rt, exp); err != nil {
		log.Error().Err(err).Uint("user_id", user.ID).Msg("login save refresh token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  at,
		"refresh_token": rt,
		"user": gin.H{
			"id":                user.ID,
			"username":          user.Username,
			"is_site_moderator": user.IsSiteModerator,
			"is_site_admin":     user.IsSiteAdmin,
			"is_site_owner":     user.IsSiteOwner,
		},
	})
}

// RefreshToken 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	var (
		accessToken  string
		refreshToken string
	)
	err := h.db.Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, req.RefreshToken)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, req.RefreshToken); err != nil {
			return err
		}
		at, err := auth.GenerateAccessToken(rec.UserID, h.cfg.JWTSecret, h.cfg.AccessTokenTTLMinutes)
		if err != nil {
			return err
		}
		newRT, err := auth.GenerateRefreshToken()
		if err != nil {
			return err
		}
		exp := time.Now().Add(time.Duration(h.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
		if err := auth.SaveRefreshToken(tx, rec.UserID, newRT, exp); err != nil {
			return err
		}
		accessToken = at
		refreshToken = newRT
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": accessToken, "refresh_token": refreshToken})
}

// Directory 返回频道目录。匿名可访问，带 token 时附未读注记与管理分类。
func (h *Handler) Directory(c *gin.Context) {
	var userID uint
	privileged := false
	authz := c.GetHeader("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		if user, err := auth.UserFromToken(h.db, h.cfg.JWTSecret, strings.TrimSpace(authz[7:])); err == nil {
			userID = user.ID
			privileged = user.IsSiteModerator || user.IsSiteAdmin || user.IsSiteOwner
		}
	}
	dir, err := h.dirSvc.Load(c.Request.Context(), userID, privileged)
	if err != nil {
		log.Error().Err(err).Msg("load directory")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load directory"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"directory": dir})
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

// CreateChannel 建频道，名字必须是小写 slug。
func (h *Handler) CreateChannel(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if !slugPattern.MatchString(req.Name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel name"})
		return
	}
	user := auth.GetUser(c)
	ch, err := h.store.CreateChannel(c.Request.Context(), req.Name, user.ID, user.Username)
	if err != nil {
		log.Error().Err(err).Str("name", req.Name).Msg("create channel")
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to create channel"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": ch.ID, "name": ch.Name})
}

// ListChannels 返回频道列表，附带各频道的在线人数。
func (h *Handler) ListChannels(c *gin.Context) {
	chans, err := h.store.AllChannels(c.Request.Context(), 200)
	if err != nil {
		log.Error().Err(err).Msg("list channels")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list channels"})
		return
	}
	type channelDTO struct {
		ID     uint   `json:"id"`
		Name   string `json:"name"`
		Topic  string `json:"topic"`
		Online int    `json:"online"`
	}
	out := make([]channelDTO, 0, len(chans))
	for _, ch := range chans {
		out = append(out, channelDTO{ID: ch.ID, Name: ch.Name, Topic: ch.Topic, Online: h.hub.Online(ch.ID)})
	}
	c.JSON(http.StatusOK, gin.H{"channels": out})
}

// ListMembers 返回频道成员及各自生效角色。
func (h *Handler) ListMembers(c *gin.Context) {
	channelID, err := strconv.Atoi(c.Param("id"))
	if err != nil || channelID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
		return
	}
	members, err := h.store.Members(c.Request.Context(), uint(channelID))
	if err != nil {
		log.Error().Err(err).Int("channel_id", channelID).Msg("list members")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list members"})
		return
	}
	type memberDTO struct {
		UserID   uint   `json:"user_id"`
		Username string `json:"username"`
		Role     string `json:"role"`
		Color    string `json:"color"`
	}
	out := make([]memberDTO, 0, len(members))
	for _, m := range members {
		eff := roles.Resolve(m.LegacyRole, m.Role)
		out = append(out, memberDTO{UserID: m.UserID, Username: m.Username, Role: eff.RoleName, Color: eff.Color})
	}
	c.JSON(http.StatusOK, gin.H{"members": out})
}

// ListMessages 返回频道最近消息，时间升序。
func (h *Handler) ListMessages(c *gin.Context) {
	channelID, err := strconv.Atoi(c.Param("id"))
	if err != nil || channelID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs, err := h.store.History(c.Request.Context(), uint(channelID), limit)
	if err != nil {
		log.Error().Err(err).Int("channel_id", channelID).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ListSubscriptions 返回当前用户订阅的频道。
func (h *Handler) ListSubscriptions(c *gin.Context) {
	userID := auth.GetUserID(c)
	ids, err := h.store.SubscribedChannelIDs(c.Request.Context(), userID)
	if err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("list subscriptions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list subscriptions"})
		return
	}
	chans, err := h.store.ChannelsByID(c.Request.Context(), ids)
	if err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("list subscription channels")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list subscriptions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": chans})
}

// Subscribe / Unsubscribe 翻转订阅标记，幂等。
func (h *Handler) Subscribe(c *gin.Context) {
	h.setSubscription(c, true)
}

func (h *Handler) Unsubscribe(c *gin.Context) {
	h.setSubscription(c, false)
}

func (h *Handler) setSubscription(c *gin.Context, subscribed bool) {
	channelID, err := strconv.Atoi(c.Param("id"))
	if err != nil || channelID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
		return
	}
	user := auth.GetUser(c)
	if err := h.store.SetSubscribed(c.Request.Context(), uint(channelID), user.ID, user.Username, subscribed); err != nil {
		log.Error().Err(err).Int("channel_id", channelID).Msg("set subscription")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": subscribed})
}

// CreateBan 是服务端持权的封禁入口：先校验调用者在频道内的封禁权限，
// 再以服务端权限落库并广播。
func (h *Handler) CreateBan(c *gin.Context) {
	channelID, err := strconv.Atoi(c.Param("id"))
	if err != nil || channelID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
		return
	}
	var req struct {
		UserID uint   `json:"user_id"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	caller := auth.GetUser(c)
	member, err := h.store.MemberOf(c.Request.Context(), uint(channelID), caller.ID)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a channel member"})
		return
	}
	eff := roles.Resolve(member.LegacyRole, member.Role)
	if !eff.Perms.CanBan {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permission"})
		return
	}

	if err := h.store.BanUser(c.Request.Context(), uint(channelID), req.UserID, caller.ID, req.Reason); err != nil {
		log.Error().Err(err).Int("channel_id", channelID).Uint("target", req.UserID).Msg("create ban")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ban user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"banned": req.UserID})
}

// DeleteAccount 校验身份后级联删除账号及其底层身份记录。
func (h *Handler) DeleteAccount(c *gin.Context) {
	userID := auth.GetUserID(c)
	if err := h.store.DeleteAccount(c.Request.Context(), userID); err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("delete account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": userID})
}
