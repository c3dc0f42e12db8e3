package store

import (
	"context"
	"testing"
	"time"

	"termchat/internal/db"
	"termchat/internal/models"
	"termchat/internal/realtime"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func testStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	gdb, err := db.Connect("host=localhost user=postgres password=postgres dbname=termchat port=5432 sslmode=disable TimeZone=UTC")
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	return New(gdb, realtime.NewHub()), gdb
}

func seedUser(t *testing.T, gdb *gorm.DB) models.User {
	t.Helper()
	u := models.User{Username: "u-" + uuid.NewString()[:8], PasswordHash: "x"}
	if err := gdb.Create(&u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	t.Cleanup(func() { gdb.Delete(&models.User{}, u.ID) })
	return u
}

func seedChannel(t *testing.T, gdb *gorm.DB, prefix string) models.Channel {
	t.Helper()
	ch := models.Channel{Name: prefix + "-" + uuid.NewString()[:8], CreatedBy: 1}
	if err := gdb.Create(&ch).Error; err != nil {
		t.Fatalf("create channel: %v", err)
	}
	t.Cleanup(func() {
		gdb.Where("channel_id = ?", ch.ID).Delete(&models.Message{})
		gdb.Where("channel_id = ?", ch.ID).Delete(&models.ChannelMember{})
		gdb.Delete(&models.Channel{}, ch.ID)
	})
	return ch
}

func TestSetSubscribed_NeverASecondRow(t *testing.T) {
	st, gdb := testStore(t)
	ctx := context.Background()

	ch := seedChannel(t, gdb, "sub")
	u := seedUser(t, gdb)

	// 订阅、退订、再订阅，始终只能有一行成员记录。
	for _, subscribed := range []bool{true, false, true} {
		if err := st.SetSubscribed(ctx, ch.ID, u.ID, u.Username, subscribed); err != nil {
			t.Fatalf("SetSubscribed(%v): %v", subscribed, err)
		}
	}

	var count int64
	if err := gdb.Model(&models.ChannelMember{}).
		Where("channel_id = ? AND user_id = ?", ch.ID, u.ID).Count(&count).Error; err != nil {
		t.Fatalf("count memberships: %v", err)
	}
	if count != 1 {
		t.Fatalf("membership rows = %d, want 1", count)
	}

	ids, err := st.SubscribedChannelIDs(ctx, u.ID)
	if err != nil {
		t.Fatalf("SubscribedChannelIDs: %v", err)
	}
	found := false
	for _, id := range ids {
		if id == ch.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("SubscribedChannelIDs = %v, want to contain %d", ids, ch.ID)
	}

	// 退订只是翻转标记，行保留。
	if err := st.SetSubscribed(ctx, ch.ID, u.ID, u.Username, false); err != nil {
		t.Fatalf("SetSubscribed(false): %v", err)
	}
	var m models.ChannelMember
	if err := gdb.Where("channel_id = ? AND user_id = ?", ch.ID, u.ID).First(&m).Error; err != nil {
		t.Fatalf("load membership: %v", err)
	}
	if m.Subscribed {
		t.Errorf("Subscribed = true after unsubscribe, want false")
	}
}

func TestUnreadCounts_LastSeenWatermark(t *testing.T) {
	st, gdb := testStore(t)
	ctx := context.Background()

	ch := seedChannel(t, gdb, "unread")
	reader := seedUser(t, gdb)
	author := seedUser(t, gdb)

	lastSeen := time.Now().Add(-time.Hour)
	member := models.ChannelMember{
		ChannelID:  ch.ID,
		UserID:     reader.ID,
		Username:   reader.Username,
		LegacyRole: "member",
		LastSeenAt: lastSeen,
	}
	if err := gdb.Create(&member).Error; err != nil {
		t.Fatalf("create membership: %v", err)
	}

	// 水位之前一条、之后两条他人消息、之后一条本人消息：应计 2。
	msgs := []models.Message{
		{ChannelID: ch.ID, UserID: author.ID, Username: author.Username, Content: "old", Type: "message", CreatedAt: lastSeen.Add(-time.Minute)},
		{ChannelID: ch.ID, UserID: author.ID, Username: author.Username, Content: "new-1", Type: "message", CreatedAt: lastSeen.Add(time.Minute)},
		{ChannelID: ch.ID, UserID: author.ID, Username: author.Username, Content: "new-2", Type: "message", CreatedAt: lastSeen.Add(2 * time.Minute)},
		{ChannelID: ch.ID, UserID: reader.ID, Username: reader.Username, Content: "mine", Type: "message", CreatedAt: lastSeen.Add(3 * time.Minute)},
	}
	for i := range msgs {
		if err := gdb.Create(&msgs[i]).Error; err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	counts, err := st.UnreadCounts(ctx, reader.ID)
	if err != nil {
		t.Fatalf("UnreadCounts: %v", err)
	}
	if counts[ch.ID] != 2 {
		t.Errorf("UnreadCounts[%d] = %d, want 2", ch.ID, counts[ch.ID])
	}
}
