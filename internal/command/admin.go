package command

import (
	"context"
	"fmt"
	"strings"

	"termchat/internal/models"
	"termchat/internal/session"

	"github.com/rs/zerolog/log"
)

// 管理频道内的命令先按用户名查全站用户，再操作站点级状态。

func (d *Dispatcher) lookupUser(ctx context.Context, username string) (*models.User, error) {
	return d.store.UserByName(ctx, strings.TrimPrefix(username, "@"))
}

func (d *Dispatcher) audit(ctx context.Context, sess *session.Session, action string, targetID uint, detail string) {
	if err := d.store.LogAdminAction(ctx, sess.Identity().UserID, action, targetID, detail); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("admin audit log")
	}
}

func (d *Dispatcher) cmdSiteBan(ctx context.Context, sess *session.Session, args []string) error {
	user, err := d.lookupUser(ctx, args[0])
	if err != nil {
		return err
	}
	reason := strings.Join(args[1:], " ")
	if err := d.store.SiteBanUser(ctx, user.ID, sess.Identity().UserID, reason); err != nil {
		return err
	}
	d.audit(ctx, sess, "siteban", user.ID, reason)
	sess.PushSystem(user.Username + " is banned site-wide")
	return nil
}

func (d *Dispatcher) cmdSiteUnban(ctx context.Context, sess *session.Session, args []string) error {
	user, err := d.lookupUser(ctx, args[0])
	if err != nil {
		return err
	}
	if err := d.store.SiteUnbanUser(ctx, user.ID); err != nil {
		return err
	}
	d.audit(ctx, sess, "siteunban", user.ID, "")
	sess.PushSystem(user.Username + " is unbanned site-wide")
	return nil
}

func (d *Dispatcher) cmdLookup(ctx context.Context, sess *session.Session, args []string) error {
	user, err := d.lookupUser(ctx, args[0])
	if err != nil {
		return err
	}
	tier := "user"
	switch {
	case user.IsSiteOwner:
		tier = "site owner"
	case user.IsSiteAdmin:
		tier = "site admin"
	case user.IsSiteModerator:
		tier = "site moderator"
	}
	sess.PushSystem(fmt.Sprintf("#%d %s · %s · joined %s", user.ID, user.Username, tier, user.CreatedAt.Format("2006-01-02")))
	return nil
}

func (d *Dispatcher) cmdStats(ctx context.Context, sess *session.Session, args []string) error {
	st, err := d.store.Stats(ctx)
	if err != nil {
		return err
	}
	sess.PushSystem(fmt.Sprintf("users=%d channels=%d messages=%d sitebans=%d open-reports=%d",
		st.Users, st.Channels, st.Messages, st.SiteBans, st.Reports))
	return nil
}

func (d *Dispatcher) cmdReports(ctx context.Context, sess *session.Session, args []string) error {
	reports, err := d.store.OpenReports(ctx, 20)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		sess.PushSystem("no open reports")
		return nil
	}
	for _, r := range reports {
		sess.PushSystem(fmt.Sprintf("report #%d · user %d reported by %d · %s", r.ID, r.TargetID, r.ReporterID, r.Reason))
	}
	return nil
}

func (d *Dispatcher) setPrivilege(ctx context.Context, sess *session.Session, username, column string, value bool, verb string) error {
	user, err := d.lookupUser(ctx, username)
	if err != nil {
		return err
	}
	if err := d.store.SetSitePrivilege(ctx, user.ID, column, value); err != nil {
		return err
	}
	d.audit(ctx, sess, verb, user.ID, "")
	sess.PushSystem(user.Username + ": " + verb)
	return nil
}

func (d *Dispatcher) cmdSiteAdmin(ctx context.Context, sess *session.Session, args []string) error {
	return d.setPrivilege(ctx, sess, args[0], "is_site_admin", true, "promoted to site admin")
}

func (d *Dispatcher) cmdDemoteAdmin(ctx context.Context, sess *session.Session, args []string) error {
	return d.setPrivilege(ctx, sess, args[0], "is_site_admin", false, "demoted from site admin")
}

func (d *Dispatcher) cmdSiteModerator(ctx context.Context, sess *session.Session, args []string) error {
	return d.setPrivilege(ctx, sess, args[0], "is_site_moderator", true, "promoted to site moderator")
}

func (d *Dispatcher) cmdDemoteModerator(ctx context.Context, sess *session.Session, args []string) error {
	return d.setPrivilege(ctx, sess, args[0], "is_site_moderator", false, "demoted from site moderator")
}
