package command

import (
	"sort"
	"strings"

	"termchat/internal/roles"
	"termchat/internal/session"
)

// Suggest 对部分输入给出有序补全建议。纯函数：只依赖当前输入、
// 调用者权限和会话里已加载的成员/角色列表，不做任何变更。
// globalUsers 是管理频道里 @ 补全用的全站用户名缓存，普通频道可传 nil。
func Suggest(sess *session.Session, input string, globalUsers []string) []string {
	if strings.HasPrefix(input, "/") {
		return suggestCommand(sess, input)
	}
	return suggestMention(sess, input, globalUsers)
}

// suggestCommand 补全命令名与命令参数，闸门与执行时一致。
func suggestCommand(sess *session.Session, input string) []string {
	body := input[1:]
	fields := strings.Fields(body)
	endsWithSpace := strings.HasSuffix(body, " ")

	// 还在敲命令名
	if len(fields) == 0 || (len(fields) == 1 && !endsWithSpace) {
		prefix := ""
		if len(fields) == 1 {
			prefix = strings.ToLower(fields[0])
		}
		out := make([]string, 0, len(catalogue))
		for name, spec := range catalogue {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			if !spec.allowed(sess) {
				continue
			}
			out = append(out, "/"+name)
		}
		sort.Strings(out)
		return out
	}

	name := strings.ToLower(fields[0])
	argPrefix := ""
	if !endsWithSpace {
		argPrefix = strings.ToLower(fields[len(fields)-1])
	}
	argIndex := len(fields) - 1
	if endsWithSpace {
		argIndex = len(fields)
	}

	switch name {
	case "createrole":
		// 第二个参数是颜色，排除频道内已占用的。
		if argIndex == 2 {
			inUse := make([]string, 0, 8)
			for _, r := range sess.Roles() {
				inUse = append(inUse, r.Color)
			}
			return filterPrefix(roles.Colors(inUse), argPrefix)
		}
	case "setrole":
		if argIndex == 1 {
			return filterPrefix(memberNames(sess), argPrefix)
		}
		if argIndex == 2 {
			names := make([]string, 0, 8)
			for _, r := range sess.Roles() {
				names = append(names, r.Name)
			}
			sort.Strings(names)
			return filterPrefix(names, argPrefix)
		}
	case "deleterole":
		if argIndex == 1 {
			names := make([]string, 0, 8)
			for _, r := range sess.Roles() {
				if r.IsSystem {
					continue
				}
				names = append(names, r.Name)
			}
			sort.Strings(names)
			return filterPrefix(names, argPrefix)
		}
	case "ban", "unban", "mod", "unmod":
		if argIndex == 1 {
			return filterPrefix(memberNames(sess), argPrefix)
		}
	case "siteban", "siteunban", "lookup", "siteadmin", "demoteadmin", "sitemoderator", "demotemoderator":
		if argIndex == 1 {
			return filterPrefix(memberNames(sess), argPrefix)
		}
	}
	return nil
}

// suggestMention 补全消息尾部的 @username。
// 普通频道限定为本频道成员，管理频道用全站用户名录。
func suggestMention(sess *session.Session, input string, globalUsers []string) []string {
	at := strings.LastIndex(input, "@")
	if at < 0 {
		return nil
	}
	prefix := strings.ToLower(input[at+1:])
	if strings.ContainsAny(prefix, " \t") {
		return nil
	}
	pool := memberNames(sess)
	if inAdminChannel(sess) && len(globalUsers) > 0 {
		pool = append([]string(nil), globalUsers...)
		sort.Strings(pool)
	}
	out := filterPrefix(pool, prefix)
	for i, name := range out {
		out[i] = "@" + name
	}
	return out
}

func memberNames(sess *session.Session) []string {
	members := sess.Members()
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Username)
	}
	sort.Strings(names)
	return names
}

func filterPrefix(candidates []string, prefix string) []string {
	if prefix == "" {
		return candidates
	}
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if strings.HasPrefix(strings.ToLower(c), prefix) {
			out = append(out, c)
		}
	}
	return out
}
