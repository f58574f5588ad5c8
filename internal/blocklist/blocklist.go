// Package blocklist gates dispatch for barred user identities.
package blocklist

import "strings"

// Guard holds the configured set of blocked user identifiers.
// Membership is case-sensitive exact match. The set is fixed for the
// process lifetime; there is no hot reload.
type Guard struct {
	users map[string]struct{}
}

// FromList builds a Guard from a comma-separated identifier list.
// Surrounding whitespace per entry is trimmed; empty entries are ignored.
func FromList(csv string) *Guard {
	g := &Guard{users: map[string]struct{}{}}
	for _, u := range strings.Split(csv, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		g.users[u] = struct{}{}
	}
	return g
}

func (g *Guard) IsBlocked(user string) bool {
	if g == nil {
		return false
	}
	_, ok := g.users[user]
	return ok
}

func (g *Guard) Len() int {
	if g == nil {
		return 0
	}
	return len(g.users)
}
