package event

import (
	"net/url"
	"strings"
)

// RoleRef is a URL uniquely identifying a role.
type RoleRef struct {
	URL *url.URL
}

func (r RoleRef) String() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.String()
}

// Roles parses the event's comma-separated roles string into role references.
//
// Parsing is fail-closed: if any segment is not a valid absolute http(s) URL,
// the whole list is discarded and an empty slice is returned. A malformed
// roles string must never be read as "no restriction" or as a partial
// restriction.
func Roles(ev Event) []RoleRef {
	if ev.Roles == "" {
		return []RoleRef{}
	}
	parts := strings.Split(ev.Roles, ",")
	refs := make([]RoleRef, 0, len(parts))
	for _, part := range parts {
		u, err := url.Parse(part)
		if err != nil || !isRoleURL(u) {
			return []RoleRef{}
		}
		refs = append(refs, RoleRef{URL: u})
	}
	return refs
}

func isRoleURL(u *url.URL) bool {
	if u == nil || u.Host == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return true
	default:
		return false
	}
}
