package action

import (
	"net/http"
	"strings"

	"github.com/nuetzliches/rulepost/internal/event"
)

// TokenSource mints the credential a relay target expects. Returning "" sends
// the request unauthenticated.
type TokenSource func(ev event.Event) string

// RelayStrategy posts events to another unit's relay endpoint. It carries the
// subject's validated roles and appends its own hop to the via trace so the
// receiving side can detect relay loops.
type RelayStrategy struct {
	// TargetURL is the relay endpoint.
	TargetURL string

	// Source is this unit's own URL, recorded as a via hop.
	Source string

	// Token supplies the Authorization bearer credential, if any.
	Token TokenSource
}

func (s RelayStrategy) RequestURL() string {
	return strings.TrimSpace(s.TargetURL)
}

func (s RelayStrategy) SetHeaders(h http.Header, ev event.Event) {
	if s.Token != nil {
		if tok := s.Token(ev); tok != "" {
			h.Set("Authorization", "Bearer "+tok)
		}
	}

	// Role parsing is fail-closed: a malformed roles string sends no roles
	// header at all rather than a partial one.
	refs := event.Roles(ev)
	if len(refs) == 0 {
		return
	}
	parts := make([]string, 0, len(refs))
	for _, r := range refs {
		parts = append(parts, r.String())
	}
	h.Set(HeaderRoles, strings.Join(parts, ","))
}

// Via appends this unit to the hop trace.
func (s RelayStrategy) Via(ev event.Event) string {
	if s.Source == "" {
		return ev.Via
	}
	if ev.Via == "" {
		return s.Source
	}
	return ev.Via + "," + s.Source
}
