package action

import (
	"net/http"
	"strings"

	"github.com/nuetzliches/rulepost/internal/event"
)

// EngineStrategy posts events to a script-engine endpoint derived from the
// configured service URL. It adds no headers beyond the common set.
type EngineStrategy struct {
	// ServiceURL is the service root configured on the rule.
	ServiceURL string

	// Path is appended to the service root. Empty means the root itself.
	Path string
}

func (s EngineStrategy) RequestURL() string {
	base := strings.TrimSpace(s.ServiceURL)
	if base == "" {
		return ""
	}
	if s.Path == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(s.Path, "/")
}

func (s EngineStrategy) SetHeaders(http.Header, event.Event) {}
