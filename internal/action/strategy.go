package action

import (
	"net/http"

	"github.com/nuetzliches/rulepost/internal/event"
)

// Strategy supplies the per-variant pieces of a dispatch: the destination URL
// and any transport headers beyond the common causal-tracing set.
type Strategy interface {
	// RequestURL computes the destination from the action's configuration.
	// It must not perform I/O beyond string composition. An empty string
	// disables dispatch for this invocation without signaling an error.
	RequestURL() string

	// SetHeaders adds variant-specific headers before the POST. It may add
	// headers but must not remove or override the common ones already set,
	// and must not depend on delivery having occurred.
	SetHeaders(h http.Header, ev event.Event)
}

// ViaProvider is an optional Strategy extension that overrides the hop trace
// sent in the via header. Without it the source event's Via field passes
// through unchanged.
type ViaProvider interface {
	Via(ev event.Event) string
}

func strategyVia(s Strategy, ev event.Event) string {
	if vp, ok := s.(ViaProvider); ok {
		return vp.Via(ev)
	}
	return ev.Via
}
