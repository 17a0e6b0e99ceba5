// Package action implements the event-to-webhook dispatch action: it renders
// a triggering event as JSON, posts it to a target URL resolved by a
// per-variant strategy, and synthesizes a follow-on event describing the
// delivery outcome.
package action

import (
	"context"

	"github.com/nuetzliches/rulepost/internal/event"
)

// Info is the per-rule static configuration bound to one executor at
// construction time. It is never shared or mutated afterwards.
type Info struct {
	// Service is the logical target identifier; it becomes the Object
	// field of the result event.
	Service string

	// Action labels the rule's action kind; it becomes the Type field of
	// the result event.
	Action string

	// EventID identifies this rule invocation.
	EventID string

	// RuleChain is the ordered trace of rules that led here.
	RuleChain string
}

// Action is one rule-chain stage. Execute returns the synthesized result
// event, or nil when the action did not apply to the event. It never returns
// an error: every failure is folded into the result event's Info field.
type Action interface {
	Execute(ctx context.Context, ev event.Event) *event.Event
	ExecuteBatch(ctx context.Context, evs []event.Event) *event.Event
}
