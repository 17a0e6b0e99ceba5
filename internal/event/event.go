// Package event defines the immutable event record routed through rule chains.
package event

// Event describes one occurrence in the platform. Values are immutable once
// constructed; deriving a follow-on event always produces a new value.
//
// Optional string fields use "" for "absent".
type Event struct {
	// External marks an event that originated outside the platform.
	External bool

	// Schema identifies the schema of the app that produced the event.
	Schema string

	// Subject is the acting identity, if known.
	Subject string

	// Type names what happened.
	Type string

	// Object identifies the resource or service the event is about.
	Object string

	// Info carries a free-form outcome or detail string.
	Info string

	// RequestKey is the correlation id supplied by the original caller.
	RequestKey string

	// EventID identifies the rule invocation that produced this event.
	EventID string

	// RuleChain is the ordered trace of rule names that have already
	// processed this event.
	RuleChain string

	// Via traces the hops an event took between cells.
	Via string

	// Roles is a comma-separated list of role-reference URLs granted to
	// the subject, if any.
	Roles string
}

// Builder derives a new Event from an existing one. The zero Builder is not
// usable; obtain one via Event.Derive.
type Builder struct {
	ev Event
}

// Derive returns a Builder seeded with a copy of every field of e.
func (e Event) Derive() *Builder {
	return &Builder{ev: e}
}

func (b *Builder) WithType(t string) *Builder {
	b.ev.Type = t
	return b
}

func (b *Builder) WithObject(o string) *Builder {
	b.ev.Object = o
	return b
}

func (b *Builder) WithInfo(info string) *Builder {
	b.ev.Info = info
	return b
}

func (b *Builder) WithEventID(id string) *Builder {
	b.ev.EventID = id
	return b
}

func (b *Builder) WithRuleChain(chain string) *Builder {
	b.ev.RuleChain = chain
	return b
}

func (b *Builder) WithVia(via string) *Builder {
	b.ev.Via = via
	return b
}

// Build returns the derived Event.
func (b *Builder) Build() Event {
	return b.ev
}
