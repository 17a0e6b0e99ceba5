package action

// Common causal-tracing headers attached to every dispatch. The names are a
// wire contract shared with existing receivers.
const (
	HeaderRequestKey = "X-Rulepost-RequestKey"
	HeaderEventID    = "X-Rulepost-EventId"
	HeaderRuleChain  = "X-Rulepost-RuleChain"
	HeaderVia        = "X-Rulepost-Via"
	HeaderRoles      = "X-Rulepost-Roles"
)
