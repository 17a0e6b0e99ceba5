// Package config parses the Rulepostfile, the directive-style configuration
// for the rulepost daemon.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Listen string

	Log           LogConfig
	Observability ObservabilityConfig
	Client        ClientConfig
	Egress        EgressConfig
	History       HistoryConfig
	Engine        EngineConfig

	Rules []RuleConfig
}

type LogConfig struct {
	Level  string
	Output string
	Path   string
}

type ObservabilityConfig struct {
	TracingEnabled   bool
	TracingCollector string
	TracingInsecure  bool

	MetricsEnabled   bool
	AccessLogEnabled bool
}

type ClientConfig struct {
	InsecureTLS bool
	Timeout     time.Duration
	TimeoutSet  bool
}

type EgressConfig struct {
	HTTPSOnly           bool
	DNSRebindProtection bool
	Allow               []EgressRuleConfig
	Deny                []EgressRuleConfig
}

type EgressRuleConfig struct {
	Value      string
	Subdomains bool
}

type HistoryConfig struct {
	// Backend is one of "memory", "sqlite", "postgres". Empty means memory.
	Backend   string
	Path      string
	DSN       string
	Retention time.Duration
}

type EngineConfig struct {
	MaxChainDepth int
	Source        string
}

// RuleConfig binds an event-type prefix to one dispatch action.
type RuleConfig struct {
	Name string

	// On is the event-type prefix the rule fires on. "*" matches all.
	On string

	// Action is "engine" or "relay".
	Action string

	// Service is the target service URL; it also names the result event's
	// object.
	Service string

	// Path is appended to the service URL for engine actions.
	Path string

	// Token is the relay credential, usually via an {env.*} placeholder.
	Token string
}

const (
	ActionEngine = "engine"
	ActionRelay  = "relay"
)

// Validate checks semantic constraints the parser cannot. It returns one
// message per problem so operators see everything at once.
func Validate(cfg *Config) []string {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch cfg.Log.Output {
	case "", "stdout", "stderr":
	case "file":
		if strings.TrimSpace(cfg.Log.Path) == "" {
			add("log: output file requires path")
		}
	default:
		add("log: invalid output %q (use: stdout|stderr|file)", cfg.Log.Output)
	}

	switch cfg.History.Backend {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.History.Path) == "" {
			add("history: sqlite backend requires a db path")
		}
	case "postgres":
		if strings.TrimSpace(cfg.History.DSN) == "" {
			add("history: postgres backend requires a dsn")
		}
	default:
		add("history: invalid backend %q (use: memory|sqlite|postgres)", cfg.History.Backend)
	}

	if cfg.Observability.TracingEnabled && cfg.Observability.TracingCollector == "" {
		add("observability: tracing requires a collector endpoint")
	}

	if cfg.Engine.MaxChainDepth < 0 {
		add("engine: max_chain_depth must not be negative")
	}

	seen := make(map[string]struct{}, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if _, dup := seen[r.Name]; dup {
			add("rule %q: duplicate rule name", r.Name)
		}
		seen[r.Name] = struct{}{}

		if r.On == "" {
			add("rule %q: missing 'on' event type", r.Name)
		}
		switch r.Action {
		case ActionEngine, ActionRelay:
		case "":
			add("rule %q: missing action", r.Name)
		default:
			add("rule %q: invalid action %q (use: engine|relay)", r.Name, r.Action)
		}
		if r.Service == "" {
			add("rule %q: missing service url", r.Name)
			continue
		}
		u, err := url.Parse(r.Service)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			add("rule %q: service %q is not an absolute http(s) url", r.Name, r.Service)
		}
	}

	return errs
}
