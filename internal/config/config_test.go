package config

import (
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
# rulepost example
listen :8080

log {
	level debug
	output stderr
}

observability {
	tracing {
		collector https://otel.example.com:4318
		insecure
	}
	metrics on
	access_log off
}

client {
	insecure_tls
	timeout 15s
}

egress {
	https_only
	dns_rebind_protection
	allow example.com subdomains
	allow 10.2.0.0/16
	deny internal.example.com
}

history {
	backend sqlite ./.data/rulepost.db
	retention 720h
}

engine {
	max_chain_depth 4
	source https://me.example.com/
}

rule on-create {
	on cellctl.create
	action engine
	service https://svc.example.com/engine
	path run
}

rule relay-updates {
	on cellctl.update
	action relay
	service https://other.example.com/__relay
	token {env.RELAY_TOKEN}
}
`

func parseWithEnv(t *testing.T, src string, env map[string]string) *Config {
	t.Helper()
	p := &parser{
		lex: newLexer(src),
		lookupEnv: func(name string) (string, bool) {
			v, ok := env[name]
			return v, ok
		},
	}
	cfg, err := p.parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return cfg
}

func TestParseFullConfig(t *testing.T) {
	cfg := parseWithEnv(t, sampleConfig, map[string]string{"RELAY_TOKEN": "tok-xyz"})

	if cfg.Listen != ":8080" {
		t.Fatalf("listen: got %q", cfg.Listen)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Output != "stderr" {
		t.Fatalf("log: got %+v", cfg.Log)
	}
	if !cfg.Observability.TracingEnabled || cfg.Observability.TracingCollector != "https://otel.example.com:4318" || !cfg.Observability.TracingInsecure {
		t.Fatalf("tracing: got %+v", cfg.Observability)
	}
	if !cfg.Observability.MetricsEnabled || cfg.Observability.AccessLogEnabled {
		t.Fatalf("metrics/access_log: got %+v", cfg.Observability)
	}
	if !cfg.Client.InsecureTLS || cfg.Client.Timeout != 15*time.Second {
		t.Fatalf("client: got %+v", cfg.Client)
	}
	if !cfg.Egress.HTTPSOnly || !cfg.Egress.DNSRebindProtection {
		t.Fatalf("egress flags: got %+v", cfg.Egress)
	}
	if len(cfg.Egress.Allow) != 2 || len(cfg.Egress.Deny) != 1 {
		t.Fatalf("egress rules: got %+v", cfg.Egress)
	}
	if !cfg.Egress.Allow[0].Subdomains || cfg.Egress.Allow[0].Value != "example.com" {
		t.Fatalf("egress allow[0]: got %+v", cfg.Egress.Allow[0])
	}
	if cfg.History.Backend != "sqlite" || cfg.History.Path != "./.data/rulepost.db" || cfg.History.Retention != 720*time.Hour {
		t.Fatalf("history: got %+v", cfg.History)
	}
	if cfg.Engine.MaxChainDepth != 4 || cfg.Engine.Source != "https://me.example.com/" {
		t.Fatalf("engine: got %+v", cfg.Engine)
	}

	if len(cfg.Rules) != 2 {
		t.Fatalf("rules: got %d", len(cfg.Rules))
	}
	r0 := cfg.Rules[0]
	if r0.Name != "on-create" || r0.On != "cellctl.create" || r0.Action != "engine" ||
		r0.Service != "https://svc.example.com/engine" || r0.Path != "run" {
		t.Fatalf("rule[0]: got %+v", r0)
	}
	r1 := cfg.Rules[1]
	if r1.Action != "relay" || r1.Token != "tok-xyz" {
		t.Fatalf("rule[1]: got %+v", r1)
	}
}

func TestParsePlaceholderMissingEnvIsEmpty(t *testing.T) {
	cfg := parseWithEnv(t, "rule r {\n\ton x\n\taction relay\n\tservice https://a.example/\n\ttoken {env.NOPE}\n}\n", nil)
	if cfg.Rules[0].Token != "" {
		t.Fatalf("missing env placeholder: got %q", cfg.Rules[0].Token)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown_directive", "bogus x\n", "unknown directive"},
		{"unclosed_block", "log {\n\tlevel info\n", "unexpected end of file"},
		{"listen_arity", "listen :80 :81\n", "exactly one address"},
		{"bad_timeout", "client {\n\ttimeout nope\n}\n", "invalid client timeout"},
		{"metrics_value", "observability {\n\tmetrics yes\n}\n", "on|off"},
		{"unknown_rule_option", "rule r {\n\tfoo bar\n}\n", "unknown rule option"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.src))
			if err == nil {
				t.Fatal("expected parse error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := parseWithEnv(t, sampleConfig, map[string]string{"RELAY_TOKEN": "x"})
	if errs := Validate(cfg); len(errs) != 0 {
		t.Fatalf("expected valid config, got %v", errs)
	}

	bad := &Config{
		Log:     LogConfig{Output: "file"},
		History: HistoryConfig{Backend: "sqlite"},
		Rules: []RuleConfig{
			{Name: "a", On: "x", Action: "teleport", Service: "not-a-url"},
			{Name: "a", On: "", Action: "engine", Service: "https://ok.example/"},
		},
	}
	errs := Validate(bad)
	wantFragments := []string{
		"output file requires path",
		"sqlite backend requires a db path",
		"invalid action",
		"not an absolute http(s) url",
		"duplicate rule name",
		"missing 'on'",
	}
	for _, frag := range wantFragments {
		found := false
		for _, e := range errs {
			if strings.Contains(e, frag) {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected a validation error containing %q in %v", frag, errs)
		}
	}
}

func TestEgressPolicyCompile(t *testing.T) {
	cfg := parseWithEnv(t, sampleConfig, map[string]string{"RELAY_TOKEN": "x"})
	policy, err := cfg.Egress.EgressPolicy()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !policy.HTTPSOnly || !policy.DNSRebindProtection {
		t.Fatalf("policy flags: %+v", policy)
	}
	if len(policy.Allow) != 2 || len(policy.Deny) != 1 {
		t.Fatalf("policy rules: %+v", policy)
	}
	if !policy.Allow[1].IsCIDR || policy.Allow[1].Prefix.String() != "10.2.0.0/16" {
		t.Fatalf("cidr rule: %+v", policy.Allow[1])
	}

	_, err = EgressConfig{Allow: []EgressRuleConfig{{Value: "10.0.0.0/99"}}}.EgressPolicy()
	if err == nil {
		t.Fatal("expected error for invalid cidr")
	}
}
