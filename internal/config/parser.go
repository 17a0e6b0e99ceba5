package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Parse reads a Rulepostfile. {env.NAME} placeholders in argument position
// are expanded from the process environment.
func Parse(data []byte) (*Config, error) {
	p := &parser{
		lex:       newLexer(string(data)),
		lookupEnv: os.LookupEnv,
	}
	return p.parse()
}

type parser struct {
	lex       *lexer
	peeked    token
	hasPeek   bool
	lookupEnv func(string) (string, bool)
}

// directive is one statement: a name, its same-line arguments, and an
// optional brace block of nested directives.
type directive struct {
	name  string
	args  []string
	block []directive
	pos   position
}

func (p *parser) parse() (*Config, error) {
	cfg := &Config{}

	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.kind == tokEOF {
			break
		}
		d, err := p.parseDirective()
		if err != nil {
			return nil, err
		}
		if err := p.applyTopLevel(cfg, d); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (p *parser) parseDirective() (directive, error) {
	nameTok, err := p.next()
	if err != nil {
		return directive{}, err
	}
	if nameTok.kind != tokIdent && nameTok.kind != tokString {
		return directive{}, p.errAt(nameTok.pos, "expected directive name, got %q", nameTok.text)
	}

	d := directive{name: nameTok.text, pos: nameTok.pos}

	for {
		tok, err := p.peek()
		if err != nil {
			return directive{}, err
		}
		if tok.kind == tokEOF || tok.kind == tokRBrace {
			return d, nil
		}
		if tok.pos.line != nameTok.pos.line {
			// Next statement starts on a new line.
			return d, nil
		}
		if tok.kind == tokLBrace {
			_, _ = p.next()
			block, err := p.parseBlock()
			if err != nil {
				return directive{}, err
			}
			d.block = block
			return d, nil
		}
		_, _ = p.next()
		d.args = append(d.args, p.expand(tok))
	}
}

func (p *parser) parseBlock() ([]directive, error) {
	var block []directive
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		switch tok.kind {
		case tokEOF:
			return nil, p.errAt(tok.pos, "unexpected end of file inside block")
		case tokRBrace:
			_, _ = p.next()
			return block, nil
		default:
			d, err := p.parseDirective()
			if err != nil {
				return nil, err
			}
			block = append(block, d)
		}
	}
}

func (p *parser) expand(tok token) string {
	if tok.kind != tokIdent {
		return tok.text
	}
	if !strings.HasPrefix(tok.text, "{env.") || !strings.HasSuffix(tok.text, "}") {
		return tok.text
	}
	name := strings.TrimSuffix(strings.TrimPrefix(tok.text, "{env."), "}")
	if v, ok := p.lookupEnv(name); ok {
		return v
	}
	return ""
}

func (p *parser) applyTopLevel(cfg *Config, d directive) error {
	switch d.name {
	case "listen":
		if len(d.args) != 1 {
			return p.errAt(d.pos, "listen takes exactly one address")
		}
		cfg.Listen = d.args[0]
		return nil
	case "log":
		return p.applyLog(cfg, d)
	case "observability":
		return p.applyObservability(cfg, d)
	case "client":
		return p.applyClient(cfg, d)
	case "egress":
		return p.applyEgress(cfg, d)
	case "history":
		return p.applyHistory(cfg, d)
	case "engine":
		return p.applyEngine(cfg, d)
	case "rule":
		return p.applyRule(cfg, d)
	default:
		return p.errAt(d.pos, "unknown directive %q", d.name)
	}
}

func (p *parser) applyLog(cfg *Config, d directive) error {
	for _, sub := range d.block {
		switch sub.name {
		case "level":
			if len(sub.args) != 1 {
				return p.errAt(sub.pos, "log level takes one value")
			}
			cfg.Log.Level = sub.args[0]
		case "output":
			if len(sub.args) != 1 {
				return p.errAt(sub.pos, "log output takes one value")
			}
			cfg.Log.Output = sub.args[0]
		case "path":
			if len(sub.args) != 1 {
				return p.errAt(sub.pos, "log path takes one value")
			}
			cfg.Log.Path = sub.args[0]
		default:
			return p.errAt(sub.pos, "unknown log option %q", sub.name)
		}
	}
	return nil
}

func (p *parser) applyObservability(cfg *Config, d directive) error {
	for _, sub := range d.block {
		switch sub.name {
		case "tracing":
			cfg.Observability.TracingEnabled = true
			for _, t := range sub.block {
				switch t.name {
				case "collector":
					if len(t.args) != 1 {
						return p.errAt(t.pos, "tracing collector takes one url")
					}
					cfg.Observability.TracingCollector = t.args[0]
				case "insecure":
					cfg.Observability.TracingInsecure = true
				default:
					return p.errAt(t.pos, "unknown tracing option %q", t.name)
				}
			}
		case "metrics":
			on, err := p.onOff(sub)
			if err != nil {
				return err
			}
			cfg.Observability.MetricsEnabled = on
		case "access_log":
			on, err := p.onOff(sub)
			if err != nil {
				return err
			}
			cfg.Observability.AccessLogEnabled = on
		default:
			return p.errAt(sub.pos, "unknown observability option %q", sub.name)
		}
	}
	return nil
}

func (p *parser) applyClient(cfg *Config, d directive) error {
	for _, sub := range d.block {
		switch sub.name {
		case "insecure_tls":
			cfg.Client.InsecureTLS = true
		case "timeout":
			if len(sub.args) != 1 {
				return p.errAt(sub.pos, "client timeout takes one duration")
			}
			dur, err := time.ParseDuration(sub.args[0])
			if err != nil || dur <= 0 {
				return p.errAt(sub.pos, "invalid client timeout %q", sub.args[0])
			}
			cfg.Client.Timeout = dur
			cfg.Client.TimeoutSet = true
		default:
			return p.errAt(sub.pos, "unknown client option %q", sub.name)
		}
	}
	return nil
}

func (p *parser) applyEgress(cfg *Config, d directive) error {
	for _, sub := range d.block {
		switch sub.name {
		case "https_only":
			cfg.Egress.HTTPSOnly = true
		case "dns_rebind_protection":
			cfg.Egress.DNSRebindProtection = true
		case "allow", "deny":
			rule, err := p.egressRule(sub)
			if err != nil {
				return err
			}
			if sub.name == "allow" {
				cfg.Egress.Allow = append(cfg.Egress.Allow, rule)
			} else {
				cfg.Egress.Deny = append(cfg.Egress.Deny, rule)
			}
		default:
			return p.errAt(sub.pos, "unknown egress option %q", sub.name)
		}
	}
	return nil
}

func (p *parser) egressRule(d directive) (EgressRuleConfig, error) {
	if len(d.args) == 0 {
		return EgressRuleConfig{}, p.errAt(d.pos, "egress %s takes a host or cidr", d.name)
	}
	rule := EgressRuleConfig{Value: d.args[0]}
	for _, extra := range d.args[1:] {
		if extra != "subdomains" {
			return EgressRuleConfig{}, p.errAt(d.pos, "unknown egress rule option %q", extra)
		}
		rule.Subdomains = true
	}
	return rule, nil
}

func (p *parser) applyHistory(cfg *Config, d directive) error {
	for _, sub := range d.block {
		switch sub.name {
		case "backend":
			if len(sub.args) == 0 {
				return p.errAt(sub.pos, "history backend takes a backend name")
			}
			cfg.History.Backend = sub.args[0]
			switch sub.args[0] {
			case "memory":
				if len(sub.args) != 1 {
					return p.errAt(sub.pos, "memory backend takes no arguments")
				}
			case "sqlite":
				if len(sub.args) != 2 {
					return p.errAt(sub.pos, "sqlite backend takes a db path")
				}
				cfg.History.Path = sub.args[1]
			case "postgres":
				if len(sub.args) != 2 {
					return p.errAt(sub.pos, "postgres backend takes a dsn")
				}
				cfg.History.DSN = sub.args[1]
			}
		case "retention":
			if len(sub.args) != 1 {
				return p.errAt(sub.pos, "history retention takes one duration")
			}
			dur, err := time.ParseDuration(sub.args[0])
			if err != nil || dur <= 0 {
				return p.errAt(sub.pos, "invalid history retention %q", sub.args[0])
			}
			cfg.History.Retention = dur
		default:
			return p.errAt(sub.pos, "unknown history option %q", sub.name)
		}
	}
	return nil
}

func (p *parser) applyEngine(cfg *Config, d directive) error {
	for _, sub := range d.block {
		switch sub.name {
		case "max_chain_depth":
			if len(sub.args) != 1 {
				return p.errAt(sub.pos, "max_chain_depth takes one number")
			}
			n, err := strconv.Atoi(sub.args[0])
			if err != nil || n < 0 {
				return p.errAt(sub.pos, "invalid max_chain_depth %q", sub.args[0])
			}
			cfg.Engine.MaxChainDepth = n
		case "source":
			if len(sub.args) != 1 {
				return p.errAt(sub.pos, "engine source takes one url")
			}
			cfg.Engine.Source = sub.args[0]
		default:
			return p.errAt(sub.pos, "unknown engine option %q", sub.name)
		}
	}
	return nil
}

func (p *parser) applyRule(cfg *Config, d directive) error {
	if len(d.args) != 1 {
		return p.errAt(d.pos, "rule takes exactly one name")
	}
	rule := RuleConfig{Name: d.args[0]}

	for _, sub := range d.block {
		switch sub.name {
		case "on":
			if len(sub.args) != 1 {
				return p.errAt(sub.pos, "rule on takes one event type")
			}
			rule.On = sub.args[0]
		case "action":
			if len(sub.args) != 1 {
				return p.errAt(sub.pos, "rule action takes one kind")
			}
			rule.Action = sub.args[0]
		case "service":
			if len(sub.args) != 1 {
				return p.errAt(sub.pos, "rule service takes one url")
			}
			rule.Service = sub.args[0]
		case "path":
			if len(sub.args) != 1 {
				return p.errAt(sub.pos, "rule path takes one value")
			}
			rule.Path = sub.args[0]
		case "token":
			if len(sub.args) != 1 {
				return p.errAt(sub.pos, "rule token takes one value")
			}
			rule.Token = sub.args[0]
		default:
			return p.errAt(sub.pos, "unknown rule option %q", sub.name)
		}
	}

	cfg.Rules = append(cfg.Rules, rule)
	return nil
}

func (p *parser) onOff(d directive) (bool, error) {
	if len(d.args) != 1 {
		return false, p.errAt(d.pos, "%s takes on|off", d.name)
	}
	switch d.args[0] {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, p.errAt(d.pos, "%s takes on|off, got %q", d.name, d.args[0])
	}
}

func (p *parser) peek() (token, error) {
	if p.hasPeek {
		return p.peeked, nil
	}
	tok, err := p.lex.nextToken()
	if err != nil {
		return token{}, err
	}
	p.peeked = tok
	p.hasPeek = true
	return tok, nil
}

func (p *parser) next() (token, error) {
	if p.hasPeek {
		p.hasPeek = false
		return p.peeked, nil
	}
	return p.lex.nextToken()
}

func (p *parser) errAt(pos position, format string, args ...any) error {
	return fmt.Errorf("%s: %s", pos, fmt.Sprintf(format, args...))
}
