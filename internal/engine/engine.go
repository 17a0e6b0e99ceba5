// Package engine matches incoming events against configured rules and runs
// the corresponding dispatch actions, feeding result events back through the
// rules up to a bounded chain depth.
package engine

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nuetzliches/rulepost/internal/action"
	"github.com/nuetzliches/rulepost/internal/egress"
	"github.com/nuetzliches/rulepost/internal/event"
	"github.com/nuetzliches/rulepost/internal/history"
)

// Rule binds an event-type prefix to one dispatch action.
type Rule struct {
	Name    string
	On      string
	Action  string
	Service string
	Path    string
	Token   string
}

// Matches reports whether the rule fires for the given event type. "*"
// matches everything; otherwise On is a type prefix.
func (r Rule) Matches(eventType string) bool {
	if r.On == "*" {
		return true
	}
	return r.On != "" && strings.HasPrefix(eventType, r.On)
}

const defaultMaxChainDepth = 8

// Engine runs rules. Rules and the egress policy may be swapped live;
// everything else is fixed at construction.
type Engine struct {
	client   *http.Client
	store    history.Store
	logger   *slog.Logger
	source   string
	maxDepth int
	newID    func() string

	// ObserveDispatch, when set, is called once per dispatch attempt.
	ObserveDispatch func(delivered bool)

	mu     sync.RWMutex
	rules  []Rule
	policy egress.Policy
}

type Options struct {
	// Client is the shared outbound HTTP client.
	Client *http.Client

	// Policy restricts dispatch targets.
	Policy egress.Policy

	// Store records every dispatch attempt. Nil disables the trail.
	Store history.Store

	Logger *slog.Logger

	// Source is this unit's own URL, used as the relay via hop.
	Source string

	// MaxChainDepth bounds how many times a result event may re-enter the
	// rules. Zero means the package default.
	MaxChainDepth int
}

func New(rules []Rule, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxDepth := opts.MaxChainDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxChainDepth
	}
	return &Engine{
		client:   opts.Client,
		store:    opts.Store,
		logger:   logger,
		source:   opts.Source,
		maxDepth: maxDepth,
		newID:    uuid.NewString,
		rules:    append([]Rule(nil), rules...),
		policy:   opts.Policy,
	}
}

// UpdateRules swaps the rule set atomically. In-flight dispatches finish
// against the rules they started with.
func (e *Engine) UpdateRules(rules []Rule) {
	e.mu.Lock()
	e.rules = append([]Rule(nil), rules...)
	e.mu.Unlock()
	e.logger.Info("rules_updated", slog.Int("rules", len(rules)))
}

// UpdatePolicy swaps the egress policy atomically. In-flight dispatches
// finish under the policy they started with.
func (e *Engine) UpdatePolicy(policy egress.Policy) {
	e.mu.Lock()
	e.policy = policy
	e.mu.Unlock()
	e.logger.Info("egress_policy_updated")
}

// Rules returns a snapshot of the active rule set.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

func (e *Engine) currentPolicy() egress.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// Process runs ev through the rules and returns the number of dispatches
// fired, including those triggered by chained result events.
func (e *Engine) Process(ctx context.Context, ev event.Event) int {
	return e.process(ctx, ev, 0)
}

func (e *Engine) process(ctx context.Context, ev event.Event, depth int) int {
	if depth >= e.maxDepth {
		e.logger.Warn("chain_depth_exceeded",
			slog.String("type", ev.Type),
			slog.String("rule_chain", ev.RuleChain),
			slog.Int("depth", depth),
		)
		return 0
	}

	fired := 0
	for _, rule := range e.Rules() {
		if !rule.Matches(ev.Type) {
			continue
		}

		result := e.dispatch(ctx, rule, ev)
		if result == nil {
			continue
		}
		fired++
		fired += e.process(ctx, *result, depth+1)
	}
	return fired
}

func (e *Engine) dispatch(ctx context.Context, rule Rule, ev event.Event) *event.Event {
	info := action.Info{
		Service:   rule.Service,
		Action:    rule.Action,
		EventID:   e.newID(),
		RuleChain: extendChain(ev.RuleChain, rule.Name),
	}
	strategy := e.strategyFor(rule)

	obs := &capturingObserver{next: action.LogObserver{Logger: e.logger}}
	act := action.NewPostAction(strategy, e.client, info)
	act.Policy = e.currentPolicy()
	act.Observer = obs

	result := act.Execute(ctx, ev)
	if result == nil {
		// The strategy yielded no URL; the rule did not apply.
		return nil
	}

	delivered := obs.err == nil
	if e.ObserveDispatch != nil {
		e.ObserveDispatch(delivered)
	}
	e.recordAttempt(rule, strategy.RequestURL(), info, *result, obs)
	return result
}

func (e *Engine) strategyFor(rule Rule) action.Strategy {
	switch rule.Action {
	case "relay":
		token := rule.Token
		return action.RelayStrategy{
			TargetURL: rule.Service,
			Source:    e.source,
			Token: func(event.Event) string {
				return token
			},
		}
	default:
		return action.EngineStrategy{ServiceURL: rule.Service, Path: rule.Path}
	}
}

func (e *Engine) recordAttempt(rule Rule, target string, info action.Info, result event.Event, obs *capturingObserver) {
	if e.store == nil {
		return
	}
	attempt := history.Attempt{
		EventID:    info.EventID,
		Rule:       rule.Name,
		Target:     target,
		StatusCode: obs.status,
		Result:     result.Info,
	}
	if obs.err != nil {
		attempt.Error = obs.err.Error()
		attempt.Outcome = history.OutcomeFailed
	} else {
		attempt.Outcome = history.OutcomeDelivered
	}
	if err := e.store.Record(attempt); err != nil {
		e.logger.Warn("history_record_failed",
			slog.String("rule", rule.Name),
			slog.String("event_id", info.EventID),
			slog.Any("err", err),
		)
	}
}

// extendChain appends a rule name to the ordered trace.
func extendChain(chain, name string) string {
	if chain == "" {
		return name
	}
	return chain + "," + name
}

// capturingObserver remembers the outcome for history recording while
// forwarding both observation points to the log observer.
type capturingObserver struct {
	next   action.Observer
	status int
	err    error
}

func (o *capturingObserver) Response(target string, statusCode int, body []byte) {
	o.status = statusCode
	o.next.Response(target, statusCode, body)
}

func (o *capturingObserver) Error(target string, err error) {
	o.err = err
	o.next.Error(target, err)
}
