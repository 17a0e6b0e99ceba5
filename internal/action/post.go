package action

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/nuetzliches/rulepost/internal/egress"
	"github.com/nuetzliches/rulepost/internal/event"
)

// resultUnreachable is the sentinel result code for any protocol or transport
// failure. The original receivers distinguish only "delivered" from "failed",
// so the underlying cause is deliberately not surfaced in the result event.
const resultUnreachable = "404"

// responseBodyLimit caps how much of a response body is read for observation.
const responseBodyLimit = 1 << 20

// PostAction performs exactly one synchronous webhook delivery per Execute
// call. It holds no mutable state, so a single instance may be invoked from
// many goroutines as long as each call gets its own event.
type PostAction struct {
	Strategy Strategy
	Client   *http.Client
	Policy   egress.Policy
	Observer Observer
	Info     Info
}

// NewPostAction builds an executor around the given strategy and per-rule
// configuration.
func NewPostAction(strategy Strategy, client *http.Client, info Info) *PostAction {
	if client == nil {
		client = &http.Client{}
	}
	return &PostAction{
		Strategy: strategy,
		Client:   client,
		Info:     info,
	}
}

// Execute delivers ev and returns the synthesized result event, or nil when
// the strategy yields no target URL. No error ever escapes: failed deliveries
// produce a result event with Info set to the "404" sentinel.
func (a *PostAction) Execute(ctx context.Context, ev event.Event) *event.Event {
	target := a.Strategy.RequestURL()
	if target == "" {
		return nil
	}

	result := a.deliver(ctx, target, ev)

	evt := ev.Derive().
		WithType(a.Info.Action).
		WithObject(a.Info.Service).
		WithInfo(result).
		WithEventID(a.Info.EventID).
		WithRuleChain(a.Info.RuleChain).
		Build()
	return &evt
}

// ExecuteBatch is not supported for webhook dispatch and always returns nil.
func (a *PostAction) ExecuteBatch(ctx context.Context, evs []event.Event) *event.Event {
	return nil
}

func (a *PostAction) deliver(ctx context.Context, target string, ev event.Event) string {
	obs := a.observer()

	body, err := encodePayload(ev)
	if err != nil {
		obs.Error(target, err)
		return resultUnreachable
	}

	if err := a.Policy.Check(ctx, target, nil); err != nil {
		obs.Error(target, err)
		return resultUnreachable
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		obs.Error(target, err)
		return resultUnreachable
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	if ev.RequestKey != "" {
		req.Header.Set(HeaderRequestKey, ev.RequestKey)
	}
	req.Header.Set(HeaderEventID, a.Info.EventID)
	req.Header.Set(HeaderRuleChain, a.Info.RuleChain)
	if via := strategyVia(a.Strategy, ev); via != "" {
		req.Header.Set(HeaderVia, via)
	}
	a.Strategy.SetHeaders(req.Header, ev)

	resp, err := a.client().Do(req)
	if err != nil {
		obs.Error(target, err)
		return resultUnreachable
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		obs.Error(target, err)
		return resultUnreachable
	}
	obs.Response(target, resp.StatusCode, respBody)
	return strconv.Itoa(resp.StatusCode)
}

func (a *PostAction) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

func (a *PostAction) observer() Observer {
	if a.Observer != nil {
		return a.Observer
	}
	return nopObserver{}
}
