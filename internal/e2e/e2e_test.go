package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nuetzliches/rulepost/internal/config"
	"github.com/nuetzliches/rulepost/internal/engine"
	"github.com/nuetzliches/rulepost/internal/history"
	"github.com/nuetzliches/rulepost/internal/httpclient"
	"github.com/nuetzliches/rulepost/internal/ingress"
)

// The full path: Rulepostfile -> engine -> intake -> webhook out -> history.
func TestEventToWebhookRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var deliveries []struct {
		path    string
		body    map[string]any
		headers http.Header
	}
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		mu.Lock()
		deliveries = append(deliveries, struct {
			path    string
			body    map[string]any
			headers http.Header
		}{r.URL.Path, body, r.Header.Clone()})
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer target.Close()

	rulepostfile := `
listen :0

engine {
	source https://unit.example.com/
	max_chain_depth 4
}

history {
	backend memory
}

rule on-create {
	on cellctl.create
	action engine
	service ` + target.URL + `
	path hooks/create
}
`
	cfg, err := config.Parse([]byte(rulepostfile))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if problems := config.Validate(cfg); len(problems) > 0 {
		t.Fatalf("validate config: %v", problems)
	}

	store := history.NewMemoryStore()
	policy, err := cfg.Egress.EgressPolicy()
	if err != nil {
		t.Fatalf("egress policy: %v", err)
	}

	rules := make([]engine.Rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		rules = append(rules, engine.Rule{
			Name: rc.Name, On: rc.On, Action: rc.Action,
			Service: rc.Service, Path: rc.Path, Token: rc.Token,
		})
	}
	eng := engine.New(rules, engine.Options{
		Client:        httpclient.New(httpclient.ModeStrict, httpclient.Options{}),
		Policy:        policy,
		Store:         store,
		Source:        cfg.Engine.Source,
		MaxChainDepth: cfg.Engine.MaxChainDepth,
	})

	intake := ingress.NewServer(eng)
	intake.Store = store
	front := httptest.NewServer(intake)
	defer front.Close()

	resp, err := http.Post(front.URL+"/v1/events", "application/json", strings.NewReader(
		`{"external":true,"type":"cellctl.create","object":"https://cell.example.com/box","info":"201"}`,
	))
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("intake status = %d, want 202", resp.StatusCode)
	}
	var accepted struct {
		Fired int `json:"fired"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode intake response: %v", err)
	}
	if accepted.Fired != 1 {
		t.Fatalf("fired = %d, want 1", accepted.Fired)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(deliveries) != 1 {
		t.Fatalf("target saw %d deliveries, want 1", len(deliveries))
	}
	d := deliveries[0]
	if d.path != "/hooks/create" {
		t.Fatalf("delivery path = %q", d.path)
	}
	if d.body["External"] != true || d.body["Type"] != "cellctl.create" || d.body["Info"] != "201" {
		t.Fatalf("delivery body = %v", d.body)
	}
	if d.headers.Get("X-Rulepost-EventId") == "" || d.headers.Get("X-Rulepost-RuleChain") != "on-create" {
		t.Fatalf("delivery headers = %v", d.headers)
	}

	hist, err := http.Get(front.URL + "/v1/attempts")
	if err != nil {
		t.Fatalf("get attempts: %v", err)
	}
	defer hist.Body.Close()
	var listed struct {
		Attempts []struct {
			Rule    string `json:"rule"`
			Result  string `json:"result"`
			Outcome string `json:"outcome"`
		} `json:"attempts"`
	}
	if err := json.NewDecoder(hist.Body).Decode(&listed); err != nil {
		t.Fatalf("decode attempts: %v", err)
	}
	if len(listed.Attempts) != 1 {
		t.Fatalf("history has %d attempts, want 1", len(listed.Attempts))
	}
	at := listed.Attempts[0]
	if at.Rule != "on-create" || at.Result != "201" || at.Outcome != "delivered" {
		t.Fatalf("attempt = %+v", at)
	}
}
